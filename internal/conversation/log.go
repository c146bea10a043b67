// Package conversation implements the per-agent conversation log: an ordered
// sequence of role-tagged messages with at most one in-progress assistant
// message at the tail.
//
// A Log is not safe for concurrent use. The owning agent serializes access.
package conversation

import (
	"errors"
	"time"
)

var (
	// ErrInvalidState is returned when an operation conflicts with the
	// current turn state, such as beginning a turn while one is in progress.
	ErrInvalidState = errors.New("invalid conversation state")

	// ErrNoActiveTurn is returned by delta, finalize and abort operations
	// when no assistant turn is in progress.
	ErrNoActiveTurn = errors.New("no active turn")
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry in the log.
type Message struct {
	Seq       uint64    `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// InProgress is set only on the tail assistant message of an active turn.
	InProgress bool `json:"in_progress,omitempty"`

	// Incomplete marks a turn that was aborted; Reason says why.
	Incomplete bool   `json:"incomplete,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// Summary marks the synthetic message produced by archival.
	Summary bool `json:"summary,omitempty"`
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// Log is an ordered conversation.
type Log struct {
	messages []Message
	seq      uint64
	summary  string
	archives int
	now      func() time.Time
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) append(role Role, content string, inProgress bool) {
	l.seq++
	l.messages = append(l.messages, Message{
		Seq:        l.seq,
		Role:       role,
		Content:    content,
		CreatedAt:  l.now().UTC(),
		InProgress: inProgress,
	})
}

func (l *Log) tail() *Message {
	if len(l.messages) == 0 {
		return nil
	}
	return &l.messages[len(l.messages)-1]
}

// InProgress reports whether an assistant turn is active.
func (l *Log) InProgress() bool {
	t := l.tail()
	return t != nil && t.InProgress
}

// AppendUser appends a finalized user message.
func (l *Log) AppendUser(text string) error {
	if l.InProgress() {
		return ErrInvalidState
	}
	l.append(RoleUser, text, false)
	return nil
}

// AppendSystem appends a finalized system message.
func (l *Log) AppendSystem(text string) error {
	if l.InProgress() {
		return ErrInvalidState
	}
	l.append(RoleSystem, text, false)
	return nil
}

// BeginAssistantTurn appends an empty in-progress assistant message.
func (l *Log) BeginAssistantTurn() error {
	if l.InProgress() {
		return ErrInvalidState
	}
	l.append(RoleAssistant, "", true)
	return nil
}

// AppendDelta concatenates text onto the in-progress message.
func (l *Log) AppendDelta(text string) error {
	if !l.InProgress() {
		return ErrNoActiveTurn
	}
	l.tail().Content += text
	return nil
}

// FinalizeTurn makes the in-progress message immutable.
func (l *Log) FinalizeTurn() error {
	if !l.InProgress() {
		return ErrNoActiveTurn
	}
	l.tail().InProgress = false
	return nil
}

// AbortTurn finalizes the in-progress message with whatever content it has
// and tags it incomplete with reason.
func (l *Log) AbortTurn(reason string) error {
	if !l.InProgress() {
		return ErrNoActiveTurn
	}
	t := l.tail()
	t.InProgress = false
	t.Incomplete = true
	t.Reason = reason
	return nil
}

// Clear removes every message and the summary. The sequence counter keeps
// counting so sequence numbers are never reused.
func (l *Log) Clear() error {
	if l.InProgress() {
		return ErrInvalidState
	}
	l.messages = nil
	l.summary = ""
	return nil
}

// Messages returns a copy of the messages in order.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int { return len(l.messages) }

// Seq returns the last issued sequence number.
func (l *Log) Seq() uint64 { return l.seq }

// Summary returns the text of the most recent archival summary.
func (l *Log) Summary() string { return l.summary }

// Archives returns how many times the log has been archived.
func (l *Log) Archives() int { return l.archives }

// Chars returns the total content length of all messages.
func (l *Log) Chars() int {
	n := 0
	for _, m := range l.messages {
		n += len(m.Content)
	}
	return n
}

// Tail returns the last message, if any.
func (l *Log) Tail() (Message, bool) {
	t := l.tail()
	if t == nil {
		return Message{}, false
	}
	return *t, true
}
