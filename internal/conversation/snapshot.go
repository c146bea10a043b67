package conversation

import (
	"errors"
	"fmt"
)

// ErrInvalidSnapshot is returned by Restore for snapshots that violate the
// log's ordering or role invariants.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// InterruptedReason tags a message that was still streaming when its log was
// snapshotted and later restored.
const InterruptedReason = "interrupted"

// Snapshot is the serialized state of a Log at a point in time.
type Snapshot struct {
	Messages []Message `json:"messages"`
	Summary  string    `json:"summary,omitempty"`

	// Seq is the last issued sequence number; equal to the total number of
	// messages ever appended.
	Seq      uint64 `json:"seq"`
	Archives int    `json:"archives"`
}

// Snapshot returns a deep copy of the log state.
func (l *Log) Snapshot() Snapshot {
	return Snapshot{
		Messages: l.Messages(),
		Summary:  l.summary,
		Seq:      l.seq,
		Archives: l.archives,
	}
}

// Restore rebuilds a log from a snapshot. A message still marked in progress
// is finalized as incomplete with InterruptedReason.
func Restore(s Snapshot, opts ...Option) (*Log, error) {
	l := New(opts...)

	var last uint64
	for i, m := range s.Messages {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidSnapshot, i, m.Role)
		}
		if i > 0 && m.Seq <= last {
			return nil, fmt.Errorf("%w: message %d out of order (seq %d after %d)", ErrInvalidSnapshot, i, m.Seq, last)
		}
		if m.InProgress && (i != len(s.Messages)-1 || m.Role != RoleAssistant) {
			return nil, fmt.Errorf("%w: in-progress message %d is not the assistant tail", ErrInvalidSnapshot, i)
		}
		last = m.Seq
	}

	l.messages = make([]Message, len(s.Messages))
	copy(l.messages, s.Messages)
	if t := l.tail(); t != nil && t.InProgress {
		t.InProgress = false
		t.Incomplete = true
		t.Reason = InterruptedReason
	}

	l.seq = s.Seq
	if l.seq < last {
		l.seq = last
	}
	l.summary = s.Summary
	l.archives = s.Archives
	return l, nil
}
