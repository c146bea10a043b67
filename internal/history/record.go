// Package history persists conversation logs so agents survive restarts.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/szaher/agentdeck/internal/conversation"
)

// FormatVersion is written into every record.
const FormatVersion = 1

var (
	// ErrNotFound is returned when no committed record exists for an agent.
	ErrNotFound = errors.New("history not found")

	// ErrCorruptData is returned when a stored record cannot be decoded into
	// a valid conversation log.
	ErrCorruptData = errors.New("corrupt history data")

	// ErrInvalidID is returned for agent ids that cannot be used as keys.
	ErrInvalidID = errors.New("invalid agent id")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateID checks that id is safe to use as a file name or row key.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Record is the persisted form of one agent's conversation.
type Record struct {
	Version            int                    `json:"version"`
	AgentID            string                 `json:"agent_id"`
	Persona            string                 `json:"persona"`
	Summary            string                 `json:"summary,omitempty"`
	Messages           []conversation.Message `json:"messages"`
	TotalMessageCount  uint64                 `json:"total_message_count"`
	SummarizationCount int                    `json:"summarization_count"`
	LastUpdated        time.Time              `json:"last_updated"`
}

// NewRecord builds a record from a log snapshot.
func NewRecord(agentID, persona string, snap conversation.Snapshot, now time.Time) Record {
	msgs := snap.Messages
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	return Record{
		Version:            FormatVersion,
		AgentID:            agentID,
		Persona:            persona,
		Summary:            snap.Summary,
		Messages:           msgs,
		TotalMessageCount:  snap.Seq,
		SummarizationCount: snap.Archives,
		LastUpdated:        now.UTC(),
	}
}

// Snapshot returns the log snapshot carried by the record.
func (r Record) Snapshot() conversation.Snapshot {
	return conversation.Snapshot{
		Messages: r.Messages,
		Summary:  r.Summary,
		Seq:      r.TotalMessageCount,
		Archives: r.SummarizationCount,
	}
}

// Log rebuilds the conversation log. Invalid content yields ErrCorruptData.
func (r Record) Log(opts ...conversation.Option) (*conversation.Log, error) {
	l, err := conversation.Restore(r.Snapshot(), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptData, r.AgentID, err)
	}
	return l, nil
}

// decodeRecord parses and validates stored bytes. It never returns a partially
// populated record alongside an error.
func decodeRecord(agentID string, data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %w", ErrCorruptData, agentID, err)
	}
	if rec.Version < 1 || rec.Version > FormatVersion {
		return Record{}, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptData, agentID, rec.Version)
	}
	if rec.AgentID != agentID {
		return Record{}, fmt.Errorf("%w: %s: record belongs to %q", ErrCorruptData, agentID, rec.AgentID)
	}
	if _, err := rec.Log(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func encodeRecord(rec Record) ([]byte, error) {
	if err := ValidateID(rec.AgentID); err != nil {
		return nil, err
	}
	if rec.Version == 0 {
		rec.Version = FormatVersion
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding history for %s: %w", rec.AgentID, err)
	}
	return append(data, '\n'), nil
}

// Store is durable storage for conversation records, keyed by agent id.
// Implementations serialize concurrent saves for the same agent; the last
// write wins.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, agentID string) (Record, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, agentID string) error

	// Archive keeps a full copy of rec outside the live history and returns
	// where it was written.
	Archive(ctx context.Context, rec Record) (string, error)
}

// Export writes the committed record for agentID to w as indented JSON.
func Export(ctx context.Context, s Store, agentID string, w io.Writer) error {
	rec, err := s.Load(ctx, agentID)
	if err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
