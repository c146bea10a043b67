package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS agentdeck_history (
	agent_id   TEXT PRIMARY KEY,
	persona    TEXT NOT NULL,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS agentdeck_history_archive (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`

// PGStore keeps history records in Postgres, one row per agent. Each save is
// an upsert inside a transaction holding an advisory lock on the agent id, so
// concurrent saves for one agent commit one after another.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPG connects to databaseURL, verifies the connection and creates the
// history tables if they do not exist.
func OpenPG(ctx context.Context, databaseURL string, logger *slog.Logger) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	config.MaxConns = 8

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return NewPGStore(pool, logger), nil
}

// NewPGStore wraps an existing pool. The schema must already exist.
func NewPGStore(pool *pgxpool.Pool, logger *slog.Logger) *PGStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGStore{pool: pool, logger: logger}
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) Save(ctx context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.AgentID); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO agentdeck_history (agent_id, persona, body, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (agent_id) DO UPDATE
			SET persona = EXCLUDED.persona, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
			rec.AgentID, rec.Persona, string(data), rec.LastUpdated)
		return err
	})
	if err != nil {
		return fmt.Errorf("saving history for %s: %w", rec.AgentID, err)
	}
	s.logger.Debug("history saved", "agent", rec.AgentID, "messages", len(rec.Messages), "backend", "postgres")
	return nil
}

func (s *PGStore) Load(ctx context.Context, agentID string) (Record, error) {
	if err := ValidateID(agentID); err != nil {
		return Record{}, err
	}
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body::text FROM agentdeck_history WHERE agent_id = $1`, agentID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		return Record{}, fmt.Errorf("reading history for %s: %w", agentID, err)
	}
	return decodeRecord(agentID, body)
}

func (s *PGStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT agent_id FROM agentdeck_history ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return ids, nil
}

func (s *PGStore) Delete(ctx context.Context, agentID string) error {
	if err := ValidateID(agentID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM agentdeck_history WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("deleting history for %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return nil
}

// Archive inserts rec into the archive table and returns its row id.
func (s *PGStore) Archive(ctx context.Context, rec Record) (string, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	id := rec.AgentID + "_" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agentdeck_history_archive (id, agent_id, body, created_at)
		VALUES ($1, $2, $3, $4)`, id, rec.AgentID, string(data), now)
	if err != nil {
		return "", fmt.Errorf("archiving history for %s: %w", rec.AgentID, err)
	}
	return id, nil
}
