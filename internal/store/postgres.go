package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists turn records in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turn_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			turn INTEGER NOT NULL,
			vendor TEXT NOT NULL,
			caller_text TEXT NOT NULL DEFAULT '',
			caller_audio_ref TEXT NOT NULL DEFAULT '',
			agent_audio_ref TEXT NOT NULL DEFAULT '',
			agent_transcript TEXT NOT NULL DEFAULT '',
			bytes_received INTEGER NOT NULL DEFAULT 0,
			timed_out BOOLEAN NOT NULL DEFAULT FALSE,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turn_records_session_turn ON turn_records (session_id, turn);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Postgres) SaveTurn(ctx context.Context, r TurnRecord) error {
	fill(&r)
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if r.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO turn_records (id, session_id, turn, vendor, caller_text, caller_audio_ref,
			agent_audio_ref, agent_transcript, bytes_received, timed_out, duration_ms, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13)`,
		r.ID, r.SessionID, r.Turn, r.Vendor, r.CallerText, r.CallerAudioRef,
		r.AgentAudioRef, r.AgentTranscript, r.BytesReceived, r.TimedOut, r.DurationMS, string(meta), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *Postgres) ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, turn, vendor, caller_text, caller_audio_ref, agent_audio_ref,
			agent_transcript, bytes_received, timed_out, duration_ms, metadata, created_at
		 FROM turn_records WHERE session_id=$1 ORDER BY turn ASC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var items []TurnRecord
	for rows.Next() {
		var (
			r    TurnRecord
			meta []byte
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Turn, &r.Vendor, &r.CallerText, &r.CallerAudioRef,
			&r.AgentAudioRef, &r.AgentTranscript, &r.BytesReceived, &r.TimedOut, &r.DurationMS, &meta, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
