package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"calsync/internal/model"
)

// sqlStore holds the queries shared by the sqlite and postgres backends.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	numbered bool
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) LoadEvents(ctx context.Context, sourceID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT payload FROM events WHERE source_id = ? ORDER BY event_key`), sourceID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveEvents(ctx context.Context, sourceID string, events []model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM events WHERE source_id = ?`), sourceID); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("clear events: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	insert := s.q(`INSERT INTO events(source_id, event_key, payload, updated_at) VALUES (?, ?, ?, ?)`)
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insert, sourceID, ev.ID.String(), string(payload), now); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save events: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteSource(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM events WHERE source_id = ?`), sourceID); err != nil {
		return fmt.Errorf("delete source events: %w", err)
	}
	return nil
}

func (s *sqlStore) LoadKnownSources(ctx context.Context, account string) ([]model.CalendarSource, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT payload FROM known_sources WHERE account = ? ORDER BY source_id`), account)
	if err != nil {
		return nil, fmt.Errorf("query known sources: %w", err)
	}
	defer rows.Close()

	out := make([]model.CalendarSource, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan known source: %w", err)
		}
		var src model.CalendarSource
		if err := json.Unmarshal([]byte(payload), &src); err != nil {
			return nil, fmt.Errorf("decode known source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveKnownSources(ctx context.Context, account string, sources []model.CalendarSource) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save known sources: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM known_sources WHERE account = ?`), account); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("clear known sources: %w", err)
	}
	insert := s.q(`INSERT INTO known_sources(account, source_id, payload) VALUES (?, ?, ?)`)
	for _, src := range sources {
		payload, err := json.Marshal(src)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("encode known source: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, account, src.ID, string(payload)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert known source %s: %w", src.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit known sources: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
