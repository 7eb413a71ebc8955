// Package cache persists the event cache and discovered calendars so the
// store can render before the first refresh completes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"calsync/internal/model"
)

var ErrUnsupportedBackend = errors.New("unsupported cache backend")

// Backend stores events per source and the calendars last discovered per
// CalDAV account.
type Backend interface {
	LoadEvents(ctx context.Context, sourceID string) ([]model.Event, error)
	// SaveEvents replaces every stored event of sourceID.
	SaveEvents(ctx context.Context, sourceID string, events []model.Event) error
	DeleteSource(ctx context.Context, sourceID string) error

	LoadKnownSources(ctx context.Context, account string) ([]model.CalendarSource, error)
	SaveKnownSources(ctx context.Context, account string, sources []model.CalendarSource) error

	Close() error
}

// Build selects a backend from the configured value:
//
//	"" or "sqlite"        sqlite file under dataDir
//	"sqlite:///path.db"   sqlite file at path
//	"none"                no persistence (nil backend)
//	"memory"              process-local, for tests
//	"postgres://..."      postgres via lib/pq
func Build(ctx context.Context, spec, dataDir string) (Backend, error) {
	spec = strings.TrimSpace(spec)
	switch strings.ToLower(spec) {
	case "", "sqlite":
		return OpenSQLite(ctx, filepath.Join(dataDir, "cache.db"))
	case "none", "off":
		return nil, nil
	case "memory", "mem":
		return NewMemory(), nil
	}

	parsed, err := url.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cache dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "sqlite", "file":
		path := parsed.Path
		if parsed.Host != "" {
			path = filepath.Join(parsed.Host, parsed.Path)
		}
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite dsn without path", ErrUnsupportedBackend)
		}
		return OpenSQLite(ctx, path)
	case "postgres", "postgresql":
		return NewPostgres(spec)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, parsed.Scheme)
	}
}

// Memory keeps JSON copies in process memory.
type Memory struct {
	mu      sync.Mutex
	events  map[string][]byte
	sources map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{events: map[string][]byte{}, sources: map[string][]byte{}}
}

func (m *Memory) LoadEvents(_ context.Context, sourceID string) ([]model.Event, error) {
	m.mu.Lock()
	data, ok := m.events[sourceID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var out []model.Event
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memory) SaveEvents(_ context.Context, sourceID string, events []model.Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[sourceID] = data
	return nil
}

func (m *Memory) DeleteSource(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, sourceID)
	return nil
}

func (m *Memory) LoadKnownSources(_ context.Context, account string) ([]model.CalendarSource, error) {
	m.mu.Lock()
	data, ok := m.sources[account]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var out []model.CalendarSource
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memory) SaveKnownSources(_ context.Context, account string, sources []model.CalendarSource) error {
	data, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[account] = data
	return nil
}

func (m *Memory) Close() error { return nil }
