package cache

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"calsync/internal/model"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres shares one cache between hosts. The connection and schema are
// set up lazily on first use so a down database does not block startup.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	store    sqlStore
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrUnsupportedBackend
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		for _, stmt := range []string{
			`CREATE TABLE IF NOT EXISTS events (
				source_id TEXT NOT NULL,
				event_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (source_id, event_key)
			)`,
			`CREATE TABLE IF NOT EXISTS known_sources (
				account TEXT NOT NULL,
				source_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				PRIMARY KEY (account, source_id)
			)`,
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				p.initErr = err
				return
			}
		}
		p.store = sqlStore{db: db, numbered: true}
	})
	return p.initErr
}

func (p *Postgres) LoadEvents(ctx context.Context, sourceID string) ([]model.Event, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	return p.store.LoadEvents(ctx, sourceID)
}

func (p *Postgres) SaveEvents(ctx context.Context, sourceID string, events []model.Event) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	return p.store.SaveEvents(ctx, sourceID, events)
}

func (p *Postgres) DeleteSource(ctx context.Context, sourceID string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	return p.store.DeleteSource(ctx, sourceID)
}

func (p *Postgres) LoadKnownSources(ctx context.Context, account string) ([]model.CalendarSource, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	return p.store.LoadKnownSources(ctx, account)
}

func (p *Postgres) SaveKnownSources(ctx context.Context, account string, sources []model.CalendarSource) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	return p.store.SaveKnownSources(ctx, account, sources)
}

func (p *Postgres) Close() error {
	if p == nil || p.store.db == nil {
		return nil
	}
	return p.store.Close()
}
