// Package orchestrator runs the background side of the sync core: periodic
// refresh of every source, draining of the sync queue, extension fetches
// for uncached query ranges, and configuration reloads.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calsync/internal/cache"
	"calsync/internal/caldav"
	"calsync/internal/config"
	"calsync/internal/eventstore"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/recur"
	"calsync/internal/remote"
	"calsync/internal/syncq"
)

const discoverTimeout = 20 * time.Second

// CalDAVAdapter is an account-level adapter that can list its calendars.
type CalDAVAdapter interface {
	remote.Adapter
	Discover(ctx context.Context) ([]model.CalendarSource, error)
}

type Options struct {
	Store    *eventstore.Store
	Queue    *syncq.Queue
	Registry *remote.Registry
	// Cache remembers discovered calendars for offline startup. Optional.
	Cache    cache.Backend
	Expander *recur.Expander

	HTTPClient *http.Client
	// FeedCacheDir holds the conditional-GET cache of ICS feeds.
	FeedCacheDir string

	// NewCalDAV and NewFeed build adapters from config. Defaults use the
	// caldav and ics packages.
	NewCalDAV func(caldav.Account) (CalDAVAdapter, error)
	NewFeed   func(config.ICSConfig) remote.Adapter

	Now func() time.Time
}

type Orchestrator struct {
	store     *eventstore.Store
	queue     *syncq.Queue
	registry  *remote.Registry
	backend   cache.Backend
	newCalDAV func(caldav.Account) (CalDAVAdapter, error)
	newFeed   func(config.ICSConfig) remote.Adapter
	now       func() time.Time

	applyMu sync.Mutex
	drainMu sync.Mutex

	mu          sync.Mutex
	cfg         *config.Config
	loc         *time.Location
	pushTimeout time.Duration
	known       map[string]bool
	// offline holds accounts whose calendars are unknown because discovery
	// failed with nothing cached.
	offline     map[string]bool
	cron        *cron.Cron
	refreshID   cron.EntryID
	drainID     cron.EntryID
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Queue == nil || opts.Registry == nil {
		return nil, errors.New("orchestrator: store, queue and registry are required")
	}
	if opts.Expander == nil {
		opts.Expander = recur.New(time.Local)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Orchestrator{
		store:       opts.Store,
		queue:       opts.Queue,
		registry:    opts.Registry,
		backend:     opts.Cache,
		newCalDAV:   opts.NewCalDAV,
		newFeed:     opts.NewFeed,
		now:         opts.Now,
		loc:         opts.Expander.Location,
		pushTimeout: 30 * time.Second,
		known:       make(map[string]bool),
		ctx:         context.Background(),
	}
	if o.loc == nil {
		o.loc = time.Local
	}
	if o.newCalDAV == nil {
		hc := opts.HTTPClient
		o.newCalDAV = func(acc caldav.Account) (CalDAVAdapter, error) {
			return caldav.New(acc, hc)
		}
	}
	if o.newFeed == nil {
		fetcher := ics.NewFetcher(opts.FeedCacheDir, opts.HTTPClient)
		expander := opts.Expander
		o.newFeed = func(config.ICSConfig) remote.Adapter {
			return ics.NewFeed(fetcher, expander)
		}
	}
	return o, nil
}

// FeedSourceID is the source id of a configured ICS subscription.
func FeedSourceID(id string) string {
	return "ics:" + id
}

// PolicyFromConfig converts the sync section into queue retry constants.
func PolicyFromConfig(c config.SyncConfig) syncq.Policy {
	return syncq.Policy{
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.BackoffMultiplier,
		WarnAfter:       c.WarnAfter,
	}
}

// ApplyConfig derives the source set from cfg and hands it to the store as
// one transaction. Sources that stay keep their cache and pending edits;
// new ones are restored from the persisted cache and loaded.
func (o *Orchestrator) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	sources := make([]model.CalendarSource, 0)
	adapters := make(map[string]remote.Adapter)
	var errs []error
	offline := make(map[string]bool)

	for _, acc := range cfg.CalDAV {
		found, client, err := o.discover(ctx, cfg, acc)
		if err != nil {
			errs = append(errs, err)
			if len(found) == 0 {
				offline[acc.Name] = true
			}
		}
		for _, src := range found {
			sources = append(sources, src)
			if client != nil {
				adapters[src.ID] = client
			}
		}
	}
	for _, f := range cfg.ICS {
		src := model.CalendarSource{
			ID:         FeedSourceID(f.ID),
			Name:       f.Name,
			Color:      f.Color,
			Kind:       model.SourceICS,
			Writable:   false,
			Visible:    true,
			CalendarID: f.ID,
			URL:        f.URL,
		}
		sources = append(sources, src)
		adapters[src.ID] = o.newFeed(f)
	}

	for id, a := range adapters {
		o.registry.Set(id, a)
	}
	removed, discarded := o.store.ApplySources(sources)
	for _, src := range removed {
		o.registry.Delete(src.ID)
	}
	if len(discarded) > 0 {
		appLog.Warn("config reload discarded pending edits", "count", len(discarded))
	}

	o.queue.SetPolicy(PolicyFromConfig(cfg.Sync))

	o.mu.Lock()
	added := make([]string, 0)
	next := make(map[string]bool, len(sources))
	for _, src := range sources {
		next[src.ID] = true
		if !o.known[src.ID] {
			added = append(added, src.ID)
		}
	}
	o.known = next
	o.offline = offline
	o.cfg = cfg
	o.pushTimeout = cfg.Sync.PushTimeout
	running := o.running
	if running {
		if err := o.scheduleLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	o.mu.Unlock()

	if len(added) > 0 {
		if err := o.store.Restore(ctx, added...); err != nil {
			appLog.Error("restore cached events", err)
		}
	}
	appLog.Info("calendar sources applied", "sources", len(sources), "added", len(added), "removed", len(removed))

	if running {
		o.spawn(func(ctx context.Context) { o.loadInitial(ctx, added) })
	} else {
		o.loadInitial(ctx, added)
	}
	return errors.Join(errs...)
}

// discover lists the calendars of one account. When the server cannot be
// reached the calendars found last time are used.
func (o *Orchestrator) discover(ctx context.Context, cfg *config.Config, acc config.CalDAVConfig) ([]model.CalendarSource, CalDAVAdapter, error) {
	password, err := config.ResolvePassword(ctx, cfg.PasswordProgram, acc)
	if err != nil {
		appLog.Error("resolve caldav password", err, "account", acc.Name)
	}
	client, err := o.newCalDAV(caldav.Account{
		Name:     acc.Name,
		URL:      acc.URL,
		Username: acc.Username,
		Password: password,
		Color:    acc.Color,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("caldav %q: %w", acc.Name, err)
	}

	dctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	found, err := client.Discover(dctx)
	cancel()
	if err == nil {
		if o.backend != nil {
			if err := o.backend.SaveKnownSources(ctx, acc.Name, found); err != nil {
				appLog.Error("save discovered calendars", err, "account", acc.Name)
			}
		}
		return found, client, nil
	}

	known := o.accountSources(acc.Name)
	if o.backend != nil {
		cached, kerr := o.backend.LoadKnownSources(ctx, acc.Name)
		if kerr != nil {
			appLog.Error("load known calendars", kerr, "account", acc.Name)
		} else if len(cached) > 0 {
			known = cached
		}
	}
	if len(known) == 0 {
		return nil, client, err
	}
	appLog.Warn("caldav discovery failed, using known calendars", "account", acc.Name, "calendars", len(known), "err", err)
	return known, client, nil
}

// accountSources returns the calendars of account currently in the store.
func (o *Orchestrator) accountSources(account string) []model.CalendarSource {
	out := make([]model.CalendarSource, 0)
	for _, info := range o.store.Sources() {
		if info.Kind == model.SourceCalDAV && info.Account == account {
			out = append(out, info.CalendarSource)
		}
	}
	return out
}

// configured reports whether sourceID belongs to a configured feed or
// CalDAV account, whether or not its calendar has been discovered.
func (o *Orchestrator) configured(sourceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg == nil {
		return false
	}
	for _, acc := range o.cfg.CalDAV {
		if strings.HasPrefix(sourceID, caldav.SourceID(acc.Name, "")) {
			return true
		}
	}
	for _, f := range o.cfg.ICS {
		if sourceID == FeedSourceID(f.ID) {
			return true
		}
	}
	return false
}

// Window returns the default cached range: today ± window_months.
func (o *Orchestrator) Window() model.Window {
	o.mu.Lock()
	months := 2
	if o.cfg != nil {
		months = o.cfg.WindowMonths
	}
	loc := o.loc
	o.mu.Unlock()

	now := o.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return model.Window{From: today.AddDate(0, -months, 0), To: today.AddDate(0, months, 0)}
}

func (o *Orchestrator) loadInitial(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	w := o.Window()
	for _, id := range ids {
		if err := o.store.LoadWindow(ctx, id, w.From, w.To); err != nil {
			appLog.Error("initial load failed", err, "source", id)
		}
	}
	if err := o.store.Flush(ctx); err != nil {
		appLog.Error("flush event cache", err)
	}
}

// RefreshAll refetches every cached range of every source and extends the
// cache to the current default window. Accounts left offline by a failed
// discovery are discovered again first.
func (o *Orchestrator) RefreshAll(ctx context.Context) {
	o.mu.Lock()
	cfg := o.cfg
	retry := len(o.offline) > 0
	o.mu.Unlock()
	if retry && cfg != nil {
		if err := o.ApplyConfig(ctx, cfg); err != nil {
			appLog.Debug("caldav discovery still failing", "err", err)
		}
	}

	w := o.Window()
	infos := o.store.Sources()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	for _, info := range infos {
		if ctx.Err() != nil {
			return
		}
		if info.Degraded {
			continue
		}
		if err := o.store.Refresh(ctx, info.ID); err != nil {
			continue
		}
		if err := o.store.LoadWindow(ctx, info.ID, w.From, w.To); err != nil {
			appLog.Debug("window load failed", "source", info.ID, "err", err)
		}
	}
	if err := o.store.Flush(ctx); err != nil {
		appLog.Error("flush event cache", err)
	}
}

// Drain pushes every queue item that is due, oldest first, and returns how
// many were attempted.
func (o *Orchestrator) Drain(ctx context.Context) int {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	n := 0
	for ctx.Err() == nil {
		item, ok := o.queue.Checkout(o.now())
		if !ok {
			break
		}
		o.push(ctx, item)
		n++
	}
	if n > 0 {
		if err := o.store.Flush(ctx); err != nil {
			appLog.Error("flush event cache", err)
		}
	}
	return n
}

func (o *Orchestrator) push(ctx context.Context, item syncq.Item) {
	id := item.Identity
	src, ok := o.store.Source(id.SourceID)
	if !ok {
		if !o.configured(id.SourceID) {
			if _, err := o.queue.Remove(id); err == nil {
				appLog.Warn("dropped pending edit for unknown source", "source", id.SourceID, "uid", id.UID, "op", item.Op)
			}
			return
		}
		// The account is configured but its calendars are not known yet.
		next, err := o.queue.RecordFailure(item.ID, item.Generation, "calendar not discovered yet")
		if err != nil {
			if !errors.Is(err, syncq.ErrNotFound) {
				appLog.Error("record push failure", err, "uid", id.UID)
			}
			return
		}
		appLog.Info("push deferred until calendar is discovered", "source", id.SourceID, "uid", id.UID, "attempts", next.Attempts, "next_retry", next.NextRetry.Format(time.RFC3339))
		return
	}

	o.mu.Lock()
	timeout := o.pushTimeout
	o.mu.Unlock()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	revision, err := o.registry.Push(pctx, src, item.Op, item.Payload)
	cancel()

	switch {
	case err == nil:
		if err := o.queue.RecordSuccess(item.ID, item.Generation, revision); err != nil && !errors.Is(err, syncq.ErrNotFound) {
			appLog.Error("record push success", err, "uid", id.UID)
		}
		appLog.Debug("pushed", "source", id.SourceID, "uid", id.UID, "op", item.Op)
	case ctx.Err() != nil:
		// Shutdown: the item stays pending with its attempt count.
		o.queue.Release(item.ID)
	case remote.IsPermanent(err):
		if _, rerr := o.queue.RecordPermanentFailure(item.ID, item.Generation, err.Error()); rerr != nil && !errors.Is(rerr, syncq.ErrNotFound) {
			appLog.Error("record push failure", rerr, "uid", id.UID)
		}
	default:
		next, rerr := o.queue.RecordFailure(item.ID, item.Generation, err.Error())
		if rerr != nil {
			if !errors.Is(rerr, syncq.ErrNotFound) {
				appLog.Error("record push failure", rerr, "uid", id.UID)
			}
			return
		}
		appLog.Info("push failed, will retry", "source", id.SourceID, "uid", id.UID, "op", item.Op, "attempts", next.Attempts, "next_retry", next.NextRetry.Format(time.RFC3339), "err", err)
	}
}
