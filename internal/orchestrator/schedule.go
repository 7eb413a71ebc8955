package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"calsync/internal/config"
	"calsync/internal/eventstore"
	appLog "calsync/internal/log"
)

// cronLogger routes cron's own logging into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}

// Start launches the refresh and drain timers and the extension worker.
// ApplyConfig must have been called once.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("orchestrator already running")
	}
	if o.cfg == nil {
		return errors.New("orchestrator: no configuration applied")
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.cron = cron.New(
		cron.WithLocation(o.loc),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	if err := o.scheduleLocked(); err != nil {
		o.cancel()
		return err
	}
	o.cron.Start()
	o.running = true

	o.wg.Add(1)
	go o.extendLoop(o.ctx)

	appLog.Info("sync orchestrator started", "refresh", refreshSpec(o.cfg), "drain", o.cfg.DrainInterval.String())
	return nil
}

// scheduleLocked (re)installs both timers from the current config.
func (o *Orchestrator) scheduleLocked() error {
	if o.refreshID != 0 {
		o.cron.Remove(o.refreshID)
		o.refreshID = 0
	}
	if o.drainID != 0 {
		o.cron.Remove(o.drainID)
		o.drainID = 0
	}

	ctx := o.ctx
	if spec := refreshSpec(o.cfg); spec != "" {
		id, err := o.cron.AddFunc(spec, func() { o.RefreshAll(ctx) })
		if err != nil {
			return fmt.Errorf("schedule refresh %q: %w", spec, err)
		}
		o.refreshID = id
	}

	drain := o.cfg.DrainInterval
	if drain <= 0 {
		drain = time.Second
	}
	id, err := o.cron.AddFunc("@every "+drain.String(), func() { o.Drain(ctx) })
	if err != nil {
		return fmt.Errorf("schedule drain: %w", err)
	}
	o.drainID = id
	return nil
}

// refreshSpec returns the cron spec of the refresh timer, or "" when
// periodic refresh is disabled.
func refreshSpec(cfg *config.Config) string {
	if cfg.RefreshCron != "" {
		return cfg.RefreshCron
	}
	d := cfg.Refresh()
	if d <= 0 {
		return ""
	}
	return "@every " + d.String()
}

func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.mu.Lock()
	ctx := o.ctx
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		fn(ctx)
	}()
}

// extendLoop loads ranges that queries asked for but the cache lacks,
// widened to whole months.
func (o *Orchestrator) extendLoop(ctx context.Context) {
	defer o.wg.Done()
	misses := o.store.Misses()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-misses:
			o.extend(ctx, m)
		}
	}
}

func (o *Orchestrator) extend(ctx context.Context, m eventstore.Miss) {
	from := time.Date(m.From.Year(), m.From.Month(), 1, 0, 0, 0, 0, m.From.Location())
	to := time.Date(m.To.Year(), m.To.Month(), 1, 0, 0, 0, 0, m.To.Location())
	if to.Before(m.To) {
		to = to.AddDate(0, 1, 0)
	}
	if err := o.store.LoadWindow(ctx, m.SourceID, from, to); err != nil {
		appLog.Debug("cache extension failed", "source", m.SourceID, "err", err)
		return
	}
	appLog.Debug("cache extended", "source", m.SourceID, "from", from.Format(time.DateOnly), "to", to.Format(time.DateOnly))
}

// Stop halts the timers and waits for running jobs until ctx is done, then
// cancels outstanding remote calls. The event cache is flushed last.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	c := o.cron
	cancel := o.cancel
	o.mu.Unlock()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		appLog.Warn("shutdown timeout, cancelling in-flight sync calls")
	}
	cancel()
	<-stopped.Done()
	o.wg.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := o.store.Flush(flushCtx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	appLog.Info("sync orchestrator stopped")
	return nil
}
