package ics

import (
	"context"
	"errors"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/recur"
	"calsync/internal/remote"
)

// ErrReadOnly is returned when a write is attempted on a subscription feed.
var ErrReadOnly = errors.New("ics feeds are read-only")

// Feed adapts a Fetcher to remote.Adapter for read-only subscriptions.
type Feed struct {
	fetcher  *Fetcher
	expander *recur.Expander
}

func NewFeed(fetcher *Fetcher, expander *recur.Expander) *Feed {
	return &Feed{fetcher: fetcher, expander: expander}
}

// Fetch downloads the whole feed (servers offer no range query) and keeps
// the events that have an occurrence in [from, to).
func (f *Feed) Fetch(ctx context.Context, src model.CalendarSource, from, to time.Time) ([]model.Event, error) {
	res, err := f.fetcher.FetchOne(ctx, src)
	if err != nil {
		appLog.Error("ics fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, remote.NewFetchError(src.ID, err)
	}
	events, err := ParseICS(src, res.Body)
	if err != nil {
		return nil, remote.NewFetchError(src.ID, err)
	}

	w := model.Window{From: from, To: to}
	out := events[:0]
	for _, ev := range events {
		if f.expander.Overlaps(ev, w) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *Feed) Push(_ context.Context, src model.CalendarSource, _ model.Operation, _ model.Event) (string, error) {
	return "", &remote.PushError{Source: src.ID, Kind: remote.Permanent, Err: ErrReadOnly}
}
