// Package remote defines the adapter contracts the store and orchestrator
// use to talk to calendar servers, and the error classification shared by
// every adapter.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"calsync/internal/model"
)

// Fetcher reads every event of src that may overlap [from, to).
type Fetcher interface {
	Fetch(ctx context.Context, src model.CalendarSource, from, to time.Time) ([]model.Event, error)
}

// Pusher writes one queued operation to src. It is idempotent by event
// identity: a retried create or update overwrites, a retried delete of a
// missing resource succeeds. The returned revision is the server's new ETag
// when it reported one.
type Pusher interface {
	Push(ctx context.Context, src model.CalendarSource, op model.Operation, ev model.Event) (string, error)
}

// Adapter is a source that can be both read and written.
type Adapter interface {
	Fetcher
	Pusher
}

type Kind string

const (
	Transient Kind = "transient"
	Permanent Kind = "permanent"
)

// FetchError wraps a failed read of one source.
type FetchError struct {
	Source string
	Kind   Kind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PushError wraps a failed write of one queued operation.
type PushError struct {
	Source string
	Kind   Kind
	Err    error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// StatusError is an HTTP response status surfaced by an adapter transport.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "http " + e.Status
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Retryable reports whether the status is worth retrying later.
func (e *StatusError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// ErrMalformed marks payloads the server returned but we could not parse.
var ErrMalformed = errors.New("malformed calendar data")

// Classify decides whether err is worth retrying. Server errors, throttling,
// timeouts and network failures are transient; other client errors and
// malformed payloads are permanent. Anything unrecognized is transient.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var pe *PushError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.Retryable() {
			return Transient
		}
		return Permanent
	}
	if errors.Is(err, ErrMalformed) {
		return Permanent
	}
	return Transient
}

func NewFetchError(source string, err error) *FetchError {
	return &FetchError{Source: source, Kind: Classify(err), Err: err}
}

func NewPushError(source string, err error) *PushError {
	return &PushError{Source: source, Kind: Classify(err), Err: err}
}

func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}

func IsPermanent(err error) bool {
	return err != nil && Classify(err) == Permanent
}

// Registry maps source ids to the adapter that serves them.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Set(sourceID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[sourceID] = a
}

func (r *Registry) Delete(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, sourceID)
}

func (r *Registry) Lookup(sourceID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[sourceID]
	return a, ok
}

// Fetch dispatches to the adapter registered for src.
func (r *Registry) Fetch(ctx context.Context, src model.CalendarSource, from, to time.Time) ([]model.Event, error) {
	a, ok := r.Lookup(src.ID)
	if !ok {
		return nil, &FetchError{Source: src.ID, Kind: Permanent, Err: errors.New("no adapter registered")}
	}
	return a.Fetch(ctx, src, from, to)
}

// Push dispatches to the adapter registered for src.
func (r *Registry) Push(ctx context.Context, src model.CalendarSource, op model.Operation, ev model.Event) (string, error) {
	a, ok := r.Lookup(src.ID)
	if !ok {
		return "", &PushError{Source: src.ID, Kind: Permanent, Err: errors.New("no adapter registered")}
	}
	return a.Push(ctx, src, op, ev)
}
