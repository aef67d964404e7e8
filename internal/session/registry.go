// Package session tracks event-channel connections by user id and admits
// background generations on their behalf.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/comfyrelay/internal/metrics"
)

var (
	// ErrBusy is returned by Begin when the user already has a generation
	// in flight.
	ErrBusy = errors.New("a generation is already running for this user")
	// ErrSaturated is returned by Begin when the relay-wide limit is reached.
	ErrSaturated = errors.New("relay is at capacity, try again shortly")
	// ErrClosed is returned by Begin after Close.
	ErrClosed = errors.New("session registry closed")
)

// Handle is one live event-channel connection.
type Handle interface {
	ID() string
	Emit(event string, data any) error
}

type task struct {
	cancel context.CancelFunc
}

// Registry maps user ids to their current Handle. At most one Handle is
// tracked per user id; registering a new one replaces the old.
type Registry struct {
	mu      sync.Mutex
	handles map[string]Handle
	tasks   map[string]*task
	closed  bool

	base    context.Context
	stop    context.CancelFunc
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Options struct {
	// MaxConcurrent bounds generations across all users. Zero means 4.
	MaxConcurrent int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

func NewRegistry(opts Options) *Registry {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		handles: make(map[string]Handle),
		tasks:   make(map[string]*task),
		base:    base,
		stop:    stop,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// Register tracks h for userID. It reports whether an older handle was
// replaced; events addressed to userID now reach only h.
func (r *Registry) Register(userID string, h Handle) (replaced bool) {
	r.mu.Lock()
	old, replaced := r.handles[userID]
	r.handles[userID] = h
	n := len(r.handles)
	r.mu.Unlock()

	r.metrics.SetSessions(n)
	if replaced && old.ID() != h.ID() {
		r.logger.Info("session replaced", "user_id", userID, "old", old.ID(), "new", h.ID())
	} else {
		r.logger.Debug("session registered", "user_id", userID, "handle", h.ID())
	}
	return replaced
}

// Lookup returns the handle currently tracked for userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[userID]
	return h, ok
}

// Unregister drops h if it is the tracked handle for some user and cancels
// that user's in-flight generation. A handle that was already replaced is
// ignored.
func (r *Registry) Unregister(h Handle) (userID string, ok bool) {
	r.mu.Lock()
	for uid, cur := range r.handles {
		if cur.ID() == h.ID() {
			userID, ok = uid, true
			break
		}
	}
	if ok {
		delete(r.handles, userID)
		if t := r.tasks[userID]; t != nil {
			t.cancel()
		}
	}
	n := len(r.handles)
	r.mu.Unlock()

	if ok {
		r.metrics.SetSessions(n)
		r.logger.Debug("session unregistered", "user_id", userID, "handle", h.ID())
	}
	return userID, ok
}

// Len returns the number of tracked users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Emit delivers an event to the handle tracked for userID. It returns false
// when no handle is tracked or delivery failed; a failed handle is dropped.
func (r *Registry) Emit(userID, event string, data any) bool {
	h, ok := r.Lookup(userID)
	if !ok {
		r.logger.Warn("no session for user, dropping event", "user_id", userID, "event", event)
		return false
	}
	if err := h.Emit(event, data); err != nil {
		r.logger.Warn("emit failed, dropping session", "user_id", userID, "event", event, "error", err)
		r.Unregister(h)
		return false
	}
	return true
}

// Begin admits one generation for userID. The returned context ends when the
// user's tracked handle disconnects, the registry closes, or done is called.
// done must be called exactly once the generation finishes; later calls are
// no-ops.
func (r *Registry) Begin(userID string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrClosed
	}
	if _, busy := r.tasks[userID]; busy {
		return nil, nil, ErrBusy
	}
	if !r.sem.TryAcquire(1) {
		return nil, nil, ErrSaturated
	}

	ctx, cancel := context.WithCancel(r.base)
	t := &task{cancel: cancel}
	r.tasks[userID] = t
	r.metrics.InFlightInc()

	var once sync.Once
	done := func() {
		once.Do(func() {
			r.mu.Lock()
			if r.tasks[userID] == t {
				delete(r.tasks, userID)
			}
			r.mu.Unlock()
			cancel()
			r.sem.Release(1)
			r.metrics.InFlightDec()
		})
	}
	return ctx, done, nil
}

// InFlight reports whether userID has an admitted generation.
func (r *Registry) InFlight(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[userID]
	return ok
}

// Close cancels every in-flight generation and refuses new ones. Tracked
// handles stay registered until their connections end.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()
}
