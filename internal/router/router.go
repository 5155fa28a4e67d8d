// Package router tracks which backing store each request targets: one
// process-wide binding plus per-user overrides, with shared connections.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/docstore"
	"github.com/kalambet/annotd/internal/metrics"
	"github.com/kalambet/annotd/internal/storage"
)

// Registry is the subset of the metadata store the router reads and writes.
type Registry interface {
	FindStore(ctx context.Context, d storage.StoreDescriptor) (storage.StoreRecord, error)
	FindStoreByStoreID(ctx context.Context, storeID string) (storage.StoreRecord, error)
	GetUser(ctx context.Context, id string) (storage.User, error)
	ListUsers(ctx context.Context) ([]storage.User, error)
	SetActiveStore(ctx context.Context, userID, storeID, assignmentTitle string) error
}

type Config struct {
	Registry Registry
	// Default is the descriptor used until the first switch and whenever
	// the bound store is removed.
	Default storage.StoreDescriptor
	// Open defaults to docstore.Open.
	Open        Opener
	OpenTimeout time.Duration
	Metrics     metrics.Collector
	Logger      *slog.Logger
}

// Router resolves and switches the active store. Resolve never blocks on a
// switch: the global binding is read through an atomic pointer, and switches
// are serialized by switchMu.
type Router struct {
	registry Registry
	def      storage.StoreDescriptor
	metrics  metrics.Collector
	logger   *slog.Logger

	global atomic.Pointer[storage.StoreDescriptor]
	pool   *pool

	switchMu sync.Mutex
	// userKeys records the pool key each user override holds a reference on.
	userKeys map[string]connKey
}

func New(cfg Config) *Router {
	if cfg.Open == nil {
		cfg.Open = docstore.Open
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := metrics.OrNop(cfg.Metrics)

	r := &Router{
		registry: cfg.Registry,
		def:      cfg.Default,
		metrics:  m,
		logger:   cfg.Logger,
		pool:     newPool(cfg.Open, cfg.OpenTimeout, m, cfg.Logger),
		userKeys: make(map[string]connKey),
	}
	def := cfg.Default
	r.global.Store(&def)
	r.pool.retain(keyOf(def))
	return r
}

// Restore re-takes references for user overrides persisted by an earlier
// process so their connections are shared and released like new ones.
func (r *Router) Restore(ctx context.Context) error {
	users, err := r.registry.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	r.switchMu.Lock()
	defer r.switchMu.Unlock()
	for _, u := range users {
		if u.ActiveStoreID == "" {
			continue
		}
		rec, err := r.registry.FindStoreByStoreID(ctx, u.ActiveStoreID)
		if err != nil {
			r.logger.Warn("user override points at unknown store", "user", u.ID, "store", u.ActiveStoreID)
			continue
		}
		k := keyOf(rec.StoreDescriptor)
		r.pool.retain(k)
		r.userKeys[u.ID] = k
	}
	return nil
}

// Active returns the process-wide binding.
func (r *Router) Active() storage.StoreDescriptor {
	return *r.global.Load()
}

// Default returns the configured fallback descriptor.
func (r *Router) Default() storage.StoreDescriptor {
	return r.def
}

// Resolve returns the user's override when it names a registered store,
// otherwise the process-wide binding. An empty userID skips the override.
// It never fails.
func (r *Router) Resolve(ctx context.Context, userID string) storage.StoreDescriptor {
	if userID != "" {
		if d, ok := r.userOverride(ctx, userID); ok {
			return d
		}
	}
	if g := r.global.Load(); g != nil {
		return *g
	}
	return r.def
}

func (r *Router) userOverride(ctx context.Context, userID string) (storage.StoreDescriptor, bool) {
	u, err := r.registry.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			r.logger.Warn("resolving user override failed", "user", userID, "error", err)
		}
		return storage.StoreDescriptor{}, false
	}
	if u.ActiveStoreID == "" {
		return storage.StoreDescriptor{}, false
	}
	rec, err := r.registry.FindStoreByStoreID(ctx, u.ActiveStoreID)
	if err != nil {
		return storage.StoreDescriptor{}, false
	}
	return rec.StoreDescriptor, true
}

// Open returns the shared connection for d.
func (r *Router) Open(ctx context.Context, d storage.StoreDescriptor) (docstore.Store, error) {
	return r.pool.acquire(ctx, d)
}

// OpenStoreID returns the connection for the oldest registry record with
// storeID.
func (r *Router) OpenStoreID(ctx context.Context, storeID string) (docstore.Store, storage.StoreDescriptor, error) {
	rec, err := r.registry.FindStoreByStoreID(ctx, storeID)
	if err != nil {
		return nil, storage.StoreDescriptor{}, err
	}
	s, err := r.pool.acquire(ctx, rec.StoreDescriptor)
	return s, rec.StoreDescriptor, err
}

// StoreFor resolves the store for userID and returns its connection.
func (r *Router) StoreFor(ctx context.Context, userID string) (docstore.Store, storage.StoreDescriptor, error) {
	d := r.Resolve(ctx, userID)
	s, err := r.pool.acquire(ctx, d)
	return s, d, err
}

// SwitchGlobal rebinds the process-wide store. The descriptor must be
// registered (ErrNotFound otherwise) and reachable (ConnectionError
// otherwise); on any failure the previous binding stays in effect. The
// previous binding's connection is closed unless a user override still
// references it.
func (r *Router) SwitchGlobal(ctx context.Context, d storage.StoreDescriptor) (storage.StoreDescriptor, error) {
	if err := d.Validate(); err != nil {
		return storage.StoreDescriptor{}, err
	}

	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	rec, err := r.registry.FindStore(ctx, d)
	if err != nil {
		r.metrics.RecordStoreSwitch("global", metrics.ResultFailure)
		return storage.StoreDescriptor{}, err
	}
	next := rec.StoreDescriptor
	prev := r.global.Load()

	newKey := keyOf(next)
	r.pool.retain(newKey)
	if _, err := r.pool.acquire(ctx, next); err != nil {
		r.pool.release(newKey)
		r.metrics.RecordStoreSwitch("global", metrics.ResultFailure)
		return storage.StoreDescriptor{}, err
	}

	r.global.Store(&next)
	r.pool.release(keyOf(*prev))

	r.metrics.RecordStoreSwitch("global", metrics.ResultSuccess)
	r.logger.Info("global store switched",
		"from", prev.StoreID+"/"+prev.ContainerID,
		"to", next.StoreID+"/"+next.ContainerID)
	return next, nil
}

// SwitchForUser records storeID and assignmentTitle as the user's override.
// It connects to the store first, so an unreachable store leaves the
// previous override in place. Other users and the global binding are not
// affected.
func (r *Router) SwitchForUser(ctx context.Context, userID, storeID, assignmentTitle string) (storage.StoreDescriptor, error) {
	if userID == "" {
		return storage.StoreDescriptor{}, apperr.Invalid("userId", "required")
	}
	if storeID == "" {
		return storage.StoreDescriptor{}, apperr.Invalid("storeId", "required")
	}

	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	fail := func(err error) (storage.StoreDescriptor, error) {
		r.metrics.RecordStoreSwitch("user", metrics.ResultFailure)
		return storage.StoreDescriptor{}, err
	}

	if _, err := r.registry.GetUser(ctx, userID); err != nil {
		return fail(err)
	}
	rec, err := r.registry.FindStoreByStoreID(ctx, storeID)
	if err != nil {
		return fail(err)
	}

	newKey := keyOf(rec.StoreDescriptor)
	prevKey, hadPrev := r.userKeys[userID]

	r.pool.retain(newKey)
	if _, err := r.pool.acquire(ctx, rec.StoreDescriptor); err != nil {
		r.pool.release(newKey)
		return fail(err)
	}
	if err := r.registry.SetActiveStore(ctx, userID, storeID, assignmentTitle); err != nil {
		r.pool.release(newKey)
		return fail(err)
	}

	r.userKeys[userID] = newKey
	if hadPrev {
		r.pool.release(prevKey)
	}

	r.metrics.RecordStoreSwitch("user", metrics.ResultSuccess)
	r.logger.Info("user store switched", "user", userID, "store", storeID, "assignment", assignmentTitle)
	return rec.StoreDescriptor, nil
}

// Forget drops bindings to a registry record that was just deleted. A
// global binding to it falls back to the default; user overrides whose store
// id no longer resolves release their reference. An idle handle to the
// removed record is closed.
func (r *Router) Forget(ctx context.Context, removed storage.StoreRecord) {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	k := keyOf(removed.StoreDescriptor)
	if prev := r.global.Load(); keyOf(*prev) == k && keyOf(r.def) != k {
		def := r.def
		r.pool.retain(keyOf(def))
		r.global.Store(&def)
		r.pool.release(k)
		r.logger.Info("global store removed, falling back to default", "store", removed.StoreID)
	}

	// Overrides name a store id; when another record still carries it they
	// move their reference to that record.
	rec, err := r.registry.FindStoreByStoreID(ctx, removed.StoreID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		r.logger.Warn("looking up remaining store records failed", "store", removed.StoreID, "error", err)
	}
	for userID, uk := range r.userKeys {
		if uk != k {
			continue
		}
		if err == nil {
			nk := keyOf(rec.StoreDescriptor)
			r.pool.retain(nk)
			r.userKeys[userID] = nk
		} else {
			delete(r.userKeys, userID)
		}
		r.pool.release(k)
	}
	r.pool.evict(k)
}

// Refs reports how many bindings reference d's connection.
func (r *Router) Refs(d storage.StoreDescriptor) int {
	return r.pool.refs(d)
}

// Connected reports whether a handle for d is open.
func (r *Router) Connected(d storage.StoreDescriptor) bool {
	return r.pool.isOpen(d)
}

// Close closes every cached connection.
func (r *Router) Close() {
	r.pool.closeAll()
}
