package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/docstore"
	"github.com/kalambet/annotd/internal/metrics"
	"github.com/kalambet/annotd/internal/storage"
)

// Opener connects to one backing store.
type Opener func(ctx context.Context, d storage.StoreDescriptor) (docstore.Store, error)

// connKey identifies one cached handle. It deliberately extends the
// (uri, containerId) pair with StoreID, which selects the database inside a
// shared URI; do not drop it.
type connKey struct {
	URI         string
	StoreID     string
	ContainerID string
}

func keyOf(d storage.StoreDescriptor) connKey {
	return connKey{URI: d.URI, StoreID: d.StoreID, ContainerID: d.ContainerID}
}

func (k connKey) String() string {
	return k.URI + "\x00" + k.StoreID + "\x00" + k.ContainerID
}

type poolEntry struct {
	refs  int
	store docstore.Store
}

// pool caches open handles by connKey. Bindings hold references; a handle
// is closed when its last reference is released. Handles opened on demand
// hold no reference and stay cached until evicted or the pool closes.
// Concurrent first use of a key shares one open call.
type pool struct {
	open        Opener
	openTimeout time.Duration
	metrics     metrics.Collector
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[connKey]*poolEntry
	group   singleflight.Group
}

func newPool(open Opener, openTimeout time.Duration, m metrics.Collector, logger *slog.Logger) *pool {
	return &pool{
		open:        open,
		openTimeout: openTimeout,
		metrics:     m,
		logger:      logger,
		entries:     make(map[connKey]*poolEntry),
	}
}

func (p *pool) retain(k connKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[k]
	if e == nil {
		e = &poolEntry{}
		p.entries[k] = e
	}
	e.refs++
}

// release drops one reference and closes the handle when none remain.
func (p *pool) release(k connKey) {
	p.mu.Lock()
	e := p.entries[k]
	if e == nil {
		p.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, k)
	open := p.openCountLocked()
	p.mu.Unlock()

	p.closeStore(k, e.store)
	p.metrics.SetOpenConnections(open)
}

// evict closes k's handle if no binding references it.
func (p *pool) evict(k connKey) {
	p.mu.Lock()
	e := p.entries[k]
	if e == nil || e.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, k)
	open := p.openCountLocked()
	p.mu.Unlock()

	p.closeStore(k, e.store)
	p.metrics.SetOpenConnections(open)
}

func (p *pool) closeStore(k connKey, s docstore.Store) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		p.logger.Warn("closing store connection failed", "uri", docstore.Redact(k.URI), "container", k.ContainerID, "error", err)
		return
	}
	p.logger.Debug("store connection closed", "uri", docstore.Redact(k.URI), "container", k.ContainerID)
}

func (p *pool) openCountLocked() int {
	n := 0
	for _, e := range p.entries {
		if e.store != nil {
			n++
		}
	}
	return n
}

// acquire returns the cached handle for d, opening it if needed. A caller
// whose ctx ends while the open is in flight gets a ConnectionError; the
// open itself continues and its handle is cached for later callers.
func (p *pool) acquire(ctx context.Context, d storage.StoreDescriptor) (docstore.Store, error) {
	k := keyOf(d)

	p.mu.Lock()
	if e := p.entries[k]; e != nil && e.store != nil {
		s := e.store
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	ch := p.group.DoChan(k.String(), func() (any, error) {
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.openTimeout)
		defer cancel()

		s, err := p.open(openCtx, d)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		e := p.entries[k]
		if e == nil {
			e = &poolEntry{}
			p.entries[k] = e
		}
		if e.store == nil {
			e.store = s
		} else {
			s.Close()
			s = e.store
		}
		open := p.openCountLocked()
		p.mu.Unlock()

		p.metrics.SetOpenConnections(open)
		p.logger.Info("store connection opened", "uri", docstore.Redact(d.URI), "store", d.StoreID, "container", d.ContainerID)
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(docstore.Store), nil
	case <-ctx.Done():
		return nil, &apperr.ConnectionError{Target: docstore.Redact(d.URI), Err: ctx.Err()}
	}
}

// refs reports the reference count for d; used by tests and status output.
func (p *pool) refs(d storage.StoreDescriptor) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entries[keyOf(d)]; e != nil {
		return e.refs
	}
	return 0
}

func (p *pool) isOpen(d storage.StoreDescriptor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[keyOf(d)]
	return e != nil && e.store != nil
}

func (p *pool) closeAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[connKey]*poolEntry)
	p.mu.Unlock()

	for k, e := range entries {
		p.closeStore(k, e.store)
	}
	p.metrics.SetOpenConnections(0)
}
