package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alimasry/go-patch-history/patch"
)

// cacheEntry is the cached history of a single reference, oldest first.
type cacheEntry struct {
	patches  []*Patch
	lastUsed time.Time
}

// pendingLoad tracks cache misses in flight for one reference. Writes bump
// gen so a loader can tell its read was overtaken.
type pendingLoad struct {
	gen     uint64
	loaders int
}

// CachedPatchStore wraps a backing PatchStore with an in-memory read cache.
// Writes go straight to the backing store, so an append is durable before
// it is visible in the cache. Histories not read for ttl are evicted in the
// background.
type CachedPatchStore struct {
	backing PatchStore
	ttl     time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	loads   map[string]*pendingLoad

	stop chan struct{}
	done chan struct{}
}

// NewCachedPatchStore creates a CachedPatchStore that evicts idle histories
// after ttl.
func NewCachedPatchStore(backing PatchStore, ttl time.Duration) *CachedPatchStore {
	cs := &CachedPatchStore{
		backing: backing,
		ttl:     ttl,
		log:     slog.Default().With("component", "cached_patch_store"),
		entries: make(map[string]*cacheEntry),
		loads:   make(map[string]*pendingLoad),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go cs.evictLoop()
	return cs
}

func (cs *CachedPatchStore) Append(ctx context.Context, ref string, ops []patch.Change, extra map[string]any) (*Patch, error) {
	p, err := cs.backing.Append(ctx, ref, ops, extra)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	if e := cs.entries[ref]; e != nil {
		cp := *p
		e.patches = append(e.patches, &cp)
	}
	cs.overtake(ref)
	cs.mu.Unlock()
	return p, nil
}

func (cs *CachedPatchStore) FindByRef(ctx context.Context, ref string, order Order) ([]*Patch, error) {
	for {
		cs.mu.Lock()
		if e := cs.entries[ref]; e != nil {
			e.lastUsed = time.Now()
			out := copyPatches(e.patches, order)
			cs.mu.Unlock()
			return out, nil
		}
		pl := cs.loads[ref]
		if pl == nil {
			pl = &pendingLoad{}
			cs.loads[ref] = pl
		}
		pl.loaders++
		gen := pl.gen
		cs.mu.Unlock()

		// Cache miss, load from backing store.
		ps, err := cs.backing.FindByRef(ctx, ref, Ascending)

		cs.mu.Lock()
		pl.loaders--
		if pl.loaders == 0 {
			delete(cs.loads, ref)
		}
		if err != nil {
			cs.mu.Unlock()
			return nil, err
		}
		if pl.gen != gen {
			// A write landed while loading; the result may be stale.
			cs.mu.Unlock()
			continue
		}
		if cs.entries[ref] == nil {
			cs.entries[ref] = &cacheEntry{patches: ps, lastUsed: time.Now()}
		}
		out := copyPatches(cs.entries[ref].patches, order)
		cs.mu.Unlock()
		return out, nil
	}
}

func (cs *CachedPatchStore) RemoveAllForRef(ctx context.Context, ref string) error {
	// Drop the entry first: after a failed cascade the backing store may hold
	// any subset of the history.
	cs.mu.Lock()
	delete(cs.entries, ref)
	cs.overtake(ref)
	cs.mu.Unlock()
	err := cs.backing.RemoveAllForRef(ctx, ref)

	cs.mu.Lock()
	delete(cs.entries, ref)
	cs.overtake(ref)
	cs.mu.Unlock()
	return err
}

// overtake invalidates loads of ref in flight. cs.mu must be held.
func (cs *CachedPatchStore) overtake(ref string) {
	if pl := cs.loads[ref]; pl != nil {
		pl.gen++
	}
}

func copyPatches(ps []*Patch, order Order) []*Patch {
	out := make([]*Patch, len(ps))
	for i, p := range ps {
		cp := *p
		out[i] = &cp
	}
	if order == Descending {
		return reversed(out)
	}
	return out
}

func (cs *CachedPatchStore) evictLoop() {
	interval := cs.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.evict(time.Now())
		case <-cs.stop:
			return
		}
	}
}

// evict drops histories not read since now-ttl.
func (cs *CachedPatchStore) evict(now time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	n := 0
	for ref, e := range cs.entries {
		if now.Sub(e.lastUsed) > cs.ttl {
			delete(cs.entries, ref)
			n++
		}
	}
	if n > 0 {
		cs.log.Debug("evicted idle histories", "count", n, "remaining", len(cs.entries))
	}
}

// cached reports whether ref's history is currently held in memory.
func (cs *CachedPatchStore) cached(ref string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.entries[ref]
	return ok
}

// Close stops the eviction loop and waits for it to exit.
func (cs *CachedPatchStore) Close() {
	close(cs.stop)
	<-cs.done
}

// CachedBackend wraps every store opened from a backing PatchBackend in a
// CachedPatchStore.
type CachedBackend struct {
	backing PatchBackend
	ttl     time.Duration

	mu     sync.Mutex
	stores []*CachedPatchStore
}

func NewCachedBackend(backing PatchBackend, ttl time.Duration) *CachedBackend {
	return &CachedBackend{backing: backing, ttl: ttl}
}

func (b *CachedBackend) OpenPatches(ctx context.Context, collection string) (PatchStore, error) {
	s, err := b.backing.OpenPatches(ctx, collection)
	if err != nil {
		return nil, err
	}
	cs := NewCachedPatchStore(s, b.ttl)
	b.mu.Lock()
	b.stores = append(b.stores, cs)
	b.mu.Unlock()
	return cs, nil
}

// Close stops the eviction loops of all opened stores.
func (b *CachedBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cs := range b.stores {
		cs.Close()
	}
	b.stores = nil
}
