// Package rangecache implements C6: a byte-bounded LRU cache of aligned
// object ranges, with metadata-snapshot validation on hit and at-most-one
// in-flight load per key.
package rangecache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/kenchrcum/ioengine/internal/model"
)

// Key identifies one cached aligned range.
type Key struct {
	ObjID       string
	AlignedStart int64
}

// Entry is one cached range: the aligned window's bytes (nil at EOF/hole)
// plus the metadata snapshot it was loaded under.
type Entry struct {
	Snapshot model.ObjectMD
	Buffer   []byte // nil means EOF/hole within this aligned window
}

func (e *Entry) usage() int64 {
	if e.Buffer == nil {
		return 1024
	}
	return int64(len(e.Buffer))
}

// Loader fetches the full aligned range [alignedStart, alignedStart+align)
// and the current metadata snapshot, on a cache miss.
type Loader interface {
	Load(ctx context.Context, objID string, alignedStart, align int64) (*Entry, error)
}

// Validator performs the lightweight metadata RPC used to confirm a cached
// snapshot is still current.
type Validator interface {
	CurrentSnapshot(ctx context.Context, objID string) (model.ObjectMD, error)
}

type node struct {
	key   Key
	entry *Entry
}

// Cache is the bounded-by-bytes LRU range cache. Safe for concurrent use.
type Cache struct {
	align     int64
	maxBytes  int64
	loader    Loader
	validator Validator

	mu        sync.Mutex
	entries   map[Key]*list.Element
	order     *list.List // front = most recently used
	usedBytes int64
	inflight  map[Key]*loadCall
}

type loadCall struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// New constructs a Cache. align must be a positive power of two (the
// spec's ALIGN constant); maxBytes bounds total cached usage.
func New(align, maxBytes int64, loader Loader, validator Validator) *Cache {
	return &Cache{
		align:     align,
		maxBytes:  maxBytes,
		loader:    loader,
		validator: validator,
		entries:   make(map[Key]*list.Element),
		order:     list.New(),
		inflight:  make(map[Key]*loadCall),
	}
}

// AlignedStart computes floor(pos/align)*align.
func (c *Cache) AlignedStart(pos int64) int64 {
	return (pos / c.align) * c.align
}

// Align returns the cache's alignment unit.
func (c *Cache) Align() int64 { return c.align }

// Get returns the entry for (objID, alignedStart), loading on miss and
// re-validating on hit. Concurrent callers for the same key share one load.
func (c *Cache) Get(ctx context.Context, objID string, alignedStart int64) (*Entry, error) {
	key := Key{ObjID: objID, AlignedStart: alignedStart}

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*node).entry
		c.order.MoveToFront(el)
		c.mu.Unlock()

		valid, err := c.validate(ctx, objID, entry.Snapshot)
		if err != nil {
			return nil, err
		}
		if valid {
			return entry, nil
		}
		c.invalidate(key)
	} else {
		c.mu.Unlock()
	}

	return c.loadCoalesced(ctx, key)
}

func (c *Cache) validate(ctx context.Context, objID string, snapshot model.ObjectMD) (bool, error) {
	if c.validator == nil {
		return true, nil
	}
	current, err := c.validator.CurrentSnapshot(ctx, objID)
	if err != nil {
		return false, fmt.Errorf("rangecache: validate snapshot for %s: %w", objID, err)
	}
	return snapshot.Equal(current), nil
}

// invalidate removes a stale entry. Callers hold no lock.
func (c *Cache) invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

func (c *Cache) loadCoalesced(ctx context.Context, key Key) (*Entry, error) {
	c.mu.Lock()
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-call.done
		return call.entry, call.err
	}
	call := &loadCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	entry, err := c.loader.Load(ctx, key.ObjID, key.AlignedStart, c.align)
	call.entry, call.err = entry, err
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("rangecache: load %s@%d: %w", key.ObjID, key.AlignedStart, err)
	}

	c.insert(key, entry)
	return entry, nil
}

func (c *Cache) insert(key Key, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}

	el := c.order.PushFront(&node{key: key, entry: entry})
	c.entries[key] = el
	c.usedBytes += entry.usage()

	for c.usedBytes > c.maxBytes && c.order.Len() > 1 {
		back := c.order.Back()
		if back == el {
			break
		}
		c.removeElement(back)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	n := el.Value.(*node)
	c.order.Remove(el)
	delete(c.entries, n.key)
	c.usedBytes -= n.entry.usage()
}

// Peek reports whether (objID, alignedStart) is currently cached, without
// affecting LRU order or triggering a load. Used to observe the effect of
// speculative loads such as video tail prefetch.
func (c *Cache) Peek(objID string, alignedStart int64) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[Key{ObjID: objID, AlignedStart: alignedStart}]
	if !ok {
		return nil, false
	}
	return el.Value.(*node).entry, true
}

// InvalidateObject drops every cached entry for an object, e.g. after an
// overwrite is detected via the completion path (cache coherence, [S8.8]).
func (c *Cache) InvalidateObject(objID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if key.ObjID == objID {
			c.removeElement(el)
		}
	}
}

// Slice returns the intersection of [start,end) with the aligned entry
// covering alignedStart, or nil if the intersection is empty or the entry
// is a hole (EOF).
func Slice(entry *Entry, alignedStart, align, start, end int64) []byte {
	if entry.Buffer == nil {
		return nil
	}
	lo := start
	if lo < alignedStart {
		lo = alignedStart
	}
	hi := end
	if alignedEnd := alignedStart + align; hi > alignedEnd {
		hi = alignedEnd
	}
	if hi <= lo {
		return nil
	}
	bufEnd := alignedStart + int64(len(entry.Buffer))
	if hi > bufEnd {
		hi = bufEnd
	}
	if hi <= lo {
		return nil
	}
	return entry.Buffer[lo-alignedStart : hi-alignedStart]
}
