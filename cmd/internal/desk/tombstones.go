package desk

import (
	"container/list"
	"time"
)

const (
	defaultTombstoneTTL = 30 * time.Second
	defaultTombstoneMax = 1024
)

// tombstones remembers recently disconnected client ids so that late messages for them are
// dropped instead of resurrecting the client. Size-bounded; oldest entries are evicted first.
//
// Not safe for concurrent use: it is owned by the Store, which is owned by the engine loop.
type tombstones struct {
	ttl     time.Duration
	maxSize int
	seen    map[string]*list.Element
	order   *list.List // *tombstone, oldest at front
}

type tombstone struct {
	id string
	at time.Time
}

func newTombstones(ttl time.Duration, maxSize int) *tombstones {
	if ttl <= 0 {
		ttl = defaultTombstoneTTL
	}
	if maxSize <= 0 {
		maxSize = defaultTombstoneMax
	}
	return &tombstones{
		ttl:     ttl,
		maxSize: maxSize,
		seen:    make(map[string]*list.Element),
		order:   list.New(),
	}
}

// mark records id as gone at now.
func (t *tombstones) mark(id string, now time.Time) {
	if el, ok := t.seen[id]; ok {
		el.Value.(*tombstone).at = now
		t.order.MoveToBack(el)
		return
	}
	if len(t.seen) >= t.maxSize {
		t.evictOldest()
	}
	t.seen[id] = t.order.PushBack(&tombstone{id: id, at: now})
}

// has reports whether id was marked within the TTL. Expired entries are pruned.
func (t *tombstones) has(id string, now time.Time) bool {
	t.prune(now)
	_, ok := t.seen[id]
	return ok
}

func (t *tombstones) forget(id string) {
	if el, ok := t.seen[id]; ok {
		t.order.Remove(el)
		delete(t.seen, id)
	}
}

func (t *tombstones) prune(now time.Time) {
	for front := t.order.Front(); front != nil; front = t.order.Front() {
		ts := front.Value.(*tombstone)
		if now.Sub(ts.at) < t.ttl {
			return
		}
		t.order.Remove(front)
		delete(t.seen, ts.id)
	}
}

func (t *tombstones) evictOldest() {
	front := t.order.Front()
	if front == nil {
		return
	}
	t.order.Remove(front)
	delete(t.seen, front.Value.(*tombstone).id)
}
