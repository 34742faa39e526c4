package transport

import (
	"sync"
	"time"

	"github.com/joltapp/jolt-sync/internal/model"
)

// Cache holds the latest result of each live query and fans changes out to
// watch subscribers.
//
// Every fetch is stamped with a sequence number from NextSeq when it is
// issued. A fetch result older than the newest fetch already stored is
// discarded, so a slow response to an earlier fetch can never overwrite a
// newer one. Local edits (mutation responses and evictions) made after a
// fetch was issued are replayed on top of its result when it lands, so
// neither side is lost.
//
// Every emitted result carries a fresh sequence number.
//
// Subscriber channels have capacity one and always hold the newest pending
// result; a reader that falls behind skips intermediate snapshots. Sends
// happen under the cache lock and never block.
type Cache struct {
	mu      sync.Mutex
	seq     uint64
	entries map[Query]Result
	fetched map[Query]uint64
	edits   map[Query][]localEdit
	subs    map[Query]map[*cacheSub]struct{}
}

// maxLocalEdits bounds the edits remembered per query between fetches.
const maxLocalEdits = 256

type localEdit struct {
	seq   uint64
	apply func(*Result) bool
}

type cacheSub struct {
	ch chan Result
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[Query]Result),
		fetched: make(map[Query]uint64),
		edits:   make(map[Query][]localEdit),
		subs:    make(map[Query]map[*cacheSub]struct{}),
	}
}

// NextSeq reserves a sequence number. Callers take one when a fetch is
// issued, so responses are ordered by issue time, not arrival time.
func (c *Cache) NextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Put stores a fetch result and emits it to the query's subscribers. Error
// results are emitted but not stored. It returns false when r is older than
// the newest stored fetch.
func (c *Cache) Put(r Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.Seq == 0 {
		c.seq++
		r.Seq = c.seq
	}
	if _, ok := c.entries[r.Query]; ok && r.Seq < c.fetched[r.Query] {
		return false
	}
	if r.FetchedAt.IsZero() {
		r.FetchedAt = time.Now()
	}
	if r.Err == nil {
		issued := r.Seq
		c.fetched[r.Query] = issued
		var kept []localEdit
		for _, e := range c.edits[r.Query] {
			if e.seq > issued {
				e.apply(&r)
				kept = append(kept, e)
			}
		}
		c.edits[r.Query] = kept
	}
	c.seq++
	r.Seq = c.seq
	if r.Err == nil {
		c.entries[r.Query] = r
	}
	c.emitLocked(r)
	return true
}

// Get returns the stored result for q.
func (c *Cache) Get(q Query) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[q]
	return r, ok
}

// Subscribe registers for results of q. The current entry, if any, is
// delivered immediately. The returned cancel function closes the channel;
// nothing is sent after it returns.
func (c *Cache) Subscribe(q Query) (<-chan Result, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &cacheSub{ch: make(chan Result, 1)}
	if c.subs[q] == nil {
		c.subs[q] = make(map[*cacheSub]struct{})
	}
	c.subs[q][sub] = struct{}{}
	if r, ok := c.entries[q]; ok {
		sub.ch <- r
	}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs[q], sub)
			close(sub.ch)
		})
	}
}

// UpsertReminder writes a reminder returned by a mutation into the cached
// reminders result, matching by id or local id. A cached version newer than
// r wins.
func (c *Cache) UpsertReminder(r model.Reminder) {
	r = r.Clone()
	c.edit(QueryReminders, func(res *Result) bool {
		next := make([]model.Reminder, 0, len(res.Reminders)+1)
		replaced := false
		for _, existing := range res.Reminders {
			if !replaced && (existing.Matches(r.ID) || (r.LocalID != nil && existing.Matches(*r.LocalID))) {
				if existing.Version > r.Version {
					return false
				}
				next = append(next, r.Clone())
				replaced = true
				continue
			}
			next = append(next, existing)
		}
		if !replaced {
			next = append(next, r.Clone())
		}
		res.Reminders = next
		return true
	})
}

// UpsertList is UpsertReminder for lists.
func (c *Cache) UpsertList(l model.ReminderList) {
	l = l.Clone()
	c.edit(QueryLists, func(res *Result) bool {
		next := make([]model.ReminderList, 0, len(res.Lists)+1)
		replaced := false
		for _, existing := range res.Lists {
			if !replaced && (existing.Matches(l.ID) || (l.LocalID != nil && existing.Matches(*l.LocalID))) {
				if existing.Version > l.Version {
					return false
				}
				next = append(next, l.Clone())
				replaced = true
				continue
			}
			next = append(next, existing)
		}
		if !replaced {
			next = append(next, l.Clone())
		}
		model.SortLists(next)
		res.Lists = next
		return true
	})
}

// Evict removes the entity from every cached result and re-emits the
// results that changed.
func (c *Cache) Evict(entityID string) {
	c.edit(QueryReminders, func(res *Result) bool {
		kept := make([]model.Reminder, 0, len(res.Reminders))
		for _, r := range res.Reminders {
			if !r.Matches(entityID) {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(res.Reminders) {
			return false
		}
		res.Reminders = kept
		return true
	})
	c.edit(QueryLists, func(res *Result) bool {
		kept := make([]model.ReminderList, 0, len(res.Lists))
		for _, l := range res.Lists {
			if !l.Matches(entityID) {
				kept = append(kept, l)
			}
		}
		if len(kept) == len(res.Lists) {
			return false
		}
		res.Lists = kept
		return true
	})
}

// Reset drops every stored result. Subscriptions stay registered.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Query]Result)
	c.fetched = make(map[Query]uint64)
	c.edits = make(map[Query][]localEdit)
}

// edit applies fn to the stored entry for q under a fresh sequence number
// and emits the result if fn changed it. fn is also remembered so a fetch
// issued before this edit gets it replayed when it lands.
func (c *Cache) edit(q Query, fn func(*Result) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	seq := c.seq
	edits := append(c.edits[q], localEdit{seq: seq, apply: fn})
	if len(edits) > maxLocalEdits {
		edits = edits[len(edits)-maxLocalEdits:]
	}
	c.edits[q] = edits

	cur, ok := c.entries[q]
	if !ok || !fn(&cur) {
		return
	}
	cur.Seq = seq
	cur.FetchedAt = time.Now()
	c.entries[q] = cur
	c.emitLocked(cur)
}

func (c *Cache) emitLocked(r Result) {
	for sub := range c.subs[r.Query] {
		offer(sub.ch, r)
	}
}

// offer replaces whatever is pending in ch with r. The cache is the only
// writer, so after draining there is always room.
func offer(ch chan Result, r Result) {
	for {
		select {
		case ch <- r:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
