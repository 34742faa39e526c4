package ws

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

var errCancelled = errors.New("watch cancelled")

// fetch runs the query's request and stores the result, or the error, in
// the cache under a sequence number reserved before the request went out.
func (c *Client) fetch(ctx context.Context, q transport.Query) error {
	seq := c.cache.NextSeq()
	res := transport.Result{Query: q, Seq: seq}

	var err error
	switch q {
	case transport.QueryReminders:
		err = c.Request(ctx, q.Operation(), struct{}{}, &res.Reminders)
		if res.Reminders == nil {
			res.Reminders = []model.Reminder{}
		}
	case transport.QueryLists:
		err = c.Request(ctx, q.Operation(), struct{}{}, &res.Lists)
		if res.Lists == nil {
			res.Lists = []model.ReminderList{}
		}
		model.SortLists(res.Lists)
	default:
		var u model.User
		err = c.Request(ctx, q.Operation(), struct{}{}, &u)
		res.User = &u
	}
	if err != nil {
		res = transport.Result{Query: q, Seq: seq, Err: err}
	}
	res.FetchedAt = time.Now()
	c.cache.Put(res)
	return err
}

// Watch implements transport.Client. The cached result, if any, is
// delivered first; otherwise a fetch starts when connected.
func (c *Client) Watch(ctx context.Context, q transport.Query) (transport.WatchHandle, error) {
	ch, cancel := c.cache.Subscribe(q)
	w := &watchHandle{client: c, query: q, ch: ch, cancelSub: cancel}
	_, cached := c.cache.Get(q)

	c.mu.Lock()
	c.watches[w] = struct{}{}
	connCtx := c.connCtx
	start := c.conn != nil && !cached
	if start {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if start {
		go func() {
			defer c.wg.Done()
			if err := c.fetch(connCtx, q); err != nil && connCtx.Err() == nil {
				c.logger.Printf("WARNING: initial fetch of %s failed: %v", q, err)
			}
		}()
	}
	return w, nil
}

type watchHandle struct {
	client    *Client
	query     transport.Query
	ch        <-chan transport.Result
	cancelSub func()

	mu        sync.Mutex
	cancelled bool
}

func (w *watchHandle) C() <-chan transport.Result { return w.ch }

func (w *watchHandle) Refetch(ctx context.Context) error {
	w.mu.Lock()
	cancelled := w.cancelled
	w.mu.Unlock()
	if cancelled {
		return errCancelled
	}
	return w.client.fetch(ctx, w.query)
}

func (w *watchHandle) Cancel() {
	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	w.mu.Unlock()

	c := w.client
	c.mu.Lock()
	delete(c.watches, w)
	c.mu.Unlock()
	w.cancelSub()
}

// Subscribe implements transport.Client. The subscription survives
// reconnects: topics are re-sent after every successful dial.
func (c *Client) Subscribe(ctx context.Context, topics ...transport.Topic) (transport.Subscription, error) {
	sub := &subscription{client: c, ch: make(chan transport.Event, 64), topics: make(map[transport.Topic]bool, len(topics))}
	for _, t := range topics {
		sub.topics[t] = true
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.send(ctx, conn, transport.Frame{Type: transport.FrameSubscribe, Topics: topics}); err != nil {
			c.logger.Printf("WARNING: failed to subscribe to %v, will retry on reconnect: %v", topics, err)
		}
	}
	return sub, nil
}

type subscription struct {
	client *Client
	ch     chan transport.Event
	topics map[transport.Topic]bool
	closed bool
}

func (s *subscription) C() <-chan transport.Event { return s.ch }

// Cancel closes the channel. Topics no other subscription wants are
// unsubscribed on the server.
func (s *subscription) Cancel() {
	c := s.client
	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return
	}
	s.closed = true
	delete(c.subs, s)
	close(s.ch)
	still := c.topicsLocked()
	conn := c.conn
	c.mu.Unlock()

	var gone []transport.Topic
	for t := range s.topics {
		if !slices.Contains(still, t) {
			gone = append(gone, t)
		}
	}
	if conn == nil || len(gone) == 0 {
		return
	}
	slices.Sort(gone)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.send(ctx, conn, transport.Frame{Type: transport.FrameUnsubscribe, Topics: gone}); err != nil {
		c.logger.Printf("WARNING: failed to unsubscribe from %v: %v", gone, err)
	}
}

// dispatch fans an event out to matching subscriptions without blocking.
func (c *Client) dispatch(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		if !sub.topics[ev.Topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			c.logger.Printf("WARNING: subscriber is behind, dropping %s %s event for %s", ev.Topic, ev.Action, ev.EntityID)
		}
	}
}

// topicsLocked returns the union of subscribed topics, sorted.
func (c *Client) topicsLocked() []transport.Topic {
	set := make(map[transport.Topic]bool)
	for sub := range c.subs {
		for t := range sub.topics {
			set[t] = true
		}
	}
	out := make([]transport.Topic, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
