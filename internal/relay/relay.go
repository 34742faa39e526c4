// Package relay turns server-pushed change events into cache invalidation,
// watcher refetches and user-facing notices.
//
// The relay never changes application state itself. Created and updated
// events trigger a refetch of the matching live query; deleted events evict
// the entity from the transport cache first. The watcher stays the single
// path by which server state reaches the engine.
package relay

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// Refetcher is a live query that can be forced to refresh.
type Refetcher interface {
	Refetch(ctx context.Context) error
}

// Notice tells observers that another device changed something.
type Notice struct {
	Topic    transport.Topic
	Action   transport.Action
	EntityID string
	Reminder *model.Reminder
	List     *model.ReminderList
	Message  string
	At       time.Time
}

// Options configures a Relay.
type Options struct {
	// DeviceID identifies this device. Events originating here produce no
	// notice, but still refetch.
	DeviceID string
	// Reminders and Lists are refetched for events of their topic. Either
	// may be nil.
	Reminders Refetcher
	Lists     Refetcher
	// Logger defaults to stderr with a [relay] prefix.
	Logger *log.Logger
}

// Relay consumes one push subscription.
type Relay struct {
	client  transport.Client
	sub     transport.Subscription
	opts    Options
	notices chan Notice
	logger  *log.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// Start subscribes to reminder and list changes and begins relaying.
func Start(ctx context.Context, client transport.Client, opts Options) (*Relay, error) {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}

	sub, err := client.Subscribe(ctx, transport.TopicReminders, transport.TopicLists)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to change events: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Relay{
		client:  client,
		sub:     sub,
		opts:    opts,
		notices: make(chan Notice, 32),
		logger:  opts.Logger,
		cancel:  cancel,
	}
	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

// Notices delivers changes made on other devices. It is closed by Stop.
// Notices are dropped, with a log line, when the reader falls behind.
func (r *Relay) Notices() <-chan Notice {
	return r.notices
}

// Stop cancels the subscription and waits for the relay to exit.
func (r *Relay) Stop() {
	r.once.Do(func() {
		r.cancel()
		r.sub.Cancel()
	})
	r.wg.Wait()
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.notices)

	events := r.sub.C()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

// handle processes one event. Nothing here is fatal: malformed events are
// logged and dropped.
func (r *Relay) handle(ctx context.Context, ev transport.Event) {
	target := r.refetcherFor(ev.Topic)

	switch ev.Action {
	case transport.ActionCreated, transport.ActionUpdated:
		notice, err := r.decode(ev)
		if err != nil {
			r.logger.Printf("WARNING: skipping %s %s event for %s: %v", ev.Topic, ev.Action, ev.EntityID, err)
			return
		}
		if ev.Origin == "" || ev.Origin != r.opts.DeviceID {
			r.publish(notice)
		}
		r.refetch(ctx, target, ev)

	case transport.ActionDeleted:
		if ev.EntityID == "" {
			r.logger.Printf("WARNING: skipping %s delete event without entity id", ev.Topic)
			return
		}
		r.client.Evict(ev.EntityID)
		if ev.Origin == "" || ev.Origin != r.opts.DeviceID {
			r.publish(Notice{
				Topic:    ev.Topic,
				Action:   ev.Action,
				EntityID: ev.EntityID,
				Message:  fmt.Sprintf("%s deleted on another device", noun(ev.Topic)),
				At:       eventTime(ev),
			})
		}
		r.refetch(ctx, target, ev)

	default:
		r.logger.Printf("WARNING: skipping event with unknown action %q", ev.Action)
	}
}

func (r *Relay) decode(ev transport.Event) (Notice, error) {
	n := Notice{Topic: ev.Topic, Action: ev.Action, EntityID: ev.EntityID, At: eventTime(ev)}
	verb := "created"
	if ev.Action == transport.ActionUpdated {
		verb = "updated"
	}

	switch ev.Topic {
	case transport.TopicReminders:
		var rem model.Reminder
		ok, err := ev.DecodeEntity(&rem)
		if err != nil {
			return Notice{}, err
		}
		if !ok {
			return Notice{}, fmt.Errorf("event carries no entity")
		}
		n.Reminder = &rem
		n.Message = fmt.Sprintf("Reminder %q %s on another device", rem.Title, verb)
	case transport.TopicLists:
		var l model.ReminderList
		ok, err := ev.DecodeEntity(&l)
		if err != nil {
			return Notice{}, err
		}
		if !ok {
			return Notice{}, fmt.Errorf("event carries no entity")
		}
		n.List = &l
		n.Message = fmt.Sprintf("List %q %s on another device", l.Name, verb)
	default:
		return Notice{}, fmt.Errorf("unknown topic %q", ev.Topic)
	}
	return n, nil
}

func (r *Relay) publish(n Notice) {
	select {
	case r.notices <- n:
	default:
		r.logger.Printf("WARNING: notice channel full, dropping %q", n.Message)
	}
}

func (r *Relay) refetch(ctx context.Context, target Refetcher, ev transport.Event) {
	if target == nil {
		return
	}
	if err := target.Refetch(ctx); err != nil && ctx.Err() == nil {
		r.logger.Printf("WARNING: refetch after %s %s failed: %v", ev.Topic, ev.Action, err)
	}
}

func (r *Relay) refetcherFor(topic transport.Topic) Refetcher {
	switch topic {
	case transport.TopicReminders:
		return r.opts.Reminders
	case transport.TopicLists:
		return r.opts.Lists
	default:
		return nil
	}
}

func noun(topic transport.Topic) string {
	if topic == transport.TopicLists {
		return "List"
	}
	return "Reminder"
}

func eventTime(ev transport.Event) time.Time {
	if ev.Timestamp.IsZero() {
		return time.Now()
	}
	return ev.Timestamp
}
