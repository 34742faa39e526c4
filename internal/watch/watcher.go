// Package watch runs standing live queries and publishes their results.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/joltapp/jolt-sync/internal/transport"
)

// Watcher forwards the results of one live query.
//
// Results arrive on Results in sequence order: a result older than the last
// one delivered is dropped. Errors are delivered as results with Err set; the
// watcher keeps running. After Cancel returns the transport registration is
// gone and Results is closed.
type Watcher struct {
	query   transport.Query
	handle  transport.WatchHandle
	results chan transport.Result
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	logger  *log.Logger

	// owned by the forwarding goroutine
	lastSeq uint64
}

// Start registers q with client and begins forwarding. The watcher stops when
// ctx is cancelled or Cancel is called. If logger is nil, a default logger
// writing to stderr is used.
func Start(ctx context.Context, client transport.Client, q transport.Query, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	handle, err := client.Watch(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", q, err)
	}

	w := &Watcher{
		query:   q,
		handle:  handle,
		results: make(chan transport.Result, 8),
		done:    make(chan struct{}),
		logger:  logger,
	}
	w.wg.Add(1)
	go w.forward(ctx)
	return w, nil
}

// Query returns the watched query.
func (w *Watcher) Query() transport.Query {
	return w.query
}

// Results delivers query results until the watcher is cancelled.
func (w *Watcher) Results() <-chan transport.Result {
	return w.results
}

// Refetch forces a network round trip. The fresh result, or the error,
// arrives on Results.
func (w *Watcher) Refetch(ctx context.Context) error {
	select {
	case <-w.done:
		return fmt.Errorf("watch %s is cancelled", w.query)
	default:
	}
	if err := w.handle.Refetch(ctx); err != nil {
		return fmt.Errorf("failed to refetch %s: %w", w.query, err)
	}
	return nil
}

// Cancel unregisters the query at the transport and waits for the forwarding
// goroutine to exit. It is safe to call more than once.
func (w *Watcher) Cancel() {
	w.stop()
	w.wg.Wait()
}

func (w *Watcher) stop() {
	w.once.Do(func() {
		close(w.done)
		w.handle.Cancel()
	})
}

func (w *Watcher) forward(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.results)

	in := w.handle.C()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			w.stop()
			return
		case r, ok := <-in:
			if !ok {
				return
			}
			if r.Seq != 0 && r.Seq <= w.lastSeq {
				w.logger.Printf("Dropping stale %s result (seq %d, already delivered %d)", w.query, r.Seq, w.lastSeq)
				continue
			}
			if r.Seq != 0 {
				w.lastSeq = r.Seq
			}
			select {
			case w.results <- r:
			case <-w.done:
				return
			case <-ctx.Done():
				w.stop()
				return
			}
		}
	}
}
