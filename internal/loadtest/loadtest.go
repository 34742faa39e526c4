// Package loadtest drives the sync server with many simulated devices.
//
// It measures write round-trip latency under concurrency, checks that every
// write landed exactly once, and measures how reliably change events fan out
// to the other devices of the account.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/server"
	"github.com/joltapp/jolt-sync/internal/store"
	"github.com/joltapp/jolt-sync/internal/transport"
	"github.com/joltapp/jolt-sync/internal/transport/ws"
)

// Harness is a server on a loopback port backed by a fresh database, with
// one account every simulated device signs in to.
type Harness struct {
	Store  *store.Store
	Server *server.Server
	User   model.User
	Token  string
	logger *log.Logger
}

// LatencyStats captures request round-trip times.
type LatencyStats struct {
	Min           time.Duration
	Max           time.Duration
	Mean          time.Duration
	P50           time.Duration // Median
	P95           time.Duration
	P99           time.Duration
	TotalRequests int
	Errors        int
	Elapsed       time.Duration
}

// Throughput is requests per second over the whole run.
func (s *LatencyStats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.TotalRequests) / s.Elapsed.Seconds()
}

// FanoutStats reports change-event delivery to listening devices.
type FanoutStats struct {
	Listeners int
	Writes    int
	Expected  int
	Delivered int
	// Latency is measured from the write's response to each delivery.
	Latency LatencyStats
}

// DeliveryRate is the fraction of expected events that arrived.
func (f *FanoutStats) DeliveryRate() float64 {
	if f.Expected == 0 {
		return 1
	}
	return float64(f.Delivered) / float64(f.Expected)
}

// NewHarness opens a database in dir and starts a server for it. A nil
// logger discards server logs.
func NewHarness(ctx context.Context, dir string, logger *log.Logger) (*Harness, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	st, err := store.Open(ctx, filepath.Join(dir, "loadtest.db"), store.Options{PremiumListLimit: -1})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	token := uuid.NewString()
	user, err := st.CreateUser(ctx, model.User{Email: "loadtest@example.com", DisplayName: "Load Test"}, token)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	srv, err := server.New(server.Config{
		Addr:         "127.0.0.1:0",
		Store:        st,
		WakeInterval: -1,
		Logger:       logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := srv.Start(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return &Harness{Store: st, Server: srv, User: user, Token: token, logger: logger}, nil
}

// Close stops the server and closes the database.
func (h *Harness) Close() error {
	if err := h.Server.Stop(); err != nil {
		_ = h.Store.Close()
		return err
	}
	return h.Store.Close()
}

func (h *Harness) device(ctx context.Context, name string) (*ws.Client, error) {
	c := ws.New(ws.Options{
		URL:      h.Server.URL(),
		Token:    h.Token,
		DeviceID: name,
		Logger:   h.logger,
	})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("device %s failed to connect: %w", name, err)
	}
	return c, nil
}

// RunConcurrentWrites connects numDevices devices and has each create
// writesPerDevice reminders, updating every one right after creating it.
// Both requests are timed.
func (h *Harness) RunConcurrentWrites(ctx context.Context, numDevices, writesPerDevice int) (*LatencyStats, error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		errCount  int
		firstErr  error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	start := time.Now()
	for i := 0; i < numDevices; i++ {
		wg.Add(1)
		go func(deviceNum int) {
			defer wg.Done()

			c, err := h.device(ctx, fmt.Sprintf("device-%03d", deviceNum))
			if err != nil {
				fail(err)
				return
			}
			defer c.Disconnect()

			local := make([]time.Duration, 0, writesPerDevice*2)
			for j := 0; j < writesPerDevice; j++ {
				in := model.CreateReminderInput{
					MutationID: uuid.NewString(),
					LocalID:    uuid.NewString(),
					Title:      fmt.Sprintf("Device %d reminder %d", deviceNum, j),
					Priority:   model.Priority(j % 4),
				}
				var created model.Reminder
				t0 := time.Now()
				err := c.Request(ctx, transport.OpCreateReminder, in, &created)
				local = append(local, time.Since(t0))
				if err != nil {
					fail(fmt.Errorf("device %d create %d failed: %w", deviceNum, j, err))
					continue
				}

				title := in.Title + " (edited)"
				upd := model.UpdateReminderInput{
					MutationID:      uuid.NewString(),
					ID:              created.ID,
					ExpectedVersion: created.Version,
					Patch:           model.ReminderPatch{Title: &title},
				}
				t0 = time.Now()
				err = c.Request(ctx, transport.OpUpdateReminder, upd, nil)
				local = append(local, time.Since(t0))
				if err != nil {
					fail(fmt.Errorf("device %d update %d failed: %w", deviceNum, j, err))
				}
			}

			mu.Lock()
			durations = append(durations, local...)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(durations) == 0 {
		if firstErr != nil {
			return nil, fmt.Errorf("no requests completed: %w", firstErr)
		}
		return nil, fmt.Errorf("no requests completed")
	}
	stats := computeLatencyStats(durations)
	stats.Errors = errCount
	stats.Elapsed = time.Since(start)
	if firstErr != nil {
		h.logger.Printf("WARNING: %d request(s) failed, first: %v", errCount, firstErr)
	}
	return stats, nil
}

// VerifyConvergence checks that the account holds exactly want reminders
// and that each was written exactly twice (created, then updated once).
func (h *Harness) VerifyConvergence(ctx context.Context, want int) error {
	reminders, err := h.Store.Reminders(ctx, h.User.ID)
	if err != nil {
		return err
	}
	if len(reminders) != want {
		return fmt.Errorf("account holds %d reminders, want %d", len(reminders), want)
	}
	seen := make(map[string]bool, len(reminders))
	for _, r := range reminders {
		if r.Version != 2 {
			return fmt.Errorf("reminder %s has version %d, want 2", r.ID, r.Version)
		}
		if r.LocalID == nil || seen[*r.LocalID] {
			return fmt.Errorf("reminder %s has a missing or duplicate local id", r.ID)
		}
		seen[*r.LocalID] = true
	}
	return nil
}

// MeasureFanout subscribes numListeners devices to reminder changes, has one
// more device make numWrites creates, and waits up to wait for every
// listener to see every write.
func (h *Harness) MeasureFanout(ctx context.Context, numListeners, numWrites int, wait time.Duration) (*FanoutStats, error) {
	type delivery struct {
		entityID string
		at       time.Time
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		received  []delivery
		delivered atomic.Int64
	)
	expected := int64(numListeners * numWrites)
	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()

	for i := 0; i < numListeners; i++ {
		c, err := h.device(ctx, fmt.Sprintf("listener-%03d", i))
		if err != nil {
			return nil, err
		}
		defer c.Disconnect()
		sub, err := c.Subscribe(ctx, transport.TopicReminders)
		if err != nil {
			return nil, fmt.Errorf("listener %d failed to subscribe: %w", i, err)
		}
		defer sub.Cancel()
		// Frames on one connection are handled in order, so once this round
		// trip returns the subscription is registered.
		var me model.User
		if err := c.Request(ctx, transport.OpCurrentUser, struct{}{}, &me); err != nil {
			return nil, fmt.Errorf("listener %d failed to sync: %w", i, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-listenCtx.Done():
					return
				case ev, ok := <-sub.C():
					if !ok {
						return
					}
					if ev.Action != transport.ActionCreated {
						continue
					}
					mu.Lock()
					received = append(received, delivery{entityID: ev.EntityID, at: time.Now()})
					mu.Unlock()
					if delivered.Add(1) == expected {
						stopListening()
					}
				}
			}
		}()
	}

	writer, err := h.device(ctx, "writer")
	if err != nil {
		return nil, err
	}
	defer writer.Disconnect()

	sentAt := make(map[string]time.Time, numWrites)
	for j := 0; j < numWrites; j++ {
		in := model.CreateReminderInput{
			MutationID: uuid.NewString(),
			LocalID:    uuid.NewString(),
			Title:      fmt.Sprintf("Fanout %d", j),
		}
		var created model.Reminder
		if err := writer.Request(ctx, transport.OpCreateReminder, in, &created); err != nil {
			return nil, fmt.Errorf("write %d failed: %w", j, err)
		}
		mu.Lock()
		sentAt[created.ID] = time.Now()
		mu.Unlock()
	}

	select {
	case <-listenCtx.Done():
	case <-time.After(wait):
		stopListening()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	latencies := make([]time.Duration, 0, len(received))
	for _, d := range received {
		if t, ok := sentAt[d.entityID]; ok && d.at.After(t) {
			latencies = append(latencies, d.at.Sub(t))
		} else {
			// Delivered before the writer saw its own response.
			latencies = append(latencies, 0)
		}
	}
	stats := &FanoutStats{
		Listeners: numListeners,
		Writes:    numWrites,
		Expected:  int(expected),
		Delivered: int(delivered.Load()),
	}
	if len(latencies) > 0 {
		stats.Latency = *computeLatencyStats(latencies)
	}
	return stats, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:           sorted[0],
		Max:           sorted[len(sorted)-1],
		Mean:          sum / time.Duration(len(durations)),
		P50:           sorted[len(sorted)*50/100],
		P95:           sorted[len(sorted)*95/100],
		P99:           sorted[len(sorted)*99/100],
		TotalRequests: len(durations),
	}
}

// Print formats latency statistics.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Requests: %d\n", s.TotalRequests)
	fmt.Fprintf(w, "  Errors:         %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:            %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):   %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:           %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:            %v\n", s.P95)
	fmt.Fprintf(w, "  P99:            %v\n", s.P99)
	fmt.Fprintf(w, "  Max:            %v\n", s.Max)
	if s.Elapsed > 0 {
		fmt.Fprintf(w, "  Throughput:     %.1f req/s\n", s.Throughput())
	}
}
