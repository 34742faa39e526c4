package reachability

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"
)

func newTestMonitor() *Monitor {
	return NewMonitor(log.New(io.Discard, "", 0))
}

func TestMonitorEdgeTriggered(t *testing.T) {
	m := newTestMonitor()
	ch, cancel := m.Subscribe()
	defer cancel()

	online := Path{Available: true, Type: TypeUnmetered}
	offline := Path{Available: false}

	// Baseline, then online→offline→offline→online.
	for _, p := range []Path{online, offline, offline, online} {
		m.Update(p)
	}

	var got []EventKind
	for len(ch) > 0 {
		got = append(got, (<-ch).Kind)
	}
	if len(got) != 2 || got[0] != BecameUnavailable || got[1] != BecameAvailable {
		t.Errorf("events = %v, want [unavailable available]", got)
	}
}

func TestMonitorBaselineIsSilent(t *testing.T) {
	tests := []struct {
		name     string
		baseline Path
	}{
		{name: "online", baseline: Path{Available: true}},
		{name: "offline", baseline: Path{Available: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor()
			if m.IsAvailable() {
				t.Error("IsAvailable() before any observation")
			}
			if _, emitted := m.Update(tt.baseline); emitted {
				t.Error("baseline observation emitted an event")
			}
			if m.IsAvailable() != tt.baseline.Available {
				t.Errorf("IsAvailable() = %v", m.IsAvailable())
			}
		})
	}
}

func TestMonitorTypeChangeOnly(t *testing.T) {
	m := newTestMonitor()
	m.Update(Path{Available: true, Type: TypeUnmetered})
	if _, emitted := m.Update(Path{Available: true, Type: TypeMetered}); emitted {
		t.Error("type change alone should not emit")
	}
	if p, _ := m.Current(); p.Type != TypeMetered {
		t.Errorf("Current().Type = %s, want metered", p.Type)
	}
}

func TestMonitorUnsubscribe(t *testing.T) {
	m := newTestMonitor()
	ch, cancel := m.Subscribe()
	cancel()
	cancel()

	m.Update(Path{Available: true})
	m.Update(Path{Available: false})
	if _, ok := <-ch; ok {
		t.Error("received event after cancel")
	}
}

// scriptedProber returns samples in order, then repeats the last one.
type scriptedProber struct {
	mu      sync.Mutex
	samples []bool
}

func (p *scriptedProber) Probe(ctx context.Context) Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.samples[0]
	if len(p.samples) > 1 {
		p.samples = p.samples[1:]
	}
	return Path{Available: s}
}

func TestRunSettlesFlapping(t *testing.T) {
	m := newTestMonitor()
	ch, cancel := m.Subscribe()
	defer cancel()

	// With settle=2 the single-sample blips never reach the monitor.
	prober := &scriptedProber{samples: []bool{true, true, false, true, false, true, false, false, false}}

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, prober, Options{Interval: time.Millisecond, Settle: 2})
		close(done)
	}()

	select {
	case ev := <-ch:
		if ev.Kind != BecameUnavailable {
			t.Errorf("first event = %s, want unavailable", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for settled event")
	}

	stop()
	<-done
	if len(ch) != 0 {
		t.Errorf("unexpected extra events: %d", len(ch))
	}
}

func TestClassifyInterface(t *testing.T) {
	tests := []struct {
		name string
		want ConnectionType
	}{
		{"wlan0", TypeUnmetered},
		{"wlp2s0", TypeUnmetered},
		{"en0", TypeUnmetered},
		{"enp0s3", TypeUnmetered},
		{"eth0", TypeUnmetered},
		{"wwan0", TypeMetered},
		{"rmnet_data0", TypeMetered},
		{"pdp_ip0", TypeMetered},
		{"ppp0", TypeMetered},
		{"lo", TypeUnknown},
		{"utun3", TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyInterface(tt.name); got != tt.want {
				t.Errorf("ClassifyInterface(%q) = %s, want %s", tt.name, got, tt.want)
			}
		})
	}
}

func TestDialProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := DialProber{Addr: addr, Timeout: time.Second}
	if got := p.Probe(context.Background()); !got.Available {
		t.Error("expected listener to be reachable")
	}

	ln.Close()
	if got := p.Probe(context.Background()); got.Available {
		t.Error("expected closed listener to be unreachable")
	}
}
