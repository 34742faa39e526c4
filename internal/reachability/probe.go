package reachability

import (
	"context"
	"net"
	"strings"
	"time"
)

// Prober samples the network.
type Prober interface {
	Probe(ctx context.Context) Path
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) Path

func (f ProberFunc) Probe(ctx context.Context) Path { return f(ctx) }

// Options configures Run.
type Options struct {
	// Interval between probes. Default 5s.
	Interval time.Duration
	// Settle is how many identical consecutive samples are required before
	// a change is reported. Default 2.
	Settle int
}

// DefaultOptions returns the polling defaults.
func DefaultOptions() Options {
	return Options{Interval: 5 * time.Second, Settle: 2}
}

// Run probes on an interval and feeds settled samples into m until ctx is
// cancelled. A sample only reaches the monitor after it has been seen
// Settle times in a row, which absorbs flapping links.
func (m *Monitor) Run(ctx context.Context, p Prober, opts Options) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultOptions().Settle
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var (
		candidate Path
		count     int
	)
	sample := func() {
		s := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if count > 0 && s == candidate {
			count++
		} else {
			candidate, count = s, 1
		}
		if count >= opts.Settle {
			m.Update(candidate)
		}
	}

	sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

// DialProber reports the network available when a TCP connection to Addr
// succeeds, and classifies the interface that carried it.
type DialProber struct {
	Addr    string
	Timeout time.Duration
}

func (d DialProber) Probe(ctx context.Context) Path {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return Path{Available: false}
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return Path{Available: true}
	}
	return Path{Available: true, Type: interfaceType(local.IP)}
}

// interfaceType finds the interface owning ip and classifies it by name.
func interfaceType(ip net.IP) ConnectionType {
	ifaces, err := net.Interfaces()
	if err != nil {
		return TypeUnknown
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
				return ClassifyInterface(iface.Name)
			}
		}
	}
	return TypeUnknown
}

var (
	meteredPrefixes   = []string{"wwan", "wwp", "rmnet", "ppp", "pdp_ip"}
	unmeteredPrefixes = []string{"wl", "en", "eth"}
)

// ClassifyInterface guesses the connection type from an interface name.
// Cellular modems are metered; wifi and ethernet are not.
func ClassifyInterface(name string) ConnectionType {
	name = strings.ToLower(name)
	for _, p := range meteredPrefixes {
		if strings.HasPrefix(name, p) {
			return TypeMetered
		}
	}
	for _, p := range unmeteredPrefixes {
		if strings.HasPrefix(name, p) {
			return TypeUnmetered
		}
	}
	return TypeUnknown
}
