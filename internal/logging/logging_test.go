package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joltapp/jolt-sync/internal/config"
)

func TestComponentSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	base := log.New(&buf, "", 0)

	Component(base, "engine").Printf("Connected")
	Component(base, "queue").Printf("WARNING: slot busy")

	want := "[engine] Connected\n[queue] WARNING: slot busy\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "jolt.log")
	logger, closer := New(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1})

	Component(logger, "server").Printf("Listening on %s", "127.0.0.1:8787")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "[server] Listening on 127.0.0.1:8787") {
		t.Errorf("log file = %q", data)
	}
}

func TestComponentPrefixFollowsTimestamp(t *testing.T) {
	var buf bytes.Buffer
	base := log.New(&buf, "", log.LstdFlags)

	Component(base, "relay").Printf("Skipped event")

	line := buf.String()
	if strings.HasPrefix(line, "[relay]") {
		t.Errorf("prefix written before the timestamp: %q", line)
	}
	if !strings.HasSuffix(line, " [relay] Skipped event\n") {
		t.Errorf("line = %q, want timestamp then \"[relay] Skipped event\"", line)
	}
}

func TestNewDefaultsToStderr(t *testing.T) {
	logger, closer := New(config.LogConfig{})
	if logger.Writer() != os.Stderr {
		t.Errorf("Writer() = %v, want stderr", logger.Writer())
	}
	if err := closer.Close(); err != nil {
		t.Errorf("Close() on stderr should be a no-op, got %v", err)
	}
}
