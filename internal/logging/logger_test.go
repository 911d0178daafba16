package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWritesToFile(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	logger, closeFn, err := New(Options{Level: "debug", File: path, Writer: &stderr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("run started", "session_id", "abc")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(stderr.String(), "run started") {
		t.Errorf("stderr missing record: %q", stderr.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("file record is not JSON: %v (%q)", err, b)
	}
	if rec["session_id"] != "abc" {
		t.Errorf("session_id = %v", rec["session_id"])
	}
}

func TestThrottleSuppressesRepeats(t *testing.T) {
	var buf bytes.Buffer
	th := NewThrottle(slog.NewTextHandler(&buf, nil), time.Minute)
	now := time.Unix(1000, 0)
	th.state.now = func() time.Time { return now }
	logger := slog.New(th)

	logger.Warn("token consume failed")
	logger.Warn("token consume failed")
	logger.Warn("other message")
	if got := strings.Count(buf.String(), "token consume failed"); got != 1 {
		t.Errorf("repeated record logged %d times, want 1", got)
	}

	now = now.Add(2 * time.Minute)
	logger.Warn("token consume failed")
	if got := strings.Count(buf.String(), "token consume failed"); got != 2 {
		t.Errorf("record after window logged %d times total, want 2", got)
	}
	if !strings.Contains(buf.String(), "other message") {
		t.Error("distinct message was suppressed")
	}
}

func TestThrottleKeysOnAttributes(t *testing.T) {
	var buf bytes.Buffer
	th := NewThrottle(slog.NewTextHandler(&buf, nil), time.Minute)
	logger := slog.New(th)

	tests := []struct {
		name   string
		log    func()
		wantLn int
	}{
		{"first run", func() { logger.Warn("run failed", "run_id", "a") }, 1},
		{"same run repeats", func() { logger.Warn("run failed", "run_id", "a") }, 1},
		{"other run", func() { logger.Warn("run failed", "run_id", "b") }, 2},
		{"scoped session", func() { logger.With("session_id", "s1").Warn("run failed", "run_id", "a") }, 3},
		{"scoped session repeats", func() { logger.With("session_id", "s1").Warn("run failed", "run_id", "a") }, 3},
		{"other session", func() { logger.With("session_id", "s2").Warn("run failed", "run_id", "a") }, 4},
		{"grouped", func() { logger.WithGroup("agent").Warn("run failed", "run_id", "a") }, 5},
	}
	for _, tt := range tests {
		tt.log()
		if got := strings.Count(buf.String(), "run failed"); got != tt.wantLn {
			t.Errorf("%s: %d lines logged, want %d", tt.name, got, tt.wantLn)
		}
	}
}
