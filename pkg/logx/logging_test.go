package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").Component("worker").With(Int("threads", 3))
	l.Warn("claim failed", Err(errors.New("boom")), Strings("queues", []string{"a", "b"}))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if m["comp"] != "worker" {
		t.Fatalf("comp = %v, want worker", m["comp"])
	}
	if m["threads"] != float64(3) {
		t.Fatalf("threads = %v, want 3", m["threads"])
	}
	if m["message"] != "claim failed" {
		t.Fatalf("message = %v", m["message"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("caller missing")
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at warn level: %s", buf.String())
	}
	if l.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in   string
		want bool
	}{{"", true}, {"debug", true}, {"WARNING", true}, {"verbose", false}} {
		if got := ValidLevel(tc.in); got != tc.want {
			t.Fatalf("ValidLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
