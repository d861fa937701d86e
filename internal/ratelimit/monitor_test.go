package ratelimit

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func writeSnapshot(t *testing.T, messages int, tokens int64) string {
	t.Helper()
	date := testNow.Format("2006-01-02")
	body := fmt.Sprintf(`{
		"dailyActivity": [
			{"date": "2025-06-14", "messageCount": 9999, "sessionCount": 4, "toolCallCount": 100},
			{"date": %q, "messageCount": %d, "sessionCount": 2, "toolCallCount": 50}
		],
		"dailyModelTokens": [
			{"date": %q, "tokensByModel": {"opus": %d, "haiku": 0}}
		]
	}`, date, messages, date, tokens)

	path := filepath.Join(t.TempDir(), "stats-cache.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	return path
}

func fixedClock() func() time.Time {
	return func() time.Time { return testNow }
}

func TestTodayUsageReadsCurrentDay(t *testing.T) {
	path := writeSnapshot(t, 42, 1234)
	m := NewMonitor(path, WithClock(fixedClock()))

	u := m.TodayUsage()
	if u.Messages != 42 {
		t.Errorf("messages = %d, want 42 (yesterday's counts must not leak in)", u.Messages)
	}
	if u.Tokens != 1234 {
		t.Errorf("tokens = %d, want 1234", u.Tokens)
	}
}

func TestMissingSnapshotFailsOpen(t *testing.T) {
	m := NewMonitor(filepath.Join(t.TempDir(), "nope.json"), WithClock(fixedClock()))

	if u := m.TodayUsage(); u.Messages != 0 || u.Tokens != 0 {
		t.Errorf("usage = %+v, want zeros", u)
	}
	if pause, _ := m.ShouldPause(); pause {
		t.Error("missing snapshot must not pause dispatch")
	}
}

func TestMalformedSnapshotFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats-cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewMonitor(path, WithClock(fixedClock()))

	if pause, _ := m.ShouldPause(); pause {
		t.Error("malformed snapshot must not pause dispatch")
	}
	if throttle, _ := m.ShouldThrottle(); throttle {
		t.Error("malformed snapshot must not throttle dispatch")
	}
}

func TestPauseAndThrottleThresholds(t *testing.T) {
	tests := []struct {
		name     string
		messages int
		tokens   int64
		pause    bool
		throttle bool
	}{
		{"well under", 100, 1000, false, false},
		{"throttle on messages", 7000, 0, false, true},
		{"throttle on tokens", 0, 1400000, false, true},
		{"pause on messages", 9000, 0, true, true},
		{"pause on tokens", 0, 1800000, true, true},
		{"just under throttle", 6999, 1399999, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSnapshot(t, tt.messages, tt.tokens)
			m := NewMonitor(path, WithClock(fixedClock()))

			pause, reason := m.ShouldPause()
			if pause != tt.pause {
				t.Errorf("ShouldPause = %v (%q), want %v", pause, reason, tt.pause)
			}
			if pause && reason == "" {
				t.Error("pause decision must carry a reason")
			}
			throttle, _ := m.ShouldThrottle()
			if throttle != tt.throttle {
				t.Errorf("ShouldThrottle = %v, want %v", throttle, tt.throttle)
			}
		})
	}
}

func TestCustomLimits(t *testing.T) {
	path := writeSnapshot(t, 95, 0)
	m := NewMonitor(path, WithClock(fixedClock()), WithLimits(100, 1000))

	if pause, _ := m.ShouldPause(); !pause {
		t.Error("95/100 messages should pause at the 0.9 threshold")
	}
}

func TestSnapshotCacheTTL(t *testing.T) {
	path := writeSnapshot(t, 10, 0)

	now := testNow
	m := NewMonitor(path, WithClock(func() time.Time { return now }))

	if u := m.TodayUsage(); u.Messages != 10 {
		t.Fatalf("messages = %d, want 10", u.Messages)
	}

	// Rewrite the file; within the TTL the cached value must survive.
	date := testNow.Format("2006-01-02")
	body := fmt.Sprintf(`{"dailyActivity": [{"date": %q, "messageCount": 500}]}`, date)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	now = testNow.Add(10 * time.Second)
	if u := m.TodayUsage(); u.Messages != 10 {
		t.Errorf("messages = %d, want cached 10", u.Messages)
	}

	now = testNow.Add(31 * time.Second)
	if u := m.TodayUsage(); u.Messages != 500 {
		t.Errorf("messages = %d, want re-read 500", u.Messages)
	}
}
