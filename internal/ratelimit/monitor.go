// Package ratelimit converts an externally maintained usage snapshot into
// admission-control decisions for the scheduler. The snapshot file is produced
// by the agent tooling; this package only reads it.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Default daily limits and decision thresholds.
const (
	DefaultMessageLimit = 10000
	DefaultTokenLimit   = 2000000

	PauseThreshold    = 0.9
	ThrottleThreshold = 0.7

	cacheTTL = 30 * time.Second
)

// Usage is today's consumption extracted from the snapshot.
type Usage struct {
	Messages int
	Tokens   int64
}

// snapshot mirrors the stats-cache JSON written by the agent tooling. Fields
// the monitor does not consume are omitted.
type snapshot struct {
	DailyActivity []struct {
		Date         string `json:"date"`
		MessageCount int    `json:"messageCount"`
	} `json:"dailyActivity"`
	DailyModelTokens []struct {
		Date          string           `json:"date"`
		TokensByModel map[string]int64 `json:"tokensByModel"`
	} `json:"dailyModelTokens"`
}

// Monitor reads the usage snapshot and answers pause/throttle queries. It
// caches the parsed snapshot briefly so a tight polling loop does not hammer
// the filesystem.
type Monitor struct {
	path         string
	messageLimit int
	tokenLimit   int64
	now          func() time.Time

	mu        sync.Mutex
	cached    *snapshot
	cachedAt  time.Time
	warnedErr string
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLimits overrides the daily message and token limits.
func WithLimits(messages int, tokens int64) Option {
	return func(m *Monitor) {
		if messages > 0 {
			m.messageLimit = messages
		}
		if tokens > 0 {
			m.tokenLimit = tokens
		}
	}
}

// WithClock injects the time source. Tests use this to pin "today" and to
// expire the cache deterministically.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor reading the snapshot at path.
func NewMonitor(path string, opts ...Option) *Monitor {
	m := &Monitor{
		path:         path,
		messageLimit: DefaultMessageLimit,
		tokenLimit:   DefaultTokenLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TodayUsage returns today's message and token counts. A missing or malformed
// snapshot yields zero usage: rate limiting fails open.
func (m *Monitor) TodayUsage() Usage {
	snap := m.load()
	if snap == nil {
		return Usage{}
	}

	today := m.now().Format("2006-01-02")
	u := Usage{}
	for _, day := range snap.DailyActivity {
		if day.Date == today {
			u.Messages = day.MessageCount
			break
		}
	}
	for _, day := range snap.DailyModelTokens {
		if day.Date == today {
			for _, tokens := range day.TokensByModel {
				u.Tokens += tokens
			}
			break
		}
	}
	return u
}

// Percentages returns today's usage as fractions of the configured limits.
func (m *Monitor) Percentages() (messages, tokens float64) {
	u := m.TodayUsage()
	return float64(u.Messages) / float64(m.messageLimit),
		float64(u.Tokens) / float64(m.tokenLimit)
}

// ShouldPause reports whether dispatch must stop entirely, with a reason
// suitable for display.
func (m *Monitor) ShouldPause() (bool, string) {
	return m.check(PauseThreshold)
}

// ShouldThrottle reports whether dispatch should be limited to one task per
// pass.
func (m *Monitor) ShouldThrottle() (bool, string) {
	return m.check(ThrottleThreshold)
}

func (m *Monitor) check(threshold float64) (bool, string) {
	msgPct, tokPct := m.Percentages()
	if msgPct >= threshold {
		return true, fmt.Sprintf("message usage at %.0f%% of daily limit", msgPct*100)
	}
	if tokPct >= threshold {
		return true, fmt.Sprintf("token usage at %.0f%% of daily limit", tokPct*100)
	}
	return false, ""
}

// load returns the cached snapshot, re-reading the file once the TTL expires.
// Returns nil when the file is absent or unparseable.
func (m *Monitor) load() *snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.cached != nil && now.Sub(m.cachedAt) < cacheTTL {
		return m.cached
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		m.warnOnce(fmt.Sprintf("rate limit: cannot read snapshot %s: %v", m.path, err))
		m.cached = nil
		m.cachedAt = now
		return nil
	}

	snap := &snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		m.warnOnce(fmt.Sprintf("rate limit: malformed snapshot %s: %v", m.path, err))
		m.cached = nil
		m.cachedAt = now
		return nil
	}

	m.cached = snap
	m.cachedAt = now
	m.warnedErr = ""
	return snap
}

// warnOnce logs a degraded-snapshot condition without repeating it every pass.
func (m *Monitor) warnOnce(msg string) {
	if m.warnedErr == msg {
		return
	}
	m.warnedErr = msg
	log.Printf("%s (assuming zero usage)", msg)
}
