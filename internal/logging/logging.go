// Package logging provides the structured loggers used throughout the
// transmit core: per-component charmbracelet/log loggers, plus a
// rate-limited wrapper for the hot callback path, which must stay
// throttled and allocation-free when disabled.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	baseOnce sync.Once
	base     *log.Logger
)

func root() *log.Logger {
	baseOnce.Do(func() {
		base = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
		})
	})
	return base
}

// For returns a named component logger, e.g. logging.For("precalc").
func For(component string) *log.Logger {
	return root().With("component", component)
}

// Hot wraps a logger for use on the hardware-callback thread: calls are
// dropped unless the interval has elapsed since the last emitted message
// for that key, so a misbehaving hot loop cannot flood the sink or block
// on an allocation-heavy format call every iteration.
type Hot struct {
	logger   *log.Logger
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

// NewHot builds a throttled logger around the given component logger.
func NewHot(logger *log.Logger, interval time.Duration) *Hot {
	return &Hot{logger: logger, interval: interval, last: make(map[string]time.Time)}
}

// Warn emits at most once per interval per key. It never allocates when
// suppressed.
func (h *Hot) Warn(key string, msg string, kv ...any) {
	h.emit(key, func() { h.logger.Warn(msg, kv...) })
}

// Debug emits at most once per interval per key.
func (h *Hot) Debug(key string, msg string, kv ...any) {
	h.emit(key, func() { h.logger.Debug(msg, kv...) })
}

func (h *Hot) emit(key string, fn func()) {
	h.mu.Lock()
	now := time.Now()
	if last, ok := h.last[key]; ok && now.Sub(last) < h.interval {
		h.mu.Unlock()
		return
	}
	h.last[key] = now
	h.mu.Unlock()
	fn()
}
