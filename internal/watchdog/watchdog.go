// Package watchdog provides a software task watchdog. Long-running
// workers install a channel and feed it periodically; a channel that
// goes unfed past its period triggers the expiry callback.
package watchdog

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("watchdog: monitor stopped")

// ExpiryFunc runs on the monitor goroutine when a channel misses its
// deadline.
type ExpiryFunc func(name string)

type channel struct {
	name    string
	period  time.Duration
	lastFed time.Time
}

// Monitor supervises a set of named channels.
type Monitor struct {
	mu       sync.Mutex
	channels map[string]*channel
	onExpiry ExpiryFunc
	stop     chan struct{}
	stopped  bool
	log      zerolog.Logger
}

func NewMonitor(onExpiry ExpiryFunc) *Monitor {
	m := &Monitor{
		channels: make(map[string]*channel),
		onExpiry: onExpiry,
		stop:     make(chan struct{}),
		log:      log.With().Str("component", "watchdog").Logger(),
	}
	go m.run()
	return m
}

// Install registers a channel. Feeding must happen at least once per
// period.
func (m *Monitor) Install(name string, period time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	m.channels[name] = &channel{name: name, period: period, lastFed: time.Now()}
	m.log.Debug().Str("channel", name).Dur("period", period).Msg("installed")
	return nil
}

// Feed marks the channel as alive. Unknown channels are ignored.
func (m *Monitor) Feed(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[name]; ok {
		ch.lastFed = time.Now()
	}
}

// Remove uninstalls a channel, typically on worker shutdown.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// Stop halts monitoring. No expiry callbacks fire after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stop)
	m.mu.Unlock()
}

func (m *Monitor) run() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.check(now)
		}
	}
}

func (m *Monitor) check(now time.Time) {
	var expired []string
	m.mu.Lock()
	for name, ch := range m.channels {
		if now.Sub(ch.lastFed) > ch.period {
			expired = append(expired, name)
			delete(m.channels, name)
		}
	}
	cb := m.onExpiry
	m.mu.Unlock()

	for _, name := range expired {
		m.log.Error().Str("channel", name).Msg("watchdog expired")
		if cb != nil {
			cb(name)
		}
	}
}
