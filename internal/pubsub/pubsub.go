// Package pubsub connects telemetry producers to algorithm listeners
// through a channel registry. Publications coalesce: a listener that
// falls behind observes only the latest value, never a backlog.
package pubsub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoChannel = errors.New("pubsub: channel not registered")
	ErrTimeout   = errors.New("pubsub: timed out")
	ErrClosed    = errors.New("pubsub: listener closed")
)

// Registry maps channel ids to their listeners. Listeners are owned
// by their registration site; the registry holds no back-references
// beyond the subscription table.
type Registry struct {
	mu       sync.RWMutex
	channels map[uint16]*channel
	log      zerolog.Logger
}

type channel struct {
	id uint16

	// payloadMu serializes claim/finish access to the latest value.
	payloadMu sync.Mutex
	payload   []byte

	mu        sync.Mutex
	listeners []*Listener
}

func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[uint16]*channel),
		log:      log.With().Str("component", "pubsub").Logger(),
	}
}

func (r *Registry) channelFor(id uint16, create bool) *channel {
	r.mu.RLock()
	ch := r.channels[id]
	r.mu.RUnlock()
	if ch != nil || !create {
		return ch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch = r.channels[id]; ch == nil {
		ch = &channel{id: id}
		r.channels[id] = ch
	}
	return ch
}

// Publish replaces the channel's payload and flags every listener.
// Repeated publications before a listener wakes collapse into one
// notification carrying the newest value.
func (r *Registry) Publish(id uint16, data []byte) {
	ch := r.channelFor(id, true)

	ch.payloadMu.Lock()
	ch.payload = append(ch.payload[:0], data...)
	ch.payloadMu.Unlock()

	ch.mu.Lock()
	listeners := append([]*Listener(nil), ch.listeners...)
	ch.mu.Unlock()
	for _, l := range listeners {
		l.changed.Store(true)
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a listener on the channel.
func (r *Registry) Subscribe(id uint16) *Listener {
	ch := r.channelFor(id, true)
	l := &Listener{
		ch:     ch,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	ch.mu.Lock()
	ch.listeners = append(ch.listeners, l)
	ch.mu.Unlock()
	r.log.Debug().Uint16("channel", id).Msg("listener subscribed")
	return l
}

// Listener is one algorithm's view of a channel.
type Listener struct {
	ch      *channel
	changed atomic.Bool
	notify  chan struct{}

	closeOnce sync.Once
	stop      chan struct{}
}

// Changed reports and clears the coalesced publication flag.
func (l *Listener) Changed() bool {
	return l.changed.Swap(false)
}

// Wait blocks until a publication flags this listener or the timeout
// passes. A publication that arrived before Wait returns immediately.
func (l *Listener) Wait(timeout time.Duration) error {
	if l.Changed() {
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.notify:
		l.changed.Store(false)
		return nil
	case <-l.stop:
		return ErrClosed
	case <-t.C:
		return ErrTimeout
	}
}

// Claim locks the channel payload for reading. The returned release
// function must be called when done; only one claimant holds the
// payload at a time.
func (l *Listener) Claim() ([]byte, func()) {
	l.ch.payloadMu.Lock()
	return l.ch.payload, l.ch.payloadMu.Unlock
}

// Close unsubscribes the listener.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		close(l.stop)
		l.ch.mu.Lock()
		for i, cand := range l.ch.listeners {
			if cand == l {
				l.ch.listeners = append(l.ch.listeners[:i], l.ch.listeners[i+1:]...)
				break
			}
		}
		l.ch.mu.Unlock()
	})
}
