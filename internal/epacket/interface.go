package epacket

import (
	"net"
	"sync"
)

// DeliverFunc hands a raw received frame to the manager.
type DeliverFunc func(frame []byte, rssi int16, peer net.Addr)

// Backend is one physical or virtual link the manager can drive.
// Implementations own their I/O goroutines; Start begins delivery of
// received frames and Close tears the link down.
type Backend interface {
	Name() string
	KeyInterface() KeyInterface
	// MTU is the maximum complete frame size the link can carry.
	MTU() int
	// Versioned framings carry a leading version byte in the header.
	Versioned() bool
	Start(deliver DeliverFunc) error
	Send(frame []byte, dest net.Addr) error
	Close() error
}

// InterfaceCallback receives interface lifecycle notifications.
type InterfaceCallback struct {
	TxFailure   func(iface *Interface, err error)
	StateChange func(iface *Interface, up bool)
}

// Interface is a backend registered with a manager, carrying the
// per-link transmit sequence and per-source receive tracking.
type Interface struct {
	backend Backend
	mgr     *Manager

	mu        sync.Mutex
	txSeq     uint16
	rxSeq     map[uint64]uint16
	handler   Handler
	callbacks []InterfaceCallback
	up        bool
}

func (i *Interface) Name() string { return i.backend.Name() }

// Up reports the link state.
func (i *Interface) Up() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.up
}

// MaxPacketSize is the largest payload a packet on this interface can
// carry after framing overhead.
func (i *Interface) MaxPacketSize() int {
	overhead := OverheadUnversioned
	if i.backend.Versioned() {
		overhead = OverheadVersioned
	}
	return i.backend.MTU() - overhead
}

// SetHandler registers the receive handler for non-RPC packets.
func (i *Interface) SetHandler(h Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handler = h
}

// RegisterCallback adds a lifecycle listener.
func (i *Interface) RegisterCallback(cb InterfaceCallback) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.callbacks = append(i.callbacks, cb)
}

func (i *Interface) nextSequence() uint16 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.txSeq++
	return i.txSeq
}

// acceptSequence tracks the per-source sequence expectation. The first
// packet from a source is always accepted; afterwards only strictly
// increasing sequences pass.
func (i *Interface) acceptSequence(source uint64, seq uint16) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	last, seen := i.rxSeq[source]
	if seen && seq <= last {
		return false
	}
	i.rxSeq[source] = seq
	return true
}

func (i *Interface) notifyTxFailure(err error) {
	i.mu.Lock()
	cbs := append([]InterfaceCallback(nil), i.callbacks...)
	i.mu.Unlock()
	for _, cb := range cbs {
		if cb.TxFailure != nil {
			cb.TxFailure(i, err)
		}
	}
}

func (i *Interface) setState(up bool) {
	i.mu.Lock()
	if i.up == up {
		i.mu.Unlock()
		return
	}
	i.up = up
	cbs := append([]InterfaceCallback(nil), i.callbacks...)
	i.mu.Unlock()
	for _, cb := range cbs {
		if cb.StateChange != nil {
			cb.StateChange(i, up)
		}
	}
}
