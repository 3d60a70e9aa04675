package epacket

import (
	"fmt"
	"net"
	"sync"
)

// LoopbackAddr names one end of a loopback pair.
type LoopbackAddr string

func (a LoopbackAddr) Network() string { return "loopback" }
func (a LoopbackAddr) String() string  { return string(a) }

// LoopbackBackend is an in-memory link used by tests and to model the
// Bluetooth advertising and GATT framings, which share the ePacket
// keying and layout but have no host transport.
type LoopbackBackend struct {
	name      string
	keyIface  KeyInterface
	mtu       int
	versioned bool

	mu      sync.Mutex
	peer    *LoopbackBackend
	deliver DeliverFunc
	closed  bool
}

// NewLoopbackPair creates two connected backends; frames sent on one
// are delivered to the other.
func NewLoopbackPair(name string, keyIface KeyInterface, mtu int, versioned bool) (*LoopbackBackend, *LoopbackBackend) {
	a := &LoopbackBackend{name: name + "-a", keyIface: keyIface, mtu: mtu, versioned: versioned}
	b := &LoopbackBackend{name: name + "-b", keyIface: keyIface, mtu: mtu, versioned: versioned}
	a.peer, b.peer = b, a
	return a, b
}

// NewBTAdvPair models the Bluetooth advertising framing.
func NewBTAdvPair() (*LoopbackBackend, *LoopbackBackend) {
	return NewLoopbackPair("bt_adv", KeyInterfaceBTAdv, 255, false)
}

// NewBTGattPair models the Bluetooth GATT framing.
func NewBTGattPair() (*LoopbackBackend, *LoopbackBackend) {
	return NewLoopbackPair("bt_gatt", KeyInterfaceBTGatt, 498, false)
}

func (b *LoopbackBackend) Name() string               { return b.name }
func (b *LoopbackBackend) KeyInterface() KeyInterface { return b.keyIface }
func (b *LoopbackBackend) MTU() int                   { return b.mtu }
func (b *LoopbackBackend) Versioned() bool            { return b.versioned }

func (b *LoopbackBackend) Start(deliver DeliverFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver = deliver
	return nil
}

func (b *LoopbackBackend) Send(frame []byte, _ net.Addr) error {
	if len(frame) > b.mtu {
		return ErrTooLarge
	}
	b.mu.Lock()
	peer := b.peer
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("epacket: %s closed", b.name)
	}

	peer.mu.Lock()
	deliver := peer.deliver
	peer.mu.Unlock()
	if deliver == nil {
		// Peer not started, frame is lost like any best-effort link.
		return nil
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	deliver(cp, -40, LoopbackAddr(b.name))
	return nil
}

func (b *LoopbackBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.deliver = nil
	return nil
}

// Drop disconnects delivery so tests can simulate a detached peer.
func (b *LoopbackBackend) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver = nil
}
