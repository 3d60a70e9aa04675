package epacket

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/embercore/internal/observability"
	"github.com/danmuck/embercore/internal/pktbuf"
	"github.com/danmuck/embercore/internal/security"
)

// Handler consumes a received packet and owns it; it must Release the
// packet when done. Handlers run on the manager's processor goroutine
// and must not block.
type Handler func(*Packet)

type Config struct {
	// BufferCount is the size of the shared packet pool.
	BufferCount int
	// BufferSize is the capacity of each pooled buffer.
	BufferSize int
	// QueueDepth bounds the receive queue.
	QueueDepth int
}

func (c *Config) applyDefaults() {
	if c.BufferCount == 0 {
		c.BufferCount = 16
	}
	if c.BufferSize == 0 {
		c.BufferSize = 2048
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 16
	}
}

// Manager owns the packet pool, the registered interfaces, and the
// receive processor goroutine.
type Manager struct {
	sec  *security.State
	keys *Registry
	cfg  Config
	log  zerolog.Logger

	pool    chan *Packet
	rxQueue chan *Packet

	mu         sync.Mutex
	ifaces     []*Interface
	rpcCmd     Handler
	rpcData    Handler
	rpcClient  Handler
	lastKeyIDs time.Time

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewManager(sec *security.State, keys *Registry, cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		sec:     sec,
		keys:    keys,
		cfg:     cfg,
		log:     log.With().Str("component", "epacket").Logger(),
		pool:    make(chan *Packet, cfg.BufferCount),
		rxQueue: make(chan *Packet, cfg.QueueDepth),
		closed:  make(chan struct{}),
	}
	for i := 0; i < cfg.BufferCount; i++ {
		m.pool <- &Packet{Buf: pktbuf.New(cfg.BufferSize), mgr: m}
	}
	m.wg.Add(1)
	go m.processor()
	return m
}

// AddInterface registers and starts a backend.
func (m *Manager) AddInterface(b Backend) (*Interface, error) {
	iface := &Interface{
		backend: b,
		mgr:     m,
		rxSeq:   make(map[uint64]uint16),
	}
	deliver := func(frame []byte, rssi int16, peer net.Addr) {
		m.deliver(iface, frame, rssi, peer)
	}
	if err := b.Start(deliver); err != nil {
		return nil, fmt.Errorf("start %s: %w", b.Name(), err)
	}
	m.mu.Lock()
	m.ifaces = append(m.ifaces, iface)
	m.mu.Unlock()
	iface.setState(true)
	m.log.Info().Str("interface", b.Name()).Int("mtu", b.MTU()).Msg("interface up")
	return iface, nil
}

// SetRPCHandlers wires the RPC engine queues into packet dispatch.
// cmd and data feed the server; client receives responses and acks.
func (m *Manager) SetRPCHandlers(cmd, data, client Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpcCmd, m.rpcData, m.rpcClient = cmd, data, client
}

// AllocTxForInterface claims a pooled packet sized for the interface,
// with headroom reserved for the frame header and capacity limited so
// the authentication tag fits within the MTU. A zero timeout fails
// immediately when the pool is empty; a negative timeout waits
// indefinitely.
func (m *Manager) AllocTxForInterface(iface *Interface, timeout time.Duration) (*Packet, error) {
	p, err := m.alloc(timeout)
	if err != nil {
		return nil, err
	}
	headroom := frameHeadroom(iface.backend.Versioned())
	p.Buf.Reserve(headroom)
	limit := headroom + iface.MaxPacketSize()
	if limit > p.Buf.Capacity() {
		limit = p.Buf.Capacity()
	}
	p.Buf.SetLimit(limit)
	return p, nil
}

func (m *Manager) alloc(timeout time.Duration) (*Packet, error) {
	select {
	case <-m.closed:
		return nil, ErrClosed
	default:
	}
	if timeout == 0 {
		select {
		case p := <-m.pool:
			p.reset()
			return p, nil
		default:
			return nil, ErrNoBuffer
		}
	}
	if timeout < 0 {
		select {
		case p := <-m.pool:
			p.reset()
			return p, nil
		case <-m.closed:
			return nil, ErrClosed
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p := <-m.pool:
		p.reset()
		return p, nil
	case <-t.C:
		return nil, ErrNoBuffer
	case <-m.closed:
		return nil, ErrClosed
	}
}

func (m *Manager) release(p *Packet) {
	p.reset()
	select {
	case m.pool <- p:
	default:
		// Pool is full; drop the duplicate release.
	}
}

// SetTxMetadata fills the packet's transmit metadata.
func (p *Packet) SetTxMetadata(auth Auth, flags uint16, t Type, dest net.Addr) {
	p.TX.Auth = auth
	p.TX.Flags = flags
	p.TX.Type = t
	p.TX.Dest = dest
}

// Queue encodes, authenticates, and transmits the packet on the
// interface. The completion callback fires before Queue returns; the
// packet is returned to the pool either way.
func (m *Manager) Queue(iface *Interface, p *Packet) {
	defer p.Release()

	seq := iface.nextSequence()
	err := encryptFrame(p, m.keys, m.sec, iface.backend.Versioned(), uint8(iface.backend.KeyInterface()), seq)
	if err != nil {
		m.log.Warn().Err(err).Str("interface", iface.Name()).Msg("tx encode failed")
		p.completeTx(err)
		iface.notifyTxFailure(err)
		return
	}
	if err := iface.backend.Send(p.Buf.Bytes(), p.TX.Dest); err != nil {
		m.log.Warn().Err(err).Str("interface", iface.Name()).Msg("tx send failed")
		p.completeTx(err)
		iface.notifyTxFailure(err)
		return
	}
	observability.RecordPacketTx(iface.Name(), p.TX.Type.String())
	p.completeTx(nil)
}

// deliver runs on backend receive goroutines: stage the frame into a
// pooled packet and hand it to the processor.
func (m *Manager) deliver(iface *Interface, frame []byte, rssi int16, peer net.Addr) {
	p, err := m.alloc(0)
	if err != nil {
		m.log.Warn().Str("interface", iface.Name()).Msg("rx drop, no buffers")
		return
	}
	if err := p.Buf.AddMem(frame); err != nil {
		p.Release()
		m.log.Warn().Str("interface", iface.Name()).Msg("rx drop, frame too large")
		return
	}
	p.RX.Interface = iface
	p.RX.RSSI = rssi
	p.RX.Peer = peer
	select {
	case m.rxQueue <- p:
	default:
		p.Release()
		m.log.Warn().Str("interface", iface.Name()).Msg("rx drop, queue full")
	}
}

func (m *Manager) processor() {
	defer m.wg.Done()
	for {
		select {
		case <-m.closed:
			return
		case p := <-m.rxQueue:
			m.process(p)
		}
	}
}

func (m *Manager) process(p *Packet) {
	iface := p.RX.Interface
	b := iface.backend

	if err := decryptFrame(p, m.keys, m.sec, b.Versioned(), uint8(b.KeyInterface())); err != nil {
		observability.RecordAuthFailure(iface.Name())
		m.log.Debug().Err(err).Str("interface", iface.Name()).Msg("rx auth failure")
		p.Release()
		return
	}
	if !iface.acceptSequence(p.RX.DeviceID, p.RX.Sequence) {
		observability.RecordSequenceDrop(iface.Name())
		m.log.Debug().
			Str("interface", iface.Name()).
			Uint64("source", p.RX.DeviceID).
			Uint16("sequence", p.RX.Sequence).
			Msg("rx stale sequence")
		p.Release()
		return
	}
	observability.RecordPacketRx(iface.Name(), p.RX.Type.String())

	m.mu.Lock()
	rpcCmd, rpcData, rpcClient := m.rpcCmd, m.rpcData, m.rpcClient
	m.mu.Unlock()

	switch p.RX.Type {
	case TypeRPCCmd:
		if rpcCmd != nil {
			rpcCmd(p)
			return
		}
	case TypeRPCData:
		if rpcData != nil {
			rpcData(p)
			return
		}
	case TypeRPCRsp, TypeRPCDataAck:
		if rpcClient != nil {
			rpcClient(p)
			return
		}
	}

	iface.mu.Lock()
	handler := iface.handler
	iface.mu.Unlock()
	if handler != nil {
		handler(p)
		return
	}
	m.defaultHandler(p)
}

// defaultHandler answers echo requests and key-id queries; everything
// else is dropped.
func (m *Manager) defaultHandler(p *Packet) {
	defer p.Release()

	switch {
	case p.RX.Type == TypeEchoReq:
		m.respond(p, p.RX.Auth, TypeEchoRsp, p.Buf.Bytes())
	case p.Buf.Len() == 1 && p.Buf.Bytes()[0] == KeyIDReqMagic:
		m.mu.Lock()
		now := time.Now()
		limited := now.Sub(m.lastKeyIDs) < time.Second
		if !limited {
			m.lastKeyIDs = now
		}
		m.mu.Unlock()
		if limited {
			return
		}
		// The directory lets a peer that lost key sync recover, so it
		// must go out readable: type byte plus the device key id, no
		// AEAD framing.
		var frame [4]byte
		id := m.sec.DeviceKeyIdentifier()
		frame[0] = uint8(TypeKeyIDs)
		frame[1], frame[2], frame[3] = byte(id), byte(id>>8), byte(id>>16)
		m.respond(p, AuthRemoteEncrypted, TypeKeyIDs, frame[:])
	}
}

func (m *Manager) respond(req *Packet, auth Auth, t Type, payload []byte) {
	iface := req.RX.Interface
	rsp, err := m.AllocTxForInterface(iface, 0)
	if err != nil {
		m.log.Warn().Str("interface", iface.Name()).Msg("response drop, no buffers")
		return
	}
	if err := rsp.Buf.AddMem(payload); err != nil {
		rsp.Release()
		return
	}
	rsp.SetTxMetadata(auth, 0, t, req.RX.Peer)
	m.Queue(iface, rsp)
}

// Interfaces returns the registered interfaces.
func (m *Manager) Interfaces() []*Interface {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Interface(nil), m.ifaces...)
}

// Close tears down all interfaces and stops the processor.
func (m *Manager) Close() error {
	var firstErr error
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		ifaces := append([]*Interface(nil), m.ifaces...)
		m.mu.Unlock()
		for _, iface := range ifaces {
			iface.setState(false)
			if err := iface.backend.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		m.wg.Wait()
	})
	return firstErr
}
