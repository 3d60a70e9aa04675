package epacket

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultUDPMTU fits one datagram in an ethernet frame after the
// IP and UDP headers.
const DefaultUDPMTU = 1472

// UDPBackend carries frames as single datagrams. The datagram boundary
// provides framing, so the unversioned layout is used.
type UDPBackend struct {
	conn *net.UDPConn
	// peer is the default destination when a packet has no address.
	peer *net.UDPAddr
	mtu  int
	log  zerolog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewUDPBackend binds a UDP socket on listenAddr. peer may be empty
// for receive-only or fully addressed sends; an mtu of zero selects
// DefaultUDPMTU.
func NewUDPBackend(listenAddr, peer string, mtu int) (*UDPBackend, error) {
	if mtu == 0 {
		mtu = DefaultUDPMTU
	}
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}
	b := &UDPBackend{
		conn: conn,
		mtu:  mtu,
		log:  log.With().Str("component", "epacket_udp").Logger(),
	}
	if peer != "" {
		b.peer, err = net.ResolveUDPAddr("udp", peer)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolve peer addr: %w", err)
		}
	}
	return b, nil
}

func (b *UDPBackend) Name() string               { return "udp" }
func (b *UDPBackend) KeyInterface() KeyInterface { return KeyInterfaceUDP }
func (b *UDPBackend) MTU() int                   { return b.mtu }
func (b *UDPBackend) Versioned() bool            { return false }

// LocalAddr exposes the bound address, mainly for tests.
func (b *UDPBackend) LocalAddr() net.Addr { return b.conn.LocalAddr() }

func (b *UDPBackend) Start(deliver DeliverFunc) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		buf := make([]byte, b.mtu)
		for {
			n, addr, err := b.conn.ReadFromUDP(buf)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					b.log.Warn().Err(err).Msg("read failed")
				}
				return
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			deliver(frame, 0, addr)
		}
	}()
	return nil
}

func (b *UDPBackend) Send(frame []byte, dest net.Addr) error {
	if len(frame) > b.mtu {
		return ErrTooLarge
	}
	addr, _ := dest.(*net.UDPAddr)
	if addr == nil {
		addr = b.peer
	}
	if addr == nil {
		return errors.New("epacket: udp send without destination")
	}
	_, err := b.conn.WriteToUDP(frame, addr)
	return err
}

func (b *UDPBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.conn.Close()
		b.wg.Wait()
	})
	return err
}
