package epacket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Serial link framing: two sync bytes, a little-endian length, then
// the versioned ePacket frame. The scanner resynchronizes on the sync
// pattern after corruption.
const (
	serialSyncA = 0xAA
	serialSyncB = 0x55

	// DefaultSerialMTU bounds frame size on links without flow control.
	DefaultSerialMTU = 512
)

type serialAddr struct{}

func (serialAddr) Network() string { return "serial" }
func (serialAddr) String() string  { return "serial" }

// SerialBackend drives a byte stream, typically a USB CDC-ACM port.
type SerialBackend struct {
	port io.ReadWriteCloser
	mtu  int
	log  zerolog.Logger

	wmu       sync.Mutex
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSerialBackend wraps a byte stream; an mtu of zero selects
// DefaultSerialMTU.
func NewSerialBackend(port io.ReadWriteCloser, mtu int) *SerialBackend {
	if mtu == 0 {
		mtu = DefaultSerialMTU
	}
	return &SerialBackend{
		port: port,
		mtu:  mtu,
		log:  log.With().Str("component", "epacket_serial").Logger(),
	}
}

func (b *SerialBackend) Name() string               { return "serial" }
func (b *SerialBackend) KeyInterface() KeyInterface { return KeyInterfaceSerial }
func (b *SerialBackend) MTU() int                   { return b.mtu }
func (b *SerialBackend) Versioned() bool            { return true }

func (b *SerialBackend) Start(deliver DeliverFunc) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		r := bufio.NewReader(b.port)
		for {
			frame, err := readSerialFrame(r, b.mtu)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) &&
					!errors.Is(err, net.ErrClosed) {
					b.log.Warn().Err(err).Msg("read failed")
				}
				return
			}
			deliver(frame, 0, serialAddr{})
		}
	}()
	return nil
}

// readSerialFrame scans for the sync pattern and returns the next
// complete frame.
func readSerialFrame(r *bufio.Reader, mtu int) ([]byte, error) {
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if c != serialSyncA {
			continue
		}
		c, err = r.ReadByte()
		if err != nil {
			return nil, err
		}
		if c != serialSyncB {
			continue
		}
		var lenBytes [2]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			return nil, err
		}
		n := int(binary.LittleEndian.Uint16(lenBytes[:]))
		if n == 0 || n > mtu {
			// Corrupt length, resynchronize.
			continue
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, err
		}
		return frame, nil
	}
}

func (b *SerialBackend) Send(frame []byte, _ net.Addr) error {
	if len(frame) > b.mtu {
		return ErrTooLarge
	}
	hdr := []byte{serialSyncA, serialSyncB, 0, 0}
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(frame)))

	b.wmu.Lock()
	defer b.wmu.Unlock()
	if _, err := b.port.Write(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := b.port.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (b *SerialBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.port.Close()
		b.wg.Wait()
	})
	return err
}
