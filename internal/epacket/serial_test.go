package epacket

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/embercore/internal/testutil/testlog"
)

type pipePort struct {
	io.Reader
	io.Writer
}

func (pipePort) Close() error { return nil }

func TestSerialFrameResync(t *testing.T) {
	testlog.Start(t)
	var wire bytes.Buffer
	b := NewSerialBackend(pipePort{Writer: &wire}, 0)

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	if err := b.Send(payload, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Leading garbage and a stray sync byte before the real frame.
	stream := append([]byte{0x00, serialSyncA, 0x13}, wire.Bytes()...)
	frame, err := readSerialFrame(bufio.NewReader(bytes.NewReader(stream)), b.MTU())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(frame, payload) {
		t.Fatalf("frame %x, want %x", frame, payload)
	}
}

func TestSerialMTUConfigurable(t *testing.T) {
	testlog.Start(t)
	b := NewSerialBackend(pipePort{Writer: io.Discard}, 256)
	if b.MTU() != 256 {
		t.Fatalf("mtu %d, want 256", b.MTU())
	}
	if err := b.Send(make([]byte, 257), nil); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversize send: %v", err)
	}
	if got := NewSerialBackend(pipePort{}, 0).MTU(); got != DefaultSerialMTU {
		t.Fatalf("default mtu %d, want %d", got, DefaultSerialMTU)
	}
}

func TestUDPMTUConfigurable(t *testing.T) {
	testlog.Start(t)
	b, err := NewUDPBackend("127.0.0.1:0", "", 900)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer b.Close()
	if b.MTU() != 900 {
		t.Fatalf("mtu %d, want 900", b.MTU())
	}

	d, err := NewUDPBackend("127.0.0.1:0", "", 0)
	if err != nil {
		t.Fatalf("bind default: %v", err)
	}
	defer d.Close()
	if d.MTU() != DefaultUDPMTU {
		t.Fatalf("default mtu %d, want %d", d.MTU(), DefaultUDPMTU)
	}
}
