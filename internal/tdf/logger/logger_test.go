package logger

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/pktbuf"
	"github.com/danmuck/embercore/internal/security"
	"github.com/danmuck/embercore/internal/tdf"
	"github.com/danmuck/embercore/internal/testutil/testlog"
)

type capture struct {
	payload []byte
	typ     epacket.Type
}

func setup(t *testing.T, mtu int) (*epacket.Manager, *epacket.Interface, chan capture) {
	t.Helper()
	var netRoot security.Key
	netRoot[0] = 0x42
	var devA, devB security.Key
	devA[0], devB[0] = 0x01, 0x02
	secA := security.NewVolatile(0x1111, 0x00BEEF, devA, netRoot)
	secB := security.NewVolatile(0x2222, 0x00BEEF, devB, netRoot)

	mgrA := epacket.NewManager(secA, epacket.NewRegistry(secA), epacket.Config{})
	mgrB := epacket.NewManager(secB, epacket.NewRegistry(secB), epacket.Config{})
	t.Cleanup(func() {
		mgrA.Close()
		mgrB.Close()
	})

	backA, backB := epacket.NewLoopbackPair("log", epacket.KeyInterfaceUDP, mtu, false)
	ifA, err := mgrA.AddInterface(backA)
	if err != nil {
		t.Fatalf("interface a: %v", err)
	}
	ifB, err := mgrB.AddInterface(backB)
	if err != nil {
		t.Fatalf("interface b: %v", err)
	}

	rx := make(chan capture, 8)
	ifB.SetHandler(func(p *epacket.Packet) {
		rx <- capture{
			payload: append([]byte(nil), p.Buf.Bytes()...),
			typ:     p.RX.Type,
		}
		p.Release()
	})
	return mgrA, ifA, rx
}

func waitPacket(t *testing.T, rx chan capture) capture {
	t.Helper()
	select {
	case c := <-rx:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush packet")
		return capture{}
	}
}

func TestLogFlushRoundTrip(t *testing.T) {
	testlog.Start(t)
	mgr, iface, rx := setup(t, 1024)

	set, err := NewSet(mgr, []Config{{Interface: iface}})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	if err := set.Log(0b1, 0x010, 4, 1_000_000_000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := set.Log(0b1, 0x011, 2, 1_000_000_100, []byte{5, 6}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if set.Buffered(0) == 0 {
		t.Fatal("nothing buffered before flush")
	}
	if err := set.Flush(0b1); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if set.Buffered(0) != 0 {
		t.Fatal("buffer not reset after flush")
	}

	pkt := waitPacket(t, rx)
	if pkt.typ != epacket.TypeTDF {
		t.Fatalf("packet type %v", pkt.typ)
	}

	state := tdf.NewStateFrom(pktbuf.NewWithData(pkt.payload))
	p1, err := tdf.Parse(state)
	if err != nil {
		t.Fatalf("parse 1: %v", err)
	}
	if p1.ID != 0x010 || p1.Time != 1_000_000_000 {
		t.Fatalf("entry 1: %+v", p1)
	}
	p2, err := tdf.Parse(state)
	if err != nil {
		t.Fatalf("parse 2: %v", err)
	}
	if p2.ID != 0x011 || p2.Time != 1_000_000_100 {
		t.Fatalf("entry 2: %+v", p2)
	}
}

func TestAutoFlushWhenFull(t *testing.T) {
	testlog.Start(t)
	mgr, iface, rx := setup(t, 128)

	set, err := NewSet(mgr, []Config{{Interface: iface}})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	// Keep logging past the buffer capacity; the set must flush on its
	// own rather than fail.
	for i := 0; i < 16; i++ {
		if err := set.Log(0b1, 0x020, 8, 0, make([]byte, 8)); err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
	}

	pkt := waitPacket(t, rx)
	if pkt.typ != epacket.TypeTDF {
		t.Fatalf("packet type %v", pkt.typ)
	}
}

func TestRemoteIDPrefix(t *testing.T) {
	testlog.Start(t)
	mgr, iface, rx := setup(t, 1024)

	const remote = uint64(0xAABBCCDD00112233)
	set, err := NewSet(mgr, []Config{{Interface: iface, RemoteID: remote}})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	if err := set.Log(0b1, 0x010, 1, 0, []byte{0x7E}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := set.Flush(0b1); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pkt := waitPacket(t, rx)
	if len(pkt.payload) < 8 {
		t.Fatalf("payload %x", pkt.payload)
	}
	if got := binary.LittleEndian.Uint64(pkt.payload[:8]); got != remote {
		t.Fatalf("remote id %#x, want %#x", got, remote)
	}

	state := tdf.NewStateFrom(pktbuf.NewWithData(pkt.payload[8:]))
	p, err := tdf.Parse(state)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ID != 0x010 || p.Data[0] != 0x7E {
		t.Fatalf("entry: %+v", p)
	}
}

func TestUnmatchedMask(t *testing.T) {
	testlog.Start(t)
	mgr, iface, _ := setup(t, 1024)

	set, err := NewSet(mgr, []Config{{Interface: iface}})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	if err := set.Log(0b10, 0x010, 1, 0, []byte{1}); err != ErrNoOutput {
		t.Fatalf("unmatched mask: %v", err)
	}
}
