package epacket

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/embercore/internal/testutil/testlog"
)

type testBackend struct {
	name     string
	keyIface KeyInterface

	mu      sync.Mutex
	peer    *testBackend
	deliver DeliverFunc
	sent    [][]byte
}

func newTestPair() (*testBackend, *testBackend) {
	a := &testBackend{name: "test-a", keyIface: KeyInterfaceUDP}
	b := &testBackend{name: "test-b", keyIface: KeyInterfaceUDP}
	a.peer, b.peer = b, a
	return a, b
}

func (b *testBackend) Name() string               { return b.name }
func (b *testBackend) KeyInterface() KeyInterface { return b.keyIface }
func (b *testBackend) MTU() int                   { return 1024 }
func (b *testBackend) Versioned() bool            { return false }
func (b *testBackend) Close() error               { return nil }

func (b *testBackend) Start(deliver DeliverFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver = deliver
	return nil
}

func (b *testBackend) Send(frame []byte, _ net.Addr) error {
	cp := append([]byte(nil), frame...)
	b.mu.Lock()
	b.sent = append(b.sent, cp)
	peer := b.peer
	b.mu.Unlock()

	peer.mu.Lock()
	deliver := peer.deliver
	peer.mu.Unlock()
	if deliver != nil {
		deliver(cp, -40, LoopbackAddr(b.name))
	}
	return nil
}

// inject replays a raw frame into this backend's own manager.
func (b *testBackend) inject(frame []byte) {
	b.mu.Lock()
	deliver := b.deliver
	b.mu.Unlock()
	if deliver != nil {
		deliver(frame, -40, LoopbackAddr("replay"))
	}
}

type rxRecord struct {
	meta    RxMeta
	payload []byte
}

func collector() (Handler, chan rxRecord) {
	ch := make(chan rxRecord, 16)
	return func(p *Packet) {
		ch <- rxRecord{meta: p.RX, payload: append([]byte(nil), p.Buf.Bytes()...)}
		p.Release()
	}, ch
}

func managerPair(t *testing.T) (*Manager, *Interface, *testBackend, *Manager, *Interface, *testBackend) {
	t.Helper()
	secA, secB := testStates(t)
	mgrA := NewManager(secA, NewRegistry(secA), Config{})
	mgrB := NewManager(secB, NewRegistry(secB), Config{})
	t.Cleanup(func() {
		mgrA.Close()
		mgrB.Close()
	})

	backA, backB := newTestPair()
	ifA, err := mgrA.AddInterface(backA)
	if err != nil {
		t.Fatalf("add interface a: %v", err)
	}
	ifB, err := mgrB.AddInterface(backB)
	if err != nil {
		t.Fatalf("add interface b: %v", err)
	}
	return mgrA, ifA, backA, mgrB, ifB, backB
}

func waitRx(t *testing.T, ch chan rxRecord) rxRecord {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return rxRecord{}
	}
}

func TestManagerRoundTrip(t *testing.T) {
	testlog.Start(t)
	mgrA, ifA, _, _, ifB, _ := managerPair(t)

	handler, rx := collector()
	ifB.SetHandler(handler)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	p, err := mgrA.AllocTxForInterface(ifA, time.Second)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := p.Buf.AddMem(payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	var txErr error
	done := make(chan struct{})
	p.TX.Done = func(err error) { txErr = err; close(done) }
	p.SetTxMetadata(AuthNetwork, 0, TypeTDF, nil)
	mgrA.Queue(ifA, p)

	<-done
	if txErr != nil {
		t.Fatalf("tx callback: %v", txErr)
	}

	got := waitRx(t, rx)
	if got.meta.Type != TypeTDF || got.meta.Auth != AuthNetwork {
		t.Fatalf("meta %+v", got.meta)
	}
	if got.meta.Sequence != 1 {
		t.Fatalf("sequence %d, want 1", got.meta.Sequence)
	}
	if !bytes.Equal(got.payload, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestSequenceReplayDropped(t *testing.T) {
	testlog.Start(t)
	mgrA, ifA, _, _, ifB, backB := managerPair(t)

	handler, rx := collector()
	ifB.SetHandler(handler)

	send := func(val byte) {
		p, err := mgrA.AllocTxForInterface(ifA, time.Second)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		p.Buf.AddMem([]byte{val})
		p.SetTxMetadata(AuthNetwork, 0, TypeTDF, nil)
		mgrA.Queue(ifA, p)
	}

	send(1)
	first := waitRx(t, rx)
	send(2)
	second := waitRx(t, rx)
	if second.meta.Sequence <= first.meta.Sequence {
		t.Fatalf("sequences not increasing: %d then %d", first.meta.Sequence, second.meta.Sequence)
	}

	// Replay the first frame byte-for-byte; the receiver must drop it.
	backB.peer.mu.Lock()
	frame := append([]byte(nil), backB.peer.sent[0]...)
	backB.peer.mu.Unlock()
	backB.inject(frame)

	select {
	case r := <-rx:
		t.Fatalf("replayed frame delivered: %+v", r.meta)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEchoDefaultHandler(t *testing.T) {
	testlog.Start(t)
	mgrA, ifA, _, _, _, _ := managerPair(t)

	handler, rx := collector()
	ifA.SetHandler(handler)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	p, err := mgrA.AllocTxForInterface(ifA, time.Second)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	p.Buf.AddMem(payload)
	p.SetTxMetadata(AuthNetwork, 0, TypeEchoReq, nil)
	mgrA.Queue(ifA, p)

	got := waitRx(t, rx)
	if got.meta.Type != TypeEchoRsp {
		t.Fatalf("type %v, want echo_rsp", got.meta.Type)
	}
	if !bytes.Equal(got.payload, payload) {
		t.Fatal("echo payload mismatch")
	}
}

func TestKeyIDResponsePlaintextAndRateLimited(t *testing.T) {
	testlog.Start(t)
	mgrA, ifA, _, mgrB, _, backB := managerPair(t)

	request := func() {
		p, err := mgrA.AllocTxForInterface(ifA, time.Second)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		p.Buf.AddU8(KeyIDReqMagic)
		p.SetTxMetadata(AuthNetwork, 0, TypeSerialLog, nil)
		mgrA.Queue(ifA, p)
	}
	wireFrames := func() [][]byte {
		backB.mu.Lock()
		defer backB.mu.Unlock()
		return append([][]byte(nil), backB.sent...)
	}

	request()
	var frame []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := wireFrames(); len(sent) > 0 {
			frame = sent[len(sent)-1]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if frame == nil {
		t.Fatal("no key ids response on the wire")
	}

	// The directory goes out without AEAD framing so a peer that lost
	// key sync can read it: type byte then the device key id.
	if len(frame) != 4 {
		t.Fatalf("wire frame %x, want 4 plaintext bytes", frame)
	}
	if frame[0] != uint8(TypeKeyIDs) {
		t.Fatalf("wire type %#x, want key_ids", frame[0])
	}
	wantID := mgrB.sec.DeviceKeyIdentifier()
	gotID := uint32(frame[1]) | uint32(frame[2])<<8 | uint32(frame[3])<<16
	if gotID != wantID {
		t.Fatalf("key id %#x, want %#x", gotID, wantID)
	}

	// Second request inside the rate window gets no response.
	request()
	time.Sleep(300 * time.Millisecond)
	if sent := wireFrames(); len(sent) != 1 {
		t.Fatalf("rate limited request answered: %d frames on the wire", len(sent))
	}
}

func TestAllocRespectsInterfaceLimits(t *testing.T) {
	testlog.Start(t)
	mgrA, ifA, _, _, _, _ := managerPair(t)

	p, err := mgrA.AllocTxForInterface(ifA, time.Second)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer p.Release()

	max := ifA.MaxPacketSize()
	if err := p.Buf.AddMem(make([]byte, max)); err != nil {
		t.Fatalf("filling to max payload: %v", err)
	}
	if err := p.Buf.AddU8(0); err == nil {
		t.Fatal("exceeded interface payload limit")
	}
}
