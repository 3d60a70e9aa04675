package rpc

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/kv"
	"github.com/danmuck/embercore/internal/security"
	"github.com/danmuck/embercore/internal/testutil/testlog"
)

type harness struct {
	client    *Client
	server    *Server
	clientEnd *epacket.LoopbackBackend
	serverEnd *epacket.LoopbackBackend
	serverKV  *kv.Store
	serverMgr *epacket.Manager
	serverIf  *epacket.Interface
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var netRoot security.Key
	for i := range netRoot {
		netRoot[i] = byte(i + 1)
	}
	var devRootA, devRootB security.Key
	devRootA[0] = 0xA1
	devRootB[0] = 0xB2
	secA := security.NewVolatile(0x1122334455667788, 0x00ABCD, devRootA, netRoot)
	secB := security.NewVolatile(0x8877665544332211, 0x00ABCD, devRootB, netRoot)

	mgrA := epacket.NewManager(secA, epacket.NewRegistry(secA), epacket.Config{})
	mgrB := epacket.NewManager(secB, epacket.NewRegistry(secB), epacket.Config{})
	t.Cleanup(func() {
		mgrA.Close()
		mgrB.Close()
	})

	endA, endB := epacket.NewLoopbackPair("rpc", epacket.KeyInterfaceUDP, 1024, false)
	ifA, err := mgrA.AddInterface(endA)
	if err != nil {
		t.Fatalf("client interface: %v", err)
	}
	ifB, err := mgrB.AddInterface(endB)
	if err != nil {
		t.Fatalf("server interface: %v", err)
	}

	store := kv.NewStore()
	srv := NewServer(mgrB, ServerConfig{})
	RegisterBuiltins(srv, &BuiltinEnv{
		KV:          store,
		Version:     0x010203,
		Started:     time.Now(),
		RebootCount: 7,
	})
	mgrB.SetRPCHandlers(srv.HandleCommand, srv.HandleData, nil)
	t.Cleanup(srv.Close)

	cli := NewClient(mgrA, ifA, nil, 4)
	mgrA.SetRPCHandlers(nil, nil, cli.HandlePacket)
	t.Cleanup(cli.Cleanup)

	return &harness{
		client:    cli,
		server:    srv,
		clientEnd: endA,
		serverEnd: endB,
		serverKV:  store,
		serverMgr: mgrB,
		serverIf:  ifB,
	}
}

func TestCommandSyncEcho(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	params := []byte{0x01, 0x02, 0x03, 0x04}
	rsp, err := h.client.CommandSync(CmdEcho, params, time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if rsp.ReturnCode != RCOk {
		t.Fatalf("rc = %d, want 0", rsp.ReturnCode)
	}
	if rsp.CommandID != CmdEcho {
		t.Fatalf("command id = %#04x", rsp.CommandID)
	}
	if !bytes.Equal(rsp.Payload, params) {
		t.Fatalf("payload = % X, want % X", rsp.Payload, params)
	}
}

func TestCommandTimeout(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	// Detach the server so the command is lost in flight.
	h.serverEnd.Drop()

	start := time.Now()
	_, err := h.client.CommandSync(CmdEcho, nil, time.Second, 300*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("timed out after %v, before the response timeout", elapsed)
	}
}

func TestTimeoutCallbackFiresOnce(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.serverEnd.Drop()

	var calls atomic.Int32
	nilRsp := make(chan bool, 4)
	_, err := h.client.CommandQueue(CmdEcho, nil, func(_ uint32, rsp *Response) {
		calls.Add(1)
		nilRsp <- rsp == nil
	}, time.Second, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	select {
	case wasNil := <-nilRsp:
		if !wasNil {
			t.Fatal("timed-out request delivered a response")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("callback fired %d times", n)
	}
}

func TestUnknownCommand(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	rsp, err := h.client.CommandSync(0x7777, nil, time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if rsp.ReturnCode != RCUnknownCommand {
		t.Fatalf("rc = %d, want %d", rsp.ReturnCode, RCUnknownCommand)
	}
}

func TestAuthLevelEnforced(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	// kv_write requires device auth; the loopback client only holds
	// network keys.
	params := binary.LittleEndian.AppendUint16(nil, 0x0010)
	params = append(params, 0xEE)
	rsp, err := h.client.CommandSync(CmdKVWrite, params, time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if rsp.ReturnCode != RCNotPermitted {
		t.Fatalf("rc = %d, want %d", rsp.ReturnCode, RCNotPermitted)
	}
	if h.serverKV.KeyExists(0x0010) {
		t.Fatal("rejected write reached the store")
	}
}

func TestApplicationInfo(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	rsp, err := h.client.CommandSync(CmdApplicationInfo, nil, time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if rsp.ReturnCode != RCOk {
		t.Fatalf("rc = %d", rsp.ReturnCode)
	}
	if len(rsp.Payload) != 12 {
		t.Fatalf("payload %d bytes, want 12", len(rsp.Payload))
	}
	if v := binary.LittleEndian.Uint32(rsp.Payload[0:4]); v != 0x010203 {
		t.Fatalf("version = %#x", v)
	}
	if rc := binary.LittleEndian.Uint32(rsp.Payload[8:12]); rc != 7 {
		t.Fatalf("reboot count = %d", rc)
	}
}

func TestDataSenderPattern(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	params := binary.LittleEndian.AppendUint32(nil, 64)
	rsp, err := h.client.CommandSync(CmdDataSender, params, time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if rsp.ReturnCode != RCOk {
		t.Fatalf("rc = %d", rsp.ReturnCode)
	}
	if len(rsp.Payload) != 64 {
		t.Fatalf("payload %d bytes, want 64", len(rsp.Payload))
	}
	for i, b := range rsp.Payload {
		if b != byte(i) {
			t.Fatalf("payload[%d] = %#02x", i, b)
		}
	}
}

func startReceiver(t *testing.T, h *harness, size uint32, ackPeriod uint8) (uint32, chan *Response) {
	t.Helper()
	params := binary.LittleEndian.AppendUint32(nil, size)
	params = append(params, ackPeriod)
	done := make(chan *Response, 1)
	reqID, err := h.client.CommandQueue(CmdDataReceiver, params, func(_ uint32, rsp *Response) {
		done <- rsp
	}, time.Second, 10*time.Second)
	if err != nil {
		t.Fatalf("data_receiver queue: %v", err)
	}
	ready, err := h.client.AckWait(reqID, 2*time.Second)
	if err != nil {
		t.Fatalf("ready ack: %v", err)
	}
	if ready.AckPeriod != ackPeriod {
		t.Fatalf("ready ack period = %d, want %d", ready.AckPeriod, ackPeriod)
	}
	return reqID, done
}

func TestBulkUpload(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i * 7)
	}
	reqID, done := startReceiver(t, h, 2048, 4)

	err := h.client.DataQueueAutoLoad(reqID, 2048, func(offset uint32, buf []byte) (int, error) {
		return copy(buf, data[offset:]), nil
	}, AutoLoadConfig{ChunkSize: 512, AckPeriod: 4})
	if err != nil {
		t.Fatalf("auto load: %v", err)
	}

	var rsp *Response
	select {
	case rsp = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
	if rsp == nil {
		t.Fatal("request timed out")
	}
	if rsp.ReturnCode != RCOk {
		t.Fatalf("rc = %d", rsp.ReturnCode)
	}
	if len(rsp.Payload) != 8 {
		t.Fatalf("payload %d bytes, want 8", len(rsp.Payload))
	}
	if got := binary.LittleEndian.Uint32(rsp.Payload[0:4]); got != 2048 {
		t.Fatalf("received length = %d, want 2048", got)
	}
	want := crc32.ChecksumIEEE(data)
	if got := binary.LittleEndian.Uint32(rsp.Payload[4:8]); got != want {
		t.Fatalf("crc = %#08x, want %#08x", got, want)
	}
}

func TestUploadAckCadence(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	const chunk = 256
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i)
	}
	reqID, done := startReceiver(t, h, 2048, 4)

	// First ack window: frames at offsets 0..768.
	for off := uint32(0); off < 1024; off += chunk {
		if err := h.client.DataQueue(reqID, off, data[off:off+chunk]); err != nil {
			t.Fatalf("data at %d: %v", off, err)
		}
	}
	ack, err := h.client.AckWait(reqID, 2*time.Second)
	if err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if ack.Offset != 768 {
		t.Fatalf("first ack offset = %d, want 768", ack.Offset)
	}
	if ack.AckPeriod != 4 {
		t.Fatalf("ack period = %d, want 4", ack.AckPeriod)
	}

	// Second window ends the transfer; the final frame is always
	// acknowledged.
	for off := uint32(1024); off < 2048; off += chunk {
		if err := h.client.DataQueue(reqID, off, data[off:off+chunk]); err != nil {
			t.Fatalf("data at %d: %v", off, err)
		}
	}
	ack, err = h.client.AckWait(reqID, 2*time.Second)
	if err != nil {
		t.Fatalf("final ack: %v", err)
	}
	if ack.Offset != 1792 {
		t.Fatalf("final ack offset = %d, want 1792", ack.Offset)
	}

	select {
	case rsp := <-done:
		if rsp == nil {
			t.Fatal("request timed out")
		}
		if rsp.ReturnCode != RCOk {
			t.Fatalf("rc = %d", rsp.ReturnCode)
		}
		if got := binary.LittleEndian.Uint32(rsp.Payload[4:8]); got != crc32.ChecksumIEEE(data) {
			t.Fatalf("crc mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
}

func TestOutOfOrderDataDropped(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	reqID, done := startReceiver(t, h, 512, 1)

	// A frame at the wrong offset is dropped without being counted.
	if err := h.client.DataQueue(reqID, 256, data[256:]); err != nil {
		t.Fatalf("stray frame: %v", err)
	}
	if err := h.client.DataQueue(reqID, 0, data[:256]); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	if _, err := h.client.AckWait(reqID, 2*time.Second); err != nil {
		t.Fatalf("ack 0: %v", err)
	}
	if err := h.client.DataQueue(reqID, 256, data[256:]); err != nil {
		t.Fatalf("frame 1: %v", err)
	}

	select {
	case rsp := <-done:
		if rsp == nil {
			t.Fatal("request timed out")
		}
		if rsp.ReturnCode != RCOk {
			t.Fatalf("rc = %d", rsp.ReturnCode)
		}
		if got := binary.LittleEndian.Uint32(rsp.Payload[4:8]); got != crc32.ChecksumIEEE(data) {
			t.Fatalf("crc mismatch, stray frame was counted")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
}

func TestSlotExhaustion(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.serverEnd.Drop()

	cb := func(uint32, *Response) {}
	for i := 0; i < 4; i++ {
		if _, err := h.client.CommandQueue(CmdEcho, nil, cb, 0, 10*time.Second); err != nil {
			t.Fatalf("queue %d: %v", i, err)
		}
	}
	if _, err := h.client.CommandQueue(CmdEcho, nil, cb, 0, 10*time.Second); err != ErrNoSlots {
		t.Fatalf("err = %v, want ErrNoSlots", err)
	}
}

func TestKVReadWriteViaDispatch(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	// Drive the kv handlers directly at device auth; the transport
	// path for auth rejection is covered separately.
	writeParams := binary.LittleEndian.AppendUint16(nil, 0x0042)
	writeParams = append(writeParams, 0xDE, 0xAD)
	env := &BuiltinEnv{KV: h.serverKV}
	ctx := &RequestCtx{Params: writeParams, Auth: epacket.AuthDevice}
	if _, rc := env.cmdKVWrite(ctx); rc != RCOk {
		t.Fatalf("write rc = %d", rc)
	}

	readParams := binary.LittleEndian.AppendUint16(nil, 0x0042)
	payload, rc := env.cmdKVRead(&RequestCtx{Params: readParams, Auth: epacket.AuthDevice})
	if rc != RCOk {
		t.Fatalf("read rc = %d", rc)
	}
	if !bytes.Equal(payload, []byte{0xDE, 0xAD}) {
		t.Fatalf("value = % X", payload)
	}

	// Deleting and re-reading reports no entry.
	if _, rc := env.cmdKVWrite(&RequestCtx{Params: readParams, Auth: epacket.AuthDevice}); rc != RCOk {
		t.Fatalf("delete rc = %d", rc)
	}
	if _, rc := env.cmdKVRead(&RequestCtx{Params: readParams, Auth: epacket.AuthDevice}); rc != RCNoEntry {
		t.Fatalf("read-after-delete rc = %d", rc)
	}
}

func TestDuplicateRequestIDDropped(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	var calls atomic.Int32
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	h.server.Register(0x0300, CommandHandler{
		Name:    "block",
		MinAuth: epacket.AuthNetwork,
		Func: func(ctx *RequestCtx) ([]byte, int16) {
			calls.Add(1)
			entered <- struct{}{}
			<-release
			return nil, RCOk
		},
	})

	// Inject commands below the transport so the request id can be
	// fixed, as a retransmitting client would produce.
	inject := func() {
		p, err := h.serverMgr.AllocTxForInterface(h.serverIf, time.Second)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		p.Buf.AddMem(appendRequest(nil, requestHeader{RequestID: 0x42, CommandID: 0x0300}))
		p.RX.Auth = epacket.AuthNetwork
		p.RX.Interface = h.serverIf
		p.RX.Peer = epacket.LoopbackAddr("retransmit")
		h.server.HandleCommand(p)
	}

	inject()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	// Retransmit while the first handler is still running.
	inject()
	select {
	case <-entered:
		t.Fatal("duplicate request id started a second handler")
	case <-time.After(300 * time.Millisecond):
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	close(release)

	// Once the first handler finishes the request id is usable again.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.server.mu.Lock()
		_, active := h.server.dataRoutes[0x42]
		h.server.mu.Unlock()
		if !active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("data route not cleared after completion")
		}
		time.Sleep(10 * time.Millisecond)
	}
	inject()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request id not reusable after completion")
	}
}
