package rpc

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/observability"
)

// requestCounter is process-wide so request ids never collide across
// clients. Seeded randomly; zero is never issued.
var requestCounter atomic.Uint32

func init() {
	var seed [4]byte
	rand.Read(seed[:])
	requestCounter.Store(binary.LittleEndian.Uint32(seed[:]))
}

func nextRequestID() uint32 {
	for {
		id := requestCounter.Add(1)
		if id != 0 {
			return id
		}
	}
}

// Response is delivered to the command callback. A nil Response means
// the request timed out.
type Response struct {
	CommandID  uint16
	ReturnCode int16
	Payload    []byte
}

// Callback runs on the transport's processor goroutine and must not
// block. It fires exactly once per request.
type Callback func(requestID uint32, rsp *Response)

type slot struct {
	requestID       uint32
	commandID       uint16
	callback        Callback
	responseTimeout time.Duration
	timer           *time.Timer
	acks            chan ackHeader
	completed       bool
}

// Client issues commands over one interface to one peer.
type Client struct {
	mgr   *epacket.Manager
	iface *epacket.Interface
	dest  net.Addr
	log   zerolog.Logger

	// semaphore gates the fixed in-flight slot count.
	semaphore chan struct{}

	mu       sync.Mutex
	inflight map[uint32]*slot
	closed   bool
}

// NewClient binds a client to a transport interface and destination
// address. maxInflight caps concurrent outstanding requests.
func NewClient(mgr *epacket.Manager, iface *epacket.Interface, dest net.Addr, maxInflight int) *Client {
	if maxInflight <= 0 {
		maxInflight = 4
	}
	return &Client{
		mgr:       mgr,
		iface:     iface,
		dest:      dest,
		log:       log.With().Str("component", "rpc_client").Logger(),
		semaphore: make(chan struct{}, maxInflight),
		inflight:  make(map[uint32]*slot),
	}
}

// HandlePacket consumes RPC_RSP and RPC_DATA_ACK packets from the
// transport dispatch.
func (c *Client) HandlePacket(p *epacket.Packet) {
	defer p.Release()
	switch p.RX.Type {
	case epacket.TypeRPCRsp:
		hdr, payload, err := parseResponse(p.Buf.Bytes())
		if err != nil {
			c.log.Warn().Err(err).Msg("bad response")
			return
		}
		c.completeResponse(hdr, payload)
	case epacket.TypeRPCDataAck:
		hdr, err := parseAck(p.Buf.Bytes())
		if err != nil {
			c.log.Warn().Err(err).Msg("bad ack")
			return
		}
		c.handleAck(hdr)
	}
}

// CommandQueue claims a request slot, transmits the command, and arms
// the response timer. claimTimeout bounds the wait for a free slot.
func (c *Client) CommandQueue(cmdID uint16, params []byte, cb Callback, claimTimeout, responseTimeout time.Duration) (uint32, error) {
	if err := c.claim(claimTimeout); err != nil {
		return 0, err
	}

	s := &slot{
		requestID:       nextRequestID(),
		commandID:       cmdID,
		callback:        cb,
		responseTimeout: responseTimeout,
		acks:            make(chan ackHeader, 8),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.releaseSem()
		return 0, ErrClosed
	}
	c.inflight[s.requestID] = s
	c.mu.Unlock()

	if err := c.send(epacket.TypeRPCCmd, appendRequest(nil, requestHeader{
		RequestID: s.requestID,
		CommandID: cmdID,
	}), params); err != nil {
		c.drop(s.requestID)
		return 0, err
	}

	s.timer = time.AfterFunc(responseTimeout, func() { c.timeout(s.requestID) })
	c.log.Debug().
		Uint32("request_id", s.requestID).
		Hex("command", []byte{byte(cmdID >> 8), byte(cmdID)}).
		Msg("command queued")
	return s.requestID, nil
}

// CommandSync issues a command and blocks for the response or timeout.
func (c *Client) CommandSync(cmdID uint16, params []byte, claimTimeout, responseTimeout time.Duration) (*Response, error) {
	done := make(chan *Response, 1)
	_, err := c.CommandQueue(cmdID, params, func(_ uint32, rsp *Response) {
		done <- rsp
	}, claimTimeout, responseTimeout)
	if err != nil {
		return nil, err
	}
	rsp := <-done
	if rsp == nil {
		return nil, ErrTimeout
	}
	return rsp, nil
}

// DataQueue transmits one RPC_DATA frame for the request. The caller
// chunks data to the interface MTU.
func (c *Client) DataQueue(requestID uint32, offset uint32, data []byte) error {
	c.mu.Lock()
	_, ok := c.inflight[requestID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	return c.send(epacket.TypeRPCData, appendData(nil, dataHeader{
		RequestID: requestID,
		Offset:    offset,
	}), data)
}

// AckWait blocks until the next DATA_ACK for the request arrives.
func (c *Client) AckWait(requestID uint32, timeout time.Duration) (ackHeader, error) {
	c.mu.Lock()
	s, ok := c.inflight[requestID]
	c.mu.Unlock()
	if !ok {
		return ackHeader{}, ErrUnknownRequest
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ack := <-s.acks:
		return ack, nil
	case <-t.C:
		return ackHeader{}, ErrTimeout
	}
}

// LoaderFunc fills buf with data starting at offset, returning the
// number of bytes produced; zero ends the stream.
type LoaderFunc func(offset uint32, buf []byte) (int, error)

// AutoLoadConfig tunes DataQueueAutoLoad.
type AutoLoadConfig struct {
	// ChunkSize bounds each data frame payload. Defaults to the
	// interface limit.
	ChunkSize int
	// AckPeriod is the server's acknowledgement interval in frames.
	AckPeriod uint8
	// Pipelining allows this many unacknowledged ack windows in
	// flight. Minimum 1.
	Pipelining int
	// AckTimeout bounds each wait for a DATA_ACK.
	AckTimeout time.Duration
}

// DataQueueAutoLoad streams total bytes from loader, observing the
// server's ack period and the configured pipelining credit.
func (c *Client) DataQueueAutoLoad(requestID uint32, total uint32, loader LoaderFunc, cfg AutoLoadConfig) error {
	if cfg.AckPeriod == 0 {
		cfg.AckPeriod = 1
	}
	if cfg.Pipelining < 1 {
		cfg.Pipelining = 1
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	maxChunk := c.iface.MaxPacketSize() - dataHeaderLen
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > maxChunk {
		cfg.ChunkSize = maxChunk
	}

	buf := make([]byte, cfg.ChunkSize)
	var offset uint32
	framesSent := 0
	framesAcked := 0
	window := int(cfg.AckPeriod)
	credit := window * cfg.Pipelining

	for offset < total {
		n, err := loader(offset, buf)
		if err != nil {
			return fmt.Errorf("loader at %d: %w", offset, err)
		}
		if n == 0 {
			break
		}
		if err := c.DataQueue(requestID, offset, buf[:n]); err != nil {
			return err
		}
		offset += uint32(n)
		framesSent++

		// Block once the unacknowledged frame count exhausts the
		// pipelining credit.
		for framesSent-framesAcked*window >= credit && offset < total {
			if _, err := c.AckWait(requestID, cfg.AckTimeout); err != nil {
				return err
			}
			framesAcked++
		}
	}
	return nil
}

// Cleanup cancels every pending request. Each outstanding callback
// fires once with a nil response.
func (c *Client) Cleanup() {
	c.mu.Lock()
	c.closed = true
	pending := make([]*slot, 0, len(c.inflight))
	for _, s := range c.inflight {
		pending = append(pending, s)
	}
	c.mu.Unlock()
	for _, s := range pending {
		c.timeout(s.requestID)
	}
}

func (c *Client) claim(timeout time.Duration) error {
	if timeout <= 0 {
		select {
		case c.semaphore <- struct{}{}:
			return nil
		default:
			return ErrNoSlots
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.semaphore <- struct{}{}:
		return nil
	case <-t.C:
		return ErrNoSlots
	}
}

func (c *Client) releaseSem() {
	select {
	case <-c.semaphore:
	default:
	}
}

func (c *Client) send(t epacket.Type, header, payload []byte) error {
	pkt, err := c.mgr.AllocTxForInterface(c.iface, time.Second)
	if err != nil {
		return err
	}
	if err := pkt.Buf.AddMem(header); err != nil {
		pkt.Release()
		return err
	}
	if err := pkt.Buf.AddMem(payload); err != nil {
		pkt.Release()
		return err
	}
	var sendErr error
	pkt.TX.Done = func(err error) { sendErr = err }
	pkt.SetTxMetadata(epacket.AuthNetwork, 0, t, c.dest)
	c.mgr.Queue(c.iface, pkt)
	return sendErr
}

// completeResponse finishes a request with its response payload.
func (c *Client) completeResponse(hdr responseHeader, payload []byte) {
	s := c.drop(hdr.RequestID)
	if s == nil {
		c.log.Debug().Uint32("request_id", hdr.RequestID).Msg("response for unknown request")
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.callback != nil {
		s.callback(s.requestID, &Response{
			CommandID:  hdr.CommandID,
			ReturnCode: hdr.ReturnCode,
			Payload:    append([]byte(nil), payload...),
		})
	}
}

// handleAck extends the response timer and wakes any AckWait.
func (c *Client) handleAck(hdr ackHeader) {
	c.mu.Lock()
	s, ok := c.inflight[hdr.RequestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if s.timer != nil {
		s.timer.Reset(s.responseTimeout)
	}
	select {
	case s.acks <- hdr:
	default:
	}
}

// timeout fires the callback exactly once with a nil response.
func (c *Client) timeout(requestID uint32) {
	s := c.drop(requestID)
	if s == nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	observability.RecordRPCTimeout()
	c.log.Warn().Uint32("request_id", requestID).Msg("request timed out")
	if s.callback != nil {
		s.callback(s.requestID, nil)
	}
}

// drop removes the slot from the in-flight table and frees its permit.
func (c *Client) drop(requestID uint32) *slot {
	c.mu.Lock()
	s, ok := c.inflight[requestID]
	if ok && !s.completed {
		s.completed = true
		delete(c.inflight, requestID)
	} else {
		s = nil
	}
	c.mu.Unlock()
	if s != nil {
		c.releaseSem()
	}
	return s
}
