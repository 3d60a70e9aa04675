package rpc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/observability"
	"github.com/danmuck/embercore/internal/watchdog"
)

// HandlerFunc executes one command. Its return values form the
// response unless the handler already responded through EarlyResponse,
// in which case they are discarded.
type HandlerFunc func(ctx *RequestCtx) (payload []byte, rc int16)

// CommandHandler couples a handler with its dispatch policy.
type CommandHandler struct {
	Name    string
	MinAuth epacket.Auth
	Func    HandlerFunc
}

// UserDispatch maps unregistered command ids to handlers, letting the
// application own its command taxonomy.
type UserDispatch func(commandID uint16) (CommandHandler, bool)

type ServerConfig struct {
	// Runners is the command task pool size.
	Runners int
	// CommandQueueDepth bounds pending commands.
	CommandQueueDepth int
	// DataQueueDepth bounds undelivered data frames per request.
	DataQueueDepth int
	// Watchdog, when set, is fed from the runner loops.
	Watchdog *watchdog.Monitor
}

func (c *ServerConfig) applyDefaults() {
	if c.Runners == 0 {
		c.Runners = 2
	}
	if c.CommandQueueDepth == 0 {
		c.CommandQueueDepth = 8
	}
	if c.DataQueueDepth == 0 {
		c.DataQueueDepth = 8
	}
}

// Server dequeues received commands into a runner pool and routes data
// frames to the handler consuming them.
type Server struct {
	mgr *epacket.Manager
	cfg ServerConfig
	log zerolog.Logger

	cmdQueue chan *epacket.Packet

	mu       sync.Mutex
	handlers map[uint16]CommandHandler
	user     UserDispatch
	// dataRoutes fan received data frames out per active request.
	dataRoutes map[uint32]chan *epacket.Packet
	closed     bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewServer(mgr *epacket.Manager, cfg ServerConfig) *Server {
	cfg.applyDefaults()
	s := &Server{
		mgr:        mgr,
		cfg:        cfg,
		log:        log.With().Str("component", "rpc_server").Logger(),
		cmdQueue:   make(chan *epacket.Packet, cfg.CommandQueueDepth),
		handlers:   make(map[uint16]CommandHandler),
		dataRoutes: make(map[uint32]chan *epacket.Packet),
		stop:       make(chan struct{}),
	}
	RegisterBuiltins(s, nil)
	for i := 0; i < cfg.Runners; i++ {
		name := fmt.Sprintf("rpc_runner_%d", i)
		if cfg.Watchdog != nil {
			cfg.Watchdog.Install(name, 30*time.Second)
		}
		s.wg.Add(1)
		go s.runner(name)
	}
	return s
}

// Register adds or replaces a command handler.
func (s *Server) Register(commandID uint16, h CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[commandID] = h
}

// SetUserDispatch installs the application command lookup.
func (s *Server) SetUserDispatch(d UserDispatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = d
}

// HandleCommand consumes RPC_CMD packets from transport dispatch.
func (s *Server) HandleCommand(p *epacket.Packet) {
	select {
	case s.cmdQueue <- p:
	default:
		s.log.Warn().Msg("command queue full, dropping")
		p.Release()
	}
}

// HandleData consumes RPC_DATA packets from transport dispatch,
// routing each to the handler pulling it.
func (s *Server) HandleData(p *epacket.Packet) {
	hdr, _, err := parseData(p.Buf.Bytes())
	if err != nil {
		s.log.Warn().Err(err).Msg("bad data frame")
		p.Release()
		return
	}
	s.mu.Lock()
	route := s.dataRoutes[hdr.RequestID]
	s.mu.Unlock()
	if route == nil {
		s.log.Debug().Uint32("request_id", hdr.RequestID).Msg("data for inactive request")
		p.Release()
		return
	}
	select {
	case route <- p:
	default:
		s.log.Warn().Uint32("request_id", hdr.RequestID).Msg("data queue full, dropping")
		p.Release()
	}
}

// Close stops the runner pool. Queued commands are released.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	s.wg.Wait()
	for {
		select {
		case p := <-s.cmdQueue:
			p.Release()
		default:
			return
		}
	}
}

func (s *Server) runner(name string) {
	defer s.wg.Done()
	for {
		if s.cfg.Watchdog != nil {
			s.cfg.Watchdog.Feed(name)
		}
		select {
		case <-s.stop:
			return
		case p := <-s.cmdQueue:
			s.execute(name, p)
		case <-time.After(5 * time.Second):
			// Idle tick to keep the watchdog fed.
		}
	}
}

func (s *Server) lookup(commandID uint16) (CommandHandler, bool) {
	s.mu.Lock()
	h, ok := s.handlers[commandID]
	user := s.user
	s.mu.Unlock()
	if ok {
		return h, true
	}
	if user != nil {
		return user(commandID)
	}
	return CommandHandler{}, false
}

func (s *Server) execute(runner string, p *epacket.Packet) {
	hdr, params, err := parseRequest(p.Buf.Bytes())
	if err != nil {
		s.log.Warn().Err(err).Msg("bad command packet")
		p.Release()
		return
	}

	ctx := &RequestCtx{
		srv:       s,
		runner:    runner,
		RequestID: hdr.RequestID,
		CommandID: hdr.CommandID,
		Auth:      p.RX.Auth,
		Peer:      p.RX.Peer,
		iface:     p.RX.Interface,
		Params:    append([]byte(nil), params...),
		request:   p,
	}

	h, ok := s.lookup(hdr.CommandID)
	if !ok {
		s.log.Warn().
			Uint32("request_id", hdr.RequestID).
			Uint16("command", hdr.CommandID).
			Msg("unknown command")
		ctx.sendResponse(nil, RCUnknownCommand)
		ctx.finish()
		return
	}
	if ctx.Auth < h.MinAuth {
		s.log.Warn().
			Uint32("request_id", hdr.RequestID).
			Str("command", h.Name).
			Str("auth", ctx.Auth.String()).
			Msg("insufficient auth")
		ctx.sendResponse(nil, RCNotPermitted)
		ctx.finish()
		return
	}

	route := make(chan *epacket.Packet, s.cfg.DataQueueDepth)
	s.mu.Lock()
	if _, active := s.dataRoutes[hdr.RequestID]; active {
		s.mu.Unlock()
		// At most one handler task per request id; a retransmit while
		// the first is still running is dropped.
		s.log.Warn().
			Uint32("request_id", hdr.RequestID).
			Uint16("command", hdr.CommandID).
			Msg("request id already active, dropping")
		ctx.finish()
		return
	}
	s.dataRoutes[hdr.RequestID] = route
	s.mu.Unlock()
	ctx.dataCh = route

	start := time.Now()
	payload, rc := h.Func(ctx)
	if !ctx.responded {
		ctx.sendResponse(payload, rc)
	}
	observability.RecordRPC(h.Name, rc, time.Since(start))
	s.log.Debug().
		Uint32("request_id", hdr.RequestID).
		Str("command", h.Name).
		Int16("rc", rc).
		Dur("duration", time.Since(start)).
		Msg("command complete")

	s.mu.Lock()
	delete(s.dataRoutes, hdr.RequestID)
	s.mu.Unlock()
	for {
		select {
		case stale := <-route:
			stale.Release()
		default:
			ctx.finish()
			return
		}
	}
}

// RequestCtx is the execution context handed to a command handler.
type RequestCtx struct {
	RequestID uint32
	CommandID uint16
	Auth      epacket.Auth
	Peer      net.Addr
	Params    []byte

	srv       *Server
	runner    string
	iface     *epacket.Interface
	request   *epacket.Packet
	dataCh    chan *epacket.Packet
	responded bool
	released  bool

	expectedOffset uint32
	remaining      uint32
	ackPeriod      uint8
	framesSinceAck int
	unaligned      bool
}

// SetTransfer declares an incoming bulk transfer: total size and the
// acknowledgement interval promised to the client.
func (c *RequestCtx) SetTransfer(size uint32, ackPeriod uint8) {
	c.remaining = size
	c.ackPeriod = ackPeriod
	c.expectedOffset = 0
	c.framesSinceAck = 0
}

// AllowUnaligned relaxes the strict offset check on PullData.
func (c *RequestCtx) AllowUnaligned() { c.unaligned = true }

// AckDataReady signals the client that streaming may begin. The ack
// carries the period the server will acknowledge at.
func (c *RequestCtx) AckDataReady() {
	c.srv.sendAck(c.iface, c.Peer, ackHeader{
		RequestID: c.RequestID,
		AckPeriod: c.ackPeriod,
	})
}

// AckData acknowledges consumption through the given offset.
func (c *RequestCtx) AckData(offset uint32) {
	c.srv.sendAck(c.iface, c.Peer, ackHeader{
		RequestID: c.RequestID,
		Offset:    offset,
		AckPeriod: c.ackPeriod,
	})
}

// PullData blocks for the next data frame. Aligned mode drops frames
// whose offset does not match the running expectation. Acks are
// emitted every ack period and always for the final frame of a
// declared transfer.
func (c *RequestCtx) PullData(timeout time.Duration) ([]byte, uint32, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			return nil, 0, ErrTimeout
		case p := <-c.dataCh:
			hdr, payload, err := parseData(p.Buf.Bytes())
			if err != nil {
				p.Release()
				continue
			}
			if !c.unaligned && hdr.Offset != c.expectedOffset {
				c.srv.log.Debug().
					Uint32("request_id", c.RequestID).
					Uint32("offset", hdr.Offset).
					Uint32("expected", c.expectedOffset).
					Msg("out of order data frame dropped")
				p.Release()
				continue
			}
			data := append([]byte(nil), payload...)
			p.Release()

			if c.srv.cfg.Watchdog != nil {
				c.srv.cfg.Watchdog.Feed(c.runner)
			}
			c.expectedOffset = hdr.Offset + uint32(len(data))
			if c.remaining >= uint32(len(data)) {
				c.remaining -= uint32(len(data))
			} else {
				c.remaining = 0
			}
			c.framesSinceAck++

			last := c.remaining == 0
			if last || (c.ackPeriod > 0 && c.framesSinceAck >= int(c.ackPeriod)) {
				c.AckData(hdr.Offset)
				c.framesSinceAck = 0
			}
			return data, hdr.Offset, nil
		}
	}
}

// EarlyResponse sends the response before the handler returns, for
// long-running commands. The handler's eventual return values are
// discarded.
func (c *RequestCtx) EarlyResponse(payload []byte, rc int16) {
	c.sendResponse(payload, rc)
}

// RequestUnref releases the request packet buffer early.
func (c *RequestCtx) RequestUnref() {
	if !c.released && c.request != nil {
		c.request.Release()
		c.released = true
	}
}

func (c *RequestCtx) sendResponse(payload []byte, rc int16) {
	if c.responded {
		return
	}
	c.responded = true
	hdr := appendResponse(nil, responseHeader{
		RequestID:  c.RequestID,
		CommandID:  c.CommandID,
		ReturnCode: rc,
	})
	c.srv.sendTo(c.iface, c.Peer, epacket.TypeRPCRsp, hdr, payload)
}

func (c *RequestCtx) finish() {
	c.RequestUnref()
}

func (s *Server) sendAck(iface *epacket.Interface, peer net.Addr, hdr ackHeader) {
	s.sendTo(iface, peer, epacket.TypeRPCDataAck, appendAck(nil, hdr), nil)
}

func (s *Server) sendTo(iface *epacket.Interface, peer net.Addr, t epacket.Type, header, payload []byte) {
	pkt, err := s.mgr.AllocTxForInterface(iface, time.Second)
	if err != nil {
		s.log.Warn().Err(err).Msg("response alloc failed")
		return
	}
	if err := pkt.Buf.AddMem(header); err != nil {
		pkt.Release()
		return
	}
	if len(payload) > 0 {
		if err := pkt.Buf.AddMem(payload); err != nil {
			pkt.Release()
			s.log.Warn().Int("len", len(payload)).Msg("response payload too large")
			return
		}
	}
	pkt.SetTxMetadata(epacket.AuthNetwork, 0, t, peer)
	s.mgr.Queue(iface, pkt)
}
