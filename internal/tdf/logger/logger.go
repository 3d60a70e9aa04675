// Package logger buffers encoded TDF entries per output interface and
// ships each full buffer as a single TDF ePacket.
package logger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/observability"
	"github.com/danmuck/embercore/internal/tdf"
)

var ErrNoOutput = errors.New("tdflogger: no output for mask")

// Loggers are addressed by bit position in a mask, one output per bit.
type Mask uint8

// MaskAll addresses every configured output.
const MaskAll Mask = 0xFF

const (
	// flushMargin triggers a flush before logging when the buffer is
	// within one minimum-size entry of capacity.
	flushMargin = 20

	remotePrefixLen = 8
)

// Output is one buffered TDF destination.
type Output struct {
	mgr   *epacket.Manager
	iface *epacket.Interface
	auth  epacket.Auth
	// remoteID prefixes flushed buffers for data logged on behalf of
	// another device; zero means local.
	remoteID uint64

	mu    sync.Mutex
	state *tdf.State
	log   zerolog.Logger
}

// Config describes one output of a Set.
type Config struct {
	Interface *epacket.Interface
	Auth      epacket.Auth
	RemoteID  uint64
}

// Set owns up to eight outputs addressed by mask bits.
type Set struct {
	mgr     *epacket.Manager
	outputs [8]*Output
}

func NewSet(mgr *epacket.Manager, cfgs []Config) (*Set, error) {
	if len(cfgs) == 0 || len(cfgs) > 8 {
		return nil, fmt.Errorf("tdflogger: %d outputs unsupported", len(cfgs))
	}
	s := &Set{mgr: mgr}
	for i, cfg := range cfgs {
		capacity := cfg.Interface.MaxPacketSize()
		if cfg.RemoteID != 0 {
			capacity -= remotePrefixLen
		}
		if capacity <= flushMargin {
			return nil, fmt.Errorf("tdflogger: interface %s too small", cfg.Interface.Name())
		}
		auth := cfg.Auth
		if auth == epacket.AuthFailure {
			auth = epacket.AuthNetwork
		}
		s.outputs[i] = &Output{
			mgr:      mgr,
			iface:    cfg.Interface,
			auth:     auth,
			remoteID: cfg.RemoteID,
			state:    tdf.NewState(capacity),
			log: log.With().
				Str("component", "tdf_logger").
				Str("interface", cfg.Interface.Name()).
				Logger(),
		}
	}
	return s, nil
}

// Log appends a single sample to every output selected by mask.
func (s *Set) Log(mask Mask, id uint16, tdfLen uint8, t uint64, data []byte) error {
	return s.LogArray(mask, id, tdfLen, 1, t, 0, data, tdf.FormatSingle)
}

// LogArray appends an array sample to every output selected by mask.
// A full buffer is flushed and the append retried once.
func (s *Set) LogArray(mask Mask, id uint16, tdfLen uint8, num uint8, t uint64, period uint32, data []byte, format tdf.Format) error {
	matched := false
	for i, out := range s.outputs {
		if out == nil || mask&(1<<i) == 0 {
			continue
		}
		matched = true
		if err := out.logArray(id, tdfLen, num, t, period, data, format); err != nil {
			return err
		}
	}
	if !matched {
		return ErrNoOutput
	}
	return nil
}

func (o *Output) logArray(id uint16, tdfLen uint8, num uint8, t uint64, period uint32, data []byte, format tdf.Format) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	// Flush ahead of time once the buffer is nearly full.
	if o.state.Buf.Len() > 0 && o.state.Buf.Tailroom() < flushMargin {
		if err := o.flushLocked(0); err != nil {
			return err
		}
	}

	_, err := tdf.Add(o.state, id, tdfLen, num, t, period, data, format)
	if errors.Is(err, tdf.ErrNoMemory) && o.state.Buf.Len() > 0 {
		if err := o.flushLocked(0); err != nil {
			return err
		}
		_, err = tdf.Add(o.state, id, tdfLen, num, t, period, data, format)
	}
	return err
}

// Flush transmits any buffered bytes on the outputs selected by mask.
func (s *Set) Flush(mask Mask) error {
	var firstErr error
	for i, out := range s.outputs {
		if out == nil || mask&(1<<i) == 0 {
			continue
		}
		out.mu.Lock()
		err := out.flushLocked(time.Second)
		out.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushLocked ships the buffer as one TDF packet. On failure the
// buffer is preserved for retry.
func (o *Output) flushLocked(allocTimeout time.Duration) error {
	if o.state.Buf.Len() == 0 {
		return nil
	}
	pkt, err := o.mgr.AllocTxForInterface(o.iface, allocTimeout)
	if err != nil {
		return fmt.Errorf("tdflogger: alloc: %w", err)
	}
	if o.remoteID != 0 {
		if err := pkt.Buf.AddLE64(o.remoteID); err != nil {
			pkt.Release()
			return err
		}
	}
	if err := pkt.Buf.AddMem(o.state.Buf.Bytes()); err != nil {
		pkt.Release()
		return err
	}
	pkt.SetTxMetadata(o.auth, 0, epacket.TypeTDF, nil)
	o.mgr.Queue(o.iface, pkt)
	observability.RecordTDFFlush(o.iface.Name())
	o.log.Debug().Int("bytes", o.state.Buf.Len()).Msg("flushed")
	o.state.Reset()
	return nil
}

// Buffered reports the bytes currently pending on the output for the
// given bit.
func (s *Set) Buffered(bit int) int {
	if bit < 0 || bit >= len(s.outputs) || s.outputs[bit] == nil {
		return 0
	}
	o := s.outputs[bit]
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Buf.Len()
}
