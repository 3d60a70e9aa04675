package rpc

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/epoch"
	"github.com/danmuck/embercore/internal/kv"
)

// BuiltinEnv supplies the collaborators the builtin commands need.
// Nil fields disable the commands that depend on them.
type BuiltinEnv struct {
	KV          *kv.Store
	Version     uint32
	Started     time.Time
	RebootCount uint32
}

// RegisterBuiltins installs the core command set on the server.
func RegisterBuiltins(s *Server, env *BuiltinEnv) {
	if env == nil {
		env = &BuiltinEnv{Started: time.Now()}
	}
	s.Register(CmdEcho, CommandHandler{
		Name:    "echo",
		MinAuth: epacket.AuthNetwork,
		Func:    cmdEcho,
	})
	s.Register(CmdApplicationInfo, CommandHandler{
		Name:    "application_info",
		MinAuth: epacket.AuthNetwork,
		Func:    env.cmdApplicationInfo,
	})
	s.Register(CmdTimeGet, CommandHandler{
		Name:    "time_get",
		MinAuth: epacket.AuthNetwork,
		Func:    cmdTimeGet,
	})
	s.Register(CmdTimeSet, CommandHandler{
		Name:    "time_set",
		MinAuth: epacket.AuthDevice,
		Func:    cmdTimeSet,
	})
	s.Register(CmdKVRead, CommandHandler{
		Name:    "kv_read",
		MinAuth: epacket.AuthDevice,
		Func:    env.cmdKVRead,
	})
	s.Register(CmdKVWrite, CommandHandler{
		Name:    "kv_write",
		MinAuth: epacket.AuthDevice,
		Func:    env.cmdKVWrite,
	})
	s.Register(CmdDataReceiver, CommandHandler{
		Name:    "data_receiver",
		MinAuth: epacket.AuthNetwork,
		Func:    cmdDataReceiver,
	})
	s.Register(CmdDataSender, CommandHandler{
		Name:    "data_sender",
		MinAuth: epacket.AuthNetwork,
		Func:    cmdDataSender,
	})
}

func cmdEcho(ctx *RequestCtx) ([]byte, int16) {
	return ctx.Params, RCOk
}

// Response: version u32, uptime_seconds u32, reboot_count u32.
func (e *BuiltinEnv) cmdApplicationInfo(ctx *RequestCtx) ([]byte, int16) {
	out := binary.LittleEndian.AppendUint32(nil, e.Version)
	out = binary.LittleEndian.AppendUint32(out, uint32(time.Since(e.Started)/time.Second))
	out = binary.LittleEndian.AppendUint32(out, e.RebootCount)
	return out, RCOk
}

// Response: epoch time u64.
func cmdTimeGet(ctx *RequestCtx) ([]byte, int16) {
	return binary.LittleEndian.AppendUint64(nil, epoch.Now()), RCOk
}

// Params: epoch time u64.
func cmdTimeSet(ctx *RequestCtx) ([]byte, int16) {
	if len(ctx.Params) < 8 {
		return nil, RCInvalidInput
	}
	epoch.SetReference(binary.LittleEndian.Uint64(ctx.Params[0:8]))
	return nil, RCOk
}

// Params: key u16. Response: value bytes.
func (e *BuiltinEnv) cmdKVRead(ctx *RequestCtx) ([]byte, int16) {
	if e.KV == nil {
		return nil, RCUnknownCommand
	}
	if len(ctx.Params) < 2 {
		return nil, RCInvalidInput
	}
	key := binary.LittleEndian.Uint16(ctx.Params[0:2])
	data, err := e.KV.Read(key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return nil, RCNoEntry
	case errors.Is(err, kv.ErrNotPermitted):
		return nil, RCNotPermitted
	case err != nil:
		return nil, RCNotAccessible
	}
	return data, RCOk
}

// Params: key u16, value bytes. Empty value deletes the key.
func (e *BuiltinEnv) cmdKVWrite(ctx *RequestCtx) ([]byte, int16) {
	if e.KV == nil {
		return nil, RCUnknownCommand
	}
	if len(ctx.Params) < 2 {
		return nil, RCInvalidInput
	}
	key := binary.LittleEndian.Uint16(ctx.Params[0:2])
	value := ctx.Params[2:]
	var err error
	if len(value) == 0 {
		err = e.KV.Delete(key)
	} else {
		_, err = e.KV.Write(key, value)
	}
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return nil, RCNoEntry
	case errors.Is(err, kv.ErrNotPermitted):
		return nil, RCNotPermitted
	case err != nil:
		return nil, RCNotAccessible
	}
	return nil, RCOk
}

// cmdDataReceiver accepts a bulk upload. Params: size u32,
// rx_ack_period u8. The payload is discarded after feeding a running
// CRC. Response: received_len u32, received_crc u32.
func cmdDataReceiver(ctx *RequestCtx) ([]byte, int16) {
	if len(ctx.Params) < 5 {
		return nil, RCInvalidInput
	}
	size := binary.LittleEndian.Uint32(ctx.Params[0:4])
	ackPeriod := ctx.Params[4]
	if ackPeriod == 0 {
		ackPeriod = 1
	}

	ctx.SetTransfer(size, ackPeriod)
	ctx.RequestUnref()
	ctx.AckDataReady()

	crc := crc32.NewIEEE()
	var received uint32
	for received < size {
		chunk, _, err := ctx.PullData(5 * time.Second)
		if err != nil {
			break
		}
		crc.Write(chunk)
		received += uint32(len(chunk))
	}

	out := binary.LittleEndian.AppendUint32(nil, received)
	out = binary.LittleEndian.AppendUint32(out, crc.Sum32())
	if received < size {
		return out, RCTimeout
	}
	return out, RCOk
}

// cmdDataSender generates a deterministic pattern for link testing.
// Params: size u32. The pattern is returned inline in the response,
// capped to the response payload capacity.
func cmdDataSender(ctx *RequestCtx) ([]byte, int16) {
	if len(ctx.Params) < 4 {
		return nil, RCInvalidInput
	}
	size := binary.LittleEndian.Uint32(ctx.Params[0:4])
	limit := uint32(ctx.srv.responseCapacity(ctx.iface))
	if size > limit {
		size = limit
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(i)
	}
	return out, RCOk
}

// responseCapacity is the largest response payload the interface can
// carry after the response envelope.
func (s *Server) responseCapacity(iface *epacket.Interface) int {
	n := iface.MaxPacketSize() - rspHeaderLen
	if n < 0 {
		return 0
	}
	return n
}
