// Package rpc implements the request/response/streamed-data protocol
// layered on the packet transport. The client tracks in-flight
// requests with timeouts; the server runs registered command handlers
// with pipelined bulk data reception.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNoSlots        = errors.New("rpc: no free request slots")
	ErrTimeout        = errors.New("rpc: timed out")
	ErrUnknownRequest = errors.New("rpc: unknown request id")
	ErrShortPacket    = errors.New("rpc: truncated packet")
	ErrClosed         = errors.New("rpc: closed")
)

// Builtin command identifiers.
const (
	CmdEcho            uint16 = 0x0100
	CmdApplicationInfo uint16 = 0x0101
	CmdTimeGet         uint16 = 0x0110
	CmdTimeSet         uint16 = 0x0111
	CmdKVRead          uint16 = 0x0120
	CmdKVWrite         uint16 = 0x0121
	CmdDataReceiver    uint16 = 0x0200
	CmdDataSender      uint16 = 0x0201
)

// Response return codes follow negative-errno conventions.
const (
	RCOk             int16 = 0
	RCNotPermitted   int16 = -1
	RCNoEntry        int16 = -2
	RCNoMemory       int16 = -12
	RCNotAccessible  int16 = -13
	RCInvalidInput   int16 = -22
	RCUnknownCommand int16 = -38
	RCTimeout        int16 = -110
)

// Wire envelope sizes, all fields little-endian.
const (
	reqHeaderLen  = 6 // request_id u32, command_id u16
	rspHeaderLen  = 8 // request_id u32, command_id u16, return_code i16
	dataHeaderLen = 8 // request_id u32, offset u32
	ackLen        = 9 // request_id u32, offset u32, ack_period u8
)

type requestHeader struct {
	RequestID uint32
	CommandID uint16
}

func parseRequest(b []byte) (requestHeader, []byte, error) {
	if len(b) < reqHeaderLen {
		return requestHeader{}, nil, fmt.Errorf("%w: request %d bytes", ErrShortPacket, len(b))
	}
	return requestHeader{
		RequestID: binary.LittleEndian.Uint32(b[0:4]),
		CommandID: binary.LittleEndian.Uint16(b[4:6]),
	}, b[reqHeaderLen:], nil
}

func appendRequest(b []byte, h requestHeader) []byte {
	b = binary.LittleEndian.AppendUint32(b, h.RequestID)
	return binary.LittleEndian.AppendUint16(b, h.CommandID)
}

type responseHeader struct {
	RequestID  uint32
	CommandID  uint16
	ReturnCode int16
}

func parseResponse(b []byte) (responseHeader, []byte, error) {
	if len(b) < rspHeaderLen {
		return responseHeader{}, nil, fmt.Errorf("%w: response %d bytes", ErrShortPacket, len(b))
	}
	return responseHeader{
		RequestID:  binary.LittleEndian.Uint32(b[0:4]),
		CommandID:  binary.LittleEndian.Uint16(b[4:6]),
		ReturnCode: int16(binary.LittleEndian.Uint16(b[6:8])),
	}, b[rspHeaderLen:], nil
}

func appendResponse(b []byte, h responseHeader) []byte {
	b = binary.LittleEndian.AppendUint32(b, h.RequestID)
	b = binary.LittleEndian.AppendUint16(b, h.CommandID)
	return binary.LittleEndian.AppendUint16(b, uint16(h.ReturnCode))
}

type dataHeader struct {
	RequestID uint32
	Offset    uint32
}

func parseData(b []byte) (dataHeader, []byte, error) {
	if len(b) < dataHeaderLen {
		return dataHeader{}, nil, fmt.Errorf("%w: data %d bytes", ErrShortPacket, len(b))
	}
	return dataHeader{
		RequestID: binary.LittleEndian.Uint32(b[0:4]),
		Offset:    binary.LittleEndian.Uint32(b[4:8]),
	}, b[dataHeaderLen:], nil
}

func appendData(b []byte, h dataHeader) []byte {
	b = binary.LittleEndian.AppendUint32(b, h.RequestID)
	return binary.LittleEndian.AppendUint32(b, h.Offset)
}

type ackHeader struct {
	RequestID uint32
	Offset    uint32
	AckPeriod uint8
}

func parseAck(b []byte) (ackHeader, error) {
	if len(b) < ackLen {
		return ackHeader{}, fmt.Errorf("%w: ack %d bytes", ErrShortPacket, len(b))
	}
	return ackHeader{
		RequestID: binary.LittleEndian.Uint32(b[0:4]),
		Offset:    binary.LittleEndian.Uint32(b[4:8]),
		AckPeriod: b[8],
	}, nil
}

func appendAck(b []byte, h ackHeader) []byte {
	b = binary.LittleEndian.AppendUint32(b, h.RequestID)
	b = binary.LittleEndian.AppendUint32(b, h.Offset)
	return append(b, h.AckPeriod)
}
