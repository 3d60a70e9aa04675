// Package epacket implements the framed, authenticated message
// transport. Packets are encrypted with ChaCha20-Poly1305 under keys
// derived per interface and rotation from the device or network root.
package epacket

import (
	"errors"
	"net"

	"github.com/danmuck/embercore/internal/pktbuf"
)

var (
	ErrNoKey       = errors.New("epacket: no key for packet")
	ErrAuthFailure = errors.New("epacket: authentication failure")
	ErrNoBuffer    = errors.New("epacket: buffer pool exhausted")
	ErrTooLarge    = errors.New("epacket: payload exceeds interface MTU")
	ErrClosed      = errors.New("epacket: manager closed")
)

// Auth is the authentication level attached to a packet.
type Auth uint8

const (
	AuthFailure Auth = iota
	AuthNetwork
	AuthDevice
	AuthRemoteEncrypted
)

func (a Auth) String() string {
	switch a {
	case AuthNetwork:
		return "network"
	case AuthDevice:
		return "device"
	case AuthRemoteEncrypted:
		return "remote"
	default:
		return "failure"
	}
}

// Type identifies the payload carried by a packet.
type Type uint8

const (
	TypeEchoReq Type = iota + 1
	TypeEchoRsp
	TypeTDF
	TypeRPCCmd
	TypeRPCData
	TypeRPCRsp
	TypeRPCDataAck
	TypeKeyIDs
	TypeSerialLog
	TypeReceivedEpacket
)

func (t Type) String() string {
	switch t {
	case TypeEchoReq:
		return "echo_req"
	case TypeEchoRsp:
		return "echo_rsp"
	case TypeTDF:
		return "tdf"
	case TypeRPCCmd:
		return "rpc_cmd"
	case TypeRPCData:
		return "rpc_data"
	case TypeRPCRsp:
		return "rpc_rsp"
	case TypeRPCDataAck:
		return "rpc_data_ack"
	case TypeKeyIDs:
		return "key_ids"
	case TypeSerialLog:
		return "serial_log"
	case TypeReceivedEpacket:
		return "received_epacket"
	default:
		return "unknown"
	}
}

// Global packet flags. Bits 0-7 are interface specific.
const (
	FlagsEncryptionDevice  uint16 = 1 << 15
	FlagsEncryptionNetwork uint16 = 0
	FlagsAckRequest        uint16 = 1 << 14
	FlagsCloudForwarding   uint16 = 1 << 13
	FlagsCloudSelf         uint16 = 1 << 12
	FlagsInterfaceMask     uint16 = 0x00FF
)

// KeyIDReqMagic as a 1-byte payload prompts a TypeKeyIDs response
// listing the device key identifier.
const KeyIDReqMagic = 0x4D

// TxMeta is attached to a packet queued for transmission.
type TxMeta struct {
	Auth     Auth
	Type     Type
	Flags    uint16
	Sequence uint16
	Dest     net.Addr
	// Done runs once transmission completes or fails.
	Done func(err error)
}

// RxMeta is attached to a packet after decode.
type RxMeta struct {
	DeviceID      uint64
	GPSTime       uint32
	KeyIdentifier uint32
	Auth          Auth
	Type          Type
	Flags         uint16
	Interface     *Interface
	Peer          net.Addr
	RSSI          int16
	Sequence      uint16
}

// Packet is a pooled buffer with transmit or receive metadata.
type Packet struct {
	Buf *pktbuf.Buffer
	TX  TxMeta
	RX  RxMeta

	mgr *Manager
}

func (p *Packet) reset() {
	p.Buf.Reset()
	p.TX = TxMeta{}
	p.RX = RxMeta{}
}

// Release returns the packet to its pool. The packet must not be used
// afterwards.
func (p *Packet) Release() {
	if p.mgr != nil {
		p.mgr.release(p)
	}
}

func (p *Packet) completeTx(err error) {
	if p.TX.Done != nil {
		p.TX.Done(err)
		p.TX.Done = nil
	}
}
