package epacket

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/danmuck/embercore/internal/epoch"
	"github.com/danmuck/embercore/internal/security"
)

// v0 frame layout. The associated data is authenticated but not
// encrypted; the nonce doubles as the uniqueness source for the AEAD.
//
//	[version]                      (versioned framings only)
//	type      u8
//	flags     u16 le
//	key_id    u24 le
//	device_id u32 le   (upper half)
//	--- nonce ---
//	device_id u32 le   (lower half)
//	gps_time  u32 le
//	sequence  u16 le
//	entropy   u16 le
//	--- body ---
//	ciphertext || 16-byte tag
const (
	adSizeUnversioned = 10
	nonceSize         = 12
	tagSize           = chacha20poly1305.Overhead

	// OverheadUnversioned is the full frame overhead on datagram
	// framings; versioned framings carry one extra version byte.
	OverheadUnversioned = adSizeUnversioned + nonceSize + tagSize
	OverheadVersioned   = OverheadUnversioned + 1

	frameVersion = 0
)

// encryptFrame replaces the packet payload with the complete v0 frame.
func encryptFrame(p *Packet, reg *Registry, sec *security.State, versioned bool, ifaceKey uint8, sequence uint16) error {
	if p.TX.Auth == AuthRemoteEncrypted {
		return nil
	}

	gpsTime := epoch.Seconds(epoch.Now())
	deviceID := sec.DeviceID()

	var keyType uint8
	var keyIdentifier uint32
	if p.TX.Auth == AuthNetwork {
		keyType = KeyClassNetwork | ifaceKey
		p.TX.Flags |= FlagsEncryptionNetwork
		keyIdentifier = sec.NetworkKeyIdentifier()
	} else {
		keyType = KeyClassDevice | ifaceKey
		p.TX.Flags |= FlagsEncryptionDevice
		keyIdentifier = sec.DeviceKeyIdentifier()
	}

	key, err := reg.Get(keyType, keyIdentifier, gpsTime/epoch.SecondsPerDay)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoKey, err)
	}

	adSize := adSizeUnversioned
	if versioned {
		adSize = adSizeUnversioned + 1
	}
	ad := make([]byte, 0, adSize)
	if versioned {
		ad = append(ad, frameVersion)
	}
	ad = append(ad, uint8(p.TX.Type))
	ad = binary.LittleEndian.AppendUint16(ad, p.TX.Flags)
	ad = appendLE24(ad, keyIdentifier)
	ad = binary.LittleEndian.AppendUint32(ad, uint32(deviceID>>32))

	nonce := make([]byte, 0, nonceSize)
	nonce = binary.LittleEndian.AppendUint32(nonce, uint32(deviceID))
	nonce = binary.LittleEndian.AppendUint32(nonce, gpsTime)
	nonce = binary.LittleEndian.AppendUint16(nonce, sequence)
	nonce = binary.LittleEndian.AppendUint16(nonce, uint16(rand.Uint32()))

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return fmt.Errorf("aead init: %w", err)
	}

	plaintext := append([]byte(nil), p.Buf.Bytes()...)
	p.Buf.ResetLimit()
	p.Buf.Reset()
	p.Buf.AddMem(ad)
	p.Buf.AddMem(nonce)
	ct := aead.Seal(nil, nonce, plaintext, ad)
	if err := p.Buf.AddMem(ct); err != nil {
		return err
	}

	p.TX.Sequence = sequence
	return nil
}

// decryptFrame parses and authenticates a received frame in place,
// filling the packet's receive metadata. On any failure the auth level
// is set to AuthFailure.
func decryptFrame(p *Packet, reg *Registry, sec *security.State, versioned bool, ifaceKey uint8) error {
	adSize := adSizeUnversioned
	if versioned {
		adSize = adSizeUnversioned + 1
	}
	raw := p.Buf.Bytes()
	if len(raw) <= adSize+nonceSize+tagSize {
		p.RX.Auth = AuthFailure
		return fmt.Errorf("%w: short frame", ErrAuthFailure)
	}

	ad := raw[:adSize]
	fields := ad
	if versioned {
		if ad[0] != frameVersion {
			p.RX.Auth = AuthFailure
			return fmt.Errorf("%w: unsupported version %d", ErrAuthFailure, ad[0])
		}
		fields = ad[1:]
	}
	nonce := raw[adSize : adSize+nonceSize]

	p.RX.Type = Type(fields[0])
	p.RX.Flags = binary.LittleEndian.Uint16(fields[1:3])
	p.RX.KeyIdentifier = le24(fields[3:6])
	deviceIDUpper := binary.LittleEndian.Uint32(fields[6:10])
	p.RX.DeviceID = uint64(deviceIDUpper)<<32 | uint64(binary.LittleEndian.Uint32(nonce[0:4]))
	p.RX.GPSTime = binary.LittleEndian.Uint32(nonce[4:8])
	p.RX.Sequence = binary.LittleEndian.Uint16(nonce[8:10])

	var keyType uint8
	if p.RX.Flags&FlagsEncryptionDevice != 0 {
		p.RX.Auth = AuthDevice
		if p.RX.DeviceID != sec.DeviceID() {
			p.RX.Auth = AuthFailure
			return fmt.Errorf("%w: packet for device %#x", ErrAuthFailure, p.RX.DeviceID)
		}
		keyType = KeyClassDevice | ifaceKey
	} else {
		p.RX.Auth = AuthNetwork
		keyType = KeyClassNetwork | ifaceKey
	}

	key, err := reg.Get(keyType, p.RX.KeyIdentifier, p.RX.GPSTime/epoch.SecondsPerDay)
	if err != nil {
		p.RX.Auth = AuthFailure
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		p.RX.Auth = AuthFailure
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}

	adCopy := append([]byte(nil), ad...)
	nonceCopy := append([]byte(nil), nonce...)
	plain, err := aead.Open(nil, nonceCopy, raw[adSize+nonceSize:], adCopy)
	if err != nil {
		p.RX.Auth = AuthFailure
		return fmt.Errorf("%w: tag mismatch", ErrAuthFailure)
	}

	p.Buf.Reset()
	if err := p.Buf.AddMem(plain); err != nil {
		p.RX.Auth = AuthFailure
		return err
	}
	return nil
}

func appendLE24(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16))
}

func le24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// frameHeadroom is the buffer reservation needed ahead of the payload
// for the given framing.
func frameHeadroom(versioned bool) int {
	if versioned {
		return OverheadVersioned - tagSize
	}
	return OverheadUnversioned - tagSize
}
