// Package security owns the device cryptographic state: the hardware
// unique key, the device and network root keys, and HKDF-SHA256 key
// derivation for ChaCha20-Poly1305. All derived keys are volatile;
// a reboot discards them and they are re-derived on first use.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const KeyLen = chacha20poly1305.KeySize

var (
	ErrInvalidKey = errors.New("security: invalid base key")
	ErrHardware   = errors.New("security: key store failure")
)

// Key is a volatile symmetric key handle, valid only for
// ChaCha20-Poly1305.
type Key [KeyLen]byte

// DeriveChaChaKey derives a volatile ChaCha20-Poly1305 key from base
// via HKDF-SHA256.
func DeriveChaChaKey(base Key, salt, info []byte) (Key, error) {
	var zero Key
	if base == zero {
		return zero, ErrInvalidKey
	}
	var out Key
	r := hkdf.New(sha256.New, base[:], salt, info)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return zero, fmt.Errorf("%w: %s", ErrHardware, err)
	}
	return out, nil
}

// State is the boot-time cryptographic identity of the device.
type State struct {
	deviceID   uint64
	networkID  uint32
	deviceRoot Key
	netRoot    Key
	log        zerolog.Logger
}

// Config describes how to construct the security state.
type Config struct {
	// DeviceID is the 64-bit device identifier.
	DeviceID uint64
	// NetworkID is the 24-bit network identifier.
	NetworkID uint32
	// NetworkKeyHex is the 32-byte network root key.
	NetworkKeyHex string
	// HUKPath is the file backing the hardware unique key. Created
	// with fresh entropy if absent.
	HUKPath string
}

// Init loads or creates the hardware unique key and derives the device
// root key from it.
func Init(cfg Config) (*State, error) {
	huk, err := loadOrCreateHUK(cfg.HUKPath)
	if err != nil {
		return nil, err
	}
	deviceRoot, err := DeriveChaChaKey(huk, nil, []byte("device_root"))
	if err != nil {
		return nil, err
	}

	netKey, err := hex.DecodeString(cfg.NetworkKeyHex)
	if err != nil || len(netKey) != KeyLen {
		return nil, fmt.Errorf("%w: network key must be %d hex bytes", ErrInvalidKey, KeyLen)
	}

	s := &State{
		deviceID:   cfg.DeviceID,
		networkID:  cfg.NetworkID & 0xFFFFFF,
		deviceRoot: deviceRoot,
		log:        log.With().Str("component", "security").Logger(),
	}
	copy(s.netRoot[:], netKey)
	s.log.Info().
		Str("device_id", fmt.Sprintf("%016x", s.deviceID)).
		Uint32("network_id", s.networkID).
		Msg("security state initialised")
	return s, nil
}

// NewVolatile constructs a state entirely from in-memory keys. Used by
// tests and peers that have no persistent identity.
func NewVolatile(deviceID uint64, networkID uint32, deviceRoot, networkRoot Key) *State {
	return &State{
		deviceID:   deviceID,
		networkID:  networkID & 0xFFFFFF,
		deviceRoot: deviceRoot,
		netRoot:    networkRoot,
		log:        log.With().Str("component", "security").Logger(),
	}
}

func (s *State) DeviceID() uint64 { return s.deviceID }

// NetworkKeyIdentifier is the 24-bit identifier carried in packets
// authenticated with network-class keys.
func (s *State) NetworkKeyIdentifier() uint32 { return s.networkID }

// DeviceKeyIdentifier is the 24-bit identifier of the device root key,
// derived from the key material itself so that peers can address this
// device without pre-sharing an identifier table.
func (s *State) DeviceKeyIdentifier() uint32 {
	sum := sha256.Sum256(s.deviceRoot[:])
	return uint32(sum[0]) | uint32(sum[1])<<8 | uint32(sum[2])<<16
}

func (s *State) DeviceRootKey() Key  { return s.deviceRoot }
func (s *State) NetworkRootKey() Key { return s.netRoot }

func loadOrCreateHUK(path string) (Key, error) {
	var huk Key
	if path == "" {
		// Host-run node without persistent identity.
		if _, err := rand.Read(huk[:]); err != nil {
			return huk, fmt.Errorf("%w: %s", ErrHardware, err)
		}
		return huk, nil
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != KeyLen {
			return huk, fmt.Errorf("%w: corrupt hardware key file", ErrHardware)
		}
		copy(huk[:], raw)
		return huk, nil
	}
	if !os.IsNotExist(err) {
		return huk, fmt.Errorf("%w: %s", ErrHardware, err)
	}

	if _, err := rand.Read(huk[:]); err != nil {
		return huk, fmt.Errorf("%w: %s", ErrHardware, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return huk, fmt.Errorf("%w: %s", ErrHardware, err)
	}
	if err := os.WriteFile(path, huk[:], 0o600); err != nil {
		return huk, fmt.Errorf("%w: %s", ErrHardware, err)
	}
	log.Info().Str("path", path).Msg("generated hardware unique key")
	return huk, nil
}
