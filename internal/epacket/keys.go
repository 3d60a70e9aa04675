package epacket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/embercore/internal/security"
)

var (
	ErrAlreadyExists = errors.New("epacket: extension network already registered")
	ErrNoKeySlots    = errors.New("epacket: no free extension network slots")
)

// KeyInterface selects the per-interface derivation domain.
type KeyInterface uint8

const (
	KeyInterfaceSerial KeyInterface = iota
	KeyInterfaceUDP
	KeyInterfaceBTAdv
	KeyInterfaceBTGatt
	keyInterfaceNum
)

func (k KeyInterface) String() string {
	switch k {
	case KeyInterfaceSerial:
		return "serial"
	case KeyInterfaceUDP:
		return "udp"
	case KeyInterfaceBTAdv:
		return "bt_adv"
	case KeyInterfaceBTGatt:
		return "bt_gatt"
	default:
		return "invalid"
	}
}

// Key type byte: top bit selects the base class, low bits the
// interface.
const (
	KeyClassNetwork  uint8 = 0x00
	KeyClassDevice   uint8 = 0x80
	KeyInterfaceMask uint8 = 0x7F
)

const extensionNetworkSlots = 2

type keySlot struct {
	rotation uint32
	key      security.Key
	valid    bool
}

type extensionNetwork struct {
	networkID uint32
	root      security.Key
	inUse     bool
	slots     [keyInterfaceNum]keySlot
}

// Registry lazily derives and caches the volatile AEAD keys used to
// protect packets. Each (class, interface) pair caches exactly one
// rotation; a rotation change re-derives in place.
type Registry struct {
	mu  sync.Mutex
	sec *security.State
	log zerolog.Logger

	networkSlots [keyInterfaceNum]keySlot
	deviceSlots  [keyInterfaceNum]keySlot
	extensions   [extensionNetworkSlots]extensionNetwork
}

func NewRegistry(sec *security.State) *Registry {
	return &Registry{
		sec: sec,
		log: log.With().Str("component", "epacket_keys").Logger(),
	}
}

// deriveSalt composes the HKDF salt from the key identity: class bit,
// interface, and the 24-bit network identifier.
func deriveSalt(keyType uint8, identifier uint32) []byte {
	class := uint32(keyType&KeyClassDevice) >> 7
	iface := uint32(keyType & KeyInterfaceMask)
	salt := make([]byte, 4)
	binary.LittleEndian.PutUint32(salt, class<<31|iface<<24|identifier&0xFFFFFF)
	return salt
}

// Get returns the derived key for (keyType, identifier, rotation),
// deriving and caching on miss. Unknown identifiers fail with ErrNoKey.
func (r *Registry) Get(keyType uint8, identifier uint32, rotation uint32) (security.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	iface := KeyInterface(keyType & KeyInterfaceMask)
	if iface >= keyInterfaceNum {
		return security.Key{}, fmt.Errorf("%w: interface %d", ErrNoKey, iface)
	}

	var base security.Key
	var slot *keySlot
	if keyType&KeyClassDevice != 0 {
		// Only our own device key can be derived.
		if identifier != r.sec.DeviceKeyIdentifier() {
			return security.Key{}, ErrNoKey
		}
		base = r.sec.DeviceRootKey()
		slot = &r.deviceSlots[iface]
	} else if identifier == r.sec.NetworkKeyIdentifier() {
		base = r.sec.NetworkRootKey()
		slot = &r.networkSlots[iface]
	} else {
		for i := range r.extensions {
			ext := &r.extensions[i]
			if ext.inUse && ext.networkID == identifier {
				base = ext.root
				slot = &ext.slots[iface]
				break
			}
		}
		if slot == nil {
			return security.Key{}, fmt.Errorf("%w: network %#06x unknown", ErrNoKey, identifier)
		}
	}

	if !slot.valid || slot.rotation != rotation {
		info := make([]byte, 4)
		binary.LittleEndian.PutUint32(info, rotation)
		derived, err := security.DeriveChaChaKey(base, deriveSalt(keyType, identifier), info)
		if err != nil {
			return security.Key{}, fmt.Errorf("key derivation: %w", err)
		}
		r.log.Info().
			Uint8("key_type", keyType).
			Str("interface", iface.String()).
			Uint32("rotation", rotation).
			Msg("regenerated derived key")
		slot.key = derived
		slot.rotation = rotation
		slot.valid = true
	}
	return slot.key, nil
}

// ExtensionNetworkAdd registers an additional network root for
// multi-tenant deployments.
func (r *Registry) ExtensionNetworkAdd(root security.Key, networkID uint32) error {
	if root == (security.Key{}) {
		return security.ErrInvalidKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.extensions {
		if r.extensions[i].inUse && r.extensions[i].root == root {
			return ErrAlreadyExists
		}
	}
	for i := range r.extensions {
		if !r.extensions[i].inUse {
			r.extensions[i] = extensionNetwork{
				networkID: networkID & 0xFFFFFF,
				root:      root,
				inUse:     true,
			}
			return nil
		}
	}
	return ErrNoKeySlots
}

// Delete invalidates any cached key for (keyType, interface).
func (r *Registry) Delete(keyType uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	iface := KeyInterface(keyType & KeyInterfaceMask)
	if iface >= keyInterfaceNum {
		return
	}
	if keyType&KeyClassDevice != 0 {
		r.deviceSlots[iface] = keySlot{}
	} else {
		r.networkSlots[iface] = keySlot{}
	}
}

// Export returns the raw derived key bytes, for tests and tooling.
func (r *Registry) Export(keyType uint8, identifier uint32, rotation uint32) ([]byte, error) {
	key, err := r.Get(keyType, identifier, rotation)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(key))
	copy(out, key[:])
	return out, nil
}
