// Package secstore protects arbitrary byte blobs at rest. Each blob
// is sealed with ChaCha20-Poly1305 under a key derived from the
// device root and stored under a 32-bit UID as
// {info u64 {flags u32, size u32} | nonce 12B | ciphertext | tag 16B}.
package secstore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/danmuck/embercore/internal/security"
)

var (
	ErrNotFound  = errors.New("secstore: uid not found")
	ErrCorrupt   = errors.New("secstore: blob failed authentication")
	ErrTooLarge  = errors.New("secstore: blob exceeds size limit")
	ErrShortBlob = errors.New("secstore: truncated blob")
)

const (
	infoLen  = 8
	nonceLen = chacha20poly1305.NonceSize
	tagLen   = chacha20poly1305.Overhead

	// MaxBlobSize bounds a single stored value.
	MaxBlobSize = 8192
)

var (
	keySalt = []byte("SS_SALT")
	keyInfo = []byte("SECURE_STORAGE")
)

// Backing persists sealed blobs. The kv store's 16-bit keyspace
// cannot carry 32-bit UIDs, so the backing is its own surface.
type Backing interface {
	Load(uid uint32) ([]byte, bool)
	Store(uid uint32, blob []byte)
	Remove(uid uint32)
}

// MemoryBacking is the volatile default.
type MemoryBacking struct {
	blobs map[uint32][]byte
}

func NewMemoryBacking() *MemoryBacking {
	return &MemoryBacking{blobs: make(map[uint32][]byte)}
}

func (m *MemoryBacking) Load(uid uint32) ([]byte, bool) {
	b, ok := m.blobs[uid]
	return b, ok
}

func (m *MemoryBacking) Store(uid uint32, blob []byte) { m.blobs[uid] = blob }
func (m *MemoryBacking) Remove(uid uint32)             { delete(m.blobs, uid) }

// Store seals and opens blobs. Not safe for concurrent use; callers
// serialize access the same way they do for the kv store.
type Store struct {
	aead    cipher.AEAD
	backing Backing
}

func New(sec *security.State, backing Backing) (*Store, error) {
	key, err := security.DeriveChaChaKey(sec.DeviceRootKey(), keySalt, keyInfo)
	if err != nil {
		return nil, fmt.Errorf("secstore key: %w", err)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("secstore aead: %w", err)
	}
	if backing == nil {
		backing = NewMemoryBacking()
	}
	return &Store{aead: aead, backing: backing}, nil
}

// Write seals data under the uid, replacing any previous blob.
func (s *Store) Write(uid uint32, flags uint32, data []byte) error {
	if len(data) > MaxBlobSize {
		return ErrTooLarge
	}
	info := make([]byte, infoLen)
	binary.LittleEndian.PutUint32(info[0:4], flags)
	binary.LittleEndian.PutUint32(info[4:8], uint32(len(data)))

	blob := make([]byte, infoLen+nonceLen, infoLen+nonceLen+len(data)+tagLen)
	copy(blob, info)
	if _, err := rand.Read(blob[infoLen : infoLen+nonceLen]); err != nil {
		return fmt.Errorf("secstore nonce: %w", err)
	}

	// The uid and info header are bound as associated data so a blob
	// cannot be replayed under another uid or with altered flags.
	ad := binary.LittleEndian.AppendUint32(nil, uid)
	ad = append(ad, info...)
	blob = s.aead.Seal(blob, blob[infoLen:infoLen+nonceLen], data, ad)
	s.backing.Store(uid, blob)
	return nil
}

// Read opens the blob under the uid.
func (s *Store) Read(uid uint32) (flags uint32, data []byte, err error) {
	blob, ok := s.backing.Load(uid)
	if !ok {
		return 0, nil, ErrNotFound
	}
	if len(blob) < infoLen+nonceLen+tagLen {
		return 0, nil, ErrShortBlob
	}
	info := blob[0:infoLen]
	flags = binary.LittleEndian.Uint32(info[0:4])
	size := binary.LittleEndian.Uint32(info[4:8])

	ad := binary.LittleEndian.AppendUint32(nil, uid)
	ad = append(ad, info...)
	plain, err := s.aead.Open(nil, blob[infoLen:infoLen+nonceLen], blob[infoLen+nonceLen:], ad)
	if err != nil {
		return 0, nil, ErrCorrupt
	}
	if uint32(len(plain)) != size {
		return 0, nil, ErrCorrupt
	}
	return flags, plain, nil
}

// Delete removes the blob under the uid.
func (s *Store) Delete(uid uint32) error {
	if _, ok := s.backing.Load(uid); !ok {
		return ErrNotFound
	}
	s.backing.Remove(uid)
	return nil
}

// Exists reports whether a blob is stored under the uid.
func (s *Store) Exists(uid uint32) bool {
	_, ok := s.backing.Load(uid)
	return ok
}
