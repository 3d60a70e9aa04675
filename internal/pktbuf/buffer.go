// Package pktbuf provides fixed-capacity packet buffers with headroom
// reservation, mirroring the allocation discipline of embedded network
// buffers. A Buffer owns a contiguous byte region; transports reserve
// header space up front so payload writers never need to shift data.
package pktbuf

import (
	"encoding/binary"
	"errors"
)

var (
	ErrNoSpace   = errors.New("pktbuf: insufficient space")
	ErrShortData = errors.New("pktbuf: insufficient data")
)

// Buffer is a packet construction/parsing region. Data lives in
// storage[start:end]; bytes before start are headroom, bytes between
// end and limit are tailroom.
type Buffer struct {
	storage []byte
	start   int
	end     int
	limit   int
}

// New allocates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{
		storage: make([]byte, capacity),
		limit:   capacity,
	}
}

// NewWithData wraps existing bytes for parsing. The buffer takes
// ownership of the slice.
func NewWithData(data []byte) *Buffer {
	return &Buffer{
		storage: data,
		end:     len(data),
		limit:   len(data),
	}
}

// Reset empties the buffer and removes any headroom reservation or
// tailroom limit.
func (b *Buffer) Reset() {
	b.start = 0
	b.end = 0
	b.limit = len(b.storage)
}

// Reserve sets aside n bytes of headroom. Must be called on an empty
// buffer.
func (b *Buffer) Reserve(n int) {
	if b.Len() != 0 {
		panic("pktbuf: Reserve on non-empty buffer")
	}
	b.start = n
	b.end = n
}

// SetLimit caps the usable capacity, leaving storage beyond it free for
// a trailing footer. ResetLimit reverses it.
func (b *Buffer) SetLimit(limit int) {
	if limit > len(b.storage) {
		limit = len(b.storage)
	}
	b.limit = limit
}

func (b *Buffer) ResetLimit() {
	b.limit = len(b.storage)
}

func (b *Buffer) Len() int      { return b.end - b.start }
func (b *Buffer) Capacity() int { return len(b.storage) }
func (b *Buffer) Headroom() int { return b.start }
func (b *Buffer) Tailroom() int { return b.limit - b.end }

// Bytes returns the current data region. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.storage[b.start:b.end] }

// Add appends n uninitialised bytes and returns the region.
func (b *Buffer) Add(n int) ([]byte, error) {
	if b.Tailroom() < n {
		return nil, ErrNoSpace
	}
	out := b.storage[b.end : b.end+n]
	b.end += n
	return out, nil
}

// AddMem appends a copy of p.
func (b *Buffer) AddMem(p []byte) error {
	region, err := b.Add(len(p))
	if err != nil {
		return err
	}
	copy(region, p)
	return nil
}

func (b *Buffer) AddU8(v uint8) error {
	region, err := b.Add(1)
	if err != nil {
		return err
	}
	region[0] = v
	return nil
}

func (b *Buffer) AddLE16(v uint16) error {
	region, err := b.Add(2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(region, v)
	return nil
}

func (b *Buffer) AddLE24(v uint32) error {
	region, err := b.Add(3)
	if err != nil {
		return err
	}
	region[0] = byte(v)
	region[1] = byte(v >> 8)
	region[2] = byte(v >> 16)
	return nil
}

func (b *Buffer) AddLE32(v uint32) error {
	region, err := b.Add(4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(region, v)
	return nil
}

func (b *Buffer) AddLE64(v uint64) error {
	region, err := b.Add(8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(region, v)
	return nil
}

// Push prepends a copy of p into headroom.
func (b *Buffer) Push(p []byte) error {
	if b.Headroom() < len(p) {
		return ErrNoSpace
	}
	b.start -= len(p)
	copy(b.storage[b.start:], p)
	return nil
}

// Pull removes and returns n bytes from the front. The returned slice
// aliases the buffer.
func (b *Buffer) Pull(n int) ([]byte, error) {
	if b.Len() < n {
		return nil, ErrShortData
	}
	out := b.storage[b.start : b.start+n]
	b.start += n
	return out, nil
}

func (b *Buffer) PullU8() (uint8, error) {
	p, err := b.Pull(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) PullLE16() (uint16, error) {
	p, err := b.Pull(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

func (b *Buffer) PullLE24() (uint32, error) {
	p, err := b.Pull(3)
	if err != nil {
		return 0, err
	}
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16, nil
}

func (b *Buffer) PullLE32() (uint32, error) {
	p, err := b.Pull(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (b *Buffer) PullLE64() (uint64, error) {
	p, err := b.Pull(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

// RemoveTail removes n bytes from the end of the buffer.
func (b *Buffer) RemoveTail(n int) error {
	if b.Len() < n {
		return ErrShortData
	}
	b.end -= n
	return nil
}
