// Package tdf implements the tagged data format telemetry codec.
// Entries carry a 12-bit identifier, optional compressed timestamp,
// and a payload that is a single sample, a regular time-series, an
// index-based array, or a delta-encoded array.
package tdf

import (
	"errors"
	"fmt"

	"github.com/danmuck/embercore/internal/epoch"
	"github.com/danmuck/embercore/internal/pktbuf"
)

var (
	ErrInvalidInput = errors.New("tdf: invalid input")
	ErrNoSpace      = errors.New("tdf: entry can never fit in buffer")
	ErrNoMemory     = errors.New("tdf: insufficient space remaining")
	ErrNoMore       = errors.New("tdf: no more entries")
)

// Format selects the payload layout of an entry.
type Format uint8

const (
	FormatSingle Format = iota
	FormatTimeArray
	FormatIdxArray
	FormatDiff16x8
	FormatDiff32x8
	FormatDiff32x16
	formatInvalid

	// FormatDiffPrecomputed marks diff payloads already laid out as
	// [base, diffs...]; OR it onto one of the diff formats.
	FormatDiffPrecomputed Format = 0x80
)

// Timestamp and array flag bits of the id_flags field.
const (
	timestampNone             = 0x0000
	timestampAbsolute         = 0x4000
	timestampRelative         = 0x8000
	timestampExtendedRelative = 0xC000

	arrayNone = 0x0000
	arrayTime = 0x1000
	arrayDiff = 0x2000
	arrayIdx  = 0x3000

	timestampMask = 0xC000
	arrayMask     = 0x3000
	idMask        = 0x0FFF
)

const (
	headerSize     = 3
	absTimeSize    = 6
	timeArrayHdr   = 3
	diffArrayHdr   = 2
	idxArrayHdr    = 3
	int24Max       = 0x7FFFFF
	int24Min       = -int24Max - 1
	periodScaled   = 0x8000
	periodValMask  = 0x7FFF
	periodScale    = 8192
	periodMax      = periodValMask * periodScale
	maxIDExclusive = 0x0FFF
)

// State tracks a TDF buffer and its timestamp cursor. The cursor holds
// the last absolute time emitted or decoded, enabling delta
// compression of subsequent timestamps.
type State struct {
	Buf  *pktbuf.Buffer
	Time uint64
}

// NewState allocates a state over a fresh buffer of the given capacity.
func NewState(capacity int) *State {
	return &State{Buf: pktbuf.New(capacity)}
}

// NewStateFrom wraps an existing buffer, e.g. a received payload for
// parsing.
func NewStateFrom(buf *pktbuf.Buffer) *State {
	return &State{Buf: buf}
}

// Reset clears the buffer and the timestamp cursor.
func (s *State) Reset() {
	s.Buf.Reset()
	s.Time = 0
}

// Parsed is one decoded TDF entry.
type Parsed struct {
	Time    uint64
	ID      uint16
	Len     uint8
	Format  Format
	Count   uint8
	Period  uint32
	BaseIdx uint16
	Data    []byte
}

func diffWidths(f Format) (base, diff int) {
	switch f {
	case FormatDiff16x8:
		return 2, 1
	case FormatDiff32x8:
		return 4, 1
	case FormatDiff32x16:
		return 4, 2
	}
	return 0, 0
}

// Add appends one entry to the buffer. num samples of tdfLen bytes are
// taken from data; idxPeriod carries the sample period for time arrays
// and the base index for idx arrays. Returns the number of samples
// written, which may be clamped below num when the buffer is nearly
// full.
func Add(s *State, id uint16, tdfLen uint8, num uint8, t uint64, idxPeriod uint32, data []byte, format Format) (int, error) {
	precomputed := format&FormatDiffPrecomputed != 0
	format &^= FormatDiffPrecomputed

	if id == 0 || id >= maxIDExclusive || tdfLen == 0 || num == 0 || format >= formatInvalid {
		return 0, ErrInvalidInput
	}
	if format == FormatTimeArray && idxPeriod > periodMax {
		return 0, fmt.Errorf("%w: period %d exceeds maximum", ErrInvalidInput, idxPeriod)
	}
	baseW, diffW := diffWidths(format)
	if baseW != 0 && int(tdfLen) != baseW {
		return 0, fmt.Errorf("%w: format needs %d byte samples", ErrInvalidInput, baseW)
	}

	// A single entry with a full timestamp must fit in an empty buffer.
	minSize := headerSize + int(tdfLen)
	if t != 0 {
		minSize += absTimeSize
	}
	maxSpace := s.Buf.Len() + s.Buf.Tailroom()
	if minSize > maxSpace {
		return 0, ErrNoSpace
	}

	tsFlags := timestampNone
	tsSize := 0
	var delta int64
	if t != 0 {
		if s.Time != 0 {
			delta = int64(t) - int64(s.Time)
			switch {
			case delta >= 0 && delta <= 0xFFFF:
				tsFlags, tsSize = timestampRelative, 2
			case delta >= int24Min && delta <= int24Max:
				tsFlags, tsSize = timestampExtendedRelative, 3
			default:
				tsFlags, tsSize = timestampAbsolute, absTimeSize
			}
		} else {
			tsFlags, tsSize = timestampAbsolute, absTimeSize
		}
	}

	// Diff arrays need at least three samples to beat a time array.
	var diffs []byte
	if baseW != 0 {
		if num < 3 && !precomputed {
			format = FormatTimeArray
			baseW, diffW = 0, 0
		} else if precomputed {
			want := baseW + (int(num)-1)*diffW
			if len(data) < want {
				return 0, fmt.Errorf("%w: precomputed diff payload too short", ErrInvalidInput)
			}
			diffs = data[baseW:want]
		} else {
			if len(data) < int(num)*int(tdfLen) {
				return 0, fmt.Errorf("%w: payload shorter than num*len", ErrInvalidInput)
			}
			var ok int
			diffs, ok = encodeDiffs(data, int(tdfLen), int(num), format)
			if ok < int(num) {
				num = uint8(ok)
			}
			if num < 3 {
				format = FormatTimeArray
				baseW, diffW = 0, 0
				diffs = nil
			}
		}
	}
	if baseW == 0 && len(data) < int(num)*int(tdfLen) {
		return 0, fmt.Errorf("%w: payload shorter than num*len", ErrInvalidInput)
	}

	arrHdr := 0
	if num > 1 {
		switch format {
		case FormatIdxArray:
			arrHdr = idxArrayHdr
		case FormatDiff16x8, FormatDiff32x8, FormatDiff32x16:
			arrHdr = diffArrayHdr
		default:
			arrHdr = timeArrayHdr
		}
	}

	totalHeader := headerSize + tsSize + arrHdr
	remaining := s.Buf.Tailroom()
	if remaining <= totalHeader {
		return 0, ErrNoMemory
	}
	payloadSpace := remaining - totalHeader

	totalData := int(num) * int(tdfLen)
	if baseW != 0 {
		totalData = baseW + (int(num)-1)*diffW
	}
	if payloadSpace < totalData {
		var canFit int
		if baseW == 0 {
			canFit = payloadSpace / int(tdfLen)
		} else if payloadSpace >= baseW {
			canFit = 1 + (payloadSpace-baseW)/diffW
		}
		if canFit == 0 && num > 1 {
			// Degrade to a single sample, reclaiming the array header.
			payloadSpace += arrHdr
			if payloadSpace >= int(tdfLen) {
				canFit = 1
			}
			arrHdr = 0
			format = FormatSingle
			baseW, diffW = 0, 0
			diffs = nil
		}
		if canFit == 0 {
			return 0, ErrNoMemory
		}
		if canFit > int(num) {
			canFit = int(num)
		}
		num = uint8(canFit)
		if num == 1 {
			arrHdr = 0
			format = FormatSingle
			baseW, diffW = 0, 0
			diffs = nil
		}
	}

	idFlags := uint16(tsFlags) | id
	if num > 1 {
		switch format {
		case FormatIdxArray:
			idFlags |= arrayIdx
		case FormatDiff16x8, FormatDiff32x8, FormatDiff32x16:
			idFlags |= arrayDiff
		default:
			idFlags |= arrayTime
		}
	}

	s.Buf.AddLE16(idFlags)
	s.Buf.AddU8(tdfLen)

	switch tsFlags {
	case timestampRelative:
		s.Buf.AddLE16(uint16(delta))
		s.Time = t
	case timestampExtendedRelative:
		s.Buf.AddLE24(uint32(delta) & 0xFFFFFF)
		s.Time = t
	case timestampAbsolute:
		s.Buf.AddLE32(epoch.Seconds(t))
		s.Buf.AddLE16(epoch.Subseconds(t))
		s.Time = t
	}

	if num > 1 {
		switch format {
		case FormatIdxArray:
			s.Buf.AddU8(num)
			s.Buf.AddLE16(uint16(idxPeriod))
		case FormatDiff16x8, FormatDiff32x8, FormatDiff32x16:
			s.Buf.AddU8(num)
			s.Buf.AddU8(uint8(format))
		default:
			s.Buf.AddU8(num)
			if idxPeriod > periodValMask {
				s.Buf.AddLE16(uint16(periodScaled | (idxPeriod / periodScale)))
			} else {
				s.Buf.AddLE16(uint16(idxPeriod))
			}
		}
	}

	if baseW != 0 {
		s.Buf.AddMem(data[:baseW])
		s.Buf.AddMem(diffs[:(int(num)-1)*diffW])
	} else {
		s.Buf.AddMem(data[:int(num)*int(tdfLen)])
	}
	return int(num), nil
}

// AddSingle appends one sample with an optional timestamp.
func AddSingle(s *State, id uint16, tdfLen uint8, t uint64, data []byte) error {
	_, err := Add(s, id, tdfLen, 1, t, 0, data, FormatSingle)
	return err
}

// Parse consumes the next entry from the front of the buffer.
func Parse(s *State) (Parsed, error) {
	var p Parsed
	if s.Buf.Len() <= headerSize {
		return p, ErrNoMore
	}

	idFlags, _ := s.Buf.PullLE16()
	size, _ := s.Buf.PullU8()
	tsFlags := idFlags & timestampMask
	arrFlags := idFlags & arrayMask

	p.ID = idFlags & idMask
	p.Len = size
	p.Count = 1
	p.Format = FormatSingle

	if p.ID == 0 || p.ID == maxIDExclusive {
		return p, fmt.Errorf("%w: reserved id %#x", ErrInvalidInput, p.ID)
	}

	switch tsFlags {
	case timestampAbsolute:
		if s.Buf.Len() <= absTimeSize {
			return p, fmt.Errorf("%w: truncated absolute timestamp", ErrInvalidInput)
		}
		sec, _ := s.Buf.PullLE32()
		sub, _ := s.Buf.PullLE16()
		s.Time = epoch.FromParts(sec, sub)
		p.Time = s.Time
	case timestampRelative:
		if s.Buf.Len() <= 2 {
			return p, fmt.Errorf("%w: truncated relative timestamp", ErrInvalidInput)
		}
		d, _ := s.Buf.PullLE16()
		if s.Time == 0 {
			return p, fmt.Errorf("%w: relative timestamp without reference", ErrInvalidInput)
		}
		s.Time += uint64(d)
		p.Time = s.Time
	case timestampExtendedRelative:
		if s.Buf.Len() <= 3 {
			return p, fmt.Errorf("%w: truncated extended timestamp", ErrInvalidInput)
		}
		raw, _ := s.Buf.PullLE24()
		if s.Time == 0 {
			return p, fmt.Errorf("%w: relative timestamp without reference", ErrInvalidInput)
		}
		s.Time = uint64(int64(s.Time) + int64(signExtend24(raw)))
		p.Time = s.Time
	}

	dataLen := int(size)
	switch arrFlags {
	case arrayTime:
		if s.Buf.Len() <= timeArrayHdr {
			return p, fmt.Errorf("%w: truncated array header", ErrInvalidInput)
		}
		num, _ := s.Buf.PullU8()
		period, _ := s.Buf.PullLE16()
		p.Format = FormatTimeArray
		p.Count = num
		if period&periodScaled != 0 {
			p.Period = uint32(period&periodValMask) * periodScale
		} else {
			p.Period = uint32(period)
		}
		dataLen = int(size) * int(num)
	case arrayIdx:
		if s.Buf.Len() <= idxArrayHdr {
			return p, fmt.Errorf("%w: truncated array header", ErrInvalidInput)
		}
		num, _ := s.Buf.PullU8()
		base, _ := s.Buf.PullLE16()
		p.Format = FormatIdxArray
		p.Count = num
		p.BaseIdx = base
		dataLen = int(size) * int(num)
	case arrayDiff:
		if s.Buf.Len() <= diffArrayHdr {
			return p, fmt.Errorf("%w: truncated array header", ErrInvalidInput)
		}
		num, _ := s.Buf.PullU8()
		dt, _ := s.Buf.PullU8()
		p.Format = Format(dt)
		p.Count = num
		baseW, diffW := diffWidths(p.Format)
		if baseW == 0 || num == 0 {
			return p, fmt.Errorf("%w: bad diff array header", ErrInvalidInput)
		}
		dataLen = baseW + (int(num)-1)*diffW
	}

	if s.Buf.Len() < dataLen {
		return p, fmt.Errorf("%w: truncated payload", ErrInvalidInput)
	}
	p.Data, _ = s.Buf.Pull(dataLen)
	return p, nil
}

// Sample returns the i-th raw sample of a single, time-array, or
// idx-array entry.
func (p *Parsed) Sample(i int) ([]byte, error) {
	baseW, _ := diffWidths(p.Format)
	if baseW != 0 {
		return nil, fmt.Errorf("%w: diff array needs Reconstruct", ErrInvalidInput)
	}
	if i < 0 || i >= int(p.Count) {
		return nil, fmt.Errorf("%w: index %d out of range", ErrInvalidInput, i)
	}
	off := i * int(p.Len)
	return p.Data[off : off+int(p.Len)], nil
}

func signExtend24(x uint32) int32 {
	const m = uint32(1) << 23
	return int32((x ^ m) - m)
}
