package tdf

import (
	"encoding/binary"
	"fmt"
)

// encodeDiffs converts num full-width samples into the diff payload
// tail. Encoding stops at the first delta that overflows the diff
// width; the return value is the number of samples covered, base
// included.
func encodeDiffs(data []byte, tdfLen, num int, format Format) ([]byte, int) {
	baseW, diffW := diffWidths(format)
	out := make([]byte, 0, (num-1)*diffW)
	covered := 1

	prev := sampleValue(data, 0, tdfLen, baseW)
	for i := 1; i < num; i++ {
		cur := sampleValue(data, i, tdfLen, baseW)
		d := int64(cur) - int64(prev)
		switch diffW {
		case 1:
			if d < -128 || d > 127 {
				return out, covered
			}
			out = append(out, byte(int8(d)))
		case 2:
			if d < -32768 || d > 32767 {
				return out, covered
			}
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(d)))
		}
		prev = cur
		covered++
	}
	return out, covered
}

func sampleValue(data []byte, idx, tdfLen, baseW int) uint32 {
	off := idx * tdfLen
	if baseW == 2 {
		return uint32(binary.LittleEndian.Uint16(data[off:]))
	}
	return binary.LittleEndian.Uint32(data[off:])
}

// Reconstruct returns the i-th full-width value of a parsed diff
// array by summing the first i diffs onto the base.
func (p *Parsed) Reconstruct(i int) (uint32, error) {
	baseW, diffW := diffWidths(p.Format)
	if baseW == 0 {
		return 0, fmt.Errorf("%w: not a diff array", ErrInvalidInput)
	}
	if i < 0 || i >= int(p.Count) {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidInput, i)
	}

	val := int64(sampleValue(p.Data, 0, baseW, baseW))
	for n := 0; n < i; n++ {
		off := baseW + n*diffW
		switch diffW {
		case 1:
			val += int64(int8(p.Data[off]))
		case 2:
			val += int64(int16(binary.LittleEndian.Uint16(p.Data[off:])))
		}
	}
	if baseW == 2 {
		return uint32(uint16(val)), nil
	}
	return uint32(val), nil
}
