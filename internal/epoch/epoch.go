// Package epoch provides the device time base: GPS-epoch time with
// 1/65536 second resolution. All packet timestamps and key rotation
// indices derive from this clock.
package epoch

import (
	"sync/atomic"
	"time"
)

// GPS epoch (1980-01-06T00:00:00Z) as a unix timestamp. Leap seconds
// are intentionally not applied; peers use the same convention.
const GPSUnixOffset = 315964800

// SubsecondsPerSecond is the tick resolution of the time base.
const SubsecondsPerSecond = 65536

// SecondsPerDay is the key rotation period.
const SecondsPerDay = 86400

// referenceOffset holds the correction applied to the host clock, in
// ticks. Updated by time synchronisation (or the time_set RPC).
var referenceOffset atomic.Int64

// Now returns the current GPS-epoch time in ticks.
func Now() uint64 {
	gps := hostTicks(time.Now()) + referenceOffset.Load()
	if gps < 0 {
		return 0
	}
	return uint64(gps)
}

// hostTicks converts a host time to signed GPS ticks. Seconds and the
// sub-second remainder are converted separately; nanoseconds times the
// tick rate does not fit in 64 bits.
func hostTicks(t time.Time) int64 {
	sec := t.Unix() - GPSUnixOffset
	sub := int64(t.Nanosecond()) * SubsecondsPerSecond / int64(time.Second)
	return sec*SubsecondsPerSecond + sub
}

// SetReference adjusts the clock so that Now() reports t.
func SetReference(t uint64) {
	referenceOffset.Add(int64(t) - int64(Now()))
}

// Seconds extracts the whole-second component of a tick timestamp.
func Seconds(t uint64) uint32 {
	return uint32(t / SubsecondsPerSecond)
}

// Subseconds extracts the fractional component of a tick timestamp.
func Subseconds(t uint64) uint16 {
	return uint16(t % SubsecondsPerSecond)
}

// FromParts reassembles a tick timestamp from seconds and subseconds.
func FromParts(seconds uint32, subseconds uint16) uint64 {
	return uint64(seconds)*SubsecondsPerSecond + uint64(subseconds)
}

// FromSeconds converts whole GPS seconds to ticks.
func FromSeconds(seconds uint32) uint64 {
	return uint64(seconds) * SubsecondsPerSecond
}

// RotationIndex returns the key rotation index for a tick timestamp.
func RotationIndex(t uint64) uint32 {
	return Seconds(t) / SecondsPerDay
}

// ToUnix converts a tick timestamp to a unix time.
func ToUnix(t uint64) time.Time {
	sec := int64(Seconds(t)) + GPSUnixOffset
	nsec := int64(Subseconds(t)) * int64(time.Second) / SubsecondsPerSecond
	return time.Unix(sec, nsec)
}

// FromUnix converts a unix time to a tick timestamp.
func FromUnix(t time.Time) uint64 {
	gps := hostTicks(t)
	if gps < 0 {
		return 0
	}
	return uint64(gps)
}
