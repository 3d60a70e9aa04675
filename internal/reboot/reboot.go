// Package reboot retains the cause of the previous restart across
// process lifetimes through the kv store.
package reboot

import (
	"encoding/binary"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/embercore/internal/epoch"
	"github.com/danmuck/embercore/internal/kv"
)

// Reason classifies why the process went down.
type Reason uint8

const (
	ReasonUnknown Reason = iota
	ReasonRequested
	ReasonWatchdog
	ReasonPanic
	ReasonPowerLoss
)

func (r Reason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonWatchdog:
		return "watchdog"
	case ReasonPanic:
		return "panic"
	case ReasonPowerLoss:
		return "power_loss"
	default:
		return "unknown"
	}
}

// Retained kv keys.
const (
	KeyLastReboot  uint16 = 0x0F00
	KeyRebootCount uint16 = 0x0F01
)

// Info is the retained record of one shutdown.
type Info struct {
	Reason Reason
	// Uptime is how long the process ran before going down, seconds.
	Uptime uint32
	// Time is the epoch time of the shutdown.
	Time uint64
	// Detail names the watchdog channel or panic site, when known.
	Detail string
}

const infoFixedLen = 13 // reason u8, uptime u32, time u64

func (i Info) marshal() []byte {
	b := make([]byte, 0, infoFixedLen+len(i.Detail))
	b = append(b, byte(i.Reason))
	b = binary.LittleEndian.AppendUint32(b, i.Uptime)
	b = binary.LittleEndian.AppendUint64(b, i.Time)
	return append(b, i.Detail...)
}

func unmarshalInfo(b []byte) (Info, bool) {
	if len(b) < infoFixedLen {
		return Info{}, false
	}
	return Info{
		Reason: Reason(b[0]),
		Uptime: binary.LittleEndian.Uint32(b[1:5]),
		Time:   binary.LittleEndian.Uint64(b[5:13]),
		Detail: string(b[infoFixedLen:]),
	}, true
}

// Tracker owns the retained reboot state for one process.
type Tracker struct {
	store    *kv.Store
	started  time.Time
	last     Info
	haveLast bool
	count    uint32
	log      zerolog.Logger
}

// NewTracker loads the previous record and bumps the boot counter.
func NewTracker(store *kv.Store) *Tracker {
	t := &Tracker{
		store:   store,
		started: time.Now(),
		log:     log.With().Str("component", "reboot").Logger(),
	}
	if data, err := store.Read(KeyLastReboot); err == nil {
		t.last, t.haveLast = unmarshalInfo(data)
	}
	if data, err := store.Read(KeyRebootCount); err == nil && len(data) >= 4 {
		t.count = binary.LittleEndian.Uint32(data)
	}
	t.count++
	if _, err := store.Write(KeyRebootCount, binary.LittleEndian.AppendUint32(nil, t.count)); err != nil {
		t.log.Warn().Err(err).Msg("boot counter not retained")
	}
	if t.haveLast {
		t.log.Info().
			Str("reason", t.last.Reason.String()).
			Uint32("uptime_s", t.last.Uptime).
			Str("detail", t.last.Detail).
			Msg("previous shutdown")
	}
	return t
}

// Last returns the retained record of the previous shutdown.
func (t *Tracker) Last() (Info, bool) { return t.last, t.haveLast }

// Count is the boot counter including the current boot.
func (t *Tracker) Count() uint32 { return t.count }

// Uptime is the current process uptime.
func (t *Tracker) Uptime() time.Duration { return time.Since(t.started) }

// Record retains the shutdown cause. Call immediately before exit.
func (t *Tracker) Record(reason Reason, detail string) {
	info := Info{
		Reason: reason,
		Uptime: uint32(t.Uptime() / time.Second),
		Time:   epoch.Now(),
		Detail: detail,
	}
	if _, err := t.store.Write(KeyLastReboot, info.marshal()); err != nil {
		t.log.Error().Err(err).Msg("shutdown record not retained")
		return
	}
	t.log.Info().Str("reason", reason.String()).Str("detail", detail).Msg("shutdown recorded")
}

// OnWatchdogExpiry adapts Record for the watchdog expiry callback.
func (t *Tracker) OnWatchdogExpiry(channel string) {
	t.Record(ReasonWatchdog, channel)
}
