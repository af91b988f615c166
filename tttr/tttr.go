// Package tttr decodes the 32-bit time-tagged time-resolved (TTTR) event records
// produced by a HydraHarp-class TCSPC instrument.
//
// Two record layouts exist. In T2 mode each record carries a 25-bit time tag
// measured in units of the instrument resolution. In T3 mode each record
// carries a 10-bit count of sync periods (nsync) plus a 15-bit delay time
// (dtime) measured from the most recent sync. Both layouts share a 6-bit
// channel field and a special bit. Because the time fields are narrow, the
// instrument inserts overflow records (special bit set, channel 0x3F) whose
// low field counts how many times the time field has wrapped.
package tttr

import (
	"fmt"
	"strings"
)

// Mode selects a record layout.
type Mode int

// Names for the possible values of Mode
const (
	ModeInvalid Mode = iota // not a usable mode
	T2                      // wide time tag in units of the resolution
	T3                      // sync count plus delay time since that sync
)

func (m Mode) String() string {
	switch m {
	case T2:
		return "T2"
	case T3:
		return "T3"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts "T2" or "T3" (case insensitive) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "T2":
		return T2, nil
	case "T3":
		return T3, nil
	}
	return ModeInvalid, fmt.Errorf("tttr: mode %q is not recognized (want T2 or T3)", s)
}

// Bit positions shared by both layouts.
const (
	channelShift = 25
	channelMask  = 0x3f
	specialShift = 31

	// OverflowChannel is the reserved channel pattern that tags overflow records.
	OverflowChannel = 0x3f
	// MaxMarkerChannel is the highest channel number a marker record may carry.
	MaxMarkerChannel = 15
	// MaxInputChannel is the highest input channel a regular photon can report (raw 62, plus 1).
	MaxInputChannel = OverflowChannel
)

// Layout holds the field widths and wrap modulus of one record layout.
// Select it once per acquisition with Mode.Layout.
type Layout struct {
	Mode       Mode
	TimeBits   uint   // width of the low time (T2) or nsync (T3) field
	DtimeBits  uint   // width of the delay-time field; 0 in T2
	Wraparound uint64 // time units added per overflow
	HasSync    bool   // special records on channel 0 are sync photons
}

var layouts = map[Mode]Layout{
	T2: {Mode: T2, TimeBits: 25, Wraparound: 1 << 25, HasSync: true},
	T3: {Mode: T3, TimeBits: 10, DtimeBits: 15, Wraparound: 1024},
}

// Layout returns the record layout for mode m. It panics on an invalid mode,
// which is a programming error.
func (m Mode) Layout() Layout {
	l, ok := layouts[m]
	if !ok {
		panic(fmt.Sprintf("tttr: no record layout for %v", m))
	}
	return l
}

// Valid tells whether m is one of the two record layouts.
func (m Mode) Valid() bool {
	_, ok := layouts[m]
	return ok
}

func (l Layout) timeMask() uint32 {
	return (1 << l.TimeBits) - 1
}

func (l Layout) dtimeMask() uint32 {
	return (1 << l.DtimeBits) - 1
}

// DtimeBins is the number of distinct delay-time values of the layout (32768 in T3).
func (l Layout) DtimeBins() int {
	if l.DtimeBits == 0 {
		return 0
	}
	return 1 << l.DtimeBits
}

// MaxOverflowCount is the largest wrap count one overflow record can carry.
func (l Layout) MaxOverflowCount() uint32 {
	return l.timeMask()
}
