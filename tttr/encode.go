package tttr

import "fmt"

// The encoders build bit-exact records. They are the inverse of Decode and are
// used by simulated instruments and tests.

func special(l Layout, channel, low uint32) uint32 {
	return 1<<specialShift | (channel&channelMask)<<channelShift | low&l.timeMask()
}

// EncodePhoton builds a regular photon record for input channel (1-based, as
// Decode reports it) at time field ttag. dtime is ignored in T2.
func EncodePhoton(l Layout, channel uint32, ttag uint32, dtime uint32) (uint32, error) {
	if channel < 1 || channel > MaxInputChannel {
		return 0, fmt.Errorf("tttr: photon channel %d out of range [1,%d]", channel, MaxInputChannel)
	}
	if ttag > l.timeMask() {
		return 0, fmt.Errorf("tttr: time field %d exceeds %d bits", ttag, l.TimeBits)
	}
	rec := (channel-1)<<channelShift | ttag
	if l.DtimeBits > 0 {
		if dtime > l.dtimeMask() {
			return 0, fmt.Errorf("tttr: dtime %d exceeds %d bits", dtime, l.DtimeBits)
		}
		rec |= dtime << l.TimeBits
	}
	return rec, nil
}

// EncodeSync builds a T2 sync record at time field ttag.
func EncodeSync(l Layout, ttag uint32) (uint32, error) {
	if !l.HasSync {
		return 0, fmt.Errorf("tttr: %v records have no sync events", l.Mode)
	}
	if ttag > l.timeMask() {
		return 0, fmt.Errorf("tttr: time field %d exceeds %d bits", ttag, l.TimeBits)
	}
	return special(l, 0, ttag), nil
}

// EncodeMarker builds a marker record with the given bit mask at time field ttag.
func EncodeMarker(l Layout, markers uint32, ttag uint32) (uint32, error) {
	if markers < 1 || markers > MaxMarkerChannel {
		return 0, fmt.Errorf("tttr: marker mask %d out of range [1,%d]", markers, MaxMarkerChannel)
	}
	if ttag > l.timeMask() {
		return 0, fmt.Errorf("tttr: time field %d exceeds %d bits", ttag, l.TimeBits)
	}
	return special(l, markers, ttag), nil
}

// EncodeOverflow builds an overflow record carrying n wraps.
func EncodeOverflow(l Layout, n uint32) (uint32, error) {
	if n > l.MaxOverflowCount() {
		return 0, fmt.Errorf("tttr: overflow count %d exceeds %d", n, l.MaxOverflowCount())
	}
	return special(l, OverflowChannel, n), nil
}

// Encoder turns absolute event times into a record stream, inserting overflow
// records whenever the time field would wrap. Times passed to an Encoder must
// be non-decreasing.
type Encoder struct {
	layout Layout
	wraps  uint64 // wraps already written
}

// NewEncoder returns an Encoder for the given mode.
func NewEncoder(mode Mode) (*Encoder, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("tttr: cannot encode %v records", mode)
	}
	return &Encoder{layout: mode.Layout()}, nil
}

// Reset starts a new stream.
func (e *Encoder) Reset() {
	e.wraps = 0
}

// advance appends the overflow records needed to reach absolute time t and
// returns the low time field of t.
func (e *Encoder) advance(dst []uint32, t uint64) ([]uint32, uint32, error) {
	need := t / e.layout.Wraparound
	if need < e.wraps {
		return dst, 0, fmt.Errorf("tttr: time %d precedes the stream position", t)
	}
	maxcount := uint64(e.layout.MaxOverflowCount())
	for need > e.wraps {
		n := min(need-e.wraps, maxcount)
		rec, _ := EncodeOverflow(e.layout, uint32(n))
		dst = append(dst, rec)
		e.wraps += n
	}
	return dst, uint32(t % e.layout.Wraparound), nil
}

// Photon appends the records for a photon on channel at absolute time t.
func (e *Encoder) Photon(dst []uint32, channel uint32, t uint64, dtime uint32) ([]uint32, error) {
	dst, ttag, err := e.advance(dst, t)
	if err != nil {
		return dst, err
	}
	rec, err := EncodePhoton(e.layout, channel, ttag, dtime)
	if err != nil {
		return dst, err
	}
	return append(dst, rec), nil
}

// Sync appends the records for a T2 sync event at absolute time t.
func (e *Encoder) Sync(dst []uint32, t uint64) ([]uint32, error) {
	if !e.layout.HasSync {
		return dst, fmt.Errorf("tttr: %v records have no sync events", e.layout.Mode)
	}
	dst, ttag, err := e.advance(dst, t)
	if err != nil {
		return dst, err
	}
	rec, err := EncodeSync(e.layout, ttag)
	if err != nil {
		return dst, err
	}
	return append(dst, rec), nil
}

// Marker appends the records for a marker with mask markers at absolute time t.
func (e *Encoder) Marker(dst []uint32, markers uint32, t uint64) ([]uint32, error) {
	dst, ttag, err := e.advance(dst, t)
	if err != nil {
		return dst, err
	}
	rec, err := EncodeMarker(e.layout, markers, ttag)
	if err != nil {
		return dst, err
	}
	return append(dst, rec), nil
}
