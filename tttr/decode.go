package tttr

import "fmt"

// Kind tells what a decoded record represents.
type Kind uint8

// Names for the possible values of Kind
const (
	Invalid  Kind = iota // cannot occur under the layout: corrupt stream or wrong mode
	Photon               // a detected photon, or a sync event in T2
	Marker               // external marker input
	Overflow             // wraparound of the time field; folded into the Correction
)

func (k Kind) String() string {
	switch k {
	case Photon:
		return "Photon"
	case Marker:
		return "Marker"
	case Overflow:
		return "Overflow"
	}
	return "Invalid"
}

// Event is one decoded record.
type Event struct {
	Kind Kind
	// Time is the overflow-corrected absolute time: resolution units in T2,
	// sync periods in T3. Zero for Overflow events.
	Time uint64
	// Channel is 0 for sync (T2 only) and 1..63 for inputs. Photons only.
	Channel uint32
	// Dtime is the delay after the last sync, in resolution units. T3 photons only.
	Dtime uint32
	// Markers is the marker bit mask. Markers only.
	Markers uint32
	// Count is the number of wraps recorded. Overflow only.
	Count uint32
	Raw   uint32
}

// IsSync tells whether e is a T2 sync event.
func (e Event) IsSync() bool {
	return e.Kind == Photon && e.Channel == 0
}

// Correction is the running overflow correction of one stream. The zero value
// is the correction at the start of an acquisition.
type Correction struct {
	Offset uint64 // added to every subsequent time field
	Wraps  uint64 // total wraps seen
}

// Reset returns c to the start-of-acquisition value.
func (c *Correction) Reset() {
	*c = Correction{}
}

// Decode classifies rec under layout l, folding any overflow into c.
// A record that cannot occur under l decodes to an Event of Kind Invalid
// and leaves c unchanged.
func Decode(rec uint32, l Layout, c *Correction) Event {
	special := rec >> specialShift
	channel := (rec >> channelShift) & channelMask
	ttag := rec & l.timeMask()
	ev := Event{Raw: rec}

	if special == 1 {
		switch {
		case channel == OverflowChannel:
			// the low field holds the number of wraps
			c.Offset += l.Wraparound * uint64(ttag)
			c.Wraps += uint64(ttag)
			ev.Kind = Overflow
			ev.Count = ttag
		case channel >= 1 && channel <= MaxMarkerChannel:
			ev.Kind = Marker
			ev.Time = c.Offset + uint64(ttag)
			ev.Markers = channel
		case channel == 0 && l.HasSync:
			ev.Kind = Photon
			ev.Time = c.Offset + uint64(ttag)
			ev.Channel = 0
		}
		return ev
	}

	if channel == OverflowChannel {
		return ev
	}
	ev.Kind = Photon
	ev.Time = c.Offset + uint64(ttag)
	ev.Channel = channel + 1
	if l.DtimeBits > 0 {
		ev.Dtime = (rec >> l.TimeBits) & l.dtimeMask()
	}
	return ev
}

// InvalidRecordError reports a record that cannot occur under the declared
// mode. It means the stream is corrupt or was decoded with the wrong mode.
type InvalidRecordError struct {
	Mode  Mode
	Raw   uint32
	Index uint64 // position of the record in the stream
}

func (e *InvalidRecordError) Error() string {
	special := e.Raw >> specialShift
	channel := (e.Raw >> channelShift) & channelMask
	return fmt.Sprintf("tttr: invalid %v record 0x%08x at index %d (special=%d channel=%d)",
		e.Mode, e.Raw, e.Index, special, channel)
}

// Decoder decodes a stream of records in a single mode, carrying the overflow
// correction from one record to the next. A Decoder is not safe for
// concurrent use.
type Decoder struct {
	layout     Layout
	correction Correction
	nrecords   uint64
}

// NewDecoder returns a Decoder for the given mode.
func NewDecoder(mode Mode) (*Decoder, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("tttr: cannot decode %v records", mode)
	}
	return &Decoder{layout: mode.Layout()}, nil
}

// Layout returns the record layout this decoder uses.
func (d *Decoder) Layout() Layout {
	return d.layout
}

// Correction returns the current overflow correction.
func (d *Decoder) Correction() Correction {
	return d.correction
}

// Records returns the number of valid records decoded since the last Reset.
// It is also the index the next record will have.
func (d *Decoder) Records() uint64 {
	return d.nrecords
}

// Reset zeroes the overflow correction and record count, as at the start of an acquisition.
func (d *Decoder) Reset() {
	d.correction.Reset()
	d.nrecords = 0
}

// Decode decodes a single record. An invalid record is not counted.
func (d *Decoder) Decode(rec uint32) Event {
	ev := Decode(rec, d.layout, &d.correction)
	if ev.Kind != Invalid {
		d.nrecords++
	}
	return ev
}

// DecodeAll decodes recs in order, appending the events to dst. It stops at the
// first invalid record, returning the events before it and an *InvalidRecordError.
func (d *Decoder) DecodeAll(recs []uint32, dst []Event) ([]Event, error) {
	for _, rec := range recs {
		ev := Decode(rec, d.layout, &d.correction)
		if ev.Kind == Invalid {
			return dst, &InvalidRecordError{Mode: d.layout.Mode, Raw: rec, Index: d.nrecords}
		}
		d.nrecords++
		dst = append(dst, ev)
	}
	return dst, nil
}
