package tcspc

import (
	"fmt"
	"os"
	"time"

	"github.com/usnistgov/tcspc/histio"
	"github.com/usnistgov/tcspc/internal/asyncbufio"
	"github.com/usnistgov/tcspc/internal/npyappend"
	"github.com/usnistgov/tcspc/tttr"
)

// Batch is one chunk of records read from the device, with its decoded events
// in read order, one event per record. Invalid records are never included.
type Batch struct {
	FirstRecord uint64 // index in the run of Raw[0]
	Raw         []uint32
	Events      []tttr.Event
}

// Photons returns the photon (and T2 sync) events of the batch.
func (b *Batch) Photons() []tttr.Event {
	return b.filter(tttr.Photon)
}

// Markers returns the marker events of the batch.
func (b *Batch) Markers() []tttr.Event {
	return b.filter(tttr.Marker)
}

func (b *Batch) filter(k tttr.Kind) []tttr.Event {
	var out []tttr.Event
	for _, ev := range b.Events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// EventSink consumes the decoded record stream of an acquisition. The
// acquisition calls Reset when it arms, Consume for every batch in read order,
// then exactly one of Finalize (run completed) or Flush (run failed, keep what
// was captured). A Batch and its slices are only valid during the call.
type EventSink interface {
	Reset() error
	Consume(b *Batch) error
	Flush() error
	Finalize() error
}

// BatchObserver sees every decoded batch after the sink has consumed it.
// Observers are how markers and overflow ticks leave the acquisition.
type BatchObserver interface {
	ObserveBatch(b *Batch) error
}

// ObserverFunc adapts a function to the BatchObserver interface.
type ObserverFunc func(b *Batch) error

// ObserveBatch calls f(b).
func (f ObserverFunc) ObserveBatch(b *Batch) error {
	return f(b)
}

// HistogramSink bins T3 photons by channel and delay time.
type HistogramSink struct {
	hist    *Histogram
	outputs []string
	photons uint64
	syncs   uint64

	channels []uint32 // scratch
	dtimes   []uint32
}

// NewHistogramSink makes a sink with nchan channels of delay-time histograms.
// Only T3 streams carry delay times, so any other mode is an error.
func NewHistogramSink(mode tttr.Mode, nchan int) (*HistogramSink, error) {
	if mode != tttr.T3 {
		return nil, fmt.Errorf("histogramming needs T3 records, not %v", mode)
	}
	h, err := NewHistogram(nchan, mode.Layout().DtimeBins())
	if err != nil {
		return nil, err
	}
	return &HistogramSink{hist: h}, nil
}

// SetOutputs names the files the grid is written to when the run ends.
// Files ending in ".npy" get NumPy format, others a text table.
func (s *HistogramSink) SetOutputs(filenames ...string) {
	s.outputs = filenames
}

// Histogram returns the grid being accumulated.
func (s *HistogramSink) Histogram() *Histogram {
	return s.hist
}

// Photons returns the number of photons binned since the last Reset.
func (s *HistogramSink) Photons() uint64 {
	return s.photons
}

// Reset zeroes the grid.
func (s *HistogramSink) Reset() error {
	s.hist.Clear()
	s.photons = 0
	s.syncs = 0
	return nil
}

// ChannelRangeError reports a photon on an input the histogram has no row for.
type ChannelRangeError struct {
	Channel uint32
	Nchan   int
	Record  uint64 // index in the run of the offending record
}

func (e *ChannelRangeError) Error() string {
	return fmt.Sprintf("photon on channel %d at record %d, but the histogram has channels 1..%d",
		e.Channel, e.Record, e.Nchan)
}

// Consume bins the photons of b. A photon on a channel beyond the grid ends
// the batch with a *ChannelRangeError; the photons before it are binned.
func (s *HistogramSink) Consume(b *Batch) error {
	s.channels = s.channels[:0]
	s.dtimes = s.dtimes[:0]
	nchan := s.hist.Nchan()
	var err error
	for i, ev := range b.Events {
		if ev.Kind != tttr.Photon {
			continue
		}
		if ev.Channel == 0 {
			s.syncs++
			continue
		}
		if int(ev.Channel) > nchan {
			err = &ChannelRangeError{Channel: ev.Channel, Nchan: nchan, Record: b.FirstRecord + uint64(i)}
			break
		}
		s.channels = append(s.channels, ev.Channel)
		s.dtimes = append(s.dtimes, ev.Dtime)
	}
	s.hist.IncrementAll(s.channels, s.dtimes)
	s.photons += uint64(len(s.channels))
	return err
}

func (s *HistogramSink) write() error {
	if len(s.outputs) == 0 {
		return nil
	}
	return histio.WriteFiles(s.hist.Grid(), s.outputs...)
}

// Flush writes the partial grid to the outputs.
func (s *HistogramSink) Flush() error {
	return s.write()
}

// Finalize writes the grid to the outputs.
func (s *HistogramSink) Finalize() error {
	if n := s.hist.Saturated(); n > 0 {
		ProblemLogger.Printf("histogram finished with %d counts lost to saturation", n)
	}
	return s.write()
}

// RawSink appends every record, unmodified, to a .npy file of uint32.
// Overflow and marker records are kept, so the file can be decoded again.
type RawSink struct {
	filename string
	appender *npyappend.Appender[uint32]
	records  uint64
}

// NewRawSink returns a sink that will write to filename. The file is created
// when the acquisition arms.
func NewRawSink(filename string) *RawSink {
	return &RawSink{filename: filename}
}

// SetFilename changes the file used by the next run.
func (s *RawSink) SetFilename(filename string) {
	s.filename = filename
}

// Filename returns the file of the current or next run.
func (s *RawSink) Filename() string {
	return s.filename
}

// Records returns the number of records written since the last Reset.
func (s *RawSink) Records() uint64 {
	return s.records
}

// Reset closes any file left open by an earlier run and creates a new one.
func (s *RawSink) Reset() error {
	if err := s.close(); err != nil {
		ProblemLogger.Printf("RawSink: closing previous file: %v", err)
	}
	s.records = 0
	a, err := npyappend.NewAppender[uint32](s.filename)
	if err != nil {
		return err
	}
	s.appender = a
	return nil
}

// Consume appends the raw records of b.
func (s *RawSink) Consume(b *Batch) error {
	if s.appender == nil {
		return fmt.Errorf("RawSink: Consume called before Reset")
	}
	if err := s.appender.Append(b.Raw); err != nil {
		return err
	}
	s.records += uint64(len(b.Raw))
	return nil
}

func (s *RawSink) close() error {
	if s.appender == nil {
		return nil
	}
	err := s.appender.Close()
	s.appender = nil
	return err
}

// Flush closes the file with a header describing the records written so far.
func (s *RawSink) Flush() error {
	return s.close()
}

// Finalize closes the file.
func (s *RawSink) Finalize() error {
	return s.close()
}

// TextSink writes one line per photon and marker in physical units: times in
// ps for T2; sync time in s and delay time in ps for T3.
type TextSink struct {
	filename   string
	mode       tttr.Mode
	timebase   Timebase
	resolution float64 // ps
	syncPeriod float64 // s
	scaled     bool
	file       *os.File
	writer     *asyncbufio.Writer
	lines      uint64
	line       []byte
}

// NewTextSink returns a sink writing to filename. The time scales are read
// from tb on the first batch, since the sync period is only known once a
// measurement is running.
func NewTextSink(filename string, mode tttr.Mode, tb Timebase) (*TextSink, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("TextSink: invalid mode %v", mode)
	}
	if tb == nil {
		return nil, fmt.Errorf("TextSink: needs a Timebase")
	}
	return &TextSink{filename: filename, mode: mode, timebase: tb}, nil
}

// Lines returns the number of event lines written since the last Reset.
func (s *TextSink) Lines() uint64 {
	return s.lines
}

// Reset creates the output file and writes its column header.
func (s *TextSink) Reset() error {
	if err := s.close(); err != nil {
		ProblemLogger.Printf("TextSink: closing previous file: %v", err)
	}
	f, err := os.Create(s.filename)
	if err != nil {
		return err
	}
	s.file = f
	s.writer = asyncbufio.NewWriter(f, 1024, time.Second)
	s.scaled = false
	s.lines = 0
	if s.mode == tttr.T2 {
		_, err = s.writer.WriteString("ev chn       time/ps\n\n")
	} else {
		_, err = s.writer.WriteString("ev chn  ttag/s   dtime/ps\n\n")
	}
	return err
}

func (s *TextSink) readScales() error {
	var err error
	if s.resolution, err = s.timebase.Resolution(); err != nil {
		return deviceError("Resolution", err)
	}
	if s.mode == tttr.T3 {
		if s.syncPeriod, err = s.timebase.SyncPeriod(); err != nil {
			return deviceError("SyncPeriod", err)
		}
	}
	s.scaled = true
	return nil
}

// Consume writes a line for each photon and marker of b.
func (s *TextSink) Consume(b *Batch) error {
	if s.writer == nil {
		return fmt.Errorf("TextSink: Consume called before Reset")
	}
	if !s.scaled {
		if err := s.readScales(); err != nil {
			return err
		}
	}
	buf := s.line[:0]
	for _, ev := range b.Events {
		switch {
		case ev.Kind == tttr.Photon && s.mode == tttr.T2:
			buf = fmt.Appendf(buf, "CH %2d %14.0f\n", ev.Channel, float64(ev.Time)*s.resolution)
		case ev.Kind == tttr.Marker && s.mode == tttr.T2:
			buf = fmt.Appendf(buf, "MK %2d %14.0f\n", ev.Markers, float64(ev.Time)*s.resolution)
		case ev.Kind == tttr.Photon:
			buf = fmt.Appendf(buf, "CH %2d %10.8f %8.0f\n", ev.Channel,
				float64(ev.Time)*s.syncPeriod, float64(ev.Dtime)*s.resolution)
		case ev.Kind == tttr.Marker:
			buf = fmt.Appendf(buf, "MK %2d %10.8f\n", ev.Markers, float64(ev.Time)*s.syncPeriod)
		default:
			continue
		}
		s.lines++
	}
	s.line = buf
	_, err := s.writer.Write(buf)
	return err
}

func (s *TextSink) close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	if err2 := s.file.Close(); err == nil {
		err = err2
	}
	s.writer = nil
	s.file = nil
	return err
}

// Flush writes out everything queued and closes the file.
func (s *TextSink) Flush() error {
	return s.close()
}

// Finalize writes out everything queued and closes the file.
func (s *TextSink) Finalize() error {
	return s.close()
}

// MultiSink fans one stream out to several sinks, in order.
type MultiSink []EventSink

// Reset resets every sink.
func (m MultiSink) Reset() error {
	for _, s := range m {
		if err := s.Reset(); err != nil {
			return err
		}
	}
	return nil
}

// Consume hands b to every sink.
func (m MultiSink) Consume(b *Batch) error {
	for _, s := range m {
		if err := s.Consume(b); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes every sink, returning the first error.
func (m MultiSink) Flush() error {
	var first error
	for _, s := range m {
		if err := s.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Finalize finalizes every sink, returning the first error.
func (m MultiSink) Finalize() error {
	var first error
	for _, s := range m {
		if err := s.Finalize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
