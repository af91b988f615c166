package tcspc

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/tcspc/hydraharp"
	"github.com/usnistgov/tcspc/tttr"
)

// recordingSink keeps copies of everything it is given.
type recordingSink struct {
	raw                      []uint32
	events                   []tttr.Event
	firsts                   []uint64
	resets, flushes, finals  int
	failConsume, failFinalze bool
}

func (s *recordingSink) Reset() error {
	s.resets++
	s.raw = nil
	s.events = nil
	s.firsts = nil
	return nil
}

func (s *recordingSink) Consume(b *Batch) error {
	if s.failConsume {
		return errors.New("disk full")
	}
	s.firsts = append(s.firsts, b.FirstRecord)
	s.raw = append(s.raw, b.Raw...)
	s.events = append(s.events, b.Events...)
	return nil
}

func (s *recordingSink) Flush() error { s.flushes++; return nil }

func (s *recordingSink) Finalize() error {
	s.finals++
	if s.failFinalze {
		return errors.New("finalize failed")
	}
	return nil
}

// tallySink only counts events, for runs too long to keep.
type tallySink struct {
	events, syncs uint64
}

func (s *tallySink) Reset() error { *s = tallySink{}; return nil }
func (s *tallySink) Consume(b *Batch) error {
	s.events += uint64(len(b.Events))
	for _, ev := range b.Events {
		if ev.IsSync() {
			s.syncs++
		}
	}
	return nil
}
func (s *tallySink) Flush() error    { return nil }
func (s *tallySink) Finalize() error { return nil }

// countingDevice counts the CTC status checks of the device it wraps.
type countingDevice struct {
	Device
	ctcChecks int
	reads     int
}

func (d *countingDevice) CTCStatus() (bool, error) {
	d.ctcChecks++
	return d.Device.CTCStatus()
}

func (d *countingDevice) ReadFIFO(buf []uint32) (int, error) {
	d.reads++
	return d.Device.ReadFIFO(buf)
}

func fastConfig(mode string) AcquisitionConfig {
	return AcquisitionConfig{Mode: mode, Tacq: time.Second, PollInterval: -1}
}

// simulatedT3 encodes n photons on channels 1..nchan with occasional markers.
func simulatedT3(t *testing.T, n, nchan int, seed int64) []uint32 {
	t.Helper()
	enc, err := tttr.NewEncoder(tttr.T3)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(seed))
	var recs []uint32
	now := uint64(0)
	for i := 0; i < n; i++ {
		now += uint64(rng.Intn(3000))
		if i%97 == 5 {
			recs, err = enc.Marker(recs, 1<<uint(i%4), now)
		} else {
			recs, err = enc.Photon(recs, uint32(1+rng.Intn(nchan)), now, uint32(rng.Intn(32768)))
		}
		require.NoError(t, err)
	}
	return recs
}

func TestAcquisitionConfigValidate(t *testing.T) {
	var tests = []struct {
		config AcquisitionConfig
		ok     bool
	}{
		{AcquisitionConfig{Mode: "T2", Tacq: time.Second}, true},
		{AcquisitionConfig{Mode: "t3", Tacq: time.Millisecond, ChunkSize: 16}, true},
		{AcquisitionConfig{Mode: "T4", Tacq: time.Second}, false},
		{AcquisitionConfig{Mode: "T3"}, false},
		{AcquisitionConfig{Mode: "T3", Tacq: time.Second, ChunkSize: -1}, false},
		{AcquisitionConfig{Mode: "T3", Tacq: time.Second, DrainRetries: -2}, false},
	}
	for _, test := range tests {
		c := test.config
		_, err := c.Validate()
		if (err == nil) != test.ok {
			t.Errorf("Validate(%+v) error = %v, want ok=%t", test.config, err, test.ok)
		}
	}

	c := AcquisitionConfig{Mode: "T3", Tacq: time.Second}
	mode, err := c.Validate()
	require.NoError(t, err)
	assert.Equal(t, tttr.T3, mode)
	assert.Equal(t, DefaultChunkSize, c.ChunkSize)
	assert.Equal(t, DefaultDrainRetries, c.DrainRetries)
	assert.Equal(t, DefaultPollInterval, c.PollInterval)
	assert.Equal(t, DefaultQueueDepth, c.QueueDepth)
	assert.Equal(t, DefaultHeartbeatInterval, c.HeartbeatInterval)

	_, err = NewAcquisition(nil, &recordingSink{}, c)
	assert.Error(t, err)
	_, err = NewAcquisition(hydraharp.NewReplay(nil, 0), nil, c)
	assert.Error(t, err)
}

func TestAcquisitionStateNames(t *testing.T) {
	names := map[AcquisitionState]string{
		StateIdle: "Idle", StateArmed: "Armed", StateRunning: "Running",
		StateDraining: "Draining", StateStopped: "Stopped", StateError: "Error",
	}
	for s, name := range names {
		assert.Equal(t, name, s.String())
	}
	assert.True(t, StateDraining.Active())
	assert.False(t, StateStopped.Active())
	assert.False(t, StateError.Active())
}

func TestAcquisitionWorkedExample(t *testing.T) {
	// overflow of 2 wraps, then a photon with nsync=3, dtime=100 on raw channel 2
	recs := []uint32{0xFE000002, 2<<25 | 100<<10 | 3}
	dev := hydraharp.NewReplay(recs, 0)
	hs, err := NewHistogramSink(tttr.T3, 4)
	require.NoError(t, err)
	acq, err := NewAcquisition(dev, hs, fastConfig("T3"))
	require.NoError(t, err)
	var seen []tttr.Event
	acq.AddObserver(ObserverFunc(func(b *Batch) error {
		seen = append(seen, b.Events...)
		return nil
	}))
	assert.Equal(t, StateIdle, acq.State())

	summary, err := acq.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, acq.State())
	assert.True(t, summary.Complete)
	assert.Equal(t, StateStopped, summary.State)
	assert.Equal(t, "T3", summary.Mode)
	assert.Equal(t, uint64(2), summary.Records)
	assert.Equal(t, uint64(1), summary.Photons)
	assert.Equal(t, uint64(1), summary.Overflows)
	assert.Equal(t, uint64(2), summary.Wraps)
	assert.NotEmpty(t, summary.ID)
	assert.Equal(t, acq.RunID(), summary.ID)

	require.Len(t, seen, 2)
	assert.Equal(t, tttr.Overflow, seen[0].Kind)
	assert.Equal(t, tttr.Photon, seen[1].Kind)
	assert.Equal(t, uint32(3), seen[1].Channel)
	assert.Equal(t, uint64(2051), seen[1].Time)
	counts, err := hs.Histogram().Counts(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), counts[100])
	assert.Equal(t, 1, dev.Starts)
	assert.Equal(t, 1, dev.Stops)
}

func TestAcquisitionShortReads(t *testing.T) {
	recs := simulatedT3(t, 1000, 4, 1)
	dev := hydraharp.NewReplay(recs, 7)
	dev.EmptyEvery = 3
	sink := &recordingSink{}
	acq, err := NewAcquisition(dev, sink, fastConfig("T3"))
	require.NoError(t, err)
	summary, err := acq.Run(nil)
	require.NoError(t, err)
	assert.True(t, summary.Complete)
	assert.Equal(t, recs, sink.raw, "every record must reach the sink once, in order")
	assert.Equal(t, uint64(len(recs)), summary.Records)
	assert.Equal(t, 1, sink.finals)
	assert.Equal(t, 0, sink.flushes)

	// FirstRecord counts the records before each batch
	want := uint64(0)
	for _, first := range sink.firsts {
		assert.Equal(t, want, first)
		want += 7
	}
}

func TestAcquisitionDrainRetries(t *testing.T) {
	for _, retries := range []int{1, 5, 9} {
		dev := &countingDevice{Device: hydraharp.NewReplay([]uint32{1, 2, 3}, 0)}
		config := fastConfig("T2")
		config.DrainRetries = retries
		acq, err := NewAcquisition(dev, &recordingSink{}, config)
		require.NoError(t, err)
		_, err = acq.Run(nil)
		require.NoError(t, err)
		if dev.ctcChecks != retries+1 {
			t.Errorf("with DrainRetries=%d saw %d CTC checks, want %d", retries, dev.ctcChecks, retries+1)
		}
		assert.Equal(t, retries+2, dev.reads, "one read with data, then one per empty poll")
	}
}

func TestAcquisitionOverrun(t *testing.T) {
	recs := simulatedT3(t, 100, 2, 2)
	dev := hydraharp.NewReplay(recs, 5)
	dev.OverrunAt = 10
	sink := &recordingSink{}
	hb := make(chan Heartbeat, 100)
	acq, err := NewAcquisition(dev, sink, fastConfig("T3"))
	require.NoError(t, err)
	acq.SetHeartbeats(hb)

	summary, err := acq.Run(nil)
	assert.ErrorIs(t, err, ErrBufferOverrun)
	assert.Equal(t, StateError, acq.State())
	assert.False(t, summary.Complete)
	assert.Equal(t, StateError, summary.State)
	assert.Equal(t, ErrBufferOverrun.Error(), summary.Error)
	assert.Equal(t, uint64(10), summary.Records)
	assert.Equal(t, recs[:10], sink.raw, "records read before the overrun are kept")
	assert.Equal(t, 1, sink.flushes)
	assert.Equal(t, 0, sink.finals)
	assert.Equal(t, 1, dev.Stops)

	require.NotEmpty(t, hb)
	var last Heartbeat
	for len(hb) > 0 {
		last = <-hb
	}
	assert.False(t, last.Running)
	assert.Equal(t, summary.ID, last.RunID)
}

func TestAcquisitionDeviceErrors(t *testing.T) {
	for _, op := range []string{"Start", "Flags", "ReadFIFO", "CTCStatus", "Stop"} {
		dev := hydraharp.NewReplay([]uint32{5, 6, 7}, 1)
		dev.FailOp = op
		dev.FailAfter = 1
		if op == "ReadFIFO" || op == "Flags" {
			dev.FailAfter = 2
		}
		sink := &recordingSink{}
		acq, err := NewAcquisition(dev, sink, fastConfig("T2"))
		require.NoError(t, err)
		summary, err := acq.Run(nil)
		var de *DeviceError
		if !errors.As(err, &de) {
			t.Errorf("failing %s: error %v is not a DeviceError", op, err)
			continue
		}
		assert.Equal(t, op, de.Op)
		assert.Contains(t, de.Error(), op)
		assert.NotNil(t, errors.Unwrap(de))
		assert.Equal(t, StateError, acq.State(), "failing %s", op)
		assert.False(t, summary.Complete)
		assert.Equal(t, 1, sink.flushes, "failing %s", op)
	}
}

func TestAcquisitionInvalidRecord(t *testing.T) {
	recs := simulatedT3(t, 20, 2, 3)
	recs[12] = 1 << 31 // special with channel 0 cannot occur in T3
	for _, offload := range []bool{false, true} {
		dev := hydraharp.NewReplay(recs, 5)
		sink := &recordingSink{}
		config := fastConfig("T3")
		config.Offload = offload
		acq, err := NewAcquisition(dev, sink, config)
		require.NoError(t, err)
		summary, err := acq.Run(nil)
		var ire *tttr.InvalidRecordError
		require.True(t, errors.As(err, &ire), "offload=%t: error %v", offload, err)
		assert.Equal(t, uint64(12), ire.Index)
		assert.Equal(t, recs[:12], sink.raw, "offload=%t: the valid prefix is delivered", offload)
		assert.Equal(t, StateError, summary.State)
		assert.Equal(t, 1, sink.flushes)
	}
}

func TestAcquisitionHistogramChannelOutOfRange(t *testing.T) {
	enc, err := tttr.NewEncoder(tttr.T3)
	require.NoError(t, err)
	var recs []uint32
	for i, ch := range []uint32{1, 4, 2, 6, 3} {
		recs, err = enc.Photon(recs, ch, uint64(10*i), 100)
		require.NoError(t, err)
	}
	for _, offload := range []bool{false, true} {
		dev := hydraharp.NewReplay(recs, 2)
		hs, err := NewHistogramSink(tttr.T3, 4)
		require.NoError(t, err)
		config := fastConfig("T3")
		config.Offload = offload
		acq, err := NewAcquisition(dev, hs, config)
		require.NoError(t, err)

		var summary RunSummary
		require.NotPanics(t, func() { summary, err = acq.Run(nil) }, "offload=%t", offload)
		var cre *ChannelRangeError
		require.True(t, errors.As(err, &cre), "offload=%t: error %v", offload, err)
		assert.Equal(t, uint32(6), cre.Channel)
		assert.Equal(t, 4, cre.Nchan)
		assert.Equal(t, uint64(3), cre.Record)
		assert.Equal(t, StateError, summary.State)
		assert.False(t, summary.Complete)
		assert.Equal(t, 1, dev.Stops, "offload=%t: device is stopped", offload)
		assert.Equal(t, uint64(3), hs.Photons(), "offload=%t: photons before channel 6 are binned", offload)
		assert.Equal(t, uint64(1), hs.Histogram().Total(4))
	}
}

func TestAcquisitionAbort(t *testing.T) {
	dev := hydraharp.NewReplay(simulatedT3(t, 50, 2, 4), 5)
	sink := &recordingSink{}
	acq, err := NewAcquisition(dev, sink, fastConfig("T3"))
	require.NoError(t, err)
	abort := make(chan struct{})
	close(abort)
	summary, err := acq.Run(abort)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, StateError, acq.State())
	assert.False(t, summary.Complete)
	assert.Equal(t, 1, dev.Stops)
	assert.Equal(t, 1, sink.flushes)
}

func TestAcquisitionSinkAndObserverErrors(t *testing.T) {
	recs := simulatedT3(t, 30, 2, 5)
	acq, err := NewAcquisition(hydraharp.NewReplay(recs, 0), &recordingSink{failConsume: true}, fastConfig("T3"))
	require.NoError(t, err)
	_, err = acq.Run(nil)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, StateError, acq.State())

	sink := &recordingSink{}
	acq, err = NewAcquisition(hydraharp.NewReplay(recs, 0), sink, fastConfig("T3"))
	require.NoError(t, err)
	acq.AddObserver(ObserverFunc(func(b *Batch) error { return errors.New("observer gave up") }))
	_, err = acq.Run(nil)
	assert.ErrorContains(t, err, "observer gave up")

	sink = &recordingSink{failFinalze: true}
	acq, err = NewAcquisition(hydraharp.NewReplay(recs, 0), sink, fastConfig("T3"))
	require.NoError(t, err)
	summary, err := acq.Run(nil)
	assert.Error(t, err)
	assert.False(t, summary.Complete)
	assert.Equal(t, StateError, acq.State())
}

func TestAcquisitionOffloadMatchesInline(t *testing.T) {
	recs := simulatedT3(t, 20000, 4, 6)
	grids := make([][][]uint32, 2)
	summaries := make([]RunSummary, 2)
	for i, offload := range []bool{false, true} {
		hs, err := NewHistogramSink(tttr.T3, 4)
		require.NoError(t, err)
		config := fastConfig("T3")
		config.Offload = offload
		config.QueueDepth = 2
		config.ChunkSize = 333
		acq, err := NewAcquisition(hydraharp.NewReplay(recs, 0), hs, config)
		require.NoError(t, err)
		summaries[i], err = acq.Run(nil)
		require.NoError(t, err)
		grids[i] = hs.Histogram().Grid()
	}
	assert.Equal(t, grids[0], grids[1])
	assert.Equal(t, summaries[0].Photons, summaries[1].Photons)
	assert.Equal(t, summaries[0].Markers, summaries[1].Markers)
	assert.Equal(t, summaries[0].Wraps, summaries[1].Wraps)

	// histogram conservation: every photon lands in exactly one bin
	total := uint64(0)
	for _, row := range grids[0] {
		for _, c := range row {
			total += uint64(c)
		}
	}
	assert.Equal(t, summaries[0].Photons, total)
}

func TestAcquisitionRepeatable(t *testing.T) {
	recs := simulatedT3(t, 5000, 3, 7)
	dev := hydraharp.NewReplay(recs, 100)
	hs, err := NewHistogramSink(tttr.T3, 3)
	require.NoError(t, err)
	acq, err := NewAcquisition(dev, hs, fastConfig("T3"))
	require.NoError(t, err)

	first, err := acq.Run(nil)
	require.NoError(t, err)
	grid1 := hs.Histogram().Grid()
	second, err := acq.Run(nil)
	require.NoError(t, err)
	grid2 := hs.Histogram().Grid()

	assert.Equal(t, grid1, grid2, "a second run over the same records must not accumulate")
	assert.Equal(t, first.Records, second.Records)
	assert.Equal(t, first.Wraps, second.Wraps)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, dev.Starts)
}

func TestAcquisitionNotIdle(t *testing.T) {
	acq, err := NewAcquisition(hydraharp.NewReplay(nil, 0), &recordingSink{}, fastConfig("T2"))
	require.NoError(t, err)
	acq.setState(StateRunning)
	_, err = acq.Run(nil)
	assert.ErrorIs(t, err, ErrNotIdle)
	assert.Equal(t, StateRunning, acq.State(), "a refused Run leaves the state alone")
}

func TestAcquisitionSimulator(t *testing.T) {
	sim := hydraharp.DefaultSimulatorConfig()
	sim.CountRate = 50000
	hw, err := hydraharp.NewNoHardware(sim)
	require.NoError(t, err)
	hs, err := NewHistogramSink(tttr.T3, sim.Nchan)
	require.NoError(t, err)
	config := AcquisitionConfig{Mode: "T3", Tacq: 50 * time.Millisecond, Offload: true, HeartbeatInterval: time.Millisecond}
	acq, err := NewAcquisition(hw, hs, config)
	require.NoError(t, err)
	hb := make(chan Heartbeat, 1000)
	acq.SetHeartbeats(hb)

	summary, err := acq.Run(nil)
	require.NoError(t, err)
	assert.True(t, summary.Complete)
	assert.Greater(t, summary.Photons, uint64(0))
	assert.Equal(t, summary.Photons, hs.Photons())
	assert.NotEmpty(t, hb)
}

func TestAcquisitionSimulatorT2Defaults(t *testing.T) {
	sim := hydraharp.DefaultSimulatorConfig()
	sim.Mode = "T2"
	hw, err := hydraharp.NewNoHardware(sim)
	require.NoError(t, err)
	sink := &tallySink{}
	acq, err := NewAcquisition(hw, sink, AcquisitionConfig{Mode: "T2", Tacq: time.Second})
	require.NoError(t, err)

	summary, err := acq.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, summary.State)
	assert.True(t, summary.Complete)
	assert.Zero(t, hw.Lost())
	// 40 MHz divided by 16
	assert.InDelta(t, 2.5e6, float64(sink.syncs), 10)
}
