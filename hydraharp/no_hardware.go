// Package hydraharp provides instruments that need no hardware: a simulated
// HydraHarp in time-tagging mode, and a player for recorded record streams.
package hydraharp

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/tcspc/internal/ringbuffer"
	"github.com/usnistgov/tcspc/tttr"
	"gonum.org/v1/gonum/stat/distuv"
)

// MaxInputChannels is the number of input channels of the largest HydraHarp.
const MaxInputChannels = 8

// SimulatorConfig holds the settings of a simulated instrument.
type SimulatorConfig struct {
	Mode        string  // "T2" or "T3"
	Nchan       int     // input channels, 1..8
	CountRate   float64 // photons per second on each input
	SyncRate    float64 // sync events per second (the laser repetition rate)
	SyncDivider int     // only every SyncDivider-th sync is used: 1, 2, 4, 8 or 16
	MarkerRate  float64 // marker events per second; 0 for none
	Lifetime    float64 // fluorescence decay time in ns (T3 delay times)
	Resolution  float64 // ps per time unit
	FIFODepth   int     // records the FIFO holds before it overruns
	Seed        uint64
}

// DefaultSimulatorConfig returns a modest 4-channel T3 instrument.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Mode:        "T3",
		Nchan:       4,
		CountRate:   20000,
		SyncRate:    40e6,
		SyncDivider: 16,
		MarkerRate:  10,
		Lifetime:    3.5,
		Resolution:  1,
		FIFODepth:   1 << 22,
		Seed:        1,
	}
}

// NoHardware is a drop-in replacement for a HydraHarp (implements the
// tcspc Device and Timebase interfaces) that requires no hardware. Events are generated at
// random in proportion to the real time elapsed since Start and queued in a
// bounded FIFO that overruns if it is not read quickly enough.
type NoHardware struct {
	config  SimulatorConfig
	mode    tttr.Mode
	encoder *tttr.Encoder
	fifo    *ringbuffer.RingBuffer
	rng     *rand.Rand
	arrival distuv.Exponential
	decay   distuv.Exponential
	maxDt   uint32

	isStarted  bool
	tStart     time.Time
	tacq       time.Duration
	generated  float64 // seconds of the measurement already simulated
	nextPhoton float64
	nextMarker float64
	nextSync   float64
	syncIndex  uint64
	lastTicks  uint64
	markerBit  uint32
	records    []uint32 // scratch
	clock      func() time.Time
	sync.Mutex
}

// NewNoHardware checks config and returns a simulated instrument.
func NewNoHardware(config SimulatorConfig) (*NoHardware, error) {
	mode, err := tttr.ParseMode(config.Mode)
	if err != nil {
		return nil, err
	}
	if config.Nchan < 1 || config.Nchan > MaxInputChannels {
		return nil, fmt.Errorf("NoHardware: Nchan=%d, want 1..%d", config.Nchan, MaxInputChannels)
	}
	if config.CountRate <= 0 || config.SyncRate <= 0 || config.MarkerRate < 0 {
		return nil, fmt.Errorf("NoHardware: rates must be positive (count %g, sync %g, marker %g)",
			config.CountRate, config.SyncRate, config.MarkerRate)
	}
	switch config.SyncDivider {
	case 1, 2, 4, 8, 16:
	default:
		return nil, fmt.Errorf("NoHardware: SyncDivider=%d, want 1, 2, 4, 8 or 16", config.SyncDivider)
	}
	if config.Resolution <= 0 || config.Lifetime <= 0 {
		return nil, fmt.Errorf("NoHardware: resolution %g ps and lifetime %g ns must be positive",
			config.Resolution, config.Lifetime)
	}
	fifo, err := ringbuffer.NewRingBuffer(config.FIFODepth)
	if err != nil {
		return nil, err
	}
	encoder, err := tttr.NewEncoder(mode)
	if err != nil {
		return nil, err
	}
	src := rand.NewPCG(config.Seed, config.Seed^0x5eed)
	hw := &NoHardware{
		config:  config,
		mode:    mode,
		encoder: encoder,
		fifo:    fifo,
		rng:     rand.New(src),
		arrival: distuv.Exponential{Rate: config.CountRate * float64(config.Nchan), Src: src},
		decay:   distuv.Exponential{Rate: 1 / config.Lifetime, Src: src},
		clock:   time.Now,
	}
	// Delay times cannot exceed one sync period or the width of the dtime field.
	period := 1e12 * hw.syncPeriod() / config.Resolution
	hw.maxDt = uint32(min(period, float64(mode.Layout().DtimeBins()-1)))
	return hw, nil
}

// Config returns the simulator settings.
func (hw *NoHardware) Config() SimulatorConfig {
	return hw.config
}

// NumChannels returns the number of input channels.
func (hw *NoHardware) NumChannels() int {
	return hw.config.Nchan
}

// Start begins a simulated measurement of length tacq. It errors if already started.
func (hw *NoHardware) Start(tacq time.Duration) error {
	hw.Lock()
	defer hw.Unlock()
	if hw.isStarted {
		return fmt.Errorf("NoHardware.Start: already started")
	}
	if tacq <= 0 {
		return fmt.Errorf("NoHardware.Start: acquisition time %v must be positive", tacq)
	}
	hw.isStarted = true
	hw.tStart = hw.clock()
	hw.tacq = tacq
	hw.generated = 0
	hw.fifo.Reset()
	hw.encoder.Reset()
	hw.nextPhoton = hw.arrival.Rand()
	hw.nextMarker = math.Inf(1)
	if hw.config.MarkerRate > 0 {
		hw.nextMarker = 1 / hw.config.MarkerRate
	}
	hw.nextSync = math.Inf(1)
	hw.syncIndex = 0
	hw.lastTicks = 0
	if hw.mode == tttr.T2 {
		hw.nextSync = 0
	}
	hw.markerBit = 1
	return nil
}

// Stop ends the measurement. Records already in the FIFO stay readable.
func (hw *NoHardware) Stop() error {
	hw.Lock()
	defer hw.Unlock()
	if hw.isStarted {
		hw.generate()
		hw.isStarted = false
	}
	return nil
}

// Flags generates events up to now and reports FlagFIFOFull if the FIFO has overrun.
func (hw *NoHardware) Flags() (Flags, error) {
	hw.Lock()
	defer hw.Unlock()
	hw.generate()
	var f Flags
	if hw.fifo.Full() {
		f |= FlagFIFOFull
	}
	return f, nil
}

// ReadFIFO generates events up to now and moves up to len(buf) records into buf.
func (hw *NoHardware) ReadFIFO(buf []uint32) (int, error) {
	hw.Lock()
	defer hw.Unlock()
	hw.generate()
	return hw.fifo.Read(buf), nil
}

// CTCStatus tells whether the acquisition time has elapsed.
func (hw *NoHardware) CTCStatus() (bool, error) {
	hw.Lock()
	defer hw.Unlock()
	if !hw.isStarted {
		return true, nil
	}
	return hw.clock().Sub(hw.tStart) >= hw.tacq, nil
}

// Resolution returns the size of one time unit in ps.
func (hw *NoHardware) Resolution() (float64, error) {
	return hw.config.Resolution, nil
}

// SyncPeriod returns the period of the divided sync in seconds.
func (hw *NoHardware) SyncPeriod() (float64, error) {
	return hw.syncPeriod(), nil
}

func (hw *NoHardware) syncPeriod() float64 {
	return float64(hw.config.SyncDivider) / hw.config.SyncRate
}

// Lost returns the number of records dropped by FIFO overruns in this measurement.
func (hw *NoHardware) Lost() uint64 {
	return hw.fifo.Lost()
}

// Inspect returns a human-readable dump of the simulator state.
func (hw *NoHardware) Inspect() string {
	hw.Lock()
	defer hw.Unlock()
	fifo := map[string]uint64{
		"capacity": uint64(hw.fifo.Cap()),
		"queued":   uint64(hw.fifo.Len()),
		"written":  hw.fifo.Written(),
		"lost":     hw.fifo.Lost(),
	}
	return spew.Sdump(hw.config, hw.isStarted, hw.generated, fifo)
}

// ticks converts seconds since Start to the time unit of the record mode.
func (hw *NoHardware) ticks(t float64) uint64 {
	if hw.mode == tttr.T3 {
		return uint64(t / hw.syncPeriod())
	}
	return uint64(t * 1e12 / hw.config.Resolution)
}

// stamp keeps event times non-decreasing despite rounding.
func (hw *NoHardware) stamp(ticks uint64) uint64 {
	hw.lastTicks = max(ticks, hw.lastTicks)
	return hw.lastTicks
}

// generate simulates events from where it left off up to the present (or the
// end of the measurement) and queues their records in the FIFO.
func (hw *NoHardware) generate() {
	if !hw.isStarted {
		return
	}
	until := min(hw.clock().Sub(hw.tStart).Seconds(), hw.tacq.Seconds())
	if until <= hw.generated {
		return
	}
	recs := hw.records[:0]
	for {
		t := min(hw.nextPhoton, hw.nextMarker, hw.nextSync)
		if t >= until {
			break
		}
		var err error
		switch t {
		case hw.nextSync:
			// computed from the index so that sync times do not drift
			ticks := uint64(math.Round(float64(hw.syncIndex) * 1e12 * hw.syncPeriod() / hw.config.Resolution))
			recs, err = hw.encoder.Sync(recs, hw.stamp(ticks))
			hw.syncIndex++
			hw.nextSync = float64(hw.syncIndex) * hw.syncPeriod()
		case hw.nextMarker:
			recs, err = hw.encoder.Marker(recs, hw.markerBit, hw.stamp(hw.ticks(t)))
			hw.markerBit = hw.markerBit<<1&0xf | hw.markerBit>>3
			hw.nextMarker += 1 / hw.config.MarkerRate
		default:
			channel := uint32(1 + hw.rng.IntN(hw.config.Nchan))
			dtime := uint32(0)
			if hw.mode == tttr.T3 {
				dtime = uint32(min(hw.decay.Rand()*1000/hw.config.Resolution, float64(hw.maxDt)))
			}
			recs, err = hw.encoder.Photon(recs, channel, hw.stamp(hw.ticks(t)), dtime)
			hw.nextPhoton += hw.arrival.Rand()
		}
		if err != nil {
			panic(fmt.Sprintf("NoHardware generated an unencodable event: %v", err))
		}
	}
	hw.generated = until
	hw.fifo.Write(recs)
	hw.records = recs
}
