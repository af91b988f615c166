package tcspc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/tcspc/tttr"
)

// AcquisitionState is used to indicate where an Acquisition is in its run cycle
type AcquisitionState int

// Names for the possible values of AcquisitionState
const (
	StateIdle     AcquisitionState = iota // never run
	StateArmed                            // decoder and sink reset, device not yet started
	StateRunning                          // reading the FIFO while the device measures
	StateDraining                         // measurement over, emptying the FIFO
	StateStopped                          // run completed and sink finalized
	StateError                            // run failed; sink flushed, data incomplete
)

func (s AcquisitionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateArmed:
		return "Armed"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	}
	return fmt.Sprintf("AcquisitionState(%d)", int(s))
}

// Active tells whether a run is in progress in state s.
func (s AcquisitionState) Active() bool {
	return s == StateArmed || s == StateRunning || s == StateDraining
}

// Defaults for AcquisitionConfig fields left zero
const (
	DefaultChunkSize         = 131072 // records per FIFO read
	DefaultDrainRetries      = 5
	DefaultQueueDepth        = 16
	DefaultPollInterval      = time.Millisecond
	DefaultHeartbeatInterval = time.Second
)

// AcquisitionConfig holds the settings of one acquisition.
type AcquisitionConfig struct {
	Mode         string        // "T2" or "T3"
	Tacq         time.Duration // measurement time
	ChunkSize    int           // maximum records per FIFO read
	DrainRetries int           // empty reads allowed after the measurement ends
	// PollInterval is the pause after a FIFO read returns nothing.
	PollInterval time.Duration
	// Offload decodes on a separate goroutine fed through a bounded queue of
	// QueueDepth chunks. When the queue is full, FIFO reading waits.
	Offload           bool
	QueueDepth        int
	HeartbeatInterval time.Duration
}

// Validate fills in defaults and checks the configuration, returning the record mode.
func (c *AcquisitionConfig) Validate() (tttr.Mode, error) {
	mode, err := tttr.ParseMode(c.Mode)
	if err != nil {
		return mode, err
	}
	if c.Tacq <= 0 {
		return mode, fmt.Errorf("acquisition time %v must be positive", c.Tacq)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize < 0 {
		return mode, fmt.Errorf("ChunkSize %d must be positive", c.ChunkSize)
	}
	if c.DrainRetries == 0 {
		c.DrainRetries = DefaultDrainRetries
	}
	if c.DrainRetries < 0 {
		return mode, fmt.Errorf("DrainRetries %d must not be negative", c.DrainRetries)
	}
	if c.PollInterval < 0 {
		c.PollInterval = 0
	} else if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return mode, nil
}

// Heartbeat is the progress message sent while a run is active.
type Heartbeat struct {
	RunID   string
	Running bool
	Records uint64
	Photons uint64
	Markers uint64
	Time    float64 // seconds since the device started
}

// RunSummary describes one finished run.
type RunSummary struct {
	ID        string
	Mode      string
	State     AcquisitionState
	Complete  bool // false if the run ended in error: output holds only what was captured
	Records   uint64
	Photons   uint64
	Markers   uint64
	Overflows uint64 // overflow records
	Wraps     uint64 // time-field wraps they carried
	Start     time.Time
	End       time.Time
	Error     string
}

// Acquisition runs the streaming loop: it starts the device, drains its FIFO,
// decodes every record in order and routes the batches to the sink and observers.
type Acquisition struct {
	device     Device
	sink       EventSink
	config     AcquisitionConfig
	mode       tttr.Mode
	decoder    *tttr.Decoder
	observers  []BatchObserver
	heartbeats chan<- Heartbeat
	events     []tttr.Event // scratch, owned by whichever goroutine decodes

	state     AcquisitionState
	runID     string
	stateLock sync.Mutex

	records   atomic.Uint64
	photons   atomic.Uint64
	markers   atomic.Uint64
	overflows atomic.Uint64
	started   time.Time
}

// NewAcquisition checks config and prepares an acquisition from device into sink.
func NewAcquisition(device Device, sink EventSink, config AcquisitionConfig) (*Acquisition, error) {
	if device == nil {
		return nil, errors.New("acquisition needs a device")
	}
	if sink == nil {
		return nil, errors.New("acquisition needs a sink")
	}
	mode, err := config.Validate()
	if err != nil {
		return nil, err
	}
	decoder, err := tttr.NewDecoder(mode)
	if err != nil {
		return nil, err
	}
	return &Acquisition{
		device:  device,
		sink:    sink,
		config:  config,
		mode:    mode,
		decoder: decoder,
	}, nil
}

// AddObserver registers o to see every decoded batch. Call it before Run.
func (a *Acquisition) AddObserver(o BatchObserver) {
	a.observers = append(a.observers, o)
}

// SetHeartbeats makes the acquisition send progress to hb, never blocking.
func (a *Acquisition) SetHeartbeats(hb chan<- Heartbeat) {
	a.heartbeats = hb
}

// Mode returns the record mode.
func (a *Acquisition) Mode() tttr.Mode {
	return a.mode
}

// Config returns the validated configuration.
func (a *Acquisition) Config() AcquisitionConfig {
	return a.config
}

// State returns the current state in a race-free fashion
func (a *Acquisition) State() AcquisitionState {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	return a.state
}

func (a *Acquisition) setState(s AcquisitionState) {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	a.state = s
}

// RunID returns the ID of the current or most recent run.
func (a *Acquisition) RunID() string {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	return a.runID
}

// Progress returns the number of records read from the device in this run.
func (a *Acquisition) Progress() uint64 {
	return a.records.Load()
}

// arm resets the run state. Allowed from Idle, Stopped and Error.
func (a *Acquisition) arm() error {
	a.stateLock.Lock()
	if a.state.Active() {
		a.stateLock.Unlock()
		return ErrNotIdle
	}
	a.state = StateArmed
	a.runID = ulid.Make().String()
	a.stateLock.Unlock()

	a.decoder.Reset()
	a.records.Store(0)
	a.photons.Store(0)
	a.markers.Store(0)
	a.overflows.Store(0)
	return a.sink.Reset()
}

// Run performs one complete acquisition. It returns when the device has
// finished and its FIFO is drained, or on the first error. Closing abort ends
// the run at the next loop iteration with ErrAborted.
//
// On success the sink is finalized and the state is StateStopped. On error
// the device is stopped, the sink is flushed, the state is StateError and
// the summary is marked incomplete.
func (a *Acquisition) Run(abort <-chan struct{}) (RunSummary, error) {
	if err := a.arm(); err != nil {
		if errors.Is(err, ErrNotIdle) {
			return RunSummary{}, err
		}
		a.setState(StateError)
		return a.summary(false, err), fmt.Errorf("resetting sink: %w", err)
	}

	a.started = time.Now()
	if err := a.device.Start(a.config.Tacq); err != nil {
		return a.fail(deviceError("Start", err))
	}
	a.setState(StateRunning)

	var proc processor = &inlineProcessor{a}
	if a.config.Offload {
		proc = newOffloadProcessor(a, a.config.QueueDepth)
	}
	runErr := a.poll(proc, abort)
	if err := proc.close(); runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return a.fail(runErr)
	}

	if err := a.device.Stop(); err != nil {
		return a.fail(deviceError("Stop", err))
	}
	if err := a.sink.Finalize(); err != nil {
		a.setState(StateError)
		err = fmt.Errorf("finalizing sink: %w", err)
		a.sendHeartbeat(false)
		return a.summary(false, err), err
	}
	a.setState(StateStopped)
	a.sendHeartbeat(false)
	return a.summary(true, nil), nil
}

// poll is the FIFO drain loop. It returns nil when the drain retries are used up.
func (a *Acquisition) poll(proc processor, abort <-chan struct{}) error {
	buffer := make([]uint32, a.config.ChunkSize)
	stopretry := 0
	lastHeartbeat := time.Now()
	for {
		select {
		case <-abort:
			return ErrAborted
		default:
		}
		if err := proc.err(); err != nil {
			return err
		}

		flags, err := a.device.Flags()
		if err != nil {
			return deviceError("Flags", err)
		}
		if flags&FlagFIFOFull != 0 {
			return ErrBufferOverrun
		}

		n, err := a.device.ReadFIFO(buffer)
		if err != nil {
			return deviceError("ReadFIFO", err)
		}
		if n > len(buffer) || n < 0 {
			return deviceError("ReadFIFO", fmt.Errorf("returned %d records into a buffer of %d", n, len(buffer)))
		}
		if n > 0 {
			if err := proc.submit(buffer[:n], a.records.Load()); err != nil {
				return err
			}
			a.records.Add(uint64(n))
			if time.Since(lastHeartbeat) >= a.config.HeartbeatInterval {
				a.sendHeartbeat(true)
				lastHeartbeat = time.Now()
			}
			continue
		}

		done, err := a.device.CTCStatus()
		if err != nil {
			return deviceError("CTCStatus", err)
		}
		if done {
			if a.State() == StateRunning {
				a.setState(StateDraining)
			}
			stopretry++
			if stopretry > a.config.DrainRetries {
				return nil
			}
		}
		if a.config.PollInterval > 0 {
			time.Sleep(a.config.PollInterval)
		}
	}
}

// fail ends a run in the Error state.
func (a *Acquisition) fail(runErr error) (RunSummary, error) {
	if err := a.device.Stop(); err != nil {
		ProblemLogger.Printf("run %s: stopping device after error: %v", a.RunID(), err)
	}
	if err := a.sink.Flush(); err != nil {
		ProblemLogger.Printf("run %s: flushing sink after error: %v", a.RunID(), err)
	}
	a.setState(StateError)
	ProblemLogger.Printf("run %s ended in error after %d records: %v", a.RunID(), a.records.Load(), runErr)
	var ire *tttr.InvalidRecordError
	if errors.As(runErr, &ire) {
		ProblemLogger.Printf("decoder state at the invalid record: %s", spew.Sdump(a.decoder.Correction()))
	}
	a.sendHeartbeat(false)
	return a.summary(false, runErr), runErr
}

func (a *Acquisition) summary(complete bool, err error) RunSummary {
	s := RunSummary{
		ID:        a.RunID(),
		Mode:      a.mode.String(),
		State:     a.State(),
		Complete:  complete,
		Records:   a.records.Load(),
		Photons:   a.photons.Load(),
		Markers:   a.markers.Load(),
		Overflows: a.overflows.Load(),
		Wraps:     a.decoder.Correction().Wraps,
		Start:     a.started,
		End:       time.Now(),
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func (a *Acquisition) sendHeartbeat(running bool) {
	if a.heartbeats == nil {
		return
	}
	hb := Heartbeat{
		RunID:   a.RunID(),
		Running: running,
		Records: a.records.Load(),
		Photons: a.photons.Load(),
		Markers: a.markers.Load(),
		Time:    time.Since(a.started).Seconds(),
	}
	select {
	case a.heartbeats <- hb:
	default:
	}
}

// handle decodes one chunk and hands it to the sink and observers. Records
// before an invalid one are still delivered.
func (a *Acquisition) handle(recs []uint32, first uint64) error {
	events, decodeErr := a.decoder.DecodeAll(recs, a.events[:0])
	a.events = events
	if len(events) == 0 {
		return decodeErr
	}
	var nphot, nmark, novfl uint64
	for _, ev := range events {
		switch ev.Kind {
		case tttr.Photon:
			nphot++
		case tttr.Marker:
			nmark++
		case tttr.Overflow:
			novfl++
		}
	}
	batch := Batch{FirstRecord: first, Raw: recs[:len(events)], Events: events}
	if err := a.sink.Consume(&batch); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	a.photons.Add(nphot)
	a.markers.Add(nmark)
	a.overflows.Add(novfl)
	for _, o := range a.observers {
		if err := o.ObserveBatch(&batch); err != nil {
			return fmt.Errorf("observer: %w", err)
		}
	}
	return decodeErr
}

// processor decides where chunks are decoded.
type processor interface {
	submit(recs []uint32, first uint64) error // recs is reused after submit returns
	err() error                               // a failure seen so far, without waiting
	close() error                             // wait for all submitted chunks
}

// inlineProcessor decodes on the polling goroutine.
type inlineProcessor struct {
	a *Acquisition
}

func (p *inlineProcessor) submit(recs []uint32, first uint64) error {
	return p.a.handle(recs, first)
}

func (p *inlineProcessor) err() error   { return nil }
func (p *inlineProcessor) close() error { return nil }

type chunk struct {
	recs  []uint32
	first uint64
}

// offloadProcessor decodes on a worker goroutine. Chunks pass through a
// bounded queue in order; submit blocks while the queue is full.
type offloadProcessor struct {
	a       *Acquisition
	queue   chan chunk
	done    chan struct{}
	failed  atomic.Bool
	lastErr error // written by the worker before done is closed or failed is set
	errLock sync.Mutex
}

func newOffloadProcessor(a *Acquisition, depth int) *offloadProcessor {
	p := &offloadProcessor{
		a:     a,
		queue: make(chan chunk, depth),
		done:  make(chan struct{}),
	}
	go p.work()
	return p
}

func (p *offloadProcessor) work() {
	defer close(p.done)
	for c := range p.queue {
		if p.failed.Load() {
			continue // discard, so the poller never blocks on a dead worker
		}
		if err := p.a.handle(c.recs, c.first); err != nil {
			p.errLock.Lock()
			p.lastErr = err
			p.errLock.Unlock()
			p.failed.Store(true)
		}
	}
}

func (p *offloadProcessor) submit(recs []uint32, first uint64) error {
	p.queue <- chunk{recs: append([]uint32(nil), recs...), first: first}
	return nil
}

func (p *offloadProcessor) err() error {
	if !p.failed.Load() {
		return nil
	}
	p.errLock.Lock()
	defer p.errLock.Unlock()
	return p.lastErr
}

func (p *offloadProcessor) close() error {
	close(p.queue)
	<-p.done
	p.errLock.Lock()
	defer p.errLock.Unlock()
	return p.lastErr
}
