package hydraharp

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sbinet/npyio"
)

// Replay is an instrument that plays back a fixed record stream. Each Start
// rewinds to the beginning, so repeated runs see identical data. The
// measurement is complete once every record has been read.
type Replay struct {
	records    []uint32
	pos        int
	maxRead    int
	resolution float64
	syncPeriod float64
	isStarted  bool

	// OverrunAt makes Flags report FlagFIFOFull once this many records have
	// been read. Zero disables it.
	OverrunAt int
	// FailOp names a method ("Start", "Flags", "ReadFIFO", "CTCStatus" or
	// "Stop") that returns an error on its FailAfter'th call in a run (1-based).
	FailOp    string
	FailAfter int
	// EmptyEvery makes every EmptyEvery'th read return no records. Zero disables it.
	EmptyEvery int

	calls  map[string]int
	Starts int
	Stops  int
	Reads  int // ReadFIFO calls that returned records
	sync.Mutex
}

// NewReplay returns a device that plays records back at most maxRead at a
// time (0 for no limit). The slice is not copied.
func NewReplay(records []uint32, maxRead int) *Replay {
	return &Replay{
		records:    records,
		maxRead:    maxRead,
		resolution: 1,
		syncPeriod: 25e-9,
		calls:      make(map[string]int),
	}
}

// LoadReplay reads a .npy file of uint32 records, as written by a raw sink.
func LoadReplay(filename string, maxRead int) (*Replay, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var records []uint32
	if err := npyio.Read(f, &records); err != nil {
		return nil, fmt.Errorf("reading records from %s: %w", filename, err)
	}
	return NewReplay(records, maxRead), nil
}

// SetTimebase sets the values reported by Resolution (ps) and SyncPeriod (s).
func (r *Replay) SetTimebase(resolution, syncPeriod float64) {
	r.resolution = resolution
	r.syncPeriod = syncPeriod
}

// Len returns the number of records in the stream.
func (r *Replay) Len() int {
	return len(r.records)
}

func (r *Replay) fail(op string) error {
	r.calls[op]++
	if r.FailOp == op && r.calls[op] == r.FailAfter {
		return fmt.Errorf("Replay.%s: simulated failure on call %d", op, r.FailAfter)
	}
	return nil
}

// Start rewinds the stream. It errors if already started.
func (r *Replay) Start(tacq time.Duration) error {
	r.Lock()
	defer r.Unlock()
	clear(r.calls)
	if err := r.fail("Start"); err != nil {
		return err
	}
	if r.isStarted {
		return fmt.Errorf("Replay.Start: already started")
	}
	r.isStarted = true
	r.pos = 0
	r.Starts++
	return nil
}

// Stop ends playback.
func (r *Replay) Stop() error {
	r.Lock()
	defer r.Unlock()
	r.isStarted = false
	r.Stops++
	return r.fail("Stop")
}

// Flags reports FlagFIFOFull once OverrunAt records have been read.
func (r *Replay) Flags() (Flags, error) {
	r.Lock()
	defer r.Unlock()
	if err := r.fail("Flags"); err != nil {
		return 0, err
	}
	if r.OverrunAt > 0 && r.pos >= r.OverrunAt {
		return FlagFIFOFull, nil
	}
	return 0, nil
}

// ReadFIFO copies the next records of the stream into buf.
func (r *Replay) ReadFIFO(buf []uint32) (int, error) {
	r.Lock()
	defer r.Unlock()
	if err := r.fail("ReadFIFO"); err != nil {
		return 0, err
	}
	if !r.isStarted {
		return 0, fmt.Errorf("Replay.ReadFIFO: not started")
	}
	if r.EmptyEvery > 0 && r.calls["ReadFIFO"]%r.EmptyEvery == 0 {
		return 0, nil
	}
	n := len(buf)
	if r.maxRead > 0 {
		n = min(n, r.maxRead)
	}
	n = copy(buf[:n], r.records[r.pos:])
	r.pos += n
	if n > 0 {
		r.Reads++
	}
	return n, nil
}

// CTCStatus tells whether the whole stream has been read.
func (r *Replay) CTCStatus() (bool, error) {
	r.Lock()
	defer r.Unlock()
	if err := r.fail("CTCStatus"); err != nil {
		return false, err
	}
	return r.pos >= len(r.records), nil
}

// Resolution returns the time unit in ps.
func (r *Replay) Resolution() (float64, error) {
	return r.resolution, nil
}

// SyncPeriod returns the sync period in seconds.
func (r *Replay) SyncPeriod() (float64, error) {
	return r.syncPeriod, nil
}
