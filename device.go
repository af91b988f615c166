package tcspc

import (
	"errors"
	"fmt"
	"time"

	"github.com/usnistgov/tcspc/hydraharp"
)

// Flags is the instrument's status flag word.
type Flags = hydraharp.Flags

// Bits of the Flags word
const (
	FlagOverflow = hydraharp.FlagOverflow
	FlagFIFOFull = hydraharp.FlagFIFOFull
)

// Device is an instrument in time-tagging mode, already opened and configured.
// The acquisition loop calls it from a single goroutine.
type Device interface {
	// Start begins a measurement that the instrument ends by itself after tacq.
	Start(tacq time.Duration) error
	// Stop ends the measurement. It is safe to call more than once.
	Stop() error
	// Flags returns the current status flags.
	Flags() (Flags, error)
	// ReadFIFO moves up to len(buf) records into buf and returns how many.
	// Fewer than len(buf), including zero, is normal.
	ReadFIFO(buf []uint32) (int, error)
	// CTCStatus tells whether the acquisition time has elapsed.
	CTCStatus() (bool, error)
}

// Timebase is implemented by devices that can report the scale of their time fields.
type Timebase interface {
	// Resolution returns the size of one time (T2) or delay-time (T3) unit in picoseconds.
	Resolution() (float64, error)
	// SyncPeriod returns the sync period in seconds.
	SyncPeriod() (float64, error)
}

// DeviceError reports a failed call to a Device.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s failed: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func deviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DeviceError{Op: op, Err: err}
}

// Errors that end an acquisition
var (
	// ErrBufferOverrun means the instrument FIFO overflowed and records were lost.
	ErrBufferOverrun = errors.New("instrument FIFO overrun: records were lost")
	// ErrAborted means the caller asked the acquisition to stop early.
	ErrAborted = errors.New("acquisition aborted")
	// ErrNotIdle means Run was called while another run was in progress.
	ErrNotIdle = errors.New("acquisition is already running")
)
