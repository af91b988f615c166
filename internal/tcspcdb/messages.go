package tcspcdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the tcspcactivity table: one row per
// server session.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// AcquisitionMessage is the information required to make an entry in the
// acquisitions table. It is sent once when a run starts and again when it ends.
type AcquisitionMessage struct {
	ID        string
	Mode      string
	Sink      string
	Device    string
	Directory string
	Nchannels int
	Tacq      time.Duration
	Records   uint64
	Photons   uint64
	Markers   uint64
	Overflows uint64
	Complete  bool
	Error     string
	Start     time.Time
	End       time.Time
}
