package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/tcspc"
	"github.com/usnistgov/tcspc/hydraharp"
	"github.com/usnistgov/tcspc/internal/tcspcdb"
	"github.com/usnistgov/tcspc/tttr"
)

type acquireOptions struct {
	verbose   bool
	mode      string
	tacq      time.Duration
	nchan     int
	rate      float64
	syncRate  float64
	syncDiv   int
	replay    string
	raw       string
	text      string
	histogram string
	offload   bool
	dbaddr    string
	ping      bool
}

var opt acquireOptions

func parseOptions() error {
	flag.BoolVar(&opt.verbose, "v", false, "print heartbeats while acquiring")
	flag.StringVar(&opt.mode, "m", "T3", "record mode (T2 or T3)")
	flag.DurationVar(&opt.tacq, "t", time.Second, "acquisition time")
	flag.IntVar(&opt.nchan, "n", 4, "number of simulated input channels (replays histogram all inputs)")
	flag.Float64Var(&opt.rate, "rate", 20000, "simulated photons per second per channel")
	flag.Float64Var(&opt.syncRate, "sync", 40e6, "simulated sync rate (Hz)")
	flag.IntVar(&opt.syncDiv, "syncdiv", 16, "simulated sync divider (1, 2, 4, 8 or 16)")
	flag.StringVar(&opt.replay, "replay", "", "play back records from this .npy file instead of simulating")
	flag.StringVar(&opt.raw, "raw", "", "write raw records to this .npy file")
	flag.StringVar(&opt.text, "text", "", "write one line per event to this text file")
	flag.StringVar(&opt.histogram, "hist", "", "write histograms to these comma-separated .txt or .npy files (T3 only)")
	flag.BoolVar(&opt.offload, "offload", false, "decode on a separate goroutine")
	flag.StringVar(&opt.dbaddr, "db", "", "record the run in the ClickHouse database at this address")
	flag.BoolVar(&opt.ping, "ping", false, "check that the -db server is alive, then quit")
	flag.Parse()

	if opt.ping {
		if opt.dbaddr == "" {
			opt.dbaddr = tcspcdb.DefaultAddr
		}
		return nil
	}

	if _, err := tttr.ParseMode(opt.mode); err != nil {
		return err
	}
	switch {
	case opt.tacq <= 0:
		return fmt.Errorf("acquisition time (%v) must be positive", opt.tacq)
	case opt.raw == "" && opt.text == "" && opt.histogram == "":
		return fmt.Errorf("nothing to write: give at least one of -raw, -text, -hist")
	}
	return nil
}

func makeDevice() (tcspc.Device, int, error) {
	if opt.replay != "" {
		// Recorded photons may be on any input
		r, err := hydraharp.LoadReplay(opt.replay, 0)
		return r, hydraharp.MaxInputChannels, err
	}
	config := hydraharp.DefaultSimulatorConfig()
	config.Mode = opt.mode
	config.Nchan = opt.nchan
	config.CountRate = opt.rate
	config.SyncRate = opt.syncRate
	config.SyncDivider = opt.syncDiv
	hw, err := hydraharp.NewNoHardware(config)
	if err != nil {
		return nil, 0, err
	}
	return hw, hw.NumChannels(), nil
}

func makeSink(mode tttr.Mode, nchan int, tb tcspc.Timebase) (tcspc.EventSink, error) {
	var sinks tcspc.MultiSink
	if opt.histogram != "" {
		hs, err := tcspc.NewHistogramSink(mode, nchan)
		if err != nil {
			return nil, err
		}
		hs.SetOutputs(strings.Split(opt.histogram, ",")...)
		sinks = append(sinks, hs)
	}
	if opt.raw != "" {
		sinks = append(sinks, tcspc.NewRawSink(opt.raw))
	}
	if opt.text != "" {
		ts, err := tcspc.NewTextSink(opt.text, mode, tb)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ts)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func acquire() (tcspc.RunSummary, error) {
	mode, _ := tttr.ParseMode(opt.mode)
	device, nchan, err := makeDevice()
	if err != nil {
		return tcspc.RunSummary{}, err
	}
	tb, _ := device.(tcspc.Timebase)
	sink, err := makeSink(mode, nchan, tb)
	if err != nil {
		return tcspc.RunSummary{}, err
	}
	config := tcspc.AcquisitionConfig{Mode: opt.mode, Tacq: opt.tacq, Offload: opt.offload}
	acq, err := tcspc.NewAcquisition(device, sink, config)
	if err != nil {
		return tcspc.RunSummary{}, err
	}

	heartbeats := make(chan tcspc.Heartbeat, 10)
	acq.SetHeartbeats(heartbeats)
	go func() {
		for hb := range heartbeats {
			if opt.verbose {
				log.Printf("%7.2f s: %10d records, %10d photons, %6d markers\n", hb.Time, hb.Records, hb.Photons, hb.Markers)
			}
		}
	}()
	defer close(heartbeats)

	// Trap interrupts so we can cleanly exit the program
	abort := make(chan struct{})
	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt)
	go func() {
		<-interruptCatcher
		close(abort)
	}()
	summary, err := acq.Run(abort)
	if hw, ok := device.(*hydraharp.NoHardware); ok && opt.verbose {
		log.Print("simulator at end of run: ", hw.Inspect())
	}
	return summary, err
}

func recordRun(summary tcspc.RunSummary) {
	if opt.dbaddr == "" {
		return
	}
	host, _ := os.Hostname()
	activity := &tcspcdb.ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  host,
		Githash:   tcspc.Build.Githash,
		Version:   tcspc.Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     tcspc.StartTime,
	}
	abort := make(chan struct{})
	db := tcspcdb.StartDBConnection(opt.dbaddr, activity, abort)
	if !db.IsConnected() {
		log.Println("ERROR: ", db.Err())
		return
	}
	device := "SIMULATOR"
	if opt.replay != "" {
		device = "REPLAY " + filepath.Base(opt.replay)
	}
	db.RecordAcquisition(&tcspcdb.AcquisitionMessage{
		ID:        summary.ID,
		Mode:      summary.Mode,
		Sink:      strings.Join([]string{opt.histogram, opt.raw, opt.text}, " "),
		Device:    device,
		Nchannels: opt.nchan,
		Tacq:      opt.tacq,
		Records:   summary.Records,
		Photons:   summary.Photons,
		Markers:   summary.Markers,
		Overflows: summary.Overflows,
		Complete:  summary.Complete,
		Error:     summary.Error,
		Start:     summary.Start,
		End:       summary.End,
	})
	close(abort) // also records the end of the activity
	db.Wait()
}

func main() {
	err := parseOptions()
	if err != nil {
		log.Println("ERROR: ", err)
		os.Exit(2)
	}
	if opt.ping {
		if err := tcspcdb.PingServer(opt.dbaddr); err != nil {
			log.Println("ERROR: ", err)
			os.Exit(1)
		}
		return
	}

	summary, err := acquire()
	if summary.ID != "" {
		recordRun(summary)
		log.Printf("Run %s %s: %d records, %d photons, %d markers, %d overflow records (%d wraps)\n",
			summary.ID, summary.State, summary.Records, summary.Photons, summary.Markers,
			summary.Overflows, summary.Wraps)
	}
	if err != nil {
		log.Println("ERROR: ", err)
		os.Exit(1)
	}
}
