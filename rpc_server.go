package tcspc

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"github.com/usnistgov/tcspc/hydraharp"
	"github.com/usnistgov/tcspc/internal/tcspcdb"
)

// AcquisitionControl is the sub-server that handles configuration and
// operation of acquisitions from the simulated instrument.
type AcquisitionControl struct {
	simConfig hydraharp.SimulatorConfig
	acqConfig AcquisitionConfig
	writing   WritingConfig
	replay    string // if not empty, a raw record file to play instead of simulating

	device      Device
	acquisition *Acquisition
	plan        *OutputPlan
	abort       chan struct{}
	done        chan struct{}
	lastSummary *RunSummary

	status        ServerStatus
	clientUpdates chan<- ClientUpdate
	db            *tcspcdb.DBConnection
	sync.Mutex
}

// ServerStatus the status that AcquisitionControl reports to clients.
type ServerStatus struct {
	Running   bool
	State     string
	Mode      string
	Sink      string
	Device    string
	Nchannels int
	RunID     string
	Directory string
}

// NewAcquisitionControl creates a new AcquisitionControl object with default configuration.
func NewAcquisitionControl() *AcquisitionControl {
	ac := &AcquisitionControl{
		simConfig:     hydraharp.DefaultSimulatorConfig(),
		acqConfig:     AcquisitionConfig{Mode: "T3", Tacq: 10 * time.Second},
		writing:       DefaultWritingConfig(),
		clientUpdates: clientMessageChan,
		db:            tcspcdb.DummyDBConnection(),
	}
	ac.status.State = StateIdle.String()
	return ac
}

// saveConfig stores value under key in the config file, if there is one.
func saveConfig(key string, value interface{}) {
	viper.Set(key, value)
	if err := viper.WriteConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			ProblemLogger.Printf("could not save %s configuration: %v", key, err)
		}
	}
}

// ConfigureSimulator sets up the simulated instrument used by later runs.
func (ac *AcquisitionControl) ConfigureSimulator(args *hydraharp.SimulatorConfig, reply *bool) error {
	log.Printf("ConfigureSimulator: %s %d chan, rate=%.1f/s\n", args.Mode, args.Nchan, args.CountRate)
	if _, err := hydraharp.NewNoHardware(*args); err != nil {
		*reply = false
		return err
	}
	ac.Lock()
	ac.simConfig = *args
	ac.replay = ""
	ac.Unlock()
	saveConfig("simulator", *args)
	ac.clientUpdates <- ClientUpdate{"SIMULATOR", *args}
	*reply = true
	return nil
}

// ConfigureReplay makes later runs play back a raw record file instead of simulating.
// An empty filename returns to simulation.
func (ac *AcquisitionControl) ConfigureReplay(filename *string, reply *bool) error {
	if *filename != "" {
		if _, err := os.Stat(*filename); err != nil {
			*reply = false
			return err
		}
	}
	ac.Lock()
	ac.replay = *filename
	ac.Unlock()
	ac.clientUpdates <- ClientUpdate{"REPLAY", *filename}
	*reply = true
	return nil
}

// ConfigureAcquisition sets the mode, duration and loop settings of later runs.
func (ac *AcquisitionControl) ConfigureAcquisition(args *AcquisitionConfig, reply *bool) error {
	log.Printf("ConfigureAcquisition: %s for %v\n", args.Mode, args.Tacq)
	checked := *args
	if _, err := checked.Validate(); err != nil {
		*reply = false
		return err
	}
	ac.Lock()
	ac.acqConfig = *args
	ac.Unlock()
	saveConfig("acquisition", *args)
	ac.clientUpdates <- ClientUpdate{"ACQUISITION", checked}
	*reply = true
	return nil
}

// ConfigureWriting sets the output directory, sink and histogram formats of later runs.
func (ac *AcquisitionControl) ConfigureWriting(args *WritingConfig, reply *bool) error {
	switch strings.ToUpper(args.Sink) {
	case "HISTOGRAM", "RAW", "TEXT":
	default:
		*reply = false
		return fmt.Errorf("sink %q is not HISTOGRAM, RAW or TEXT", args.Sink)
	}
	if args.BasePath == "" {
		*reply = false
		return fmt.Errorf("BasePath is the empty string")
	}
	ac.Lock()
	ac.writing = *args
	ac.Unlock()
	saveConfig("writing", *args)
	ac.clientUpdates <- ClientUpdate{"WRITING", *args}
	*reply = true
	return nil
}

// makeDevice returns the instrument for the next run. Call with the lock held.
func (ac *AcquisitionControl) makeDevice() (Device, string, int, error) {
	if ac.replay != "" {
		r, err := hydraharp.LoadReplay(ac.replay, ac.acqConfig.ChunkSize)
		if err != nil {
			return nil, "", 0, err
		}
		return r, "REPLAY " + ac.replay, hydraharp.MaxInputChannels, nil
	}
	sim := ac.simConfig
	sim.Mode = ac.acqConfig.Mode
	hw, err := hydraharp.NewNoHardware(sim)
	if err != nil {
		return nil, "", 0, err
	}
	return hw, "SIMULATOR", hw.NumChannels(), nil
}

// Start begins a run with the current configuration. It returns once the run
// is under way; the run continues until it completes or Stop is called.
func (ac *AcquisitionControl) Start(dummy *string, reply *bool) error {
	ac.Lock()
	defer ac.Unlock()
	*reply = false
	if ac.done != nil {
		return fmt.Errorf("an acquisition is running (you should call Stop)")
	}

	device, devname, nchan, err := ac.makeDevice()
	if err != nil {
		return err
	}
	var tb Timebase
	if t, ok := device.(Timebase); ok {
		tb = t
	}
	plan, err := planOutput(ac.writing, ac.acqConfig.Mode, nchan, tb)
	if err != nil {
		return err
	}
	acq, err := NewAcquisition(device, plan.Sink, ac.acqConfig)
	if err != nil {
		return err
	}
	heartbeats := make(chan Heartbeat, 10)
	acq.SetHeartbeats(heartbeats)
	acq.AddObserver(newMarkerPublisher(ac.clientUpdates))
	go forwardHeartbeats(heartbeats, ac.clientUpdates)

	ac.device = device
	ac.acquisition = acq
	ac.plan = plan
	ac.abort = make(chan struct{})
	ac.done = make(chan struct{})
	ac.status = ServerStatus{
		Running:   true,
		State:     StateArmed.String(),
		Mode:      acq.Mode().String(),
		Sink:      strings.ToUpper(ac.writing.Sink),
		Device:    devname,
		Nchannels: nchan,
		Directory: plan.Directory,
	}
	msg := &tcspcdb.AcquisitionMessage{
		Mode:      ac.status.Mode,
		Sink:      ac.status.Sink,
		Device:    devname,
		Directory: plan.Directory,
		Nchannels: nchan,
		Tacq:      acq.Config().Tacq,
		Start:     time.Now(),
	}
	log.Printf("Starting %s acquisition from %s into %s\n", ac.status.Mode, devname, plan.Directory)
	go ac.run(acq, msg, heartbeats, ac.abort, ac.done)
	*reply = true
	return nil
}

// run performs one acquisition and publishes its outcome.
func (ac *AcquisitionControl) run(acq *Acquisition, msg *tcspcdb.AcquisitionMessage,
	heartbeats chan Heartbeat, abort <-chan struct{}, done chan struct{}) {
	defer close(done)
	ac.broadcastUpdate()

	summary, err := acq.Run(abort)
	close(heartbeats)
	if err != nil {
		ProblemLogger.Printf("acquisition %s failed: %v", summary.ID, err)
	}

	msg.ID = summary.ID
	msg.Records = summary.Records
	msg.Photons = summary.Photons
	msg.Markers = summary.Markers
	msg.Overflows = summary.Overflows
	msg.Complete = summary.Complete
	msg.Error = summary.Error
	msg.End = summary.End
	ac.db.FinishAcquisition(msg)

	ac.Lock()
	ac.lastSummary = &summary
	ac.status.Running = false
	ac.status.State = summary.State.String()
	ac.status.RunID = summary.ID
	if ac.done == done {
		ac.done = nil
		ac.abort = nil
	}
	ac.Unlock()
	ac.clientUpdates <- ClientUpdate{"RUNSUMMARY", summary}
	ac.broadcastUpdate()
}

// Stop aborts the running acquisition, if any, and waits for it to end.
func (ac *AcquisitionControl) Stop(dummy *string, reply *bool) error {
	ac.Lock()
	if ac.done == nil {
		ac.Unlock()
		*reply = false
		return fmt.Errorf("no acquisition is running")
	}
	abort, done := ac.abort, ac.done
	select {
	case <-abort:
	default:
		close(abort)
	}
	ac.Unlock()

	log.Printf("Stopping acquisition\n")
	<-done
	*reply = true
	return nil
}

// Wait blocks until the running acquisition (if any) ends on its own.
func (ac *AcquisitionControl) Wait(dummy *string, reply *bool) error {
	ac.Lock()
	done := ac.done
	ac.Unlock()
	if done != nil {
		<-done
	}
	*reply = true
	return nil
}

// Status reports the server status, with the live state of a running acquisition.
func (ac *AcquisitionControl) Status(dummy *string, reply *ServerStatus) error {
	ac.Lock()
	defer ac.Unlock()
	*reply = ac.status
	if ac.acquisition != nil && ac.status.Running {
		reply.State = ac.acquisition.State().String()
		reply.RunID = ac.acquisition.RunID()
	}
	return nil
}

// Progress reports the records read so far in the current or last run.
func (ac *AcquisitionControl) Progress(dummy *string, reply *uint64) error {
	ac.Lock()
	defer ac.Unlock()
	if ac.acquisition == nil {
		return fmt.Errorf("no acquisition has been started")
	}
	*reply = ac.acquisition.Progress()
	return nil
}

// LastRun reports the summary of the most recent finished run.
func (ac *AcquisitionControl) LastRun(dummy *string, reply *RunSummary) error {
	ac.Lock()
	defer ac.Unlock()
	if ac.lastSummary == nil {
		return fmt.Errorf("no acquisition has finished")
	}
	*reply = *ac.lastSummary
	return nil
}

func (ac *AcquisitionControl) histogram() (*Histogram, error) {
	ac.Lock()
	defer ac.Unlock()
	if ac.plan == nil {
		return nil, fmt.Errorf("no acquisition has been started")
	}
	hs, ok := ac.plan.Sink.(*HistogramSink)
	if !ok {
		return nil, fmt.Errorf("the acquisition is not histogramming")
	}
	return hs.Histogram(), nil
}

// GetHistogram returns the delay-time histogram of one channel (1-based).
func (ac *AcquisitionControl) GetHistogram(channel *int, reply *[]uint32) error {
	h, err := ac.histogram()
	if err != nil {
		return err
	}
	counts, err := h.Counts(*channel)
	if err != nil {
		return err
	}
	*reply = counts
	return nil
}

// HistogramSummaries returns the count, mean and width of every channel's histogram.
func (ac *AcquisitionControl) HistogramSummaries(dummy *string, reply *[]ChannelSummary) error {
	h, err := ac.histogram()
	if err != nil {
		return err
	}
	*reply = h.Summaries()
	return nil
}

func (ac *AcquisitionControl) broadcastUpdate() {
	var status ServerStatus
	ac.Status(nil, &status)
	ac.clientUpdates <- ClientUpdate{"STATUS", status}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (ac *AcquisitionControl) SendAllStatus(dummy *string, reply *bool) error {
	ac.Lock()
	sim, acq, wc := ac.simConfig, ac.acqConfig, ac.writing
	ac.Unlock()
	ac.broadcastUpdate()
	ac.clientUpdates <- ClientUpdate{"SIMULATOR", sim}
	ac.clientUpdates <- ClientUpdate{"ACQUISITION", acq}
	ac.clientUpdates <- ClientUpdate{"WRITING", wc}
	ac.clientUpdates <- ClientUpdate{"SENDALL", 0}
	*reply = true
	return nil
}

// loadStoredConfig restores settings saved by earlier sessions.
func (ac *AcquisitionControl) loadStoredConfig() {
	sim := hydraharp.DefaultSimulatorConfig() // for keys missing from older files
	if viper.IsSet("simulator") {
		if err := viper.UnmarshalKey("simulator", &sim); err == nil {
			if _, err := hydraharp.NewNoHardware(sim); err == nil {
				ac.simConfig = sim
			} else {
				ProblemLogger.Printf("ignoring stored simulator config: %v", err)
			}
		}
	}
	var acq AcquisitionConfig
	if viper.IsSet("acquisition") {
		if err := viper.UnmarshalKey("acquisition", &acq); err == nil {
			checked := acq
			if _, err := checked.Validate(); err == nil {
				ac.acqConfig = acq
			} else {
				ProblemLogger.Printf("ignoring stored acquisition config: %v", err)
			}
		}
	}
	var wc WritingConfig
	if viper.IsSet("writing") {
		if err := viper.UnmarshalKey("writing", &wc); err == nil && wc.BasePath != "" {
			ac.writing = wc
		}
	}
}

// startDatabase connects to the run database if the configuration asks for it.
func (ac *AcquisitionControl) startDatabase(abort <-chan struct{}) {
	if !viper.GetBool("database.enabled") {
		return
	}
	addr := viper.GetString("database.addr")
	if addr == "" {
		addr = tcspcdb.DefaultAddr
	}
	activity := &tcspcdb.ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  Build.Host,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     StartTime,
	}
	ac.db = tcspcdb.StartDBConnection(addr, activity, abort)
	if !ac.db.IsConnected() {
		ProblemLogger.Printf("run database at %s is not connected: %v", addr, ac.db.Err())
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server.
// If block, it will block until Ctrl-C and gracefully shut down.
// (The intention is that block=false in testing situations.)
func RunRPCServer(portrpc int, block bool) {
	ac := NewAcquisitionControl()
	ac.loadStoredConfig()
	dbAbort := make(chan struct{})
	ac.startDatabase(dbAbort)

	server := rpc.NewServer()
	if err := server.Register(ac); err != nil {
		panic(err)
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		panic(fmt.Sprint("listen error:", err))
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				ProblemLogger.Printf("RPC server stopped accepting: %v", err)
				return
			}
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()

	if !block {
		return
	}
	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt, syscall.SIGTERM)
	<-interruptCatcher
	log.Println("Shutting down after interrupt")
	var okay bool
	ac.Stop(nil, &okay)
	listener.Close()
	close(dbAbort)
	ac.db.Wait()
}
