package analyser

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dls-controls/analyser/internal/rundb"
	"github.com/dls-controls/analyser/ses"
	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/mat"
)

// Status is the state of the acquisition state machine.
type Status int

// Values of Status.
const (
	StatusIdle Status = iota
	StatusArming
	StatusAcquiring
	StatusSettling
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusArming:
		return "Arming"
	case StatusAcquiring:
		return "Acquiring"
	case StatusSettling:
		return "Settling"
	case StatusError:
		return "Error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ImageMode selects how many frames one acquire request produces.
type ImageMode int

// Values of ImageMode.
const (
	ImageSingle ImageMode = iota
	ImageMultiple
	ImageContinuous
)

// RunMode selects how the iterations of a run relate to each other.
type RunMode int

// Values of RunMode. In RunNormal the instrument accumulates iterations unless
// told to reset between them; in RunAddDimension every frame holds exactly one
// iteration and frames form an extra dimension of the run.
const (
	RunNormal RunMode = iota
	RunAddDimension
)

// AcquisitionSession counts the progress of one run.
type AcquisitionSession struct {
	RunID                  ulid.ULID
	RunMode                RunMode
	Iteration              int
	CurrentStep            int
	ElapsedTimeMs          float64
	ResetBetweenIterations bool
	Started                time.Time
}

// FramePublisher receives every completed DataFrame. It owns the frame once
// PublishFrame is called.
type FramePublisher interface {
	PublishFrame(frame *DataFrame) error
}

// RunRecorder records runs and frames in a database.
type RunRecorder interface {
	RecordRun(msg *rundb.RunMessage)
	FinishRun(msg *rundb.RunMessage)
	RecordFrame(msg *rundb.FrameMessage)
}

// RegionSaver persists the committed regions whenever a client changes them.
type RegionSaver func(detector ses.DetectorRegion, analyzer ses.AnalyzerRegion) error

// DriverConfig holds the settings a Driver is started with.
type DriverConfig struct {
	WorkingDir      string
	InstrumentFile  string
	RegionTimeoutMs int // -1 waits forever
	ElementSet      string
	LensMode        string
	PassEnergy      float64
	Detector        *ses.DetectorRegion // nil means the full detector
	Analyzer        *ses.AnalyzerRegion // nil means DefaultAnalyzerRegion
}

// DefaultDriverConfig returns the settings used when no configuration is saved.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		InstrumentFile:  "Instrument.dat",
		RegionTimeoutMs: -1,
		ElementSet:      "Laser (L)",
		LensMode:        "Transmission",
		PassEnergy:      10,
	}
}

// Driver is the context object for one analyser. It owns the instrument, the
// regions, the parameter table and the polling goroutine that runs the
// acquisition state machine. stateLock guards all of its fields except the
// instrument, which is used only by the polling goroutine while a run is
// active, and by client calls holding stateLock while the driver is idle.
type Driver struct {
	inst      *ses.Instrument
	params    *ParamTable
	regions   RegionModel
	session   AcquisitionSession
	status    Status
	publisher FramePublisher
	recorder  RunRecorder
	config    DriverConfig
	saver     RegionSaver

	acquireRequested bool
	stopRequested    bool
	reacquire        bool // acquire re-asserted before the stop was observed
	arrayCounter     int
	lastFrame        *DataFrame
	currentRun       *rundb.RunMessage
	regionTimeout    time.Duration

	elementSets  []string
	lensModes    []string
	passEnergies []float64

	stateLock   sync.Mutex
	startSignal chan struct{}
	stopSignal  chan struct{}
	abortSelf   chan struct{}
	runDone     sync.WaitGroup
	started     bool
	closeOnce   sync.Once
}

// NewDriver returns a Driver for the analyser reached through lib. Parameter
// changes are sent to updates, which may be nil. Call Start to initialize the
// instrument and start the polling goroutine.
func NewDriver(lib ses.Library, config DriverConfig, updates chan<- ClientUpdate) *Driver {
	d := &Driver{
		inst:        ses.NewInstrument(lib),
		params:      NewParamTable(updates),
		config:      config,
		recorder:    rundb.DummyConnection(),
		startSignal: make(chan struct{}, 1),
		stopSignal:  make(chan struct{}, 1),
		abortSelf:   make(chan struct{}),
	}
	d.inst.Log = ProblemLogger
	d.params.createParams()
	d.params.SetInt(ParamNumImages, 1)
	d.params.SetInt(ParamArrayCallbacks, 1)
	d.params.SetInt(ParamUseDetector, 1)
	d.params.SetString(ParamManufacturer, "VG Scienta")
	d.regionTimeout = -1
	if config.RegionTimeoutMs >= 0 {
		d.regionTimeout = time.Duration(config.RegionTimeoutMs) * time.Millisecond
	}
	return d
}

// SetPublisher sets where completed frames go. A nil publisher discards them.
func (d *Driver) SetPublisher(p FramePublisher) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	d.publisher = p
}

// SetRegionSaver sets the function called after every region change.
func (d *Driver) SetRegionSaver(saver RegionSaver) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	d.saver = saver
}

// SetRecorder sets where runs are recorded.
func (d *Driver) SetRecorder(r RunRecorder) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	d.recorder = r
}

// Start initializes the instrument and starts the polling goroutine. The
// goroutine is started even if initialization fails, in which case the driver
// sits in the Error state and the initialization error is returned.
func (d *Driver) Start() error {
	d.stateLock.Lock()
	if d.started {
		d.stateLock.Unlock()
		return fmt.Errorf("driver already started")
	}
	d.started = true
	err := d.initDevice()
	d.params.CallParamCallbacks()
	d.stateLock.Unlock()

	d.runDone.Add(1)
	go d.pollLoop()
	return err
}

// Close stops any acquisition, ends the polling goroutine and finalizes the library.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.Stop()
		close(d.abortSelf)
		d.runDone.Wait()
		d.stateLock.Lock()
		defer d.stateLock.Unlock()
		if d.inst.IsInitialized() {
			err = d.inst.Finalize()
		}
	})
	return err
}

// initDevice initializes the library, loads the instrument and publishes the
// instrument's fixed properties. Callers hold stateLock.
func (d *Driver) initDevice() error {
	cfg := d.config
	if err := d.inst.Initialize(cfg.WorkingDir); err != nil {
		d.setStatus(StatusError, "SES library initialisation failed: "+err.Error())
		return err
	}
	if err := d.inst.LoadInstrument(cfg.InstrumentFile); err != nil {
		d.setStatus(StatusError, fmt.Sprintf("LoadInstrument file: %s failed: %v", cfg.InstrumentFile, err))
		return err
	}
	info, err := d.inst.DetectorInfo()
	if err != nil {
		d.setStatus(StatusError, "Reading detector info failed: "+err.Error())
		return err
	}
	d.regions = NewRegionModel(info)
	if cfg.Detector != nil {
		if err := d.regions.SetDetectorRegion(*cfg.Detector); err != nil {
			ProblemLogger.Printf("Saved detector region ignored: %v", err)
		}
	}
	analyzer := DefaultAnalyzerRegion()
	if cfg.Analyzer != nil {
		analyzer = *cfg.Analyzer
	}
	d.regions.SetAnalyzerRegion(analyzer)

	if d.elementSets, err = d.inst.ElementSets(); err != nil {
		ProblemLogger.Printf("Reading element sets: %v", err)
	}
	if d.lensModes, err = d.inst.LensModes(); err != nil {
		ProblemLogger.Printf("Reading lens modes: %v", err)
	}
	if d.passEnergies, err = d.inst.PassEnergies(); err != nil {
		ProblemLogger.Printf("Reading pass energies: %v", err)
	}
	if cfg.ElementSet != "" {
		d.inst.Set(ses.PropElementSet, -1, cfg.ElementSet)
	}
	if cfg.LensMode != "" {
		d.inst.Set(ses.PropLensMode, -1, cfg.LensMode)
	}
	if cfg.PassEnergy > 0 {
		d.inst.Set(ses.PropPassEnergy, -1, cfg.PassEnergy)
	}
	d.publishInstrumentProperties(info)
	d.setStatus(StatusIdle, "SES library initialisation completed.")
	log.Printf("Analyser initialised: %d x %d channels, %d slices max", info.XChannels, info.YChannels, info.MaxSlices)
	return nil
}

// publishInstrumentProperties copies the instrument's properties and the
// committed regions into the parameter table. Callers hold stateLock.
func (d *Driver) publishInstrumentProperties(info ses.DetectorInfo) {
	pt := d.params
	pt.SetBool(ParamTimerControlled, info.TimerControlled)
	pt.SetInt(ParamXChannels, info.XChannels)
	pt.SetInt(ParamYChannels, info.YChannels)
	pt.SetInt(ParamMaxSlices, info.MaxSlices)
	pt.SetInt(ParamMaxChannels, info.MaxChannels)
	pt.SetInt(ParamFrameRate, info.FrameRate)
	pt.SetBool(ParamADCPresent, info.ADCPresent)
	pt.SetBool(ParamDiscPresent, info.DiscPresent)
	pt.SetInt(ParamMaxSizeX, info.XChannels)
	pt.SetInt(ParamMaxSizeY, info.YChannels)

	strs := []struct{ param, prop string }{
		{ParamLibDescription, ses.PropLibDescription},
		{ParamLibVersion, ses.PropLibVersion},
		{ParamLibWorkingDir, ses.PropLibWorkingDir},
		{ParamModel, ses.PropInstrumentModel},
		{ParamInstrumentSerialNumber, ses.PropInstrumentSerialNo},
		{ParamRegionName, ses.PropRegionName},
		{ParamTempFileName, ses.PropTempFileName},
	}
	for _, s := range strs {
		if v, err := d.inst.GetString(s.prop, 0); err == nil {
			pt.SetString(s.param, v)
		}
	}
	bools := []struct{ param, prop string }{
		{ParamUseExternalIO, ses.PropUseExternalIO},
		{ParamUseDetector, ses.PropUseDetector},
		{ParamResetDataBetweenIter, ses.PropResetDataBetweenIterations},
		{ParamAlwaysDelayRegion, ses.PropAlwaysDelayRegion},
		{ParamAllowIOWithDetector, ses.PropAllowIOWithDetector},
	}
	for _, b := range bools {
		if v, err := d.inst.GetBool(b.prop, 0); err == nil {
			pt.SetBool(b.param, v)
		}
	}
	if v, err := d.inst.GetString(ses.PropElementSet, -1); err == nil {
		pt.SetInt(ParamElementSet, indexOf(d.elementSets, v))
	}
	if v, err := d.inst.GetString(ses.PropLensMode, -1); err == nil {
		pt.SetInt(ParamLensMode, indexOf(d.lensModes, v))
	}
	if v, err := d.inst.GetFloat(ses.PropPassEnergy, -1); err == nil {
		pt.SetInt(ParamPassEnergy, indexOfFloat(d.passEnergies, v))
	}
	d.publishDetectorRegion()
	d.publishAnalyzerRegion()
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func indexOfFloat(list []float64, v float64) int {
	for i, f := range list {
		if f == v {
			return i
		}
	}
	return -1
}

// publishDetectorRegion mirrors the committed detector region into the
// parameter table. Callers hold stateLock.
func (d *Driver) publishDetectorRegion() {
	r := d.regions.Detector()
	pt := d.params
	pt.SetInt(ParamFirstXChannel, r.FirstXChannel)
	pt.SetInt(ParamLastXChannel, r.LastXChannel)
	pt.SetInt(ParamFirstYChannel, r.FirstYChannel)
	pt.SetInt(ParamLastYChannel, r.LastYChannel)
	pt.SetInt(ParamSlices, r.Slices)
	pt.SetBool(ParamDetectorMode, r.ADCMode)
	pt.SetInt(ParamDiscriminatorLevel, r.DiscriminatorLevel)
	pt.SetInt(ParamADCMask, r.ADCMask)
	pt.SetInt(ParamMinX, r.FirstXChannel)
	pt.SetInt(ParamSizeX, r.LastXChannel-r.FirstXChannel)
	pt.SetInt(ParamMinY, r.FirstYChannel)
	pt.SetInt(ParamSizeY, r.LastYChannel-r.FirstYChannel)
}

// publishAnalyzerRegion mirrors the committed analyser region into the
// parameter table. Callers hold stateLock.
func (d *Driver) publishAnalyzerRegion() {
	r := d.regions.Analyzer()
	pt := d.params
	pt.SetBool(ParamAcquisitionMode, r.Fixed)
	pt.SetBool(ParamEnergyMode, r.Kinetic)
	pt.SetFloat(ParamHighEnergy, r.HighEnergy)
	pt.SetFloat(ParamLowEnergy, r.LowEnergy)
	pt.SetFloat(ParamCenterEnergy, r.CenterEnergy)
	pt.SetFloat(ParamEnergyStep, r.EnergyStep)
	pt.SetInt(ParamDwellTime, r.DwellTime)
	pt.SetFloat(ParamAcquireTime, float64(r.DwellTime)/1000)
}

// setStatus changes the state and the published status. Callers hold stateLock.
func (d *Driver) setStatus(s Status, message string) {
	d.status = s
	d.params.SetInt(ParamStatus, int(s))
	d.params.SetString(ParamStatusMessage, message)
}

// setMessage changes only the published status message. Callers hold stateLock.
func (d *Driver) setMessage(message string) {
	d.params.SetString(ParamStatusMessage, message)
}

// busy reports whether a run is requested or in progress. While busy, only
// the polling goroutine may call the instrument. Callers hold stateLock.
func (d *Driver) busy() bool {
	switch d.status {
	case StatusArming, StatusAcquiring, StatusSettling:
		return true
	}
	return d.acquireRequested
}

// signal wakes the polling goroutine without blocking. A signal sent while
// one is pending is merged with it.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Acquire requests an acquisition. It is accepted in the Idle and Error
// states; asking again while a run is requested is a no-op.
func (d *Driver) Acquire() error {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	d.acquire()
	d.params.CallParamCallbacks()
	return nil
}

func (d *Driver) acquire() {
	if d.acquireRequested {
		return
	}
	if d.stopRequested {
		d.reacquire = true
	}
	d.acquireRequested = true
	d.params.SetInt(ParamAcquire, 1)
	signal(d.startSignal)
}

// Stop ends the current run. The in-flight vendor call is allowed to finish
// and its frame is discarded. Stopping an idle driver is a no-op.
func (d *Driver) Stop() {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	d.stop()
	d.params.CallParamCallbacks()
}

func (d *Driver) stop() {
	if !d.busy() {
		return
	}
	d.acquireRequested = false
	d.stopRequested = true
	d.reacquire = false
	d.params.SetInt(ParamAcquire, 0)
	signal(d.stopSignal)
}

// Status returns the state of the state machine and the status message.
func (d *Driver) Status() (Status, string) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.status, d.params.GetString(ParamStatusMessage)
}

// AcquireRequested reports whether a run is requested.
func (d *Driver) AcquireRequested() bool {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.acquireRequested
}

// Session returns the progress of the current or most recent run.
func (d *Driver) Session() AcquisitionSession {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.session
}

// DetectorInfo returns the detector capabilities.
func (d *Driver) DetectorInfo() ses.DetectorInfo {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.regions.Info()
}

// Regions returns the committed detector and analyser regions.
func (d *Driver) Regions() (ses.DetectorRegion, ses.AnalyzerRegion) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.regions.Detector(), d.regions.Analyzer()
}

// LastFrame returns the most recently published frame, or nil.
func (d *Driver) LastFrame() *DataFrame {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.lastFrame
}

// pollLoop is the polling goroutine. It waits for an acquire request and runs
// the acquisition, until abortSelf is closed.
func (d *Driver) pollLoop() {
	defer d.runDone.Done()
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	for {
		if !d.acquireRequested {
			d.params.CallParamCallbacks()
			d.stateLock.Unlock()
			select {
			case <-d.startSignal:
			case <-d.abortSelf:
				d.stateLock.Lock()
				return
			}
			d.stateLock.Lock()
			continue
		}
		d.runAcquisition()
	}
}

// runSettings are the parameters read at the start of every iteration.
type runSettings struct {
	imageMode ImageMode
	numImages int
	period    time.Duration
}

func (d *Driver) readRunSettings() runSettings {
	pt := d.params
	return runSettings{
		imageMode: ImageMode(pt.GetInt(ParamImageMode)),
		numImages: pt.GetInt(ParamNumImages),
		period:    time.Duration(pt.GetFloat(ParamAcquirePeriod) * float64(time.Second)),
	}
}

// unlocked runs f with stateLock released. Callers hold stateLock.
func (d *Driver) unlocked(f func()) {
	d.stateLock.Unlock()
	defer d.stateLock.Lock()
	f()
}

// runAcquisition takes one run from Arming back to Idle or Error. It is
// called and returns with stateLock held, releasing it around every call that
// may block.
func (d *Driver) runAcquisition() {
	select {
	case <-d.stopSignal:
	default:
	}
	d.stopRequested = false
	snap := d.regions.Snapshot()
	runMode := RunMode(d.params.GetInt(ParamRunMode))
	reset := d.params.GetBool(ParamResetDataBetweenIter) || runMode == RunAddDimension
	opts := assemblyOptions{
		rawImage:   d.params.GetBool(ParamUseDetector),
		externalIO: d.params.GetBool(ParamUseExternalIO),
	}
	d.setStatus(StatusArming, "Arming acquisition.")
	d.params.CallParamCallbacks()

	var check ses.RegionCheck
	var err error
	var stage string
	d.unlocked(func() {
		check, stage, err = d.arm(snap, reset)
	})
	if d.stopRequested {
		d.abortRun()
		return
	}
	if err != nil {
		d.failRun(stage, err, false)
		return
	}
	d.setMessage(d.regions.ApplyCheck(snap, check))
	// Frames carry the region the instrument acquires, corrections included.
	snap.Analyzer = check.Region
	d.params.SetInt(ParamSteps, check.Steps)
	d.params.SetFloat(ParamMinEnergyStep, check.MinEnergyStep)
	d.params.SetFloat(ParamEstimatedTime, check.DwellTime)
	d.publishAnalyzerRegion()
	d.params.CallParamCallbacks()

	d.session = AcquisitionSession{
		RunID:                  ulid.Make(),
		RunMode:                runMode,
		ResetBetweenIterations: reset,
		Started:                time.Now(),
	}
	d.beginRun(snap, check)
	d.params.SetInt(ParamNumImagesCounter, 0)
	d.setStatus(StatusAcquiring, "Acquiring.")

	// arm started the first iteration; every later frame starts its own.
	started := true
	for {
		settings := d.readRunSettings()
		iterationStart := time.Now()
		d.params.CallParamCallbacks()

		var frame *DataFrame
		d.unlocked(func() {
			frame, err = d.acquireFrame(snap, opts, !started)
		})
		started = false
		if d.stopRequested || errors.Is(err, ses.ErrAborted) {
			d.abortRun()
			return
		}
		if err != nil {
			d.failRun("Failed to collect data from electron analyser", err, true)
			return
		}

		d.stampFrame(frame, iterationStart)
		publisher := d.publisher
		d.params.CallParamCallbacks()
		if publisher != nil && d.params.GetBool(ParamArrayCallbacks) {
			var perr error
			d.unlocked(func() {
				perr = publisher.PublishFrame(frame)
			})
			if perr != nil {
				ProblemLogger.Printf("Publishing frame %d: %v", frame.UniqueID, perr)
			}
		}

		done := settings.imageMode == ImageSingle ||
			(settings.imageMode == ImageMultiple && d.session.Iteration >= settings.numImages)
		if done {
			d.completeRun()
			return
		}
		if d.stopRequested {
			d.abortRun()
			return
		}

		delay := settings.period - time.Since(iterationStart)
		if delay >= 0 {
			d.setStatus(StatusSettling, fmt.Sprintf("Waiting %.3f s for next iteration.", delay.Seconds()))
			d.params.CallParamCallbacks()
			aborted := false
			d.unlocked(func() {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-d.stopSignal:
				case <-timer.C:
				case <-d.abortSelf:
					aborted = true
				}
			})
			if d.stopRequested || aborted {
				d.abortRun()
				return
			}
			d.setStatus(StatusAcquiring, "Acquiring.")
		}
	}
}

// arm pushes the regions to the instrument and starts the acquisition. It
// returns a description of the step that failed along with any error. Called without stateLock.
func (d *Driver) arm(snap RegionSnapshot, reset bool) (ses.RegionCheck, string, error) {
	if err := d.inst.Set(ses.PropDetectorRegion, 0, snap.Detector); err != nil {
		return ses.RegionCheck{}, "Setting detector region failed", err
	}
	if err := d.inst.Set(ses.PropAnalyzerRegion, 0, snap.Analyzer); err != nil {
		return ses.RegionCheck{}, "Setting analyzer region failed", err
	}
	if err := d.inst.Set(ses.PropResetDataBetweenIterations, 0, reset); err != nil {
		return ses.RegionCheck{}, "Setting reset between iterations failed", err
	}
	if err := d.inst.InitAcquisition(false, false); err != nil {
		return ses.RegionCheck{}, "Acquisition initialisation failed", err
	}
	check, err := d.inst.CheckAnalyzerRegion(snap.Analyzer)
	if err != nil {
		return ses.RegionCheck{}, "Analyzer region check failed", err
	}
	if err := d.inst.StartAcquisition(); err != nil {
		return ses.RegionCheck{}, "Start acquisition failed", err
	}
	return check, "", nil
}

// stopObserved briefly takes stateLock to see whether a stop was requested.
func (d *Driver) stopObserved() bool {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.stopRequested
}

var errStopObserved = &ses.Error{Kind: ses.Aborted, Op: "acquire", Message: "stop requested"}

// acquireFrame runs one iteration of the vendor protocol and assembles its
// frame: startAcquisition (unless the iteration is already started), wait for
// the region, then continueAcquisition in swept mode. A stop observed between
// vendor calls abandons the frame. Called without stateLock.
func (d *Driver) acquireFrame(snap RegionSnapshot, opts assemblyOptions, start bool) (*DataFrame, error) {
	if start {
		if err := d.inst.StartAcquisition(); err != nil {
			return nil, err
		}
		if d.stopObserved() {
			return nil, errStopObserved
		}
	}
	if err := d.inst.WaitForRegionReady(d.regionTimeout); err != nil {
		return nil, err
	}
	if d.stopObserved() {
		return nil, errStopObserved
	}
	if !snap.Analyzer.Fixed {
		if err := d.inst.ContinueAcquisition(); err != nil {
			return nil, err
		}
		if d.stopObserved() {
			return nil, errStopObserved
		}
	}
	return buildFrame(d.inst, snap, opts)
}

// stampFrame numbers a completed frame and publishes its fields. Callers hold stateLock.
func (d *Driver) stampFrame(frame *DataFrame, timestamp time.Time) {
	d.session.Iteration++
	d.session.CurrentStep = frame.CurrentStep
	d.session.ElapsedTimeMs = frame.ElapsedTimeMs
	d.arrayCounter++

	frame.UniqueID = d.arrayCounter
	frame.Timestamp = timestamp
	frame.RunID = d.session.RunID
	frame.Iteration = d.session.Iteration
	frame.RunMode = d.session.RunMode
	d.lastFrame = frame

	pt := d.params
	pt.SetInt(ParamNumImagesCounter, d.session.Iteration)
	pt.SetInt(ParamArrayCounter, d.arrayCounter)
	pt.SetInt(ParamUniqueID, frame.UniqueID)
	pt.SetFloat(ParamTimeStamp, float64(timestamp.UnixNano())/1e9)
	rows, cols := frame.Image.Dims()
	pt.SetInt(ParamArraySizeX, cols)
	pt.SetInt(ParamArraySizeY, rows)
	pt.SetInt(ParamArraySize, rows*cols*8)
	d.publishFrameParams(frame)

	d.recorder.RecordFrame(&rundb.FrameMessage{
		RunID:         frame.RunID.String(),
		UniqueID:      frame.UniqueID,
		Iteration:     frame.Iteration,
		Channels:      frame.Channels,
		Slices:        frame.SliceCount,
		CurrentStep:   frame.CurrentStep,
		ElapsedTimeMs: frame.ElapsedTimeMs,
		SpectrumSum:   sum(frame.Spectrum),
		Timestamp:     timestamp,
	})
}

func sum(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v
	}
	return s
}

// publishFrameParams copies a frame's data into the ACQ_* parameters.
// Callers hold stateLock.
func (d *Driver) publishFrameParams(f *DataFrame) {
	pt := d.params
	pt.SetInt(ParamAcqChannels, f.Channels)
	pt.SetInt(ParamAcqSlices, f.SliceCount)
	pt.SetInt(ParamAcqIterations, f.Iterations)
	pt.SetString(ParamAcqIntensityUnit, f.IntensityUnit)
	pt.SetString(ParamAcqChannelUnit, f.ChannelUnit)
	pt.SetString(ParamAcqSliceUnit, f.SliceUnit)
	pt.SetFloats(ParamAcqSpectrum, f.Spectrum)
	pt.SetFloats(ParamAcqImage, f.Image.RawMatrix().Data)
	pt.SetFloats(ParamAcqChannelScale, f.ChannelScale)
	pt.SetFloats(ParamAcqSliceScale, f.SliceScale)
	pt.SetInt(ParamAcqCurrentStep, f.CurrentStep)
	pt.SetFloat(ParamAcqElapsedTime, f.ElapsedTimeMs)
	if f.RawImage != nil {
		pt.SetInts(ParamAcqRawImage, f.RawImage)
	}
	d.publishSelectedSlice()
	if io := f.ExternalIO; io != nil {
		pt.SetInt(ParamAcqIOPorts, io.Ports)
		pt.SetInt(ParamAcqIOSize, io.Size)
		pt.SetInt(ParamAcqIOIterations, io.Iterations)
		pt.SetString(ParamAcqIOUnit, io.Unit)
		pt.SetFloats(ParamAcqIOScale, io.Scale)
		if io.Data != nil {
			pt.SetFloats(ParamAcqIOData, io.Data.RawMatrix().Data)
		}
		d.publishSelectedPort()
	}
}

// publishSelectedSlice publishes the slice chosen by ACQ_SLICE_INDEX.
func (d *Driver) publishSelectedSlice() {
	f := d.lastFrame
	if f == nil {
		return
	}
	i := d.params.GetInt(ParamAcqSliceIndex)
	if i >= 0 && i < len(f.Slices) {
		d.params.SetFloats(ParamAcqSlice, f.Slices[i])
	}
}

// publishSelectedPort publishes the IO port chosen by ACQ_IO_PORT_INDEX.
func (d *Driver) publishSelectedPort() {
	f := d.lastFrame
	if f == nil || f.ExternalIO == nil || f.ExternalIO.Data == nil {
		return
	}
	io := f.ExternalIO
	i := d.params.GetInt(ParamAcqIOPortIndex)
	if i >= 0 && i < io.Ports {
		d.params.SetFloats(ParamAcqIOSpectrum, mat.Row(nil, i, io.Data))
		d.params.SetString(ParamAcqIOPortName, io.Names[i])
	}
}

// beginRun records the start of a run. Callers hold stateLock.
func (d *Driver) beginRun(snap RegionSnapshot, check ses.RegionCheck) {
	a := check.Region
	d.currentRun = &rundb.RunMessage{
		ID:           d.session.RunID.String(),
		RegionName:   d.params.GetString(ParamRegionName),
		RunMode:      int(d.session.RunMode),
		ImageMode:    d.params.GetInt(ParamImageMode),
		NumImages:    d.params.GetInt(ParamNumImages),
		Fixed:        a.Fixed,
		LowEnergy:    a.LowEnergy,
		HighEnergy:   a.HighEnergy,
		CenterEnergy: a.CenterEnergy,
		EnergyStep:   a.EnergyStep,
		DwellTime:    a.DwellTime,
		Steps:        check.Steps,
		FirstX:       snap.Detector.FirstXChannel,
		LastX:        snap.Detector.LastXChannel,
		FirstY:       snap.Detector.FirstYChannel,
		LastY:        snap.Detector.LastYChannel,
		Slices:       snap.Detector.Slices,
		Start:        d.session.Started,
	}
	d.recorder.RecordRun(d.currentRun)
}

// endRun clears the per-run state. An acquire request made after a stop but
// before the run ended is kept, so the polling goroutine arms again.
// Callers hold stateLock.
func (d *Driver) endRun(outcome string) {
	if d.reacquire {
		d.acquireRequested = true
		d.params.SetInt(ParamAcquire, 1)
	} else {
		d.acquireRequested = false
		d.params.SetInt(ParamAcquire, 0)
	}
	d.stopRequested = false
	d.reacquire = false
	d.params.SetInt(ParamNumImagesCounter, 0)
	if d.currentRun != nil {
		d.currentRun.Frames = d.session.Iteration
		d.currentRun.Outcome = outcome
		d.recorder.FinishRun(d.currentRun)
		d.currentRun = nil
	}
}

// stopInstrument stops the vendor acquisition with stateLock released.
func (d *Driver) stopInstrument() {
	var err error
	d.unlocked(func() {
		err = d.inst.StopAcquisition()
	})
	if err != nil {
		ProblemLogger.Printf("Stopping acquisition: %v", err)
	}
}

// completeRun ends a run that acquired all its frames. Callers hold stateLock.
func (d *Driver) completeRun() {
	d.stopInstrument()
	d.endRun("completed")
	d.setStatus(StatusIdle, "Acquisition completed.")
	UpdateLogger.Printf("Run %s completed after %d frames", d.session.RunID, d.session.Iteration)
}

// abortRun ends a run on a stop request. The run ends Idle, not in Error.
// Callers hold stateLock.
func (d *Driver) abortRun() {
	d.stopInstrument()
	d.endRun("aborted")
	d.setStatus(StatusIdle, "Acquisition aborted.")
	UpdateLogger.Printf("Run %s: %v after %d frames", d.session.RunID, ses.ErrAborted, d.session.Iteration)
}

// failRun ends a run on a vendor failure. Callers hold stateLock.
func (d *Driver) failRun(stage string, err error, started bool) {
	if started {
		d.stopInstrument()
	}
	d.endRun("failed")
	msg := fmt.Sprintf("%s: %v", stage, err)
	d.setStatus(StatusError, msg)
	ProblemLogger.Print(msg)
}
