package ses

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Simulation constants.
const (
	minStepPerPassEnergy = 0.0005 // minimum swept step (eV) per eV of pass energy
	fixedWindowFraction  = 0.1    // fixed-mode energy window as a fraction of pass energy
	simulatedIOPorts     = 2
)

// DefaultDetectorInfo describes the detector simulated by NoHardware when no
// other DetectorInfo is given.
func DefaultDetectorInfo() DetectorInfo {
	return DetectorInfo{
		TimerControlled: true,
		XChannels:       1024,
		YChannels:       1000,
		MaxSlices:       1000,
		MaxChannels:     1024,
		FrameRate:       25,
		ADCPresent:      true,
		DiscPresent:     true,
	}
}

// NoHardware is a drop-in replacement for the SES library (implements Library)
// that requires no analyser. It simulates a spectrum with a single peak,
// honours the two-phase size contract for every variable-length value, and
// lets tests control region-ready latency and inject vendor error codes.
// Unlike the real library it is safe to inspect from other goroutines.
type NoHardware struct {
	mu sync.Mutex

	info           DetectorInfo
	initialized    bool
	loaded         bool
	workingDir     string
	instrumentFile string
	lastError      string

	detector     DetectorRegion
	analyzer     AnalyzerRegion
	elementSets  []string
	lensModes    []string
	passEnergies []float64
	elementSet   string
	lensMode     string
	passEnergy   float64

	useExternalIO       bool
	useDetector         bool
	resetBetween        bool
	alwaysDelayRegion   bool
	allowIOWithDetector bool
	regionName          string
	tempFileName        string
	kineticEnergy       float64
	voltages            map[string]float64

	acqInitialized bool
	running        bool
	inFlight       bool
	hasData        bool
	steps          int
	iteration      int
	currentStep    int
	elapsedMs      float64
	slices         int
	rawWidth       int
	rawHeight      int
	channelScale   []float64
	sliceScale     []float64
	image          []float64
	raw            []int32
	ioData         []float64

	latency     time.Duration
	gate        chan struct{}
	waitStarted chan struct{}
	faults      map[string]int
	calls       []string
}

// NewNoHardware returns a simulated library for a detector described by info.
func NewNoHardware(info DetectorInfo) *NoHardware {
	lib := &NoHardware{
		info:         info,
		elementSets:  []string{"High Pass (XPS)", "Laser (L)"},
		lensModes:    []string{"Transmission", "Angular45", "Angular30"},
		passEnergies: []float64{2, 5, 10, 20, 50, 100, 200},
		useDetector:  true,
		voltages:     map[string]float64{"L1": 0, "L2": 0, "L3": 0, "D1": 0, "D2": 0},
		waitStarted:  make(chan struct{}, 16),
		faults:       make(map[string]int),
	}
	lib.elementSet = lib.elementSets[0]
	lib.lensMode = lib.lensModes[0]
	lib.passEnergy = lib.passEnergies[0]
	lib.detector = DetectorRegion{
		LastXChannel: info.XChannels - 1,
		LastYChannel: info.YChannels - 1,
		Slices:       1,
		ADCMode:      true,
	}
	lib.analyzer = AnalyzerRegion{LowEnergy: 82, CenterEnergy: 86, HighEnergy: 90,
		EnergyStep: 400, DwellTime: 1000, Kinetic: true}
	return lib
}

// SetRegionLatency sets how long WaitForRegionReady takes to acquire one iteration.
func (lib *NoHardware) SetRegionLatency(d time.Duration) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.latency = d
}

// HoldRegionReady makes WaitForRegionReady block until ReleaseRegionReady is called.
func (lib *NoHardware) HoldRegionReady() {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.gate == nil {
		lib.gate = make(chan struct{})
	}
}

// ReleaseRegionReady lets every blocked and future WaitForRegionReady proceed.
func (lib *NoHardware) ReleaseRegionReady() {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.gate != nil {
		close(lib.gate)
		lib.gate = nil
	}
}

// WaitStarted receives a value each time WaitForRegionReady begins waiting.
func (lib *NoHardware) WaitStarted() <-chan struct{} {
	return lib.waitStarted
}

// Fail makes every later call of op return code until Heal is called. op is a
// method name in the library's spelling (e.g. "startAcquisition") or a
// property or data key (e.g. "acq_image").
func (lib *NoHardware) Fail(op string, code int) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.faults[op] = code
}

// Heal removes all injected failures.
func (lib *NoHardware) Heal() {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.faults = make(map[string]int)
}

// Calls returns the log of calls made so far. Methods appear under their
// library names, property and data accesses as "get:", "set:" or "data:"
// followed by the key.
func (lib *NoHardware) Calls() []string {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	return append([]string(nil), lib.calls...)
}

// ResetCalls clears the call log.
func (lib *NoHardware) ResetCalls() {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.calls = nil
}

// InstrumentFile returns the path given to the last successful LoadInstrument.
func (lib *NoHardware) InstrumentFile() string {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	return lib.instrumentFile
}

// enter records a call and returns any injected failure for it. Callers hold lib.mu.
func (lib *NoHardware) enter(call, key string) int {
	lib.calls = append(lib.calls, call)
	if code, ok := lib.faults[key]; ok {
		lib.lastError = CodeMessages[code]
		return code
	}
	return CodeOK
}

func (lib *NoHardware) requireLoaded() int {
	switch {
	case !lib.initialized:
		return CodeNotInitialized
	case !lib.loaded:
		return CodeInstrumentNotLoaded
	}
	return CodeOK
}

// Initialize marks the library initialized.
func (lib *NoHardware) Initialize() int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("initialize", "initialize"); code != CodeOK {
		return code
	}
	lib.initialized = true
	return CodeOK
}

// Finalize releases the simulated instrument.
func (lib *NoHardware) Finalize() int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("finalize", "finalize"); code != CodeOK {
		return code
	}
	lib.initialized = false
	lib.loaded = false
	lib.running = false
	lib.inFlight = false
	lib.acqInitialized = false
	return CodeOK
}

// IsInitialized reports whether Initialize has succeeded.
func (lib *NoHardware) IsInitialized() bool {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	return lib.initialized
}

// LoadInstrument accepts any non-empty path once the library is initialized.
func (lib *NoHardware) LoadInstrument(path string) int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("loadInstrument", "loadInstrument"); code != CodeOK {
		return code
	}
	if !lib.initialized {
		return CodeNotInitialized
	}
	if path == "" {
		return CodeFail
	}
	lib.instrumentFile = path
	lib.loaded = true
	return CodeOK
}

// GetProperty reads a library or instrument property.
func (lib *NoHardware) GetProperty(name string, index int, value any, size *int) int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("get:"+name, name); code != CodeOK {
		return code
	}
	switch name {
	case PropLibWorkingDir:
		return putString(value, size, lib.workingDir)
	case PropLibDescription:
		return putString(value, size, "SES instrument library (simulated)")
	case PropLibVersion:
		return putString(value, size, "1.6.0-sim")
	case PropLibError:
		return putString(value, size, lib.lastError)
	}
	if code := lib.requireLoaded(); code != CodeOK {
		return code
	}
	switch name {
	case PropInstrumentStatus:
		status := StatusNormal
		if lib.running {
			status = StatusRunning
		}
		return putInt(value, int(status))
	case PropInstrumentModel:
		return putString(value, size, "R4000 (simulated)")
	case PropInstrumentSerialNo:
		return putString(value, size, "SIM-0001")
	case PropDetectorInfo:
		p, ok := value.(*DetectorInfo)
		if !ok {
			return CodeBufferSize
		}
		*p = lib.info
	case PropDetectorRegion:
		p, ok := value.(*DetectorRegion)
		if !ok {
			return CodeBufferSize
		}
		*p = lib.detector
	case PropAnalyzerRegion:
		p, ok := value.(*AnalyzerRegion)
		if !ok {
			return CodeBufferSize
		}
		*p = lib.analyzer
	case PropElementSetCount:
		return putInt(value, len(lib.elementSets))
	case PropElementSet:
		return putIndexed(value, size, index, lib.elementSets, lib.elementSet)
	case PropLensModeCount:
		return putInt(value, len(lib.lensModes))
	case PropLensMode:
		return putIndexed(value, size, index, lib.lensModes, lib.lensMode)
	case PropPassEnergyCount:
		return putInt(value, len(lib.passEnergies))
	case PropPassEnergy:
		if index < 0 {
			return putFloat(value, lib.passEnergy)
		}
		if index >= len(lib.passEnergies) {
			return CodeIndexOutOfRange
		}
		return putFloat(value, lib.passEnergies[index])
	case PropUseExternalIO:
		return putBool(value, lib.useExternalIO)
	case PropUseDetector:
		return putBool(value, lib.useDetector)
	case PropResetDataBetweenIterations:
		return putBool(value, lib.resetBetween)
	case PropAlwaysDelayRegion:
		return putBool(value, lib.alwaysDelayRegion)
	case PropAllowIOWithDetector:
		return putBool(value, lib.allowIOWithDetector)
	case PropRegionName:
		return putString(value, size, lib.regionName)
	case PropTempFileName:
		return putString(value, size, lib.tempFileName)
	default:
		return CodeUnknownParameter
	}
	return CodeOK
}

// SetProperty writes a library or instrument property.
func (lib *NoHardware) SetProperty(name string, index int, value any) int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("set:"+name, name); code != CodeOK {
		return code
	}
	if name == PropLibWorkingDir {
		s, ok := value.(string)
		if !ok {
			return CodeBufferSize
		}
		lib.workingDir = s
		return CodeOK
	}
	if !lib.initialized {
		return CodeNotInitialized
	}
	switch name {
	case PropLibDescription, PropLibVersion, PropLibError, PropInstrumentStatus,
		PropInstrumentModel, PropInstrumentSerialNo, PropDetectorInfo,
		PropElementSetCount, PropLensModeCount, PropPassEnergyCount:
		return CodeReadOnly
	}
	if code := lib.requireLoaded(); code != CodeOK {
		return code
	}
	switch name {
	case PropDetectorRegion:
		r, ok := value.(DetectorRegion)
		if !ok {
			return CodeBufferSize
		}
		if lib.running {
			return CodeAcquisitionRunning
		}
		if r.FirstXChannel < 0 || r.FirstXChannel >= r.LastXChannel || r.LastXChannel > lib.info.XChannels ||
			r.FirstYChannel < 0 || r.FirstYChannel >= r.LastYChannel || r.LastYChannel > lib.info.YChannels ||
			r.Slices < 1 || r.Slices > lib.info.MaxSlices {
			return CodeValueOutOfRange
		}
		lib.detector = r
	case PropAnalyzerRegion:
		r, ok := value.(AnalyzerRegion)
		if !ok {
			return CodeBufferSize
		}
		if lib.running {
			return CodeAcquisitionRunning
		}
		lib.analyzer = r
	case PropElementSet:
		return setListed(value, lib.elementSets, &lib.elementSet)
	case PropLensMode:
		return setListed(value, lib.lensModes, &lib.lensMode)
	case PropPassEnergy:
		e, ok := value.(float64)
		if !ok {
			return CodeBufferSize
		}
		for _, pe := range lib.passEnergies {
			if pe == e {
				lib.passEnergy = e
				return CodeOK
			}
		}
		return CodeValueOutOfRange
	case PropUseExternalIO:
		return setBool(value, &lib.useExternalIO)
	case PropUseDetector:
		return setBool(value, &lib.useDetector)
	case PropResetDataBetweenIterations:
		return setBool(value, &lib.resetBetween)
	case PropAlwaysDelayRegion:
		return setBool(value, &lib.alwaysDelayRegion)
	case PropAllowIOWithDetector:
		return setBool(value, &lib.allowIOWithDetector)
	case PropRegionName:
		return setString(value, &lib.regionName)
	case PropTempFileName:
		return setString(value, &lib.tempFileName)
	default:
		return CodeUnknownParameter
	}
	return CodeOK
}

// plan computes the energy axis of region the way the instrument would,
// correcting the region in place.
func (lib *NoHardware) plan(region *AnalyzerRegion) (steps int, minStep float64, code int) {
	if region.DwellTime <= 0 {
		return 0, 0, CodeValueOutOfRange
	}
	minStep = lib.passEnergy * minStepPerPassEnergy
	if region.Fixed {
		window := lib.passEnergy * fixedWindowFraction
		region.LowEnergy = region.CenterEnergy - window/2
		region.HighEnergy = region.CenterEnergy + window/2
		channels := lib.detector.LastXChannel - lib.detector.FirstXChannel + 1
		if channels > 1 {
			region.EnergyStep = 1000 * window / float64(channels-1)
		}
		return 1, minStep, CodeOK
	}
	step := region.EnergyStep / 1000
	if region.HighEnergy <= region.LowEnergy || step <= 0 {
		return 0, minStep, CodeRegionInvalid
	}
	if step < minStep {
		step = minStep
		region.EnergyStep = 1000 * step
	}
	steps = int(math.Round((region.HighEnergy-region.LowEnergy)/step)) + 1
	region.HighEnergy = region.LowEnergy + float64(steps-1)*step
	region.CenterEnergy = (region.LowEnergy + region.HighEnergy) / 2
	return steps, minStep, CodeOK
}

// InitAcquisition discards any previous acquisition and zeroes the
// iteration counter.
func (lib *NoHardware) InitAcquisition(blockPointReady, blockRegionReady bool) int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("initAcquisition", "initAcquisition"); code != CodeOK {
		return code
	}
	if code := lib.requireLoaded(); code != CodeOK {
		return code
	}
	if lib.running {
		return CodeAcquisitionRunning
	}
	lib.acqInitialized = true
	lib.hasData = false
	lib.iteration = 0
	lib.currentStep = 0
	lib.elapsedMs = 0
	return CodeOK
}

// CheckAnalyzerRegion validates region and writes the corrections back into it.
func (lib *NoHardware) CheckAnalyzerRegion(region *AnalyzerRegion, steps *int, timeMs *float64, minEnergyStep *float64) int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("checkAnalyzerRegion", "checkAnalyzerRegion"); code != CodeOK {
		return code
	}
	if code := lib.requireLoaded(); code != CodeOK {
		return code
	}
	n, minStep, code := lib.plan(region)
	if code != CodeOK {
		return code
	}
	*steps = n
	*timeMs = float64(n * region.DwellTime)
	*minEnergyStep = minStep
	return CodeOK
}

// StartAcquisition starts one iteration of the stored regions. The first
// call after InitAcquisition sizes the data buffers; later calls accumulate
// into them, or zero them first when reset_data_between_iterations is set.
func (lib *NoHardware) StartAcquisition() int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("startAcquisition", "startAcquisition"); code != CodeOK {
		return code
	}
	if code := lib.requireLoaded(); code != CodeOK {
		return code
	}
	if !lib.acqInitialized {
		return CodeAcquisitionNotInitialized
	}
	if lib.inFlight {
		return CodeAcquisitionRunning
	}
	if lib.iteration > 0 {
		if lib.resetBetween {
			lib.clearData()
		}
		lib.iteration++
		lib.running = true
		lib.inFlight = true
		return CodeOK
	}
	region := lib.analyzer
	steps, _, code := lib.plan(&region)
	if code != CodeOK {
		return code
	}
	channels := steps
	d := lib.detector
	if region.Fixed {
		channels = d.LastXChannel - d.FirstXChannel + 1
	}
	lib.steps = steps
	lib.slices = d.Slices
	lib.channelScale = make([]float64, channels)
	if channels == 1 {
		lib.channelScale[0] = region.LowEnergy
	} else {
		floats.Span(lib.channelScale, region.LowEnergy, region.HighEnergy)
	}
	lib.sliceScale = make([]float64, d.Slices)
	height := float64(d.LastYChannel - d.FirstYChannel + 1)
	for i := range lib.sliceScale {
		lib.sliceScale[i] = float64(d.FirstYChannel) + (float64(i)+0.5)*height/float64(d.Slices)
	}
	lib.image = make([]float64, d.Slices*channels)
	lib.rawWidth = d.LastXChannel - d.FirstXChannel + 1
	lib.rawHeight = d.LastYChannel - d.FirstYChannel + 1
	lib.raw = make([]int32, lib.rawWidth*lib.rawHeight)
	lib.ioData = make([]float64, simulatedIOPorts*channels)
	lib.iteration = 1
	lib.currentStep = 0
	lib.elapsedMs = 0
	lib.running = true
	lib.inFlight = true
	lib.hasData = true
	return CodeOK
}

func (lib *NoHardware) clearData() {
	floats.Scale(0, lib.image)
	floats.Scale(0, lib.ioData)
	for i := range lib.raw {
		lib.raw[i] = 0
	}
}

// StopAcquisition stops acquiring. Stopping an idle instrument is not an error.
func (lib *NoHardware) StopAcquisition() int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("stopAcquisition", "stopAcquisition"); code != CodeOK {
		return code
	}
	lib.running = false
	lib.inFlight = false
	return CodeOK
}

// ContinueAcquisition releases the next iteration of a swept acquisition.
func (lib *NoHardware) ContinueAcquisition() int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("continueAcquisition", "continueAcquisition"); code != CodeOK {
		return code
	}
	if !lib.running {
		return CodeAcquisitionNotInitialized
	}
	return CodeOK
}

// WaitForRegionReady simulates the acquisition of the iteration begun by the
// last StartAcquisition. Waiting with no iteration in flight fails.
func (lib *NoHardware) WaitForRegionReady(timeoutMs int) int {
	lib.mu.Lock()
	if code := lib.enter("waitForRegionReady", "waitForRegionReady"); code != CodeOK {
		lib.mu.Unlock()
		return code
	}
	if !lib.running {
		lib.mu.Unlock()
		return CodeAcquisitionNotInitialized
	}
	if !lib.inFlight {
		lib.mu.Unlock()
		return CodeRegionNotStarted
	}
	gate, latency := lib.gate, lib.latency
	lib.mu.Unlock()

	select {
	case lib.waitStarted <- struct{}{}:
	default:
	}
	var timeout <-chan time.Time
	if timeoutMs >= 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}
	if gate != nil {
		select {
		case <-gate:
		case <-timeout:
			return CodeTimeout
		}
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-timeout:
			return CodeTimeout
		}
	}

	lib.mu.Lock()
	defer lib.mu.Unlock()
	if !lib.running || !lib.inFlight {
		return CodeAcquisitionNotInitialized
	}
	lib.acquireIteration()
	lib.inFlight = false
	return CodeOK
}

// acquireIteration adds one simulated iteration to the data buffers.
func (lib *NoHardware) acquireIteration() {
	n := len(lib.channelScale)
	lo, hi := lib.channelScale[0], lib.channelScale[n-1]
	center, width := (lo+hi)/2, (hi-lo)/6
	if width <= 0 {
		width = 1
	}
	dwell := float64(lib.analyzer.DwellTime) / 1000
	for ch, e := range lib.channelScale {
		counts := dwell * (1 + 100*math.Exp(-(e-center)*(e-center)/(2*width*width)))
		for s := 0; s < lib.slices; s++ {
			lib.image[s*n+ch] += counts
		}
		for p := 0; p < simulatedIOPorts; p++ {
			lib.ioData[p*n+ch] += 0.5 * float64(p+1)
		}
	}
	for i := range lib.raw {
		lib.raw[i] += int32(i%17 + 1)
	}
	lib.currentStep = lib.steps
	lib.elapsedMs += float64(lib.analyzer.DwellTime * lib.steps)
}

// GetAcquiredData reads one field of the data acquired so far.
func (lib *NoHardware) GetAcquiredData(name string, index int, value any, size *int) int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter("data:"+name, name); code != CodeOK {
		return code
	}
	if code := lib.requireLoaded(); code != CodeOK {
		return code
	}
	if name == DataIterations {
		return putInt(value, lib.iteration)
	}
	if !lib.hasData {
		return CodeAcquisitionNotInitialized
	}
	n := len(lib.channelScale)
	switch name {
	case DataChannels:
		return putInt(value, n)
	case DataSlices:
		return putInt(value, lib.slices)
	case DataIntensityUnit:
		return putString(value, size, "counts")
	case DataChannelUnit:
		return putString(value, size, "eV")
	case DataSliceUnit:
		return putString(value, size, "channel")
	case DataSpectrum:
		spectrum := make([]float64, n)
		for s := 0; s < lib.slices; s++ {
			floats.Add(spectrum, lib.image[s*n:(s+1)*n])
		}
		return putFloats(value, size, spectrum)
	case DataImage:
		return putFloats(value, size, lib.image)
	case DataSlice:
		if index < 0 || index >= lib.slices {
			return CodeIndexOutOfRange
		}
		return putFloats(value, size, lib.image[index*n:(index+1)*n])
	case DataChannelScale:
		return putFloats(value, size, lib.channelScale)
	case DataSliceScale:
		return putFloats(value, size, lib.sliceScale)
	case DataRawImage:
		if !lib.useDetector {
			return CodeNotSupported
		}
		return putInts(value, size, lib.raw)
	case DataCurrentStep:
		return putInt(value, lib.currentStep)
	case DataElapsedTime:
		return putFloat(value, lib.elapsedMs)
	}

	if !lib.useExternalIO {
		switch name {
		case DataIOPorts, DataIOSize, DataIOIterations, DataIOUnit, DataIOScale,
			DataIOSpectrum, DataIOData, DataIOPortName:
			return CodeExternalIONotAvailable
		}
	}
	switch name {
	case DataIOPorts:
		return putInt(value, simulatedIOPorts)
	case DataIOSize:
		return putInt(value, n)
	case DataIOIterations:
		return putInt(value, lib.iteration)
	case DataIOUnit:
		return putString(value, size, "V")
	case DataIOScale:
		return putFloats(value, size, lib.channelScale)
	case DataIOSpectrum:
		if index < 0 || index >= simulatedIOPorts {
			return CodeIndexOutOfRange
		}
		return putFloats(value, size, lib.ioData[index*n:(index+1)*n])
	case DataIOData:
		return putFloats(value, size, lib.ioData)
	case DataIOPortName:
		if index < 0 || index >= simulatedIOPorts {
			return CodeIndexOutOfRange
		}
		return putString(value, size, fmt.Sprintf("Port %d", index))
	}
	return CodeUnknownParameter
}

func (lib *NoHardware) hardwareCall(name string) int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if code := lib.enter(name, name); code != CodeOK {
		return code
	}
	return lib.requireLoaded()
}

// ResetHW succeeds once an instrument is loaded.
func (lib *NoHardware) ResetHW() int { return lib.hardwareCall("resetHW") }

// ZeroSupplies succeeds once an instrument is loaded.
func (lib *NoHardware) ZeroSupplies() int {
	if code := lib.hardwareCall("zeroSupplies"); code != CodeOK {
		return code
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.kineticEnergy = 0
	for k := range lib.voltages {
		lib.voltages[k] = 0
	}
	return CodeOK
}

// TestHW succeeds once an instrument is loaded.
func (lib *NoHardware) TestHW() int { return lib.hardwareCall("testHW") }

// GetKineticEnergy reads the simulated kinetic energy.
func (lib *NoHardware) GetKineticEnergy(energy *float64) int {
	if code := lib.hardwareCall("getKineticEnergy"); code != CodeOK {
		return code
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	*energy = lib.kineticEnergy
	return CodeOK
}

// SetKineticEnergy sets the simulated kinetic energy.
func (lib *NoHardware) SetKineticEnergy(energy float64) int {
	if code := lib.hardwareCall("setKineticEnergy"); code != CodeOK {
		return code
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if energy < 0 {
		return CodeValueOutOfRange
	}
	lib.kineticEnergy = energy
	return CodeOK
}

// GetElementVoltage reads the voltage of a simulated lens element.
func (lib *NoHardware) GetElementVoltage(element string, voltage *float64) int {
	if code := lib.hardwareCall("getElementVoltage"); code != CodeOK {
		return code
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	v, ok := lib.voltages[element]
	if !ok {
		return CodeUnknownParameter
	}
	*voltage = v
	return CodeOK
}

// SetElementVoltage sets the voltage of a simulated lens element.
func (lib *NoHardware) SetElementVoltage(element string, voltage float64) int {
	if code := lib.hardwareCall("setElementVoltage"); code != CodeOK {
		return code
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if _, ok := lib.voltages[element]; !ok {
		return CodeUnknownParameter
	}
	lib.voltages[element] = voltage
	return CodeOK
}

// ErrorMessage returns the text for code.
func (lib *NoHardware) ErrorMessage(code int) string {
	return CodeMessages[code]
}

func putInt(value any, v int) int {
	switch p := value.(type) {
	case *int32:
		*p = int32(v)
	case *int:
		*p = v
	default:
		return CodeBufferSize
	}
	return CodeOK
}

func putFloat(value any, v float64) int {
	p, ok := value.(*float64)
	if !ok {
		return CodeBufferSize
	}
	*p = v
	return CodeOK
}

func putBool(value any, v bool) int {
	p, ok := value.(*bool)
	if !ok {
		return CodeBufferSize
	}
	*p = v
	return CodeOK
}

// putString follows the two-phase contract for NUL-terminated strings.
func putString(value any, size *int, s string) int {
	buf, ok := value.([]byte)
	if !ok || size == nil {
		return CodeBufferSize
	}
	if buf == nil {
		*size = len(s) + 1
		return CodeOK
	}
	n := copy(buf, s)
	if n < len(buf) {
		buf[n] = 0
		n++
	}
	*size = n
	return CodeOK
}

func putFloats(value any, size *int, src []float64) int {
	buf, ok := value.([]float64)
	if !ok || size == nil {
		return CodeBufferSize
	}
	if buf == nil {
		*size = len(src)
		return CodeOK
	}
	*size = copy(buf, src)
	return CodeOK
}

func putInts(value any, size *int, src []int32) int {
	buf, ok := value.([]int32)
	if !ok || size == nil {
		return CodeBufferSize
	}
	if buf == nil {
		*size = len(src)
		return CodeOK
	}
	*size = copy(buf, src)
	return CodeOK
}

// putIndexed reads entry index of list, or current when index is negative.
func putIndexed(value any, size *int, index int, list []string, current string) int {
	if index < 0 {
		return putString(value, size, current)
	}
	if index >= len(list) {
		return CodeIndexOutOfRange
	}
	return putString(value, size, list[index])
}

func setListed(value any, list []string, dst *string) int {
	s, ok := value.(string)
	if !ok {
		return CodeBufferSize
	}
	for _, item := range list {
		if item == s {
			*dst = s
			return CodeOK
		}
	}
	return CodeValueOutOfRange
}

func setBool(value any, dst *bool) int {
	b, ok := value.(bool)
	if !ok {
		return CodeBufferSize
	}
	*dst = b
	return CodeOK
}

func setString(value any, dst *string) int {
	s, ok := value.(string)
	if !ok {
		return CodeBufferSize
	}
	*dst = s
	return CodeOK
}
