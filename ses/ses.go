// Package ses provides access to a VG Scienta electron analyser through the
// SES instrument library. The vendor library is reached through the Library
// interface, which keeps the library's own calling convention (integer return
// codes, two-phase size queries for variable-length values). Instrument wraps a
// Library and turns every failing code into an *Error, so callers of Instrument
// never see raw vendor codes.
//
// Two implementations of Library exist: the cgo binding to the vendor library
// (built only with the "seswrapper" build tag) and NoHardware, an in-memory
// simulation used for tests and for running the driver without an analyser.
package ses

// Library is the capability interface of the SES instrument library.
// Every method returns a vendor code; 0 means success.
//
// Variable-length values follow a two-phase contract. Passing a nil slice
// ([]byte for strings, []float64 or []int32 for arrays) asks the library for
// the required length, which is returned in *size. Passing a non-nil slice
// fills at most len(slice) elements and sets *size to the number written.
// Fixed-size values are passed as pointers (*bool, *int32, *float64, or one of
// the region structs) and size may be nil.
//
// The library is not reentrant. Callers must serialize all calls.
type Library interface {
	Initialize() int
	Finalize() int
	IsInitialized() bool
	LoadInstrument(path string) int

	GetProperty(name string, index int, value any, size *int) int
	SetProperty(name string, index int, value any) int

	InitAcquisition(blockPointReady, blockRegionReady bool) int
	CheckAnalyzerRegion(region *AnalyzerRegion, steps *int, timeMs *float64, minEnergyStep *float64) int
	StartAcquisition() int
	StopAcquisition() int
	ContinueAcquisition() int
	WaitForRegionReady(timeoutMs int) int
	GetAcquiredData(name string, index int, value any, size *int) int

	ResetHW() int
	ZeroSupplies() int
	TestHW() int
	GetKineticEnergy(energy *float64) int
	SetKineticEnergy(energy float64) int
	GetElementVoltage(element string, voltage *float64) int
	SetElementVoltage(element string, voltage float64) int

	// ErrorMessage returns the library's text for a vendor code.
	ErrorMessage(code int) string
}

// Library and instrument properties.
const (
	PropLibDescription             = "lib_description"
	PropLibVersion                 = "lib_version"
	PropLibError                   = "lib_error"
	PropLibWorkingDir              = "lib_working_dir"
	PropInstrumentStatus           = "instrument_status"
	PropAlwaysDelayRegion          = "always_delay_region"
	PropAllowIOWithDetector        = "allow_io_with_detector"
	PropInstrumentModel            = "instrument_model"
	PropInstrumentSerialNo         = "instrument_serial_no"
	PropDetectorInfo               = "detector_info"
	PropDetectorRegion             = "detector_region"
	PropElementSetCount            = "element_set_count"
	PropElementSet                 = "element_set"
	PropLensModeCount              = "lens_mode_count"
	PropLensMode                   = "lens_mode"
	PropPassEnergyCount            = "pass_energy_count"
	PropPassEnergy                 = "pass_energy"
	PropAnalyzerRegion             = "analyzer_region"
	PropUseExternalIO              = "use_external_io"
	PropUseDetector                = "use_detector"
	PropRegionName                 = "region_name"
	PropTempFileName               = "temp_file_name"
	PropResetDataBetweenIterations = "reset_data_between_iterations"
)

// Acquired-data keys.
const (
	DataChannels      = "acq_channels"
	DataSlices        = "acq_slices"
	DataIterations    = "acq_iterations"
	DataIntensityUnit = "acq_intensity_unit"
	DataChannelUnit   = "acq_channel_unit"
	DataSliceUnit     = "acq_slice_unit"
	DataSpectrum      = "acq_spectrum"
	DataImage         = "acq_image"
	DataSlice         = "acq_slice"
	DataChannelScale  = "acq_channel_scale"
	DataSliceScale    = "acq_slice_scale"
	DataRawImage      = "acq_raw_image"
	DataCurrentStep   = "acq_current_step"
	DataElapsedTime   = "acq_elapsed_time"
	DataIOPorts       = "acq_io_ports"
	DataIOSize        = "acq_io_size"
	DataIOIterations  = "acq_io_iterations"
	DataIOUnit        = "acq_io_unit"
	DataIOScale       = "acq_io_scale"
	DataIOSpectrum    = "acq_io_spectrum"
	DataIOData        = "acq_io_data"
	DataIOPortName    = "acq_io_port_name"
)

// InstrumentStatus values reported by the instrument_status property.
type InstrumentStatus int32

// Values of InstrumentStatus.
const (
	StatusNormal InstrumentStatus = iota
	StatusRunning
	StatusAcqError
	StatusNonOperational
	StatusNotInitialized
)

func (s InstrumentStatus) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusRunning:
		return "Running"
	case StatusAcqError:
		return "AcqError"
	case StatusNonOperational:
		return "NonOperational"
	case StatusNotInitialized:
		return "NotInitialized"
	}
	return "Unknown"
}

// DetectorInfo describes the capabilities of the imaging detector. It is
// fixed for the lifetime of an instrument session.
type DetectorInfo struct {
	TimerControlled bool
	XChannels       int
	YChannels       int
	MaxSlices       int
	MaxChannels     int
	FrameRate       int
	ADCPresent      bool
	DiscPresent     bool
}

// DetectorRegion is the active channel/slice window of the detector.
type DetectorRegion struct {
	FirstXChannel      int
	LastXChannel       int
	FirstYChannel      int
	LastYChannel       int
	Slices             int
	ADCMode            bool
	DiscriminatorLevel int
	ADCMask            int
}

// AnalyzerRegion holds the energy settings of one analyser region.
// Energies are in eV, EnergyStep in meV and DwellTime in ms.
type AnalyzerRegion struct {
	Fixed        bool
	HighEnergy   float64
	LowEnergy    float64
	CenterEnergy float64
	EnergyStep   float64
	DwellTime    int
	Kinetic      bool
}

// RegionCheck is the instrument's verdict on an AnalyzerRegion. Region holds
// the region as corrected by the instrument.
type RegionCheck struct {
	Steps         int
	DwellTime     float64
	MinEnergyStep float64
	Region        AnalyzerRegion
}
