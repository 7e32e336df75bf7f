package analyser

import (
	"fmt"
	"sort"
)

// Parameter names shared with the generic detector framework.
const (
	ParamAcquire          = "ACQUIRE"
	ParamAcquireTime      = "ACQUIRE_TIME"
	ParamAcquirePeriod    = "ACQUIRE_PERIOD"
	ParamNumImages        = "NUM_IMAGES"
	ParamNumImagesCounter = "NUM_IMAGES_COUNTER"
	ParamImageMode        = "IMAGE_MODE"
	ParamStatus           = "STATUS"
	ParamStatusMessage    = "STATUS_MESSAGE"
	ParamArrayCounter     = "ARRAY_COUNTER"
	ParamArrayCallbacks   = "ARRAY_CALLBACKS"
	ParamArraySizeX       = "ARRAY_SIZE_X"
	ParamArraySizeY       = "ARRAY_SIZE_Y"
	ParamArraySize        = "ARRAY_SIZE"
	ParamUniqueID         = "UNIQUE_ID"
	ParamTimeStamp        = "TIME_STAMP"
	ParamManufacturer     = "MANUFACTURER"
	ParamModel            = "MODEL"
	ParamMaxSizeX         = "MAX_SIZE_X"
	ParamMaxSizeY         = "MAX_SIZE_Y"
	ParamMinX             = "MIN_X"
	ParamMinY             = "MIN_Y"
	ParamSizeX            = "SIZE_X"
	ParamSizeY            = "SIZE_Y"
)

// Parameter names of the analyser.
const (
	ParamLibDescription         = "LIB_DESCRIPTION"
	ParamLibVersion             = "LIB_VERSION"
	ParamLibWorkingDir          = "LIB_WORKING_DIR"
	ParamInstrumentStatus       = "INSTRUMENT_STATUS"
	ParamInstrumentSerialNumber = "INSTRUMENT_SERIAL_NUMBER"
	ParamAlwaysDelayRegion      = "ALWAYS_DELAY_REGION"
	ParamAllowIOWithDetector    = "ALLOW_IO_WITH_DETECTOR"
	ParamTimerControlled        = "TIMER_CONTROLLED"
	ParamXChannels              = "X_CHANNELS"
	ParamYChannels              = "Y_CHANNELS"
	ParamMaxSlices              = "MAX_SLICES"
	ParamMaxChannels            = "MAX_CHANNELS"
	ParamFrameRate              = "FRAME_RATE"
	ParamADCPresent             = "ADC_PRESENT"
	ParamDiscPresent            = "DISC_PRESENT"
	ParamFirstXChannel          = "FIRST_X_CHANNEL"
	ParamLastXChannel           = "LAST_X_CHANNEL"
	ParamFirstYChannel          = "FIRST_Y_CHANNEL"
	ParamLastYChannel           = "LAST_Y_CHANNEL"
	ParamSlices                 = "SLICES"
	ParamDetectorMode           = "DETECTOR_MODE"
	ParamADCMask                = "ADC_MASK"
	ParamDiscriminatorLevel     = "DISCRIMINATOR_LEVEL"
	ParamElementSet             = "ELEMENT_SET"
	ParamLensMode               = "LENS_MODE"
	ParamPassEnergy             = "PASS_ENERGY"
	ParamAcquisitionMode        = "ACQUISITION_MODE"
	ParamEnergyMode             = "ENERGY_MODE"
	ParamHighEnergy             = "HIGH_ENERGY"
	ParamLowEnergy              = "LOW_ENERGY"
	ParamCenterEnergy           = "CENTER_ENERGY"
	ParamEnergyStep             = "ENERGY_STEP"
	ParamDwellTime              = "DWELL_TIME"
	ParamRunMode                = "RUN_MODE"
	ParamUseExternalIO          = "USE_EXTERNAL_IO"
	ParamUseDetector            = "USE_DETECTOR"
	ParamRegionName             = "REGION_NAME"
	ParamTempFileName           = "TEMP_FILE_NAME"
	ParamResetDataBetweenIter   = "RESET_DATA_BETWEEN_ITERATIONS"
	ParamSteps                  = "STEPS"
	ParamMinEnergyStep          = "MIN_ENERGY_STEP"
	ParamEstimatedTime          = "ESTIMATED_TIME"
	ParamKineticEnergy          = "KINETIC_ENERGY"
	ParamAcqChannels            = "ACQ_CHANNELS"
	ParamAcqSlices              = "ACQ_SLICES"
	ParamAcqIterations          = "ACQ_ITERATIONS"
	ParamAcqIntensityUnit       = "ACQ_INTENSITY_UNIT"
	ParamAcqChannelUnit         = "ACQ_CHANNEL_UNIT"
	ParamAcqSliceUnit           = "ACQ_SLICE_UNIT"
	ParamAcqSpectrum            = "ACQ_SPECTRUM"
	ParamAcqImage               = "ACQ_IMAGE"
	ParamAcqSlice               = "ACQ_SLICE"
	ParamAcqSliceIndex          = "ACQ_SLICE_INDEX"
	ParamAcqChannelScale        = "ACQ_CHANNEL_SCALE"
	ParamAcqSliceScale          = "ACQ_SLICE_SCALE"
	ParamAcqRawImage            = "ACQ_RAW_IMAGE"
	ParamAcqCurrentStep         = "ACQ_CURRENT_STEP"
	ParamAcqElapsedTime         = "ACQ_ELAPSED_TIME"
	ParamAcqIOPorts             = "ACQ_IO_PORTS"
	ParamAcqIOSize              = "ACQ_IO_SIZE"
	ParamAcqIOIterations        = "ACQ_IO_ITERATIONS"
	ParamAcqIOUnit              = "ACQ_IO_UNIT"
	ParamAcqIOScale             = "ACQ_IO_SCALE"
	ParamAcqIOSpectrum          = "ACQ_IO_SPECTRUM"
	ParamAcqIOData              = "ACQ_IO_DATA"
	ParamAcqIOPortName          = "ACQ_IO_PORT_NAME"
	ParamAcqIOPortIndex         = "ACQ_IO_PORT_INDEX"
)

// ParamType is the type of one parameter slot.
type ParamType int

// Values of ParamType.
const (
	ParamInt ParamType = iota
	ParamFloat
	ParamString
	ParamIntArray
	ParamFloatArray
)

func (t ParamType) String() string {
	switch t {
	case ParamInt:
		return "int"
	case ParamFloat:
		return "float"
	case ParamString:
		return "string"
	case ParamIntArray:
		return "int array"
	case ParamFloatArray:
		return "float array"
	}
	return fmt.Sprintf("ParamType(%d)", int(t))
}

// Param is one typed slot of the parameter table. Only the field matching Type is used.
type Param struct {
	Name   string
	Type   ParamType
	Int    int
	Float  float64
	String string
	Ints   []int32
	Floats []float64

	changed bool
}

// value returns the slot's value as published to clients. Arrays are
// published by length only.
func (p *Param) value() any {
	switch p.Type {
	case ParamInt:
		return p.Int
	case ParamFloat:
		return p.Float
	case ParamString:
		return p.String
	case ParamIntArray:
		return len(p.Ints)
	case ParamFloatArray:
		return len(p.Floats)
	}
	return nil
}

// ParamTable is a table of named, typed parameters with change tracking. It
// is not safe for concurrent use: the Driver guards it with its state lock.
type ParamTable struct {
	params  map[string]*Param
	updates chan<- ClientUpdate
}

// NewParamTable returns an empty table whose changes are sent to updates,
// which may be nil.
func NewParamTable(updates chan<- ClientUpdate) *ParamTable {
	return &ParamTable{params: make(map[string]*Param), updates: updates}
}

// Create adds a parameter. It is an error to create a name twice.
func (pt *ParamTable) Create(name string, typ ParamType) error {
	if _, ok := pt.params[name]; ok {
		return fmt.Errorf("parameter %q already exists", name)
	}
	pt.params[name] = &Param{Name: name, Type: typ, changed: true}
	return nil
}

// Type returns the type of parameter name.
func (pt *ParamTable) Type(name string) (ParamType, error) {
	p, ok := pt.params[name]
	if !ok {
		return 0, fmt.Errorf("unknown parameter %q", name)
	}
	return p.Type, nil
}

// slot returns the parameter name, which must exist with type typ. A missing
// or mistyped slot is a programming error and panics.
func (pt *ParamTable) slot(name string, typ ParamType) *Param {
	p, ok := pt.params[name]
	if !ok || p.Type != typ {
		panic(fmt.Sprintf("parameter %q is not a %v parameter", name, typ))
	}
	return p
}

// SetInt sets an integer parameter.
func (pt *ParamTable) SetInt(name string, v int) {
	p := pt.slot(name, ParamInt)
	if p.Int != v {
		p.Int = v
		p.changed = true
	}
}

// SetBool sets an integer parameter to 1 or 0.
func (pt *ParamTable) SetBool(name string, v bool) {
	i := 0
	if v {
		i = 1
	}
	pt.SetInt(name, i)
}

// SetFloat sets a floating-point parameter.
func (pt *ParamTable) SetFloat(name string, v float64) {
	p := pt.slot(name, ParamFloat)
	if p.Float != v {
		p.Float = v
		p.changed = true
	}
}

// SetString sets a string parameter.
func (pt *ParamTable) SetString(name string, v string) {
	p := pt.slot(name, ParamString)
	if p.String != v {
		p.String = v
		p.changed = true
	}
}

// SetInts sets an integer array parameter. The table keeps v.
func (pt *ParamTable) SetInts(name string, v []int32) {
	p := pt.slot(name, ParamIntArray)
	p.Ints = v
	p.changed = true
}

// SetFloats sets a floating-point array parameter. The table keeps v.
func (pt *ParamTable) SetFloats(name string, v []float64) {
	p := pt.slot(name, ParamFloatArray)
	p.Floats = v
	p.changed = true
}

// GetInt returns an integer parameter.
func (pt *ParamTable) GetInt(name string) int { return pt.slot(name, ParamInt).Int }

// GetBool returns whether an integer parameter is nonzero.
func (pt *ParamTable) GetBool(name string) bool { return pt.slot(name, ParamInt).Int != 0 }

// GetFloat returns a floating-point parameter.
func (pt *ParamTable) GetFloat(name string) float64 { return pt.slot(name, ParamFloat).Float }

// GetString returns a string parameter.
func (pt *ParamTable) GetString(name string) string { return pt.slot(name, ParamString).String }

// GetInts returns an integer array parameter.
func (pt *ParamTable) GetInts(name string) []int32 { return pt.slot(name, ParamIntArray).Ints }

// GetFloats returns a floating-point array parameter.
func (pt *ParamTable) GetFloats(name string) []float64 { return pt.slot(name, ParamFloatArray).Floats }

// Get returns a copy of parameter name.
func (pt *ParamTable) Get(name string) (Param, error) {
	p, ok := pt.params[name]
	if !ok {
		return Param{}, fmt.Errorf("unknown parameter %q", name)
	}
	cp := *p
	cp.Ints = append([]int32(nil), p.Ints...)
	cp.Floats = append([]float64(nil), p.Floats...)
	return cp, nil
}

// Names returns all parameter names in sorted order.
func (pt *ParamTable) Names() []string {
	names := make([]string, 0, len(pt.params))
	for name := range pt.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallParamCallbacks sends one PARAMS update carrying every parameter changed
// since the last call, then clears the change marks.
func (pt *ParamTable) CallParamCallbacks() {
	changed := make(map[string]any)
	for name, p := range pt.params {
		if p.changed {
			changed[name] = p.value()
			p.changed = false
		}
	}
	if len(changed) == 0 || pt.updates == nil {
		return
	}
	pt.updates <- ClientUpdate{"PARAMS", changed}
}

// AllValues returns the published value of every parameter.
func (pt *ParamTable) AllValues() map[string]any {
	all := make(map[string]any, len(pt.params))
	for name, p := range pt.params {
		all[name] = p.value()
	}
	return all
}

// createParams creates every parameter of the driver.
func (pt *ParamTable) createParams() {
	ints := []string{
		ParamAcquire, ParamNumImages, ParamNumImagesCounter, ParamImageMode, ParamStatus,
		ParamArrayCounter, ParamArrayCallbacks, ParamArraySizeX, ParamArraySizeY, ParamArraySize,
		ParamUniqueID, ParamMaxSizeX, ParamMaxSizeY, ParamMinX, ParamMinY, ParamSizeX, ParamSizeY,
		ParamInstrumentStatus, ParamAlwaysDelayRegion, ParamAllowIOWithDetector,
		ParamTimerControlled, ParamXChannels, ParamYChannels, ParamMaxSlices, ParamMaxChannels,
		ParamFrameRate, ParamADCPresent, ParamDiscPresent,
		ParamFirstXChannel, ParamLastXChannel, ParamFirstYChannel, ParamLastYChannel, ParamSlices,
		ParamDetectorMode, ParamADCMask, ParamDiscriminatorLevel,
		ParamElementSet, ParamLensMode, ParamPassEnergy,
		ParamAcquisitionMode, ParamEnergyMode, ParamDwellTime, ParamRunMode,
		ParamUseExternalIO, ParamUseDetector, ParamResetDataBetweenIter, ParamSteps,
		ParamAcqChannels, ParamAcqSlices, ParamAcqIterations, ParamAcqSliceIndex,
		ParamAcqCurrentStep, ParamAcqIOPorts, ParamAcqIOSize, ParamAcqIOIterations, ParamAcqIOPortIndex,
	}
	floats := []string{
		ParamAcquireTime, ParamAcquirePeriod, ParamTimeStamp,
		ParamHighEnergy, ParamLowEnergy, ParamCenterEnergy, ParamEnergyStep,
		ParamMinEnergyStep, ParamEstimatedTime, ParamKineticEnergy, ParamAcqElapsedTime,
	}
	strs := []string{
		ParamStatusMessage, ParamManufacturer, ParamModel,
		ParamLibDescription, ParamLibVersion, ParamLibWorkingDir, ParamInstrumentSerialNumber,
		ParamRegionName, ParamTempFileName,
		ParamAcqIntensityUnit, ParamAcqChannelUnit, ParamAcqSliceUnit, ParamAcqIOUnit, ParamAcqIOPortName,
	}
	floatArrays := []string{
		ParamAcqSpectrum, ParamAcqImage, ParamAcqSlice, ParamAcqChannelScale, ParamAcqSliceScale,
		ParamAcqIOScale, ParamAcqIOSpectrum, ParamAcqIOData,
	}
	for _, name := range ints {
		pt.Create(name, ParamInt)
	}
	for _, name := range floats {
		pt.Create(name, ParamFloat)
	}
	for _, name := range strs {
		pt.Create(name, ParamString)
	}
	for _, name := range floatArrays {
		pt.Create(name, ParamFloatArray)
	}
	pt.Create(ParamAcqRawImage, ParamIntArray)
}
