package ses

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Instrument is the facade over a Library. All methods translate vendor codes
// into *Error values and log the vendor message before returning the error.
// Like the Library it wraps, an Instrument is not safe for concurrent use.
type Instrument struct {
	lib Library
	Log *log.Logger
}

// NewInstrument wraps lib. Failures are logged to stderr until Log is replaced.
func NewInstrument(lib Library) *Instrument {
	return &Instrument{lib: lib, Log: log.New(os.Stderr, "ses: ", log.LstdFlags)}
}

// check converts a vendor code from op into an error, logging the failure.
func (in *Instrument) check(op string, code int) error {
	if code == CodeOK {
		return nil
	}
	err := translate(op, code, in.lib.ErrorMessage(code))
	if in.Log != nil {
		in.Log.Printf("SES library call %s failed: %s", op, err.Message)
	}
	return err
}

// Initialize sets the library working directory and initializes the library.
func (in *Instrument) Initialize(workingDir string) error {
	if workingDir != "" {
		if err := in.Set(PropLibWorkingDir, 0, workingDir); err != nil {
			return err
		}
	}
	return in.check("initialize", in.lib.Initialize())
}

// LoadInstrument loads an instrument configuration file. A relative path is
// taken relative to the data directory under the library working directory.
func (in *Instrument) LoadInstrument(path string) error {
	if !filepath.IsAbs(path) {
		if dir, err := in.GetString(PropLibWorkingDir, 0); err == nil && dir != "" {
			path = filepath.Join(dir, "data", path)
		}
	}
	return in.check("loadInstrument "+path, in.lib.LoadInstrument(path))
}

// Finalize releases the library.
func (in *Instrument) Finalize() error {
	return in.check("finalize", in.lib.Finalize())
}

// IsInitialized reports whether the library has been initialized.
func (in *Instrument) IsInitialized() bool {
	return in.lib.IsInitialized()
}

// Get reads a fixed-size property into ptr, which must be *bool, *int32,
// *float64, *DetectorInfo, *DetectorRegion or *AnalyzerRegion.
func (in *Instrument) Get(name string, index int, ptr any) error {
	return in.check("get "+name, in.lib.GetProperty(name, index, ptr, nil))
}

// GetInt reads an integer property.
func (in *Instrument) GetInt(name string, index int) (int, error) {
	var v int32
	err := in.Get(name, index, &v)
	return int(v), err
}

// GetFloat reads a floating-point property.
func (in *Instrument) GetFloat(name string, index int) (float64, error) {
	var v float64
	err := in.Get(name, index, &v)
	return v, err
}

// GetBool reads a boolean property.
func (in *Instrument) GetBool(name string, index int) (bool, error) {
	var v bool
	err := in.Get(name, index, &v)
	return v, err
}

// GetString reads a string property using the two-phase size query.
func (in *Instrument) GetString(name string, index int) (string, error) {
	op := "get " + name
	var size int
	if err := in.check(op, in.lib.GetProperty(name, index, []byte(nil), &size)); err != nil {
		return "", err
	}
	if size <= 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if err := in.check(op, in.lib.GetProperty(name, index, buf, &size)); err != nil {
		return "", err
	}
	return cString(buf, size), nil
}

// Set writes a property. Strings are passed as string; the region structs by value.
func (in *Instrument) Set(name string, index int, value any) error {
	return in.check("set "+name, in.lib.SetProperty(name, index, value))
}

// DetectorInfo reads the detector capabilities.
func (in *Instrument) DetectorInfo() (DetectorInfo, error) {
	var info DetectorInfo
	err := in.Get(PropDetectorInfo, 0, &info)
	return info, err
}

// DetectorRegion reads the detector region currently held by the library.
func (in *Instrument) DetectorRegion() (DetectorRegion, error) {
	var r DetectorRegion
	err := in.Get(PropDetectorRegion, 0, &r)
	return r, err
}

// AnalyzerRegion reads the analyser region currently held by the library.
func (in *Instrument) AnalyzerRegion() (AnalyzerRegion, error) {
	var r AnalyzerRegion
	err := in.Get(PropAnalyzerRegion, 0, &r)
	return r, err
}

// list reads the indexed string property name, whose length is in countName.
func (in *Instrument) list(countName, name string) ([]string, error) {
	n, err := in.GetInt(countName, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := in.GetString(name, i)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ElementSets lists the element sets known to the instrument.
func (in *Instrument) ElementSets() ([]string, error) {
	return in.list(PropElementSetCount, PropElementSet)
}

// LensModes lists the lens modes known to the instrument.
func (in *Instrument) LensModes() ([]string, error) {
	return in.list(PropLensModeCount, PropLensMode)
}

// PassEnergies lists the pass energies (eV) known to the instrument.
func (in *Instrument) PassEnergies() ([]float64, error) {
	n, err := in.GetInt(PropPassEnergyCount, 0)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		if out[i], err = in.GetFloat(PropPassEnergy, i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// InitAcquisition prepares the library for a new acquisition.
func (in *Instrument) InitAcquisition(blockPointReady, blockRegionReady bool) error {
	return in.check("initAcquisition", in.lib.InitAcquisition(blockPointReady, blockRegionReady))
}

// CheckAnalyzerRegion asks the instrument to validate region. The returned
// RegionCheck carries the corrected region along with the step count, the
// estimated acquisition time and the minimum energy step.
func (in *Instrument) CheckAnalyzerRegion(region AnalyzerRegion) (RegionCheck, error) {
	check := RegionCheck{Region: region}
	code := in.lib.CheckAnalyzerRegion(&check.Region, &check.Steps, &check.DwellTime, &check.MinEnergyStep)
	if err := in.check("checkAnalyzerRegion", code); err != nil {
		return RegionCheck{}, err
	}
	return check, nil
}

// StartAcquisition starts one iteration of the current region. The library
// counts iterations from the last InitAcquisition.
func (in *Instrument) StartAcquisition() error {
	return in.check("startAcquisition", in.lib.StartAcquisition())
}

// StopAcquisition stops a running acquisition.
func (in *Instrument) StopAcquisition() error {
	return in.check("stopAcquisition", in.lib.StopAcquisition())
}

// ContinueAcquisition releases the instrument to acquire the next iteration.
func (in *Instrument) ContinueAcquisition() error {
	return in.check("continueAcquisition", in.lib.ContinueAcquisition())
}

// WaitForRegionReady blocks until the current region has been acquired.
// A negative timeout waits forever.
func (in *Instrument) WaitForRegionReady(timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	return in.check("waitForRegionReady", in.lib.WaitForRegionReady(ms))
}

// AcquiredInt reads an integer data field.
func (in *Instrument) AcquiredInt(name string, index int) (int, error) {
	var v int32
	err := in.check("getAcquiredData "+name, in.lib.GetAcquiredData(name, index, &v, nil))
	return int(v), err
}

// AcquiredFloat reads a floating-point data field.
func (in *Instrument) AcquiredFloat(name string, index int) (float64, error) {
	var v float64
	err := in.check("getAcquiredData "+name, in.lib.GetAcquiredData(name, index, &v, nil))
	return v, err
}

// AcquiredString reads a string data field with the two-phase size query.
func (in *Instrument) AcquiredString(name string, index int) (string, error) {
	op := "getAcquiredData " + name
	var size int
	if err := in.check(op, in.lib.GetAcquiredData(name, index, []byte(nil), &size)); err != nil {
		return "", err
	}
	if size <= 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if err := in.check(op, in.lib.GetAcquiredData(name, index, buf, &size)); err != nil {
		return "", err
	}
	return cString(buf, size), nil
}

// AcquiredFloats reads a float array data field with the two-phase size query.
// The length declared by the library is authoritative.
func (in *Instrument) AcquiredFloats(name string, index int) ([]float64, error) {
	op := "getAcquiredData " + name
	var size int
	if err := in.check(op, in.lib.GetAcquiredData(name, index, []float64(nil), &size)); err != nil {
		return nil, err
	}
	buf := make([]float64, size)
	if size == 0 {
		return buf, nil
	}
	if err := in.check(op, in.lib.GetAcquiredData(name, index, buf, &size)); err != nil {
		return nil, err
	}
	if size > len(buf) {
		return nil, &Error{Kind: VendorError, Code: CodeBufferSize, Op: op,
			Message: fmt.Sprintf("library wrote %d values into a buffer of %d", size, len(buf))}
	}
	return buf[:size], nil
}

// AcquiredInts reads an int32 array data field with the two-phase size query.
func (in *Instrument) AcquiredInts(name string, index int) ([]int32, error) {
	op := "getAcquiredData " + name
	var size int
	if err := in.check(op, in.lib.GetAcquiredData(name, index, []int32(nil), &size)); err != nil {
		return nil, err
	}
	buf := make([]int32, size)
	if size == 0 {
		return buf, nil
	}
	if err := in.check(op, in.lib.GetAcquiredData(name, index, buf, &size)); err != nil {
		return nil, err
	}
	if size > len(buf) {
		return nil, &Error{Kind: VendorError, Code: CodeBufferSize, Op: op,
			Message: fmt.Sprintf("library wrote %d values into a buffer of %d", size, len(buf))}
	}
	return buf[:size], nil
}

// ResetHardware resets the analyser hardware.
func (in *Instrument) ResetHardware() error {
	return in.check("resetHW", in.lib.ResetHW())
}

// ZeroSupplies sets all analyser supplies to zero.
func (in *Instrument) ZeroSupplies() error {
	return in.check("zeroSupplies", in.lib.ZeroSupplies())
}

// TestCommunication checks communication with the analyser hardware.
func (in *Instrument) TestCommunication() error {
	return in.check("testHW", in.lib.TestHW())
}

// KineticEnergy reads the kinetic energy the analyser is set to.
func (in *Instrument) KineticEnergy() (float64, error) {
	var e float64
	err := in.check("getKineticEnergy", in.lib.GetKineticEnergy(&e))
	return e, err
}

// SetKineticEnergy sets the analyser to a kinetic energy.
func (in *Instrument) SetKineticEnergy(energy float64) error {
	return in.check("setKineticEnergy", in.lib.SetKineticEnergy(energy))
}

// ElementVoltage reads the voltage of a lens element.
func (in *Instrument) ElementVoltage(element string) (float64, error) {
	var v float64
	err := in.check("getElementVoltage "+element, in.lib.GetElementVoltage(element, &v))
	return v, err
}

// SetElementVoltage sets the voltage of a lens element.
func (in *Instrument) SetElementVoltage(element string, voltage float64) error {
	return in.check("setElementVoltage "+element, in.lib.SetElementVoltage(element, voltage))
}

// cString returns the text in the first size bytes of buf, up to any NUL.
func cString(buf []byte, size int) string {
	if size > len(buf) {
		size = len(buf)
	}
	buf = buf[:size]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}
