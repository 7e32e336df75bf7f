package analyser

import (
	"fmt"
	"os"

	"github.com/dls-controls/analyser/ses"
)

// WriteInt handles a client write to an integer parameter. The value is
// stored, then acted on; a rejected write restores the previous value, shows
// the reason in STATUS_MESSAGE and returns it as an error.
func (d *Driver) WriteInt(name string, value int) error {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	defer d.params.CallParamCallbacks()
	if err := d.checkType(name, ParamInt); err != nil {
		return err
	}
	old := d.params.GetInt(name)
	d.params.SetInt(name, value)
	if err := d.writeInt(name, value); err != nil {
		d.params.SetInt(name, old)
		return d.reject(name, err)
	}
	return nil
}

// WriteFloat handles a client write to a float parameter.
func (d *Driver) WriteFloat(name string, value float64) error {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	defer d.params.CallParamCallbacks()
	if err := d.checkType(name, ParamFloat); err != nil {
		return err
	}
	old := d.params.GetFloat(name)
	d.params.SetFloat(name, value)
	if err := d.writeFloat(name, value); err != nil {
		d.params.SetFloat(name, old)
		return d.reject(name, err)
	}
	return nil
}

// WriteString handles a client write to a string parameter.
func (d *Driver) WriteString(name string, value string) error {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	defer d.params.CallParamCallbacks()
	if err := d.checkType(name, ParamString); err != nil {
		return err
	}
	old := d.params.GetString(name)
	d.params.SetString(name, value)
	if err := d.writeString(name, value); err != nil {
		d.params.SetString(name, old)
		return d.reject(name, err)
	}
	return nil
}

// ReadParam returns a copy of one parameter.
func (d *Driver) ReadParam(name string) (Param, error) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	p, err := d.params.Get(name)
	if err != nil {
		return p, ses.Invalidf("%v", err)
	}
	return p, nil
}

// AllParams returns the published value of every parameter.
func (d *Driver) AllParams() map[string]any {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.params.AllValues()
}

func (d *Driver) checkType(name string, want ParamType) error {
	typ, err := d.params.Type(name)
	if err != nil {
		return ses.Invalidf("%v", err)
	}
	if typ != want {
		return ses.Invalidf("parameter %s is %v, not %v", name, typ, want)
	}
	return nil
}

// reject reports a refused write. Callers hold stateLock.
func (d *Driver) reject(name string, err error) error {
	msg := fmt.Sprintf("set %s failed: %v", name, err)
	d.setMessage(msg)
	ProblemLogger.Print(msg)
	return err
}

// errBusy refuses a write that needs the instrument while a run owns it.
func errBusy(name string) error {
	return ses.Invalidf("%s cannot be changed while the analyser is busy", name)
}

// vendorSet writes one instrument property, refusing while busy. Callers hold stateLock.
func (d *Driver) vendorSet(name, prop string, value any) error {
	if d.busy() {
		return errBusy(name)
	}
	return d.inst.Set(prop, 0, value)
}

// detectorEdit commits a detector region edit and republishes it. Callers hold stateLock.
func (d *Driver) detectorEdit(err error) error {
	if err != nil {
		return err
	}
	d.publishDetectorRegion()
	d.saveRegions()
	return nil
}

// analyzerEdit commits an analyser region edit and republishes it. Callers hold stateLock.
func (d *Driver) analyzerEdit(edit func(r *ses.AnalyzerRegion)) error {
	d.regions.EditAnalyzer(edit)
	d.publishAnalyzerRegion()
	d.saveRegions()
	return nil
}

func (d *Driver) saveRegions() {
	if d.saver == nil {
		return
	}
	if err := d.saver(d.regions.Detector(), d.regions.Analyzer()); err != nil {
		ProblemLogger.Printf("Saving regions: %v", err)
	}
}

func (d *Driver) writeInt(name string, value int) error {
	rm := &d.regions
	switch name {
	case ParamAcquire:
		if value != 0 {
			d.acquire()
		} else {
			d.stop()
		}
		return nil

	case ParamFirstXChannel, ParamMinX:
		return d.detectorEdit(rm.SetFirstXChannel(value))
	case ParamLastXChannel:
		return d.detectorEdit(rm.SetLastXChannel(value))
	case ParamFirstYChannel, ParamMinY:
		return d.detectorEdit(rm.SetFirstYChannel(value))
	case ParamLastYChannel:
		return d.detectorEdit(rm.SetLastYChannel(value))
	case ParamSizeX:
		return d.detectorEdit(rm.SetLastXChannel(rm.Detector().FirstXChannel + value))
	case ParamSizeY:
		return d.detectorEdit(rm.SetLastYChannel(rm.Detector().FirstYChannel + value))
	case ParamSlices:
		return d.detectorEdit(rm.SetSlices(value))
	case ParamDetectorMode:
		rm.SetADCMode(value != 0)
		return d.detectorEdit(nil)
	case ParamDiscriminatorLevel:
		rm.SetDiscriminatorLevel(value)
		return d.detectorEdit(nil)
	case ParamADCMask:
		rm.SetADCMask(value)
		return d.detectorEdit(nil)

	case ParamAcquisitionMode:
		return d.analyzerEdit(func(r *ses.AnalyzerRegion) { r.Fixed = value != 0 })
	case ParamEnergyMode:
		// 1 is the kinetic energy scale, 0 the binding energy scale.
		return d.analyzerEdit(func(r *ses.AnalyzerRegion) { r.Kinetic = value != 0 })
	case ParamDwellTime:
		if value <= 0 {
			return ses.Invalidf("analyzer dwell time must be > 0")
		}
		return d.analyzerEdit(func(r *ses.AnalyzerRegion) { r.DwellTime = value })

	case ParamRunMode:
		if value != int(RunNormal) && value != int(RunAddDimension) {
			return ses.Invalidf("run mode must be 0 (normal) or 1 (add dimension)")
		}
		return nil
	case ParamImageMode:
		if value < int(ImageSingle) || value > int(ImageContinuous) {
			return ses.Invalidf("image mode must be between %d and %d", ImageSingle, ImageContinuous)
		}
		return nil
	case ParamNumImages:
		if value < 1 {
			return ses.Invalidf("number of images must be at least 1")
		}
		return nil
	case ParamArrayCallbacks, ParamResetDataBetweenIter:
		return nil

	case ParamElementSet:
		if value < 0 || value >= len(d.elementSets) {
			return ses.Invalidf("element set index must be between 0 and %d", len(d.elementSets)-1)
		}
		return d.vendorSet(name, ses.PropElementSet, d.elementSets[value])
	case ParamLensMode:
		if value < 0 || value >= len(d.lensModes) {
			return ses.Invalidf("lens mode index must be between 0 and %d", len(d.lensModes)-1)
		}
		return d.vendorSet(name, ses.PropLensMode, d.lensModes[value])
	case ParamPassEnergy:
		if value < 0 || value >= len(d.passEnergies) {
			return ses.Invalidf("pass energy index must be between 0 and %d", len(d.passEnergies)-1)
		}
		return d.vendorSet(name, ses.PropPassEnergy, d.passEnergies[value])
	case ParamUseExternalIO:
		return d.vendorSet(name, ses.PropUseExternalIO, value != 0)
	case ParamUseDetector:
		return d.vendorSet(name, ses.PropUseDetector, value != 0)
	case ParamAlwaysDelayRegion:
		return d.vendorSet(name, ses.PropAlwaysDelayRegion, value != 0)
	case ParamAllowIOWithDetector:
		return d.vendorSet(name, ses.PropAllowIOWithDetector, value != 0)

	case ParamAcqSliceIndex:
		if f := d.lastFrame; f != nil && (value < 0 || value >= len(f.Slices)) {
			return ses.Invalidf("slice index must be between 0 and %d", len(f.Slices)-1)
		}
		d.publishSelectedSlice()
		return nil
	case ParamAcqIOPortIndex:
		if f := d.lastFrame; f != nil && f.ExternalIO != nil && (value < 0 || value >= f.ExternalIO.Ports) {
			return ses.Invalidf("IO port index must be between 0 and %d", f.ExternalIO.Ports-1)
		}
		d.publishSelectedPort()
		return nil
	}
	return ses.Invalidf("parameter %s is read-only", name)
}

func (d *Driver) writeFloat(name string, value float64) error {
	switch name {
	case ParamHighEnergy:
		return d.analyzerEdit(func(r *ses.AnalyzerRegion) { r.HighEnergy = value })
	case ParamLowEnergy:
		return d.analyzerEdit(func(r *ses.AnalyzerRegion) { r.LowEnergy = value })
	case ParamCenterEnergy:
		return d.analyzerEdit(func(r *ses.AnalyzerRegion) { r.CenterEnergy = value })
	case ParamEnergyStep:
		return d.analyzerEdit(func(r *ses.AnalyzerRegion) { r.EnergyStep = value })
	case ParamAcquireTime:
		dwell := int(value * 1000)
		if dwell <= 0 {
			return ses.Invalidf("acquire time must be at least 1 ms")
		}
		return d.analyzerEdit(func(r *ses.AnalyzerRegion) { r.DwellTime = dwell })
	case ParamAcquirePeriod:
		if value < 0 {
			return ses.Invalidf("acquire period must not be negative")
		}
		return nil
	case ParamKineticEnergy:
		if d.busy() {
			return errBusy(name)
		}
		return d.inst.SetKineticEnergy(value)
	}
	return ses.Invalidf("parameter %s is read-only", name)
}

func (d *Driver) writeString(name string, value string) error {
	switch name {
	case ParamLibWorkingDir:
		if d.busy() {
			return errBusy(name)
		}
		st, err := os.Stat(value)
		if err != nil {
			return ses.Invalidf("library working directory specified %s does not exist", value)
		}
		if !st.IsDir() {
			return ses.Invalidf("%s is a file not a directory", value)
		}
		if err := d.inst.Set(ses.PropLibWorkingDir, 0, value); err != nil {
			return err
		}
		d.setMessage("Library working directory is set to " + value)
		return nil
	case ParamRegionName:
		return d.vendorSet(name, ses.PropRegionName, value)
	case ParamTempFileName:
		return d.vendorSet(name, ses.PropTempFileName, value)
	}
	return ses.Invalidf("parameter %s is read-only", name)
}

// SetDetectorRegion replaces the whole detector region. It may be called
// during a run; the new region is used from the next acquisition.
func (d *Driver) SetDetectorRegion(r ses.DetectorRegion) error {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	defer d.params.CallParamCallbacks()
	if err := d.detectorEdit(d.regions.SetDetectorRegion(r)); err != nil {
		return d.reject("detector region", err)
	}
	return nil
}

// SetAnalyzerRegion replaces the whole analyser region. It may be called
// during a run; the new region is used from the next acquisition.
func (d *Driver) SetAnalyzerRegion(r ses.AnalyzerRegion) error {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	defer d.params.CallParamCallbacks()
	if r.DwellTime <= 0 {
		return d.reject("analyzer region", ses.Invalidf("analyzer dwell time must be > 0"))
	}
	return d.analyzerEdit(func(a *ses.AnalyzerRegion) { *a = r })
}

// instrumentCommand runs a hardware command if the driver is idle. Callers hold stateLock.
func (d *Driver) instrumentCommand(name string, cmd func() error) error {
	if d.busy() {
		return d.reject(name, errBusy(name))
	}
	if err := cmd(); err != nil {
		return d.reject(name, err)
	}
	d.setMessage(name + " completed.")
	return nil
}

// ResetInstrument resets the analyser hardware.
func (d *Driver) ResetInstrument() error {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	defer d.params.CallParamCallbacks()
	return d.instrumentCommand("Reset instrument", d.inst.ResetHardware)
}

// ZeroSupplies sets all analyser power supplies to zero.
func (d *Driver) ZeroSupplies() error {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	defer d.params.CallParamCallbacks()
	return d.instrumentCommand("Zero supplies", d.inst.ZeroSupplies)
}

// TestCommunication checks that the analyser hardware answers.
func (d *Driver) TestCommunication() error {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	defer d.params.CallParamCallbacks()
	return d.instrumentCommand("Test communication", d.inst.TestCommunication)
}

// instrumentStatusMessages are the status texts for each instrument_status value.
var instrumentStatusMessages = map[ses.InstrumentStatus]string{
	ses.StatusNormal:         "Analyser READY.",
	ses.StatusRunning:        "Analyser BUSY.",
	ses.StatusAcqError:       "Acquisition was interrupted with an error.",
	ses.StatusNonOperational: "The library is not operational. Resetting may resolve the issue.",
	ses.StatusNotInitialized: "The SES library has not been initialized.",
}

// RefreshInstrumentStatus reads instrument_status and the kinetic energy and
// publishes them. While a run is active only the cached values are returned.
func (d *Driver) RefreshInstrumentStatus() (ses.InstrumentStatus, error) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	defer d.params.CallParamCallbacks()
	if d.busy() {
		return ses.InstrumentStatus(d.params.GetInt(ParamInstrumentStatus)), nil
	}
	code, err := d.inst.GetInt(ses.PropInstrumentStatus, 0)
	if err != nil {
		return 0, d.reject("instrument status", err)
	}
	st := ses.InstrumentStatus(code)
	d.params.SetInt(ParamInstrumentStatus, code)
	if msg, ok := instrumentStatusMessages[st]; ok {
		d.setMessage(msg)
	}
	if ke, err := d.inst.KineticEnergy(); err == nil {
		d.params.SetFloat(ParamKineticEnergy, ke)
	}
	return st, nil
}
