//go:build seswrapper

package ses

// #cgo LDFLAGS: -lSESWrapper
// #include <stdbool.h>
// #include <stdlib.h>
//
// typedef struct {
//     bool timerControlled_;
//     int xChannels_;
//     int yChannels_;
//     int maxSlices_;
//     int maxChannels_;
//     int frameRate_;
//     bool adcPresent_;
//     bool discPresent_;
// } SESDetectorInfo;
//
// typedef struct {
//     int firstXChannel_;
//     int lastXChannel_;
//     int firstYChannel_;
//     int lastYChannel_;
//     int slices_;
//     bool adcMode_;
//     int discLevel_;
//     int adcMask_;
// } SESDetectorRegion;
//
// typedef struct {
//     bool fixed_;
//     double highEnergy_;
//     double lowEnergy_;
//     double centerEnergy_;
//     double energyStep_;
//     int dwellTime_;
// } SESAnalyzerRegion;
//
// int WRP_Initialize(void *reserved);
// int WRP_Finalize(void);
// int WRP_IsInitialized(bool *initialized);
// int WRP_LoadInstrument(const char *fileName);
// int WRP_GetPropertyBool(const char *name, int index, bool *value, int *size);
// int WRP_GetPropertyInteger(const char *name, int index, int *value, int *size);
// int WRP_GetPropertyDouble(const char *name, int index, double *value, int *size);
// int WRP_GetPropertyString(const char *name, int index, char *value, int *size);
// int WRP_SetPropertyBool(const char *name, int index, const bool *value);
// int WRP_SetPropertyInteger(const char *name, int index, const int *value);
// int WRP_SetPropertyDouble(const char *name, int index, const double *value);
// int WRP_SetPropertyString(const char *name, int index, const char *value);
// int WRP_GetDetectorInfo(SESDetectorInfo *info);
// int WRP_GetDetectorRegion(SESDetectorRegion *region);
// int WRP_SetDetectorRegion(const SESDetectorRegion *region);
// int WRP_GetAnalyzerRegion(SESAnalyzerRegion *region);
// int WRP_SetAnalyzerRegion(const SESAnalyzerRegion *region);
// int WRP_GetKineticEnergyMode(bool *kinetic);
// int WRP_SetKineticEnergyMode(bool kinetic);
// int WRP_InitAcquisition(bool blockPointReady, bool blockRegionReady);
// int WRP_CheckAnalyzerRegion(SESAnalyzerRegion *region, int *steps, double *timeMs, double *minEnergyStep);
// int WRP_StartAcquisition(void);
// int WRP_StopAcquisition(void);
// int WRP_ContinueAcquisition(void);
// int WRP_WaitForRegionReady(int timeoutMs);
// int WRP_GetAcquiredDataInteger(const char *name, int index, int *value, int *size);
// int WRP_GetAcquiredDataDouble(const char *name, int index, double *value, int *size);
// int WRP_GetAcquiredDataString(const char *name, int index, char *value, int *size);
// int WRP_GetAcquiredDataVectorDouble(const char *name, int index, double *value, int *size);
// int WRP_GetAcquiredDataVectorInt32(const char *name, int index, int *value, int *size);
// int WRP_ResetHW(void);
// int WRP_ZeroSupplies(void);
// int WRP_TestHW(void);
// int WRP_GetKineticEnergy(double *energy);
// int WRP_SetKineticEnergy(const double energy);
// int WRP_GetElementVoltage(const char *element, double *voltage);
// int WRP_SetElementVoltage(const char *element, const double voltage);
import "C"

import "unsafe"

// Wrapper is the Library implemented by the vendor's SES wrapper library.
type Wrapper struct{}

// OpenLibrary returns the binding to the vendor SES wrapper library.
func OpenLibrary() (Library, error) {
	return &Wrapper{}, nil
}

// Initialize initializes the vendor library.
func (w *Wrapper) Initialize() int { return int(C.WRP_Initialize(nil)) }

// Finalize releases the vendor library.
func (w *Wrapper) Finalize() int { return int(C.WRP_Finalize()) }

// IsInitialized asks the vendor library whether it is initialized.
func (w *Wrapper) IsInitialized() bool {
	var b C.bool
	if C.WRP_IsInitialized(&b) != 0 {
		return false
	}
	return bool(b)
}

// LoadInstrument loads an instrument configuration file.
func (w *Wrapper) LoadInstrument(path string) int {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return int(C.WRP_LoadInstrument(cpath))
}

// sizePtr converts an optional Go size into a C size pointer.
func sizePtr(size *int, n *C.int) *C.int {
	if size == nil {
		return nil
	}
	*n = C.int(*size)
	return n
}

func setSize(size *int, n C.int) {
	if size != nil {
		*size = int(n)
	}
}

// GetProperty reads a property; see Library for the value conventions.
func (w *Wrapper) GetProperty(name string, index int, value any, size *int) int {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var n C.int
	var code C.int
	switch v := value.(type) {
	case *bool:
		var b C.bool
		code = C.WRP_GetPropertyBool(cname, C.int(index), &b, sizePtr(size, &n))
		*v = bool(b)
	case *int32:
		var i C.int
		code = C.WRP_GetPropertyInteger(cname, C.int(index), &i, sizePtr(size, &n))
		*v = int32(i)
	case *float64:
		var d C.double
		code = C.WRP_GetPropertyDouble(cname, C.int(index), &d, sizePtr(size, &n))
		*v = float64(d)
	case []byte:
		if size == nil {
			return CodeBufferSize
		}
		var buf *C.char
		if v != nil {
			n = C.int(len(v))
			buf = (*C.char)(unsafe.Pointer(&v[0]))
		}
		code = C.WRP_GetPropertyString(cname, C.int(index), buf, &n)
		setSize(size, n)
	case *DetectorInfo:
		var info C.SESDetectorInfo
		code = C.WRP_GetDetectorInfo(&info)
		*v = DetectorInfo{
			TimerControlled: bool(info.timerControlled_),
			XChannels:       int(info.xChannels_),
			YChannels:       int(info.yChannels_),
			MaxSlices:       int(info.maxSlices_),
			MaxChannels:     int(info.maxChannels_),
			FrameRate:       int(info.frameRate_),
			ADCPresent:      bool(info.adcPresent_),
			DiscPresent:     bool(info.discPresent_),
		}
	case *DetectorRegion:
		var r C.SESDetectorRegion
		code = C.WRP_GetDetectorRegion(&r)
		*v = DetectorRegion{
			FirstXChannel:      int(r.firstXChannel_),
			LastXChannel:       int(r.lastXChannel_),
			FirstYChannel:      int(r.firstYChannel_),
			LastYChannel:       int(r.lastYChannel_),
			Slices:             int(r.slices_),
			ADCMode:            bool(r.adcMode_),
			DiscriminatorLevel: int(r.discLevel_),
			ADCMask:            int(r.adcMask_),
		}
	case *AnalyzerRegion:
		var r C.SESAnalyzerRegion
		if code = C.WRP_GetAnalyzerRegion(&r); code != 0 {
			return int(code)
		}
		var kinetic C.bool
		code = C.WRP_GetKineticEnergyMode(&kinetic)
		*v = fromCAnalyzerRegion(r)
		v.Kinetic = bool(kinetic)
	default:
		return CodeBufferSize
	}
	return int(code)
}

// SetProperty writes a property; see Library for the value conventions.
func (w *Wrapper) SetProperty(name string, index int, value any) int {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	switch v := value.(type) {
	case bool:
		b := C.bool(v)
		return int(C.WRP_SetPropertyBool(cname, C.int(index), &b))
	case int32:
		i := C.int(v)
		return int(C.WRP_SetPropertyInteger(cname, C.int(index), &i))
	case int:
		i := C.int(v)
		return int(C.WRP_SetPropertyInteger(cname, C.int(index), &i))
	case float64:
		d := C.double(v)
		return int(C.WRP_SetPropertyDouble(cname, C.int(index), &d))
	case string:
		cs := C.CString(v)
		defer C.free(unsafe.Pointer(cs))
		return int(C.WRP_SetPropertyString(cname, C.int(index), cs))
	case DetectorRegion:
		r := C.SESDetectorRegion{
			firstXChannel_: C.int(v.FirstXChannel),
			lastXChannel_:  C.int(v.LastXChannel),
			firstYChannel_: C.int(v.FirstYChannel),
			lastYChannel_:  C.int(v.LastYChannel),
			slices_:        C.int(v.Slices),
			adcMode_:       C.bool(v.ADCMode),
			discLevel_:     C.int(v.DiscriminatorLevel),
			adcMask_:       C.int(v.ADCMask),
		}
		return int(C.WRP_SetDetectorRegion(&r))
	case AnalyzerRegion:
		r := toCAnalyzerRegion(v)
		if code := C.WRP_SetAnalyzerRegion(&r); code != 0 {
			return int(code)
		}
		return int(C.WRP_SetKineticEnergyMode(C.bool(v.Kinetic)))
	}
	return CodeBufferSize
}

func toCAnalyzerRegion(v AnalyzerRegion) C.SESAnalyzerRegion {
	return C.SESAnalyzerRegion{
		fixed_:        C.bool(v.Fixed),
		highEnergy_:   C.double(v.HighEnergy),
		lowEnergy_:    C.double(v.LowEnergy),
		centerEnergy_: C.double(v.CenterEnergy),
		energyStep_:   C.double(v.EnergyStep),
		dwellTime_:    C.int(v.DwellTime),
	}
}

func fromCAnalyzerRegion(r C.SESAnalyzerRegion) AnalyzerRegion {
	return AnalyzerRegion{
		Fixed:        bool(r.fixed_),
		HighEnergy:   float64(r.highEnergy_),
		LowEnergy:    float64(r.lowEnergy_),
		CenterEnergy: float64(r.centerEnergy_),
		EnergyStep:   float64(r.energyStep_),
		DwellTime:    int(r.dwellTime_),
	}
}

// InitAcquisition prepares a new acquisition.
func (w *Wrapper) InitAcquisition(blockPointReady, blockRegionReady bool) int {
	return int(C.WRP_InitAcquisition(C.bool(blockPointReady), C.bool(blockRegionReady)))
}

// CheckAnalyzerRegion validates region, writing the corrections into it.
func (w *Wrapper) CheckAnalyzerRegion(region *AnalyzerRegion, steps *int, timeMs *float64, minEnergyStep *float64) int {
	r := toCAnalyzerRegion(*region)
	var n C.int
	var t, m C.double
	code := C.WRP_CheckAnalyzerRegion(&r, &n, &t, &m)
	kinetic := region.Kinetic
	*region = fromCAnalyzerRegion(r)
	region.Kinetic = kinetic
	*steps, *timeMs, *minEnergyStep = int(n), float64(t), float64(m)
	return int(code)
}

// StartAcquisition starts the acquisition.
func (w *Wrapper) StartAcquisition() int { return int(C.WRP_StartAcquisition()) }

// StopAcquisition stops the acquisition.
func (w *Wrapper) StopAcquisition() int { return int(C.WRP_StopAcquisition()) }

// ContinueAcquisition continues a swept acquisition.
func (w *Wrapper) ContinueAcquisition() int { return int(C.WRP_ContinueAcquisition()) }

// WaitForRegionReady blocks until the region is acquired or timeoutMs elapses.
func (w *Wrapper) WaitForRegionReady(timeoutMs int) int {
	return int(C.WRP_WaitForRegionReady(C.int(timeoutMs)))
}

// GetAcquiredData reads acquired data; see Library for the value conventions.
func (w *Wrapper) GetAcquiredData(name string, index int, value any, size *int) int {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var n C.int
	switch v := value.(type) {
	case *int32:
		var i C.int
		code := C.WRP_GetAcquiredDataInteger(cname, C.int(index), &i, sizePtr(size, &n))
		*v = int32(i)
		return int(code)
	case *float64:
		var d C.double
		code := C.WRP_GetAcquiredDataDouble(cname, C.int(index), &d, sizePtr(size, &n))
		*v = float64(d)
		return int(code)
	}
	if size == nil {
		return CodeBufferSize
	}
	var code C.int
	switch v := value.(type) {
	case []byte:
		var buf *C.char
		if v != nil {
			n = C.int(len(v))
			buf = (*C.char)(unsafe.Pointer(&v[0]))
		}
		code = C.WRP_GetAcquiredDataString(cname, C.int(index), buf, &n)
	case []float64:
		var buf *C.double
		if v != nil {
			n = C.int(len(v))
			buf = (*C.double)(unsafe.Pointer(&v[0]))
		}
		code = C.WRP_GetAcquiredDataVectorDouble(cname, C.int(index), buf, &n)
	case []int32:
		var buf *C.int
		if v != nil {
			n = C.int(len(v))
			buf = (*C.int)(unsafe.Pointer(&v[0]))
		}
		code = C.WRP_GetAcquiredDataVectorInt32(cname, C.int(index), buf, &n)
	default:
		return CodeBufferSize
	}
	setSize(size, n)
	return int(code)
}

// ResetHW resets the analyser hardware.
func (w *Wrapper) ResetHW() int { return int(C.WRP_ResetHW()) }

// ZeroSupplies zeroes the analyser supplies.
func (w *Wrapper) ZeroSupplies() int { return int(C.WRP_ZeroSupplies()) }

// TestHW tests communication with the analyser hardware.
func (w *Wrapper) TestHW() int { return int(C.WRP_TestHW()) }

// GetKineticEnergy reads the kinetic energy.
func (w *Wrapper) GetKineticEnergy(energy *float64) int {
	var d C.double
	code := C.WRP_GetKineticEnergy(&d)
	*energy = float64(d)
	return int(code)
}

// SetKineticEnergy sets the kinetic energy.
func (w *Wrapper) SetKineticEnergy(energy float64) int {
	return int(C.WRP_SetKineticEnergy(C.double(energy)))
}

// GetElementVoltage reads a lens element voltage.
func (w *Wrapper) GetElementVoltage(element string, voltage *float64) int {
	ce := C.CString(element)
	defer C.free(unsafe.Pointer(ce))
	var d C.double
	code := C.WRP_GetElementVoltage(ce, &d)
	*voltage = float64(d)
	return int(code)
}

// SetElementVoltage sets a lens element voltage.
func (w *Wrapper) SetElementVoltage(element string, voltage float64) int {
	ce := C.CString(element)
	defer C.free(unsafe.Pointer(ce))
	return int(C.WRP_SetElementVoltage(ce, C.double(voltage)))
}

// ErrorMessage returns the library's last error text, falling back to the
// generic text for code.
func (w *Wrapper) ErrorMessage(code int) string {
	var size int
	if w.GetProperty(PropLibError, 0, []byte(nil), &size) == 0 && size > 1 {
		buf := make([]byte, size)
		if w.GetProperty(PropLibError, 0, buf, &size) == 0 {
			if msg := cString(buf, size); msg != "" {
				return msg
			}
		}
	}
	return CodeMessages[code]
}
