package analyser

import (
	"fmt"
	"time"

	"github.com/dls-controls/analyser/ses"
	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/mat"
)

// DataFrame is the data product of one acquisition iteration. Data Assembly
// owns a frame until it is handed to a FramePublisher; the publisher owns it
// afterwards.
type DataFrame struct {
	UniqueID  int
	Timestamp time.Time
	RunID     ulid.ULID
	Iteration int
	RunMode   RunMode

	Channels      int
	SliceCount    int
	Iterations    int
	CurrentStep   int
	ElapsedTimeMs float64

	IntensityUnit string
	ChannelUnit   string
	SliceUnit     string

	Spectrum     []float64
	Image        *mat.Dense // SliceCount rows by Channels columns
	Slices       [][]float64
	ChannelScale []float64
	SliceScale   []float64

	RawImage  []int32 // nil unless the detector is in use
	RawWidth  int
	RawHeight int

	ExternalIO *ExternalIO // nil unless external IO is in use

	Detector ses.DetectorRegion
	Analyzer ses.AnalyzerRegion
}

// ExternalIO holds the data of the external IO ports for one frame.
type ExternalIO struct {
	Ports      int
	Size       int
	Iterations int
	Unit       string
	Scale      []float64
	Names      []string
	Data       *mat.Dense // Ports rows by Size columns
}

// assemblyOptions selects the optional parts of a frame.
type assemblyOptions struct {
	rawImage   bool
	externalIO bool
}

func dataSizeError(op, format string, args ...any) error {
	return &ses.Error{Kind: ses.VendorError, Code: ses.CodeBufferSize, Op: op,
		Message: fmt.Sprintf(format, args...)}
}

// buildFrame reads the data of the current iteration from the instrument. The
// fields are read in a fixed order and every variable-length field is sized by
// the instrument. Any failure abandons the frame.
func buildFrame(inst *ses.Instrument, snap RegionSnapshot, opts assemblyOptions) (*DataFrame, error) {
	var err error
	f := &DataFrame{Detector: snap.Detector, Analyzer: snap.Analyzer}

	if f.Channels, err = inst.AcquiredInt(ses.DataChannels, 0); err != nil {
		return nil, err
	}
	if f.SliceCount, err = inst.AcquiredInt(ses.DataSlices, 0); err != nil {
		return nil, err
	}
	if f.Iterations, err = inst.AcquiredInt(ses.DataIterations, 0); err != nil {
		return nil, err
	}
	if f.IntensityUnit, err = inst.AcquiredString(ses.DataIntensityUnit, 0); err != nil {
		return nil, err
	}
	if f.ChannelUnit, err = inst.AcquiredString(ses.DataChannelUnit, 0); err != nil {
		return nil, err
	}
	if f.SliceUnit, err = inst.AcquiredString(ses.DataSliceUnit, 0); err != nil {
		return nil, err
	}
	if f.Spectrum, err = inst.AcquiredFloats(ses.DataSpectrum, 0); err != nil {
		return nil, err
	}

	image, err := inst.AcquiredFloats(ses.DataImage, 0)
	if err != nil {
		return nil, err
	}
	if f.SliceCount < 1 || len(image) == 0 || len(image)%f.SliceCount != 0 {
		return nil, dataSizeError("getAcquiredData "+ses.DataImage,
			"image of %d values does not divide into %d slices", len(image), f.SliceCount)
	}
	f.Image = mat.NewDense(f.SliceCount, len(image)/f.SliceCount, image)

	f.Slices = make([][]float64, f.SliceCount)
	for i := range f.Slices {
		if f.Slices[i], err = inst.AcquiredFloats(ses.DataSlice, i); err != nil {
			return nil, err
		}
	}
	if f.ChannelScale, err = inst.AcquiredFloats(ses.DataChannelScale, 0); err != nil {
		return nil, err
	}
	if f.SliceScale, err = inst.AcquiredFloats(ses.DataSliceScale, 0); err != nil {
		return nil, err
	}
	if opts.rawImage {
		if f.RawImage, err = inst.AcquiredInts(ses.DataRawImage, 0); err != nil {
			return nil, err
		}
		f.RawWidth, f.RawHeight = rawShape(snap.Detector, len(f.RawImage))
	}
	if f.CurrentStep, err = inst.AcquiredInt(ses.DataCurrentStep, 0); err != nil {
		return nil, err
	}
	if f.ElapsedTimeMs, err = inst.AcquiredFloat(ses.DataElapsedTime, 0); err != nil {
		return nil, err
	}
	if opts.externalIO {
		if f.ExternalIO, err = readExternalIO(inst); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// rawShape returns the width and height of a raw image of n pixels taken over
// region r. When n does not fit the region, the image is treated as one row.
func rawShape(r ses.DetectorRegion, n int) (width, height int) {
	width = r.LastXChannel - r.FirstXChannel + 1
	if width > 0 && n%width == 0 {
		return width, n / width
	}
	return n, 1
}

func readExternalIO(inst *ses.Instrument) (*ExternalIO, error) {
	var err error
	io := &ExternalIO{}
	if io.Ports, err = inst.AcquiredInt(ses.DataIOPorts, 0); err != nil {
		return nil, err
	}
	if io.Size, err = inst.AcquiredInt(ses.DataIOSize, 0); err != nil {
		return nil, err
	}
	if io.Iterations, err = inst.AcquiredInt(ses.DataIOIterations, 0); err != nil {
		return nil, err
	}
	if io.Unit, err = inst.AcquiredString(ses.DataIOUnit, 0); err != nil {
		return nil, err
	}
	if io.Scale, err = inst.AcquiredFloats(ses.DataIOScale, 0); err != nil {
		return nil, err
	}
	data, err := inst.AcquiredFloats(ses.DataIOData, 0)
	if err != nil {
		return nil, err
	}
	if io.Ports > 0 {
		if len(data) == 0 || len(data)%io.Ports != 0 {
			return nil, dataSizeError("getAcquiredData "+ses.DataIOData,
				"IO data of %d values does not divide into %d ports", len(data), io.Ports)
		}
		io.Data = mat.NewDense(io.Ports, len(data)/io.Ports, data)
	}
	io.Names = make([]string, io.Ports)
	for i := range io.Names {
		if io.Names[i], err = inst.AcquiredString(ses.DataIOPortName, i); err != nil {
			return nil, err
		}
	}
	return io, nil
}
