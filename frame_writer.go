package analyser

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/dls-controls/analyser/internal/appendablenpy"
	"github.com/oklog/ulid/v2"
	"github.com/sbinet/npyio"
)

// Frame file formats.
const (
	FormatNPY  = "npy"
	FormatFITS = "fits"
)

// WritingState monitors the state of frame file writing.
type WritingState struct {
	Active                       bool
	Paused                       bool
	BasePath                     string
	FilenamePattern              string
	Format                       string
	FramesWritten                int
	ExperimentStateFilename      string
	ExperimentStateLabel         string
	ExperimentStateLabelUnixNano int64
	experimentStateFile          *os.File
	sync.Mutex
}

// ComputeState will return a property-by-property copy of the WritingState.
// It will not copy the open state file.
func (ws *WritingState) ComputeState() WritingState {
	ws.Lock()
	defer ws.Unlock()
	var copyState WritingState
	copyState.Active = ws.Active
	copyState.Paused = ws.Paused
	copyState.BasePath = ws.BasePath
	copyState.FilenamePattern = ws.FilenamePattern
	copyState.Format = ws.Format
	copyState.FramesWritten = ws.FramesWritten
	copyState.ExperimentStateFilename = ws.ExperimentStateFilename
	copyState.ExperimentStateLabel = ws.ExperimentStateLabel
	copyState.ExperimentStateLabelUnixNano = ws.ExperimentStateLabelUnixNano
	return copyState
}

// Start will set the WritingState to begin writing
func (ws *WritingState) Start(filenamePattern, path, format string) error {
	ws.Lock()
	defer ws.Unlock()
	ws.Active = true
	ws.Paused = false
	ws.BasePath = path
	ws.Format = format
	ws.FilenamePattern = filenamePattern
	ws.FramesWritten = 0
	ws.ExperimentStateFilename = fmt.Sprintf(filenamePattern, "experiment_state", "txt")
	return ws.setExperimentStateLabel(time.Now(), "START")
}

// Stop will set the WritingState to be completely stopped
func (ws *WritingState) Stop() error {
	ws.Lock()
	defer ws.Unlock()
	ws.Active = false
	ws.Paused = false
	ws.FilenamePattern = ""
	if ws.experimentStateFile != nil {
		if err := ws.setExperimentStateLabel(time.Now(), "STOP"); err != nil {
			return err
		}
		if err := ws.experimentStateFile.Close(); err != nil {
			return fmt.Errorf("failed to close experimentStatefile, err: %v", err)
		}
	}
	ws.experimentStateFile = nil
	ws.ExperimentStateFilename = ""
	ws.ExperimentStateLabel = ""
	ws.ExperimentStateLabelUnixNano = 0
	return nil
}

// SetExperimentStateLabel writes to a file with name like XXX_experiment_state.txt
// This exported version locks the WritingState object.
func (ws *WritingState) SetExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return fmt.Errorf("cannot set experiment state label when writing is not active")
	}
	return ws.setExperimentStateLabel(timestamp, stateLabel)
}

func (ws *WritingState) setExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	if ws.experimentStateFile == nil {
		var err error
		ws.experimentStateFile, err = os.Create(ws.ExperimentStateFilename)
		if err != nil {
			return fmt.Errorf("%v, filename: <%v>", err, ws.ExperimentStateFilename)
		}
		if _, err := ws.experimentStateFile.WriteString("# unix time in nanoseconds, state label\n"); err != nil {
			return err
		}
	}
	ws.ExperimentStateLabel = stateLabel
	ws.ExperimentStateLabelUnixNano = timestamp.UnixNano()
	_, err := fmt.Fprintf(ws.experimentStateFile, "%v, %v\n", ws.ExperimentStateLabelUnixNano, stateLabel)
	return err
}

// makeDirectory creates base/YYYYMMDD/NNNN for the first unused NNNN and
// returns a filename pattern in it with two %s verbs: label and extension.
func makeDirectory(basepath string) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("BasePath is the empty string")
	}
	today := time.Now().Format("20060102")
	todayDir := fmt.Sprintf("%s/%s", basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := 0; i < 10000; i++ {
		thisDir := fmt.Sprintf("%s/%4.4d", todayDir, i)
		_, err := os.Stat(thisDir)
		if os.IsNotExist(err) {
			if err2 := os.MkdirAll(thisDir, 0755); err2 != nil {
				return "", err2
			}
			return fmt.Sprintf("%s/%s_run%4.4d_%%s.%%s", thisDir, today, i), nil
		}
	}
	return "", fmt.Errorf("out of 4-digit ID numbers for today in %s", todayDir)
}

// WriteControlConfig is the argument to WriteControl.
type WriteControlConfig struct {
	Request string // START, STOP, PAUSE, or UNPAUSE (optionally "UNPAUSE label")
	Path    string // base path; empty means the current one
	Format  string // npy or fits; empty means the current one
}

// FrameWriter is a FramePublisher that writes every frame to disk while
// writing is active and not paused. Besides one file per frame, the spectra
// of each run are stacked into one array file per run.
type FrameWriter struct {
	state    WritingState
	stack    *appendablenpy.Writer // guarded by state's lock
	stackRun ulid.ULID
}

// NewFrameWriter returns an inactive writer with the given defaults.
func NewFrameWriter(basePath, format string) *FrameWriter {
	fw := &FrameWriter{}
	fw.state.BasePath = basePath
	fw.state.Format = format
	return fw
}

// State returns a copy of the writing state.
func (fw *FrameWriter) State() WritingState {
	return fw.state.ComputeState()
}

// WriteControl changes the writing start/stop/pause/unpause state.
func (fw *FrameWriter) WriteControl(config *WriteControlConfig) error {
	requestStr := strings.ToUpper(config.Request)
	switch {
	case strings.HasPrefix(requestStr, "PAUSE"):
		fw.state.Lock()
		fw.state.Paused = true
		fw.state.Unlock()

	case strings.HasPrefix(requestStr, "UNPAUSE"):
		if len(config.Request) > 7 {
			if config.Request[7:8] != " " || len(config.Request) == 8 {
				return fmt.Errorf("request format invalid. got::\n%v\nwant something like: \"UNPAUSE label\"", config.Request)
			}
			if err := fw.state.SetExperimentStateLabel(time.Now(), config.Request[8:]); err != nil {
				return err
			}
		}
		fw.state.Lock()
		fw.state.Paused = false
		fw.state.Unlock()

	case strings.HasPrefix(requestStr, "STOP"):
		fw.state.Lock()
		err := fw.closeStack()
		fw.state.Unlock()
		if err2 := fw.state.Stop(); err2 != nil {
			return err2
		}
		return err

	case strings.HasPrefix(requestStr, "START"):
		return fw.start(config)

	default:
		return fmt.Errorf("WriteControl config.Request=%q, must be one of (START,STOP,PAUSE,UNPAUSE). Not case sensitive. \"UNPAUSE label\" is also ok",
			config.Request)
	}
	return nil
}

func (fw *FrameWriter) start(config *WriteControlConfig) error {
	current := fw.state.ComputeState()
	if current.Active {
		return fmt.Errorf("writing already in progress, stop writing before starting again")
	}
	path := current.BasePath
	if len(config.Path) > 0 {
		path = config.Path
	}
	format := current.Format
	if len(config.Format) > 0 {
		format = strings.ToLower(config.Format)
	}
	if format != FormatNPY && format != FormatFITS {
		return fmt.Errorf("frame format %q, must be %s or %s", format, FormatNPY, FormatFITS)
	}
	filenamePattern, err := makeDirectory(path)
	if err != nil {
		return fmt.Errorf("could not make directory: %s", err.Error())
	}
	return fw.state.Start(filenamePattern, path, format)
}

// PublishFrame writes f if writing is active and not paused.
func (fw *FrameWriter) PublishFrame(f *DataFrame) error {
	ws := &fw.state
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active || ws.Paused {
		return nil
	}
	label := fmt.Sprintf("frame%6.6d", f.UniqueID)
	var err error
	switch ws.Format {
	case FormatFITS:
		err = writeFITSFrame(fmt.Sprintf(ws.FilenamePattern, label, "fits"), f)
	default:
		err = writeNPYFrame(ws.FilenamePattern, label, f)
	}
	if err != nil {
		return err
	}
	ws.FramesWritten++
	return fw.stackSpectrum(f)
}

// stackSpectrum appends the spectrum of f to its run's spectra file, starting
// a new file when the run changes. Callers hold the state lock.
func (fw *FrameWriter) stackSpectrum(f *DataFrame) error {
	if fw.stack != nil && (fw.stackRun != f.RunID || fw.stack.Width() != len(f.Spectrum)) {
		if err := fw.closeStack(); err != nil {
			return err
		}
	}
	if fw.stack == nil {
		name := fmt.Sprintf(fw.state.FilenamePattern, "spectra_"+f.RunID.String(), "npy")
		stack, err := appendablenpy.Create(name, len(f.Spectrum))
		if err != nil {
			return err
		}
		fw.stack = stack
		fw.stackRun = f.RunID
	}
	return fw.stack.Append(f.Spectrum)
}

// closeStack closes the current spectra file, if any. Callers hold the state lock.
func (fw *FrameWriter) closeStack() error {
	if fw.stack == nil {
		return nil
	}
	err := fw.stack.Close()
	fw.stack = nil
	return err
}

// writeNPYFrame writes the image and the spectrum of f as two .npy files.
func writeNPYFrame(pattern, label string, f *DataFrame) error {
	write := func(name string, val any) error {
		fp, err := os.Create(name)
		if err != nil {
			return err
		}
		if err := npyio.Write(fp, val); err != nil {
			fp.Close()
			return fmt.Errorf("writing %s: %w", name, err)
		}
		return fp.Close()
	}
	if err := write(fmt.Sprintf(pattern, label+"_image", "npy"), f.Image); err != nil {
		return err
	}
	return write(fmt.Sprintf(pattern, label+"_spectrum", "npy"), f.Spectrum)
}

// frameCards returns the FITS header cards describing f.
func frameCards(f *DataFrame) []fitsio.Card {
	return []fitsio.Card{
		{Name: "UNIQUEID", Value: f.UniqueID, Comment: "frame number"},
		{Name: "RUNID", Value: f.RunID.String(), Comment: "run identifier"},
		{Name: "ITER", Value: f.Iteration, Comment: "frame within run"},
		{Name: "NITER", Value: f.Iterations, Comment: "iterations accumulated"},
		{Name: "DATE-OBS", Value: f.Timestamp.UTC().Format(time.RFC3339Nano)},
		{Name: "ELAPSED", Value: f.ElapsedTimeMs, Comment: "elapsed time [ms]"},
		{Name: "CHANUNIT", Value: f.ChannelUnit},
		{Name: "SLICUNIT", Value: f.SliceUnit},
		{Name: "BUNIT", Value: f.IntensityUnit},
		{Name: "ELOW", Value: f.Analyzer.LowEnergy, Comment: "[eV]"},
		{Name: "EHIGH", Value: f.Analyzer.HighEnergy, Comment: "[eV]"},
		{Name: "ESTEP", Value: f.Analyzer.EnergyStep, Comment: "[meV]"},
		{Name: "DWELL", Value: f.Analyzer.DwellTime, Comment: "[ms]"},
	}
}

// writeFITSFrame writes the image of f as the primary HDU and the spectrum as
// an image extension.
func writeFITSFrame(name string, f *DataFrame) error {
	fp, err := os.Create(name)
	if err != nil {
		return err
	}
	defer fp.Close()
	fits, err := fitsio.Create(fp)
	if err != nil {
		return err
	}
	defer fits.Close()

	rows, cols := f.Image.Dims()
	im := fitsio.NewImage(-64, []int{cols, rows})
	defer im.Close()
	if err := im.Header().Append(frameCards(f)...); err != nil {
		return err
	}
	pixels := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		pixels = append(pixels, f.Image.RawRowView(r)...)
	}
	if err := im.Write(pixels); err != nil {
		return err
	}
	if err := fits.Write(im); err != nil {
		return err
	}

	spec := fitsio.NewImage(-64, []int{len(f.Spectrum)})
	defer spec.Close()
	if err := spec.Header().Append(fitsio.Card{Name: "EXTNAME", Value: "SPECTRUM"}); err != nil {
		return err
	}
	if err := spec.Write(f.Spectrum); err != nil {
		return err
	}
	return fits.Write(spec)
}
