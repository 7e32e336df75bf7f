package analyser

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dls-controls/analyser/internal/rundb"
	"github.com/dls-controls/analyser/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 2 * time.Millisecond
)

// recordingPublisher keeps every frame it is given.
type recordingPublisher struct {
	sync.Mutex
	frames []*DataFrame
	err    error
}

func (p *recordingPublisher) PublishFrame(f *DataFrame) error {
	p.Lock()
	defer p.Unlock()
	p.frames = append(p.frames, f)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.Lock()
	defer p.Unlock()
	return len(p.frames)
}

func (p *recordingPublisher) all() []*DataFrame {
	p.Lock()
	defer p.Unlock()
	return append([]*DataFrame(nil), p.frames...)
}

// recordingRecorder keeps every message it is given.
type recordingRecorder struct {
	sync.Mutex
	runs     []rundb.RunMessage
	finished []rundb.RunMessage
	frames   []rundb.FrameMessage
}

func (r *recordingRecorder) RecordRun(msg *rundb.RunMessage) {
	r.Lock()
	defer r.Unlock()
	r.runs = append(r.runs, *msg)
}

func (r *recordingRecorder) FinishRun(msg *rundb.RunMessage) {
	r.Lock()
	defer r.Unlock()
	r.finished = append(r.finished, *msg)
}

func (r *recordingRecorder) RecordFrame(msg *rundb.FrameMessage) {
	r.Lock()
	defer r.Unlock()
	r.frames = append(r.frames, *msg)
}

func smallDetector() ses.DetectorInfo {
	info := ses.DefaultDetectorInfo()
	info.XChannels = 128
	info.YChannels = 100
	info.MaxChannels = 128
	info.MaxSlices = 16
	return info
}

// startDriver starts a driver on a simulated instrument and arranges for it
// to be closed at the end of the test.
func startDriver(t *testing.T, lib *ses.NoHardware) (*Driver, *recordingPublisher) {
	t.Helper()
	d := NewDriver(lib, DefaultDriverConfig(), nil)
	pub := &recordingPublisher{}
	d.SetPublisher(pub)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		lib.ReleaseRegionReady()
		d.Close()
	})
	return d, pub
}

// waitIdle waits until the driver has finished any requested run.
func waitIdle(t *testing.T, d *Driver) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, _ := d.Status()
		return !d.AcquireRequested() && (s == StatusIdle || s == StatusError)
	}, waitFor, tick)
}

func intParam(t *testing.T, d *Driver, name string) int {
	t.Helper()
	p, err := d.ReadParam(name)
	require.NoError(t, err)
	return p.Int
}

func TestDriverStart(t *testing.T) {
	d, _ := startDriver(t, ses.NewNoHardware(smallDetector()))
	s, msg := d.Status()
	assert.Equal(t, StatusIdle, s)
	assert.Equal(t, "SES library initialisation completed.", msg)
	assert.Equal(t, 128, intParam(t, d, ParamXChannels))
	assert.Equal(t, 100, intParam(t, d, ParamMaxSizeY))
	assert.Equal(t, 1, intParam(t, d, ParamElementSet), "Laser (L)")
	assert.Equal(t, 0, intParam(t, d, ParamLensMode), "Transmission")
	assert.Equal(t, 2, intParam(t, d, ParamPassEnergy), "10 eV")
	assert.Equal(t, 1, intParam(t, d, ParamEnergyMode), "kinetic")
	assert.Equal(t, 127, intParam(t, d, ParamLastXChannel))
	assert.Equal(t, 1000, intParam(t, d, ParamDwellTime))
	p, err := d.ReadParam(ParamManufacturer)
	require.NoError(t, err)
	assert.Equal(t, "VG Scienta", p.String)

	assert.Error(t, d.Start(), "second Start")
}

func TestDriverStartFailure(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	lib.Fail("loadInstrument", ses.CodeFail)
	d := NewDriver(lib, DefaultDriverConfig(), nil)
	err := d.Start()
	defer d.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, ses.ErrVendor)
	s, msg := d.Status()
	assert.Equal(t, StatusError, s)
	assert.True(t, strings.HasPrefix(msg, "LoadInstrument file: Instrument.dat failed"), msg)
}

func TestSingleImage(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	d, pub := startDriver(t, lib)
	rec := &recordingRecorder{}
	d.SetRecorder(rec)

	require.NoError(t, d.Acquire())
	waitIdle(t, d)

	s, msg := d.Status()
	assert.Equal(t, StatusIdle, s)
	assert.Equal(t, "Acquisition completed.", msg)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, 1, d.Session().Iteration)
	assert.Equal(t, 0, intParam(t, d, ParamAcquire))
	assert.Equal(t, 0, intParam(t, d, ParamNumImagesCounter))
	assert.Equal(t, 1, intParam(t, d, ParamArrayCounter))
	assert.Equal(t, 21, intParam(t, d, ParamSteps))
	assert.Equal(t, 21, intParam(t, d, ParamArraySizeX))
	assert.Equal(t, 1, intParam(t, d, ParamArraySizeY))
	assert.Contains(t, lib.Calls(), "stopAcquisition")

	f := pub.all()[0]
	assert.Same(t, f, d.LastFrame())
	assert.Equal(t, 1, f.UniqueID)
	assert.Equal(t, d.Session().RunID, f.RunID)

	rec.Lock()
	defer rec.Unlock()
	require.Len(t, rec.runs, 1)
	assert.Equal(t, 21, rec.runs[0].Steps)
	require.Len(t, rec.finished, 1)
	assert.Equal(t, "completed", rec.finished[0].Outcome)
	assert.Equal(t, 1, rec.finished[0].Frames)
	require.Len(t, rec.frames, 1)
	assert.Equal(t, f.RunID.String(), rec.frames[0].RunID)
}

func TestMultipleImages(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			d, pub := startDriver(t, ses.NewNoHardware(smallDetector()))
			require.NoError(t, d.WriteInt(ParamImageMode, int(ImageMultiple)))
			require.NoError(t, d.WriteInt(ParamNumImages, n))
			require.NoError(t, d.WriteInt(ParamAcquire, 1))
			waitIdle(t, d)

			_, msg := d.Status()
			assert.Equal(t, "Acquisition completed.", msg)
			assert.Equal(t, n, pub.count())
			assert.Equal(t, n, d.Session().Iteration)
			for i, f := range pub.all() {
				assert.Equal(t, i+1, f.UniqueID)
				assert.Equal(t, i+1, f.Iteration)
				assert.Equal(t, i+1, f.Iterations, "iterations accumulate in normal run mode")
			}
		})
	}
}

// protocolCalls returns the acquisition calls made to lib, in order.
func protocolCalls(lib *ses.NoHardware) []string {
	var calls []string
	for _, c := range lib.Calls() {
		switch c {
		case "initAcquisition", "startAcquisition", "waitForRegionReady",
			"continueAcquisition", "stopAcquisition":
			calls = append(calls, c)
		}
	}
	return calls
}

func TestEveryFrameStartsAnIteration(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	d, pub := startDriver(t, lib)
	require.NoError(t, d.WriteInt(ParamImageMode, int(ImageMultiple)))
	require.NoError(t, d.WriteInt(ParamNumImages, 3))
	require.NoError(t, d.Acquire())
	waitIdle(t, d)

	_, msg := d.Status()
	require.Equal(t, "Acquisition completed.", msg)
	want := []string{"initAcquisition"}
	for i := 0; i < 3; i++ {
		want = append(want, "startAcquisition", "waitForRegionReady", "continueAcquisition")
	}
	want = append(want, "stopAcquisition")
	assert.Equal(t, want, protocolCalls(lib))
	for i, f := range pub.all() {
		assert.Equal(t, i+1, f.Iterations)
	}
}

func TestFrameCarriesCorrectedRegion(t *testing.T) {
	d, pub := startDriver(t, ses.NewNoHardware(smallDetector()))
	require.NoError(t, d.SetAnalyzerRegion(ses.AnalyzerRegion{LowEnergy: 82, CenterEnergy: 86.05,
		HighEnergy: 90.1, EnergyStep: 400, DwellTime: 100, Kinetic: true}))
	require.NoError(t, d.Acquire())
	waitIdle(t, d)

	require.Equal(t, 1, pub.count())
	f := pub.all()[0]
	require.Len(t, f.ChannelScale, 21)
	assert.InDelta(t, 90.0, f.Analyzer.HighEnergy, 1e-9)
	assert.InDelta(t, 86.0, f.Analyzer.CenterEnergy, 1e-9)
	assert.InDelta(t, f.ChannelScale[20], f.Analyzer.HighEnergy, 1e-9)
}

func TestUniqueIDsContinueAcrossRuns(t *testing.T) {
	d, pub := startDriver(t, ses.NewNoHardware(smallDetector()))
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Acquire())
		waitIdle(t, d)
	}
	frames := pub.all()
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, i+1, f.UniqueID)
		assert.Equal(t, 1, f.Iteration)
		if i > 0 {
			assert.NotEqual(t, frames[i-1].RunID, f.RunID)
			assert.False(t, f.Timestamp.Before(frames[i-1].Timestamp))
		}
	}
}

func TestAddDimensionResetsData(t *testing.T) {
	d, pub := startDriver(t, ses.NewNoHardware(smallDetector()))
	require.NoError(t, d.WriteInt(ParamRunMode, int(RunAddDimension)))
	require.NoError(t, d.WriteInt(ParamImageMode, int(ImageMultiple)))
	require.NoError(t, d.WriteInt(ParamNumImages, 3))
	require.NoError(t, d.Acquire())
	waitIdle(t, d)

	frames := pub.all()
	require.Len(t, frames, 3)
	assert.True(t, d.Session().ResetBetweenIterations)
	assert.InDeltaSlice(t, frames[0].Spectrum, frames[2].Spectrum, 1e-9)
	for _, f := range frames {
		assert.Equal(t, RunAddDimension, f.RunMode)
	}

	require.NoError(t, d.WriteInt(ParamRunMode, int(RunNormal)))
	require.NoError(t, d.Acquire())
	waitIdle(t, d)
	frames = pub.all()[3:]
	require.Len(t, frames, 3)
	assert.InDelta(t, 3*frames[0].Spectrum[0], frames[2].Spectrum[0], 1e-9)
}

func TestContinuousUntilStop(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	lib.SetRegionLatency(time.Millisecond)
	d, pub := startDriver(t, lib)
	require.NoError(t, d.WriteInt(ParamImageMode, int(ImageContinuous)))
	require.NoError(t, d.Acquire())
	require.Eventually(t, func() bool { return pub.count() >= 3 }, waitFor, tick)

	d.Stop()
	d.Stop()
	waitIdle(t, d)
	s, msg := d.Status()
	assert.Equal(t, StatusIdle, s)
	assert.Equal(t, "Acquisition aborted.", msg)
	n := pub.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, pub.count(), "no frames after the stop")
	assert.Equal(t, n, d.Session().Iteration)
}

func TestStopWhileIdle(t *testing.T) {
	d, _ := startDriver(t, ses.NewNoHardware(smallDetector()))
	d.Stop()
	s, msg := d.Status()
	assert.Equal(t, StatusIdle, s)
	assert.Equal(t, "SES library initialisation completed.", msg)
	assert.False(t, d.AcquireRequested())
}

func TestStopDuringRegionWait(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	lib.HoldRegionReady()
	d, pub := startDriver(t, lib)
	require.NoError(t, d.WriteInt(ParamImageMode, int(ImageMultiple)))
	require.NoError(t, d.WriteInt(ParamNumImages, 5))
	require.NoError(t, d.Acquire())

	select {
	case <-lib.WaitStarted():
	case <-time.After(waitFor):
		t.Fatal("acquisition never waited for the region")
	}
	s, _ := d.Status()
	assert.Equal(t, StatusAcquiring, s)
	d.Stop()
	assert.False(t, d.AcquireRequested())
	lib.ReleaseRegionReady()
	waitIdle(t, d)

	s, msg := d.Status()
	assert.Equal(t, StatusIdle, s)
	assert.Equal(t, "Acquisition aborted.", msg)
	assert.Less(t, pub.count(), 5)
	assert.Zero(t, pub.count(), "the frame in flight is discarded")
	assert.Nil(t, d.LastFrame())
}

func TestAcquireAfterStopStartsNewRun(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	lib.HoldRegionReady()
	d, pub := startDriver(t, lib)
	require.NoError(t, d.Acquire())
	select {
	case <-lib.WaitStarted():
	case <-time.After(waitFor):
		t.Fatal("acquisition never waited for the region")
	}

	d.Stop()
	require.NoError(t, d.Acquire())
	assert.True(t, d.AcquireRequested())
	lib.ReleaseRegionReady()
	waitIdle(t, d)

	s, msg := d.Status()
	assert.Equal(t, StatusIdle, s)
	assert.Equal(t, "Acquisition completed.", msg)
	require.Equal(t, 1, pub.count(), "the aborted frame is dropped, the new run publishes")
	assert.Equal(t, 1, pub.all()[0].UniqueID)
	assert.Equal(t, 0, intParam(t, d, ParamAcquire))
}

// armBlockingLib holds the region check until released, then fails it.
type armBlockingLib struct {
	*ses.NoHardware
	entered chan struct{}
	release chan struct{}
}

func (l *armBlockingLib) CheckAnalyzerRegion(region *ses.AnalyzerRegion, steps *int, timeMs *float64, minEnergyStep *float64) int {
	l.entered <- struct{}{}
	<-l.release
	return ses.CodeFail
}

func TestStopWhileArmingEndsIdle(t *testing.T) {
	lib := &armBlockingLib{
		NoHardware: ses.NewNoHardware(smallDetector()),
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	d := NewDriver(lib, DefaultDriverConfig(), nil)
	require.NoError(t, d.Start())
	defer d.Close()

	require.NoError(t, d.Acquire())
	select {
	case <-lib.entered:
	case <-time.After(waitFor):
		t.Fatal("acquisition never checked the region")
	}
	s, _ := d.Status()
	assert.Equal(t, StatusArming, s)
	d.Stop()
	close(lib.release)
	waitIdle(t, d)

	s, msg := d.Status()
	assert.Equal(t, StatusIdle, s)
	assert.Equal(t, "Acquisition aborted.", msg)
}

func TestStopWhileSettling(t *testing.T) {
	d, pub := startDriver(t, ses.NewNoHardware(smallDetector()))
	require.NoError(t, d.WriteInt(ParamImageMode, int(ImageContinuous)))
	require.NoError(t, d.WriteFloat(ParamAcquirePeriod, 60))
	require.NoError(t, d.Acquire())
	require.Eventually(t, func() bool {
		s, _ := d.Status()
		return s == StatusSettling
	}, waitFor, tick)

	d.Stop()
	waitIdle(t, d)
	_, msg := d.Status()
	assert.Equal(t, "Acquisition aborted.", msg)
	assert.Equal(t, 1, pub.count())
}

func TestArmingFailure(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	d, pub := startDriver(t, lib)
	lib.Fail("startAcquisition", ses.CodeFail)
	require.NoError(t, d.Acquire())
	waitIdle(t, d)

	s, msg := d.Status()
	assert.Equal(t, StatusError, s)
	assert.True(t, strings.HasPrefix(msg, "Start acquisition failed: "), msg)
	assert.Zero(t, pub.count())
	assert.Equal(t, 0, intParam(t, d, ParamAcquire))

	lib.Heal()
	require.NoError(t, d.Acquire(), "acquire is accepted in the Error state")
	waitIdle(t, d)
	s, msg = d.Status()
	assert.Equal(t, StatusIdle, s)
	assert.Equal(t, "Acquisition completed.", msg)
	assert.Equal(t, 1, pub.count())
}

func TestReadFailureEndsRun(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	d, pub := startDriver(t, lib)
	lib.Fail(ses.DataSpectrum, ses.CodeFail)
	require.NoError(t, d.Acquire())
	waitIdle(t, d)

	s, msg := d.Status()
	assert.Equal(t, StatusError, s)
	assert.True(t, strings.HasPrefix(msg, "Failed to collect data from electron analyser: "), msg)
	assert.Zero(t, pub.count())
	assert.Contains(t, lib.Calls(), "stopAcquisition")
}

func TestPublishErrorDoesNotEndRun(t *testing.T) {
	d, pub := startDriver(t, ses.NewNoHardware(smallDetector()))
	pub.Lock()
	pub.err = fmt.Errorf("queue full")
	pub.Unlock()
	require.NoError(t, d.WriteInt(ParamImageMode, int(ImageMultiple)))
	require.NoError(t, d.WriteInt(ParamNumImages, 2))
	require.NoError(t, d.Acquire())
	waitIdle(t, d)
	_, msg := d.Status()
	assert.Equal(t, "Acquisition completed.", msg)
	assert.Equal(t, 2, pub.count())
}

func TestArrayCallbacksOff(t *testing.T) {
	d, pub := startDriver(t, ses.NewNoHardware(smallDetector()))
	require.NoError(t, d.WriteInt(ParamArrayCallbacks, 0))
	require.NoError(t, d.Acquire())
	waitIdle(t, d)
	assert.Zero(t, pub.count())
	assert.NotNil(t, d.LastFrame())
	assert.Equal(t, 1, intParam(t, d, ParamArrayCounter))
}

func TestRegionEditDuringRun(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	lib.HoldRegionReady()
	d, pub := startDriver(t, lib)
	require.NoError(t, d.Acquire())
	<-lib.WaitStarted()

	edited := ses.AnalyzerRegion{LowEnergy: 70, CenterEnergy: 72, HighEnergy: 74,
		EnergyStep: 200, DwellTime: 100, Kinetic: true}
	require.NoError(t, d.SetAnalyzerRegion(edited))
	lib.ReleaseRegionReady()
	waitIdle(t, d)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, 82.0, pub.all()[0].ChannelScale[0], "the run uses the regions it was armed with")
	_, a := d.Regions()
	assert.Equal(t, 70.0, a.LowEnergy, "the edit is kept")

	require.NoError(t, d.Acquire())
	waitIdle(t, d)
	require.Equal(t, 2, pub.count())
	f := pub.all()[1]
	assert.Equal(t, 70.0, f.ChannelScale[0])
	assert.Equal(t, 21, f.Channels)
}

func TestFullDetectorSweep(t *testing.T) {
	d, pub := startDriver(t, ses.NewNoHardware(ses.DefaultDetectorInfo()))
	require.NoError(t, d.SetDetectorRegion(ses.DetectorRegion{
		FirstXChannel: 0, LastXChannel: 1023, FirstYChannel: 0, LastYChannel: 999, Slices: 1}))
	require.NoError(t, d.SetAnalyzerRegion(ses.AnalyzerRegion{LowEnergy: 82, CenterEnergy: 86,
		HighEnergy: 90, EnergyStep: 400, DwellTime: 1000, Kinetic: true}))
	require.NoError(t, d.Acquire())
	waitIdle(t, d)

	require.Equal(t, 1, pub.count())
	f := pub.all()[0]
	assert.Equal(t, 21, f.Channels)
	assert.Len(t, f.Spectrum, 21)
	require.Len(t, f.ChannelScale, 21)
	assert.Equal(t, 82.0, f.ChannelScale[0])
	assert.InDelta(t, 90.0, f.ChannelScale[20], 1e-9)
	rows, cols := f.Image.Dims()
	assert.Equal(t, 1, rows)
	assert.Equal(t, 21, cols)
	assert.Equal(t, 1024, f.RawWidth)
	assert.Equal(t, 1000, f.RawHeight)
	assert.Equal(t, 21000.0, f.ElapsedTimeMs)
	assert.Equal(t, 21, intParam(t, d, ParamSteps))
	assert.Equal(t, 1023, intParam(t, d, ParamSizeX))
}
