package analyser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dls-controls/analyser/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusMessage(d *Driver) string {
	_, msg := d.Status()
	return msg
}

func TestDetectorParamWrites(t *testing.T) {
	d, _ := startDriver(t, ses.NewNoHardware(smallDetector()))
	var saved []ses.DetectorRegion
	d.SetRegionSaver(func(det ses.DetectorRegion, _ ses.AnalyzerRegion) error {
		saved = append(saved, det)
		return nil
	})

	require.NoError(t, d.WriteInt(ParamFirstXChannel, 10))
	require.NoError(t, d.WriteInt(ParamSizeX, 50))
	det, _ := d.Regions()
	assert.Equal(t, 10, det.FirstXChannel)
	assert.Equal(t, 60, det.LastXChannel, "last = first + size")
	assert.Equal(t, 60, intParam(t, d, ParamLastXChannel))
	assert.Equal(t, 10, intParam(t, d, ParamMinX))
	assert.Len(t, saved, 2)

	require.NoError(t, d.WriteInt(ParamSlices, 8))
	require.NoError(t, d.WriteInt(ParamDetectorMode, 0))
	det, _ = d.Regions()
	assert.Equal(t, 8, det.Slices)
	assert.False(t, det.ADCMode)
}

func TestDetectorParamRejected(t *testing.T) {
	d, _ := startDriver(t, ses.NewNoHardware(smallDetector()))
	before, _ := d.Regions()

	tests := []struct {
		name  string
		value int
		want  string
	}{
		{ParamFirstXChannel, -1, "first X channel -1 must not be below 0"},
		{ParamLastXChannel, 129, "last X channel 129 must not exceed 128"},
		{ParamFirstXChannel, 127, "must be less than last X channel"},
		{ParamLastYChannel, 101, "last Y channel 101 must not exceed 100"},
		{ParamSlices, 0, "slices 0 must be between 1 and 16"},
		{ParamSizeY, 500, "must not exceed 100"},
	}
	for _, tt := range tests {
		old := intParam(t, d, tt.name)
		err := d.WriteInt(tt.name, tt.value)
		require.Error(t, err, tt.name)
		assert.ErrorIs(t, err, ses.ErrInvalidParameter)
		assert.Contains(t, err.Error(), tt.want)
		assert.Equal(t, old, intParam(t, d, tt.name), "%s restored", tt.name)
		msg := statusMessage(d)
		assert.True(t, strings.HasPrefix(msg, "set "+tt.name+" failed: "), msg)
	}
	after, _ := d.Regions()
	assert.Equal(t, before, after)
}

func TestAnalyzerParamWrites(t *testing.T) {
	d, _ := startDriver(t, ses.NewNoHardware(smallDetector()))
	require.NoError(t, d.WriteFloat(ParamLowEnergy, 80))
	require.NoError(t, d.WriteFloat(ParamEnergyStep, 100))
	require.NoError(t, d.WriteFloat(ParamAcquireTime, 0.25))
	require.NoError(t, d.WriteInt(ParamEnergyMode, 0))
	require.NoError(t, d.WriteInt(ParamAcquisitionMode, 1))
	_, a := d.Regions()
	assert.Equal(t, 80.0, a.LowEnergy)
	assert.Equal(t, 100.0, a.EnergyStep)
	assert.Equal(t, 250, a.DwellTime)
	assert.Equal(t, 250, intParam(t, d, ParamDwellTime))
	assert.False(t, a.Kinetic)
	assert.True(t, a.Fixed)

	err := d.WriteInt(ParamDwellTime, 0)
	assert.ErrorIs(t, err, ses.ErrInvalidParameter)
	assert.Contains(t, err.Error(), "dwell time must be > 0")
	assert.Equal(t, 250, intParam(t, d, ParamDwellTime))

	err = d.SetAnalyzerRegion(ses.AnalyzerRegion{LowEnergy: 1, HighEnergy: 2, EnergyStep: 10})
	assert.ErrorIs(t, err, ses.ErrInvalidParameter)
	_, a = d.Regions()
	assert.Equal(t, 80.0, a.LowEnergy)
}

func TestModeParamWrites(t *testing.T) {
	d, _ := startDriver(t, ses.NewNoHardware(smallDetector()))
	assert.Error(t, d.WriteInt(ParamImageMode, 3))
	assert.Error(t, d.WriteInt(ParamRunMode, 2))
	assert.Error(t, d.WriteInt(ParamNumImages, 0))
	assert.Error(t, d.WriteFloat(ParamAcquirePeriod, -1))
	assert.Equal(t, 1, intParam(t, d, ParamNumImages))

	assert.Error(t, d.WriteInt(ParamXChannels, 5), "read-only")
	assert.Error(t, d.WriteInt("NO_SUCH_PARAM", 5))
	assert.Error(t, d.WriteFloat(ParamNumImages, 5), "wrong type")
}

func TestIndexedInstrumentWrites(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	d, _ := startDriver(t, lib)

	require.NoError(t, d.WriteInt(ParamLensMode, 2))
	require.NoError(t, d.WriteInt(ParamPassEnergy, 4))
	require.NoError(t, d.WriteInt(ParamElementSet, 0))
	assert.Contains(t, lib.Calls(), "set:"+ses.PropLensMode)

	in := ses.NewInstrument(lib)
	lens, err := in.GetString(ses.PropLensMode, -1)
	require.NoError(t, err)
	assert.Equal(t, "Angular30", lens)
	pe, err := in.GetFloat(ses.PropPassEnergy, -1)
	require.NoError(t, err)
	assert.Equal(t, 50.0, pe)
	es, err := in.GetString(ses.PropElementSet, -1)
	require.NoError(t, err)
	assert.Equal(t, "High Pass (XPS)", es)

	err = d.WriteInt(ParamPassEnergy, 7)
	assert.ErrorIs(t, err, ses.ErrInvalidParameter)
	assert.Equal(t, 4, intParam(t, d, ParamPassEnergy))
}

func TestInstrumentWritesRefusedWhileBusy(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	lib.HoldRegionReady()
	d, _ := startDriver(t, lib)
	require.NoError(t, d.Acquire())
	<-lib.WaitStarted()

	for _, name := range []string{ParamPassEnergy, ParamLensMode, ParamUseExternalIO} {
		err := d.WriteInt(name, 1)
		assert.ErrorIs(t, err, ses.ErrInvalidParameter, name)
		assert.Contains(t, err.Error(), "while the analyser is busy")
	}
	assert.Error(t, d.WriteString(ParamRegionName, "survey"))
	assert.Error(t, d.WriteFloat(ParamKineticEnergy, 100))
	assert.Error(t, d.ResetInstrument())

	// Region edits are local and allowed.
	assert.NoError(t, d.WriteInt(ParamSlices, 4))
	lib.ReleaseRegionReady()
	waitIdle(t, d)
	assert.NoError(t, d.WriteString(ParamRegionName, "survey"))
}

func TestLibWorkingDir(t *testing.T) {
	d, _ := startDriver(t, ses.NewNoHardware(smallDetector()))
	dir := t.TempDir()
	require.NoError(t, d.WriteString(ParamLibWorkingDir, dir))
	assert.Equal(t, "Library working directory is set to "+dir, statusMessage(d))

	missing := filepath.Join(dir, "missing")
	err := d.WriteString(ParamLibWorkingDir, missing)
	assert.ErrorIs(t, err, ses.ErrInvalidParameter)
	assert.Contains(t, err.Error(), "does not exist")

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	err = d.WriteString(ParamLibWorkingDir, file)
	assert.Contains(t, err.Error(), "is a file not a directory")

	p, err := d.ReadParam(ParamLibWorkingDir)
	require.NoError(t, err)
	assert.Equal(t, dir, p.String)
}

func TestInstrumentCommands(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	d, _ := startDriver(t, lib)
	require.NoError(t, d.ResetInstrument())
	assert.Equal(t, "Reset instrument completed.", statusMessage(d))
	require.NoError(t, d.ZeroSupplies())
	assert.Equal(t, "Zero supplies completed.", statusMessage(d))

	lib.Fail("testHW", ses.CodeFail)
	err := d.TestCommunication()
	assert.ErrorIs(t, err, ses.ErrVendor)
	assert.True(t, strings.HasPrefix(statusMessage(d), "set Test communication failed: "))
}

func TestRefreshInstrumentStatus(t *testing.T) {
	lib := ses.NewNoHardware(smallDetector())
	d, _ := startDriver(t, lib)
	st, err := d.RefreshInstrumentStatus()
	require.NoError(t, err)
	assert.Equal(t, ses.StatusNormal, st)
	assert.Equal(t, "Analyser READY.", statusMessage(d))
	s, _ := d.Status()
	assert.Equal(t, StatusIdle, s)

	lib.Fail(ses.PropInstrumentStatus, ses.CodeFail)
	_, err = d.RefreshInstrumentStatus()
	assert.Error(t, err)
}

func TestSliceSelection(t *testing.T) {
	d, _ := startDriver(t, ses.NewNoHardware(smallDetector()))
	require.NoError(t, d.WriteInt(ParamSlices, 4))
	require.NoError(t, d.Acquire())
	waitIdle(t, d)

	require.NoError(t, d.WriteInt(ParamAcqSliceIndex, 3))
	p, err := d.ReadParam(ParamAcqSlice)
	require.NoError(t, err)
	assert.Equal(t, d.LastFrame().Slices[3], p.Floats)
	assert.Error(t, d.WriteInt(ParamAcqSliceIndex, 4))
	assert.Equal(t, 3, intParam(t, d, ParamAcqSliceIndex))
}

func TestExternalIOSelection(t *testing.T) {
	d, _ := startDriver(t, ses.NewNoHardware(smallDetector()))
	require.NoError(t, d.WriteInt(ParamUseExternalIO, 1))
	require.NoError(t, d.Acquire())
	waitIdle(t, d)
	_, msg := d.Status()
	require.Equal(t, "Acquisition completed.", msg)

	assert.Equal(t, 2, intParam(t, d, ParamAcqIOPorts))
	require.NoError(t, d.WriteInt(ParamAcqIOPortIndex, 1))
	p, err := d.ReadParam(ParamAcqIOPortName)
	require.NoError(t, err)
	assert.Equal(t, "Port 1", p.String)
	p, err = d.ReadParam(ParamAcqIOSpectrum)
	require.NoError(t, err)
	require.Len(t, p.Floats, 21)
	assert.Equal(t, 1.0, p.Floats[0])
}
