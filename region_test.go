package analyser

import (
	"strings"
	"testing"

	"github.com/dls-controls/analyser/ses"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo() ses.DetectorInfo {
	return ses.DetectorInfo{XChannels: 1024, YChannels: 1000, MaxSlices: 1000, MaxChannels: 1024}
}

func TestDetectorRegionRoundTrip(t *testing.T) {
	rm := NewRegionModel(testInfo())
	regions := []ses.DetectorRegion{
		{FirstXChannel: 0, LastXChannel: 1023, FirstYChannel: 0, LastYChannel: 999, Slices: 1, ADCMode: true},
		{FirstXChannel: 10, LastXChannel: 20, FirstYChannel: 5, LastYChannel: 6, Slices: 1000},
		{FirstXChannel: 1023, LastXChannel: 1024, FirstYChannel: 999, LastYChannel: 1000, Slices: 7,
			DiscriminatorLevel: 3, ADCMask: 0xff},
	}
	for _, r := range regions {
		require.NoError(t, rm.SetDetectorRegion(r))
		if diff := cmp.Diff(r, rm.Detector()); diff != "" {
			t.Errorf("committed region differs from the one set (-want +have):\n%s", diff)
		}
	}
}

func TestDetectorRegionBounds(t *testing.T) {
	good := ses.DetectorRegion{FirstXChannel: 0, LastXChannel: 1023, FirstYChannel: 0, LastYChannel: 999, Slices: 1}
	tests := []struct {
		name  string
		edit  func(r *ses.DetectorRegion)
		bound string
	}{
		{"negative first X", func(r *ses.DetectorRegion) { r.FirstXChannel = -1 }, "first X channel -1"},
		{"last X too big", func(r *ses.DetectorRegion) { r.LastXChannel = 1025 }, "must not exceed 1024"},
		{"empty X", func(r *ses.DetectorRegion) { r.FirstXChannel = 1023 }, "less than last X channel"},
		{"negative first Y", func(r *ses.DetectorRegion) { r.FirstYChannel = -3 }, "first Y channel -3"},
		{"last Y too big", func(r *ses.DetectorRegion) { r.LastYChannel = 1001 }, "must not exceed 1000"},
		{"empty Y", func(r *ses.DetectorRegion) { r.FirstYChannel = 999 }, "less than last Y channel"},
		{"no slices", func(r *ses.DetectorRegion) { r.Slices = 0 }, "between 1 and 1000"},
		{"too many slices", func(r *ses.DetectorRegion) { r.Slices = 1001 }, "between 1 and 1000"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rm := NewRegionModel(testInfo())
			require.NoError(t, rm.SetDetectorRegion(good))
			bad := good
			tc.edit(&bad)
			err := rm.SetDetectorRegion(bad)
			require.Error(t, err)
			assert.ErrorIs(t, err, ses.ErrInvalidParameter)
			if !strings.Contains(err.Error(), tc.bound) {
				t.Errorf("error %q does not name the bound %q", err, tc.bound)
			}
			assert.Equal(t, good, rm.Detector(), "a rejected region must not change the committed one")
		})
	}
}

func TestFieldSettersUseCommittedRegion(t *testing.T) {
	rm := NewRegionModel(testInfo())
	require.NoError(t, rm.SetFirstXChannel(100))
	require.NoError(t, rm.SetLastXChannel(200))
	assert.Error(t, rm.SetFirstXChannel(200), "first must stay below last")
	assert.Equal(t, 100, rm.Detector().FirstXChannel)
	require.NoError(t, rm.SetSlices(10))
	rm.SetADCMode(false)
	rm.SetDiscriminatorLevel(12)
	rm.SetADCMask(3)
	want := ses.DetectorRegion{FirstXChannel: 100, LastXChannel: 200, FirstYChannel: 0, LastYChannel: 999,
		Slices: 10, DiscriminatorLevel: 12, ADCMask: 3}
	assert.Equal(t, want, rm.Detector())
}

func TestApplyCheck(t *testing.T) {
	rm := NewRegionModel(testInfo())
	rm.SetAnalyzerRegion(ses.AnalyzerRegion{LowEnergy: 82, HighEnergy: 90, CenterEnergy: 86,
		EnergyStep: 1, DwellTime: 100, Kinetic: true})
	snap := rm.Snapshot()
	corrected := snap.Analyzer
	corrected.EnergyStep = 5
	check := ses.RegionCheck{Steps: 1601, DwellTime: 160100, MinEnergyStep: 0.005, Region: corrected}

	report := rm.ApplyCheck(snap, check)
	assert.True(t, strings.HasPrefix(report, "Number of steps: 1601; Dwell time: 160100; minimum energy step: 0.005."), report)
	assert.Equal(t, 5.0, rm.Analyzer().EnergyStep)

	// A client edit after the snapshot wins over the instrument's corrections.
	snap = rm.Snapshot()
	rm.EditAnalyzer(func(r *ses.AnalyzerRegion) { r.DwellTime = 250 })
	check.Region = snap.Analyzer
	check.Region.LowEnergy = 81
	rm.ApplyCheck(snap, check)
	assert.Equal(t, 82.0, rm.Analyzer().LowEnergy)
	assert.Equal(t, 250, rm.Analyzer().DwellTime)
}
