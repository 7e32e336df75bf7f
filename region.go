package analyser

import (
	"fmt"

	"github.com/dls-controls/analyser/ses"
)

// RegionModel holds the committed detector and analyser regions. Edits are
// validated against the DetectorInfo and committed in memory only. They reach
// the instrument when the next acquisition is armed.
type RegionModel struct {
	info     ses.DetectorInfo
	detector ses.DetectorRegion
	analyzer ses.AnalyzerRegion
	edits    int // analyser edits, used to detect edits made during a run
}

// NewRegionModel returns a model bounded by info, with the full detector as the
// detector region.
func NewRegionModel(info ses.DetectorInfo) RegionModel {
	return RegionModel{info: info, detector: FullDetectorRegion(info)}
}

// FullDetectorRegion covers the whole detector with a single slice in ADC mode.
func FullDetectorRegion(info ses.DetectorInfo) ses.DetectorRegion {
	return ses.DetectorRegion{
		FirstXChannel: 0,
		LastXChannel:  info.XChannels - 1,
		FirstYChannel: 0,
		LastYChannel:  info.YChannels - 1,
		Slices:        1,
		ADCMode:       true,
	}
}

// DefaultAnalyzerRegion is a swept kinetic-energy region from 82 to 90 eV.
func DefaultAnalyzerRegion() ses.AnalyzerRegion {
	return ses.AnalyzerRegion{
		LowEnergy:    82,
		CenterEnergy: 86,
		HighEnergy:   90,
		EnergyStep:   400,
		DwellTime:    1000,
		Kinetic:      true,
	}
}

// Info returns the detector capabilities bounding every region edit.
func (rm *RegionModel) Info() ses.DetectorInfo { return rm.info }

// Detector returns the committed detector region.
func (rm *RegionModel) Detector() ses.DetectorRegion { return rm.detector }

// Analyzer returns the committed analyser region.
func (rm *RegionModel) Analyzer() ses.AnalyzerRegion { return rm.analyzer }

// ValidateDetectorRegion checks r against the detector bounds. The error names
// the first bound violated.
func (rm *RegionModel) ValidateDetectorRegion(r ses.DetectorRegion) error {
	info := rm.info
	switch {
	case r.FirstXChannel < 0:
		return ses.Invalidf("first X channel %d must not be below 0", r.FirstXChannel)
	case r.LastXChannel > info.XChannels:
		return ses.Invalidf("last X channel %d must not exceed %d", r.LastXChannel, info.XChannels)
	case r.FirstXChannel >= r.LastXChannel:
		return ses.Invalidf("first X channel %d must be less than last X channel %d", r.FirstXChannel, r.LastXChannel)
	case r.FirstYChannel < 0:
		return ses.Invalidf("first Y channel %d must not be below 0", r.FirstYChannel)
	case r.LastYChannel > info.YChannels:
		return ses.Invalidf("last Y channel %d must not exceed %d", r.LastYChannel, info.YChannels)
	case r.FirstYChannel >= r.LastYChannel:
		return ses.Invalidf("first Y channel %d must be less than last Y channel %d", r.FirstYChannel, r.LastYChannel)
	case r.Slices < 1 || r.Slices > info.MaxSlices:
		return ses.Invalidf("slices %d must be between 1 and %d", r.Slices, info.MaxSlices)
	}
	return nil
}

// SetDetectorRegion commits r if it lies within the detector bounds. On error
// the committed region is unchanged.
func (rm *RegionModel) SetDetectorRegion(r ses.DetectorRegion) error {
	if err := rm.ValidateDetectorRegion(r); err != nil {
		return err
	}
	rm.detector = r
	return nil
}

func (rm *RegionModel) editDetector(edit func(r *ses.DetectorRegion)) error {
	candidate := rm.detector
	edit(&candidate)
	return rm.SetDetectorRegion(candidate)
}

// SetFirstXChannel changes one bound of the committed detector region.
func (rm *RegionModel) SetFirstXChannel(v int) error {
	return rm.editDetector(func(r *ses.DetectorRegion) { r.FirstXChannel = v })
}

// SetLastXChannel changes one bound of the committed detector region.
func (rm *RegionModel) SetLastXChannel(v int) error {
	return rm.editDetector(func(r *ses.DetectorRegion) { r.LastXChannel = v })
}

// SetFirstYChannel changes one bound of the committed detector region.
func (rm *RegionModel) SetFirstYChannel(v int) error {
	return rm.editDetector(func(r *ses.DetectorRegion) { r.FirstYChannel = v })
}

// SetLastYChannel changes one bound of the committed detector region.
func (rm *RegionModel) SetLastYChannel(v int) error {
	return rm.editDetector(func(r *ses.DetectorRegion) { r.LastYChannel = v })
}

// SetSlices changes the number of slices of the committed detector region.
func (rm *RegionModel) SetSlices(v int) error {
	return rm.editDetector(func(r *ses.DetectorRegion) { r.Slices = v })
}

// SetADCMode switches between ADC and pulse-counting mode.
func (rm *RegionModel) SetADCMode(adc bool) {
	rm.detector.ADCMode = adc
}

// SetDiscriminatorLevel sets the pulse-counting discriminator level.
func (rm *RegionModel) SetDiscriminatorLevel(v int) {
	rm.detector.DiscriminatorLevel = v
}

// SetADCMask sets the ADC mask.
func (rm *RegionModel) SetADCMask(v int) {
	rm.detector.ADCMask = v
}

// SetAnalyzerRegion commits r. No local bounds are known for the analyser; the
// instrument checks the region when the next acquisition is armed.
func (rm *RegionModel) SetAnalyzerRegion(r ses.AnalyzerRegion) {
	rm.analyzer = r
	rm.edits++
}

// EditAnalyzer applies edit to a copy of the committed analyser region and commits it.
func (rm *RegionModel) EditAnalyzer(edit func(r *ses.AnalyzerRegion)) {
	candidate := rm.analyzer
	edit(&candidate)
	rm.SetAnalyzerRegion(candidate)
}

// RegionSnapshot is the pair of regions pushed to the instrument for one run.
type RegionSnapshot struct {
	Detector ses.DetectorRegion
	Analyzer ses.AnalyzerRegion
	edits    int
}

// Snapshot returns the committed regions for arming a run.
func (rm *RegionModel) Snapshot() RegionSnapshot {
	return RegionSnapshot{Detector: rm.detector, Analyzer: rm.analyzer, edits: rm.edits}
}

// ApplyCheck folds the instrument's corrections of the snapshot's analyser
// region into the committed region and returns a report for the status
// message. Corrections are not applied over an analyser edit made after the
// snapshot was taken; that edit is checked at the next arming instead.
func (rm *RegionModel) ApplyCheck(snap RegionSnapshot, check ses.RegionCheck) string {
	report := fmt.Sprintf("Number of steps: %d; Dwell time: %g; minimum energy step: %g.",
		check.Steps, check.DwellTime, check.MinEnergyStep)
	if check.Region == snap.Analyzer {
		return report
	}
	if rm.edits != snap.edits {
		return report + " Region corrected by the instrument; not applied over a newer edit."
	}
	rm.analyzer = check.Region
	return report + " Region corrected by the instrument."
}
