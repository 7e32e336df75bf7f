package analyser

import (
	"fmt"

	"github.com/dls-controls/analyser/internal/rundb"
	"github.com/dls-controls/analyser/ses"
	"github.com/spf13/viper"
)

// InstrumentConfig is the "instrument" section of the config file.
type InstrumentConfig struct {
	WorkingDir      string
	InstrumentFile  string
	Simulate        bool
	RegionTimeoutMs int
	ElementSet      string
	LensMode        string
	PassEnergy      float64
}

// WritingConfig is the "writing" section of the config file.
type WritingConfig struct {
	BasePath string
	Format   string
}

// RunDBConfig is the "rundb" section of the config file.
type RunDBConfig struct {
	Enable   bool
	Addr     string
	Database string
}

// Config is the whole server configuration.
type Config struct {
	Instrument InstrumentConfig
	Detector   *ses.DetectorRegion
	Analyzer   *ses.AnalyzerRegion
	Writing    WritingConfig
	RunDB      RunDBConfig
}

// DefaultConfig returns the configuration used for anything the config file
// does not set.
func DefaultConfig() Config {
	dc := DefaultDriverConfig()
	dbo := rundb.DefaultOptions()
	return Config{
		Instrument: InstrumentConfig{
			InstrumentFile:  dc.InstrumentFile,
			RegionTimeoutMs: dc.RegionTimeoutMs,
			ElementSet:      dc.ElementSet,
			LensMode:        dc.LensMode,
			PassEnergy:      dc.PassEnergy,
		},
		Writing: WritingConfig{Format: FormatNPY},
		RunDB:   RunDBConfig{Addr: dbo.Addr, Database: dbo.Database},
	}
}

// LoadConfig reads the configuration from viper, section by section, over
// the defaults. The saved regions are nil unless the file holds them.
func LoadConfig() (Config, error) {
	c := DefaultConfig()
	if err := viper.UnmarshalKey("instrument", &c.Instrument); err != nil {
		return c, fmt.Errorf("config section instrument: %w", err)
	}
	if err := viper.UnmarshalKey("writing", &c.Writing); err != nil {
		return c, fmt.Errorf("config section writing: %w", err)
	}
	if err := viper.UnmarshalKey("rundb", &c.RunDB); err != nil {
		return c, fmt.Errorf("config section rundb: %w", err)
	}
	if viper.IsSet("detector") {
		var r ses.DetectorRegion
		if err := viper.UnmarshalKey("detector", &r); err != nil {
			return c, fmt.Errorf("config section detector: %w", err)
		}
		c.Detector = &r
	}
	if viper.IsSet("analyzer") {
		var r ses.AnalyzerRegion
		if err := viper.UnmarshalKey("analyzer", &r); err != nil {
			return c, fmt.Errorf("config section analyzer: %w", err)
		}
		c.Analyzer = &r
	}
	return c, nil
}

// DriverConfig returns the settings a Driver is started with.
func (c Config) DriverConfig() DriverConfig {
	return DriverConfig{
		WorkingDir:      c.Instrument.WorkingDir,
		InstrumentFile:  c.Instrument.InstrumentFile,
		RegionTimeoutMs: c.Instrument.RegionTimeoutMs,
		ElementSet:      c.Instrument.ElementSet,
		LensMode:        c.Instrument.LensMode,
		PassEnergy:      c.Instrument.PassEnergy,
		Detector:        c.Detector,
		Analyzer:        c.Analyzer,
	}
}

// RunDBOptions returns where the run database is.
func (c Config) RunDBOptions() rundb.Options {
	o := rundb.DefaultOptions()
	if c.RunDB.Addr != "" {
		o.Addr = c.RunDB.Addr
	}
	if c.RunDB.Database != "" {
		o.Database = c.RunDB.Database
	}
	return o
}

// SaveRegions stores the regions in the config file so the next start of
// the server restores them. It is a RegionSaver.
func SaveRegions(detector ses.DetectorRegion, analyzer ses.AnalyzerRegion) error {
	viper.Set("detector", detector)
	viper.Set("analyzer", analyzer)
	return viper.WriteConfig()
}
