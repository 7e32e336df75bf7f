package rundb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the analyseractivity table: one row
// per server process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Start     time.Time
	End       time.Time
}

// RunMessage is the information required to make an entry in the runs table.
type RunMessage struct {
	ID           string
	RegionName   string
	RunMode      int
	ImageMode    int
	NumImages    int
	Fixed        bool
	LowEnergy    float64
	HighEnergy   float64
	CenterEnergy float64
	EnergyStep   float64
	DwellTime    int
	Steps        int
	FirstX       int
	LastX        int
	FirstY       int
	LastY        int
	Slices       int
	Frames       int
	Outcome      string
	Start        time.Time
	End          time.Time
}

// FrameMessage is the information for one row of the frames table.
type FrameMessage struct {
	RunID         string
	UniqueID      int
	Iteration     int
	Channels      int
	Slices        int
	CurrentStep   int
	ElapsedTimeMs float64
	SpectrumSum   float64
	Timestamp     time.Time
}
