package adcdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the adcdactivity table: one row per
// daemon run.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Nchannels int
	Start     time.Time
	End       time.Time
}

// CalibrationMessage records one successful calibration or hysteresis change.
type CalibrationMessage struct {
	ID         string
	ActivityID string
	Channel    int
	Min        uint32
	Max        uint32
	Width      uint32
	When       time.Time
}
