package session

import (
	"math"
	"strings"
	"time"
)

// TimeLayout renders session timestamps the way browsers print
// Date.toISOString: UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Storage keys
const (
	KeyPrefix         = "session_"
	CurrentSessionKey = "current_session_id"
	CurrentPatientKey = "current_patient_info"
)

// SessionID is the startTime of a session. It doubles as its identity.
type SessionID string

// Key returns the storage key for a session started at startTime.
func Key(startTime string) string {
	return KeyPrefix + startTime
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses an ISO-8601 timestamp as written by FormatTime or any RFC 3339 writer.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// PatientInfo identifies who a session was recorded for.
type PatientInfo struct {
	Name           string `json:"name"`
	MonthsPregnant int    `json:"monthsPregnant"`
	RecordingDate  string `json:"recordingDate"`
	RecordingTime  string `json:"recordingTime"`
}

// Validate checks the fields a session cannot start without.
func (p PatientInfo) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if p.MonthsPregnant < 1 || p.MonthsPregnant > 10 {
		return &ValidationError{Field: "monthsPregnant", Reason: "must be between 1 and 10"}
	}
	return nil
}

// Reading is one heart-rate sample as stored in a session log.
type Reading struct {
	DeviceID      string   `json:"deviceId"`
	BPM           float64  `json:"bpm"`
	Timestamp     string   `json:"timestamp"`
	RawValue      *float64 `json:"rawEcg,omitempty"`
	SmoothedValue *float64 `json:"smoothedEcg,omitempty"`
}

// Session is a recorded monitoring session.
type Session struct {
	PatientInfo PatientInfo `json:"patientInfo"`
	Readings    []Reading   `json:"readings"`
	StartTime   string      `json:"startTime"`
	EndTime     string      `json:"endTime,omitempty"`
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool {
	return s.EndTime == ""
}

// Summary holds the simple aggregates shown next to a session.
type Summary struct {
	ReadingCount    int     `json:"readingCount"`
	AvgBPM          float64 `json:"avgBpm"`
	MaxBPM          float64 `json:"maxBpm"`
	DurationSeconds float64 `json:"durationSeconds"`
	InProgress      bool    `json:"inProgress"`
}

// Summary computes aggregates over the session readings.
// Duration is only known once the session is closed.
func (s *Session) Summary() Summary {
	sum := Summary{
		ReadingCount: len(s.Readings),
		InProgress:   s.Open(),
	}

	if len(s.Readings) > 0 {
		total := 0.0
		sum.MaxBPM = math.Inf(-1)
		for _, r := range s.Readings {
			total += r.BPM
			if r.BPM > sum.MaxBPM {
				sum.MaxBPM = r.BPM
			}
		}
		sum.AvgBPM = total / float64(len(s.Readings))
	}

	if !s.Open() {
		start, err1 := ParseTime(s.StartTime)
		end, err2 := ParseTime(s.EndTime)
		if err1 == nil && err2 == nil && end.After(start) {
			sum.DurationSeconds = end.Sub(start).Seconds()
		}
	}

	return sum
}

// clone returns a copy whose readings slice can be extended without
// touching the original.
func (s *Session) clone(extra []Reading) *Session {
	c := *s
	c.Readings = make([]Reading, 0, len(s.Readings)+len(extra))
	c.Readings = append(c.Readings, s.Readings...)
	c.Readings = append(c.Readings, extra...)
	return &c
}
