// Package feed defines the live reading source consumed by the ingestor and
// the wire format of a single sample.
package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Sample is one raw sample as delivered by a device. Optional fields are
// pointers so that absent values can be told apart from zero.
type Sample struct {
	DeviceID      string   `json:"deviceId"`
	BPM           *float64 `json:"bpm"`
	Timestamp     string   `json:"timestamp"`
	RawValue      *float64 `json:"rawEcg,omitempty"`
	SmoothedValue *float64 `json:"smoothedEcg,omitempty"`
}

// Validate checks the fields a reading cannot be built without.
func (s *Sample) Validate() error {
	if s.DeviceID == "" {
		return &FeedError{Reason: "missing deviceId"}
	}
	if s.BPM == nil {
		return &FeedError{Reason: "missing bpm"}
	}
	return nil
}

// Handler receives samples. A nil sample means the source currently has no data.
type Handler func(*Sample)

// Unsubscribe detaches a handler. Once it returns the handler is not called again.
type Unsubscribe func() error

// Feed is a push source of samples.
type Feed interface {
	Subscribe(handler Handler) (Unsubscribe, error)
}

// FeedError reports a sample that could not be used.
type FeedError struct {
	Reason string
	Err    error
}

func (e *FeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feed: %s: %v", e.Reason, e.Err)
	}
	return "feed: " + e.Reason
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// Decode parses a JSON payload. Empty and null payloads decode to a nil
// sample, the "no data" marker.
func Decode(payload []byte) (*Sample, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var s Sample
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, &FeedError{Reason: "malformed sample", Err: err}
	}
	return &s, nil
}
