package domain

import (
	"encoding"
	"time"
)

type FailureCause string

const (
	CauseUpload  FailureCause = "upload"
	CauseGate    FailureCause = "gate"
	CauseRelease FailureCause = "release"
)

// FailureEvent is published at most once per failing invocation. Consumers
// are external; no acknowledgment is awaited.
type FailureEvent struct {
	EventID        string         `json:"eventId"`
	ReservationID  string         `json:"reservationId"`
	JobIndex       int            `json:"jobIndex"`
	Cause          FailureCause   `json:"cause"`
	Message        string         `json:"message"`
	Dataset        string         `json:"dataset,omitempty"`
	ProcessingType ProcessingType `json:"processingType,omitempty"`
	TraceParent    string         `json:"traceParent,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// IngestEvent announces one verified upload so downstream ingestion can pick
// the granule up. Modeled on the provider-input notification the pipeline's
// consumers already accept.
type IngestEvent struct {
	EventID        string         `json:"eventId"`
	Identifier     string         `json:"identifier"`
	URI            string         `json:"uri"`
	Checksum       string         `json:"checksum"`
	ChecksumType   string         `json:"checksumType"`
	Size           int64          `json:"size"`
	Dataset        string         `json:"dataset"`
	ProcessingType ProcessingType `json:"processingType"`
	Trace          string         `json:"trace,omitempty"`
	TraceParent    string         `json:"traceParent,omitempty"`
	SubmissionTime time.Time      `json:"submissionTime"`
}

var (
	_ encoding.BinaryMarshaler = FailureCause("")
	_ encoding.TextMarshaler   = FailureCause("")
)

func (c FailureCause) MarshalBinary() ([]byte, error) { return []byte(string(c)), nil }
func (c FailureCause) MarshalText() ([]byte, error)   { return []byte(string(c)), nil }
