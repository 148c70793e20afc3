package domain

import (
	"encoding"
	"time"
)

type ReservationState string

const (
	ReservationActive   ReservationState = "ACTIVE"
	ReservationReleased ReservationState = "RELEASED"
)

// Reservation is a batch-scoped claim on the shared IDL license pool. It is
// created by the upstream processing stage before any uploader runs and
// retired exactly once by the terminal worker of the array.
type Reservation struct {
	ID            string           `json:"id"`
	Dataset       string           `json:"dataset"`
	DatasetSeats  int              `json:"datasetSeats"`
	FloatingSeats int              `json:"floatingSeats"`
	State         ReservationState `json:"state"`
	CreatedAt     time.Time        `json:"createdAt"`
}

type ReleaseOutcome string

const (
	// ReleasedNow means the reservation existed and this call retired it.
	ReleasedNow ReleaseOutcome = "RELEASED_NOW"
	// AlreadyReleased means a previous call retired it; re-entry is success.
	AlreadyReleased ReleaseOutcome = "ALREADY_RELEASED"
)

// ReleaseResult reports what a ledger release did and how many seats it
// credited back to the pools (zero on AlreadyReleased).
type ReleaseResult struct {
	Outcome       ReleaseOutcome `json:"outcome"`
	DatasetSeats  int            `json:"datasetSeats"`
	FloatingSeats int            `json:"floatingSeats"`
}

var (
	_ encoding.BinaryMarshaler = ReservationState("")
	_ encoding.TextMarshaler   = ReservationState("")
	_ encoding.BinaryMarshaler = ReleaseOutcome("")
	_ encoding.TextMarshaler   = ReleaseOutcome("")
)

func (s ReservationState) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s ReservationState) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

func (o ReleaseOutcome) MarshalBinary() ([]byte, error) { return []byte(string(o)), nil }
func (o ReleaseOutcome) MarshalText() ([]byte, error)   { return []byte(string(o)), nil }
