package domain

import "encoding"

// Phase tracks the coordinator state machine. Done and Failed are terminal;
// Failed is reachable from any step and always routes through Notifying.
type Phase string

const (
	PhaseUploading Phase = "UPLOADING"
	PhaseGating    Phase = "GATING"
	PhaseReleasing Phase = "RELEASING"
	PhaseNotifying Phase = "NOTIFYING"
	PhaseDone      Phase = "DONE"
	PhaseFailed    Phase = "FAILED"
)

// RunReport is the coordinator's final account of one invocation.
type RunReport struct {
	Phase         Phase          `json:"phase"`
	Terminal      bool           `json:"terminal"`
	Cause         FailureCause   `json:"cause,omitempty"`
	Uploaded      int            `json:"uploaded"`
	Verified      int            `json:"verified"`
	Bytes         int64          `json:"bytes"`
	ReleaseResult *ReleaseResult `json:"releaseResult,omitempty"`
}

var (
	_ encoding.BinaryMarshaler = Phase("")
	_ encoding.TextMarshaler   = Phase("")
)

func (p Phase) MarshalBinary() ([]byte, error) { return []byte(string(p)), nil }
func (p Phase) MarshalText() ([]byte, error)   { return []byte(string(p)), nil }
