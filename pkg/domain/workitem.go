package domain

import (
	"fmt"
	"os"
	"strconv"
)

type ProcessingType string

const (
	ProcessingQuicklook ProcessingType = "quicklook"
	ProcessingRefined   ProcessingType = "refined"
)

const (
	// JobIndexFromEnv tells the worker to resolve its array position from the
	// scheduler-provided environment variable instead of the argument.
	JobIndexFromEnv = -235
	// NoArray marks a single (non-array) run; the lone invocation is terminal.
	NoArray = -1
)

// WorkItem is one array-job invocation, immutable for the duration of the run.
type WorkItem struct {
	ReservationID  string
	Prefix         string
	JobIndex       int
	LastJobIndex   int
	ManifestPath   string
	DataDir        string
	ProcessingType ProcessingType
	DatasetLabel   string
}

func (p ProcessingType) Valid() bool {
	return p == ProcessingQuicklook || p == ProcessingRefined
}

// NewWorkItem validates invocation parameters and resolves the job-index
// sentinel against the scheduler environment variable named by arrayIndexEnv.
func NewWorkItem(reservationID, prefix string, jobIndex, lastJobIndex int, manifestPath, dataDir string, processingType ProcessingType, datasetLabel, arrayIndexEnv string) (*WorkItem, error) {
	if prefix == "" {
		return nil, fmt.Errorf("empty environment prefix")
	}
	if !processingType.Valid() {
		return nil, fmt.Errorf("invalid processing type %q (want %s or %s)", processingType, ProcessingQuicklook, ProcessingRefined)
	}
	if datasetLabel == "" {
		return nil, fmt.Errorf("empty dataset label")
	}
	if jobIndex == JobIndexFromEnv {
		v := os.Getenv(arrayIndexEnv)
		if v == "" {
			return nil, fmt.Errorf("job index sentinel given but %s is unset", arrayIndexEnv)
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid %s value %q", arrayIndexEnv, v)
		}
		jobIndex = n
	}
	if jobIndex < 0 {
		return nil, fmt.Errorf("negative job index %d", jobIndex)
	}
	if lastJobIndex < NoArray {
		return nil, fmt.Errorf("invalid last job index %d", lastJobIndex)
	}
	return &WorkItem{
		ReservationID:  reservationID,
		Prefix:         prefix,
		JobIndex:       jobIndex,
		LastJobIndex:   lastJobIndex,
		ManifestPath:   manifestPath,
		DataDir:        dataDir,
		ProcessingType: processingType,
		DatasetLabel:   datasetLabel,
	}, nil
}
