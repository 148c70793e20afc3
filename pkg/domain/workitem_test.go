package domain

import (
	"strings"
	"testing"
)

func TestNewWorkItemValidation(t *testing.T) {
	tests := []struct {
		name        string
		reservation string
		prefix      string
		jobIndex    int
		lastIndex   int
		ptype       ProcessingType
		dataset     string
		wantErr     string
	}{
		{"array member", "res-1", "prod", 2, 7, ProcessingQuicklook, "VENUS", ""},
		{"single run", "res-1", "prod", 0, NoArray, ProcessingRefined, "VENUS", ""},
		{"uploader only", "", "dev", 0, 0, ProcessingQuicklook, "VENUS", ""},
		{"empty prefix", "res-1", "", 0, 0, ProcessingQuicklook, "VENUS", "empty environment prefix"},
		{"bad processing type", "res-1", "prod", 0, 0, ProcessingType("thumbnail"), "VENUS", "invalid processing type"},
		{"empty dataset", "res-1", "prod", 0, 0, ProcessingQuicklook, "", "empty dataset label"},
		{"negative job index", "res-1", "prod", -3, 0, ProcessingQuicklook, "VENUS", "negative job index"},
		{"last index below sentinel", "res-1", "prod", 0, -2, ProcessingQuicklook, "VENUS", "invalid last job index"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := NewWorkItem(tt.reservation, tt.prefix, tt.jobIndex, tt.lastIndex,
				"manifest.json", "/data", tt.ptype, tt.dataset, "AWS_BATCH_JOB_ARRAY_INDEX")
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewWorkItem: %v", err)
				}
				if item.JobIndex != tt.jobIndex {
					t.Errorf("JobIndex = %d, want %d", item.JobIndex, tt.jobIndex)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewWorkItemResolvesIndexFromEnv(t *testing.T) {
	t.Setenv("AWS_BATCH_JOB_ARRAY_INDEX", "4")

	item, err := NewWorkItem("res-1", "prod", JobIndexFromEnv, 7,
		"manifest.json", "/data", ProcessingRefined, "VENUS", "AWS_BATCH_JOB_ARRAY_INDEX")
	if err != nil {
		t.Fatalf("NewWorkItem: %v", err)
	}
	if item.JobIndex != 4 {
		t.Errorf("JobIndex = %d, want 4", item.JobIndex)
	}
}

func TestNewWorkItemSentinelWithoutEnv(t *testing.T) {
	t.Setenv("AWS_BATCH_JOB_ARRAY_INDEX", "")

	if _, err := NewWorkItem("res-1", "prod", JobIndexFromEnv, 7,
		"manifest.json", "/data", ProcessingRefined, "VENUS", "AWS_BATCH_JOB_ARRAY_INDEX"); err == nil {
		t.Fatal("sentinel without the environment variable must fail")
	}

	t.Setenv("AWS_BATCH_JOB_ARRAY_INDEX", "not-a-number")
	if _, err := NewWorkItem("res-1", "prod", JobIndexFromEnv, 7,
		"manifest.json", "/data", ProcessingRefined, "VENUS", "AWS_BATCH_JOB_ARRAY_INDEX"); err == nil {
		t.Fatal("non-numeric array index must fail")
	}
}

func TestEnumsMarshalAsPlainStrings(t *testing.T) {
	if b, _ := ReservationActive.MarshalBinary(); string(b) != "ACTIVE" {
		t.Errorf("ReservationActive binary = %q", b)
	}
	if b, _ := ReleasedNow.MarshalText(); string(b) != "RELEASED_NOW" {
		t.Errorf("ReleasedNow text = %q", b)
	}
	if b, _ := AlreadyReleased.MarshalBinary(); string(b) != "ALREADY_RELEASED" {
		t.Errorf("AlreadyReleased binary = %q", b)
	}
}
