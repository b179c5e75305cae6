package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the cluster-side state of a submitted job as seen by the poller.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusActive    JobStatus = "ACTIVE"
	StatusReady     JobStatus = "READY"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
	StatusUnknown   JobStatus = "UNKNOWN"
)

// Terminal reports whether no further observation can change the status.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ReplicaCounts are the pod counters reported on a batch Job status.
type ReplicaCounts struct {
	Failed    int32 `json:"failed"`
	Active    int32 `json:"active"`
	Ready     int32 `json:"ready"`
	Succeeded int32 `json:"succeeded"`
}

// Observation is the result of one status check.
type Observation struct {
	Status      JobStatus
	Counts      ReplicaCounts
	Completions int32
	// LookupErr is set when the resource could not be read (Status is PENDING).
	LookupErr error
}

// Classify maps replica counts to a status. Failed pods win over everything,
// so a job with failed=1 and succeeded=expected is FAILED.
func Classify(c ReplicaCounts, expected int32) JobStatus {
	switch {
	case c.Failed > 0:
		return StatusFailed
	case c.Active > 0:
		return StatusActive
	case c.Ready > 0:
		return StatusReady
	case c.Succeeded == expected:
		return StatusSucceeded
	default:
		return StatusUnknown
	}
}

// ClusterState is the latest observation of a job as published to the
// status cache and watch stream.
type ClusterState struct {
	JobID        uuid.UUID     `json:"job_id"`
	StepName     string        `json:"step_name"`
	ExternalName string        `json:"external_name"`
	Status       JobStatus     `json:"status"`
	Counts       ReplicaCounts `json:"counts"`
	Completions  int32         `json:"completions"`
	ObservedAt   time.Time     `json:"observed_at"`
}
