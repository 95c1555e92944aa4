package model

import (
	"time"
)

// IngestRun is one batch collection pass. It owns the Publishers,
// SourceFiles and Grants created while it was loaded.
type IngestRun struct {
	ID        int64     `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Archived  bool      `json:"archived"`
}

// RunSummary adds derived counts to an IngestRun for listings.
type RunSummary struct {
	IngestRun
	SourceFiles int64 `json:"source_files"`
	Grants      int64 `json:"grants"`
	InUse       bool  `json:"in_use"`
}

// StatusValue is the state of a tracked process (datagetter, datastore, ...).
type StatusValue string

const (
	StatusIdle        StatusValue = "idle"
	StatusInProgress  StatusValue = "in progress"
	StatusLoadingData StatusValue = "loading data"
	StatusComplete    StatusValue = "complete"
	StatusReady       StatusValue = "ready"
)

// Well-known status subjects.
const (
	StatusWhatDatagetter  = "datagetter"
	StatusWhatDatastore   = "datastore"
	StatusWhatDataPackage = "grantnav_data_package"
)

// ParseStatusValue accepts either the stored value ("in progress") or its
// constant-style name ("IN_PROGRESS").
func ParseStatusValue(s string) (StatusValue, bool) {
	switch s {
	case "idle", "IDLE":
		return StatusIdle, true
	case "in progress", "IN_PROGRESS":
		return StatusInProgress, true
	case "loading data", "LOADING_DATA":
		return StatusLoadingData, true
	case "complete", "COMPLETE":
		return StatusComplete, true
	case "ready", "READY":
		return StatusReady, true
	default:
		return "", false
	}
}

// Status is a named progress flag polled by downstream consumers.
type Status struct {
	What      string      `json:"what"`
	Status    StatusValue `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}
