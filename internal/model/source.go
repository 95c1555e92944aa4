package model

import (
	"encoding/json"
	"time"
)

// SourceFile is one publisher's downloaded dataset within an IngestRun.
// Identifier is stable across runs and is what fallback resolution keys on.
type SourceFile struct {
	ID              int64           `json:"id"`
	RunID           int64           `json:"run_id"`
	Identifier      string          `json:"identifier"`
	PublisherPrefix string          `json:"publisher_prefix"`
	Data            json.RawMessage `json:"data,omitempty"`

	Downloaded        bool `json:"downloaded"`
	SchemaValid       bool `json:"schema_valid"`
	LicenceAcceptable bool `json:"licence_acceptable"`

	FileType string `json:"file_type,omitempty"`
	Modified string `json:"modified,omitempty"`

	Quality   Quality    `json:"quality,omitempty"`
	Aggregate *Aggregate `json:"aggregate,omitempty"`

	// Derived by the store on read.
	GrantCount   int64     `json:"grant_count"`
	RunStartedAt time.Time `json:"run_started_at"`
}

// Eligible reports whether the file may be part of a snapshot: it must have
// downloaded, validated against the schema and carry an acceptable licence.
func (s SourceFile) Eligible() bool {
	return s.Downloaded && s.SchemaValid && s.LicenceAcceptable
}

// Promotable reports whether the file is eligible and actually has grants.
func (s SourceFile) Promotable() bool {
	return s.Eligible() && s.GrantCount > 0
}

// Dataset is one entry of the datagetter's data_all.json listing.
type Dataset struct {
	Identifier         string             `json:"identifier"`
	Title              string             `json:"title"`
	Modified           string             `json:"modified"`
	Publisher          DatasetPublisher   `json:"publisher"`
	DatagetterMetadata DatagetterMetadata `json:"datagetter_metadata"`
}

// DatasetPublisher is the publisher block embedded in a Dataset.
type DatasetPublisher struct {
	Prefix string `json:"prefix"`
	Name   string `json:"name"`
	OrgID  string `json:"org_id,omitempty"`
}

// DatagetterMetadata records what happened when the datagetter fetched a
// dataset. Keys are absent when an earlier step failed, so each flag is a
// pointer and absent means false.
type DatagetterMetadata struct {
	Downloads          *bool  `json:"downloads"`
	Valid              *bool  `json:"valid"`
	AcceptableLicense  *bool  `json:"acceptable_license"`
	FileType           string `json:"file_type"`
	JSON               string `json:"json"`
	DatetimeDownloaded string `json:"datetime_downloaded"`
}

// ValidityFlags returns the three flags with absent keys as false.
func (m DatagetterMetadata) ValidityFlags() (downloaded, valid, licence bool) {
	return deref(m.Downloads), deref(m.Valid), deref(m.AcceptableLicense)
}

func deref(b *bool) bool {
	return b != nil && *b
}

// NewSourceFile classifies a datagetter dataset entry. The flags are
// computed here once and stored; they are never re-derived later.
func NewSourceFile(runID int64, raw json.RawMessage) (SourceFile, Dataset, error) {
	var ds Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return SourceFile{}, Dataset{}, err
	}
	downloaded, valid, licence := ds.DatagetterMetadata.ValidityFlags()
	return SourceFile{
		RunID:             runID,
		Identifier:        ds.Identifier,
		PublisherPrefix:   ds.Publisher.Prefix,
		Data:              raw,
		Downloaded:        downloaded,
		SchemaValid:       valid,
		LicenceAcceptable: licence,
		FileType:          ds.DatagetterMetadata.FileType,
		Modified:          ds.Modified,
	}, ds, nil
}
