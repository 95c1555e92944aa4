package model

import (
	"encoding/json"
	"strings"
	"time"
)

// InternalOrgIDPrefix marks org-ids minted by publishers rather than taken
// from an external register.
const InternalOrgIDPrefix = "360G"

// Grant is one grant record as loaded from a SourceFile.
type Grant struct {
	ID             int64           `json:"id"`
	GrantID        string          `json:"grant_id"`
	RunID          int64           `json:"run_id"`
	SourceFileID   int64           `json:"source_file_id"`
	PublisherID    int64           `json:"publisher_id"`
	Data           json.RawMessage `json:"data"`
	AdditionalData json.RawMessage `json:"additional_data,omitempty"`

	// Denormalized for membership queries.
	RecipientOrgIDs []string `json:"recipient_org_ids"`
	FundingOrgIDs   []string `json:"funding_org_ids"`
	PublisherOrgID  string   `json:"publisher_org_id,omitempty"`
}

// Publisher is one publisher (by prefix) within an IngestRun.
type Publisher struct {
	ID        int64           `json:"id"`
	RunID     int64           `json:"run_id"`
	Prefix    string          `json:"prefix"`
	Name      string          `json:"name"`
	OrgID     string          `json:"org_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Quality   json.RawMessage `json:"quality,omitempty"`
	Aggregate json.RawMessage `json:"aggregate,omitempty"`
}

// OrgRef is a funder or recipient reference inside a grant payload.
type OrgRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GrantPayload is the subset of the canonical grant payload this system
// reads. Everything else is kept opaque in Grant.Data.
type GrantPayload struct {
	ID                    string   `json:"id"`
	Currency              string   `json:"currency"`
	AmountAwarded         *float64 `json:"amountAwarded"`
	AwardDate             string   `json:"awardDate"`
	RecipientOrganization []OrgRef `json:"recipientOrganization"`
	FundingOrganization   []OrgRef `json:"fundingOrganization"`
}

// ParseGrantPayload decodes the fields of a grant payload this system uses.
func ParseGrantPayload(raw json.RawMessage) (GrantPayload, error) {
	var p GrantPayload
	err := json.Unmarshal(raw, &p)
	return p, err
}

// RecipientIDs returns the non-empty recipient org-ids.
func (p GrantPayload) RecipientIDs() []string {
	return orgIDs(p.RecipientOrganization)
}

// FunderIDs returns the non-empty funding org-ids.
func (p GrantPayload) FunderIDs() []string {
	return orgIDs(p.FundingOrganization)
}

func orgIDs(refs []OrgRef) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// AwardDay parses the award date at day precision. Both full timestamps and
// bare dates are accepted.
func (p GrantPayload) AwardDay() (time.Time, bool) {
	s := strings.TrimSpace(p.AwardDate)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	if len(s) >= 10 {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// OrgIDPrefix returns the registration-scheme prefix of an org-id, e.g.
// "GB-CHC" for "GB-CHC-1234" and "360G" for "360G-example".
func OrgIDPrefix(orgID string) string {
	if strings.HasPrefix(orgID, InternalOrgIDPrefix) {
		return InternalOrgIDPrefix
	}
	parts := strings.SplitN(orgID, "-", 3)
	if len(parts) < 3 {
		return parts[0]
	}
	return parts[0] + "-" + parts[1]
}
