package model

import (
	"sort"
	"time"
)

// EntityKind distinguishes the two entity tables that share one shape.
type EntityKind string

const (
	EntityFunder    EntityKind = "funder"
	EntityRecipient EntityKind = "recipient"
)

// ParseEntityKind validates an entity kind name.
func ParseEntityKind(s string) (EntityKind, bool) {
	switch s {
	case "funder":
		return EntityFunder, true
	case "recipient":
		return EntityRecipient, true
	default:
		return "", false
	}
}

// EntityAggregate is the financial/date roll-up of one organisation.
type EntityAggregate struct {
	GrantCount   int64                         `json:"grants"`
	MinAwardDate *time.Time                    `json:"min_award_date,omitempty"`
	MaxAwardDate *time.Time                    `json:"max_award_date,omitempty"`
	Currencies   map[string]*CurrencyAggregate `json:"currencies"`
}

// Entity is a funder or recipient keyed by canonical org-id.
type Entity struct {
	Kind             EntityKind      `json:"kind"`
	OrgID            string          `json:"org_id"`
	Name             string          `json:"name"`
	AlternativeNames []string        `json:"alternative_names"`
	Aggregate        EntityAggregate `json:"aggregate"`
}

// NewEntity returns an empty entity ready to accumulate grants.
func NewEntity(kind EntityKind, orgID string) *Entity {
	return &Entity{
		Kind:             kind,
		OrgID:            orgID,
		AlternativeNames: []string{},
		Aggregate:        EntityAggregate{Currencies: map[string]*CurrencyAggregate{}},
	}
}

// AddName records a name seen for this entity. The first non-empty name
// becomes primary; later names that differ by exact string become
// alternatives. No fuzzy matching is attempted.
func (e *Entity) AddName(name string) {
	if name == "" {
		return
	}
	if e.Name == "" {
		e.Name = name
		return
	}
	if name == e.Name {
		return
	}
	i := sort.SearchStrings(e.AlternativeNames, name)
	if i < len(e.AlternativeNames) && e.AlternativeNames[i] == name {
		return
	}
	e.AlternativeNames = append(e.AlternativeNames, "")
	copy(e.AlternativeNames[i+1:], e.AlternativeNames[i:])
	e.AlternativeNames[i] = name
}

// UpdateAggregate folds one grant into the entity's aggregate.
func (e *Entity) UpdateAggregate(g GrantPayload) {
	agg := &e.Aggregate
	agg.GrantCount++

	if day, ok := g.AwardDay(); ok {
		if agg.MinAwardDate == nil || day.Before(*agg.MinAwardDate) {
			d := day
			agg.MinAwardDate = &d
		}
		if agg.MaxAwardDate == nil || day.After(*agg.MaxAwardDate) {
			d := day
			agg.MaxAwardDate = &d
		}
	}

	if g.Currency == "" || g.AmountAwarded == nil {
		return
	}
	if agg.Currencies == nil {
		agg.Currencies = map[string]*CurrencyAggregate{}
	}
	bucket, ok := agg.Currencies[g.Currency]
	if !ok {
		bucket = &CurrencyAggregate{}
		agg.Currencies[g.Currency] = bucket
	}
	bucket.Add(*g.AmountAwarded)
}
