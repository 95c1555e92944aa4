package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Series names one of the three snapshot slots.
type Series string

const (
	SeriesNext     Series = "NEXT"
	SeriesCurrent  Series = "CURRENT"
	SeriesPrevious Series = "PREVIOUS"
)

// ParseSeries converts "current", "CURRENT", ... into a Series.
func ParseSeries(s string) (Series, error) {
	switch s {
	case "NEXT", "next":
		return SeriesNext, nil
	case "CURRENT", "current":
		return SeriesCurrent, nil
	case "PREVIOUS", "previous":
		return SeriesPrevious, nil
	default:
		return "", eris.Errorf("unknown series: %q (valid: next, current, previous)", s)
	}
}

// Readable reports whether consumers may read this slot. NEXT is never
// visible outside a promotion.
func (s Series) Readable() bool {
	return s == SeriesCurrent || s == SeriesPrevious
}

// Snapshot is an immutable, chosen set of SourceFiles. Slots point at
// snapshots; snapshots are never relabelled.
type Snapshot struct {
	ID         uuid.UUID `json:"id"`
	RunID      int64     `json:"run_id"`
	CreatedAt  time.Time `json:"created_at"`
	GrantCount int64     `json:"grant_count"`
	Series     Series    `json:"series,omitempty"`
}

// Slots is the state of the three named references.
type Slots struct {
	Next     *uuid.UUID
	Current  *uuid.UUID
	Previous *uuid.UUID
}

// Rotate promotes Next to Current and Current to Previous. It returns the
// snapshot that fell off the end (the old Previous), if any. Rotating with
// no Next is an error and leaves the slots untouched.
func (s *Slots) Rotate() (evicted *uuid.UUID, err error) {
	if s.Next == nil {
		return nil, eris.New("model: rotate with empty NEXT slot")
	}
	evicted = s.Previous
	s.Previous = s.Current
	s.Current = s.Next
	s.Next = nil
	return evicted, nil
}

// Get returns the snapshot id a slot points at.
func (s Slots) Get(series Series) *uuid.UUID {
	switch series {
	case SeriesNext:
		return s.Next
	case SeriesCurrent:
		return s.Current
	case SeriesPrevious:
		return s.Previous
	default:
		return nil
	}
}
