package promote

import (
	"context"
	"errors"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/store"
)

// ErrShortcutMismatch is returned when the shortcut table of a readable slot
// differs from the snapshot -> source file -> grant join.
var ErrShortcutMismatch = eris.New("promote: shortcut does not mirror snapshot grants")

// ShortcutStore reads both sides of the grant shortcut.
type ShortcutStore interface {
	Snapshot(ctx context.Context, series model.Series) (*model.Snapshot, error)
	ShortcutGrantIDs(ctx context.Context, series model.Series) ([]int64, error)
	JoinGrantIDs(ctx context.Context, series model.Series) ([]int64, error)
}

// SeriesCheck is the shortcut comparison for one slot.
type SeriesCheck struct {
	Series   model.Series `json:"series"`
	Shortcut int          `json:"shortcut"`
	Joined   int          `json:"joined"`
	Missing  int          `json:"missing"`
	Extra    int          `json:"extra"`
}

// VerifyShortcut compares the shortcut table against the full join for
// CURRENT and PREVIOUS. Empty slots are skipped. Any difference yields
// ErrShortcutMismatch alongside the per-slot counts.
func VerifyShortcut(ctx context.Context, st ShortcutStore) ([]SeriesCheck, error) {
	var checks []SeriesCheck
	mismatch := false
	for _, series := range []model.Series{model.SeriesCurrent, model.SeriesPrevious} {
		if _, err := st.Snapshot(ctx, series); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, eris.Wrapf(err, "promote: verify %s", series)
		}
		shortcut, err := st.ShortcutGrantIDs(ctx, series)
		if err != nil {
			return nil, eris.Wrapf(err, "promote: shortcut ids of %s", series)
		}
		joined, err := st.JoinGrantIDs(ctx, series)
		if err != nil {
			return nil, eris.Wrapf(err, "promote: joined ids of %s", series)
		}
		c := SeriesCheck{Series: series, Shortcut: len(shortcut), Joined: len(joined)}
		c.Missing, c.Extra = diffSorted(joined, shortcut)
		if c.Missing > 0 || c.Extra > 0 {
			mismatch = true
		}
		checks = append(checks, c)
	}
	if mismatch {
		return checks, ErrShortcutMismatch
	}
	return checks, nil
}

// diffSorted counts ids of want absent from got and ids of got absent from
// want.
func diffSorted(want, got []int64) (missing, extra int) {
	want, got = slices.Clone(want), slices.Clone(got)
	slices.Sort(want)
	slices.Sort(got)
	i, j := 0, 0
	for i < len(want) && j < len(got) {
		switch {
		case want[i] == got[j]:
			i++
			j++
		case want[i] < got[j]:
			missing++
			i++
		default:
			extra++
			j++
		}
	}
	return missing + len(want) - i, extra + len(got) - j
}
