package store

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-datastore/internal/model"
)

// shortcutInsert mirrors snapshot -> source file -> grant for every readable slot.
const shortcutInsert = `
INSERT INTO snapshot_grants (snapshot_id, grant_id)
SELECT sl.snapshot_id, g.id
FROM snapshot_slots sl
JOIN snapshot_source_files ssf ON ssf.snapshot_id = sl.snapshot_id
JOIN grants g ON g.source_file_id = ssf.source_file_id
WHERE sl.series IN ('CURRENT', 'PREVIOUS')`

func marshalBlobs(q model.Quality, agg *model.Aggregate) (quality, aggregate []byte, err error) {
	if q != nil {
		if quality, err = json.Marshal(q); err != nil {
			return nil, nil, eris.Wrap(err, "store: marshal quality")
		}
	}
	if agg != nil {
		if aggregate, err = json.Marshal(agg); err != nil {
			return nil, nil, eris.Wrap(err, "store: marshal aggregate")
		}
	}
	return quality, aggregate, nil
}

func unmarshalBlobs(sf *model.SourceFile, quality, aggregate []byte) error {
	if len(quality) > 0 {
		if err := json.Unmarshal(quality, &sf.Quality); err != nil {
			return eris.Wrapf(err, "store: decode quality of source file %d", sf.ID)
		}
	}
	if len(aggregate) > 0 {
		sf.Aggregate = &model.Aggregate{}
		if err := json.Unmarshal(aggregate, sf.Aggregate); err != nil {
			return eris.Wrapf(err, "store: decode aggregate of source file %d", sf.ID)
		}
	}
	return nil
}

func decodeEntity(e *model.Entity, names, aggregate []byte) error {
	if len(names) > 0 {
		if err := json.Unmarshal(names, &e.AlternativeNames); err != nil {
			return eris.Wrapf(err, "store: decode names of %s", e.OrgID)
		}
	}
	if e.AlternativeNames == nil {
		e.AlternativeNames = []string{}
	}
	if err := json.Unmarshal(aggregate, &e.Aggregate); err != nil {
		return eris.Wrapf(err, "store: decode aggregate of %s", e.OrgID)
	}
	return nil
}

func setSlot(slots *model.Slots, series model.Series, id uuid.UUID) {
	switch series {
	case model.SeriesNext:
		slots.Next = &id
	case model.SeriesCurrent:
		slots.Current = &id
	case model.SeriesPrevious:
		slots.Previous = &id
	}
}

// nullText maps an empty JSON blob to SQL NULL.
func nullText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
