// Package entity rebuilds the funder and recipient tables from the CURRENT
// snapshot, folding every organisation reference onto its canonical org-id.
package entity

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/registry"
)

// Store is the persistence the rebuilder needs.
type Store interface {
	Snapshot(ctx context.Context, series model.Series) (*model.Snapshot, error)
	StreamSnapshotGrants(ctx context.Context, series model.Series, fn func(model.Grant) error) error
	ReplaceEntities(ctx context.Context, entities []*model.Entity) error
	StreamEntities(ctx context.Context, kind model.EntityKind, fn func(model.Entity) error) error
}

// Clearer empties the rollup cache.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Result summarises one rebuild.
type Result struct {
	SnapshotID string        `json:"snapshot_id"`
	Grants     int64         `json:"grants"`
	Funders    int           `json:"funders"`
	Recipients int           `json:"recipients"`
	Aliases    int           `json:"aliases"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Rebuilder deletes and rebuilds every entity row.
type Rebuilder struct {
	store    Store
	registry registry.Source
	cache    Clearer
	log      *zap.Logger
}

// NewRebuilder creates a Rebuilder. cache may be nil.
func NewRebuilder(st Store, reg registry.Source, cache Clearer) *Rebuilder {
	return &Rebuilder{
		store:    st,
		registry: reg,
		cache:    cache,
		log:      zap.L().With(zap.String("component", "entity")),
	}
}

// Accumulator folds grants into entities keyed by canonical org-id.
type Accumulator struct {
	aliases    registry.AliasMap
	funders    map[string]*model.Entity
	recipients map[string]*model.Entity
	grants     int64
}

// NewAccumulator creates an empty Accumulator. A nil alias map is allowed.
func NewAccumulator(aliases registry.AliasMap) *Accumulator {
	return &Accumulator{
		aliases:    aliases,
		funders:    make(map[string]*model.Entity),
		recipients: make(map[string]*model.Entity),
	}
}

// Add folds one grant payload in. Every reference counts, so an
// organisation listed twice on a grant is counted twice.
func (a *Accumulator) Add(g model.GrantPayload) {
	a.grants++
	for _, ref := range g.RecipientOrganization {
		a.fold(a.recipients, model.EntityRecipient, ref, g)
	}
	for _, ref := range g.FundingOrganization {
		a.fold(a.funders, model.EntityFunder, ref, g)
	}
}

func (a *Accumulator) fold(into map[string]*model.Entity, kind model.EntityKind, ref model.OrgRef, g model.GrantPayload) {
	if ref.ID == "" {
		return
	}
	id := a.aliases.Canonicalize(ref.ID)
	e, ok := into[id]
	if !ok {
		e = model.NewEntity(kind, id)
		into[id] = e
	}
	e.AddName(ref.Name)
	e.UpdateAggregate(g)
}

// Entity returns the accumulated entity, if any.
func (a *Accumulator) Entity(kind model.EntityKind, orgID string) (*model.Entity, bool) {
	m := a.funders
	if kind == model.EntityRecipient {
		m = a.recipients
	}
	e, ok := m[a.aliases.Canonicalize(orgID)]
	return e, ok
}

// Entities returns funders then recipients, each sorted by org-id.
func (a *Accumulator) Entities() []*model.Entity {
	out := make([]*model.Entity, 0, len(a.funders)+len(a.recipients))
	out = append(out, sorted(a.funders)...)
	return append(out, sorted(a.recipients)...)
}

func sorted(m map[string]*model.Entity) []*model.Entity {
	out := make([]*model.Entity, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out
}

// Rebuild replaces the entity tables with entities derived from the CURRENT
// snapshot. Any failure before the final write leaves existing rows intact.
func (r *Rebuilder) Rebuild(ctx context.Context) (*Result, error) {
	start := time.Now()

	snap, err := r.store.Snapshot(ctx, model.SeriesCurrent)
	if err != nil {
		return nil, eris.Wrap(err, "entity: resolve current snapshot")
	}
	log := r.log.With(zap.String("snapshot_id", snap.ID.String()))

	aliases, err := registry.BuildAliasMap(ctx, r.registry)
	if err != nil {
		return nil, eris.Wrap(err, "entity: build alias map")
	}

	acc := NewAccumulator(aliases)
	err = r.store.StreamSnapshotGrants(ctx, model.SeriesCurrent, func(g model.Grant) error {
		p, err := model.ParseGrantPayload(g.Data)
		if err != nil {
			return eris.Wrapf(err, "entity: decode grant %s", g.GrantID)
		}
		acc.Add(p)
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "entity: stream grants")
	}

	if err := r.store.ReplaceEntities(ctx, acc.Entities()); err != nil {
		return nil, eris.Wrap(err, "entity: replace entities")
	}
	if r.cache != nil {
		if err := r.cache.Clear(ctx); err != nil {
			log.Warn("failed to clear cache after entity rebuild", zap.Error(err))
		}
	}

	res := &Result{
		SnapshotID: snap.ID.String(),
		Grants:     acc.grants,
		Funders:    len(acc.funders),
		Recipients: len(acc.recipients),
		Aliases:    len(aliases),
		Elapsed:    time.Since(start),
	}
	log.Info("rebuilt entities",
		zap.Int64("grants", res.Grants),
		zap.Int("funders", res.Funders),
		zap.Int("recipients", res.Recipients),
		zap.Int("aliases", res.Aliases),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// listed is the JSON-lines shape written by Lister.
type listed struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	AlternativeNames []string              `json:"alternativeNames"`
	Aggregate        model.EntityAggregate `json:"aggregate"`
}

// Lister writes entities as JSON lines.
type Lister struct {
	store Store
}

// NewLister creates a Lister.
func NewLister(st Store) *Lister {
	return &Lister{store: st}
}

// List writes one JSON object per entity of kind to w and returns the number
// written.
func (l *Lister) List(ctx context.Context, kind model.EntityKind, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	err := l.store.StreamEntities(ctx, kind, func(e model.Entity) error {
		if err := enc.Encode(listed{
			ID:               e.OrgID,
			Name:             e.Name,
			AlternativeNames: e.AlternativeNames,
			Aggregate:        e.Aggregate,
		}); err != nil {
			return eris.Wrapf(err, "entity: write %s", e.OrgID)
		}
		n++
		return nil
	})
	if err != nil {
		return n, eris.Wrapf(err, "entity: list %s", kind)
	}
	return n, nil
}
