// Package registry turns an organisation registry's linked-id groups into an
// alias map from secondary org-ids to canonical ones.
package registry

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Source lists linked-id groups. The first id of each group is the primary.
type Source interface {
	LinkedIDGroups(ctx context.Context) ([][]string, error)
}

// Groups is a fixed in-memory Source.
type Groups [][]string

// LinkedIDGroups implements Source.
func (g Groups) LinkedIDGroups(context.Context) ([][]string, error) {
	return g, nil
}

// AliasMap maps non-canonical org-ids to their canonical id. Canonical ids
// never appear as keys, so lookups are idempotent.
type AliasMap map[string]string

// Canonicalize returns the canonical id for orgID, or orgID itself when it
// has no alias.
func (m AliasMap) Canonicalize(orgID string) string {
	if canon, ok := m[orgID]; ok {
		return canon
	}
	return orgID
}

// BuildAliasMap loads every group from src and builds the alias map. A
// failure to reach the registry is returned as is; callers must not write
// anything derived from a partial map.
func BuildAliasMap(ctx context.Context, src Source) (AliasMap, error) {
	groups, err := src.LinkedIDGroups(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "registry: load linked id groups")
	}
	return NewAliasMap(groups), nil
}

// NewAliasMap maps every non-first id of each group to the group's first id.
// When groups overlap the later group wins. Chains (a→b, b→c) collapse to
// their end and a cycle collapses to its lexicographically smallest member.
func NewAliasMap(groups [][]string) AliasMap {
	log := zap.L().With(zap.String("component", "registry"))

	next := make(map[string]string)
	for _, g := range groups {
		ids := cleanIDs(g)
		if len(ids) == 0 {
			log.Debug("skipping empty linked id group")
			continue
		}
		for _, id := range ids[1:] {
			if id != ids[0] {
				next[id] = ids[0]
			}
		}
	}

	// Visit keys in sorted order so logging is stable.
	keys := make([]string, 0, len(next))
	for k := range next {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	root := make(map[string]string, len(next))
	cycles := 0
	for _, k := range keys {
		if _, ok := root[k]; ok {
			continue
		}
		var path []string
		seen := make(map[string]int)
		cur := k
		var canon string
		for {
			if r, ok := root[cur]; ok {
				canon = r
				break
			}
			if i, ok := seen[cur]; ok {
				canon = minID(path[i:])
				cycles++
				break
			}
			nxt, ok := next[cur]
			if !ok {
				canon = cur
				break
			}
			seen[cur] = len(path)
			path = append(path, cur)
			cur = nxt
		}
		for _, id := range path {
			root[id] = canon
		}
		root[canon] = canon
	}

	out := make(AliasMap, len(next))
	for id, canon := range root {
		if id != canon {
			out[id] = canon
		}
	}
	if cycles > 0 {
		log.Warn("broke alias cycles in linked id groups", zap.Int("cycles", cycles))
	}
	return out
}

func cleanIDs(g []string) []string {
	ids := make([]string, 0, len(g))
	for _, id := range g {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func minID(ids []string) string {
	m := ids[0]
	for _, id := range ids[1:] {
		if id < m {
			m = id
		}
	}
	return m
}
