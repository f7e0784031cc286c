package graph

import (
	"sort"
	"strings"
)

// SearchHit pairs a matched entity with its rank score.
type SearchHit struct {
	Entity *Entity
	Score  float64
}

// Search performs a ranked full-text scan over qualified_name, name,
// tags, and attribute text, optionally restricted to scope (a project
// id). This index is kept in-process rather than delegated to an
// external search engine: it costs nothing beyond a linear scan at
// query time and the registry has no other dependency on one.
func (s *Store) Search(query string, scope string) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}

	var hits []SearchHit
	for id, e := range s.byID {
		if scope != "" && e.ProjectID != scope && id != scope {
			continue
		}
		score := scoreEntity(e, q)
		if score > 0 {
			hits = append(hits, SearchHit{Entity: e.Clone(), Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return s.order[hits[i].Entity.ID] < s.order[hits[j].Entity.ID]
	})
	return hits, nil
}

func scoreEntity(e *Entity, q string) float64 {
	var score float64
	score += matchWeight(e.QualifiedName, q, 3)
	score += matchWeight(e.Name, q, 2)
	score += matchWeight(e.DisplayName, q, 1)
	for k, v := range e.Tags {
		score += matchWeight(k, q, 0.5)
		score += matchWeight(v, q, 0.5)
	}
	score += attributeMatchWeight(e, q)
	return score
}

func matchWeight(field, q string, weight float64) float64 {
	if field == "" {
		return 0
	}
	lower := strings.ToLower(field)
	if lower == q {
		return weight * 3
	}
	if strings.HasPrefix(lower, q) {
		return weight * 2
	}
	if strings.Contains(lower, q) {
		return weight
	}
	return 0
}

func attributeMatchWeight(e *Entity, q string) float64 {
	switch e.Kind {
	case KindSource:
		w := matchWeight(e.Source.Path, q, 0.5)
		w += matchWeight(e.Source.Type, q, 0.5)
		for k, v := range e.Source.Options {
			w += matchWeight(k, q, 0.25)
			w += matchWeight(v, q, 0.25)
		}
		return w
	case KindAnchorFeature:
		return matchWeight(e.AnchorFeature.Transformation.Expression, q, 0.5)
	case KindDerivedFeature:
		return matchWeight(e.DerivedFeature.Transformation.Expression, q, 0.5)
	default:
		return 0
	}
}
