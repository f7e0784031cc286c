package graph

import (
	"encoding/json"
	"sort"
)

// snapshotWire is the serialized form of the whole store: entities plus
// the edge list. Indexes (qnToID, projectKind, adjacency, insertion
// order) are derived state and are rebuilt deterministically from these
// on Restore rather than serialized directly.
type snapshotWire struct {
	Entities []*Entity `json:"entities"`
	Edges    []Edge    `json:"edges"`
}

// Snapshot serializes the full graph (entities and edges); Restore
// rebuilds the indexes from them.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	// Stable order by insertion sequence so byte-identical snapshots
	// result from byte-identical states.
	sort.Slice(ids, func(i, j int) bool { return s.order[ids[i]] < s.order[ids[j]] })

	w := snapshotWire{Entities: make([]*Entity, 0, len(ids))}
	for _, id := range ids {
		w.Entities = append(w.Entities, s.byID[id])
	}
	for _, id := range ids {
		for _, t := range []EdgeType{EdgeBelongsTo, EdgeContains, EdgeConsumes, EdgeProduces} {
			for _, other := range s.outEdges[id][t] {
				w.Edges = append(w.Edges, Edge{From: id, To: other, Type: t})
			}
		}
	}
	return json.Marshal(w)
}

// BuildSnapshot marshals an explicit entity/edge set into the same wire
// format Snapshot produces, so a caller outside this package (the SQL
// mirror's load-on-start path) can hand it straight to Restore without
// reaching into unexported fields.
func BuildSnapshot(entities []*Entity, edges []Edge) ([]byte, error) {
	return json.Marshal(snapshotWire{Entities: entities, Edges: edges})
}

// Restore replaces the store's state atomically from a snapshot
// produced by Snapshot.
func (s *Store) Restore(data []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	fresh := New()
	for i, e := range w.Entities {
		fresh.byID[e.ID] = e
		fresh.qnToID[e.QualifiedName] = e.ID
		fresh.seq = uint64(i + 1)
		fresh.order[e.ID] = fresh.seq
		if e.ProjectID != "" {
			byKind, ok := fresh.projectKind[e.ProjectID]
			if !ok {
				byKind = make(map[Kind]map[string]struct{})
				fresh.projectKind[e.ProjectID] = byKind
			}
			ids, ok := byKind[e.Kind]
			if !ok {
				ids = make(map[string]struct{})
				byKind[e.Kind] = ids
			}
			ids[e.ID] = struct{}{}
		}
	}
	for _, edge := range w.Edges {
		fresh.addEdgeLocked(fresh.outEdges, edge.From, edge.Type, edge.To)
		fresh.addEdgeLocked(fresh.inEdges, edge.To, edge.Type, edge.From)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = fresh.byID
	s.qnToID = fresh.qnToID
	s.projectKind = fresh.projectKind
	s.outEdges = fresh.outEdges
	s.inEdges = fresh.inEdges
	s.seq = fresh.seq
	s.order = fresh.order
	return nil
}
