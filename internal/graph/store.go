package graph

import (
	"sort"
	"sync"
)

// Store is the in-memory typed directed multigraph of feature registry
// entities: a single-writer, strictly-invariant-checked graph of
// projects, sources, anchor groups, anchor features, and derived
// features. It is a pure function of the sequence of applied commands
// (entity ids and timestamps are supplied by the caller, never
// generated here), so that every replica of internal/fsm reconstructs
// bit-identical state from the same committed log.
//
// All mutation methods hold the write lock for their entire duration and
// either succeed completely or leave the store entirely unchanged.
type Store struct {
	mu sync.RWMutex

	byID   map[string]*Entity
	qnToID map[string]string

	// (project_id, kind) -> ids, secondary index for child listing.
	projectKind map[string]map[Kind]map[string]struct{}

	outEdges map[string]map[EdgeType][]string
	inEdges  map[string]map[EdgeType][]string

	seq   uint64
	order map[string]uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		byID:        make(map[string]*Entity),
		qnToID:      make(map[string]string),
		projectKind: make(map[string]map[Kind]map[string]struct{}),
		outEdges:    make(map[string]map[EdgeType][]string),
		inEdges:     make(map[string]map[EdgeType][]string),
		order:       make(map[string]uint64),
	}
}

func (s *Store) resolveLocked(ref string) (*Entity, error) {
	if e, ok := s.byID[ref]; ok {
		return e, nil
	}
	if id, ok := s.qnToID[ref]; ok {
		return s.byID[id], nil
	}
	return nil, newErr(ErrEntityNotFound, "no entity with id or qualified name %q", ref)
}

func (s *Store) indexInsertLocked(e *Entity) {
	s.byID[e.ID] = e
	s.qnToID[e.QualifiedName] = e.ID
	s.seq++
	s.order[e.ID] = s.seq

	if e.ProjectID != "" {
		byKind, ok := s.projectKind[e.ProjectID]
		if !ok {
			byKind = make(map[Kind]map[string]struct{})
			s.projectKind[e.ProjectID] = byKind
		}
		ids, ok := byKind[e.Kind]
		if !ok {
			ids = make(map[string]struct{})
			byKind[e.Kind] = ids
		}
		ids[e.ID] = struct{}{}
	}
}

func (s *Store) addEdgePairLocked(from, to string, t EdgeType) {
	s.addEdgeLocked(s.outEdges, from, t, to)
	s.addEdgeLocked(s.inEdges, to, t, from)

	inv := t.Inverse()
	s.addEdgeLocked(s.outEdges, to, inv, from)
	s.addEdgeLocked(s.inEdges, from, inv, to)
}

func (s *Store) addEdgeLocked(m map[string]map[EdgeType][]string, id string, t EdgeType, other string) {
	byType, ok := m[id]
	if !ok {
		byType = make(map[EdgeType][]string)
		m[id] = byType
	}
	byType[t] = append(byType[t], other)
}

// qnCollidesLocked reports whether qn is already in use by an entity.
func (s *Store) qnCollidesLocked(qn string) bool {
	_, ok := s.qnToID[qn]
	return ok
}

// NewProject creates a Project entity with the given leader-assigned id.
func (s *Store) NewProject(id string, def ProjectDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.qnCollidesLocked(def.QualifiedName) {
		return newErr(ErrAlreadyExists, "qualified name %q already exists", def.QualifiedName)
	}

	e := &Entity{
		Header: Header{
			ID:            id,
			QualifiedName: def.QualifiedName,
			Name:          def.Name,
			DisplayName:   def.DisplayName,
			Kind:          KindProject,
			Tags:          cloneTags(def.Tags),
		},
		Project: &ProjectAttributes{},
	}
	s.indexInsertLocked(e)
	return nil
}

// NewSource creates a Source entity under projectRef (id or qualified
// name), binding it via BelongsTo/Contains.
func (s *Store) NewSource(id string, projectRef string, def SourceDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.resolveLocked(projectRef)
	if err != nil {
		return err
	}
	if project.Kind != KindProject {
		return newErr(ErrInvalidKind, "%q is a %s, not a Project", projectRef, project.Kind)
	}
	if s.qnCollidesLocked(def.QualifiedName) {
		return newErr(ErrAlreadyExists, "qualified name %q already exists", def.QualifiedName)
	}

	e := &Entity{
		Header: Header{
			ID:            id,
			QualifiedName: def.QualifiedName,
			Name:          def.Name,
			DisplayName:   def.DisplayName,
			Kind:          KindSource,
			Tags:          cloneTags(def.Tags),
			ProjectID:     project.ID,
		},
		Source: &SourceAttributes{
			Path:                 def.Path,
			Preprocessing:        def.Preprocessing,
			EventTimestampColumn: def.EventTimestampColumn,
			TimestampFormat:      def.TimestampFormat,
			Type:                 def.Type,
			Options:              cloneTags(def.Options),
		},
	}
	s.indexInsertLocked(e)
	s.addEdgePairLocked(project.ID, e.ID, EdgeContains)
	return nil
}

// NewAnchorGroup creates an AnchorGroup entity under projectRef, whose
// SourceRef must resolve to a Source.
func (s *Store) NewAnchorGroup(id string, projectRef string, def AnchorGroupDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.resolveLocked(projectRef)
	if err != nil {
		return err
	}
	if project.Kind != KindProject {
		return newErr(ErrInvalidKind, "%q is a %s, not a Project", projectRef, project.Kind)
	}
	source, err := s.resolveLocked(def.SourceRef)
	if err != nil {
		return err
	}
	if source.Kind != KindSource {
		return newErr(ErrInvalidKind, "%q is a %s, not a Source", def.SourceRef, source.Kind)
	}
	if s.qnCollidesLocked(def.QualifiedName) {
		return newErr(ErrAlreadyExists, "qualified name %q already exists", def.QualifiedName)
	}

	e := &Entity{
		Header: Header{
			ID:            id,
			QualifiedName: def.QualifiedName,
			Name:          def.Name,
			DisplayName:   def.DisplayName,
			Kind:          KindAnchorGroup,
			Tags:          cloneTags(def.Tags),
			ProjectID:     project.ID,
		},
		AnchorGroup: &AnchorGroupAttributes{SourceID: source.ID},
	}
	s.indexInsertLocked(e)
	s.addEdgePairLocked(project.ID, e.ID, EdgeContains)
	return nil
}

// NewAnchorFeature creates an AnchorFeature under groupRef, wiring
// BelongsTo/Contains to the group and Consumes/Produces to the group's
// source.
func (s *Store) NewAnchorFeature(id string, groupRef string, def AnchorFeatureDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, err := s.resolveLocked(groupRef)
	if err != nil {
		return err
	}
	if group.Kind != KindAnchorGroup {
		return newErr(ErrInvalidKind, "%q is a %s, not an AnchorGroup", groupRef, group.Kind)
	}
	for _, k := range def.Keys {
		if k.KeyColumn == "" {
			return newErr(ErrInvalidKind, "typed key missing key column")
		}
	}
	if s.qnCollidesLocked(def.QualifiedName) {
		return newErr(ErrAlreadyExists, "qualified name %q already exists", def.QualifiedName)
	}

	e := &Entity{
		Header: Header{
			ID:            id,
			QualifiedName: def.QualifiedName,
			Name:          def.Name,
			DisplayName:   def.DisplayName,
			Kind:          KindAnchorFeature,
			Tags:          cloneTags(def.Tags),
			ProjectID:     group.ProjectID,
		},
		AnchorFeature: &AnchorFeatureAttributes{
			Type:           def.Type,
			Transformation: def.Transformation,
			Keys:           append([]TypedKey(nil), def.Keys...),
		},
	}
	s.indexInsertLocked(e)
	s.addEdgePairLocked(group.ID, e.ID, EdgeContains)
	s.addEdgePairLocked(group.AnchorGroup.SourceID, e.ID, EdgeProduces)
	return nil
}

// NewDerivedFeature creates a DerivedFeature under projectRef, consuming
// each input in def.InputRefs. The acyclicity check runs before any
// state is mutated.
func (s *Store) NewDerivedFeature(id string, projectRef string, def DerivedFeatureDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.resolveLocked(projectRef)
	if err != nil {
		return err
	}
	if project.Kind != KindProject {
		return newErr(ErrInvalidKind, "%q is a %s, not a Project", projectRef, project.Kind)
	}

	inputs := make([]*Entity, 0, len(def.InputRefs))
	for _, ref := range def.InputRefs {
		// The candidate id cannot resolve yet (it isn't inserted), so a
		// ref naming it directly - e.g. a replayed or forged log entry -
		// would otherwise surface as ErrEntityNotFound instead of the
		// cycle it actually describes.
		if ref == id {
			return newErr(ErrCycleDetected, "input %q is the entity's own id", ref)
		}
		in, err := s.resolveLocked(ref)
		if err != nil {
			return err
		}
		if in.ID == id {
			return newErr(ErrCycleDetected, "input %q resolves to the entity's own id", ref)
		}
		if in.Kind != KindAnchorFeature && in.Kind != KindDerivedFeature {
			return newErr(ErrInvalidKind, "%q is a %s, not a feature", ref, in.Kind)
		}
		inputs = append(inputs, in)
	}
	for _, k := range def.Keys {
		if k.KeyColumn == "" {
			return newErr(ErrInvalidKind, "typed key missing key column")
		}
	}
	if s.qnCollidesLocked(def.QualifiedName) {
		return newErr(ErrAlreadyExists, "qualified name %q already exists", def.QualifiedName)
	}

	// Acyclicity: the new Consumes edges all point the same direction
	// (new -> input), so the only way this entity can land on its own
	// Consumes subgraph is the self-reference case already rejected
	// above. Still walk each input's existing subgraph for id, in case
	// a future caller inserts the entity before calling NewDerivedFeature
	// or id was previously used and freed.
	for _, in := range inputs {
		if s.reachableViaConsumesLocked(in.ID, id) {
			return newErr(ErrCycleDetected, "input %q would create a Consumes cycle", in.QualifiedName)
		}
	}

	e := &Entity{
		Header: Header{
			ID:            id,
			QualifiedName: def.QualifiedName,
			Name:          def.Name,
			DisplayName:   def.DisplayName,
			Kind:          KindDerivedFeature,
			Tags:          cloneTags(def.Tags),
			ProjectID:     project.ID,
		},
		DerivedFeature: &DerivedFeatureAttributes{
			Type:           def.Type,
			Transformation: def.Transformation,
			Keys:           append([]TypedKey(nil), def.Keys...),
			InputIDs:       make([]string, 0, len(inputs)),
		},
	}
	s.indexInsertLocked(e)
	s.addEdgePairLocked(project.ID, e.ID, EdgeContains)
	for _, in := range inputs {
		e.DerivedFeature.InputIDs = append(e.DerivedFeature.InputIDs, in.ID)
		s.addEdgePairLocked(e.ID, in.ID, EdgeConsumes)
	}
	return nil
}

// reachableViaConsumesLocked reports whether target is reachable from
// start by following Consumes edges - i.e. whether admitting
// start -Consumes-> target would close a cycle.
func (s *Store) reachableViaConsumesLocked(start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]struct{}{start: {}}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range s.outEdges[cur][EdgeConsumes] {
			if next == target {
				return true
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

// DeleteEntity removes id. It is rejected if the entity still has
// Contains children or inbound Consumes edges - only leaves of the
// containment and dependency graphs may be deleted.
func (s *Store) DeleteEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return newErr(ErrEntityNotFound, "no entity with id %q", id)
	}
	if len(s.outEdges[id][EdgeContains]) > 0 {
		return newErr(ErrInUse, "%q has children", e.QualifiedName)
	}
	if len(s.inEdges[id][EdgeConsumes]) > 0 {
		return newErr(ErrInUse, "%q has dependent derived features", e.QualifiedName)
	}

	// Remove this id from the reverse side of every edge it participates
	// in: id's outEdges[t] entries each have a matching inEdges[other][t]
	// back-reference (same type, not its inverse - the inverse edge was
	// already registered as its own separate entry in outEdges/inEdges by
	// addEdgePairLocked), and symmetrically for inEdges.
	for edgeType, others := range s.outEdges[id] {
		for _, other := range others {
			s.inEdges[other][edgeType] = removeOne(s.inEdges[other][edgeType], id)
		}
	}
	for edgeType, others := range s.inEdges[id] {
		for _, other := range others {
			s.outEdges[other][edgeType] = removeOne(s.outEdges[other][edgeType], id)
		}
	}
	delete(s.outEdges, id)
	delete(s.inEdges, id)

	if e.ProjectID != "" {
		if byKind, ok := s.projectKind[e.ProjectID]; ok {
			if ids, ok := byKind[e.Kind]; ok {
				delete(ids, id)
			}
		}
	}
	delete(s.byID, id)
	delete(s.qnToID, e.QualifiedName)
	delete(s.order, id)
	return nil
}

func removeOne(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// TagEntity merges tags into an existing entity - the one mutation
// allowed after creation.
func (s *Store) TagEntity(id string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return newErr(ErrEntityNotFound, "no entity with id %q", id)
	}
	if e.Tags == nil {
		e.Tags = make(map[string]string, len(tags))
	}
	for k, v := range tags {
		e.Tags[k] = v
	}
	return nil
}

// Get resolves idOrQN to a defensive copy of the entity.
func (s *Store) Get(idOrQN string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.resolveLocked(idOrQN)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// GetNeighbors returns the ids reachable by one hop of edgeType from id,
// in insertion order.
func (s *Store) GetNeighbors(id string, edgeType EdgeType) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byID[id]; !ok {
		return nil, newErr(ErrEntityNotFound, "no entity with id %q", id)
	}
	out := s.outEdges[id][edgeType]
	return append([]string(nil), out...), nil
}

// GetProjectChildren returns every entity of kind under projectID.
func (s *Store) GetProjectChildren(projectID string, kind Kind) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byID[projectID]; !ok {
		return nil, newErr(ErrEntityNotFound, "no entity with id %q", projectID)
	}
	ids := s.projectKind[projectID][kind]
	out := make([]*Entity, 0, len(ids))
	for id := range ids {
		out = append(out, s.byID[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

// ListByKind returns every entity of kind in the store, in insertion
// order. Used for top-level listings (e.g. all projects) that have no
// parent to scope the search to.
func (s *Store) ListByKind(kind Kind) []*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entity, 0)
	for _, e := range s.byID {
		if e.Kind == kind {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out
}

// Lineage is the transitive Consumes subgraph rooted at an entity.
type Lineage struct {
	Root  string    `json:"root"`
	Nodes []*Entity `json:"nodes"`
	Edges []Edge    `json:"edges"`
}

// GetLineage walks Consumes edges up to depth hops (depth <= 0 means
// unbounded), breaking ties at equal depth by insertion order.
func (s *Store) GetLineage(id string, depth int) (*Lineage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byID[id]; !ok {
		return nil, newErr(ErrEntityNotFound, "no entity with id %q", id)
	}

	type frontierItem struct {
		id    string
		depth int
	}
	visited := map[string]struct{}{id: {}}
	lineage := &Lineage{Root: id}
	queue := []frontierItem{{id, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if depth > 0 && cur.depth >= depth {
			continue
		}
		next := append([]string(nil), s.outEdges[cur.id][EdgeConsumes]...)
		sort.Slice(next, func(i, j int) bool { return s.order[next[i]] < s.order[next[j]] })
		for _, n := range next {
			lineage.Edges = append(lineage.Edges, Edge{From: cur.id, To: n, Type: EdgeConsumes})
			if _, ok := visited[n]; ok {
				continue
			}
			visited[n] = struct{}{}
			queue = append(queue, frontierItem{n, cur.depth + 1})
		}
	}
	ids := make([]string, 0, len(visited))
	for v := range visited {
		ids = append(ids, v)
	}
	sort.Slice(ids, func(i, j int) bool { return s.order[ids[i]] < s.order[ids[j]] })
	for _, v := range ids {
		lineage.Nodes = append(lineage.Nodes, s.byID[v].Clone())
	}
	return lineage, nil
}
