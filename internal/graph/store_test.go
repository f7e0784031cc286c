package graph

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newID() string { return uuid.NewString() }

func mustProject(t *testing.T, s *Store, qn string) string {
	t.Helper()
	id := newID()
	require.NoError(t, s.NewProject(id, ProjectDef{QualifiedName: qn, Name: qn}))
	return id
}

func mustSource(t *testing.T, s *Store, project, qn string) string {
	t.Helper()
	id := newID()
	require.NoError(t, s.NewSource(id, project, SourceDef{QualifiedName: qn, Name: qn, Path: "/tmp/x", Type: "HDFS"}))
	return id
}

func mustAnchorGroup(t *testing.T, s *Store, project, source, qn string) string {
	t.Helper()
	id := newID()
	require.NoError(t, s.NewAnchorGroup(id, project, AnchorGroupDef{QualifiedName: qn, Name: qn, SourceRef: source}))
	return id
}

func mustAnchorFeature(t *testing.T, s *Store, group, qn string) string {
	t.Helper()
	id := newID()
	require.NoError(t, s.NewAnchorFeature(id, group, AnchorFeatureDef{
		QualifiedName: qn, Name: qn, Type: ValueTypeFloat,
		Transformation: Transformation{Expression: "1+1"},
	}))
	return id
}

func mustDerivedFeature(t *testing.T, s *Store, project, qn string, inputs ...string) (string, error) {
	t.Helper()
	id := newID()
	err := s.NewDerivedFeature(id, project, DerivedFeatureDef{
		QualifiedName: qn, Name: qn, Type: ValueTypeFloat,
		Transformation: Transformation{Expression: "f(x)"},
		InputRefs:      inputs,
	})
	return id, err
}

func TestQualifiedNameUniqueness(t *testing.T) {
	s := New()
	mustProject(t, s, "p1")
	err := s.NewProject(newID(), ProjectDef{QualifiedName: "p1", Name: "p1"})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrAlreadyExists, kind)
}

func TestQualifiedNameRoundTrip(t *testing.T) {
	s := New()
	id := mustProject(t, s, "p1")
	got, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	got2, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "p1", got2.QualifiedName)
}

func TestInversePairsAlwaysCreated(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	src := mustSource(t, s, p, "p1__src")

	children, err := s.GetNeighbors(p, EdgeContains)
	require.NoError(t, err)
	assert.Contains(t, children, src)

	parents, err := s.GetNeighbors(src, EdgeBelongsTo)
	require.NoError(t, err)
	assert.Contains(t, parents, p)
}

func TestDanglingReferenceRejected(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	err := s.NewAnchorGroup(newID(), p, AnchorGroupDef{QualifiedName: "p1__g", Name: "g", SourceRef: "does-not-exist"})
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrEntityNotFound, kind)
}

func TestInvalidKindRejected(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	src := mustSource(t, s, p, "p1__src")
	// a Source is not a valid parent for another Source.
	err := s.NewSource(newID(), src, SourceDef{QualifiedName: "p1__src2", Name: "src2", Path: "/x", Type: "HDFS"})
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrInvalidKind, kind)
}

func TestCycleRejectionSelfReference(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	src := mustSource(t, s, p, "p1__src")
	group := mustAnchorGroup(t, s, p, src, "p1__g")
	anchor := mustAnchorFeature(t, s, group, "p1__anchor")
	_ = anchor

	// A leader-assigned id used as both the new entity's own id and one
	// of its inputs (e.g. a replayed or forged log entry) must be
	// rejected rather than silently admitted.
	id := newID()
	err := s.NewDerivedFeature(id, p, DerivedFeatureDef{
		QualifiedName:  "p1__selfref",
		Name:           "selfref",
		Type:           ValueTypeFloat,
		Transformation: Transformation{Expression: "f(x)"},
		InputRefs:      []string{id},
	})
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrCycleDetected, kind)

	_, getErr := s.Get("p1__selfref")
	require.Error(t, getErr, "rejected create must leave no partial state")
}

func TestTransitiveConsumesChainIsDetectable(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	src := mustSource(t, s, p, "p1__src")
	group := mustAnchorGroup(t, s, p, src, "p1__g")
	anchor := mustAnchorFeature(t, s, group, "p1__anchor")

	a, err := mustDerivedFeature(t, s, p, "p1__A", anchor)
	require.NoError(t, err)
	b, err := mustDerivedFeature(t, s, p, "p1__B", a)
	require.NoError(t, err)

	assert.True(t, s.reachableViaConsumesLocked(b, a), "b transitively consumes a")
	assert.True(t, s.reachableViaConsumesLocked(b, anchor), "b transitively consumes anchor")
	assert.False(t, s.reachableViaConsumesLocked(anchor, b), "anchor does not consume b")
}

func TestDeleteProtection(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	_ = mustSource(t, s, p, "p1__src")

	err := s.DeleteEntity(p)
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrInUse, kind)
}

func TestDeleteProtectionOnConsumedFeature(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	src := mustSource(t, s, p, "p1__src")
	group := mustAnchorGroup(t, s, p, src, "p1__g")
	anchor := mustAnchorFeature(t, s, group, "p1__anchor")
	_, err := mustDerivedFeature(t, s, p, "p1__A", anchor)
	require.NoError(t, err)

	err = s.DeleteEntity(anchor)
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrInUse, kind)
}

func TestDeleteLeafSucceeds(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	src := mustSource(t, s, p, "p1__src")
	group := mustAnchorGroup(t, s, p, src, "p1__g")
	anchor := mustAnchorFeature(t, s, group, "p1__anchor")

	require.NoError(t, s.DeleteEntity(anchor))
	_, err := s.Get(anchor)
	require.Error(t, err)

	children, err := s.GetNeighbors(group, EdgeContains)
	require.NoError(t, err)
	assert.NotContains(t, children, anchor)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	src := mustSource(t, s, p, "p1__src")
	group := mustAnchorGroup(t, s, p, src, "p1__g")
	anchor := mustAnchorFeature(t, s, group, "p1__anchor")
	_, err := mustDerivedFeature(t, s, p, "p1__A", anchor)
	require.NoError(t, err)

	data, err := s.Snapshot()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Restore(data))

	for _, id := range []string{p, src, group, anchor} {
		want, err := s.Get(id)
		require.NoError(t, err)
		got, err := restored.Get(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	wantChildren, _ := s.GetProjectChildren(p, KindSource)
	gotChildren, _ := restored.GetProjectChildren(p, KindSource)
	assert.Equal(t, wantChildren, gotChildren)
}

func TestGetLineage(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	src := mustSource(t, s, p, "p1__src")
	group := mustAnchorGroup(t, s, p, src, "p1__g")
	anchor := mustAnchorFeature(t, s, group, "p1__anchor")
	a, err := mustDerivedFeature(t, s, p, "p1__A", anchor)
	require.NoError(t, err)
	b, err := mustDerivedFeature(t, s, p, "p1__B", a)
	require.NoError(t, err)

	lineage, err := s.GetLineage(b, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(lineage.Nodes))
	for _, n := range lineage.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Contains(t, ids, b)
	assert.Contains(t, ids, a)
	assert.Contains(t, ids, anchor)
}

func TestTagEntity(t *testing.T) {
	s := New()
	p := mustProject(t, s, "p1")
	require.NoError(t, s.TagEntity(p, map[string]string{"env": "prod"}))
	got, err := s.Get(p)
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Tags["env"])
}

func TestSearchRanksQualifiedNameOverTag(t *testing.T) {
	s := New()
	mustProject(t, s, "checkout_features")
	p2 := mustProject(t, s, "unrelated")
	require.NoError(t, s.TagEntity(p2, map[string]string{"topic": "checkout"}))

	hits, err := s.Search("checkout", "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "checkout_features", hits[0].Entity.QualifiedName)
}
