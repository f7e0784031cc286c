package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantAndEffectiveRoles(t *testing.T) {
	tbl := New()
	_, err := tbl.Grant("proj1", "alice", RoleProducer, "admin", "onboarding", time.Now())
	require.NoError(t, err)

	assert.True(t, tbl.Has("proj1", "alice", RoleProducer))
	assert.False(t, tbl.Has("proj1", "alice", RoleAdmin))
	assert.False(t, tbl.Has("proj2", "alice", RoleProducer))
}

func TestGlobalGrantAppliesEverywhere(t *testing.T) {
	tbl := New()
	_, err := tbl.Grant(GlobalProject, "bob", RoleAdmin, "root", "bootstrap", time.Now())
	require.NoError(t, err)

	assert.True(t, tbl.Has("proj1", "bob", RoleAdmin))
	assert.True(t, tbl.Has("anything", "bob", RoleAdmin))
}

func TestRevokeIsSoftDelete(t *testing.T) {
	tbl := New()
	rec, err := tbl.Grant("proj1", "alice", RoleConsumer, "admin", "grant", time.Now())
	require.NoError(t, err)

	require.NoError(t, tbl.Revoke(rec.RecordID, "admin", "offboarding", time.Now()))
	assert.False(t, tbl.Has("proj1", "alice", RoleConsumer))

	all := tbl.List("proj1")
	require.Len(t, all, 1)
	assert.True(t, all[0].Deleted())

	err = tbl.Revoke(rec.RecordID, "admin", "again", time.Now())
	require.Error(t, err, "double revoke must fail")
}

func TestSnapshotRoundTrip(t *testing.T) {
	tbl := New()
	_, err := tbl.Grant("proj1", "alice", RoleProducer, "admin", "r1", time.Now())
	require.NoError(t, err)
	rec2, err := tbl.Grant("proj1", "bob", RoleConsumer, "admin", "r2", time.Now())
	require.NoError(t, err)
	require.NoError(t, tbl.Revoke(rec2.RecordID, "admin", "r3", time.Now()))

	snap := tbl.Snapshot()
	restored := New()
	restored.Restore(snap)

	assert.True(t, restored.Has("proj1", "alice", RoleProducer))
	assert.False(t, restored.Has("proj1", "bob", RoleConsumer))
	assert.Equal(t, tbl.List(""), restored.List(""))
}
