package mirror

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feathr-registry/registry/internal/graph"
	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

func TestQueueAppliesWritesForSameKeyInOrder(t *testing.T) {
	b, err := Open("sqlite://file::memory:?cache=shared", testTables())
	require.NoError(t, err)
	defer b.Close()

	q := NewQueue(b, logger.New("test"))
	defer q.Close()

	versions := []string{"v1", "v2", "v3"}
	for _, v := range versions {
		e := &graph.Entity{
			Header:  graph.Header{ID: "e1", QualifiedName: v, Kind: graph.KindProject},
			Project: &graph.ProjectAttributes{},
		}
		q.UpsertEntity(e)
	}

	require.Eventually(t, func() bool {
		loaded, err := b.LoadEntities()
		return err == nil && len(loaded) == 1 && loaded[0].QualifiedName == "v3"
	}, 2*time.Second, 10*time.Millisecond, "last enqueued write for a key must win")
}

func TestQueueUsesOneWorkerPerKey(t *testing.T) {
	b, err := Open("sqlite://file::memory:?cache=shared", testTables())
	require.NoError(t, err)
	defer b.Close()

	q := NewQueue(b, logger.New("test"))
	defer q.Close()

	first := q.worker("a")
	second := q.worker("a")
	require.Equal(t, first, second, "the same key must reuse its worker channel")

	other := q.worker("b")
	require.NotEqual(t, first, other, "distinct keys get distinct workers")
}

func TestQueueRBACWritesShareOneKey(t *testing.T) {
	b, err := Open("sqlite://file::memory:?cache=shared", testTables())
	require.NoError(t, err)
	defer b.Close()

	q := NewQueue(b, logger.New("test"))
	defer q.Close()

	q.UpsertRoles(nil)
	q.UpsertRoles(nil)

	q.mu.Lock()
	n := len(q.workers)
	q.mu.Unlock()
	require.Equal(t, 1, n)
}
