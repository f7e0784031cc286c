package raftnode

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feathr-registry/registry/internal/fsm"
	"github.com/feathr-registry/registry/internal/graph"
	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

func newTestNode(t *testing.T) (*Node, *fsm.StateMachine) {
	t.Helper()
	log := logger.New("test")
	fs := fsm.New(log, nil)
	node, err := New(Config{
		NodeID:     "1",
		BindAddr:   "127.0.0.1:0",
		AdvertAddr: "127.0.0.1:0",
		DataDir:    t.TempDir(),
	}, fs, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })
	return node, fs
}

func bootstrapAndWaitLeader(t *testing.T, node *Node) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/init", nil)
	node.Init(w, req)
	require.Equal(t, 200, w.Code)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if node.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("node never became leader")
}

func TestSingleNodeBootstrapAndApply(t *testing.T) {
	node, fs := newTestNode(t)
	bootstrapAndWaitLeader(t, node)

	payload := fsm.CreateProjectPayload{
		ID:        "p1",
		Timestamp: time.Now(),
		Def:       graph.ProjectDef{QualifiedName: "proj-one", Name: "proj-one"},
	}
	data, err := fsm.Encode(fsm.CmdCreateProject, payload)
	require.NoError(t, err)

	res, err := node.Apply(data, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Equal(t, "p1", res.ID)

	e, err := fs.Graph().Get("p1")
	require.NoError(t, err)
	require.Equal(t, "proj-one", e.QualifiedName)
}

func TestBarrierAfterApply(t *testing.T) {
	node, _ := newTestNode(t)
	bootstrapAndWaitLeader(t, node)

	require.NoError(t, node.Barrier(2*time.Second))
}

func TestMetricsReportsLeaderState(t *testing.T) {
	node, _ := newTestNode(t)
	bootstrapAndWaitLeader(t, node)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	node.Metrics(w, req)
	require.Equal(t, 200, w.Code)
	require.Contains(t, w.Body.String(), `"state":"Leader"`)
}

func TestInitRefusedWhenNoInitSet(t *testing.T) {
	log := logger.New("test")
	fs := fsm.New(log, nil)
	node, err := New(Config{
		NodeID:     "1",
		BindAddr:   "127.0.0.1:0",
		AdvertAddr: "127.0.0.1:0",
		DataDir:    t.TempDir(),
		NoInit:     true,
	}, fs, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/init", nil)
	node.Init(w, req)
	require.Equal(t, 409, w.Code)
}
