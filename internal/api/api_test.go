package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feathr-registry/registry/internal/fsm"
	"github.com/feathr-registry/registry/internal/raftnode"
	"github.com/feathr-registry/registry/internal/rbac"
	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := logger.New("test")
	fs := fsm.New(log, nil)
	node, err := raftnode.New(raftnode.Config{
		NodeID:     "1",
		BindAddr:   "127.0.0.1:0",
		AdvertAddr: "127.0.0.1:0",
		DataDir:    t.TempDir(),
	}, fs, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })

	w := httptest.NewRecorder()
	node.Init(w, httptest.NewRequest("POST", "/init", nil))
	require.Equal(t, 200, w.Code)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !node.IsLeader() {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, node.IsLeader(), "node never became leader")

	srv := NewServer(node, fs, log, "/api", false)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

// newRBACTestServer is newTestServer with RBAC enforcement turned on; it
// also returns the underlying state machine so callers can seed grants
// directly against fs.RBAC() without a round trip through the API.
func newRBACTestServer(t *testing.T) (*httptest.Server, *fsm.StateMachine) {
	t.Helper()
	log := logger.New("test")
	fs := fsm.New(log, nil)
	node, err := raftnode.New(raftnode.Config{
		NodeID:     "1",
		BindAddr:   "127.0.0.1:0",
		AdvertAddr: "127.0.0.1:0",
		DataDir:    t.TempDir(),
	}, fs, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })

	w := httptest.NewRecorder()
	node.Init(w, httptest.NewRequest("POST", "/init", nil))
	require.Equal(t, 200, w.Code)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !node.IsLeader() {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, node.IsLeader(), "node never became leader")

	srv := NewServer(node, fs, log, "/api", true)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, fs
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestCreateAndGetProject(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/v1/projects", createProjectRequest{Name: "fraud-detection"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]interface{}
	decodeBody(t, resp, &created)
	require.Equal(t, "fraud-detection", created["qualifiedName"])

	getResp, err := http.Get(ts.URL + "/api/v1/projects/fraud-detection")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestCreateProjectThenDuplicateConflicts(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/v1/projects", createProjectRequest{Name: "dupe"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp2 := postJSON(t, ts, "/api/v1/projects", createProjectRequest{Name: "dupe"})
	defer resp2.Body.Close()
	require.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestGetMissingProjectNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/projects/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFullLineageFlow(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/v1/projects", createProjectRequest{Name: "lineage-proj"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	srcResp := postJSON(t, ts, "/api/v1/projects/lineage-proj/datasources", createSourceRequest{
		Name: "clicks", Path: "s3://bucket/clicks", Type: "parquet",
	})
	require.Equal(t, http.StatusCreated, srcResp.StatusCode)
	var source map[string]interface{}
	decodeBody(t, srcResp, &source)

	groupResp := postJSON(t, ts, "/api/v1/projects/lineage-proj/anchor-groups", createAnchorGroupRequest{
		Name: "click-features", SourceRef: source["id"].(string),
	})
	require.Equal(t, http.StatusCreated, groupResp.StatusCode)
	var group map[string]interface{}
	decodeBody(t, groupResp, &group)

	featResp := postJSON(t, ts, "/api/v1/projects/lineage-proj/anchor-groups/"+group["id"].(string)+"/features", createAnchorFeatureRequest{
		Name: "click_count",
		Type: "INT64",
	})
	require.Equal(t, http.StatusCreated, featResp.StatusCode)
	var feat map[string]interface{}
	decodeBody(t, featResp, &feat)

	derivedResp := postJSON(t, ts, "/api/v1/projects/lineage-proj/features", createDerivedFeatureRequest{
		Name:      "click_rate",
		Type:      "DOUBLE",
		InputRefs: []string{feat["id"].(string)},
	})
	require.Equal(t, http.StatusCreated, derivedResp.StatusCode)
	resp.Body.Close()

	lineageResp, err := http.Get(ts.URL + "/api/v1/projects/lineage-proj/features/lineage-proj__click_rate/lineage")
	require.NoError(t, err)
	defer lineageResp.Body.Close()
	require.Equal(t, http.StatusOK, lineageResp.StatusCode)

	var lineage map[string]interface{}
	decodeBody(t, lineageResp, &lineage)
	nodes, _ := lineage["nodes"].([]interface{})
	// the derived feature itself, its anchor-feature input, and that
	// anchor feature's own Consumes edge to the source it was produced
	// from - lineage walks the full transitive Consumes subgraph.
	require.Len(t, nodes, 3)
}

func TestGrantAndListRole(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/v1/projects", createProjectRequest{Name: "rbac-proj"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	grantResp := postJSON(t, ts, "/api/v1/projects/rbac-proj/roles", grantRoleRequest{
		User: "alice", Role: "Producer", By: "admin",
	})
	defer grantResp.Body.Close()
	require.Equal(t, http.StatusCreated, grantResp.StatusCode)

	listResp, err := http.Get(ts.URL + "/api/v1/projects/rbac-proj/roles")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var records []map[string]interface{}
	decodeBody(t, listResp, &records)
	require.Len(t, records, 1)
	require.Equal(t, "alice", records[0]["userName"])
}

func TestRBACGateRejectsUnauthorizedMutation(t *testing.T) {
	ts, _ := newRBACTestServer(t)

	resp := postJSON(t, ts, "/api/v1/projects", createProjectRequest{Name: "gated"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRBACGateRejectsWrongRole(t *testing.T) {
	ts, fs := newRBACTestServer(t)
	_, err := fs.RBAC().Grant(rbac.GlobalProject, "bob", rbac.RoleConsumer, "admin", "read-only", time.Now())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/projects", jsonBody(t, createProjectRequest{Name: "gated"}))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identityHeader, "bob")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRBACGateAllowsGrantedRole(t *testing.T) {
	ts, fs := newRBACTestServer(t)
	_, err := fs.RBAC().Grant(rbac.GlobalProject, "alice", rbac.RoleAdmin, "admin", "bootstrap", time.Now())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/projects", jsonBody(t, createProjectRequest{Name: "gated"}))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identityHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}
