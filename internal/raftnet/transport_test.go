package raftnet

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

type stubClusterManager struct{}

func (stubClusterManager) Init(w http.ResponseWriter, r *http.Request)             { w.WriteHeader(http.StatusOK) }
func (stubClusterManager) AddLearner(w http.ResponseWriter, r *http.Request)       { w.WriteHeader(http.StatusOK) }
func (stubClusterManager) ChangeMembership(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
func (stubClusterManager) Metrics(w http.ResponseWriter, r *http.Request)          { w.WriteHeader(http.StatusOK) }

// serveOneRPC answers the first RPC handed to transport's consumer
// channel with resp, simulating what hashicorp/raft's main loop does.
func serveOneRPC(t *testing.T, transport *HTTPTransport, resp interface{}) {
	t.Helper()
	go func() {
		rpc := <-transport.Consumer()
		if rpc.Reader != nil {
			_, _ = io.Copy(io.Discard, rpc.Reader)
		}
		rpc.RespChan <- raft.RPCResponse{Response: resp}
	}()
}

func TestRequestVoteRoundTrip(t *testing.T) {
	serverTransport := NewHTTPTransport("server", logger.New("server"))
	srv := httptest.NewServer(serverTransport.Router(stubClusterManager{}, ""))
	defer srv.Close()

	serveOneRPC(t, serverTransport, &raft.RequestVoteResponse{Term: 3, Granted: true})

	clientTransport := NewHTTPTransport("client", logger.New("client"))
	var resp raft.RequestVoteResponse
	err := clientTransport.RequestVote("server-id", raft.ServerAddress(srv.Listener.Addr().String()), &raft.RequestVoteRequest{Term: 3}, &resp)
	require.NoError(t, err)
	require.Equal(t, uint64(3), resp.Term)
	require.True(t, resp.Granted)
}

func TestAppendEntriesRoundTrip(t *testing.T) {
	serverTransport := NewHTTPTransport("server", logger.New("server"))
	srv := httptest.NewServer(serverTransport.Router(stubClusterManager{}, ""))
	defer srv.Close()

	serveOneRPC(t, serverTransport, &raft.AppendEntriesResponse{Term: 1, Success: true})

	clientTransport := NewHTTPTransport("client", logger.New("client"))
	var resp raft.AppendEntriesResponse
	err := clientTransport.AppendEntries("server-id", raft.ServerAddress(srv.Listener.Addr().String()), &raft.AppendEntriesRequest{Term: 1}, &resp)
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestInstallSnapshotRoundTrip(t *testing.T) {
	serverTransport := NewHTTPTransport("server", logger.New("server"))
	srv := httptest.NewServer(serverTransport.Router(stubClusterManager{}, ""))
	defer srv.Close()

	serveOneRPC(t, serverTransport, &raft.InstallSnapshotResponse{Term: 2, Success: true})

	clientTransport := NewHTTPTransport("client", logger.New("client"))
	var resp raft.InstallSnapshotResponse
	snapData := bytes.NewReader([]byte("snapshot-bytes"))
	err := clientTransport.InstallSnapshot("server-id", raft.ServerAddress(srv.Listener.Addr().String()), &raft.InstallSnapshotRequest{Term: 2}, &resp, snapData)
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestManagementEndpointRequiresCode(t *testing.T) {
	transport := NewHTTPTransport("server", logger.New("server"))
	srv := httptest.NewServer(transport.Router(stubClusterManager{}, "secret"))
	defer srv.Close()

	unauthorized, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer unauthorized.Body.Close()
	require.Equal(t, http.StatusUnauthorized, unauthorized.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("x-registry-management-code", "secret")
	authorized, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authorized.Body.Close()
	require.Equal(t, http.StatusOK, authorized.StatusCode)
}
