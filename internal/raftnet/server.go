package raftnet

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/hashicorp/raft"
)

// ClusterManager is the narrow surface a Raft node exposes to the HTTP
// cluster-management endpoints. internal/raftnode.Node implements it;
// declaring it here (rather than importing raftnode) keeps raftnet a
// leaf package that raftnode can depend on.
type ClusterManager interface {
	Init(w http.ResponseWriter, r *http.Request)
	AddLearner(w http.ResponseWriter, r *http.Request)
	ChangeMembership(w http.ResponseWriter, r *http.Request)
	Metrics(w http.ResponseWriter, r *http.Request)
}

// Router returns a gorilla/mux router serving the four peer RPCs
// (AppendEntries, RequestVote, InstallSnapshot, TimeoutNow) plus
// the cluster-management endpoints, gated behind managementCode when
// non-empty.
func (t *HTTPTransport) Router(mgr ClusterManager, managementCode string) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc(pathAppendEntries, t.handleAppendEntries).Methods(http.MethodPost)
	r.HandleFunc(pathRequestVote, t.handleRequestVote).Methods(http.MethodPost)
	r.HandleFunc(pathInstallSnap, t.handleInstallSnapshot).Methods(http.MethodPost)
	r.HandleFunc(pathTimeoutNow, t.handleTimeoutNow).Methods(http.MethodPost)

	mgmt := r.NewRoute().Subrouter()
	mgmt.Use(managementAuth(managementCode))
	mgmt.HandleFunc("/init", mgr.Init).Methods(http.MethodPost)
	mgmt.HandleFunc("/add-learner", mgr.AddLearner).Methods(http.MethodPost)
	mgmt.HandleFunc("/change-membership", mgr.ChangeMembership).Methods(http.MethodPost)
	mgmt.HandleFunc("/metrics", mgr.Metrics).Methods(http.MethodGet)

	return r
}

// managementAuth enforces the x-registry-management-code header when
// code is non-empty - left open when unset, per the design note that
// the authorization model without a configured secret is unspecified
// and the registry treats an absent secret as "no check required".
func managementAuth(code string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if code != "" && r.Header.Get("x-registry-management-code") != code {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (t *HTTPTransport) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req raft.AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := t.dispatch(&req, nil)
	t.writeRPCResult(w, out, err)
}

func (t *HTTPTransport) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req raft.RequestVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := t.dispatch(&req, nil)
	t.writeRPCResult(w, out, err)
}

func (t *HTTPTransport) handleTimeoutNow(w http.ResponseWriter, r *http.Request) {
	var req raft.TimeoutNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := t.dispatch(&req, nil)
	t.writeRPCResult(w, out, err)
}

// handleInstallSnapshot reads the metadata/body framing written by
// HTTPTransport.InstallSnapshot: the JSON request header is the first
// X-Raft-Meta-Length bytes of the body, the snapshot blob is the rest.
func (t *HTTPTransport) handleInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	metaLen, err := strconv.Atoi(r.Header.Get(headerMetaLength))
	if err != nil {
		http.Error(w, "missing or invalid "+headerMetaLength, http.StatusBadRequest)
		return
	}

	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(r.Body, metaBuf); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req raft.InstallSnapshotRequest
	if err := json.Unmarshal(metaBuf, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := t.dispatch(&req, r.Body)
	t.writeRPCResult(w, out, err)
}

func (t *HTTPTransport) writeRPCResult(w http.ResponseWriter, out interface{}, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
