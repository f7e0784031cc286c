// Package raftnode wraps hashicorp/raft into the registry's Raft Node:
// bootstrap, learner-then-promote membership changes, linearizable
// reads via a log barrier (raft.Barrier), and the cluster-management HTTP
// handlers raftnet.Router dispatches to. Grounded on
// services/mesh/internal/consensus/group.go's Group, generalized from
// its Postgres/Redis-backed single-group model to one embedded-storage
// Raft group per process.
package raftnode

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/raft"

	"github.com/feathr-registry/registry/internal/fsm"
	"github.com/feathr-registry/registry/internal/raftnet"
	"github.com/feathr-registry/registry/internal/raftstore"
	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

// Config holds one node's Raft wiring parameters.
type Config struct {
	NodeID      string
	BindAddr    string // address this node's transport listens on
	AdvertAddr  string // address advertised to peers (--ext-http-addr)
	DataDir     string
	NoInit      bool
	Seeds       []string
}

// Node owns the hashicorp/raft instance, its FSM, and its transport.
type Node struct {
	cfg       Config
	raft      *raft.Raft
	fsm       *fsm.StateMachine
	transport *raftnet.HTTPTransport
	stores    *raftstore.Stores
	logger    *logger.Logger
}

// New creates and starts a Raft node. It does not bootstrap a cluster;
// call Init (or rely on a seed already in the cluster adding this node
// as a learner) to join one.
func New(cfg Config, fs *fsm.StateMachine, log *logger.Logger) (*Node, error) {
	stores, err := raftstore.Open(cfg.DataDir, cfg.NodeID, nil)
	if err != nil {
		return nil, fmt.Errorf("open raft stores: %w", err)
	}

	transport := raftnet.NewHTTPTransport(cfg.AdvertAddr, log)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 50 * time.Millisecond
	raftConfig.ElectionTimeout = 200 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 50 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond

	r, err := raft.NewRaft(raftConfig, fs, stores.Log, stores.Stable, stores.Snapshot, transport)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("create raft instance: %w", err)
	}

	return &Node{
		cfg:       cfg,
		raft:      r,
		fsm:       fs,
		transport: transport,
		stores:    stores,
		logger:    log,
	}, nil
}

// Transport exposes the HTTP transport so the caller can mount its
// Router alongside the client API on the same listener.
func (n *Node) Transport() *raftnet.HTTPTransport { return n.transport }

// IsLeader reports whether this node currently holds leadership.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// LeaderHint returns the address and id the client API should redirect
// mutations to, or ("", "") if no leader is currently known.
func (n *Node) LeaderHint() (addr, id string) {
	a, i := n.raft.LeaderWithID()
	return string(a), string(i)
}

// Apply proposes cmd as a new log entry and waits up to timeout for it
// to commit and apply, returning the *fsm.ApplyResult the state machine
// produced.
func (n *Node) Apply(cmd []byte, timeout time.Duration) (*fsm.ApplyResult, error) {
	future := n.raft.Apply(cmd, timeout)
	if err := future.Error(); err != nil {
		return nil, err
	}
	res, ok := future.Response().(*fsm.ApplyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response type %T", future.Response())
	}
	return res, nil
}

// Barrier blocks until all preceding operations have applied, giving
// read-after-write linearizability for a subsequent local read. It
// commits a barrier entry through the log; it does not use a
// heartbeat-quorum read index.
func (n *Node) Barrier(timeout time.Duration) error {
	return n.raft.Barrier(timeout).Error()
}

// Shutdown stops the Raft instance and releases its stores.
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return err
	}
	return n.stores.Close()
}

// --- cluster management: internal/raftnet.ClusterManager ---

// Init bootstraps a fresh single-node cluster containing only this
// node. It refuses if --no-init was set or the cluster already has a
// configuration.
func (n *Node) Init(w http.ResponseWriter, r *http.Request) {
	if n.cfg.NoInit {
		http.Error(w, "bootstrap disabled by --no-init", http.StatusConflict)
		return
	}

	cfgFuture := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(n.cfg.NodeID), Address: raft.ServerAddress(n.cfg.AdvertAddr)},
		},
	}
	if err := n.raft.BootstrapCluster(cfgFuture).Error(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// AddLearner accepts a ["id", "addr"] pair and adds it to the cluster
// as a non-voting learner, per the two-step membership change: it
// receives the log before it is ever asked to vote.
func (n *Node) AddLearner(w http.ResponseWriter, r *http.Request) {
	var pair [2]string
	if err := json.NewDecoder(r.Body).Decode(&pair); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !n.IsLeader() {
		n.redirectNotLeader(w, r)
		return
	}
	future := n.raft.AddNonvoter(raft.ServerID(pair[0]), raft.ServerAddress(pair[1]), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ChangeMembership accepts a list of node ids and promotes each to a
// voter with its own AddVoter configuration change, one log entry per
// id, each committed under the configuration before it. Every id must
// already be in the configuration (e.g. as a learner). There is no
// joint-consensus step, and servers missing from the list are not
// removed.
func (n *Node) ChangeMembership(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !n.IsLeader() {
		n.redirectNotLeader(w, r)
		return
	}

	servers := make([]raft.Server, 0, len(ids))
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	addrByID := make(map[string]raft.ServerAddress, len(cfgFuture.Configuration().Servers))
	for _, srv := range cfgFuture.Configuration().Servers {
		addrByID[string(srv.ID)] = srv.Address
	}
	for _, id := range ids {
		addr, ok := addrByID[id]
		if !ok {
			http.Error(w, fmt.Sprintf("unknown server id %q: add as a learner first", id), http.StatusConflict)
			return
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Suffrage: raft.Voter, Address: addr})
	}

	if err := n.applyMembership(servers); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (n *Node) applyMembership(servers []raft.Server) error {
	for _, srv := range servers {
		if err := n.raft.AddVoter(srv.ID, srv.Address, 0, 10*time.Second).Error(); err != nil {
			return err
		}
	}
	return nil
}

// Metrics reports term, leader, last log index, last applied index,
// and the current membership.
func (n *Node) Metrics(w http.ResponseWriter, r *http.Request) {
	stats := n.raft.Stats()
	leaderAddr, leaderID := n.LeaderHint()
	lastIndex, lastTerm := n.fsm.LastApplied()

	cfgFuture := n.raft.GetConfiguration()
	var members []string
	if cfgFuture.Error() == nil {
		for _, srv := range cfgFuture.Configuration().Servers {
			members = append(members, fmt.Sprintf("%s@%s", srv.ID, srv.Address))
		}
	}

	resp := map[string]interface{}{
		"term":           stats["term"],
		"state":          n.raft.State().String(),
		"leader_addr":    leaderAddr,
		"leader_id":      leaderID,
		"last_log_index": n.raft.LastIndex(),
		"last_applied":   lastIndex,
		"last_term":      lastTerm,
		"members":        members,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *Node) redirectNotLeader(w http.ResponseWriter, r *http.Request) {
	addr, id := n.LeaderHint()
	if addr == "" {
		http.Error(w, "no leader known", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("X-Raft-Leader-ID", id)
	http.Redirect(w, r, "http://"+addr+r.URL.Path, http.StatusTemporaryRedirect)
}
