// Package fsm implements the replicated state machine: it translates
// committed Raft log entries into internal/graph.Store and
// internal/rbac.Table mutations and answers read queries against them.
// Grounded on services/mesh/internal/consensus/fsm/fsm.go's
// StateMachine, whose Command envelope, switch-on-type Apply dispatch,
// and Snapshot/Restore pairing are kept verbatim in shape and
// generalized from its toy {Members, Config} state to the full graph +
// RBAC state.
package fsm

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/raft"

	"github.com/feathr-registry/registry/internal/graph"
	"github.com/feathr-registry/registry/internal/mirror"
	"github.com/feathr-registry/registry/internal/rbac"
	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

// ApplyResult is the value returned from Apply and retrieved by callers
// through raft.ApplyFuture.Response(). A non-nil Err means the command
// was rejected by the store - the log index still advances regardless,
// since Raft records the entry as applied whether or not the store
// accepted it.
type ApplyResult struct {
	ID  string
	Err error
}

// StateMachine is the raft.FSM implementation wrapping the entity graph
// and the RBAC table.
type StateMachine struct {
	logger *logger.Logger
	graph  *graph.Store
	rbac   *rbac.Table
	mirror mirror.Backend // optional write-through target, may be nil

	lastIndex uint64
	lastTerm  uint64
}

// New creates a state machine with empty graph and RBAC state. mirror
// may be nil if SQL write-through is disabled.
func New(log *logger.Logger, mir mirror.Backend) *StateMachine {
	return &StateMachine{
		logger: log,
		graph:  graph.New(),
		rbac:   rbac.New(),
		mirror: mir,
	}
}

// LoadBootstrap replaces the graph and RBAC state directly from rows
// read off the SQL mirror's load-on-start path, bypassing the Raft log
// entirely. Only one node in a cluster should do this - callers are
// responsible for targeting disjoint databases or running it on a
// single node.
func (s *StateMachine) LoadBootstrap(entities []*graph.Entity, edges []graph.Edge, roles []*rbac.Record) error {
	snap, err := graph.BuildSnapshot(entities, edges)
	if err != nil {
		return err
	}
	if err := s.graph.Restore(snap); err != nil {
		return err
	}
	s.rbac.Restore(&rbac.TableSnapshot{Records: roles, NextID: maxRecordID(roles)})
	return nil
}

func maxRecordID(records []*rbac.Record) uint64 {
	var max uint64
	for _, r := range records {
		if r.RecordID > max {
			max = r.RecordID
		}
	}
	return max
}

// Graph exposes the underlying store for read queries (internal/api)
// and for the Raft node's forwarding decisions.
func (s *StateMachine) Graph() *graph.Store { return s.graph }

// RBAC exposes the underlying RBAC table for read queries.
func (s *StateMachine) RBAC() *rbac.Table { return s.rbac }

// LastApplied returns the index/term of the most recently applied
// command, required by the Raft Node for snapshot bookkeeping.
func (s *StateMachine) LastApplied() (uint64, uint64) {
	return atomic.LoadUint64(&s.lastIndex), atomic.LoadUint64(&s.lastTerm)
}

// Apply implements raft.FSM.
func (s *StateMachine) Apply(l *raft.Log) interface{} {
	atomic.StoreUint64(&s.lastIndex, l.Index)
	atomic.StoreUint64(&s.lastTerm, l.Term)

	if l.Type != raft.LogCommand {
		return nil
	}

	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		s.logger.Errorf("failed to unmarshal log entry %d: %v", l.Index, err)
		return &ApplyResult{Err: err}
	}

	id, err := s.dispatch(cmd)
	if err != nil {
		s.logger.Warnf("command %s at index %d rejected: %v", cmd.Type, l.Index, err)
	} else if s.mirror != nil {
		s.enqueueMirror(cmd, id)
	}
	return &ApplyResult{ID: id, Err: err}
}

func (s *StateMachine) dispatch(cmd Command) (string, error) {
	switch cmd.Type {
	case CmdCreateProject:
		var p CreateProjectPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return "", err
		}
		if err := s.graph.NewProject(p.ID, p.Def); err != nil {
			return "", err
		}
		return p.ID, nil

	case CmdCreateSource:
		var p CreateSourcePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return "", err
		}
		if err := s.graph.NewSource(p.ID, p.ProjectRef, p.Def); err != nil {
			return "", err
		}
		return p.ID, nil

	case CmdCreateAnchor:
		var p CreateAnchorPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return "", err
		}
		if err := s.graph.NewAnchorGroup(p.ID, p.ProjectRef, p.Def); err != nil {
			return "", err
		}
		return p.ID, nil

	case CmdCreateAnchorFeature:
		var p CreateAnchorFeaturePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return "", err
		}
		if err := s.graph.NewAnchorFeature(p.ID, p.GroupRef, p.Def); err != nil {
			return "", err
		}
		return p.ID, nil

	case CmdCreateDerivedFeature:
		var p CreateDerivedFeaturePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return "", err
		}
		if err := s.graph.NewDerivedFeature(p.ID, p.ProjectRef, p.Def); err != nil {
			return "", err
		}
		return p.ID, nil

	case CmdDeleteEntity:
		var p DeleteEntityPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return "", err
		}
		if err := s.graph.DeleteEntity(p.ID); err != nil {
			return "", err
		}
		return p.ID, nil

	case CmdTagEntity:
		var p TagEntityPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return "", err
		}
		if err := s.graph.TagEntity(p.ID, p.Tags); err != nil {
			return "", err
		}
		return p.ID, nil

	case CmdGrantRole:
		var p GrantRolePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return "", err
		}
		rec, err := s.rbac.Grant(p.Project, p.User, p.Role, p.By, p.Reason, p.At)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", rec.RecordID), nil

	case CmdRevokeRole:
		var p RevokeRolePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return "", err
		}
		if err := s.rbac.Revoke(p.RecordID, p.By, p.Reason, p.At); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", p.RecordID), nil

	default:
		return "", fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// enqueueMirror fires the SQL write-through for a successfully applied
// graph mutation. It never blocks Apply: mirror.Backend implementations
// own their own queueing and retry.
func (s *StateMachine) enqueueMirror(cmd Command, id string) {
	switch cmd.Type {
	case CmdCreateProject, CmdCreateSource, CmdCreateAnchor, CmdCreateAnchorFeature, CmdCreateDerivedFeature, CmdTagEntity:
		e, err := s.graph.Get(id)
		if err != nil {
			return
		}
		s.mirror.UpsertEntity(e)
		for _, edge := range s.entityEdges(e) {
			s.mirror.UpsertEdge(edge)
		}
	case CmdDeleteEntity:
		s.mirror.DeleteEntity(id)
	case CmdGrantRole, CmdRevokeRole:
		s.mirror.UpsertRoles(s.rbac.List(""))
	}
}

// entityEdges returns both directions of every edge e.ID participates
// in. GetNeighbors(e.ID, t) only surfaces the side where e.ID is the
// "from" of t (e.g. a freshly created child only has outgoing BelongsTo/
// Consumes edges, never the parent's Contains/Produces side) - the
// mirror's Restore/BuildSnapshot path adds rows verbatim with no
// inverse synthesis, so both directions must be emitted here or the
// parent-side adjacency is lost on reload.
func (s *StateMachine) entityEdges(e *graph.Entity) []graph.Edge {
	var edges []graph.Edge
	for _, t := range []graph.EdgeType{graph.EdgeBelongsTo, graph.EdgeContains, graph.EdgeConsumes, graph.EdgeProduces} {
		out, err := s.graph.GetNeighbors(e.ID, t)
		if err != nil {
			continue
		}
		for _, other := range out {
			edges = append(edges, graph.Edge{From: e.ID, To: other, Type: t})
			edges = append(edges, graph.Edge{From: other, To: e.ID, Type: t.Inverse()})
		}
	}
	return edges
}

// snapshotWire is the whole FSM's serialized form.
type snapshotWire struct {
	Graph     json.RawMessage       `json:"graph"`
	RBAC      *rbac.TableSnapshot   `json:"rbac"`
	LastIndex uint64                `json:"lastIndex"`
	LastTerm  uint64                `json:"lastTerm"`
}

// Snapshot implements raft.FSM.
func (s *StateMachine) Snapshot() (raft.FSMSnapshot, error) {
	graphBytes, err := s.graph.Snapshot()
	if err != nil {
		return nil, err
	}
	w := snapshotWire{
		Graph:     graphBytes,
		RBAC:      s.rbac.Snapshot(),
		LastIndex: atomic.LoadUint64(&s.lastIndex),
		LastTerm:  atomic.LoadUint64(&s.lastTerm),
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore implements raft.FSM. Snapshot install replaces the store
// atomically.
func (s *StateMachine) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	newGraph := graph.New()
	if err := newGraph.Restore(w.Graph); err != nil {
		return err
	}
	newRBAC := rbac.New()
	newRBAC.Restore(w.RBAC)

	s.graph = newGraph
	s.rbac = newRBAC
	atomic.StoreUint64(&s.lastIndex, w.LastIndex)
	atomic.StoreUint64(&s.lastTerm, w.LastTerm)
	s.logger.Infof("restored snapshot at index %d term %d", w.LastIndex, w.LastTerm)
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot over a pre-serialized blob.
type fsmSnapshot struct {
	mu   sync.Mutex
	data []byte
}

func (f *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := sink.Write(f.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (f *fsmSnapshot) Release() {}
