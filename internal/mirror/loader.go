package mirror

import (
	"github.com/feathr-registry/registry/internal/graph"
	"github.com/feathr-registry/registry/internal/rbac"
)

// LoadAll reads every mirrored entity, edge, and RBAC record off b. The
// caller (cmd/registry, at boot, before opening any RPC endpoint) feeds
// the result to internal/fsm.StateMachine.LoadBootstrap.
func LoadAll(b *SQLBackend) ([]*graph.Entity, []graph.Edge, []*rbac.Record, error) {
	entities, err := b.LoadEntities()
	if err != nil {
		return nil, nil, nil, err
	}
	edges, err := b.LoadEdges()
	if err != nil {
		return nil, nil, nil, err
	}
	roles, err := b.LoadRoles()
	if err != nil {
		return nil, nil, nil, err
	}
	return entities, edges, roles, nil
}
