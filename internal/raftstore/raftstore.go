// Package raftstore wires the durable building blocks a Raft node
// needs onto local disk: the log store, the stable store, and the
// snapshot store. services/mesh/internal/consensus/stores backs these
// with PostgreSQL and Redis, but the registry is meant to run as a
// single embeddable binary with no mandatory database dependency - SQL
// mirroring stays optional (internal/mirror) - so these are backed by
// hashicorp/raft-boltdb and raft.FileSnapshotStore instead, following
// the directory layout services/mesh/internal/consensus/group.go
// creates under its configured data directory.
package raftstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Stores bundles the three persistent stores a raft.Raft instance needs.
type Stores struct {
	Log      raft.LogStore
	Stable   raft.StableStore
	Snapshot raft.SnapshotStore

	boltStore *raftboltdb.BoltStore
}

// Open creates (or reopens) the on-disk Raft state under
// dataDir/raft-node-<nodeID>: a single BoltDB file shared by the log
// and stable stores, plus a retain-2 file snapshot store.
func Open(dataDir, nodeID string, logOutput *os.File) (*Stores, error) {
	nodeDir := filepath.Join(dataDir, fmt.Sprintf("raft-node-%s", nodeID))
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	boltPath := filepath.Join(nodeDir, "raft.db")
	bolt, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	snaps, err := raft.NewFileSnapshotStore(nodeDir, 2, logOutput)
	if err != nil {
		bolt.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	return &Stores{
		Log:       bolt,
		Stable:    bolt,
		Snapshot:  snaps,
		boltStore: bolt,
	}, nil
}

// Close releases the underlying BoltDB handle.
func (s *Stores) Close() error {
	if s.boltStore == nil {
		return nil
	}
	return s.boltStore.Close()
}
