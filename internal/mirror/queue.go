package mirror

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/feathr-registry/registry/internal/graph"
	"github.com/feathr-registry/registry/internal/rbac"
	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

// Queue wraps a SQLBackend with the ordering and retry behavior
// internal/fsm needs: writes for the same entity_id are applied in the
// order they were enqueued (a worker goroutine per key), failures retry
// with exponential backoff, and none of it blocks the apply path.
type Queue struct {
	backend *SQLBackend
	logger  *logger.Logger

	mu      sync.Mutex
	workers map[string]chan func() error
}

// NewQueue starts an (initially empty) set of per-key workers backed by
// backend.
func NewQueue(backend *SQLBackend, log *logger.Logger) *Queue {
	return &Queue{
		backend: backend,
		logger:  log,
		workers: make(map[string]chan func() error),
	}
}

// worker lazily creates (if needed) and returns the job channel for key,
// starting its goroutine the first time key is seen.
func (q *Queue) worker(key string) chan func() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.workers[key]
	if ok {
		return ch
	}
	ch = make(chan func() error, 256)
	q.workers[key] = ch
	go q.run(key, ch)
	return ch
}

func (q *Queue) run(key string, jobs chan func() error) {
	for job := range jobs {
		backoff := 100 * time.Millisecond
		for {
			if err := job(); err != nil {
				q.logger.Warnf("mirror write for %q failed, retrying in %s: %v", key, backoff, err)
				time.Sleep(backoff)
				backoff *= 2
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				continue
			}
			break
		}
	}
}

// UpsertEntity implements Backend.
func (q *Queue) UpsertEntity(e *graph.Entity) {
	content, err := json.Marshal(e)
	if err != nil {
		q.logger.Errorf("mirror: marshal entity %s: %v", e.ID, err)
		return
	}
	id := e.ID
	q.worker(id) <- func() error { return q.backend.UpsertEntityRow(id, content) }
}

// DeleteEntity implements Backend.
func (q *Queue) DeleteEntity(id string) {
	q.worker(id) <- func() error { return q.backend.DeleteEntityRow(id) }
}

// UpsertEdge implements Backend.
func (q *Queue) UpsertEdge(edge graph.Edge) {
	q.worker(edge.From) <- func() error { return q.backend.UpsertEdgeRow(edge) }
}

// UpsertRoles implements Backend. RBAC writes share one key since they
// replace the whole table per call.
func (q *Queue) UpsertRoles(records []*rbac.Record) {
	q.worker("__rbac__") <- func() error { return q.backend.UpsertRoleRows(records) }
}

// Close closes every worker's job channel; each worker finishes the
// jobs already queued and then exits. Close does not wait for them.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.workers {
		close(ch)
	}
}
