// Package api implements the registry's client-facing HTTP surface:
// CRUD over entities, lineage and search, and RBAC management. Routing
// and middleware style (gorilla/mux, CORS + logging middleware chain,
// handler-struct-per-resource) are grounded on
// services/clientapi/internal/engine/server.go, generalized from its
// multi-tenant workspace/environment hierarchy down to the registry's
// flatter project hierarchy, and from gRPC-backed handlers to handlers
// that call directly into internal/raftnode.Node and internal/fsm.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/feathr-registry/registry/internal/fsm"
	"github.com/feathr-registry/registry/internal/raftnode"
	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

// Server is the client API's HTTP handler set.
type Server struct {
	node   *raftnode.Node
	fs     *fsm.StateMachine
	logger *logger.Logger
	router *mux.Router

	entities *entityHandlers
	roles    *roleHandlers
}

// NewServer wires the client API router under base (e.g. "/api").
// enableRBAC gates mutating requests on the rbac.Table replicated
// alongside the entity graph; callers pass config.Config.EnableRBAC.
func NewServer(node *raftnode.Node, fs *fsm.StateMachine, log *logger.Logger, base string, enableRBAC bool) *Server {
	s := &Server{
		node:     node,
		fs:       fs,
		logger:   log,
		router:   mux.NewRouter(),
		entities: &entityHandlers{node: node, fs: fs, logger: log, enableRBAC: enableRBAC},
		roles:    &roleHandlers{node: node, fs: fs, logger: log, enableRBAC: enableRBAC},
	}
	s.setupMiddleware()
	s.setupRoutes(base)
	return s
}

// Router returns the mux.Router so the caller can mount it on the same
// listener as the Raft peer RPC router.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logger.Debugf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
		})
	})
}

func (s *Server) setupRoutes(base string) {
	for _, version := range []string{"/v1", "/v2"} {
		root := s.router.PathPrefix(base + version).Subrouter()

		root.HandleFunc("/projects", s.entities.ListProjects).Methods(http.MethodGet)
		root.HandleFunc("/projects", s.entities.CreateProject).Methods(http.MethodPost)
		root.HandleFunc("/projects/{project}", s.entities.GetEntity).Methods(http.MethodGet)
		root.HandleFunc("/projects/{project}", s.entities.DeleteEntity).Methods(http.MethodDelete)

		root.HandleFunc("/projects/{project}/datasources", s.entities.ListDatasources).Methods(http.MethodGet)
		root.HandleFunc("/projects/{project}/datasources", s.entities.CreateDatasource).Methods(http.MethodPost)
		root.HandleFunc("/projects/{project}/datasources/{id}", s.entities.GetEntity).Methods(http.MethodGet)
		root.HandleFunc("/projects/{project}/datasources/{id}", s.entities.DeleteEntity).Methods(http.MethodDelete)

		root.HandleFunc("/projects/{project}/anchor-groups", s.entities.CreateAnchorGroup).Methods(http.MethodPost)
		root.HandleFunc("/projects/{project}/anchor-groups/{id}/features", s.entities.CreateAnchorFeature).Methods(http.MethodPost)

		root.HandleFunc("/projects/{project}/features", s.entities.ListFeatures).Methods(http.MethodGet)
		root.HandleFunc("/projects/{project}/features", s.entities.CreateDerivedFeature).Methods(http.MethodPost)
		root.HandleFunc("/projects/{project}/features/{feature}", s.entities.GetEntity).Methods(http.MethodGet)
		root.HandleFunc("/projects/{project}/features/{feature}", s.entities.DeleteEntity).Methods(http.MethodDelete)
		root.HandleFunc("/projects/{project}/features/{feature}/lineage", s.entities.GetLineage).Methods(http.MethodGet)
		root.HandleFunc("/projects/{project}/features/{feature}/tags", s.entities.TagEntity).Methods(http.MethodPost)

		root.HandleFunc("/search", s.entities.Search).Methods(http.MethodGet)

		roles := root.PathPrefix("/projects/{project}/roles").Subrouter()
		roles.HandleFunc("", s.roles.List).Methods(http.MethodGet)
		roles.HandleFunc("", s.roles.Grant).Methods(http.MethodPost)
		roles.HandleFunc("/{recordId}", s.roles.Revoke).Methods(http.MethodDelete)
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
