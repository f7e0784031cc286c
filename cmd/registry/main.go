// registry runs one node of the feature registry cluster: the
// replicated entity graph and RBAC table, the Raft peer RPC surface,
// and the client-facing HTTP API, all on one listener. Flag parsing,
// signal handling, and graceful shutdown follow
// services/clientapi/cmd/main.go's context/signal.NotifyContext
// convention, generalized from the supervisor-managed gRPC service
// lifecycle to a single standalone binary with no supervisor process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/feathr-registry/registry/internal/api"
	"github.com/feathr-registry/registry/internal/config"
	"github.com/feathr-registry/registry/internal/fsm"
	"github.com/feathr-registry/registry/internal/health"
	"github.com/feathr-registry/registry/internal/mirror"
	"github.com/feathr-registry/registry/internal/raftnode"
	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

const (
	exitOK = iota
	exitBadArgs
	exitStorageOpen
	exitFatal
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadArgs
	}

	log := logger.New(cfg.NodeIDString())
	checker := health.NewChecker()

	var mir mirror.Backend
	var sqlBackend *mirror.SQLBackend
	if cfg.WriteDB || cfg.LoadDB {
		sqlBackend, err = mirror.Open(cfg.ConnectionStr, mirror.Tables{
			Entities: cfg.EntityTable,
			Edges:    cfg.EdgeTable,
			Roles:    cfg.RBACTable,
		})
		if err != nil {
			log.Errorf("opening SQL mirror: %v", err)
			return exitStorageOpen
		}
		defer sqlBackend.Close()
	}
	if cfg.WriteDB {
		queue := mirror.NewQueue(sqlBackend, log)
		defer queue.Close()
		mir = queue
	}

	fs := fsm.New(log, mir)

	if cfg.LoadDB {
		entities, edges, roles, err := mirror.LoadAll(sqlBackend)
		if err != nil {
			log.Errorf("loading state from SQL mirror: %v", err)
			return exitStorageOpen
		}
		if err := fs.LoadBootstrap(entities, edges, roles); err != nil {
			log.Errorf("bootstrapping state machine from SQL mirror: %v", err)
			return exitFatal
		}
		log.Infof("loaded %d entities, %d edges, %d rbac records from SQL mirror", len(entities), len(edges), len(roles))
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	node, err := raftnode.New(raftnode.Config{
		NodeID:     cfg.NodeIDString(),
		BindAddr:   cfg.HTTPAddr,
		AdvertAddr: cfg.ExtHTTPAddr,
		DataDir:    dataDir,
		NoInit:     cfg.NoInit,
		Seeds:      cfg.Seeds,
	}, fs, log)
	if err != nil {
		log.Errorf("starting raft node: %v", err)
		return exitStorageOpen
	}
	defer node.Shutdown()

	if len(cfg.Seeds) > 0 {
		if err := joinViaSeed(cfg.Seeds[0], cfg.NodeIDString(), cfg.ExtHTTPAddr, cfg.ManagementCode); err != nil {
			log.Warnf("joining cluster via seed %s: %v", cfg.Seeds[0], err)
		}
	}

	checker.Run("raft", func() error {
		if node.IsLeader() {
			return nil
		}
		if addr, _ := node.LeaderHint(); addr == "" {
			return fmt.Errorf("no known leader")
		}
		return nil
	})

	apiServer := api.NewServer(node, fs, log, cfg.APIBase, cfg.EnableRBAC)
	mountHealthRoute(apiServer.Router(), checker)

	// The peer RPC router owns the fixed set of Raft/management paths;
	// everything else falls through to the client API router, so both
	// surfaces share one listener.
	peerRouter := node.Transport().Router(node, cfg.ManagementCode)
	peerRouter.NotFoundHandler = apiServer.Router()

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      peerRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("registry node %s listening on %s", cfg.NodeIDString(), cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	return exitOK
}

// joinViaSeed asks an existing cluster member to add this node as a
// learner; a seed that is not the leader answers with a redirect to the
// leader, which the HTTP client follows. Promotion to a voter is a
// separate /change-membership call that this function does not make.
func joinViaSeed(seedAddr, nodeID, advertAddr, managementCode string) error {
	body, err := json.Marshal([2]string{nodeID, advertAddr})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, "http://"+seedAddr+"/add-learner", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if managementCode != "" {
		req.Header.Set("x-registry-management-code", managementCode)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("seed returned status %d", resp.StatusCode)
	}
	return nil
}

// mountHealthRoute adds a detailed health endpoint alongside the
// client API's liveness check at /health.
func mountHealthRoute(router *mux.Router, checker *health.Checker) {
	router.HandleFunc("/health/detail", func(w http.ResponseWriter, r *http.Request) {
		status := checker.Aggregate()
		code := http.StatusOK
		if status != health.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(struct {
			Status health.Status           `json:"status"`
			Checks map[string]health.Check `json:"checks"`
		}{Status: status, Checks: checker.Snapshot()})
	}).Methods(http.MethodGet)
}
