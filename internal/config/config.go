// Package config parses the registry node's command-line flags and
// environment variables into a typed Config, following the shape of
// pkg/config.Config (a guarded settings holder) generalized from an
// untyped string map to typed settings, and cmd/main.go's convention
// of parsing with the standard library flag package rather than a CLI
// framework.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds one node's full runtime configuration.
type Config struct {
	HTTPAddr    string
	APIBase     string
	ExtHTTPAddr string
	NodeID      uint64
	Seeds       []string
	LoadDB      bool
	WriteDB     bool
	NoInit      bool

	ConnectionStr string
	EntityTable   string
	EdgeTable     string
	RBACTable     string
	// EnableRBAC gates mutating client API requests behind the rbac
	// table (see internal/api.requireRole); off by default.
	EnableRBAC     bool
	ManagementCode string
}

// Parse parses args (typically os.Args[1:]) and overlays the
// environment variables that configure SQL mirroring and RBAC.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("registry", flag.ContinueOnError)

	httpAddr := fs.String("http-addr", "0.0.0.0:8000", "bind address for client + peer HTTP")
	apiBase := fs.String("api-base", "/api", "URL prefix for client API")
	extHTTPAddr := fs.String("ext-http-addr", "", "address advertised to peers if reverse-proxied")
	nodeID := fs.Uint64("node-id", 1, "unique node id")
	seeds := fs.String("seeds", "", "comma-separated host:port seed addresses")
	loadDB := fs.Bool("load-db", false, "populate state from SQL on boot")
	writeDB := fs.Bool("write-db", false, "enable SQL write-through")
	noInit := fs.Bool("no-init", false, "refuse to auto-bootstrap a new cluster")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:    *httpAddr,
		APIBase:     *apiBase,
		ExtHTTPAddr: *extHTTPAddr,
		NodeID:      *nodeID,
		LoadDB:      *loadDB,
		WriteDB:     *writeDB,
		NoInit:      *noInit,
	}
	if *extHTTPAddr == "" {
		cfg.ExtHTTPAddr = *httpAddr
	}
	if trimmed := strings.TrimSpace(*seeds); trimmed != "" {
		for _, s := range strings.Split(trimmed, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Seeds = append(cfg.Seeds, s)
			}
		}
	}

	cfg.ConnectionStr = os.Getenv("CONNECTION_STR")
	cfg.EntityTable = envOr("ENTITY_TABLE", "entities")
	cfg.EdgeTable = envOr("EDGE_TABLE", "edges")
	cfg.RBACTable = envOr("RBAC_TABLE", "userroles")
	cfg.EnableRBAC = os.Getenv("ENABLE_RBAC") != ""
	cfg.ManagementCode = os.Getenv("RAFT_MANAGEMENT_CODE")

	if cfg.NodeID == 0 {
		return nil, fmt.Errorf("--node-id must be nonzero")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NodeIDString renders NodeID the way hashicorp/raft's raft.ServerID
// expects: a decimal string.
func (c *Config) NodeIDString() string {
	return strconv.FormatUint(c.NodeID, 10)
}
