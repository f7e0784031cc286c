package api

import (
	"net/http"

	"github.com/feathr-registry/registry/internal/rbac"
)

// identityHeader names the caller, the way x-registry-management-code
// names a cluster-management caller's secret in internal/raftnet.
// There is no session/token layer in front of the registry, so the
// header is trusted as-is once RBAC is enabled.
const identityHeader = "x-registry-user"

// requireRole enforces RBAC on a mutating request when enabled: the
// caller must supply identityHeader and hold at least one of allowed on
// project, directly or through a rbac.GlobalProject grant. It is a
// no-op, always returning true, when enabled is false - the registry's
// default posture is that RBAC is opt-in per the ENABLE_RBAC
// environment variable.
func requireRole(w http.ResponseWriter, r *http.Request, table *rbac.Table, enabled bool, project string, allowed ...rbac.Role) bool {
	if !enabled {
		return true
	}

	user := r.Header.Get(identityHeader)
	if user == "" {
		writeError(w, http.StatusUnauthorized, identityHeader+" header required")
		return false
	}
	for _, role := range allowed {
		if table.Has(project, user, role) {
			return true
		}
	}
	writeError(w, http.StatusForbidden, "user "+user+" lacks a required role on "+project)
	return false
}
