package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/feathr-registry/registry/internal/fsm"
	"github.com/feathr-registry/registry/internal/rbac"
	"github.com/feathr-registry/registry/internal/raftnode"
	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

type roleHandlers struct {
	node       *raftnode.Node
	fs         *fsm.StateMachine
	logger     *logger.Logger
	enableRBAC bool
}

func (h *roleHandlers) List(w http.ResponseWriter, r *http.Request) {
	if err := maybeLinearizable(r, h.node); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	project := mux.Vars(r)["project"]
	writeJSON(w, http.StatusOK, h.fs.RBAC().List(project))
}

type grantRoleRequest struct {
	User   string    `json:"user"`
	Role   rbac.Role `json:"role"`
	By     string    `json:"by"`
	Reason string    `json:"reason,omitempty"`
}

func (h *roleHandlers) Grant(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	if !requireRole(w, r, h.fs.RBAC(), h.enableRBAC, project, rbac.RoleAdmin) {
		return
	}
	var req grantRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := fsm.GrantRolePayload{
		Project: project,
		User:    req.User,
		Role:    req.Role,
		By:      req.By,
		Reason:  req.Reason,
		At:      time.Now(),
	}

	if !h.node.IsLeader() {
		addr, id := h.node.LeaderHint()
		if addr == "" {
			writeError(w, http.StatusServiceUnavailable, "no leader known")
			return
		}
		w.Header().Set("X-Raft-Leader-ID", id)
		http.Redirect(w, r, "http://"+addr+r.URL.Path, http.StatusTemporaryRedirect)
		return
	}

	data, err := fsm.Encode(fsm.CmdGrantRole, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := h.node.Apply(data, applyTimeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Err != nil {
		writeError(w, http.StatusBadRequest, res.Err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"recordId": res.ID})
}

type revokeRoleRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

func (h *roleHandlers) Revoke(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !requireRole(w, r, h.fs.RBAC(), h.enableRBAC, vars["project"], rbac.RoleAdmin) {
		return
	}
	recordID, err := strconv.ParseUint(vars["recordId"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recordId")
		return
	}

	var req revokeRoleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	payload := fsm.RevokeRolePayload{
		RecordID: recordID,
		By:       req.By,
		Reason:   req.Reason,
		At:       time.Now(),
	}

	if !h.node.IsLeader() {
		addr, id := h.node.LeaderHint()
		if addr == "" {
			writeError(w, http.StatusServiceUnavailable, "no leader known")
			return
		}
		w.Header().Set("X-Raft-Leader-ID", id)
		http.Redirect(w, r, "http://"+addr+r.URL.Path, http.StatusTemporaryRedirect)
		return
	}

	data, err := fsm.Encode(fsm.CmdRevokeRole, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := h.node.Apply(data, applyTimeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Err != nil {
		writeError(w, http.StatusBadRequest, res.Err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
