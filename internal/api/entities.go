package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/feathr-registry/registry/internal/fsm"
	"github.com/feathr-registry/registry/internal/graph"
	"github.com/feathr-registry/registry/internal/raftnode"
	"github.com/feathr-registry/registry/internal/rbac"
	"github.com/feathr-registry/registry/internal/telemetry/logger"
)

const applyTimeout = 2 * time.Second

type entityHandlers struct {
	node       *raftnode.Node
	fs         *fsm.StateMachine
	logger     *logger.Logger
	enableRBAC bool
}

// propose forwards a non-leader request to the current leader (307) or
// answers 503 if none is known; on this node it encodes and proposes
// cmd, translating a rejected ApplyResult into the matching HTTP status.
func (h *entityHandlers) propose(w http.ResponseWriter, r *http.Request, cmdType fsm.CommandType, payload interface{}) (*fsm.ApplyResult, bool) {
	if !h.node.IsLeader() {
		addr, id := h.node.LeaderHint()
		if addr == "" {
			writeError(w, http.StatusServiceUnavailable, "no leader known")
			return nil, false
		}
		w.Header().Set("X-Raft-Leader-ID", id)
		http.Redirect(w, r, "http://"+addr+r.URL.Path, http.StatusTemporaryRedirect)
		return nil, false
	}

	data, err := fsm.Encode(cmdType, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	res, err := h.node.Apply(data, applyTimeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if res.Err != nil {
		writeError(w, statusForErr(res.Err), res.Err.Error())
		return nil, false
	}
	return res, true
}

// statusForErr maps the graph error taxonomy onto the HTTP status
// table. Errors outside that taxonomy (unexpected internal failures)
// default to 500.
func statusForErr(err error) int {
	kind, ok := graph.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case graph.ErrAlreadyExists, graph.ErrInUse:
		return http.StatusConflict
	case graph.ErrEntityNotFound:
		return http.StatusNotFound
	case graph.ErrInvalidKind, graph.ErrCycleDetected:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func maybeLinearizable(r *http.Request, node *raftnode.Node) error {
	if r.URL.Query().Get("linearizable") == "true" {
		return node.Barrier(applyTimeout)
	}
	return nil
}

// --- projects ---

type createProjectRequest struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"displayName,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

func (h *entityHandlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.fs.RBAC(), h.enableRBAC, rbac.GlobalProject, rbac.RoleAdmin, rbac.RoleProducer) {
		return
	}
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.NewString()
	payload := fsm.CreateProjectPayload{
		ID:        id,
		Timestamp: time.Now(),
		Def: graph.ProjectDef{
			QualifiedName: req.Name,
			Name:          req.Name,
			DisplayName:   req.DisplayName,
			Tags:          req.Tags,
		},
	}
	res, ok := h.propose(w, r, fsm.CmdCreateProject, payload)
	if !ok {
		return
	}
	e, err := h.fs.Graph().Get(res.ID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *entityHandlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	if err := maybeLinearizable(r, h.node); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	out := h.fs.Graph().ListByKind(graph.KindProject)
	writeJSON(w, http.StatusOK, out)
}

func (h *entityHandlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	if err := maybeLinearizable(r, h.node); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	vars := mux.Vars(r)
	key := firstNonEmpty(vars["feature"], vars["id"], vars["project"])
	e, err := h.fs.Graph().Get(key)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *entityHandlers) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !requireRole(w, r, h.fs.RBAC(), h.enableRBAC, vars["project"], rbac.RoleAdmin) {
		return
	}
	key := firstNonEmpty(vars["feature"], vars["id"], vars["project"])
	e, err := h.fs.Graph().Get(key)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	if _, ok := h.propose(w, r, fsm.CmdDeleteEntity, fsm.DeleteEntityPayload{ID: e.ID}); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *entityHandlers) TagEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !requireRole(w, r, h.fs.RBAC(), h.enableRBAC, vars["project"], rbac.RoleAdmin, rbac.RoleProducer) {
		return
	}
	key := firstNonEmpty(vars["feature"], vars["id"], vars["project"])
	e, err := h.fs.Graph().Get(key)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}

	var tags map[string]string
	if err := json.NewDecoder(r.Body).Decode(&tags); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := h.propose(w, r, fsm.CmdTagEntity, fsm.TagEntityPayload{ID: e.ID, Tags: tags}); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- datasources (sources) ---

type createSourceRequest struct {
	Name                 string            `json:"name"`
	DisplayName          string            `json:"displayName,omitempty"`
	Tags                 map[string]string `json:"tags,omitempty"`
	Path                 string            `json:"path"`
	Preprocessing        string            `json:"preprocessing,omitempty"`
	EventTimestampColumn string            `json:"eventTimestampColumn,omitempty"`
	TimestampFormat      string            `json:"timestampFormat,omitempty"`
	Type                 string            `json:"type"`
	Options              map[string]string `json:"options,omitempty"`
}

func (h *entityHandlers) CreateDatasource(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	if !requireRole(w, r, h.fs.RBAC(), h.enableRBAC, project, rbac.RoleAdmin, rbac.RoleProducer) {
		return
	}
	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	qn := fmt.Sprintf("%s__%s", project, req.Name)
	payload := fsm.CreateSourcePayload{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		ProjectRef: project,
		Def: graph.SourceDef{
			QualifiedName:        qn,
			Name:                 req.Name,
			DisplayName:          req.DisplayName,
			Tags:                 req.Tags,
			Path:                 req.Path,
			Preprocessing:        req.Preprocessing,
			EventTimestampColumn: req.EventTimestampColumn,
			TimestampFormat:      req.TimestampFormat,
			Type:                 req.Type,
			Options:              req.Options,
		},
	}
	res, ok := h.propose(w, r, fsm.CmdCreateSource, payload)
	if !ok {
		return
	}
	e, err := h.fs.Graph().Get(res.ID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *entityHandlers) ListDatasources(w http.ResponseWriter, r *http.Request) {
	if err := maybeLinearizable(r, h.node); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	project := mux.Vars(r)["project"]
	p, err := h.fs.Graph().Get(project)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	out, err := h.fs.Graph().GetProjectChildren(p.ID, graph.KindSource)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- anchor groups / anchor features ---

type createAnchorGroupRequest struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"displayName,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	SourceRef   string            `json:"sourceRef"`
}

func (h *entityHandlers) CreateAnchorGroup(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	if !requireRole(w, r, h.fs.RBAC(), h.enableRBAC, project, rbac.RoleAdmin, rbac.RoleProducer) {
		return
	}
	var req createAnchorGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	qn := fmt.Sprintf("%s__%s", project, req.Name)
	payload := fsm.CreateAnchorPayload{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		ProjectRef: project,
		Def: graph.AnchorGroupDef{
			QualifiedName: qn,
			Name:          req.Name,
			DisplayName:   req.DisplayName,
			Tags:          req.Tags,
			SourceRef:     req.SourceRef,
		},
	}
	res, ok := h.propose(w, r, fsm.CmdCreateAnchor, payload)
	if !ok {
		return
	}
	e, err := h.fs.Graph().Get(res.ID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type createAnchorFeatureRequest struct {
	Name           string               `json:"name"`
	DisplayName    string               `json:"displayName,omitempty"`
	Tags           map[string]string    `json:"tags,omitempty"`
	Type           graph.ValueType      `json:"type"`
	Transformation graph.Transformation `json:"transformation"`
	Keys           []graph.TypedKey     `json:"keys,omitempty"`
}

func (h *entityHandlers) CreateAnchorFeature(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	groupID := vars["id"]
	if !requireRole(w, r, h.fs.RBAC(), h.enableRBAC, vars["project"], rbac.RoleAdmin, rbac.RoleProducer) {
		return
	}
	var req createAnchorFeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := fsm.CreateAnchorFeaturePayload{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		GroupRef:  groupID,
		Def: graph.AnchorFeatureDef{
			QualifiedName:  fmt.Sprintf("%s__%s", groupID, req.Name),
			Name:           req.Name,
			DisplayName:    req.DisplayName,
			Tags:           req.Tags,
			Type:           req.Type,
			Transformation: req.Transformation,
			Keys:           req.Keys,
		},
	}
	res, ok := h.propose(w, r, fsm.CmdCreateAnchorFeature, payload)
	if !ok {
		return
	}
	e, err := h.fs.Graph().Get(res.ID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// --- derived features ---

type createDerivedFeatureRequest struct {
	Name           string               `json:"name"`
	DisplayName    string               `json:"displayName,omitempty"`
	Tags           map[string]string    `json:"tags,omitempty"`
	Type           graph.ValueType      `json:"type"`
	Transformation graph.Transformation `json:"transformation"`
	Keys           []graph.TypedKey     `json:"keys,omitempty"`
	InputRefs      []string             `json:"inputRefs"`
}

func (h *entityHandlers) CreateDerivedFeature(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	if !requireRole(w, r, h.fs.RBAC(), h.enableRBAC, project, rbac.RoleAdmin, rbac.RoleProducer) {
		return
	}
	var req createDerivedFeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	qn := fmt.Sprintf("%s__%s", project, req.Name)
	payload := fsm.CreateDerivedFeaturePayload{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		ProjectRef: project,
		Def: graph.DerivedFeatureDef{
			QualifiedName:  qn,
			Name:           req.Name,
			DisplayName:    req.DisplayName,
			Tags:           req.Tags,
			Type:           req.Type,
			Transformation: req.Transformation,
			Keys:           req.Keys,
			InputRefs:      req.InputRefs,
		},
	}
	res, ok := h.propose(w, r, fsm.CmdCreateDerivedFeature, payload)
	if !ok {
		return
	}
	e, err := h.fs.Graph().Get(res.ID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *entityHandlers) ListFeatures(w http.ResponseWriter, r *http.Request) {
	if err := maybeLinearizable(r, h.node); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	project := mux.Vars(r)["project"]
	p, err := h.fs.Graph().Get(project)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	out, err := h.fs.Graph().GetProjectChildren(p.ID, graph.KindDerivedFeature)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- lineage & search ---

func (h *entityHandlers) GetLineage(w http.ResponseWriter, r *http.Request) {
	if err := maybeLinearizable(r, h.node); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	feature := mux.Vars(r)["feature"]
	e, err := h.fs.Graph().Get(feature)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	lineage, err := h.fs.Graph().GetLineage(e.ID, -1)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, lineage)
}

func (h *entityHandlers) Search(w http.ResponseWriter, r *http.Request) {
	if err := maybeLinearizable(r, h.node); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	q := r.URL.Query()
	hits, err := h.fs.Graph().Search(q.Get("q"), q.Get("scope"))
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
