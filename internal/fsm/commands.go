package fsm

import (
	"encoding/json"
	"time"

	"github.com/feathr-registry/registry/internal/graph"
	"github.com/feathr-registry/registry/internal/rbac"
)

// CommandType enumerates the kinds of mutation that can travel through
// the replicated log.
type CommandType string

const (
	CmdCreateProject       CommandType = "CreateProject"
	CmdCreateSource        CommandType = "CreateSource"
	CmdCreateAnchor        CommandType = "CreateAnchor"
	CmdCreateAnchorFeature CommandType = "CreateAnchorFeature"
	CmdCreateDerivedFeature CommandType = "CreateDerivedFeature"
	CmdDeleteEntity        CommandType = "DeleteEntity"
	CmdTagEntity           CommandType = "TagEntity"
	CmdGrantRole           CommandType = "GrantRole"
	CmdRevokeRole          CommandType = "RevokeRole"
)

// Command is the envelope every raft.Log entry carries, grounded on
// services/mesh/internal/consensus/fsm/fsm.go's Command{Type, Payload}.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals a typed payload into a Command ready for raft.Apply.
func Encode(t CommandType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Type: t, Payload: raw})
}

// CreateProjectPayload carries a leader-assigned id and timestamp so
// every replica applies the command deterministically.
type CreateProjectPayload struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Def       graph.ProjectDef  `json:"def"`
}

type CreateSourcePayload struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	ProjectRef string          `json:"projectRef"`
	Def        graph.SourceDef `json:"def"`
}

type CreateAnchorPayload struct {
	ID         string               `json:"id"`
	Timestamp  time.Time            `json:"timestamp"`
	ProjectRef string               `json:"projectRef"`
	Def        graph.AnchorGroupDef `json:"def"`
}

type CreateAnchorFeaturePayload struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	GroupRef  string                 `json:"groupRef"`
	Def       graph.AnchorFeatureDef `json:"def"`
}

type CreateDerivedFeaturePayload struct {
	ID         string                  `json:"id"`
	Timestamp  time.Time               `json:"timestamp"`
	ProjectRef string                  `json:"projectRef"`
	Def        graph.DerivedFeatureDef `json:"def"`
}

type DeleteEntityPayload struct {
	ID string `json:"id"`
}

type TagEntityPayload struct {
	ID   string            `json:"id"`
	Tags map[string]string `json:"tags"`
}

type GrantRolePayload struct {
	Project string    `json:"project"`
	User    string    `json:"user"`
	Role    rbac.Role `json:"role"`
	By      string    `json:"by"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

type RevokeRolePayload struct {
	RecordID uint64    `json:"recordId"`
	By       string    `json:"by"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}
