// Package graph implements the in-memory typed entity graph that backs
// the feature registry: projects, sources, anchor groups, anchor
// features, and derived features, linked by typed edges.
package graph

import "encoding/json"

// Kind discriminates the entity variants that share the Entity header.
type Kind string

const (
	KindProject        Kind = "Project"
	KindSource         Kind = "Source"
	KindAnchorGroup    Kind = "AnchorGroup"
	KindAnchorFeature  Kind = "AnchorFeature"
	KindDerivedFeature Kind = "DerivedFeature"
)

// ValueType enumerates the primitive feature value types a TypedKey or
// feature transformation can carry.
type ValueType string

const (
	ValueTypeBool        ValueType = "BOOLEAN"
	ValueTypeInt32       ValueType = "INT32"
	ValueTypeInt64       ValueType = "INT64"
	ValueTypeFloat       ValueType = "FLOAT"
	ValueTypeDouble      ValueType = "DOUBLE"
	ValueTypeString      ValueType = "STRING"
	ValueTypeBytes       ValueType = "BYTES"
	ValueTypeUnspecified ValueType = "UNSPECIFIED"
)

// TypedKey describes one join key column used by an anchor or derived
// feature's transformation.
type TypedKey struct {
	KeyColumn   string    `json:"keyColumn"`
	KeyType     ValueType `json:"keyType"`
	FullName    string    `json:"fullName,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Transformation is either a raw expression or a window-aggregation
// descriptor; exactly one of the two groups of fields is expected to be
// set, but the store does not interpret the payload beyond storing it.
type Transformation struct {
	Expression string `json:"expression,omitempty"`

	Aggregation string `json:"aggregation,omitempty"`
	WindowSize  string `json:"windowSize,omitempty"`
	Filter      string `json:"filter,omitempty"`
	GroupBy     string `json:"groupBy,omitempty"`
}

// Header is shared by every entity kind.
type Header struct {
	ID            string            `json:"id"`
	QualifiedName string            `json:"qualifiedName"`
	Name          string            `json:"name"`
	DisplayName   string            `json:"displayName,omitempty"`
	Kind          Kind              `json:"typeName"`
	Tags          map[string]string `json:"tags,omitempty"`
	ProjectID     string            `json:"projectId,omitempty"`
}

// ProjectAttributes carries no additional fields beyond the header.
type ProjectAttributes struct{}

// SourceAttributes describes a data source.
type SourceAttributes struct {
	Path                 string            `json:"path"`
	Preprocessing        string            `json:"preprocessing,omitempty"`
	EventTimestampColumn string            `json:"eventTimestampColumn,omitempty"`
	TimestampFormat      string            `json:"timestampFormat,omitempty"`
	Type                 string            `json:"type"`
	Options              map[string]string `json:"options,omitempty"`
}

// AnchorGroupAttributes binds an anchor group to its source.
type AnchorGroupAttributes struct {
	SourceID string `json:"sourceId"`
}

// AnchorFeatureAttributes describes a feature computed from a source.
type AnchorFeatureAttributes struct {
	Type           ValueType      `json:"type"`
	Transformation Transformation `json:"transformation"`
	Keys           []TypedKey     `json:"keys,omitempty"`
}

// DerivedFeatureAttributes describes a feature computed from other
// features.
type DerivedFeatureAttributes struct {
	Type           ValueType      `json:"type"`
	Transformation Transformation `json:"transformation"`
	Keys           []TypedKey     `json:"keys,omitempty"`
	InputIDs       []string       `json:"inputIds"`
}

// Entity is the tagged-variant wire/storage representation: the header
// plus exactly one of the kind-specific attribute payloads.
type Entity struct {
	Header

	Project        *ProjectAttributes        `json:"-"`
	Source         *SourceAttributes         `json:"-"`
	AnchorGroup    *AnchorGroupAttributes    `json:"-"`
	AnchorFeature  *AnchorFeatureAttributes  `json:"-"`
	DerivedFeature *DerivedFeatureAttributes `json:"-"`
}

// Clone returns a deep copy of the entity so callers can never mutate
// store-owned state through a returned pointer.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := &Entity{Header: e.Header}
	out.Tags = cloneTags(e.Tags)

	switch e.Kind {
	case KindProject:
		v := *e.Project
		out.Project = &v
	case KindSource:
		v := *e.Source
		v.Options = cloneTags(e.Source.Options)
		out.Source = &v
	case KindAnchorGroup:
		v := *e.AnchorGroup
		out.AnchorGroup = &v
	case KindAnchorFeature:
		v := *e.AnchorFeature
		v.Keys = append([]TypedKey(nil), e.AnchorFeature.Keys...)
		out.AnchorFeature = &v
	case KindDerivedFeature:
		v := *e.DerivedFeature
		v.Keys = append([]TypedKey(nil), e.DerivedFeature.Keys...)
		v.InputIDs = append([]string(nil), e.DerivedFeature.InputIDs...)
		out.DerivedFeature = &v
	}
	return out
}

// entityWire is the JSON wire shape: the header fields plus a single
// "attributes" object holding the kind-specific payload, discriminated
// by typeName for external wire compatibility.
type entityWire struct {
	Header
	Attributes interface{} `json:"attributes"`
}

// MarshalJSON implements json.Marshaler.
func (e *Entity) MarshalJSON() ([]byte, error) {
	w := entityWire{Header: e.Header}
	switch e.Kind {
	case KindProject:
		w.Attributes = e.Project
	case KindSource:
		w.Attributes = e.Source
	case KindAnchorGroup:
		w.Attributes = e.AnchorGroup
	case KindAnchorFeature:
		w.Attributes = e.AnchorFeature
	case KindDerivedFeature:
		w.Attributes = e.DerivedFeature
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var probe struct {
		Header
		Attributes json.RawMessage `json:"attributes"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	e.Header = probe.Header

	switch e.Kind {
	case KindProject:
		var a ProjectAttributes
		if err := json.Unmarshal(probe.Attributes, &a); err != nil {
			return err
		}
		e.Project = &a
	case KindSource:
		var a SourceAttributes
		if err := json.Unmarshal(probe.Attributes, &a); err != nil {
			return err
		}
		e.Source = &a
	case KindAnchorGroup:
		var a AnchorGroupAttributes
		if err := json.Unmarshal(probe.Attributes, &a); err != nil {
			return err
		}
		e.AnchorGroup = &a
	case KindAnchorFeature:
		var a AnchorFeatureAttributes
		if err := json.Unmarshal(probe.Attributes, &a); err != nil {
			return err
		}
		e.AnchorFeature = &a
	case KindDerivedFeature:
		var a DerivedFeatureAttributes
		if err := json.Unmarshal(probe.Attributes, &a); err != nil {
			return err
		}
		e.DerivedFeature = &a
	}
	return nil
}

func cloneTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ProjectDef, SourceDef, etc. are the inputs to the store's New*
// operations: a header plus unresolved references, supplied by the
// caller (ultimately the FSM, replaying a committed log command).

type ProjectDef struct {
	QualifiedName string
	Name          string
	DisplayName   string
	Tags          map[string]string
}

type SourceDef struct {
	QualifiedName        string
	Name                 string
	DisplayName          string
	Tags                 map[string]string
	Path                 string
	Preprocessing        string
	EventTimestampColumn string
	TimestampFormat      string
	Type                 string
	Options              map[string]string
}

type AnchorGroupDef struct {
	QualifiedName string
	Name          string
	DisplayName   string
	Tags          map[string]string
	SourceRef     string // id or qualified name
}

type AnchorFeatureDef struct {
	QualifiedName  string
	Name           string
	DisplayName    string
	Tags           map[string]string
	Type           ValueType
	Transformation Transformation
	Keys           []TypedKey
}

type DerivedFeatureDef struct {
	QualifiedName  string
	Name           string
	DisplayName    string
	Tags           map[string]string
	Type           ValueType
	Transformation Transformation
	Keys           []TypedKey
	InputRefs      []string // ids or qualified names
}
