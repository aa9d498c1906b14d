package workflow

import (
	"fmt"

	"github.com/THPTUHA/careflow/pkg/errs"
	json "github.com/goccy/go-json"
)

type Kind string

const (
	KindTrigger    Kind = "trigger"
	KindAction     Kind = "action"
	KindCondition  Kind = "condition"
	KindDelay      Kind = "delay"
	KindTimeWindow Kind = "time_window"
)

// Definition is the node graph of one workflow. The engine treats it as a
// read-only snapshot for the duration of a run.
type Definition struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// Node is one step of the graph. Data holds the kind specific payload and is
// always one of *TriggerNode, *ActionNode, *ConditionNode, *DelayNode or
// *TimeWindowNode.
type Node struct {
	ID    string
	Kind  Kind
	Label string
	Data  NodeData
}

// NodeData is implemented only by the variant types of this package.
type NodeData interface {
	Kind() Kind
	Validate() error
	isNodeData()
}

type wireNode struct {
	ID       string          `json:"id"`
	Type     Kind            `json:"type"`
	Data     json.RawMessage `json:"data"`
	Position json.RawMessage `json:"position,omitempty"`
}

type labelOnly struct {
	Label string `json:"label"`
}

func (n *Node) UnmarshalJSON(b []byte) error {
	var w wireNode
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	var data NodeData
	switch w.Type {
	case KindTrigger:
		data = &TriggerNode{}
	case KindAction:
		data = &ActionNode{}
	case KindCondition:
		data = &ConditionNode{}
	case KindDelay:
		data = &DelayNode{}
	case KindTimeWindow:
		data = &TimeWindowNode{}
	default:
		return fmt.Errorf("node %q: unknown type %q", w.ID, w.Type)
	}

	raw := w.Data
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("node %q: %w", w.ID, err)
	}
	var l labelOnly
	_ = json.Unmarshal(raw, &l)

	n.ID = w.ID
	n.Kind = w.Type
	n.Label = l.Label
	n.Data = data
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	var data []byte
	var err error
	if n.Data != nil {
		data, err = json.Marshal(n.Data)
		if err != nil {
			return nil, err
		}
	} else {
		data = []byte("{}")
	}
	if n.Label != "" {
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		m["label"] = n.Label
		if data, err = json.Marshal(m); err != nil {
			return nil, err
		}
	}
	return json.Marshal(wireNode{ID: n.ID, Type: n.Kind, Data: data})
}

// Parse decodes and validates a definition.
func Parse(b []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, errs.NewValidation("definition", "%v", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
