package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// NodeType identifies one of the closed set of node variants.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeAction    NodeType = "action"
	NodeDelay     NodeType = "delay"
	NodeCondition NodeType = "condition"
)

// NodeTypes lists every supported node type.
var NodeTypes = []NodeType{NodeStart, NodeEnd, NodeAction, NodeDelay, NodeCondition}

// Valid reports whether t is one of the supported node types.
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultBranch is the label of the fallback edge leaving a Condition node.
const DefaultBranch = "default"

// NodeConfig is the typed configuration of a node. It is implemented only by
// the config structs in this package.
type NodeConfig interface {
	NodeType() NodeType
}

// StartConfig configures a Start node. Start nodes take no options.
type StartConfig struct{}

// EndConfig configures an End node. Reason is copied into the execution
// context under EndReasonKey so that different End nodes can be told apart.
type EndConfig struct {
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// EndReasonKey is the context key written by End nodes with a Reason.
const EndReasonKey = "end_reason"

// ActionConfig configures an Action node.
type ActionConfig struct {
	// Action names the side effect, e.g. "sms.send" or "webhook".
	Action string         `json:"action" yaml:"action"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// BestEffort actions advance even when the side effect fails.
	BestEffort bool `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`

	// ResultKey, when set, nests the action's context patch under this key.
	ResultKey string `json:"result_key,omitempty" yaml:"result_key,omitempty"`
}

// DelayConfig configures a Delay node.
type DelayConfig struct {
	Duration Duration `json:"duration" yaml:"duration"`
}

// ConditionConfig configures a Condition node.
type ConditionConfig struct {
	// Language selects the predicate engine ("expr", "cel" or "jq").
	// Empty means "expr".
	Language   string `json:"language,omitempty" yaml:"language,omitempty"`
	Expression string `json:"expression" yaml:"expression"`

	// Default is used as the branch label when the predicate yields no label.
	Default string `json:"default,omitempty" yaml:"default,omitempty"`
}

func (StartConfig) NodeType() NodeType     { return NodeStart }
func (EndConfig) NodeType() NodeType       { return NodeEnd }
func (ActionConfig) NodeType() NodeType    { return NodeAction }
func (DelayConfig) NodeType() NodeType     { return NodeDelay }
func (ConditionConfig) NodeType() NodeType { return NodeCondition }

// Duration is a time.Duration that encodes as a Go duration string ("90s",
// "1h") and also accepts a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// Node is a unit of work in a definition graph.
type Node struct {
	ID     string
	Type   NodeType
	Config NodeConfig
}

type nodeJSON struct {
	ID     string          `json:"id,omitempty"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	cfg := n.Config
	if cfg == nil {
		cfg = emptyConfig(n.Type)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeJSON{ID: n.ID, Type: n.Type, Config: raw})
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodeNodeConfig(raw.Type, raw.Config)
	if err != nil {
		return err
	}
	n.ID = raw.ID
	n.Type = raw.Type
	n.Config = cfg
	return nil
}

// DecodeNodeConfig decodes a raw JSON config into the typed config for t.
// Unknown fields are rejected.
func DecodeNodeConfig(t NodeType, raw json.RawMessage) (NodeConfig, error) {
	if !t.Valid() {
		return nil, Errorf(CodeGraphConfig, "unknown node type %q", t)
	}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var err error
	switch t {
	case NodeStart:
		var c StartConfig
		err = dec.Decode(&c)
		if err == nil {
			return c, nil
		}
	case NodeEnd:
		var c EndConfig
		err = dec.Decode(&c)
		if err == nil {
			return c, nil
		}
	case NodeAction:
		var c ActionConfig
		err = dec.Decode(&c)
		if err == nil {
			return c, nil
		}
	case NodeDelay:
		var c DelayConfig
		err = dec.Decode(&c)
		if err == nil {
			return c, nil
		}
	case NodeCondition:
		var c ConditionConfig
		err = dec.Decode(&c)
		if err == nil {
			return c, nil
		}
	}
	return nil, NewError(CodeInvalidDefinition, fmt.Sprintf("invalid %s config", t)).WithCause(err)
}

func emptyConfig(t NodeType) NodeConfig {
	switch t {
	case NodeEnd:
		return EndConfig{}
	case NodeAction:
		return ActionConfig{}
	case NodeDelay:
		return DelayConfig{}
	case NodeCondition:
		return ConditionConfig{}
	default:
		return StartConfig{}
	}
}

// Edge is a directed, optionally labelled connection between two nodes.
type Edge struct {
	From        string `json:"from" yaml:"from"`
	To          string `json:"to" yaml:"to"`
	BranchLabel string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// Definition is an immutable-per-version workflow graph.
type Definition struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Name           string          `json:"name"`
	Industry       string          `json:"industry,omitempty"`
	Active         bool            `json:"active"`
	Version        int             `json:"version"`
	Nodes          map[string]Node `json:"nodes"`
	Edges          []Edge          `json:"edges"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
}

// StartNode returns the id of the definition's Start node.
func (d *Definition) StartNode() (string, bool) {
	for id, n := range d.Nodes {
		if n.Type == NodeStart {
			return id, true
		}
	}
	return "", false
}

// Node looks up a node by id.
func (d *Definition) Node(id string) (Node, bool) {
	n, ok := d.Nodes[id]
	if ok && n.ID == "" {
		n.ID = id
	}
	return n, ok
}

// OutgoingEdges returns the edges leaving nodeID in definition order.
func (d *Definition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// ResolveBranch finds the node reached from nodeID via the edge labelled
// label. When no edge carries the label, an edge labelled DefaultBranch is
// used. A missing edge is a graph configuration error.
func (d *Definition) ResolveBranch(nodeID, label string) (string, error) {
	var fallback string
	for _, e := range d.OutgoingEdges(nodeID) {
		if e.BranchLabel == label {
			return e.To, nil
		}
		if e.BranchLabel == DefaultBranch && fallback == "" {
			fallback = e.To
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", &Error{
		Code:    CodeGraphConfig,
		Message: fmt.Sprintf("no edge from %q for branch %q", nodeID, label),
		NodeID:  nodeID,
	}
}

// SingleSuccessor returns the target of nodeID's only outgoing edge.
func (d *Definition) SingleSuccessor(nodeID string) (string, error) {
	edges := d.OutgoingEdges(nodeID)
	if len(edges) != 1 {
		return "", &Error{
			Code:    CodeGraphConfig,
			Message: fmt.Sprintf("node %q must have exactly one outgoing edge, has %d", nodeID, len(edges)),
			NodeID:  nodeID,
		}
	}
	return edges[0].To, nil
}

// Validate checks the structural invariants of the graph.
func (d *Definition) Validate() error {
	var problems []string
	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, "id is required")
	}
	if len(d.Nodes) == 0 {
		problems = append(problems, "at least one node is required")
	}

	starts := 0
	for id, n := range d.Nodes {
		if n.ID != "" && n.ID != id {
			problems = append(problems, fmt.Sprintf("node %q declares mismatched id %q", id, n.ID))
		}
		if !n.Type.Valid() {
			problems = append(problems, fmt.Sprintf("node %q has unknown type %q", id, n.Type))
			continue
		}
		if n.Config != nil && n.Config.NodeType() != n.Type {
			problems = append(problems, fmt.Sprintf("node %q config does not match type %q", id, n.Type))
		}
		if n.Type == NodeStart {
			starts++
		}
	}
	if starts != 1 {
		problems = append(problems, fmt.Sprintf("exactly one start node is required, found %d", starts))
	}

	inbound := make(map[string]int, len(d.Nodes))
	labels := make(map[string]map[string]bool)
	for i, e := range d.Edges {
		from, okFrom := d.Nodes[e.From]
		_, okTo := d.Nodes[e.To]
		if !okFrom {
			problems = append(problems, fmt.Sprintf("edge %d references unknown node %q", i, e.From))
		}
		if !okTo {
			problems = append(problems, fmt.Sprintf("edge %d references unknown node %q", i, e.To))
		}
		inbound[e.To]++
		if okFrom && from.Type == NodeCondition {
			if e.BranchLabel == "" {
				problems = append(problems, fmt.Sprintf("edge %d from condition %q needs a branch label", i, e.From))
			}
			if labels[e.From] == nil {
				labels[e.From] = map[string]bool{}
			}
			if labels[e.From][e.BranchLabel] {
				problems = append(problems, fmt.Sprintf("condition %q has duplicate branch %q", e.From, e.BranchLabel))
			}
			labels[e.From][e.BranchLabel] = true
		}
	}

	for id, n := range d.Nodes {
		if n.Type != NodeStart && inbound[id] == 0 {
			problems = append(problems, fmt.Sprintf("node %q is unreachable", id))
		}
		switch n.Type {
		case NodeStart, NodeDelay, NodeAction:
			if c := len(d.OutgoingEdges(id)); c != 1 {
				problems = append(problems, fmt.Sprintf("%s node %q must have exactly one outgoing edge, has %d", n.Type, id, c))
			}
		case NodeEnd:
			if c := len(d.OutgoingEdges(id)); c != 0 {
				problems = append(problems, fmt.Sprintf("end node %q must not have outgoing edges", id))
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &Error{
		Code:    CodeInvalidDefinition,
		Message: fmt.Sprintf("definition %q is invalid", d.ID),
		Details: map[string]any{"problems": problems},
	}
}

// Clone returns a deep copy suitable for handing to callers.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := *d
	out.Nodes = make(map[string]Node, len(d.Nodes))
	for id, n := range d.Nodes {
		out.Nodes[id] = n
	}
	out.Edges = append([]Edge(nil), d.Edges...)
	return &out
}
