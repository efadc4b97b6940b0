package leadflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// DefinitionBuilder provides a fluent API for declaring workflow graphs:
//
//	def, err := leadflow.NewDefinition("follow-up", "Lead follow up").
//	    Start("start").
//	    Action("send", "sms.send", map[string]any{"template": "intro"}).
//	    Condition("replied", "replied == true").
//	    Delay("wait", 24*time.Hour).
//	    End("won", "won").
//	    End("lost", "no_reply").
//	    Chain("start", "send", "replied").
//	    Branch("replied", "true", "won").
//	    Branch("replied", "false", "wait").
//	    Edge("wait", "lost").
//	    Build()
//
// Mistakes such as duplicate node ids are collected and reported by Build
// together with the graph validation errors.
type DefinitionBuilder struct {
	def  api.Definition
	errs []error
}

// NewDefinition starts an active definition with the given id and name.
func NewDefinition(id, name string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: api.Definition{
			ID:     id,
			Name:   name,
			Active: true,
			Nodes:  map[string]api.Node{},
		},
	}
}

// Organization sets the owning organization.
func (b *DefinitionBuilder) Organization(id string) *DefinitionBuilder {
	b.def.OrganizationID = id
	return b
}

// Industry tags the definition.
func (b *DefinitionBuilder) Industry(industry string) *DefinitionBuilder {
	b.def.Industry = industry
	return b
}

// Inactive marks the definition so that new executions cannot start from it.
func (b *DefinitionBuilder) Inactive() *DefinitionBuilder {
	b.def.Active = false
	return b
}

func (b *DefinitionBuilder) node(id string, cfg api.NodeConfig) *DefinitionBuilder {
	if id == "" {
		b.errs = append(b.errs, fmt.Errorf("%s node with empty id", cfg.NodeType()))
		return b
	}
	if _, dup := b.def.Nodes[id]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q", id))
		return b
	}
	b.def.Nodes[id] = api.Node{ID: id, Type: cfg.NodeType(), Config: cfg}
	return b
}

// Start adds the Start node.
func (b *DefinitionBuilder) Start(id string) *DefinitionBuilder {
	return b.node(id, api.StartConfig{})
}

// End adds an End node. reason may be empty.
func (b *DefinitionBuilder) End(id, reason string) *DefinitionBuilder {
	return b.node(id, api.EndConfig{Reason: reason})
}

// ActionOption tweaks an Action node.
type ActionOption func(*api.ActionConfig)

// BestEffort lets the execution advance when the action fails.
func BestEffort() ActionOption {
	return func(c *api.ActionConfig) { c.BestEffort = true }
}

// ResultKey nests the action's context patch under key.
func ResultKey(key string) ActionOption {
	return func(c *api.ActionConfig) { c.ResultKey = key }
}

// Action adds an Action node performing action with params.
func (b *DefinitionBuilder) Action(id, action string, params map[string]any, opts ...ActionOption) *DefinitionBuilder {
	cfg := api.ActionConfig{Action: action, Params: maps.Clone(params)}
	for _, opt := range opts {
		opt(&cfg)
	}
	return b.node(id, cfg)
}

// Delay adds a Delay node.
func (b *DefinitionBuilder) Delay(id string, d time.Duration) *DefinitionBuilder {
	return b.node(id, api.DelayConfig{Duration: api.Duration(d)})
}

// ConditionOption tweaks a Condition node.
type ConditionOption func(*api.ConditionConfig)

// Language selects the predicate engine ("expr", "cel" or "jq").
func Language(lang string) ConditionOption {
	return func(c *api.ConditionConfig) { c.Language = lang }
}

// DefaultLabel is used when the predicate yields no label.
func DefaultLabel(label string) ConditionOption {
	return func(c *api.ConditionConfig) { c.Default = label }
}

// Condition adds a Condition node evaluating expression.
func (b *DefinitionBuilder) Condition(id, expression string, opts ...ConditionOption) *DefinitionBuilder {
	cfg := api.ConditionConfig{Expression: expression}
	for _, opt := range opts {
		opt(&cfg)
	}
	return b.node(id, cfg)
}

// Edge adds an unlabelled edge.
func (b *DefinitionBuilder) Edge(from, to string) *DefinitionBuilder {
	b.def.Edges = append(b.def.Edges, api.Edge{From: from, To: to})
	return b
}

// Branch adds an edge leaving a Condition node under label.
func (b *DefinitionBuilder) Branch(from, label, to string) *DefinitionBuilder {
	b.def.Edges = append(b.def.Edges, api.Edge{From: from, To: to, BranchLabel: label})
	return b
}

// Chain links ids with unlabelled edges in order.
func (b *DefinitionBuilder) Chain(ids ...string) *DefinitionBuilder {
	for i := 1; i < len(ids); i++ {
		b.Edge(ids[i-1], ids[i])
	}
	return b
}

// Build validates the graph and returns a copy of the definition.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	def := b.def.Clone()
	errs := append([]error(nil), b.errs...)
	if err := def.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, api.NewError(api.CodeInvalidDefinition, "definition "+b.def.ID).WithCause(err)
	}
	return def, nil
}

// MustBuild is like Build but panics on error.
// Useful for initialization in main().
func (b *DefinitionBuilder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// Save builds the definition and stores it as a new version.
func (b *DefinitionBuilder) Save(ctx context.Context, eng Engine) (*Definition, error) {
	def, err := b.Build()
	if err != nil {
		return nil, err
	}
	return eng.SaveDefinition(ctx, def)
}
