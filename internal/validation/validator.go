// Package validation checks workflow definitions before they are stored:
// the document shape and every node config against an embedded JSON Schema,
// the graph invariants, and the Condition predicates.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// PredicateChecker compiles a predicate without evaluating it.
// *expressions.Router implements it.
type PredicateChecker interface {
	Check(p api.Predicate) error
}

// Validator validates definitions. It is safe for concurrent use.
type Validator struct {
	document   *jsonschema.Schema
	nodes      map[api.NodeType]*jsonschema.Schema
	predicates PredicateChecker
}

// New compiles the embedded schemas. predicates may be nil, in which case
// Condition expressions are not compiled during validation.
func New(predicates PredicateChecker) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}

	v := &Validator{
		nodes:      make(map[api.NodeType]*jsonschema.Schema, len(api.NodeTypes)),
		predicates: predicates,
	}
	if v.document, err = c.Compile(definitionSchemaURL); err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	for _, t := range api.NodeTypes {
		sch, err := c.Compile(definitionSchemaURL + "#/$defs/" + string(t))
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", t, err)
		}
		v.nodes[t] = sch
	}
	return v, nil
}

// ValidateDocument validates a JSON-encoded definition document against the
// schema only. Loaders call it before decoding so that problems are reported
// against the document the user wrote.
func (v *Validator) ValidateDocument(data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return api.NewError(api.CodeInvalidDefinition, "definition is not valid JSON").WithCause(err)
	}
	if err := v.document.Validate(doc); err != nil {
		return toDefinitionError(err)
	}
	return nil
}

// ValidateNodeConfig validates the raw config of a single node.
func (v *Validator) ValidateNodeConfig(t api.NodeType, raw json.RawMessage) error {
	sch, ok := v.nodes[t]
	if !ok {
		return api.Errorf(api.CodeGraphConfig, "unknown node type %q", t)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return api.Errorf(api.CodeInvalidDefinition, "%s config is not valid JSON", t).WithCause(err)
	}
	if err := sch.Validate(doc); err != nil {
		return toDefinitionError(err)
	}
	return nil
}

// ValidateDefinition runs the schema, the graph invariants and the predicate
// checks against def. All problems found are reported in one error.
func (v *Validator) ValidateDefinition(def *api.Definition) error {
	if def == nil {
		return api.NewError(api.CodeInvalidDefinition, "definition is nil")
	}

	data, err := json.Marshal(def)
	if err != nil {
		return api.NewError(api.CodeInvalidDefinition, "failed to serialize definition").WithCause(err)
	}
	if err := v.ValidateDocument(data); err != nil {
		return err
	}

	if err := def.Validate(); err != nil {
		return err
	}

	if v.predicates == nil {
		return nil
	}
	var problems []string
	for id, n := range def.Nodes {
		cfg, ok := n.Config.(api.ConditionConfig)
		if !ok {
			continue
		}
		if err := v.predicates.Check(api.Predicate{Language: cfg.Language, Expression: cfg.Expression}); err != nil {
			problems = append(problems, fmt.Sprintf("/nodes/%s/config/expression: %s", id, err))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return api.Errorf(api.CodeInvalidDefinition, "definition %q has invalid predicates", def.ID).
		WithDetails(map[string]any{"violations": problems})
}

// toDefinitionError converts a jsonschema.ValidationError into an *api.Error
// listing every leaf violation.
func toDefinitionError(err error) *api.Error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return api.NewError(api.CodeInvalidDefinition, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return api.NewError(api.CodeInvalidDefinition, verr.Error())
	case 1:
		return api.NewError(api.CodeInvalidDefinition, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return api.Errorf(api.CodeInvalidDefinition, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
