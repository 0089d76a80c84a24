package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// toolSchema is the precompiled validation artifact for one tool: the
// $ref-free schema advertised to the LLM and the compiled validator applied
// to arguments before each call. Recomputed only when the server reports
// tools/list_changed.
type toolSchema struct {
	inlined  json.RawMessage
	compiled *jsonschema.Schema
}

// prepareToolSchema inlines refs and compiles the result. A tool without a
// schema validates everything.
func prepareToolSchema(qualifiedName string, raw json.RawMessage) (*toolSchema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}

	inlined, err := InlineSchema(raw)
	if err != nil {
		return nil, fmt.Errorf("inline schema: %w", err)
	}

	compiled, err := jsonschema.CompileString(qualifiedName+".schema.json", string(inlined))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &toolSchema{inlined: inlined, compiled: compiled}, nil
}

// validate checks tool arguments against the compiled schema.
func (s *toolSchema) validate(tool string, args json.RawMessage) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return &ArgumentValidationError{Tool: tool, Err: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}
	if err := s.compiled.Validate(decoded); err != nil {
		return &ArgumentValidationError{Tool: tool, Err: err}
	}
	return nil
}

// InlineSchema resolves local $ref pointers against $defs/definitions and
// strips the definition blocks, producing a schema downstream tool-calling
// APIs accept. Non-local refs and reference cycles degrade to the permissive
// empty schema rather than failing registration.
func InlineSchema(raw json.RawMessage) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	root, ok := doc.(map[string]any)
	if !ok {
		// Boolean schemas and other non-object forms carry no refs.
		return raw, nil
	}

	defs := map[string]any{}
	for _, key := range []string{"$defs", "definitions"} {
		if block, ok := root[key].(map[string]any); ok {
			for name, def := range block {
				defs["#/"+key+"/"+name] = def
			}
		}
	}

	inlined := inlineValue(root, defs, map[string]bool{})
	if m, ok := inlined.(map[string]any); ok {
		delete(m, "$defs")
		delete(m, "definitions")
	}

	out, err := json.Marshal(inlined)
	if err != nil {
		return nil, fmt.Errorf("serialize inlined schema: %w", err)
	}
	return out, nil
}

func inlineValue(value any, defs map[string]any, active map[string]bool) any {
	switch v := value.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			return inlineRef(ref, defs, active)
		}
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = inlineValue(child, defs, active)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = inlineValue(child, defs, active)
		}
		return out
	default:
		return v
	}
}

func inlineRef(ref string, defs map[string]any, active map[string]bool) any {
	def, ok := defs[ref]
	if !ok || !strings.HasPrefix(ref, "#/") {
		// External or unresolvable ref: degrade to accept-all.
		return map[string]any{}
	}
	if active[ref] {
		// Recursive definition cannot be inlined.
		return map[string]any{}
	}
	active[ref] = true
	out := inlineValue(def, defs, active)
	delete(active, ref)
	return out
}
