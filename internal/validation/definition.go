package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/toolrun/toolrun/pkg/schema"
)

// actionSchemaJSON is the JSON Schema for org-authored Action definitions.
// Embedded as a constant to avoid filesystem dependencies.
const actionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://toolrun.dev/schemas/action.json",
  "type": "object",
  "required": ["key", "org_id", "tool_id", "method", "endpoint"],
  "properties": {
    "id": {"type": "string"},
    "key": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9._-]*$"},
    "name": {"type": "string"},
    "org_id": {"type": "string", "minLength": 1},
    "tool_id": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
    "endpoint": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "input_schema": {
      "type": "array",
      "items": {"$ref": "#/$defs/parameter"}
    },
    "success_when": {"type": "string"},
    "output_filter": {"type": "string"},
    "timeout_ms": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false,
  "$defs": {
    "parameter": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "type": {"type": "string", "enum": ["string", "number", "boolean", "enum", "date"]},
        "required": {"type": "boolean"},
        "options": {"type": "array", "items": {"type": "string"}},
        "validation": {
          "type": "object",
          "properties": {
            "min": {"type": "number"},
            "max": {"type": "number"},
            "pattern": {"type": "string"},
            "format": {"type": "string", "enum": ["email", "url", "date", "date-time"]},
            "enum_values": {"type": "array", "items": {"type": "string"}}
          },
          "additionalProperties": false
        },
        "default": {}
      },
      "additionalProperties": false
    }
  }
}`

// DefinitionValidator validates tenant-authored Action definitions against
// the action JSON Schema plus structural checks the schema cannot express.
// It is safe for concurrent use.
type DefinitionValidator struct {
	actionSchema *jsonschema.Schema
}

// NewDefinitionValidator creates a DefinitionValidator with the action schema pre-compiled.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(actionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal action schema: %w", err)
	}
	if err := c.AddResource("https://toolrun.dev/schemas/action.json", doc); err != nil {
		return nil, fmt.Errorf("add action schema resource: %w", err)
	}

	compiled, err := c.Compile("https://toolrun.dev/schemas/action.json")
	if err != nil {
		return nil, fmt.Errorf("compile action schema: %w", err)
	}

	return &DefinitionValidator{actionSchema: compiled}, nil
}

// ValidateAction validates an Action definition.
func (v *DefinitionValidator) ValidateAction(action *schema.Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action definition is nil")
	}

	doc, err := toJSONValue(action)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize action definition").WithCause(err)
	}

	if err := v.actionSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	// Structural checks JSON Schema cannot express.
	seen := make(map[string]struct{}, len(action.InputSchema))
	for _, p := range action.InputSchema {
		if _, exists := seen[p.Name]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		if p.Type == schema.ParamEnum && len(p.Options) == 0 &&
			(p.Validation == nil || len(p.Validation.EnumValues) == 0) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"enum parameter %q has no options", p.Name)
		}
	}

	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with the leaf violations collected for actionable reporting.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("definition validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
