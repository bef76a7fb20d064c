package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/labelmint/flow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://labelmint.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": "array",
      "items": { "$ref": "#/$defs/connection" }
    },
    "variables": { "type": "object" },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "config": { "type": "object" },
        "inputs": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "outputs": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "errorHandling": {
          "type": "object",
          "properties": {
            "continueOnError": { "type": "boolean" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["sourceNode", "targetNode"],
      "properties": {
        "sourceNode": { "type": "string", "minLength": 1 },
        "sourcePort": { "type": "string" },
        "targetNode": { "type": "string", "minLength": 1 },
        "targetPort": { "type": "string" },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["maxAttempts"],
      "properties": {
        "maxAttempts": { "type": "integer", "minimum": 1 },
        "backoffType": {
          "type": "string",
          "enum": ["fixed", "linear", "exponential"]
        },
        "backoffDelay": { "$ref": "#/$defs/duration" },
        "maxDelay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["manual", "webhook", "schedule", "event"]
        },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    }
  }
}`

// conditionConfigSchemaJSON validates the config block of condition nodes.
const conditionConfigSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://labelmint.dev/schemas/condition-config.json",
  "type": "object",
  "required": ["conditionType"],
  "properties": {
    "conditionType": {
      "type": "string",
      "enum": ["expression", "rules", "script"]
    },
    "expression": { "type": "string", "minLength": 1 },
    "script": { "type": "string", "minLength": 1 },
    "logicOperator": {
      "type": "string",
      "enum": ["and", "or", "AND", "OR"]
    },
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/rule" }
    }
  },
  "additionalProperties": false,
  "allOf": [
    {
      "if": { "properties": { "conditionType": { "const": "expression" } } },
      "then": { "required": ["expression"] }
    },
    {
      "if": { "properties": { "conditionType": { "const": "rules" } } },
      "then": { "required": ["rules"] }
    },
    {
      "if": { "properties": { "conditionType": { "const": "script" } } },
      "then": { "required": ["script"] }
    }
  ],
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": {
          "type": "string",
          "enum": [
            "equals", "not_equals",
            "greater_than", "less_than", "greater_equal", "less_equal",
            "contains", "not_contains", "starts_with", "ends_with",
            "is_empty", "is_not_empty",
            "in", "not_in",
            "matches_regex"
          ]
        },
        "value": {},
        "valueType": {
          "type": "string",
          "enum": ["string", "number", "boolean", "date"]
        }
      },
      "additionalProperties": false
    }
  }
}`

// apiCallConfigSchemaJSON validates the config block of api_call nodes.
// URL, headers, params and auth fields may carry interpolation placeholders,
// so only shape is enforced here.
const apiCallConfigSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://labelmint.dev/schemas/apicall-config.json",
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": { "type": "string", "minLength": 1 },
    "method": {
      "type": "string",
      "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS",
               "get", "post", "put", "patch", "delete", "head", "options"]
    },
    "headers": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "params": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "body": {},
    "bodyType": {
      "type": "string",
      "enum": ["json", "form", "raw", "JSON", "FORM", "RAW"]
    },
    "timeout": {
      "oneOf": [
        { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
        { "type": "number", "exclusiveMinimum": 0 }
      ]
    },
    "authentication": { "$ref": "#/$defs/authentication" },
    "responseMapping": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "authentication": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["bearer", "basic", "api_key", "oauth2"]
        },
        "token": { "type": "string" },
        "username": { "type": "string" },
        "password": { "type": "string" },
        "key": { "type": "string" },
        "header": { "type": "string" },
        "tokenUrl": { "type": "string" },
        "clientId": { "type": "string" },
        "clientSecret": { "type": "string" },
        "scopes": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements structural validation using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema  *jsonschema.Schema
	conditionSchema *jsonschema.Schema
	apiCallSchema   *jsonschema.Schema

	// mu guards the cache for dynamic input-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with all embedded
// schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	v := &JSONSchemaValidator{cache: make(map[string]*jsonschema.Schema)}

	var err error
	if v.workflowSchema, err = compileEmbedded("https://labelmint.dev/schemas/workflow.json", workflowSchemaJSON); err != nil {
		return nil, err
	}
	if v.conditionSchema, err = compileEmbedded("https://labelmint.dev/schemas/condition-config.json", conditionConfigSchemaJSON); err != nil {
		return nil, err
	}
	if v.apiCallSchema, err = compileEmbedded("https://labelmint.dev/schemas/apicall-config.json", apiCallConfigSchemaJSON); err != nil {
		return nil, err
	}
	return v, nil
}

func compileEmbedded(url, raw string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow
// JSON Schema, then validates each built-in node's config block against
// its type-specific schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		var configSchema *jsonschema.Schema
		switch node.Type {
		case schema.NodeTypeCondition:
			configSchema = v.conditionSchema
		case schema.NodeTypeAPICall:
			configSchema = v.apiCallSchema
		default:
			continue
		}

		cfgDoc, err := toJSONValue(node.Config)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"nodes[%d]: failed to serialize config", i).WithCause(err).WithNode(node.ID)
		}
		if err := configSchema.Validate(cfgDoc); err != nil {
			return toFlowError(err).WithNode(node.ID)
		}
	}

	return nil
}

// ValidateInput validates trigger input against a JSON Schema provided as
// raw bytes. The compiled schema is cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("flow://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError,
// flattening the cause tree into per-location violation messages.
func toFlowError(err error) *schema.FlowError {
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
	return schema.NewErrorf(schema.ErrCodeValidation,
		"validation failed with %d errors", len(violations)).
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
