package validation

// definitionSchemaURL identifies the embedded definition schema. Node config
// schemas are addressed as fragments of it, e.g. definitionSchemaURL+"#/$defs/action".
const definitionSchemaURL = "https://leadflow.dev/schemas/definition.json"

// definitionSchemaJSON is the JSON Schema for definition documents.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://leadflow.dev/schemas/definition.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "organization_id": { "type": "string" },
    "name": { "type": "string" },
    "industry": { "type": "string" },
    "active": { "type": "boolean" },
    "version": { "type": "integer", "minimum": 0 },
    "created_at": { "type": "string" },
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "id": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["start", "end", "action", "delay", "condition"]
        },
        "config": {}
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "start" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/start" } } }
        },
        {
          "if": { "properties": { "type": { "const": "end" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/end" } } }
        },
        {
          "if": { "properties": { "type": { "const": "action" } } },
          "then": {
            "required": ["config"],
            "properties": { "config": { "$ref": "#/$defs/action" } }
          }
        },
        {
          "if": { "properties": { "type": { "const": "delay" } } },
          "then": {
            "required": ["config"],
            "properties": { "config": { "$ref": "#/$defs/delay" } }
          }
        },
        {
          "if": { "properties": { "type": { "const": "condition" } } },
          "then": {
            "required": ["config"],
            "properties": { "config": { "$ref": "#/$defs/condition" } }
          }
        }
      ]
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "branch": { "type": "string" }
      },
      "additionalProperties": false
    },
    "start": {
      "type": "object",
      "additionalProperties": false
    },
    "end": {
      "type": "object",
      "properties": {
        "reason": { "type": "string" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": { "type": "string", "minLength": 1 },
        "params": { "type": "object" },
        "best_effort": { "type": "boolean" },
        "result_key": { "type": "string" }
      },
      "additionalProperties": false
    },
    "delay": {
      "type": "object",
      "required": ["duration"],
      "properties": {
        "duration": {
          "oneOf": [
            {
              "type": "string",
              "pattern": "^(0|([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$"
            },
            { "type": "number", "minimum": 0 }
          ]
        }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "language": {
          "type": "string",
          "enum": ["expr", "cel", "jq"]
        },
        "expression": { "type": "string", "minLength": 1 },
        "default": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`
