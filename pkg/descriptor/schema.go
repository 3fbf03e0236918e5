package descriptor

// Schema is the JSON Schema a descriptor document must satisfy
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "inputSchema", "operation"],
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[A-Za-z0-9_-]{1,64}$",
      "description": "Unique tool name, used as registry key"
    },
    "description": {
      "type": ["string", "null"],
      "description": "Tool description shown to clients"
    },
    "inputSchema": {
      "type": "object",
      "required": ["properties"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["object"]
        },
        "properties": {
          "type": "object",
          "propertyNames": {
            "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
          },
          "additionalProperties": {
            "type": ["object", "null"],
            "properties": {
              "type": {
                "type": "string",
                "description": "integer, string, number or boolean"
              },
              "description": {
                "type": "string"
              }
            }
          }
        }
      }
    },
    "operation": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "expression": {
          "type": "string",
          "minLength": 1,
          "description": "Expression over the declared parameters"
        }
      }
    }
  }
}`
