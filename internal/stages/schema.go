package stages

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Strict responses are checked against these schemas before scoring.
// Enumerations mirror the values the strict prompts ask for.

const requirementSchema = `{
  "type": "object",
  "required": ["functional_requirements"],
  "properties": {
    "functional_requirements": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/requirement"}},
    "non_functional_requirements": {"type": "array", "items": {"$ref": "#/$defs/requirement"}},
    "constraints": {"type": "array", "items": {"$ref": "#/$defs/requirement"}},
    "edge_cases": {"type": "array", "items": {"type": "string"}},
    "assumptions": {"type": "array", "items": {"type": "string"}},
    "summary": {"type": "string"},
    "confidence_score": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning_steps": {"type": "array", "items": {"type": "string"}}
  },
  "$defs": {
    "requirement": {
      "type": "object",
      "required": ["id", "type", "description", "priority"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"enum": ["functional", "non-functional", "constraint"]},
        "description": {"type": "string", "minLength": 10},
        "priority": {"enum": ["high", "medium", "low"]},
        "source": {"type": "string"},
        "acceptance_criteria": {"type": "array", "items": {"type": "string"}},
        "edge_cases": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

const artifactSchema = `{
  "type": "object",
  "required": ["generated_files"],
  "properties": {
    "files_modified": {"type": "array", "items": {"type": "string"}},
    "diff_hunks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["file", "content"],
        "properties": {
          "file": {"type": "string", "minLength": 1},
          "old_start": {"type": "integer", "minimum": 0},
          "old_count": {"type": "integer", "minimum": 0},
          "new_start": {"type": "integer", "minimum": 0},
          "new_count": {"type": "integer", "minimum": 0},
          "content": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        }
      }
    },
    "generated_files": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["filename", "content"],
        "properties": {
          "filename": {"type": "string", "minLength": 1},
          "language": {"type": "string"},
          "content": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "line_count": {"type": "integer", "minimum": 0},
          "is_new": {"type": "boolean"}
        }
      }
    },
    "unified_diff": {"type": "string"},
    "patterns_used": {"type": "array", "items": {"type": "string"}},
    "impact_analysis": {
      "type": "object",
      "properties": {
        "breaking_change_risk": {"enum": ["low", "medium", "high"]}
      }
    },
    "summary": {"type": "string"},
    "confidence_score": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning_trace": {"type": "array", "items": {"type": "string"}},
    "rag_sources_used": {"type": "array", "items": {"type": "string"}}
  }
}`

const verificationSchema = `{
  "type": "object",
  "required": ["tests"],
  "properties": {
    "tests": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "test_type", "code"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "test_type": {"enum": ["unit", "integration", "e2e", "boundary"]},
          "code": {"type": "string", "minLength": 20},
          "covers_requirement": {"type": "string"},
          "covers_method": {"type": "string"},
          "assertions": {"type": "integer", "minimum": 0}
        }
      }
    },
    "test_file": {"type": "string"},
    "test_framework": {"type": "string"},
    "target_files": {"type": "array", "items": {"type": "string"}},
    "coverage_metrics": {"type": "object"},
    "covered_requirements": {"type": "array", "items": {"type": "string"}},
    "summary": {"type": "string"},
    "confidence_score": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning_trace": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	requirementValidator  = compileSchema(requirementSchema)
	artifactValidator     = compileSchema(artifactSchema)
	verificationValidator = compileSchema(verificationSchema)
)

func compileSchema(src string) func() (*jsonschema.Resolved, error) {
	return sync.OnceValues(func() (*jsonschema.Resolved, error) {
		var s jsonschema.Schema
		if err := json.Unmarshal([]byte(src), &s); err != nil {
			return nil, err
		}
		return s.Resolve(nil)
	})
}

// validateStrict checks the response text against the schema returned by
// load. The text must already decode as JSON.
func validateStrict(raw string, load func() (*jsonschema.Resolved, error)) error {
	rs, err := load()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var instance any
	if err := json.Unmarshal([]byte(StripFences(raw)), &instance); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if err := rs.Validate(instance); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
