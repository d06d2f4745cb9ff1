package invoker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidationError describes a malformed agent payload. Never retried:
// a model that cannot follow the schema fails the debate rather than having
// its output coerced into shape.
type SchemaValidationError struct {
	Role    string
	Message string
	Raw     string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.Role, e.Message)
}

// agentOutputSchema constrains opposing-agent responses.
const agentOutputSchema = `{
	"type": "object",
	"required": ["score", "confidence"],
	"properties": {
		"score": {"type": "number", "minimum": 0, "maximum": 100},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"evidence": {"type": "array", "items": {"type": "string"}},
		"concerns": {"type": "array", "items": {"type": "string"}},
		"hard_exclusion": {"type": "boolean"},
		"exclusion_reason": {"type": "string"}
	}
}`

// synthesisSchema constrains synthesizer responses.
const synthesisSchema = `{
	"type": "object",
	"required": ["score", "confidence", "rationale"],
	"properties": {
		"score": {"type": "number", "minimum": 0, "maximum": 100},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"rationale": {"type": "string"},
		"talking_points": {"type": "array", "items": {"type": "string"}},
		"concerns": {"type": "array", "items": {"type": "string"}}
	}
}`

// compiledSchema pairs a compiled validator with its raw JSON for
// provider-level injection.
type compiledSchema struct {
	schema *jsonschema.Schema
	raw    json.RawMessage
}

func compileSchema(raw string) (*compiledSchema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &compiledSchema{schema: schema, raw: json.RawMessage(raw)}, nil
}

// validate extracts the JSON payload from responseText and checks it
// against the schema. Returns the extracted JSON on success.
func (cs *compiledSchema) validate(role, responseText string) (string, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return "", &SchemaValidationError{
			Role:    role,
			Message: "response does not contain valid JSON",
			Raw:     responseText,
		}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return "", &SchemaValidationError{
			Role:    role,
			Message: fmt.Sprintf("invalid JSON: %s", err),
			Raw:     responseText,
		}
	}
	if err := cs.schema.Validate(parsed); err != nil {
		return "", &SchemaValidationError{
			Role:    role,
			Message: fmt.Sprintf("schema validation failed: %s", err),
			Raw:     responseText,
		}
	}
	return jsonStr, nil
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: first { or [ with a balanced close.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' && inString {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
