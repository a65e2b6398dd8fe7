package synth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Source identifies a single citation: a snippet identifier and a locator
// string (e.g. "L10-L20" or "p.3").
type Source struct {
	ID  string `json:"id"`
	Loc string `json:"loc"`
}

// Conflict records a claim the answer flags as contradicted across
// sources, along with the sources it disagrees between.
type Conflict struct {
	Claim   string   `json:"claim"`
	Sources []Source `json:"sources"`
}

// Answer is the cite-or-abstain structured response the synthesis engine
// enforces against the answer JSON schema.
type Answer struct {
	Abstain    bool       `json:"abstain"`
	AnswerText string     `json:"answer"`
	Bullets    []string   `json:"bullets"`
	Conflicts  []Conflict `json:"conflicts"`
	Sources    []Source   `json:"sources"`
}

// schemaDoc is the JSON schema enforced on every synthesis response. It
// declares no "$schema" and uses only keywords whose meaning is the same in
// Draft-07 and in 2020-12, the dialect jsonschema-go resolves.
// bullets/conflicts/sources default to empty arrays since model output
// commonly omits fields it has nothing to say about.
const schemaDoc = `{
  "type": "object",
  "required": ["abstain", "answer"],
  "properties": {
    "abstain": {"type": "boolean"},
    "answer": {"type": "string"},
    "bullets": {"type": "array", "items": {"type": "string"}, "default": []},
    "conflicts": {
      "type": "array",
      "default": [],
      "items": {
        "type": "object",
        "required": ["claim", "sources"],
        "properties": {
          "claim": {"type": "string"},
          "sources": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "loc"],
              "properties": {"id": {"type": "string"}, "loc": {"type": "string"}}
            }
          }
        }
      }
    },
    "sources": {
      "type": "array",
      "default": [],
      "items": {
        "type": "object",
        "required": ["id", "loc"],
        "properties": {"id": {"type": "string"}, "loc": {"type": "string"}}
      }
    }
  }
}`

// Schema compiles and validates the answer JSON schema, and knows how to
// apply its top-level defaults to raw model output before validation.
type Schema struct {
	resolved   *jsonschema.Resolved
	properties map[string]json.RawMessage
	// EscapedJSON is the schema text with literal `{`/`}` doubled, safe to
	// interpolate into a PromptTemplate without being mistaken for a
	// placeholder delimiter.
	EscapedJSON string
}

// CompileSchema parses and resolves the answer schema once at startup.
func CompileSchema() (*Schema, error) {
	var raw jsonschema.Schema
	if err := json.Unmarshal([]byte(schemaDoc), &raw); err != nil {
		return nil, fmt.Errorf("parsing answer schema: %w", err)
	}
	resolved, err := raw.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving answer schema: %w", err)
	}

	var generic struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal([]byte(schemaDoc), &generic); err != nil {
		return nil, fmt.Errorf("parsing answer schema properties: %w", err)
	}

	return &Schema{
		resolved:    resolved,
		properties:  generic.Properties,
		EscapedJSON: strings.ReplaceAll(strings.ReplaceAll(schemaDoc, "{", "{{"), "}", "}}"),
	}, nil
}

// ApplyDefaults fills any top-level property absent from data with the
// schema's declared default, mutating data in place. Must run before
// Validate: model output routinely omits optional arrays.
func (s *Schema) ApplyDefaults(data map[string]any) error {
	for name, propRaw := range s.properties {
		if _, present := data[name]; present {
			continue
		}
		var prop struct {
			Default json.RawMessage `json:"default"`
		}
		if err := json.Unmarshal(propRaw, &prop); err != nil {
			continue
		}
		if prop.Default == nil {
			continue
		}
		var def any
		if err := json.Unmarshal(prop.Default, &def); err != nil {
			return fmt.Errorf("decoding default for %q: %w", name, err)
		}
		data[name] = def
	}
	return nil
}

// Validate checks data against the Draft-07 answer schema.
func (s *Schema) Validate(data map[string]any) error {
	return s.resolved.Validate(data)
}

// DecodeAnswer converts validated, defaulted raw data into an Answer.
func DecodeAnswer(data map[string]any) (Answer, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Answer{}, err
	}
	var a Answer
	if err := json.Unmarshal(raw, &a); err != nil {
		return Answer{}, err
	}
	return a, nil
}
