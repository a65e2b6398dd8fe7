package synth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// PromptTemplate is a named, versioned user-prompt template. Render
// performs simple `{placeholder}` substitution — the same four
// placeholders (question, context, schema_json, mode) on every template
// registered for this engine.
type PromptTemplate struct {
	Name    string
	Content string
	Version string
}

// Render substitutes `{key}` placeholders in the template content in a
// single pass: `{{`/`}}` in the template render as literal braces, and
// substituted values are inserted verbatim, never re-scanned — so a value
// containing placeholder-shaped text cannot corrupt the rendering, and the
// output bytes are deterministic for identical inputs.
func (t PromptTemplate) Render(vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(t.Content))
	s := t.Content
	for i := 0; i < len(s); {
		switch {
		case s[i] == '{' && i+1 < len(s) && s[i+1] == '{':
			b.WriteByte('{')
			i += 2
		case s[i] == '}' && i+1 < len(s) && s[i+1] == '}':
			b.WriteByte('}')
			i += 2
		case s[i] == '{':
			end := strings.IndexByte(s[i:], '}')
			if end > 0 {
				if v, ok := vars[s[i+1:i+end]]; ok {
					b.WriteString(v)
					i += end + 1
					continue
				}
			}
			b.WriteByte(s[i])
			i++
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

// Hash identifies this exact template (name, version, and content) for
// recording on a QARun, so a stored run can later be attributed to the
// precise prompt that produced it even if the template registry changes.
func (t PromptTemplate) Hash() string {
	h := sha256.Sum256([]byte(t.Name + "\x00" + t.Version + "\x00" + t.Content))
	return hex.EncodeToString(h[:])
}

// PromptTemplateRegistry holds the set of templates an engine can render
// from, keyed by name. It is immutable after construction — templates are
// registered once at startup.
type PromptTemplateRegistry struct {
	templates map[string]PromptTemplate
}

// NewPromptTemplateRegistry constructs an empty registry.
func NewPromptTemplateRegistry() *PromptTemplateRegistry {
	return &PromptTemplateRegistry{templates: make(map[string]PromptTemplate)}
}

// Register adds a template to the registry, keyed by its Name.
func (r *PromptTemplateRegistry) Register(t PromptTemplate) {
	r.templates[t.Name] = t
}

// Get looks up a registered template by name.
func (r *PromptTemplateRegistry) Get(name string) (PromptTemplate, error) {
	t, ok := r.templates[name]
	if !ok {
		return PromptTemplate{}, fmt.Errorf("prompt template %q is not registered", name)
	}
	return t, nil
}

// DefaultTemplateName is the template registered by DefaultRegistry.
const DefaultTemplateName = "synthesize-v1"

// DefaultRegistry returns a registry pre-populated with the synthesis
// template used by the production engine.
func DefaultRegistry() *PromptTemplateRegistry {
	r := NewPromptTemplateRegistry()
	r.Register(PromptTemplate{
		Name:    DefaultTemplateName,
		Version: "1",
		Content: strings.Join([]string{
			"Question: {question}",
			"Mode: {mode}",
			"",
			"Context snippets:",
			"{context}",
			"",
			"Respond with JSON only, matching exactly this schema:",
			"{schema_json}",
		}, "\n"),
	})
	return r
}
