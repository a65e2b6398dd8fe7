// Package synth implements the SynthesisEngine: single-shot,
// schema-validated chat model invocation with a bounded correction-retry
// loop enforcing a cite-or-abstain contract.
package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pka/analyst/llm"
)

// Local sentinels mirror the top-level analyst error taxonomy. synth
// cannot import the analyst package (analyst imports synth), so these are
// defined here and expected to be mapped onto analyst's own sentinels by
// callers that need a single taxonomy surfaced to API clients.
var (
	ErrTransport  = errors.New("synth: transport error")
	ErrValidation = errors.New("synth: validation error")
)

const systemPrompt = `You are the Personal Knowledge Analyst. Use ONLY the provided context snippets.
- If the snippets do not fully answer the question, you MUST abstain with actionable guidance.
- Every claim must cite sources; provide citations using the supplied identifiers.
- Respond with JSON only. No prose, no markdown, no commentary.`

// Snippet is the minimal view of a retrieved context snippet the engine
// needs to render a prompt. It mirrors retrieval.Snippet's exported shape
// without importing the retrieval package, keeping synth usable standalone.
type Snippet struct {
	Citation  string
	Rationale string
	Content   string
}

// Config controls model invocation parameters.
type Config struct {
	Model       string
	Temperature float64
	Seed        int
	MaxRetries  int
	NumPredict  int
	NumCtx      int
	KeepAlive   string
}

// Engine renders a prompt from a registered template, invokes the chat
// model, and validates its response against the answer schema, retrying a
// bounded number of times with a correction turn on validation failure.
type Engine struct {
	provider llm.Provider
	registry *PromptTemplateRegistry
	schema   *Schema
	cfg      Config

	templateName    string
	lastRawResponse string
}

// New constructs an Engine using the named template from registry.
func New(provider llm.Provider, registry *PromptTemplateRegistry, schema *Schema, templateName string, cfg Config) *Engine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 1
	}
	return &Engine{provider: provider, registry: registry, schema: schema, cfg: cfg, templateName: templateName}
}

// LastRawResponse returns the most recent raw model response text, for
// diagnostics (e.g. surfacing alongside a persisted QARun on failure).
func (e *Engine) LastRawResponse() string {
	return e.lastRawResponse
}

// Template resolves the engine's configured prompt template, so callers
// can record its version and hash on a run before invoking the model.
func (e *Engine) Template() (PromptTemplate, error) {
	return e.registry.Get(e.templateName)
}

// Result bundles the generated answer with the prompt metadata a caller
// needs to persist alongside the run.
type Result struct {
	Answer        Answer
	Retries       int
	TemplateHash  string
	PromptVersion string
}

// Generate renders the prompt for (question, snippets, mode), invokes the
// chat model, and returns a validated Answer. Transport errors fail fast;
// validation errors are retried up to cfg.MaxRetries additional times with
// a correction turn appended to the conversation.
func (e *Engine) Generate(ctx context.Context, question string, snippets []Snippet, mode string) (Result, error) {
	template, err := e.registry.Get(e.templateName)
	if err != nil {
		return Result{}, err
	}

	contextBlock := formatContext(snippets)
	userPrompt := template.Render(map[string]string{
		"question":    escapeBraces(question),
		"context":     contextBlock,
		"schema_json": e.schema.EscapedJSON,
		"mode":        mode,
	})

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		answer, invokeErr := e.invoke(ctx, messages)
		if invokeErr == nil {
			return Result{
				Answer:        answer,
				Retries:       attempt,
				TemplateHash:  template.Hash(),
				PromptVersion: template.Version,
			}, nil
		}

		if !errors.Is(invokeErr, ErrValidation) {
			return Result{}, invokeErr
		}

		lastErr = invokeErr
		correction := fmt.Sprintf(
			"The previous response was invalid: %s\nRespond again with strictly valid JSON that satisfies the schema.",
			invokeErr,
		)
		messages = append(messages, llm.Message{Role: "user", Content: correction})
	}

	return Result{}, lastErr
}

func (e *Engine) invoke(ctx context.Context, messages []llm.Message) (Answer, error) {
	seed := e.cfg.Seed
	req := llm.ChatRequest{
		Model:       e.cfg.Model,
		Messages:    messages,
		Temperature: e.cfg.Temperature,
		Seed:        &seed,
		KeepAlive:   e.cfg.KeepAlive,
	}
	if e.cfg.NumPredict > 0 {
		v := e.cfg.NumPredict
		req.NumPredict = &v
	}
	if e.cfg.NumCtx > 0 {
		v := e.cfg.NumCtx
		req.NumCtx = &v
	}

	resp, err := e.provider.Chat(ctx, req)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	e.lastRawResponse = resp.Content

	var data map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &data); err != nil {
		preview := resp.Content
		if len(preview) > 160 {
			preview = preview[:160] + "..."
		}
		return Answer{}, fmt.Errorf("%w: response was not valid JSON (%v); preview: %q", ErrValidation, err, preview)
	}

	if err := e.schema.ApplyDefaults(data); err != nil {
		return Answer{}, fmt.Errorf("%w: applying schema defaults: %v", ErrValidation, err)
	}

	if err := e.schema.Validate(data); err != nil {
		return Answer{}, fmt.Errorf("%w: response failed schema validation: %v", ErrValidation, err)
	}

	answer, err := DecodeAnswer(data)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: decoding validated answer: %v", ErrValidation, err)
	}
	return answer, nil
}

// formatContext renders the snippet block for the user prompt. An empty
// snippet list renders as the sentinel NO_SNIPPETS_AVAILABLE, which forces
// the model to abstain since it has nothing to cite.
func formatContext(snippets []Snippet) string {
	if len(snippets) == 0 {
		return "NO_SNIPPETS_AVAILABLE"
	}
	var out string
	for i, s := range snippets {
		block := fmt.Sprintf("SNIPPET %d:\ncitation: %s\nrationale: %s\ntext: %s",
			i+1, s.Citation, s.Rationale, s.Content)
		if i > 0 {
			out += "\n\n"
		}
		out += escapeBraces(block)
	}
	return out
}

func escapeBraces(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			out = append(out, '{', '{')
		case '}':
			out = append(out, '}', '}')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
