// Package embed provides the embedding RPC client used by ingestion and
// retrieval: a batched, order-preserving wrapper around a model daemon's
// embedding endpoint with bounded exponential-backoff retry and tolerance
// for the handful of response shapes different daemons return.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// ErrProtocol reports a model daemon response that doesn't match the shape
// or dimensionality the store and retrieval layers require: wrong vector
// count, or a vector whose length doesn't match the configured embedding
// dimension.
var ErrProtocol = errors.New("embed: protocol error")

// Client calls a model daemon's embedding endpoint.
type Client struct {
	baseURL     string
	model       string
	apiKey      string
	expectedDim int
	httpClient  *http.Client

	batchSize  int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBatchSize overrides the default batch size (16).
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithRetryPolicy overrides the retry attempt count and backoff bounds.
func WithRetryPolicy(attempts int, base, max time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = attempts
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithHTTPClient overrides the underlying *http.Client (for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates an embedding client against baseURL for the given model.
// expectedDim is the dimensionality the store was opened with; every
// returned vector is checked against it.
func New(baseURL, model, apiKey string, expectedDim int, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		model:       model,
		apiKey:      apiKey,
		expectedDim: expectedDim,
		httpClient:  &http.Client{Timeout: timeout},
		batchSize:   16,
		maxRetries:  3,
		baseDelay:   1 * time.Second,
		maxDelay:    4 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases pooled HTTP connections, for clean process shutdown.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// EmbedAll embeds all texts, splitting into batches of c.batchSize and
// preserving input order in the returned slice. A batch that fails after
// all retries surfaces the error directly; there is no per-text fallback.
func (c *Client) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := c.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embedding batch at %d: %w", start, err)
		}
		out = append(out, vectors...)
	}

	return out, nil
}

// embedWithRetry issues one embed call, retrying transport and protocol
// failures alike — including count and dimension mismatches — with
// exponential backoff (base, doubling, capped at max).
func (c *Client) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := c.baseDelay

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(math.Min(float64(delay*2), float64(c.maxDelay)))
		}

		vectors, err := c.embedOnce(ctx, texts)
		if err == nil {
			err = c.validateVectors(vectors, len(texts))
		}
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		slog.Debug("embed attempt failed", "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("embed failed after %d attempts: %w", c.maxRetries, lastErr)
}

// validateVectors checks a response against the request: one vector per
// input text, each of the configured dimension.
func (c *Client) validateVectors(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return fmt.Errorf("%w: embed returned %d vectors for %d texts", ErrProtocol, len(vectors), want)
	}
	if c.expectedDim > 0 {
		for i, v := range vectors {
			if len(v) != c.expectedDim {
				return fmt.Errorf("%w: embed returned vector of length %d for text %d, want %d", ErrProtocol, len(v), i, c.expectedDim)
			}
		}
	}
	return nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse tolerates the three response shapes real embedding daemons
// return: a top-level "embeddings" array of vectors, a single top-level
// "embedding" vector (only valid for a one-text request), or an OpenAI-style
// "data" array whose elements are either bare vectors or {embedding: [...]}.
type embedResponse struct {
	Embeddings [][]float64      `json:"embeddings"`
	Embedding  []float64        `json:"embedding"`
	Data       []embedDataEntry `json:"data"`
}

type embedDataEntry struct {
	Embedding []float64 `json:"embedding"`
}

// UnmarshalJSON accepts both data-entry encodings: a bare vector, or an
// object wrapping one under "embedding".
func (e *embedDataEntry) UnmarshalJSON(b []byte) error {
	var bare []float64
	if err := json.Unmarshal(b, &bare); err == nil {
		e.Embedding = bare
		return nil
	}
	var obj struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.Embedding = obj.Embedding
	return nil
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed transport error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading embed response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("embed endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}

	return toFloat32Vectors(parsed)
}

func toFloat32Vectors(r embedResponse) ([][]float32, error) {
	switch {
	case len(r.Embeddings) > 0:
		return float64MatrixToFloat32(r.Embeddings), nil
	case len(r.Embedding) > 0:
		return [][]float32{float64sToFloat32s(r.Embedding)}, nil
	case len(r.Data) > 0:
		out := make([][]float32, len(r.Data))
		for i, d := range r.Data {
			if len(d.Embedding) == 0 {
				return nil, fmt.Errorf("embed response data[%d] has no embedding", i)
			}
			out[i] = float64sToFloat32s(d.Embedding)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("embed response had no recognizable embeddings/embedding/data field")
	}
}

func float64MatrixToFloat32(m [][]float64) [][]float32 {
	out := make([][]float32, len(m))
	for i, row := range m {
		out[i] = float64sToFloat32s(row)
	}
	return out
}

func float64sToFloat32s(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
