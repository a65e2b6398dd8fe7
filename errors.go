package analyst

import "errors"

// Error taxonomy. Each sentinel corresponds to one of the categories the
// system distinguishes for retry and propagation purposes: transport
// failures are never retried inside a request, protocol failures are
// retried per component policy, validation failures are retried with a
// correction turn, ingestion failures are scoped to a single file, and
// not-found/config errors are terminal.
var (
	// ErrTransport covers RPC timeouts, connection refusal, and HTTP >= 400
	// from a model daemon. Surfaced as a 5xx; never retried inside a request.
	ErrTransport = errors.New("analyst: transport error")

	// ErrProtocol covers malformed model responses: unrecognized embedding
	// payload shape, dimension mismatch, count mismatch, non-JSON chat
	// response. Retried per the owning component's policy.
	ErrProtocol = errors.New("analyst: protocol error")

	// ErrValidation covers a chat response that parses as JSON but fails
	// schema validation. Retried up to max_retries with a correction turn.
	ErrValidation = errors.New("analyst: validation error")

	// ErrIngestion covers chunker, embedding-count-mismatch, or transaction
	// failures scoped to a single source file. Logged; the file is skipped.
	ErrIngestion = errors.New("analyst: ingestion error")

	// ErrNotFound covers replay lookups against an unknown run id.
	ErrNotFound = errors.New("analyst: not found")

	// ErrConfig covers missing or invalid settings detected at startup.
	ErrConfig = errors.New("analyst: invalid configuration")

	// ErrDocumentNotFound is returned when a document id or path is unknown.
	ErrDocumentNotFound = errors.New("analyst: document not found")
)
