package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"
)

// QARun represents one question-answering attempt: a question, the
// retry/latency bookkeeping around it, and whether it ended in abstention.
type QARun struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	Mode          string `json:"mode"`
	Abstained     bool   `json:"abstained"`
	Retries       int    `json:"retries"`
	LatencyMs     *int64 `json:"latency_ms,omitempty"`
	PromptVersion string `json:"prompt_version"`
	TemplateHash  string `json:"template_hash"`
	LLMVersion    string `json:"llm_version,omitempty"`
	Status        string `json:"status"` // pending, complete, failed
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// QAContext is one ranked retrieval result attached to a run. The row
// survives chunk deletion via ON DELETE SET NULL, but a ChunkID of nil
// means the chunk behind this context is gone, so getContextsForRun omits
// it: replay only rebuilds snippets that still resolve to a chunk.
type QAContext struct {
	ID           int64    `json:"id"`
	RunID        string   `json:"run_id"`
	ChunkID      *int64   `json:"chunk_id,omitempty"`
	Rank         int      `json:"rank"`
	ScoreBM25    *float64 `json:"score_bm25,omitempty"`
	ScoreEmbed   *float64 `json:"score_embed,omitempty"`
	ScoreRerank  *float64 `json:"score_rerank,omitempty"` // reserved, no writer yet
	Rationale    string   `json:"rationale"`
	Snippet      string   `json:"snippet"`
	DocumentPath string   `json:"document_path"`
	Locator      string   `json:"locator,omitempty"`
}

// QAAnswer is the exactly-one synthesized answer for a run.
type QAAnswer struct {
	RunID       string   `json:"run_id"`
	Answer      string   `json:"answer"`
	Bullets     []string `json:"bullets,omitempty"`
	Conflicts   []string `json:"conflicts,omitempty"`
	Sources     []string `json:"sources"`
	RawResponse string   `json:"raw_response,omitempty"`
}

// RunRecord bundles a run with its contexts and answer for replay.
type RunRecord struct {
	Run      QARun       `json:"run"`
	Contexts []QAContext `json:"contexts"`
	Answer   *QAAnswer   `json:"answer,omitempty"`
}

// NewRunID generates a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// CreateRun inserts a new qa_runs row in "pending" status and returns its id.
// If run.ID is empty, one is generated.
func (s *Store) CreateRun(ctx context.Context, run QARun) (string, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.Status == "" {
		run.Status = "pending"
	}
	if run.Mode == "" {
		run.Mode = "synthesize"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qa_runs (id, question, mode, abstained, retries, latency_ms, prompt_version, template_hash, llm_version, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Question, run.Mode, run.Abstained, run.Retries, run.LatencyMs,
		run.PromptVersion, run.TemplateHash, nullIfEmpty(run.LLMVersion), run.Status, nullIfEmpty(run.Error))
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// WriteContexts persists the ranked retrieval context for a run.
func (s *Store) WriteContexts(ctx context.Context, runID string, contexts []QAContext) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO qa_contexts (run_id, chunk_id, rank, score_bm25, score_embed, score_rerank, rationale, snippet, document_path, locator)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range contexts {
			if _, err := stmt.ExecContext(ctx, runID, c.ChunkID, c.Rank,
				c.ScoreBM25, c.ScoreEmbed, c.ScoreRerank, c.Rationale,
				c.Snippet, c.DocumentPath, nullIfEmpty(c.Locator)); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteAnswer persists the single synthesized answer for a run.
func (s *Store) WriteAnswer(ctx context.Context, answer QAAnswer) error {
	bulletsJSON, err := json.Marshal(answer.Bullets)
	if err != nil {
		return fmt.Errorf("marshaling bullets: %w", err)
	}
	conflictsJSON, err := json.Marshal(answer.Conflicts)
	if err != nil {
		return fmt.Errorf("marshaling conflicts: %w", err)
	}
	sourcesJSON, err := json.Marshal(answer.Sources)
	if err != nil {
		return fmt.Errorf("marshaling sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO qa_answers (run_id, answer, bullets, conflicts, sources, raw_response)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			answer = excluded.answer,
			bullets = excluded.bullets,
			conflicts = excluded.conflicts,
			sources = excluded.sources,
			raw_response = excluded.raw_response
	`, answer.RunID, answer.Answer, string(bulletsJSON), string(conflictsJSON),
		string(sourcesJSON), nullIfEmpty(answer.RawResponse))
	return err
}

// FinalizeRun updates the terminal bookkeeping fields on a run once
// synthesis (or abstention, or failure) has concluded.
func (s *Store) FinalizeRun(ctx context.Context, runID string, abstained bool, retries int, latencyMs int64, status, errMsg, llmVersion string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE qa_runs SET abstained = ?, retries = ?, latency_ms = ?, status = ?, error = ?, llm_version = ?
		WHERE id = ?
	`, abstained, retries, latencyMs, status, nullIfEmpty(errMsg), nullIfEmpty(llmVersion), runID)
	return err
}

// GetRun reconstructs a full run record for replay: the run row, its ranked
// contexts, and its answer if one exists. Returns ErrNotFound if the run id
// is unknown. The returned record is deep-copied so callers can freely
// mutate it without risk of aliasing internal state.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	run, err := s.getRunRow(ctx, runID)
	if err != nil {
		return nil, err
	}

	contexts, err := s.getContextsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	answer, err := s.getAnswerForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	record := &RunRecord{Run: *run, Contexts: contexts, Answer: answer}

	var copied RunRecord
	if err := deepcopy.Copy(&copied, record); err != nil {
		return nil, fmt.Errorf("deep-copying run record: %w", err)
	}
	return &copied, nil
}

// ListRuns returns the most recent runs, most recent first, up to limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]QARun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, mode, abstained, retries, latency_ms, prompt_version, template_hash,
			COALESCE(llm_version, ''), status, COALESCE(error, ''), created_at
		FROM qa_runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []QARun
	for rows.Next() {
		var r QARun
		if err := rows.Scan(&r.ID, &r.Question, &r.Mode, &r.Abstained, &r.Retries, &r.LatencyMs,
			&r.PromptVersion, &r.TemplateHash, &r.LLMVersion, &r.Status, &r.Error, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) getRunRow(ctx context.Context, runID string) (*QARun, error) {
	var r QARun
	err := s.db.QueryRowContext(ctx, `
		SELECT id, question, mode, abstained, retries, latency_ms, prompt_version, template_hash,
			COALESCE(llm_version, ''), status, COALESCE(error, ''), created_at
		FROM qa_runs WHERE id = ?
	`, runID).Scan(&r.ID, &r.Question, &r.Mode, &r.Abstained, &r.Retries, &r.LatencyMs,
		&r.PromptVersion, &r.TemplateHash, &r.LLMVersion, &r.Status, &r.Error, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// getContextsForRun loads the contexts for a run, omitting any whose
// chunk_id has been nulled out by a since-deleted chunk: replay rebuilds
// snippets from the chunks that still exist, not from stale cached text.
func (s *Store) getContextsForRun(ctx context.Context, runID string) ([]QAContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, chunk_id, rank, score_bm25, score_embed, score_rerank, rationale, snippet, document_path, COALESCE(locator, '')
		FROM qa_contexts WHERE run_id = ? AND chunk_id IS NOT NULL ORDER BY rank
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contexts []QAContext
	for rows.Next() {
		var c QAContext
		if err := rows.Scan(&c.ID, &c.RunID, &c.ChunkID, &c.Rank,
			&c.ScoreBM25, &c.ScoreEmbed, &c.ScoreRerank, &c.Rationale,
			&c.Snippet, &c.DocumentPath, &c.Locator); err != nil {
			return nil, err
		}
		contexts = append(contexts, c)
	}
	return contexts, rows.Err()
}

func (s *Store) getAnswerForRun(ctx context.Context, runID string) (*QAAnswer, error) {
	var a QAAnswer
	var bulletsJSON, conflictsJSON, sourcesJSON string
	var rawResponse sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, answer, bullets, conflicts, sources, raw_response
		FROM qa_answers WHERE run_id = ?
	`, runID).Scan(&a.RunID, &a.Answer, &bulletsJSON, &conflictsJSON, &sourcesJSON, &rawResponse)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.RawResponse = rawResponse.String
	if err := json.Unmarshal([]byte(bulletsJSON), &a.Bullets); err != nil {
		return nil, fmt.Errorf("unmarshaling bullets: %w", err)
	}
	if err := json.Unmarshal([]byte(conflictsJSON), &a.Conflicts); err != nil {
		return nil, fmt.Errorf("unmarshaling conflicts: %w", err)
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &a.Sources); err != nil {
		return nil, fmt.Errorf("unmarshaling sources: %w", err)
	}
	return &a, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
