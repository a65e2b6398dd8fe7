package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pka/analyst"
	"github.com/pka/analyst/ingest"
	"github.com/pka/analyst/store"
)

type handler struct {
	engine analyst.Engine
	cfg    analyst.Config
}

func newHandler(e analyst.Engine, cfg analyst.Config) *handler {
	return &handler{engine: e, cfg: cfg}
}

// POST /api/chat
func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Question string `json:"question"`
		Mode     string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	switch req.Mode {
	case "", "synthesize", "lookup", "timeline", "flashcards":
	default:
		writeError(w, http.StatusBadRequest, "mode must be one of synthesize, lookup, timeline, flashcards")
		return
	}

	answer, err := h.engine.Ask(ctx, req.Question, req.Mode)
	if err != nil {
		writeEngineError(w, "chat", err)
		slog.Error("chat error", "question", req.Question, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, answer)
}

// GET /api/replay/{run_id}
func (h *handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	record, err := h.engine.Replay(r.Context(), runID)
	if err != nil {
		writeEngineError(w, "replay", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// GET /api/replay?limit=N
func (h *handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := h.engine.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing runs failed")
		slog.Error("list runs error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GET /api/docs/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	doc, err := h.engine.Store().GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "get document: not found")
			return
		}
		writeEngineError(w, "get document", err)
		return
	}
	chunks, err := h.engine.Store().GetChunksByDocument(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading chunks failed")
		slog.Error("get document chunks error", "document_id", id, "error", err)
		return
	}

	previews := make([]map[string]interface{}, len(chunks))
	for i, c := range chunks {
		previews[i] = map[string]interface{}{
			"chunk_id":    c.ID,
			"ordinal":     c.Ordinal,
			"token_count": c.TokenCount,
			"preview":     preview(c.Content, 200),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document": doc,
		"chunks":   previews,
	})
}

func preview(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen] + "..."
}

// POST /ingest
// Accepts a JSON body with a file path and an optional source type.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Path       string `json:"path"`
		SourceType string `json:"source_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	sourceType, err := parseSourceType(req.SourceType, req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := h.engine.IngestFile(ctx, req.Path, sourceType)
	if res.Err != nil {
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		slog.Error("ingest error", "path", req.Path, "error", res.Err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": res.DocID,
		"path":        res.Path,
		"skipped":     res.Skipped,
		"chunk_count": res.ChunkCount,
	})
}

func parseSourceType(explicit, path string) (ingest.SourceType, error) {
	switch explicit {
	case string(ingest.SourceMarkdown), string(ingest.SourcePDF), string(ingest.SourceEmail), string(ingest.SourceOffice):
		return ingest.SourceType(explicit), nil
	case "":
	default:
		return "", fmt.Errorf("unknown source_type %q", explicit)
	}

	switch {
	case strings.HasSuffix(path, ".md"), strings.HasSuffix(path, ".markdown"):
		return ingest.SourceMarkdown, nil
	case strings.HasSuffix(path, ".pdf"):
		return ingest.SourcePDF, nil
	case strings.HasSuffix(path, ".eml"):
		return ingest.SourceEmail, nil
	case strings.HasSuffix(path, ".docx"), strings.HasSuffix(path, ".xlsx"), strings.HasSuffix(path, ".xls"),
		strings.HasSuffix(path, ".pptx"), strings.HasSuffix(path, ".doc"), strings.HasSuffix(path, ".ppt"):
		return ingest.SourceOffice, nil
	default:
		return "", fmt.Errorf("cannot infer source_type from path %q; specify source_type explicitly", path)
	}
}

// POST /update
func (h *handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var req struct {
		Path       string `json:"path"`
		SourceType string `json:"source_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	sourceType, err := parseSourceType(req.SourceType, req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	changed, err := h.engine.Update(ctx, req.Path, sourceType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		slog.Error("update error", "path", req.Path, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    req.Path,
		"changed": changed,
	})
}

// POST /update-all
func (h *handler) handleUpdateAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	results, err := h.engine.UpdateAll(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "update-all failed")
		slog.Error("update-all error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
	})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	if err := h.engine.Delete(r.Context(), id); err != nil {
		writeEngineError(w, "delete", err)
		slog.Error("delete error", "document_id", id, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	probes := []healthProbe{
		probeModelDaemon(ctx, "chat", h.cfg.Chat),
		probeModelDaemon(ctx, "embedding", h.cfg.Embedding),
	}

	status := "pass"
	for _, p := range probes {
		if !p.Healthy {
			status = "fail"
		}
	}

	code := http.StatusOK
	if status == "fail" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"probes": probes,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps the top-level analyst error taxonomy onto HTTP
// status codes, per the error handling design.
func writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, analyst.ErrNotFound), errors.Is(err, analyst.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, op+": not found")
	case errors.Is(err, analyst.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, op+": answer failed validation")
	case errors.Is(err, analyst.ErrTransport):
		writeError(w, http.StatusBadGateway, op+": model daemon unreachable")
	case errors.Is(err, analyst.ErrProtocol):
		writeError(w, http.StatusBadGateway, op+": model daemon returned a malformed response")
	default:
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}
