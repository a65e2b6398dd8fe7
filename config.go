package analyst

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the analyst engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.analyst/<DBName>.db
	DBPath string `json:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name"`

	// StorageDir controls where the database is created when DBPath is not
	// explicitly set. "home" (default) uses ~/.analyst/, "local" uses cwd.
	StorageDir string `json:"storage_dir"`

	// LexiconPath is the directory the bleve lexical index is stored in.
	// Defaults to a directory next to the database file.
	LexiconPath string `json:"lexicon_path"`

	// Chat and Embedding model endpoints.
	Chat      LLMConfig `json:"chat"`
	Embedding LLMConfig `json:"embedding"`

	// Corpus source directories.
	NotesDir  string `json:"notes_dir"`
	PDFsDir   string `json:"pdfs_dir"`
	EmailsDir string `json:"emails_dir"`

	// OfficeDir holds docx/xlsx/pptx (and, with LlamaParse configured,
	// legacy doc/xls/ppt) documents ingested via parser.Registry. Optional:
	// the three chunkers named by the core retrieval contract (markdown,
	// pdf, email) work without it.
	OfficeDir string `json:"office_dir"`

	// LlamaParseAPIKey, if set, configures the office-document fallback
	// parser for complex/legacy formats the native parsers can't handle.
	LlamaParseAPIKey  string `json:"llamaparse_api_key,omitempty"`
	LlamaParseBaseURL string `json:"llamaparse_base_url,omitempty"`

	// Chunking.
	MaxChunkTokensMD    int     `json:"max_chunk_tokens_md"`
	OverlapRatioMD      float64 `json:"overlap_ratio_md"`
	MaxChunkTokensPDF   int     `json:"max_chunk_tokens_pdf"`
	OverlapTokensPDF    int     `json:"overlap_tokens_pdf"`
	MaxChunkTokensEmail int     `json:"max_chunk_tokens_email"`
	OverlapRatioEmail   float64 `json:"overlap_ratio_email"`

	// Embedding dimensions (must match model).
	EmbeddingDim int `json:"embedding_dim"`
	EmbedBatch   int `json:"embed_batch_size"`

	// VectorMetric selects the distance function for VectorIndex: "cosine" or "l2".
	VectorMetric string `json:"vector_metric"`

	// RetrievalOrchestrator tuning.
	MaxBM25      int `json:"max_bm25"`
	MaxVector    int `json:"max_vector"`
	FinalLimit   int `json:"final_limit"`
	DiversityCap int `json:"diversity_cap"`

	// ContextBuilder.
	MaxSnippetLength int `json:"max_snippet_length"`

	// SynthesisEngine.
	MaxRetries  int     `json:"max_retries"`
	Temperature float64 `json:"temperature"`
	Seed        int     `json:"seed"`
	NumPredict  *int    `json:"num_predict,omitempty"`
	NumCtx      *int    `json:"num_ctx,omitempty"`
	KeepAlive   string  `json:"keep_alive,omitempty"`
}

// LLMConfig configures a single model daemon endpoint.
type LLMConfig struct {
	Provider string `json:"provider"` // ollama, lmstudio, openrouter, xai, gemini, groq, openai, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
	Timeout  int    `json:"timeout_seconds"`
}

// DefaultConfig returns a Config with sensible defaults for local inference
// against an Ollama-shaped daemon.
func DefaultConfig() Config {
	numPredict := 768
	return Config{
		DBName:     "analyst",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
			Timeout:  60,
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
			Timeout:  60,
		},
		NotesDir:            filepath.Join("~", "KnowledgeBase", "notes"),
		PDFsDir:             filepath.Join("~", "KnowledgeBase", "pdfs"),
		EmailsDir:           filepath.Join("~", "KnowledgeBase", "exports", "emails"),
		MaxChunkTokensMD:    800,
		OverlapRatioMD:      0.12,
		MaxChunkTokensPDF:   800,
		OverlapTokensPDF:    120,
		MaxChunkTokensEmail: 700,
		OverlapRatioEmail:   0.15,
		EmbeddingDim:        768,
		EmbedBatch:          16,
		VectorMetric:        "cosine",
		MaxBM25:             50,
		MaxVector:           50,
		FinalLimit:          12,
		DiversityCap:        3,
		MaxSnippetLength:    900,
		MaxRetries:          1,
		Temperature:         0,
		Seed:                42,
		NumPredict:          &numPredict,
		KeepAlive:           "30m",
	}
}

// ResolveDBPath computes the final database path from config fields,
// applying the ~/.analyst/<DBName>.db default. Exported so callers that
// construct the store directly (e.g. cmd/ingest) resolve paths the same
// way New does.
func (c Config) ResolveDBPath() string {
	return (&c).resolveDBPath()
}

// ResolveLexiconPath computes the bleve index directory, defaulting to a
// directory next to the resolved database file. Exported for the same
// reason as ResolveDBPath.
func (c Config) ResolveLexiconPath() string {
	return (&c).resolveLexiconPath()
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "analyst"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		return filepath.Join(home, ".analyst", name+".db")
	}
}

// resolveLexiconPath computes the bleve index directory, defaulting to a
// directory next to the database file.
func (c *Config) resolveLexiconPath() string {
	if c.LexiconPath != "" {
		return c.LexiconPath
	}
	dbPath := c.resolveDBPath()
	return filepath.Join(filepath.Dir(dbPath), "lexicon.bleve")
}
