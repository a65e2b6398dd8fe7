package analyst

import (
	"path/filepath"
	"testing"
)

func TestResolveDBPathPrefersExplicitOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = "/tmp/custom.db"
	if got := cfg.ResolveDBPath(); got != "/tmp/custom.db" {
		t.Errorf("ResolveDBPath() = %q, want /tmp/custom.db", got)
	}
}

func TestResolveDBPathLocalUsesDBNameInCwd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDir = "local"
	cfg.DBName = "analyst"
	if got := cfg.ResolveDBPath(); got != "analyst.db" {
		t.Errorf("ResolveDBPath() = %q, want analyst.db", got)
	}
}

func TestResolveLexiconPathDefaultsNextToDB(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = "/tmp/store/analyst.db"
	want := filepath.Join("/tmp/store", "lexicon.bleve")
	if got := cfg.ResolveLexiconPath(); got != want {
		t.Errorf("ResolveLexiconPath() = %q, want %q", got, want)
	}
}

func TestResolveLexiconPathPrefersExplicitOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LexiconPath = "/tmp/custom.bleve"
	if got := cfg.ResolveLexiconPath(); got != "/tmp/custom.bleve" {
		t.Errorf("ResolveLexiconPath() = %q, want /tmp/custom.bleve", got)
	}
}
