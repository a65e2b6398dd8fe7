package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pka/analyst"
)

// healthProbe is one readiness check result, adapted from the original
// Python ReadinessService's probe shape.
type healthProbe struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail"`
	CheckedAt time.Time `json:"checked_at"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// probeModelDaemon checks that a configured model daemon is reachable and,
// for Ollama-shaped daemons, that the configured model is present in its
// tag list. Non-Ollama providers are only checked for HTTP reachability.
func probeModelDaemon(ctx context.Context, name string, cfg analyst.LLMConfig) healthProbe {
	now := time.Now()
	if cfg.BaseURL == "" {
		return healthProbe{Name: name, Healthy: false, Detail: "no base URL configured", CheckedAt: now}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return healthProbe{Name: name, Healthy: false, Detail: err.Error(), CheckedAt: now}
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	client := &http.Client{Timeout: 4 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return healthProbe{Name: name, Healthy: false, Detail: "unreachable: " + err.Error(), CheckedAt: now}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return healthProbe{Name: name, Healthy: false, Detail: "daemon returned an error status", CheckedAt: now}
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		// Not every provider is Ollama-shaped; reachability alone is healthy.
		return healthProbe{Name: name, Healthy: true, Detail: "reachable", CheckedAt: now}
	}

	if cfg.Model == "" || modelPresent(tags, cfg.Model) {
		return healthProbe{Name: name, Healthy: true, Detail: "reachable, model present", CheckedAt: now}
	}
	return healthProbe{Name: name, Healthy: false, Detail: "model " + cfg.Model + " not found in tag list", CheckedAt: now}
}

// modelPresent matches a configured model name against the daemon's tag
// list, tolerating both an exact match and a bare-name match against a
// tagged entry (e.g. config "llama3.1" matching daemon tag "llama3.1:8b").
func modelPresent(tags ollamaTagsResponse, model string) bool {
	bareModel := strings.SplitN(model, ":", 2)[0]
	for _, m := range tags.Models {
		if m.Name == model {
			return true
		}
		if strings.SplitN(m.Name, ":", 2)[0] == bareModel {
			return true
		}
	}
	return false
}
