// Command eval drives a running analyst server's /api/chat endpoint against
// a YAML-described scenario set and reports citation/abstain/latency scoring.
//
// Usage:
//
//	go run ./cmd/eval --dataset ./evals/golden.yaml --base-url http://localhost:8080 \
//	  --report eval_report.md --json eval_report.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pka/analyst/eval"
)

func main() {
	datasetPath := flag.String("dataset", "", "Path to the evaluation dataset YAML (required)")
	baseURL := flag.String("base-url", "http://localhost:8080", "Root URL of the analyst server")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-request HTTP timeout")
	reportPath := flag.String("report", "eval_report.md", "Path to write the Markdown report")
	jsonPath := flag.String("json", "", "Optional path to dump the full JSON report")
	flag.Parse()

	if *datasetPath == "" {
		log.Fatal("--dataset is required")
	}

	runner := eval.NewRunner(*datasetPath, *baseURL, *timeout)
	report, err := runner.Run(context.Background())
	if err != nil {
		log.Fatalf("running evaluation: %v", err)
	}

	if err := eval.WriteMarkdownReport(*reportPath, report); err != nil {
		log.Fatalf("writing markdown report: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Markdown report written to: %s\n", *reportPath)

	if *jsonPath != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("marshaling JSON report: %v", err)
		}
		if err := os.WriteFile(*jsonPath, data, 0o644); err != nil {
			log.Fatalf("writing JSON report: %v", err)
		}
		fmt.Fprintf(os.Stderr, "JSON report written to: %s\n", *jsonPath)
	}

	summary, err := json.MarshalIndent(report.Summary, "", "  ")
	if err != nil {
		log.Fatalf("marshaling summary: %v", err)
	}
	fmt.Println(string(summary))

	if report.Summary.Failed > 0 {
		os.Exit(1)
	}
}
