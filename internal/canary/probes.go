package canary

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// LocalProbes is the production Probes implementation: cheap filesystem
// checks first, then network, then whatever pipeline self-check the caller
// supplies.
type LocalProbes struct {
	// ExporterPath is the metrics textfile the exporter should be writing.
	ExporterPath string

	// RulesPath is the evaluation rules file; it must parse as JSON.
	RulesPath string

	// TargetURL is the metrics backend's health endpoint.
	TargetURL string

	// PipelineCheck validates the local ledger pipeline, typically a
	// canonicalization dry run. Nil skips the stage.
	PipelineCheck func(ctx context.Context) error

	HTTPClient *http.Client
}

func (p *LocalProbes) ExporterOutputExists(ctx context.Context) error {
	if p.ExporterPath == "" {
		return nil
	}
	info, err := os.Stat(p.ExporterPath)
	if err != nil {
		return fmt.Errorf("exporter output missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("exporter output %s is empty", p.ExporterPath)
	}
	return nil
}

func (p *LocalProbes) RuleSyntaxValid(ctx context.Context) error {
	if p.RulesPath == "" {
		return nil
	}
	b, err := os.ReadFile(p.RulesPath)
	if err != nil {
		return fmt.Errorf("rules file unreadable: %w", err)
	}
	if !json.Valid(b) {
		return fmt.Errorf("rules file %s is not valid JSON", p.RulesPath)
	}
	return nil
}

func (p *LocalProbes) TargetReachable(ctx context.Context) error {
	if p.TargetURL == "" {
		return nil
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.TargetURL, nil)
	if err != nil {
		return fmt.Errorf("build target probe: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("target unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("target unhealthy: %s", resp.Status)
	}
	return nil
}

func (p *LocalProbes) LocalPipelineCorrect(ctx context.Context) error {
	if p.PipelineCheck == nil {
		return nil
	}
	return p.PipelineCheck(ctx)
}
