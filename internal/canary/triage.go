package canary

import (
	"context"
	"time"
)

// TriageStage identifies one step of the first-fail triage sequence. Stages
// run in a fixed cheapest-first order and the sequence stops at the first
// failure. Triage only diagnoses; it never remediates.
type TriageStage string

const (
	StageExporterOutput  TriageStage = "exporter-output"
	StageRuleSyntax      TriageStage = "rule-syntax"
	StageTargetReachable TriageStage = "target-reachable"
	StageLocalPipeline   TriageStage = "local-pipeline"
)

// Probes supplies the environment checks triage runs. Each returns nil when
// the stage is healthy.
type Probes interface {
	ExporterOutputExists(ctx context.Context) error
	RuleSyntaxValid(ctx context.Context) error
	TargetReachable(ctx context.Context) error
	LocalPipelineCorrect(ctx context.Context) error
}

// TriageReport names the first failing stage, or Healthy when all pass.
type TriageReport struct {
	Healthy     bool        `json:"healthy"`
	FailedStage TriageStage `json:"failedStage,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	StagesRun   int         `json:"stagesRun"`
	EvaluatedAt time.Time   `json:"evaluatedAt"`
}

// Triage runs the bounded diagnosis sequence after a Fail verdict.
func Triage(ctx context.Context, probes Probes) TriageReport {
	stages := []struct {
		stage TriageStage
		probe func(context.Context) error
	}{
		{StageExporterOutput, probes.ExporterOutputExists},
		{StageRuleSyntax, probes.RuleSyntaxValid},
		{StageTargetReachable, probes.TargetReachable},
		{StageLocalPipeline, probes.LocalPipelineCorrect},
	}

	report := TriageReport{EvaluatedAt: time.Now().UTC()}
	for _, s := range stages {
		report.StagesRun++
		if err := s.probe(ctx); err != nil {
			report.FailedStage = s.stage
			report.Detail = err.Error()
			return report
		}
	}
	report.Healthy = true
	return report
}
