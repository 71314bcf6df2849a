// Package consensus renders approval packages: the markdown document a human
// reviewer reads before approving or rejecting a gated phase. The package only
// presents evidence; the approve/reject decision stays with the caller.
package consensus

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/afero"

	"github.com/msageha/stagehand/internal/model"
)

// packageData contains everything the approval template renders.
type packageData struct {
	RunID       string
	Phase       string
	Indicator   string
	Success     bool
	CompletedAt string
	Workers     []workerRow
	Validation  model.ValidationResult
	Artifacts   []string
	Metrics     metricsRefs
	Checklist   []string
}

type workerRow struct {
	ID        string
	Outcome   string
	Duration  string
	ExitCode  int
	Retries   int
	Artifacts int
	Notes     string
}

type metricsRefs struct {
	JSONPath       string
	ExpositionPath string
	HygieneScore   float64
	TotalRetries   int
}

// reviewerChecklist is rendered verbatim at the bottom of every package so
// reviews stay uniform across phases.
var reviewerChecklist = []string{
	"Every required artifact pattern is matched by a real, non-empty file",
	"Worker notes contain no unresolved errors or truncated failures",
	"Retry counts are within the configured policy, not masking instability",
	"Artifacts are consistent with the phase's stated purpose",
}

// Build renders the approval package for a completed phase attempt. Output is
// deterministic for a given outcome and metrics snapshot.
func Build(runID string, outcome model.PhaseOutcome, m model.RunMetrics) string {
	data := packageData{
		RunID:       runID,
		Phase:       outcome.Phase,
		Indicator:   indicator(outcome),
		Success:     outcome.Success,
		CompletedAt: outcome.CompletedAt,
		Validation:  outcome.Validation,
		Checklist:   reviewerChecklist,
		Metrics: metricsRefs{
			JSONPath:       "metrics/metrics.json",
			ExpositionPath: "metrics/metrics.prom",
			HygieneScore:   m.HygieneScore,
			TotalRetries:   m.TotalRetries,
		},
	}

	for _, w := range outcome.Workers {
		data.Workers = append(data.Workers, workerRow{
			ID:        w.WorkerID,
			Outcome:   workerOutcomeWord(w),
			Duration:  w.Duration.Round(time.Millisecond).String(),
			ExitCode:  w.ExitCode,
			Retries:   w.Retries,
			Artifacts: len(w.Artifacts),
			Notes:     firstLine(w.Notes),
		})
		data.Artifacts = append(data.Artifacts, w.Artifacts...)
	}

	var sb strings.Builder
	if err := packageTemplate.Execute(&sb, data); err != nil {
		// The template and data are both fixed shapes; execution cannot fail
		// outside of a programming error.
		panic(fmt.Sprintf("consensus: render approval package: %v", err))
	}
	return sb.String()
}

// Write persists the approval package under <runDir>/approval/<phase>.md using
// a temp-file rename so a reader never observes a partial document.
func Write(fs afero.Fs, runDir, runID string, outcome model.PhaseOutcome, m model.RunMetrics) (string, error) {
	dir := filepath.Join(runDir, "approval")
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create approval dir: %w", err)
	}

	path := filepath.Join(dir, outcome.Phase+".md")
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, []byte(Build(runID, outcome, m)), 0644); err != nil {
		return "", fmt.Errorf("write approval package: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return "", fmt.Errorf("publish approval package: %w", err)
	}
	return path, nil
}

func indicator(outcome model.PhaseOutcome) string {
	switch {
	case outcome.Success && outcome.Validation.Status == model.ValidationPass:
		return "READY FOR REVIEW"
	case outcome.Validation.Status == model.ValidationPartial:
		return "REVIEW WITH CAUTION: partial validation"
	default:
		return "NOT READY: phase did not complete cleanly"
	}
}

func workerOutcomeWord(w model.WorkerOutcome) string {
	if w.Success {
		return "ok"
	}
	if w.TimedOut {
		return "timeout"
	}
	return "failed"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

var packageTemplate = template.Must(template.New("approval").Parse(`# Approval Package: {{ .Phase }}

> {{ .Indicator }}

## Summary

| Field | Value |
|-------|-------|
| Run | {{ .RunID }} |
| Phase | {{ .Phase }} |
| Workers | {{ len .Workers }} |
| Artifacts | {{ len .Artifacts }} |
| Validation | {{ .Validation.Status }} |
| Completed | {{ if .CompletedAt }}{{ .CompletedAt }}{{ else }}-{{ end }} |

## Workers

| Worker | Outcome | Duration | Exit | Retries | Artifacts | Notes |
|--------|---------|----------|------|---------|-----------|-------|
{{ range .Workers -}}
| {{ .ID }} | {{ .Outcome }} | {{ .Duration }} | {{ .ExitCode }} | {{ .Retries }} | {{ .Artifacts }} | {{ if .Notes }}{{ .Notes }}{{ else }}-{{ end }} |
{{ end }}
## Validation

{{ if .Validation.Matched -}}
Matched patterns:
{{ range .Validation.Matched }}- ` + "`{{ . }}`" + `
{{ end }}{{ else -}}
_No patterns matched._
{{ end }}
{{- if .Validation.Missing }}
Missing patterns:
{{ range .Validation.Missing }}- ` + "`{{ . }}`" + `
{{ end }}{{ end }}
## Artifacts

{{ if .Artifacts -}}
{{ range .Artifacts }}- ` + "`{{ . }}`" + `
{{ end }}{{ else -}}
_No artifacts reported._
{{ end }}
## Metrics

| Metric | Value |
|--------|-------|
| Hygiene score | {{ printf "%.1f" .Metrics.HygieneScore }} |
| Total retries | {{ .Metrics.TotalRetries }} |
| JSON record | {{ .Metrics.JSONPath }} |
| Exposition | {{ .Metrics.ExpositionPath }} |

## Reviewer Checklist

{{ range .Checklist }}- [ ] {{ . }}
{{ end }}`))
