package metrics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/msageha/stagehand/internal/model"
)

// WriteJSON renders the structured metrics record for programmatic
// consumption.
func WriteJSON(fs afero.Fs, path string, m model.RunMetrics) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := afero.WriteFile(fs, path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write metrics json: %w", err)
	}
	return nil
}

// WriteExposition renders the flat key/value exposition format for
// scrape-based monitoring. Both serializations derive from the same
// RunMetrics so they can never diverge.
func WriteExposition(fs afero.Fs, path string, m model.RunMetrics) error {
	if err := afero.WriteFile(fs, path, []byte(Exposition(m)), 0644); err != nil {
		return fmt.Errorf("write metrics exposition: %w", err)
	}
	return nil
}

// Exposition formats m as sorted stagehand_* key/value lines.
func Exposition(m model.RunMetrics) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "stagehand_run_info{run=%q,status=%q} 1\n", m.RunID, m.Status)
	fmt.Fprintf(&sb, "stagehand_run_total_retries %d\n", m.TotalRetries)
	fmt.Fprintf(&sb, "stagehand_run_hygiene_score %.1f\n", m.HygieneScore)

	phaseNames := make([]string, 0, len(m.Phases))
	for name := range m.Phases {
		phaseNames = append(phaseNames, name)
	}
	sort.Strings(phaseNames)
	for _, name := range phaseNames {
		p := m.Phases[name]
		fmt.Fprintf(&sb, "stagehand_phase_duration_seconds{phase=%q} %.3f\n", name, p.Duration.Seconds())
		fmt.Fprintf(&sb, "stagehand_phase_artifacts{phase=%q} %d\n", name, p.ArtifactCount)
		fmt.Fprintf(&sb, "stagehand_phase_validation{phase=%q,status=%q} 1\n", name, p.ValidationStatus)
	}

	workerKeys := make([]string, 0, len(m.Workers))
	for key := range m.Workers {
		workerKeys = append(workerKeys, key)
	}
	sort.Strings(workerKeys)
	for _, key := range workerKeys {
		w := m.Workers[key]
		phase, worker := splitWorkerKey(key)
		fmt.Fprintf(&sb, "stagehand_worker_duration_seconds{phase=%q,worker=%q} %.3f\n", phase, worker, w.Duration.Seconds())
		fmt.Fprintf(&sb, "stagehand_worker_exit_code{phase=%q,worker=%q} %d\n", phase, worker, w.ExitCode)
		fmt.Fprintf(&sb, "stagehand_worker_retries{phase=%q,worker=%q} %d\n", phase, worker, w.Retries)
	}

	return sb.String()
}

func splitWorkerKey(key string) (phase, worker string) {
	if i := strings.Index(key, "/"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}
