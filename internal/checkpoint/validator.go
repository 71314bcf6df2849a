// Package checkpoint verifies that a phase produced the artifacts its
// configuration declares before the engine will advance past it.
package checkpoint

import (
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/msageha/stagehand/internal/model"
)

// Validate resolves each glob pattern under root and reports which are
// satisfied. A match counts only when the file exists, is regular, and has
// non-zero size; an empty file cannot satisfy a gate.
//
// The function is pure with respect to the filesystem: re-running it against
// an unchanged directory yields an identical result, which the engine's
// suspend/resume semantics rely on.
func Validate(fs afero.Fs, root string, patterns []string) model.ValidationResult {
	result := model.ValidationResult{
		Required: append([]string(nil), patterns...),
	}

	for _, pattern := range patterns {
		if hasValidMatch(fs, root, pattern) {
			result.Matched = append(result.Matched, pattern)
		} else {
			result.Missing = append(result.Missing, pattern)
		}
	}

	switch {
	case len(result.Missing) == 0 && len(patterns) > 0:
		result.Status = model.ValidationPass
	case len(result.Matched) == 0:
		result.Status = model.ValidationFail
	default:
		result.Status = model.ValidationPartial
	}

	// A phase with no checkpoints has nothing to verify.
	if len(patterns) == 0 {
		result.Status = model.ValidationPass
	}
	return result
}

// hasValidMatch reports whether pattern matches at least one non-empty
// regular file under root.
func hasValidMatch(fs afero.Fs, root, pattern string) bool {
	matches, err := afero.Glob(fs, filepath.Join(root, pattern))
	if err != nil {
		// Malformed patterns are rejected at config load; treat a runtime
		// glob error as unsatisfied.
		return false
	}
	for _, m := range matches {
		if isNonEmptyFile(fs, m) {
			return true
		}
	}
	return false
}

func isNonEmptyFile(fs afero.Fs, path string) bool {
	info, err := fs.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}
