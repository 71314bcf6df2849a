package model

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const runIDPrefix = "run_"

var runIDRegex = regexp.MustCompile(`^run_[0-9a-hjkmnp-tv-z]{26}$`)

// NewRunID generates a unique, lexically sortable run identifier.
func NewRunID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate run ID: %w", err)
	}
	return runIDPrefix + strings.ToLower(id.String()), nil
}

// ValidateRunID reports whether id has the run_<ulid> shape.
func ValidateRunID(id string) bool {
	return runIDRegex.MatchString(id)
}

// RunIDTime extracts the creation time embedded in a run identifier.
func RunIDTime(id string) (time.Time, error) {
	if !ValidateRunID(id) {
		return time.Time{}, fmt.Errorf("invalid run ID format: %s", id)
	}
	parsed, err := ulid.ParseStrict(strings.ToUpper(strings.TrimPrefix(id, runIDPrefix)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse run ID %s: %w", id, err)
	}
	return time.UnixMilli(int64(parsed.Time())).UTC(), nil
}
