// Package executor provides the worker dispatch strategies: local subprocess
// execution and remote calls. Both return the same WorkerOutcome shape so the
// engine is strategy-agnostic.
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/msageha/stagehand/internal/model"
)

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

const maxNotesLen = 2000

// LogWriter bundles the destination and threshold for executor logging.
type LogWriter struct {
	W     io.Writer
	Level LogLevel
}

// Executor runs one worker attempt and reports its outcome. Failures populate
// Success=false and Errors on the outcome; Run never panics and returns no
// error, so the engine can apply uniform retry handling.
type Executor interface {
	Run(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome
}

// artifactPrefix lines form the declaration protocol workers use to report
// the files they produced:
//
//	ARTIFACT: out/report.md
//	ARTIFACTS: out/a.txt,out/b.txt
const (
	artifactPrefixSingle = "ARTIFACT:"
	artifactPrefixMulti  = "ARTIFACTS:"
)

// ParseArtifacts extracts artifact declarations from worker output,
// deduplicated in declaration order.
func ParseArtifacts(output string) []string {
	var paths []string
	seen := make(map[string]bool)

	add := func(p string) {
		p = strings.TrimSpace(p)
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, artifactPrefixMulti):
			for _, p := range strings.Split(strings.TrimPrefix(line, artifactPrefixMulti), ",") {
				add(p)
			}
		case strings.HasPrefix(line, artifactPrefixSingle):
			add(strings.TrimPrefix(line, artifactPrefixSingle))
		}
	}
	return paths
}

// truncateNotes caps worker output carried on the outcome.
func truncateNotes(s string) string {
	if len(s) <= maxNotesLen {
		return s
	}
	return s[:maxNotesLen] + "..."
}

type logger struct {
	logger   *log.Logger
	logLevel LogLevel
}

func newLogger(w io.Writer, level LogLevel) logger {
	if w == nil {
		w = io.Discard
	}
	return logger{logger: log.New(w, "", 0), logLevel: level}
}

func (l logger) log(level LogLevel, format string, args ...any) {
	if level < l.logLevel || l.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s %s executor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
