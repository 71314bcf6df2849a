package executor

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/afero"

	"github.com/msageha/stagehand/internal/model"
)

// Options carries the shared dependencies executors are built with.
type Options struct {
	Timeout       time.Duration
	Fs            afero.Fs
	TranscriptDir string
	Client        *http.Client
	Log           LogWriter
}

// New resolves the execution strategy for w. The kind set is closed; config
// validation guarantees every worker carries a known kind before this runs.
func New(w model.WorkerSpec, opts Options) (Executor, error) {
	switch w.Kind {
	case model.WorkerKindLocal:
		return NewLocal(opts.Timeout, opts.Log), nil
	case model.WorkerKindRemote:
		return NewRemote(opts.Client, opts.Fs, opts.TranscriptDir, opts.Timeout, opts.Log), nil
	default:
		return nil, fmt.Errorf("worker %q has unknown kind %q", w.ID, w.Kind)
	}
}
