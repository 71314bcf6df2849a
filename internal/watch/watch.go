// Package watch follows a run's state snapshot on disk and reports each
// transition without polling.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/stagehand/internal/model"
)

// DefaultDebounce coalesces the burst of events one atomic snapshot rename
// produces into a single callback.
const DefaultDebounce = 100 * time.Millisecond

// Follow watches statePath and invokes fn for the current snapshot and every
// subsequent change, debounced. It returns nil once the run reaches a
// terminal status, or ctx's error on cancellation. fsnotify requires a real
// filesystem; Follow reads through os directly.
func Follow(ctx context.Context, statePath string, debounce time.Duration, fn func(*model.RunState)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: the snapshot is replaced by rename,
	// which would silently detach a file-level watch.
	if err := watcher.Add(filepath.Dir(statePath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(statePath), err)
	}

	emit := func() (terminal bool) {
		state, err := readState(statePath)
		if err != nil {
			return false
		}
		fn(state)
		return model.IsTerminal(state.Status)
	}

	if emit() {
		return nil
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != statePath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if emit() {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}

func readState(path string) (*model.RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state model.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		// A half-visible snapshot from a concurrent writer; the next event
		// will deliver the complete document.
		return nil, err
	}
	return &state, nil
}
