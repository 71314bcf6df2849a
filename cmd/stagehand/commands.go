package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/msageha/stagehand/internal/engine"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/setup"
	"github.com/msageha/stagehand/internal/watch"
)

type globalOptions struct {
	configPath string
	dataDir    string
}

// commandResult is the machine-readable outcome every mutating command prints.
type commandResult struct {
	RunID        string              `json:"run_id"`
	Status       model.RunStatus     `json:"status"`
	CurrentPhase string              `json:"current_phase,omitempty"`
	Outcome      *model.PhaseOutcome `json:"outcome,omitempty"`
}

// buildEngine loads config and wires the production engine: real filesystem,
// cross-process run locks, log lines to <data-dir>/logs/engine.log.
func buildEngine(opts *globalOptions) (*engine.Engine, error) {
	cfg, err := model.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	logDir := filepath.Join(opts.dataDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "engine.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open engine log: %w", err)
	}

	return engine.New(cfg, engine.Options{
		Fs:          afero.NewOsFs(),
		DataDir:     opts.dataDir,
		LogWriter:   logFile,
		Seed:        time.Now().UnixNano(),
		FileLocking: true,
	}), nil
}

// report prints the result as indented JSON and exits 2 when the run needs
// operator attention.
func report(state *model.RunState, outcome *model.PhaseOutcome) error {
	result := commandResult{
		RunID:        state.RunID,
		Status:       state.Status,
		CurrentPhase: state.CurrentPhase,
		Outcome:      outcome,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}

	switch state.Status {
	case model.StatusNeedsRevision, model.StatusAwaitingApproval:
		os.Exit(2)
	}
	return nil
}

func newInitCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold stagehand.yaml and the data directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if err := setup.Run(dir, name); err != nil {
				return err
			}
			abs, _ := filepath.Abs(dir)
			fmt.Printf("Initialized stagehand workflow in %s\n", abs)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to the directory basename)")
	return cmd
}

func newStartCmd(opts *globalOptions) *cobra.Command {
	var meta []string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create a run positioned at the first phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(opts)
			if err != nil {
				return err
			}

			metadata := make(map[string]string, len(meta))
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --meta %q, expected key=value", kv)
				}
				metadata[k] = v
			}
			if len(metadata) == 0 {
				metadata = nil
			}

			state, err := e.Start(metadata)
			if err != nil {
				return err
			}
			return report(state, nil)
		},
	}

	cmd.Flags().StringArrayVar(&meta, "meta", nil, "run metadata as key=value (repeatable)")
	return cmd
}

func newAdvanceCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <run-id>",
		Short: "Execute the current phase and apply the resulting transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			state, outcome, err := e.Advance(ctx, args[0])
			if err != nil {
				return err
			}
			return report(state, outcome)
		},
	}
}

func newApproveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Approve the pending gate and commit the gated phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(opts)
			if err != nil {
				return err
			}
			state, err := e.Approve(args[0])
			if err != nil {
				return err
			}
			return report(state, nil)
		},
	}
}

func newRejectCmd(opts *globalOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <run-id>",
		Short: "Reject the pending gate; the phase is retried after resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(opts)
			if err != nil {
				return err
			}
			state, err := e.Reject(args[0], reason)
			if err != nil {
				return err
			}
			return report(state, nil)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the phase was rejected")
	return cmd
}

func newResumeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Return a run in needs_revision to running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(opts)
			if err != nil {
				return err
			}
			state, err := e.Resume(args[0])
			if err != nil {
				return err
			}
			return report(state, nil)
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run's state, or list all runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(opts)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				return printRunList(e, jsonOutput)
			}

			state, err := e.Status(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			}
			printState(state)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of the human summary")
	return cmd
}

func printRunList(e *engine.Engine, jsonOutput bool) error {
	ids, err := e.Store().List()
	if err != nil {
		return err
	}

	if jsonOutput {
		states := make([]*model.RunState, 0, len(ids))
		for _, id := range ids {
			state, err := e.Status(id)
			if err != nil {
				return err
			}
			states = append(states, state)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(states)
	}

	if len(ids) == 0 {
		fmt.Println("No runs.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tPHASE\tCOMPLETED\tUPDATED")
	for _, id := range ids {
		state, err := e.Status(id)
		if err != nil {
			return err
		}
		phase := state.CurrentPhase
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			state.RunID, state.Status, phase, len(state.CompletedPhases), state.UpdatedAt)
	}
	return w.Flush()
}

func printState(s *model.RunState) {
	fmt.Printf("Run:     %s\n", s.RunID)
	fmt.Printf("Status:  %s\n", s.Status)
	if s.CurrentPhase != "" {
		fmt.Printf("Phase:   %s\n", s.CurrentPhase)
	}
	if s.ApprovalPending {
		fmt.Printf("Gate:    awaiting approval for %s\n", s.ApprovalPhase)
	}

	if len(s.CompletedPhases) > 0 {
		fmt.Println("\nCompleted:")
		for _, phase := range s.CompletedPhases {
			fmt.Printf("  %-14s  artifacts=%d\n", phase, len(s.PhaseArtifacts[phase]))
		}
	}

	if len(s.Errors) > 0 {
		fmt.Println("\nErrors:")
		for _, msg := range s.Errors {
			fmt.Printf("  %s\n", msg)
		}
	}
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's transitions until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			statePath := filepath.Join(e.RunDir(args[0]), "state.json")
			err = watch.Follow(ctx, statePath, watch.DefaultDebounce, func(state *model.RunState) {
				phase := state.CurrentPhase
				if phase == "" {
					phase = "-"
				}
				fmt.Printf("%s  status=%s phase=%s completed=%d\n",
					time.Now().Format("15:04:05"), state.Status, phase, len(state.CompletedPhases))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newMetricsCmd(opts *globalOptions) *cobra.Command {
	var exposition bool

	cmd := &cobra.Command{
		Use:   "metrics <run-id>",
		Short: "Print a run's metrics record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(opts)
			if err != nil {
				return err
			}

			name := "metrics.json"
			if exposition {
				name = "metrics.prom"
			}
			data, err := os.ReadFile(filepath.Join(e.RunDir(args[0]), "metrics", name))
			if err != nil {
				return fmt.Errorf("no metrics recorded for run %s: %w", args[0], err)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&exposition, "prom", false, "print the flat exposition format")
	return cmd
}
