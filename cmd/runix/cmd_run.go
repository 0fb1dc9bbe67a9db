package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sebastianm/runix/internal/feature"
	"github.com/sebastianm/runix/internal/sessionindex"
)

func runCmd() *cobra.Command {
	var stopOnFailure bool
	cmd := &cobra.Command{
		Use:   "run <feature-file> [feature-file...]",
		Short: "Execute feature files against the discovered drivers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()
			if stopOnFailure {
				eng.cfg.StopOnFailure = true
			}
			return runFeatures(cmd.Context(), eng, args)
		},
	}
	cmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", false, "halt a scenario at its first failing step")
	return cmd
}

func runFeatures(ctx context.Context, eng *engine, paths []string) error {
	exec := feature.NewExecutor(eng.log, eng.router, eng.reg, feature.Options{
		StopOnFailure: eng.cfg.StopOnFailure,
		StepTimeout:   eng.cfg.Timeouts.Request(),
	})

	anyFailed := false
	for _, path := range paths {
		f, err := feature.ParseFile(path)
		if err != nil {
			return err
		}

		started := time.Now()
		results, runErr := exec.Run(ctx, f)
		printResults(f.Name, results)
		recordRun(ctx, eng, path, results, started, runErr)
		if runErr != nil {
			return runErr
		}
		if feature.Failed(results) {
			anyFailed = true
		}
	}

	if anyFailed {
		return fmt.Errorf("%w: one or more scenarios failed", errRunFailed)
	}
	return nil
}

func printResults(name string, results []feature.ScenarioResult) {
	fmt.Printf("Feature: %s\n", name)
	passed, failed := 0, 0
	for _, res := range results {
		fmt.Printf("  Scenario: %s [%s]\n", res.Name, res.Status)
		for _, step := range res.Steps {
			fmt.Printf("    %-7s %s\n", step.Status, step.Text)
			if step.Error != nil {
				fmt.Printf("            error %d: %s\n", step.Error.Code, step.Error.Message)
			}
		}
		if res.Status == feature.StatusFailed {
			failed++
		} else {
			passed++
		}
	}
	fmt.Printf("%d passed, %d failed\n", passed, failed)
}

func recordRun(ctx context.Context, eng *engine, path string, results []feature.ScenarioResult, started time.Time, runErr error) {
	if eng.index == nil {
		return
	}
	status := "passed"
	if runErr != nil || feature.Failed(results) {
		status = "failed"
	}
	err := eng.index.Record(ctx, sessionindex.Summary{
		ID:         uuid.NewString(),
		Kind:       "feature",
		Subject:    path,
		Status:     status,
		Iterations: len(results),
		StartedAt:  started,
		EndedAt:    time.Now(),
	})
	if err != nil {
		eng.log.Warn("recording run in session index failed", "error", err)
	}
}
