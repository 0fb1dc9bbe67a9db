package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sebastianm/runix/internal/agent"
	"github.com/sebastianm/runix/internal/sessionindex"
)

func agentCmd() *cobra.Command {
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "agent <goal>",
		Short: "Drive the screen toward a goal with the system, vision and LLM drivers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			if maxIterations > 0 {
				eng.cfg.Agent.MaxIterations = maxIterations
			}

			loop := agent.NewLoop(eng.log, eng.reg, eng.store, eng.cfg.Agent)
			session, runErr := loop.Run(cmd.Context(), args[0])

			snap := session.Snapshot()
			fmt.Printf("Session %s: %s after %d iteration(s)\n", snap.SessionID, snap.State, snap.Iteration)
			if snap.FailureReason != "" {
				fmt.Printf("  reason: %s\n", snap.FailureReason)
			}
			for _, art := range snap.Artifacts {
				fmt.Printf("  artifact: %s\n", eng.store.ResolvePath(snap.SessionID, art))
			}

			if eng.index != nil {
				err := eng.index.Record(cmd.Context(), sessionindex.Summary{
					ID:         snap.SessionID,
					Kind:       "agent",
					Subject:    snap.Goal,
					Status:     string(snap.State),
					Iterations: snap.Iteration,
					StartedAt:  snap.StartedAt,
					EndedAt:    snap.EndedAt,
				})
				if err != nil {
					eng.log.Warn("recording session in index failed", "error", err)
				}
			}

			if runErr != nil {
				return runErr
			}
			if snap.State != agent.StateCompleted {
				return fmt.Errorf("%w: session %s %s", errRunFailed, snap.SessionID, snap.State)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "override the configured iteration budget")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent runs from the session index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			if eng.index == nil {
				return fmt.Errorf("no session index configured (set indexPath in the config file)")
			}
			sums, err := eng.index.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, s := range sums {
				fmt.Printf("%s  %-7s  %-9s  %-28s  %s\n",
					s.StartedAt.Format(time.RFC3339), s.Kind, s.Status, s.ID, s.Subject)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to list")
	return cmd
}
