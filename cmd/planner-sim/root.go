package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/season-planner/internal/approval"
	"github.com/ILLUVRSE/season-planner/internal/config"
	"github.com/ILLUVRSE/season-planner/internal/orchestrator"
	"github.com/ILLUVRSE/season-planner/internal/sim"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "planner-sim",
		Short:        "Replay season scenarios through the planner",
		SilenceUsage: true,
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		verbose      bool
		stageTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Replay a scenario and print the season report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := sim.Load(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if stageTimeout <= 0 {
				stageTimeout = cfg.StageTimeout
			}

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelInfo
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			policy, err := approval.NewStaticPolicy(sc.Approvals.Stages, sc.Approvals.MarkdownCeiling)
			if err != nil {
				return err
			}
			o, err := orchestrator.New(orchestrator.Config{
				Store:        store.NewMemoryStore(),
				Policy:       policy,
				Logger:       logger,
				Defaults:     cfg.WorkflowDefaults(),
				StageTimeout: stageTimeout,
			})
			if err != nil {
				return err
			}
			defer o.Close()

			report, err := sim.Replay(cmd.Context(), o, sc, logger)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(report)
			if err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			_, _ = cmd.OutOrStdout().Write(out)
			if report.Failed() {
				return fmt.Errorf("workflow failed: %s", report.LastError)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log workflow progress to stderr")
	cmd.Flags().DurationVar(&stageTimeout, "stage-timeout", 0, "Per-stage timeout (default: PLANNER_STAGE_TIMEOUT)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>",
		Short: "Check a scenario file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := sim.Load(args[0])
			if err != nil {
				return err
			}
			in := sc.Input()
			if err := in.Parameters.Validate(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok: %s, %d stores, %d history rows, %d scripted weeks\n",
				sc.Category, len(in.Stores), len(in.History), len(sc.Weeks))
			return nil
		},
	}
}
