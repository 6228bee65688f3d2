package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/config"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

// runFlags are shared by run and resume.
type runFlags struct {
	maxWorkers int
	onFailure  string
	dryRun     bool
	only       []string
	skipPolicy bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxWorkers, "max-workers", 0, "nodes of a level run at once (default $SBKUBE_MAX_WORKERS or 4)")
	cmd.Flags().StringVar(&f.onFailure, "on-failure", "", "run default failure policy: stop or continue")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print commands instead of executing them; state is not persisted")
	cmd.Flags().StringSliceVar(&f.only, "only", nil, "run only these nodes; their other dependencies are assumed satisfied")
	cmd.Flags().BoolVar(&f.skipPolicy, "skip-policy", false, "do not evaluate policies before the run")
}

func (f *runFlags) overlay(cmd *cobra.Command) func(*config.Settings) {
	return func(s *config.Settings) {
		if cmd.Flags().Changed("max-workers") {
			s.MaxWorkers = f.maxWorkers
		}
		if cmd.Flags().Changed("on-failure") {
			s.OnFailure = f.onFailure
		}
		if f.dryRun {
			s.StateBackend = "memory"
		}
	}
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node set",
		Long: `Run every enabled node of the node set in dependency order.

The run:
  - Loads and validates the node set
  - Evaluates policies (unless --skip-policy)
  - Resolves dependency levels and rejects cycles
  - Executes each level on a bounded worker pool
  - Persists every step so the run can be resumed`,
		Example: `  # Run the node set in sbkube.yaml
  sbkube run

  # Run a directory of node sets in the staging profile
  sbkube run -f deploy/ --profile staging --namespace web

  # Keep going after failures and only skip dependents
  sbkube run --on-failure continue

  # Run two nodes only
  sbkube run --only database,cache`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd, &flags, false)
		},
	}
	flags.register(cmd)

	return cmd
}

func newResumeCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the latest run of the scope",
		Long: `Resume the latest run of the profile and namespace.

Nodes that succeeded in the previous run are carried over; failed, skipped and
unfinished nodes run again. A resume is refused when the node set changed since
the previous run.`,
		Example: `  # Resume after fixing a failed node
  sbkube resume --profile staging --namespace web`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd, &flags, true)
		},
	}
	flags.register(cmd)

	return cmd
}

func executeRun(cmd *cobra.Command, flags *runFlags, resume bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	settings, err := loadSettings(cmd, flags.overlay(cmd))
	if err != nil {
		return err
	}
	if flags.dryRun && resume {
		return fmt.Errorf("--dry-run cannot be combined with resume")
	}

	s, err := newSession(ctx, settings, true)
	if err != nil {
		return err
	}
	defer s.Close()

	nodes, err := loadNodes(ctx, s.logger)
	if err != nil {
		return err
	}

	builder := engine.NewDAGBuilder(s.logger)
	graph, err := builder.Build(nodes)
	if err != nil {
		return err
	}

	operation := "run"
	if resume {
		operation = "resume"
	}
	if !flags.skipPolicy {
		policyOut := cmd.ErrOrStderr()
		if jsonOutput {
			policyOut = nil
		}
		if _, err := checkPolicies(ctx, settings, s.logger, nodes, operation, flags.dryRun, policyOut); err != nil {
			return err
		}
	}

	if s.remote != nil && !flags.dryRun {
		staged, err := s.remote.Stage(ctx, nodes, remoteStageDir)
		if err != nil {
			return fmt.Errorf("failed to stage manifests: %w", err)
		}
		if graph, err = builder.Build(staged); err != nil {
			return err
		}
	}

	executor := engine.NewTaskExecutor(s.shell, s.probe(),
		engine.WithKubectl(s.kubectl),
		engine.WithDryRun(flags.dryRun),
		engine.WithExecutorTelemetry(s.telemetry),
	)
	scheduler := engine.NewParallelScheduler(executor, s.store, engine.WithSchedulerTelemetry(s.telemetry))

	if !jsonOutput {
		s.telemetry.Events.Subscribe(progressPrinter(cmd.ErrOrStderr()), telemetry.FilterByPrefix("node."))
	}

	report, err := scheduler.Run(ctx, graph, engine.RunOptions{
		Scope:         s.scope(),
		Resume:        resume,
		MaxWorkers:    settings.MaxWorkers,
		FailurePolicy: engine.FailurePolicy(settings.OnFailure),
		Only:          flags.only,
	})
	if err != nil {
		return err
	}

	if err := writeReport(out, report); err != nil {
		return err
	}
	return reportError(report)
}
