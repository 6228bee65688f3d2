package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	sourceFiles  []string
	profile      string
	namespace    string
	stateBackend string
	metricsAddr  string
	verbose      bool
	jsonOutput   bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sbkube",
		Short: "sbkube - declarative orchestration of Kubernetes deployment steps",
		Long: `sbkube runs a declared set of deployment nodes in dependency order.

Each node is a unit of work made of tasks (shell commands, kubectl manifests,
inline manifests) with retries, readiness validation and rollback. Nodes of the
same dependency level run in parallel on a bounded worker pool, and every step
is persisted so an interrupted or failed run can be resumed.

Features:
  - Node sets in YAML, JSON or CUE
  - Dependency levels with cycle detection
  - Retry with linear or exponential backoff
  - Readiness validation through kubectl wait
  - Per-task and per-node rollback
  - Resumable runs stored in SQLite, Postgres or S3
  - Rego policy checks before a run
  - Local or SSH execution`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringSliceVarP(&sourceFiles, "file", "f", []string{"sbkube.yaml"}, "node set files or directories")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "profile of the execution state scope (default $SBKUBE_PROFILE or \"default\")")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "namespace of the execution state scope")
	rootCmd.PersistentFlags().StringVar(&stateBackend, "state-backend", "", "state store: sqlite, postgres, s3 or memory")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}
