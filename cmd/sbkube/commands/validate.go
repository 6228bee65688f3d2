package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/config"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	var (
		watch      bool
		skipPolicy bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the node set",
		Long: `Validate the node set without running it.

Validation checks:
  - Document syntax and field values
  - Unique node and task IDs
  - Dependencies on unknown nodes and dependency cycles
  - Policies (unless --skip-policy)`,
		Example: `  # Validate sbkube.yaml
  sbkube validate

  # Revalidate whenever a file changes
  sbkube validate -f deploy/ --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			settings, err := loadSettings(cmd, nil)
			if err != nil {
				return err
			}
			logger := telemetry.NewLoggerFrom(log.Logger)

			v := &validation{settings: settings, logger: logger, skipPolicy: skipPolicy, out: out}
			parser := config.NewParser(config.WithLogger(logger))

			parsed, err := parser.Parse(ctx, sourceFiles)
			result := v.check(ctx, parsed, err)

			if !watch {
				return result
			}

			err = parser.Watch(ctx, sourceFiles, func(parsed *config.ParsedConfig, err error) {
				fmt.Fprintln(out, "---")
				_ = v.check(ctx, parsed, err)
			})
			if err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "revalidate when a source file changes")
	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "do not evaluate policies")

	return cmd
}

type validation struct {
	settings   *config.Settings
	logger     *telemetry.Logger
	skipPolicy bool
	out        io.Writer
}

// check reports on one parse of the node set and returns the error that
// decides the exit code.
func (v *validation) check(ctx context.Context, parsed *config.ParsedConfig, parseErr error) error {
	if parseErr != nil {
		fmt.Fprintf(v.out, "✗ %v\n", parseErr)
		return parseErr
	}

	for _, e := range parsed.Errors {
		fmt.Fprintf(v.out, "%-8s %s\n", e.Severity, e)
	}

	nodes, err := parsed.Nodes()
	if err != nil {
		fmt.Fprintln(v.out, "✗ node set is invalid")
		return err
	}

	graph, err := engine.NewDAGBuilder(v.logger).Build(nodes)
	if err != nil {
		fmt.Fprintf(v.out, "✗ %v\n", err)
		return err
	}

	if !v.skipPolicy {
		if _, err := checkPolicies(ctx, v.settings, v.logger, nodes, "validate", false, v.out); err != nil {
			fmt.Fprintf(v.out, "✗ %v\n", err)
			return err
		}
	}

	plan := graph.Levels()
	fmt.Fprintf(v.out, "✓ %d node(s) in %d level(s) from %d file(s)\n", plan.NodeCount(), len(plan), len(parsed.SourceFiles))
	return nil
}
