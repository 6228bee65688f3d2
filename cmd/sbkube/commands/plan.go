package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var (
		dotFile string
		only    []string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the execution plan",
		Long: `Resolve the node set into execution levels without running anything.

Nodes in the same level have no dependencies on each other and run in
parallel. Disabled nodes are left out of the plan.`,
		Example: `  # Print the levels
  sbkube plan -f deploy/

  # Write the dependency graph for Graphviz
  sbkube plan --dot plan.dot

  # Levels of a subset
  sbkube plan --only api,worker`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			logger := telemetry.NewLoggerFrom(log.Logger)
			nodes, err := loadNodes(ctx, logger)
			if err != nil {
				return err
			}

			graph, err := engine.NewDAGBuilder(logger).Build(nodes)
			if err != nil {
				return err
			}

			plan := graph.Levels()
			if len(only) > 0 {
				include := make(map[string]bool, len(only))
				for _, id := range only {
					if _, ok := graph.Node(id); !ok {
						return &ExitError{Code: ExitGraph, Err: fmt.Errorf("unknown node in selection: %s", id)}
					}
					include[id] = true
				}
				plan = graph.Restrict(include)
			}

			if dotFile != "" {
				if err := writeDOT(dotFile, graph.ToDOT(), out); err != nil {
					return err
				}
				if dotFile == "-" {
					return nil
				}
			}

			if jsonOutput {
				return writeJSON(out, plan)
			}
			printPlan(out, graph, plan)
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format (\"-\" for stdout)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "plan only these nodes")

	return cmd
}

func printPlan(w io.Writer, graph *engine.Graph, plan engine.ExecutionPlan) {
	for _, level := range plan {
		fmt.Fprintf(w, "Level %d:\n", level.Index)
		for _, id := range level.NodeIDs {
			deps := graph.Dependencies(id)
			if len(deps) == 0 {
				fmt.Fprintf(w, "  %s\n", id)
				continue
			}
			fmt.Fprintf(w, "  %s (after %s)\n", id, strings.Join(deps, ", "))
		}
	}
	fmt.Fprintf(w, "%d node(s) in %d level(s)\n", plan.NodeCount(), len(plan))
}

func writeDOT(path, dot string, stdout io.Writer) error {
	if path == "-" {
		_, err := fmt.Fprint(stdout, dot)
		return err
	}
	if err := os.WriteFile(path, []byte(dot), 0o644); err != nil {
		return fmt.Errorf("failed to write DOT graph: %w", err)
	}
	log.Info().Str("path", path).Msg("DOT graph written")
	return nil
}
