package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs of the scope",
		Example: `  # Last 10 runs in the staging profile
  sbkube history --profile staging --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings(cmd, nil)
			if err != nil {
				return err
			}
			s, err := newSession(ctx, settings, false)
			if err != nil {
				return err
			}
			defer s.Close()

			states, err := s.store.ListHistory(ctx, s.scope(), limit)
			if err != nil {
				return fmt.Errorf("failed to list history: %w", err)
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), states)
			}
			return printHistory(cmd.OutOrStdout(), states)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")

	return cmd
}

func printHistory(w io.Writer, states []*engine.ExecutionState) error {
	if len(states) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tNODES\tRESUMED FROM")
	for _, st := range states {
		done := 0
		for _, step := range st.Steps {
			if step.Status == engine.StepSuccess {
				done++
			}
		}
		parent := st.ParentRunID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			st.RunID,
			st.Status,
			st.StartedAt.Local().Format(time.DateTime),
			st.UpdatedAt.Sub(st.StartedAt).Round(time.Second),
			done, len(st.Order),
			parent,
		)
	}
	return tw.Flush()
}
