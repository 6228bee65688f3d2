package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest run of the scope",
		Long: `Show the latest run of the profile and namespace, with the nodes a
resume would run again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			settings, err := loadSettings(cmd, nil)
			if err != nil {
				return err
			}
			s, err := newSession(ctx, settings, false)
			if err != nil {
				return err
			}
			defer s.Close()

			state, err := s.store.GetLatest(ctx, s.scope())
			if err != nil {
				return fmt.Errorf("failed to load latest run: %w", err)
			}
			if state == nil {
				fmt.Fprintf(out, "No runs recorded for %s\n", s.scope())
				return nil
			}

			report := engine.NewReport(state, nil)
			restart := engine.RestartSet(state)

			if jsonOutput {
				return writeJSON(out, struct {
					*engine.Report
					RestartSet []string `json:"restart_set"`
				}{report, restart})
			}

			if err := report.WriteText(out); err != nil {
				return err
			}
			if len(restart) > 0 && state.Status.IsTerminal() && state.Status != engine.RunStatusSucceeded {
				fmt.Fprintf(out, "Resume would run: %s\n", strings.Join(restart, ", "))
			}
			return nil
		},
	}

	return cmd
}
