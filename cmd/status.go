package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/grant-datastore/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Progress flags polled by downstream consumers",
}

var statusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List status flags",
	RunE: func(cmd *cobra.Command, _ []string) error {
		asYAML, _ := cmd.Flags().GetBool("yaml")
		return withEnv(cmd.Context(), func(env *appEnv) error {
			statuses, err := env.ledger().Statuses(cmd.Context())
			if err != nil {
				return err
			}
			if asYAML {
				return writeYAML(os.Stdout, statusMap(statuses))
			}
			formatStatuses(os.Stdout, statuses)
			return nil
		})
	},
}

var statusSetCmd = &cobra.Command{
	Use:   "set <what> <status>",
	Short: "Set a status flag, e.g. set datagetter IN_PROGRESS",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, ok := model.ParseStatusValue(args[1])
		if !ok {
			return eris.Errorf("unknown status %q (valid: IDLE, IN_PROGRESS, LOADING_DATA, COMPLETE, READY)", args[1])
		}
		return withEnv(cmd.Context(), func(env *appEnv) error {
			return env.ledger().SetStatus(cmd.Context(), args[0], value)
		})
	},
}

var statusResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Set every status flag back to idle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), func(env *appEnv) error {
			return env.ledger().ResetStatuses(cmd.Context())
		})
	},
}

func statusMap(statuses []model.Status) map[string]string {
	m := make(map[string]string, len(statuses))
	for _, s := range statuses {
		m[s.What] = string(s.Status)
	}
	return m
}

// formatStatuses writes the flags as a table.
func formatStatuses(out io.Writer, statuses []model.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHAT\tSTATUS\tUPDATED")
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.What, s.Status, s.UpdatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}

func init() {
	statusListCmd.Flags().Bool("yaml", false, "print a what: status YAML map")
	statusCmd.AddCommand(statusListCmd)
	statusCmd.AddCommand(statusSetCmd)
	statusCmd.AddCommand(statusResetCmd)
	rootCmd.AddCommand(statusCmd)
}
