package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/grant-datastore/internal/ledger"
	"github.com/sells-group/grant-datastore/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and retire ingest runs",
	Long:  "Commands for listing ingest runs and deleting or archiving the ones no snapshot needs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingest runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), func(env *appEnv) error {
			runs, err := env.ledger().List(cmd.Context())
			if err != nil {
				return eris.Wrap(err, "runs list")
			}
			if len(runs) == 0 {
				fmt.Fprintln(os.Stderr, "No runs found.")
				return nil
			}
			formatRunsList(os.Stdout, runs)
			return nil
		})
	},
}

// -- runs delete / archive --

var runsDeleteCmd = &cobra.Command{
	Use:   "delete [run-id...]",
	Short: "Delete all data of the selected runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return retireRuns(cmd, args, false)
	},
}

var runsArchiveCmd = &cobra.Command{
	Use:   "archive [run-id...]",
	Short: "Delete the grants of the selected runs but keep their source files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return retireRuns(cmd, args, true)
	},
}

func retireRuns(cmd *cobra.Command, args []string, archive bool) error {
	sel, err := selectorFromFlags(cmd, args)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	return withEnv(cmd.Context(), func(env *appEnv) error {
		return runRetire(cmd.Context(), env.ledger(), sel, ledger.Options{Force: force}, archive, os.Stdout)
	})
}

func selectorFromFlags(cmd *cobra.Command, args []string) (ledger.Selector, error) {
	var sel ledger.Selector
	for _, a := range args {
		var id int64
		if _, err := fmt.Sscan(a, &id); err != nil || id <= 0 {
			return sel, eris.Errorf("invalid run id %q", a)
		}
		sel.IDs = append(sel.IDs, id)
	}
	sel.Oldest, _ = cmd.Flags().GetBool("oldest")
	sel.OlderThanDays, _ = cmd.Flags().GetInt("older-than-days")
	sel.NotInUse, _ = cmd.Flags().GetBool("not-in-use")
	if sel.Empty() {
		return sel, eris.New("no runs selected: pass run ids or --oldest, --older-than-days, --not-in-use")
	}
	return sel, nil
}

// runRetire resolves sel and deletes or archives each run.
func runRetire(ctx context.Context, l *ledger.Ledger, sel ledger.Selector, opts ledger.Options, archive bool, w io.Writer) error {
	ids, err := l.Resolve(ctx, sel)
	if err != nil {
		return err
	}
	var outcomes []ledger.Outcome
	if archive {
		outcomes, err = l.Archive(ctx, ids, opts)
	} else {
		outcomes, err = l.Delete(ctx, ids, opts)
	}
	formatOutcomes(w, outcomes)
	return err
}

func init() {
	for _, c := range []*cobra.Command{runsDeleteCmd, runsArchiveCmd} {
		c.Flags().Bool("oldest", false, "select the oldest run")
		c.Flags().Int("older-than-days", 0, "select runs started more than N days ago")
		c.Flags().Bool("not-in-use", false, "select runs no snapshot depends on")
		c.Flags().Bool("force", false, "also act on runs backing CURRENT or PREVIOUS")
	}

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	runsCmd.AddCommand(runsArchiveCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTARTED\tSOURCE_FILES\tGRANTS\tIN_USE\tARCHIVED")
	_, _ = fmt.Fprintln(w, "--\t-------\t------------\t------\t------\t--------")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			r.ID,
			r.StartedAt.UTC().Format("2006-01-02 15:04"),
			r.SourceFiles,
			r.Grants,
			yesNo(r.InUse),
			yesNo(r.Archived),
		)
	}
	_ = w.Flush()
}

// formatOutcomes writes one line per retired run.
func formatOutcomes(out io.Writer, outcomes []ledger.Outcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, o := range outcomes {
		_, _ = fmt.Fprintf(w, "run %d\t%s\n", o.RunID, o.Action)
	}
	_ = w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
