package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/grant-datastore/internal/promote"
)

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote a run to the CURRENT snapshot",
	Long: "Builds a snapshot from the eligible source files of a run, replacing ineligible files with " +
		"the most recent eligible copy from an earlier run, and rotates NEXT -> CURRENT -> PREVIOUS.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		runID, _ := cmd.Flags().GetInt64("run")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		return withEnv(cmd.Context(), func(env *appEnv) error {
			return runPromote(cmd.Context(), env, runID, dryRun, os.Stdout)
		})
	},
}

// runPromote promotes runID, or the latest run when runID is zero. A dry run
// prints the plan without touching any slot.
func runPromote(ctx context.Context, env *appEnv, runID int64, dryRun bool, w io.Writer) error {
	p := env.promoter()

	if runID == 0 {
		latest, err := env.ledger().Latest(ctx)
		if err != nil {
			return err
		}
		runID = latest.ID
	}

	if dryRun {
		plan, err := p.Plan(ctx, runID)
		if err != nil {
			return err
		}
		formatPlan(w, plan)
		return nil
	}

	res, err := p.Promote(ctx, runID)
	if err != nil {
		return err
	}
	formatPlan(w, res.Plan)
	_, _ = fmt.Fprintf(w, "\nCURRENT is now snapshot %s (%d grants)\n", res.Snapshot.ID, res.Snapshot.GrantCount)
	if res.Evicted != nil {
		_, _ = fmt.Fprintf(w, "Evicted snapshot %s\n", *res.Evicted)
	}
	return nil
}

// formatPlan writes the candidate table of a plan to w.
func formatPlan(out io.Writer, plan *promote.Plan) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%d\n", plan.RunID)
	_, _ = fmt.Fprintf(w, "Source files:\t%d (%d from fallback)\n", len(plan.Candidates), plan.Fallbacks())
	_, _ = fmt.Fprintf(w, "Dropped:\t%d\n", len(plan.Dropped))
	_, _ = fmt.Fprintf(w, "Empty:\t%d\n", plan.Empty)
	_, _ = fmt.Fprintf(w, "Grants:\t%d\n", plan.GrantCount)
	_ = w.Flush()

	if len(plan.Candidates) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SOURCE_FILE\tIDENTIFIER\tRUN\tGRANTS\tREPLACES")
		for _, c := range plan.Candidates {
			replaces := ""
			if c.Replaces != 0 {
				replaces = fmt.Sprint(c.Replaces)
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n",
				c.SourceFile.ID, c.SourceFile.Identifier, c.SourceFile.RunID, c.SourceFile.GrantCount, replaces)
		}
		_ = w.Flush()
	}

	for _, d := range plan.Dropped {
		_, _ = fmt.Fprintf(out, "dropped %s (source file %d): %v\n", d.Identifier, d.SourceFileID, d.Reason)
	}
}

func init() {
	promoteCmd.Flags().Int64("run", 0, "run id to promote (default: latest run)")
	promoteCmd.Flags().Bool("dry-run", false, "print the candidate plan without promoting")
	rootCmd.AddCommand(promoteCmd)
}
