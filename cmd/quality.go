package main

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/grant-datastore/internal/checker"
	"github.com/sells-group/grant-datastore/internal/ingest"
)

var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Manage per-file quality and aggregate data",
}

var qualityRewriteCmd = &cobra.Command{
	Use:   "rewrite <run-id|latest>",
	Short: "Re-run the quality checker over stored grants",
	Long: "Re-runs the quality checker over the grants of every source file of a run, or of the CURRENT " +
		"snapshot when given \"latest\", and replaces their quality and aggregate data. With \"latest\" " +
		"the persisted publisher rollups are refreshed too.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), func(env *appEnv) error {
			chk := checker.NewExecChecker(env.cfg.Checker)
			return runQualityRewrite(cmd.Context(), env, chk, args[0], os.Stdout)
		})
	},
}

// qualitySummary is printed after a rewrite.
type qualitySummary struct {
	Target  string                `json:"target"`
	Recheck *ingest.RecheckResult `json:"recheck"`
	Rollups int                   `json:"publisher_rollups,omitempty"`
}

func runQualityRewrite(ctx context.Context, env *appEnv, chk checker.Checker, target string, w io.Writer) error {
	rc := env.rechecker(chk)
	sum := &qualitySummary{Target: target}

	if target == "latest" {
		res, err := rc.RecheckCurrent(ctx)
		if err != nil {
			return err
		}
		sum.Recheck = res
		n, err := env.rollups().RefreshPublishers(ctx)
		if err != nil {
			return eris.Wrap(err, "quality rewrite: refresh publisher rollups")
		}
		sum.Rollups = n
		return writeJSON(w, sum)
	}

	runID, err := strconv.ParseInt(target, 10, 64)
	if err != nil || runID <= 0 {
		return eris.Errorf("quality rewrite: invalid run %q, want a run id or \"latest\"", target)
	}
	res, err := rc.RecheckRun(ctx, runID)
	if err != nil {
		return err
	}
	sum.Recheck = res
	return writeJSON(w, sum)
}

func init() {
	qualityCmd.AddCommand(qualityRewriteCmd)
	rootCmd.AddCommand(qualityCmd)
}
