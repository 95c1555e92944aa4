package main

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grant-datastore/internal/checker"
	"github.com/sells-group/grant-datastore/internal/ingest"
	"github.com/sells-group/grant-datastore/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <datagetter-dir>",
	Short: "Load a datagetter output directory as a new run",
	Long: "Reads data_all.json and json_all/ from a datagetter output directory, records every dataset " +
		"as a source file of a new ingest run and loads its grants. With --promote the run is promoted " +
		"and entities and publisher rollups are rebuilt.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doPromote, _ := cmd.Flags().GetBool("promote")
		noCheck, _ := cmd.Flags().GetBool("no-check")

		return withEnv(cmd.Context(), func(env *appEnv) error {
			var chk checker.Checker
			if !noCheck {
				chk = checker.NewExecChecker(env.cfg.Checker)
			}
			return runIngest(cmd.Context(), env, chk, args[0], doPromote, os.Stdout)
		})
	},
}

// ingestSummary is printed after an ingest.
type ingestSummary struct {
	Load     *ingest.Result `json:"load"`
	Promoted bool           `json:"promoted"`
	Snapshot string         `json:"snapshot,omitempty"`
	Funders  int            `json:"funders,omitempty"`
	Recips   int            `json:"recipients,omitempty"`
	Rollups  int            `json:"publisher_rollups,omitempty"`
}

// runIngest loads dir and optionally runs the whole post-load chain. The
// datastore status flag tracks progress and returns to idle on failure.
func runIngest(ctx context.Context, env *appEnv, chk checker.Checker, dir string, doPromote bool, w io.Writer) error {
	l := env.ledger()
	log := zap.L().With(zap.String("component", "cmd.ingest"))

	if err := l.SetStatus(ctx, model.StatusWhatDatastore, model.StatusLoadingData); err != nil {
		return err
	}
	sum, err := ingestChain(ctx, env, chk, dir, doPromote)
	if err != nil {
		if serr := l.SetStatus(context.WithoutCancel(ctx), model.StatusWhatDatastore, model.StatusIdle); serr != nil {
			log.Error("failed to reset datastore status", zap.Error(serr))
		}
		return err
	}

	final := model.StatusComplete
	if doPromote {
		final = model.StatusReady
	}
	if err := l.SetStatus(ctx, model.StatusWhatDatastore, final); err != nil {
		return err
	}
	return writeJSON(w, sum)
}

func ingestChain(ctx context.Context, env *appEnv, chk checker.Checker, dir string, doPromote bool) (*ingestSummary, error) {
	res, err := env.loader(chk).Load(ctx, dir)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest %s", dir)
	}
	sum := &ingestSummary{Load: res}
	if !doPromote {
		return sum, nil
	}

	pr, err := env.promoter().Promote(ctx, res.Run.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "promote run %d", res.Run.ID)
	}
	sum.Promoted = true
	sum.Snapshot = pr.Snapshot.ID.String()

	ent, err := env.rebuilder().Rebuild(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "rebuild entities")
	}
	sum.Funders, sum.Recips = ent.Funders, ent.Recipients

	n, err := env.rollups().RefreshPublishers(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "refresh publisher rollups")
	}
	sum.Rollups = n
	return sum, nil
}

func init() {
	ingestCmd.Flags().Bool("promote", false, "promote the run and rebuild entities and rollups")
	ingestCmd.Flags().Bool("no-check", false, "skip the external quality checker")
	rootCmd.AddCommand(ingestCmd)
}
