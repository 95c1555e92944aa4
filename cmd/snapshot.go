package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/promote"
	"github.com/sells-group/grant-datastore/internal/store"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and maintain the snapshot series",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the CURRENT and PREVIOUS snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withEnv(cmd.Context(), func(env *appEnv) error {
			view, err := loadSeries(cmd.Context(), env.store)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(os.Stdout, view)
			}
			return writeYAML(os.Stdout, view)
		})
	},
}

var snapshotReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the grant/snapshot shortcut table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), func(env *appEnv) error {
			return runReindex(cmd.Context(), env, os.Stdout)
		})
	},
}

// runReindex rebuilds the shortcut table and checks it mirrors the join.
func runReindex(ctx context.Context, env *appEnv, w io.Writer) error {
	n, err := env.promoter().Reindex(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Rebuilt shortcut table: %d rows\n", n)

	checks, err := promote.VerifyShortcut(ctx, env.store)
	for _, c := range checks {
		_, _ = fmt.Fprintf(w, "%-8s shortcut=%d joined=%d missing=%d extra=%d\n",
			c.Series, c.Shortcut, c.Joined, c.Missing, c.Extra)
	}
	return err
}

// seriesView is the printable state of the readable slots.
type seriesView struct {
	Current  *snapshotView `json:"current,omitempty" yaml:"current,omitempty"`
	Previous *snapshotView `json:"previous,omitempty" yaml:"previous,omitempty"`
}

type snapshotView struct {
	ID          string `json:"id" yaml:"id"`
	RunID       int64  `json:"run_id" yaml:"run_id"`
	CreatedAt   string `json:"created_at" yaml:"created_at"`
	Grants      int64  `json:"grants" yaml:"grants"`
	SourceFiles int    `json:"source_files" yaml:"source_files"`
	Publishers  int    `json:"publishers" yaml:"publishers"`
}

func loadSeries(ctx context.Context, st store.Store) (*seriesView, error) {
	view := &seriesView{}
	for _, series := range []model.Series{model.SeriesCurrent, model.SeriesPrevious} {
		snap, err := st.Snapshot(ctx, series)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "snapshot show: %s", series)
		}
		files, err := st.SnapshotSourceFiles(ctx, series)
		if err != nil {
			return nil, eris.Wrapf(err, "snapshot show: %s source files", series)
		}
		pubs := make(map[string]struct{}, len(files))
		for _, f := range files {
			pubs[f.PublisherPrefix] = struct{}{}
		}
		sv := &snapshotView{
			ID:          snap.ID.String(),
			RunID:       snap.RunID,
			CreatedAt:   snap.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			Grants:      snap.GrantCount,
			SourceFiles: len(files),
			Publishers:  len(pubs),
		}
		if series == model.SeriesCurrent {
			view.Current = sv
		} else {
			view.Previous = sv
		}
	}
	return view, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode yaml")
	}
	return enc.Close()
}

func init() {
	snapshotShowCmd.Flags().Bool("json", false, "print JSON instead of YAML")
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotReindexCmd)
	rootCmd.AddCommand(snapshotCmd)
}
