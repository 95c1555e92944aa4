package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/grant-datastore/internal/entity"
	"github.com/sells-group/grant-datastore/internal/model"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Rebuild and export funder/recipient entities",
}

var entitiesRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild every entity from the CURRENT snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), func(env *appEnv) error {
			res, err := env.rebuilder().Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, res)
		})
	},
}

var entitiesListCmd = &cobra.Command{
	Use:   "list <funder|recipient>",
	Short: "Write entities as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := model.ParseEntityKind(args[0])
		if !ok {
			return eris.Errorf("unknown entity kind %q (valid: funder, recipient)", args[0])
		}
		outPath, _ := cmd.Flags().GetString("out")

		return withEnv(cmd.Context(), func(env *appEnv) error {
			var out io.Writer = os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return eris.Wrapf(err, "create %s", outPath)
				}
				defer f.Close() //nolint:errcheck
				out = f
			}
			bw := bufio.NewWriter(out)
			n, err := entity.NewLister(env.store).List(cmd.Context(), kind, bw)
			if err != nil {
				return err
			}
			if err := bw.Flush(); err != nil {
				return eris.Wrap(err, "flush entities")
			}
			zap.L().Info("entities written", zap.String("kind", string(kind)), zap.Int("count", n))
			return nil
		})
	},
}

// -- registry import --

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Maintain the organisation registry used to merge linked org-ids",
}

var registryImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load organisations and their linked org-ids from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close() //nolint:errcheck

		return withEnv(cmd.Context(), func(env *appEnv) error {
			n, err := importRegistry(cmd.Context(), env, f)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d organisations\n", n)
			return nil
		})
	},
}

// registryOrg is one organisation in a registry import file.
type registryOrg struct {
	OrgID        string   `yaml:"org_id"`
	Name         string   `yaml:"name"`
	LinkedOrgIDs []string `yaml:"linked_org_ids"`
}

// importRegistry upserts every organisation read from r. YAML is a superset
// of JSON, so both formats decode.
func importRegistry(ctx context.Context, env *appEnv, r io.Reader) (int, error) {
	var orgs []registryOrg
	if err := yaml.NewDecoder(r).Decode(&orgs); err != nil {
		return 0, eris.Wrap(err, "registry import: decode")
	}
	for i, o := range orgs {
		if o.OrgID == "" {
			return i, eris.Errorf("registry import: entry %d has no org_id", i)
		}
		if err := env.store.UpsertOrgInfo(ctx, o.OrgID, o.Name, o.LinkedOrgIDs); err != nil {
			return i, eris.Wrapf(err, "registry import: %s", o.OrgID)
		}
	}
	return len(orgs), nil
}

func init() {
	entitiesListCmd.Flags().String("out", "", "write to file instead of stdout")
	entitiesCmd.AddCommand(entitiesRebuildCmd)
	entitiesCmd.AddCommand(entitiesListCmd)
	rootCmd.AddCommand(entitiesCmd)

	registryCmd.AddCommand(registryImportCmd)
	rootCmd.AddCommand(registryCmd)
}
