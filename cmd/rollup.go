package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/grant-datastore/internal/rollup"
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Quality and aggregate rollups of the CURRENT snapshot",
}

var rollupOverviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Roll up every publisher in CURRENT",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mode, err := modeFlag(cmd)
		if err != nil {
			return err
		}
		return withEnv(cmd.Context(), func(env *appEnv) error {
			res, err := env.rollups().Overview(cmd.Context(), mode)
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, res)
		})
	},
}

var rollupPublisherCmd = &cobra.Command{
	Use:   "publisher <prefix>",
	Short: "Roll up one publisher in CURRENT",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := modeFlag(cmd)
		if err != nil {
			return err
		}
		return withEnv(cmd.Context(), func(env *appEnv) error {
			res, err := env.rollups().Publisher(cmd.Context(), args[0], mode)
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, res)
		})
	},
}

var rollupRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Recompute and store the rollup of every publisher in CURRENT",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), func(env *appEnv) error {
			n, err := env.rollups().RefreshPublishers(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Refreshed %d publisher rollups\n", n)
			return nil
		})
	},
}

func modeFlag(cmd *cobra.Command) (rollup.Mode, error) {
	s, _ := cmd.Flags().GetString("mode")
	return rollup.ParseMode(s)
}

func init() {
	for _, c := range []*cobra.Command{rollupOverviewCmd, rollupPublisherCmd} {
		c.Flags().String("mode", string(rollup.ModeGrants), "denominator: grants or publishers")
	}
	rollupCmd.AddCommand(rollupOverviewCmd)
	rollupCmd.AddCommand(rollupPublisherCmd)
	rollupCmd.AddCommand(rollupRefreshCmd)
	rootCmd.AddCommand(rollupCmd)
}
