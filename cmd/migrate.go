package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the datastore schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), func(*appEnv) error {
			zap.L().Info("schema is up to date", zap.String("driver", cfg.Store.Driver))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
