package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the rollup cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached rollup",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), func(env *appEnv) error {
			if err := env.cache.Clear(cmd.Context()); err != nil {
				return eris.Wrap(err, "cache clear")
			}
			fmt.Printf("Cleared %s cache\n", backendName(env.cfg.Cache.Backend))
			return nil
		})
	},
}

func backendName(b string) string {
	if b == "" {
		return "memory"
	}
	return b
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
