package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the content cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the number of cached snapshots",
	Long: `Print the content cache counters. Hit and miss counts are per process,
so a fresh CLI process reports only the stored entry count meaningfully.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), roleLocal)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.cache.Stats(cmd.Context())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate [url]",
	Short: "Drop the cached snapshot of a URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), roleLocal)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.engine.InvalidateCache(cmd.Context(), args[0])
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), roleLocal)
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.cache.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheInvalidateCmd, cacheSweepCmd)
}
