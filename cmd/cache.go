package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// cacheCmd groups cache administration commands
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the cost data cache",
}

// cacheStatsCmd prints entry counts
var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry count",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.close()

		fmt.Printf("Cache entries: %d\n", a.backend.Size())
	},
}

// cacheClearCmd empties every cache tier
var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached cost data",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.close()

		a.backend.Clear()
		fmt.Println("Cache cleared")
	},
}
