package main

import (
	"github.com/spf13/cobra"

	"github.com/banshee-data/stormtrack/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "stormtrack",
	Short: "Identify and track convective storms in gridded radar volumes",
	Long: `stormtrack identifies storms in each gridded reflectivity volume,
stores them in an append-only storm archive and links them scan to scan
into simple and complex tracks.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(printCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = version.Version
}
