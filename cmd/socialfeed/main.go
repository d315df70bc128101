package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
)

// rootCmd is the base command for the socialfeed CLI.
var rootCmd = &cobra.Command{
	Use:   "socialfeed",
	Short: "Social feed ingestion and distribution engine",
	Long: `socialfeed tracks on-chain collections against platform accounts:
it assigns tracked handles to bot-account lists, polls those lists for
new tweets and writes each tweet to the feed of every collection that
subscribes to its author.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./socialfeed.yaml", "Path to the YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(collectionCmd)
	rootCmd.AddCommand(rulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
