// Package main provides ragctl, the operator CLI for the knowledge
// service: document ingestion, ad-hoc queries, and configuration
// inspection against a local backend.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "Operator CLI for the fund-document knowledge service",
	Long: `ragctl manages the knowledge service from the command line:
ingest pre-chunked documents into the index, run one-off questions
through the full answering pipeline, and inspect the active configuration.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
