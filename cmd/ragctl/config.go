package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		color.NoColor = noColor

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// Secrets never print.
		cfg.Embedding.APIKey = redact(cfg.Embedding.APIKey)
		cfg.Completion.APIKey = redact(cfg.Completion.APIKey)
		cfg.Cache.Redis.Password = redact(cfg.Cache.Redis.Password)
		cfg.Database.Postgres.DSN = redact(cfg.Database.Postgres.DSN)
		for token := range cfg.Auth.Tokens {
			delete(cfg.Auth.Tokens, token)
		}

		if cfgFile != "" {
			fmt.Println(color.CyanString("# %s", cfgFile))
		} else {
			fmt.Println(color.CyanString("# defaults + environment overrides"))
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
