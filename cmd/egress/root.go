package main

import (
	"os"

	"github.com/spf13/cobra"
)

const fallbackConfigPath = "./egress.yaml"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "egress",
	Short: "Egress proxy with per-prefix rate limiting and circuit breaking",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to configuration file (env EGRESS_CONFIG)")
}

func resolveConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}

	if env := os.Getenv("EGRESS_CONFIG"); env != "" {
		return env
	}

	return fallbackConfigPath
}
