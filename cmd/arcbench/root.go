package main

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/IvanBrykalov/blockcache/config"
)

// globals shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "arcbench",
		Short: "Exercise the adaptive block cache with a synthetic workload",
		Long: `arcbench runs a Zipf-distributed block workload against the adaptive
replacement cache, optionally backed by a secondary tier on local files and a
primary store in memory, bbolt, MinIO or S3.

Settings come from built-in defaults, then --config, then BLOCKCACHE_*
environment variables, then command-line flags.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "configuration file (yaml, json, toml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format (text, json)")

	root.AddCommand(newRunCmd(g), newConfigCmd(g))
	return root
}

// load reads the configuration and applies the global flag overrides.
func (g *globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newConfigCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			cfg.Store.SecretKey = redact(cfg.Store.SecretKey)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
