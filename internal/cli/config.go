package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after merging defaults, the config file and MEMVAULT_* environment variables. Secrets are redacted.",
		Run:   runConfig,
	}

	RootCmd.AddCommand(cmd)
}

func runConfig(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	if cfg.Embedding.APIKey != "" {
		cfg.Embedding.APIKey = "redacted"
	}
	if cfg.Storage.PostgresDSN != "" {
		cfg.Storage.PostgresDSN = "redacted"
	}
	printJSON(cmd, cfg)
}
