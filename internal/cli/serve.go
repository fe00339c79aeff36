package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandgate/sandgate/internal/config"
	"github.com/sandgate/sandgate/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}

			s, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "sandgate listening on %s\n", cfg.Server.Addr)
			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML (default: ./sandgate.yml, ./sandgate.yaml, or /etc/sandgate/config.yaml)")
	return cmd
}

// defaultConfigPath returns the first config file present, or "" when the
// gateway should run on built-in defaults.
func defaultConfigPath() string {
	if v := os.Getenv("SANDGATE_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{"sandgate.yml", "sandgate.yaml", "/etc/sandgate/config.yaml", "/etc/sandgate/config.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadLocalConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
