// Package cli implements the sandgate command tree: the gateway daemon
// under serve, and client subcommands that drive a running gateway over
// its HTTP API.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sandgate",
		Short:         "sandgate: session gateway for sandboxed coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("sandgate {{.Version}}\n")

	cmd.PersistentFlags().String("server", getenvDefault("SANDGATE_SERVER", "http://127.0.0.1:8080"), "Gateway base URL")
	cmd.PersistentFlags().String("token", getenvDefault("SANDGATE_TOKEN", ""), "Bearer token for the gateway API")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newOwnersCmd())

	return cmd
}

type clientConfig struct {
	serverAddr string
	token      string
}

func getClientConfig(cmd *cobra.Command) *clientConfig {
	serverAddr, _ := cmd.Root().PersistentFlags().GetString("server")
	token, _ := cmd.Root().PersistentFlags().GetString("token")
	if serverAddr == "" {
		serverAddr = "http://127.0.0.1:8080"
	}
	return &clientConfig{serverAddr: serverAddr, token: token}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
