package cli

import (
	"github.com/spf13/cobra"
)

func newOwnersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owners",
		Short: "Owner-level operations",
	}
	cmd.AddCommand(newOwnersTerminateCmd())
	return cmd
}

func newOwnersTerminateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terminate OWNER",
		Short: "Terminate every active session an owner has",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			res, err := c.TerminateOwner(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	return cmd
}
