package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tiflis-relay-lite/internal/auth"
	"tiflis-relay-lite/internal/server"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tiflis-workstation",
		Short: "Tiflis relay workstation daemon",
		Long:  "Hosts agent and terminal sessions and relays them to paired devices over a websocket tunnel.",
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tiflis-workstation %s\n", server.Version)
		},
	}
}

// keygen prints fresh pairing material. Run once per workstation and
// hand the output to devices through the pairing step, never over the
// tunnel itself.
func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a tunnel id and auth key for pairing",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := auth.NewAuthKey()
			if err != nil {
				return fmt.Errorf("generate auth key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "TUNNEL_ID=%s\n", uuid.NewString())
			fmt.Fprintf(out, "WORKSTATION_AUTH_KEY=%s\n", key)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
