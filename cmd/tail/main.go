package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tiflis-relay-lite/internal/identity"
)

func defaultIdentityPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "tiflis-identity.json"
	}
	return filepath.Join(dir, "tiflis", "identity.json")
}

func newRootCmd() *cobra.Command {
	var identityPath string

	cmd := &cobra.Command{
		Use:   "tiflis-tail",
		Short: "Follow workstation sessions from this device",
		Long:  "Pairs this device with a workstation and tails session output over the tunnel.",
	}
	cmd.PersistentFlags().StringVar(&identityPath, "identity", defaultIdentityPath(), "path to the device identity file")

	cmd.AddCommand(newPairCmd(&identityPath))
	cmd.AddCommand(newTailCmd(&identityPath))
	cmd.AddCommand(newUnpairCmd(&identityPath))
	return cmd
}

func newPairCmd(identityPath *string) *cobra.Command {
	var (
		tunnelID string
		authKey  string
	)

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Store workstation credentials for this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if authKey == "" {
				return fmt.Errorf("--auth-key is required")
			}
			store := identity.NewFileStore(*identityPath)
			id, err := identity.LoadOrCreate(store, tunnelID, authKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paired as device %s\n", id.DeviceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&tunnelID, "tunnel", "", "tunnel id from the workstation keygen output")
	cmd.Flags().StringVar(&authKey, "auth-key", "", "auth key from the workstation keygen output")
	return cmd
}

func newUnpairCmd(identityPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unpair",
		Short: "Forget the stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return identity.NewFileStore(*identityPath).Clear()
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
