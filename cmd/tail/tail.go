package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tiflis-relay-lite/internal/client"
	"tiflis-relay-lite/internal/identity"
	"tiflis-relay-lite/internal/replay"
)

func newTailCmd(identityPath *string) *cobra.Command {
	var (
		url   string
		since int64
	)

	cmd := &cobra.Command{
		Use:   "tail <session-id>",
		Short: "Stream a session's output to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(*identityPath, url, args[0], since)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:3000/ws", "workstation websocket URL")
	cmd.Flags().Int64Var(&since, "since", 0, "replay output created at or after this unix-millisecond timestamp")
	return cmd
}

func runTail(identityPath, url, sessionID string, since int64) error {
	credStore := identity.NewFileStore(identityPath)
	if _, err := credStore.Get(); err != nil {
		return fmt.Errorf("no stored credentials, run pair first: %w", err)
	}

	dev := client.New(client.Options{
		URL:         url,
		Credentials: credStore,
		OnState: func(s client.State) {
			log.Printf("connection: %s", s)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dev.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer dev.Disconnect()

	ws := dev.Workstation()
	log.Printf("connected to %s (v%s)", ws.WorkstationName, ws.WorkstationVersion)

	sub, err := dev.TailSession(ctx, sessionID, since, func(e replay.Entry) {
		fmt.Print(e.Content)
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", sessionID, err)
	}
	if sub.IsMaster != nil && *sub.IsMaster {
		log.Printf("this device is the session master (%dx%d)", sub.Cols, sub.Rows)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	return dev.StopTail(context.Background(), sessionID)
}
