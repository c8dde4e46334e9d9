package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"tiflis-relay-lite/internal/config"
	"tiflis-relay-lite/internal/server"
	"tiflis-relay-lite/internal/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workstation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (env vars override)")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)

	st, err := store.Open(cfg.DataFile)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.DataFile, err)
	}

	comps := server.Build(cfg, st)
	srv := server.NewHTTPServer(cfg, comps.Router)

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("workstation %q listening on :%d (tunnel %s)", cfg.WorkstationName, cfg.Port, cfg.TunnelID)
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			errCh <- srv.ServeTLS(ln, cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	// Devices that reconnected to the new process before this point hear
	// the presence change; everyone else learns it from their own connect.
	comps.Relay.AnnounceOnline()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	}

	comps.Relay.AnnounceOffline()
	if err := server.Shutdown(srv, 5*time.Second); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
