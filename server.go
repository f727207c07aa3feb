// server.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"sessionbridge/internal/config"
	"sessionbridge/internal/websocket"
)

var (
	serveListen  string
	serveLogFile bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the bridge over websocket RPC",
	Long: `serve exposes the bridge operations as websocket RPC methods on /ws.
Turn output is pushed to every client as bridge-output events. When the
environment variable named by server.auth_key_env is set, clients must send
its value in the X-Auth-Key header.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveLogFile, "log-file", true, "Also write logs to the app log directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logOut io.Writer = os.Stderr
	if serveLogFile {
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, "sessionbridge.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = io.MultiWriter(os.Stderr, f)
	}
	logger, err := newLogger(logOut, logLevel)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.close(); err != nil {
			logger.Warn("shutdown finished with errors", "error", err)
		}
	}()

	server := websocket.NewServer(app, os.Getenv(cfg.File.Server.AuthKeyEnv), logger)
	app.setBroadcaster(server)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listen := serveListen
	if listen == "" {
		listen = cfg.File.Server.Listen
	}
	addr, err := server.Start(ctx, listen)
	if err != nil {
		return fmt.Errorf("failed to start websocket server: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "SESSIONBRIDGE_WS_READY:addr=%s\n", addr)

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Stop(stopCtx)
}
