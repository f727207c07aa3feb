// app.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"sessionbridge/internal/anthropicapi"
	"sessionbridge/internal/bridge"
	"sessionbridge/internal/checkpoint"
	"sessionbridge/internal/claude"
	"sessionbridge/internal/codex"
	"sessionbridge/internal/config"
	"sessionbridge/internal/database"
	"sessionbridge/internal/eventhub"
	"sessionbridge/internal/git"
	"sessionbridge/internal/permission"
	"sessionbridge/internal/process"
	"sessionbridge/internal/provider"
	"sessionbridge/internal/retry"
	"sessionbridge/internal/session"
)

const (
	stderrLines           = 100
	checkpointCompression = 3
	shutdownTimeout       = 10 * time.Second
)

// App holds the core application state. Its exported methods are the RPC
// surface of the websocket server.
type App struct {
	config *config.Config
	logger *slog.Logger

	db             *database.Database
	processManager *process.Manager
	eventHub       *eventhub.EventHub
	prompter       *eventhub.Prompter
	service        *bridge.Service
}

// NewApp opens the database and checkpoint store and wires the runtimes
// found on this machine into a bridge service.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{config: cfg, logger: logger}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = db
	if n, err := db.MarkInterruptedRuns(); err != nil {
		logger.Warn("failed to mark interrupted turns", "error", err)
	} else if n > 0 {
		logger.Info("marked turns left running by a previous process", "count", n)
	}

	storage, err := checkpoint.NewStorage(cfg.CheckpointDir, checkpointCompression)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	checkpoints := checkpoint.NewManager(storage, logger)

	a.processManager = process.NewManager(stderrLines)
	a.eventHub = eventhub.New()
	a.prompter = eventhub.NewPrompter(a.eventHub, eventhub.DefaultPromptTimeout)

	file := cfg.File
	kind, err := provider.ParseKind(file.Provider)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.service = bridge.New(bridge.Config{
		Runtimes:        a.runtimes(checkpoints),
		DefaultProvider: kind,
		DefaultMode:     permission.Mode(file.PermissionMode),
		Streaming:       file.StreamingEnabled(),
		Policy:          file.RetryPolicy(retry.DefaultPolicy()),
		Registry:        session.NewRegistry(a.eventHub.EmitSessionChanged),
		Transcripts:     session.NewTranscripts(cfg.ClaudeDir),
		Checkpoints:     checkpoints,
		Store:           db,
		Credentials:     bridge.NewCredentialResolver(db, cfg.ClaudeDir, file.API.APIKeyEnv, file.API.BaseURL),
		Collaborators: bridge.Collaborators{
			Approver:     a.prompter,
			Responder:    a.prompter,
			PlanReviewer: a.prompter,
		},
		Summarize: git.Summarize,
		Logger:    logger,
	})

	logger.Debug("sessionbridge started", "app_dir", cfg.AppDir, "default_provider", kind)
	return a, nil
}

// runtimes builds a runtime for every provider that can run here. CLI
// runtimes whose binary is missing are skipped.
func (a *App) runtimes(checkpoints *checkpoint.Manager) []provider.Runtime {
	file := a.config.File
	var runtimes []provider.Runtime

	if bin, err := provider.FindBinary(file.Claude.Binary, "claude"); err == nil {
		runtimes = append(runtimes, claude.NewRuntime(bin, a.config.ClaudeDir, a.processManager, checkpoints, a.logger))
	} else {
		a.logger.Warn("claude runtime unavailable", "error", err)
	}

	if bin, err := provider.FindBinary(file.Codex.Binary, "codex"); err == nil {
		runtimes = append(runtimes, codex.NewRuntime(bin, a.config.CodexDir, a.config.ClaudeDir, a.processManager, a.logger))
	} else {
		a.logger.Debug("codex runtime unavailable", "error", err)
	}

	runtimes = append(runtimes, anthropicapi.NewRuntime(a.config.ClaudeDir, file.API.Model, file.API.MaxTokens,
		anthropicapi.WithLogger(a.logger)))
	return runtimes
}

// defaultModel returns the configured model of a CLI runtime.
func (a *App) defaultModel(providerName string) string {
	if providerName == "" {
		providerName = a.config.File.Provider
	}
	switch provider.Kind(providerName) {
	case provider.KindClaude:
		return a.config.File.Claude.Model
	case provider.KindCodex:
		return a.config.File.Codex.Model
	}
	return ""
}

// setBroadcaster routes hub events to the websocket server.
func (a *App) setBroadcaster(b eventhub.Broadcaster) {
	a.eventHub.SetBroadcaster(b)
}

// close releases sessions, child processes and the database.
func (a *App) close() error {
	var result *multierror.Error
	if err := a.service.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.processManager.KillAll(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("kill processes: %w", err))
	}
	if err := a.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close database: %w", err))
	}

	a.logger.Debug("sessionbridge shutdown complete")
	return result.ErrorOrNil()
}
