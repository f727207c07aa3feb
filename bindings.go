// bindings.go
package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"sessionbridge/internal/bridge"
	"sessionbridge/internal/database"
	"sessionbridge/internal/eventhub"
	"sessionbridge/internal/provider"
	"sessionbridge/internal/rewind"
)

// ===== Turn Bindings =====

// SendTurn runs a turn, publishing its protocol lines as bridge-output
// events tagged with turnID. The summary is also published as turn:finished.
func (a *App) SendTurn(ctx context.Context, turnID string, req bridge.TurnRequest) (bridge.TurnSummary, error) {
	if turnID == "" {
		turnID = uuid.NewString()
	}
	if req.Model == "" {
		req.Model = a.defaultModel(req.Provider)
	}
	summary, err := a.service.SendTurn(ctx, req, a.eventHub.TurnEmitter(turnID))
	if err != nil {
		return summary, err
	}
	a.eventHub.EmitTurnFinished(turnID, summary)
	return summary, nil
}

// CancelTurn interrupts the running turn of a session.
func (a *App) CancelTurn(sessionID string) bool {
	return a.service.CancelTurn(sessionID)
}

// TurnHistory returns recent turn runs. An empty sessionID lists all
// sessions.
func (a *App) TurnHistory(sessionID string, limit int) ([]*database.TurnRun, error) {
	return a.service.TurnHistory(sessionID, limit)
}

// RespondPermission answers a permission:request event.
func (a *App) RespondPermission(promptID string, resp eventhub.PromptResponse) bool {
	return a.prompter.Resolve(promptID, resp)
}

// ===== Session Bindings =====

// Rewind restores files to the state before a message.
func (a *App) Rewind(ctx context.Context, req bridge.RewindRequest) (*rewind.Result, error) {
	return a.service.Rewind(ctx, req)
}

// ListActiveSessions returns the ids of sessions with a live connection.
func (a *App) ListActiveSessions() []string {
	return a.service.ListActiveSessions()
}

// HasActiveSession reports whether a session has a live connection.
func (a *App) HasActiveSession(sessionID string) bool {
	return a.service.HasActiveSession(sessionID)
}

// RemoveSession releases the connection of a session.
func (a *App) RemoveSession(sessionID string) bool {
	return a.service.RemoveSession(sessionID)
}

// ClearCheckpoints deletes the file checkpoints recorded for a session.
func (a *App) ClearCheckpoints(sessionID string) error {
	return a.service.ClearCheckpoints(sessionID)
}

// SupportedCommands lists the slash commands of a session.
func (a *App) SupportedCommands(ctx context.Context, sessionID string) ([]provider.Command, error) {
	return a.service.SupportedCommands(ctx, sessionID)
}

// ===== Provider Bindings =====

// ListInstallations returns the runtime binaries found on this machine.
func (a *App) ListInstallations() map[string][]provider.Installation {
	result := make(map[string][]provider.Installation)
	for _, name := range []string{string(provider.KindClaude), string(provider.KindCodex)} {
		found := provider.DiscoverInstallations(name)
		if found == nil {
			found = []provider.Installation{}
		}
		result[name] = found
	}
	return result
}

// SaveProviderAPIConfig stores API credentials for a provider. A new id is
// assigned when empty.
func (a *App) SaveProviderAPIConfig(cfg database.ProviderApiConfig) (*database.ProviderApiConfig, error) {
	if _, err := provider.ParseKind(cfg.ProviderID); err != nil || cfg.ProviderID == "" {
		return nil, fmt.Errorf("invalid provider id %q", cfg.ProviderID)
	}
	if cfg.Name == "" {
		return nil, errors.New("name is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if err := a.db.SaveProviderApiConfig(&cfg); err != nil {
		return nil, fmt.Errorf("failed to save provider config: %w", err)
	}
	return maskConfig(&cfg), nil
}

// ListProviderAPIConfigs returns the stored configs with masked tokens.
func (a *App) ListProviderAPIConfigs() ([]*database.ProviderApiConfig, error) {
	configs, err := a.db.GetAllProviderApiConfigs()
	if err != nil {
		return nil, fmt.Errorf("failed to list provider configs: %w", err)
	}
	masked := make([]*database.ProviderApiConfig, 0, len(configs))
	for _, c := range configs {
		masked = append(masked, maskConfig(c))
	}
	sort.SliceStable(masked, func(i, j int) bool { return masked[i].Name < masked[j].Name })
	return masked, nil
}

// DeleteProviderAPIConfig removes a stored config.
func (a *App) DeleteProviderAPIConfig(id string) error {
	return a.db.DeleteProviderApiConfig(id)
}

func maskConfig(c *database.ProviderApiConfig) *database.ProviderApiConfig {
	out := *c
	out.AuthToken = bridge.MaskKey(c.AuthToken)
	return &out
}
