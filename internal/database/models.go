// internal/database/models.go
package database

import "time"

// ProviderApiConfig stores API credentials for a provider.
type ProviderApiConfig struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ProviderID string    `json:"provider_id"`
	BaseURL    string    `json:"base_url,omitempty"`
	AuthToken  string    `json:"auth_token,omitempty"`
	IsDefault  bool      `json:"is_default"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Turn run statuses.
const (
	TurnRunning     = "running"
	TurnSucceeded   = "succeeded"
	TurnFailed      = "failed"
	TurnInterrupted = "interrupted"
)

// TurnRun records one Send Turn call.
type TurnRun struct {
	ID             int64      `json:"id"`
	SessionID      string     `json:"session_id"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model,omitempty"`
	ProjectPath    string     `json:"project_path"`
	PermissionMode string     `json:"permission_mode"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	UserMessageID  string     `json:"user_message_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}
