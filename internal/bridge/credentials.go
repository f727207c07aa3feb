package bridge

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"sessionbridge/internal/claude"
	"sessionbridge/internal/config"
	"sessionbridge/internal/provider"
)

// Credential sources reported in failure payloads.
const (
	SourceProviderConfig = "provider-config"
	SourceClaudeSettings = "claude-settings"
	SourceNone           = "none"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com"
	defaultOpenAIEndpoint    = "https://api.openai.com/v1"
)

// AuthError is an authentication or configuration failure. It is never
// retried.
type AuthError struct {
	Source    string
	MaskedKey string
	Endpoint  string
	Err       error
}

func (e *AuthError) Error() string {
	key := e.MaskedKey
	if key == "" {
		key = "none"
	}
	return fmt.Sprintf("authentication failed (source %s, key %s, endpoint %s): %v", e.Source, key, e.Endpoint, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NonRetryable implements the retry classification hook.
func (e *AuthError) NonRetryable() bool {
	return true
}

var authMarkers = []string{
	"invalid x-api-key",
	"invalid api key",
	"invalid_api_key",
	"authentication_error",
	"authentication failed",
	"unauthorized",
	"please run /login",
}

// isAuthFailure reports whether a runtime error looks like rejected
// credentials.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// MaskKey shortens an API key for display.
func MaskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 10:
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

// CredentialResolver finds the API key and endpoint of a provider.
type CredentialResolver struct {
	store     Store
	claudeDir string
	apiKeyEnv string
	baseURL   string
	getenv    func(string) string
}

// NewCredentialResolver creates a resolver. apiKeyEnv names the environment
// variable holding the Anthropic key; baseURL is the configured API endpoint.
// store may be nil.
func NewCredentialResolver(store Store, claudeDir, apiKeyEnv, baseURL string) *CredentialResolver {
	if apiKeyEnv == "" {
		apiKeyEnv = "ANTHROPIC_API_KEY"
	}
	return &CredentialResolver{
		store:     store,
		claudeDir: claudeDir,
		apiKeyEnv: apiKeyEnv,
		baseURL:   baseURL,
		getenv:    os.Getenv,
	}
}

// Resolve tries, in order, the default provider config in the database, the
// key environment variable and the env section of the Claude settings.
// Only the API provider requires a key; the CLIs may be logged in on their
// own.
func (r *CredentialResolver) Resolve(kind provider.Kind) (provider.Credentials, error) {
	creds, err := r.lookup(kind)
	if err != nil {
		return creds, err
	}
	if creds.Source == SourceNone && kind == provider.KindClaudeAPI {
		return creds, &AuthError{
			Source:   SourceNone,
			Endpoint: Endpoint(kind, creds),
			Err:      config.ErrMissingCredentials,
		}
	}
	return creds, nil
}

func (r *CredentialResolver) lookup(kind provider.Kind) (provider.Credentials, error) {
	if r == nil {
		return provider.Credentials{Source: SourceNone}, nil
	}

	for _, id := range storeIDs(kind) {
		if r.store == nil {
			break
		}
		row, err := r.store.GetDefaultProviderApiConfig(id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return provider.Credentials{}, fmt.Errorf("failed to read provider config: %w", err)
		}
		if row.AuthToken != "" {
			return provider.Credentials{APIKey: row.AuthToken, BaseURL: row.BaseURL, Source: SourceProviderConfig + ":" + row.Name}, nil
		}
	}

	envName, baseEnv := r.apiKeyEnv, "ANTHROPIC_BASE_URL"
	if kind == provider.KindCodex {
		envName, baseEnv = "OPENAI_API_KEY", "OPENAI_BASE_URL"
	}
	baseURL := r.getenv(baseEnv)
	if kind != provider.KindCodex && r.baseURL != "" {
		baseURL = r.baseURL
	}
	if key := r.getenv(envName); key != "" {
		return provider.Credentials{APIKey: key, BaseURL: baseURL, Source: "env:" + envName}, nil
	}

	if kind != provider.KindCodex && r.claudeDir != "" {
		key, settingsURL, err := claude.SettingsCredentials(r.claudeDir)
		if err != nil {
			return provider.Credentials{}, err
		}
		if baseURL == "" {
			baseURL = settingsURL
		}
		if key != "" {
			return provider.Credentials{APIKey: key, BaseURL: baseURL, Source: SourceClaudeSettings}, nil
		}
	}
	return provider.Credentials{BaseURL: baseURL, Source: SourceNone}, nil
}

func storeIDs(kind provider.Kind) []string {
	if kind == provider.KindClaudeAPI {
		return []string{string(provider.KindClaudeAPI), string(provider.KindClaude)}
	}
	return []string{string(kind)}
}

// Endpoint returns the effective base URL used with creds.
func Endpoint(kind provider.Kind, creds provider.Credentials) string {
	if creds.BaseURL != "" {
		return creds.BaseURL
	}
	if kind == provider.KindCodex {
		return defaultOpenAIEndpoint
	}
	return defaultAnthropicEndpoint
}
