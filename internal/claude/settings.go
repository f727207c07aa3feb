package claude

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SettingsPath returns ~/.claude/settings.json.
func SettingsPath(claudeDir string) string {
	return filepath.Join(claudeDir, "settings.json")
}

// LoadSettings reads a settings file. A missing file is an empty map.
func LoadSettings(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]interface{}), nil
		}
		return nil, err
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return settings, nil
}

// SettingsEnv returns the string values of the "env" section of the user's
// settings, which the CLI exports to its own process.
func SettingsEnv(claudeDir string) (map[string]string, error) {
	settings, err := LoadSettings(SettingsPath(claudeDir))
	if err != nil {
		return nil, err
	}

	env := make(map[string]string)
	section, _ := settings["env"].(map[string]interface{})
	for k, v := range section {
		if s, ok := v.(string); ok {
			env[k] = s
		}
	}
	return env, nil
}

// SettingsCredentials returns the API key and base URL configured in the
// settings env, preferring ANTHROPIC_API_KEY over ANTHROPIC_AUTH_TOKEN.
func SettingsCredentials(claudeDir string) (apiKey, baseURL string, err error) {
	env, err := SettingsEnv(claudeDir)
	if err != nil {
		return "", "", err
	}
	apiKey = env["ANTHROPIC_API_KEY"]
	if apiKey == "" {
		apiKey = env["ANTHROPIC_AUTH_TOKEN"]
	}
	return apiKey, env["ANTHROPIC_BASE_URL"], nil
}
