package claude

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSettings_Load(t *testing.T) {
	tmpDir := t.TempDir()
	settingsPath := filepath.Join(tmpDir, "settings.json")
	os.WriteFile(settingsPath, []byte(`{"theme": "dark"}`), 0644)

	settings, err := LoadSettings(settingsPath)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if settings["theme"] != "dark" {
		t.Errorf("Expected theme 'dark', got '%v'", settings["theme"])
	}
}

func TestSettings_LoadNonExistent(t *testing.T) {
	settings, err := LoadSettings("/nonexistent/path/settings.json")
	if err != nil {
		t.Fatalf("LoadSettings should not fail for non-existent file: %v", err)
	}
	if len(settings) != 0 {
		t.Error("Expected empty settings for non-existent file")
	}
}

func TestSettings_LoadMalformed(t *testing.T) {
	tmpDir := t.TempDir()
	settingsPath := filepath.Join(tmpDir, "settings.json")
	os.WriteFile(settingsPath, []byte(`{not json`), 0644)

	if _, err := LoadSettings(settingsPath); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSettingsCredentials(t *testing.T) {
	tmpDir := t.TempDir()
	os.WriteFile(SettingsPath(tmpDir), []byte(`{
		"env": {
			"ANTHROPIC_AUTH_TOKEN": "token-123",
			"ANTHROPIC_BASE_URL": "https://proxy.example.com",
			"DISABLE_TELEMETRY": 1
		}
	}`), 0644)

	key, baseURL, err := SettingsCredentials(tmpDir)
	if err != nil {
		t.Fatalf("SettingsCredentials failed: %v", err)
	}
	if key != "token-123" {
		t.Errorf("Expected auth token fallback, got %q", key)
	}
	if baseURL != "https://proxy.example.com" {
		t.Errorf("Expected base url, got %q", baseURL)
	}

	env, _ := SettingsEnv(tmpDir)
	if _, ok := env["DISABLE_TELEMETRY"]; ok {
		t.Error("non-string env values must be skipped")
	}
}

func TestSettingsCredentials_PrefersAPIKey(t *testing.T) {
	tmpDir := t.TempDir()
	os.WriteFile(SettingsPath(tmpDir), []byte(`{"env":{"ANTHROPIC_API_KEY":"sk-a","ANTHROPIC_AUTH_TOKEN":"tok"}}`), 0644)

	key, baseURL, err := SettingsCredentials(tmpDir)
	if err != nil {
		t.Fatalf("SettingsCredentials failed: %v", err)
	}
	if key != "sk-a" || baseURL != "" {
		t.Errorf("got key=%q base=%q", key, baseURL)
	}
}
