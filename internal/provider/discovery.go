package provider

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Installation is a runtime binary found on this machine.
type Installation struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Source  string `json:"source"`
}

// DiscoverInstallations looks for executables called name on PATH, in the
// usual package-manager locations and in extra.
func DiscoverInstallations(name string, extra ...string) []Installation {
	var locations []string
	if path, err := exec.LookPath(name); err == nil {
		locations = append(locations, path)
	}
	locations = append(locations, extra...)
	locations = append(locations,
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/opt/homebrew/bin", name),
	)
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations,
			filepath.Join(home, ".npm-global", "bin", name),
			filepath.Join(home, ".npm", "bin", name),
			filepath.Join(home, ".local", "bin", name),
			filepath.Join(home, "node_modules", ".bin", name),
		)
	}

	var installations []Installation
	seen := make(map[string]bool)
	for _, loc := range locations {
		resolved, err := filepath.EvalSymlinks(loc)
		if err != nil {
			resolved = loc
		}
		if seen[resolved] {
			continue
		}
		info, err := os.Stat(loc)
		if err != nil || info.IsDir() || info.Mode()&0111 == 0 {
			continue
		}
		seen[resolved] = true
		installations = append(installations, Installation{
			Path:    loc,
			Version: version(loc),
			Source:  "discovered",
		})
	}
	return installations
}

// FindBinary returns configured when it points at an existing file, and the
// first discovered installation of name otherwise.
func FindBinary(configured, name string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("%s binary not found at path %s: %w", name, configured, err)
		}
		return configured, nil
	}
	if found := DiscoverInstallations(name); len(found) > 0 {
		return found[0].Path, nil
	}
	return "", fmt.Errorf("%s binary not found: install it or set its path in the config file", name)
}

func version(binaryPath string) string {
	out, err := exec.Command(binaryPath, "--version").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}
