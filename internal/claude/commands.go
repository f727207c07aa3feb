package claude

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"sessionbridge/internal/provider"
)

// Command scopes.
const (
	ScopeBuiltin = "default"
	ScopeProject = "project"
	ScopeUser    = "user"
	ScopePlugin  = "plugin"
)

// CommandFrontmatter represents YAML frontmatter in command files
type CommandFrontmatter struct {
	Description  string   `yaml:"description"`
	AllowedTools []string `yaml:"allowed-tools"`
	ArgumentHint string   `yaml:"argument-hint"`
}

// installedPlugins mirrors plugins/installed_plugins.json.
type installedPlugins struct {
	Plugins map[string][]struct {
		InstallPath string `json:"installPath"`
	} `json:"plugins"`
}

var builtinCommands = []provider.Command{
	{Name: "add-dir", Description: "Add additional working directories", Scope: ScopeBuiltin},
	{Name: "clear", Description: "Clear conversation history and start fresh", Scope: ScopeBuiltin},
	{Name: "compact", Description: "Clear conversation history but keep a summary in context", ArgumentHint: "[instructions]", Scope: ScopeBuiltin},
	{Name: "init", Description: "Initialize project with Memory guide", Scope: ScopeBuiltin},
	{Name: "review", Description: "Request code review", Scope: ScopeBuiltin},
}

// ListCommands returns the slash commands available to a Claude session in
// projectPath: built-ins, then project, user and plugin commands. A name
// defined in several places resolves to the first one.
func ListCommands(claudeDir, projectPath string) ([]provider.Command, error) {
	var commands []provider.Command
	commands = append(commands, builtinCommands...)

	if projectPath != "" {
		project, err := LoadCommandDir(filepath.Join(projectPath, ".claude", "commands"), ScopeProject, "")
		if err != nil {
			return nil, err
		}
		commands = append(commands, project...)
	}

	user, err := LoadCommandDir(filepath.Join(claudeDir, "commands"), ScopeUser, "")
	if err != nil {
		return nil, err
	}
	commands = append(commands, user...)
	commands = append(commands, loadPluginCommands(claudeDir)...)

	return dedupeCommands(commands), nil
}

// LoadCommandDir loads every markdown command below dir. Nested directories
// become colon-separated namespaces; prefix is prepended to every name.
func LoadCommandDir(dir, scope, prefix string) ([]provider.Command, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	files, err := findMarkdownFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	var commands []provider.Command
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		fm, _ := parseMarkdownFrontmatter(string(content))
		commands = append(commands, provider.Command{
			Name:         prefix + commandName(path, dir),
			Description:  fm.Description,
			ArgumentHint: fm.ArgumentHint,
			Scope:        scope,
		})
	}
	return commands, nil
}

// findMarkdownFiles recursively finds all .md files in a directory
func findMarkdownFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(info.Name(), ".") && path != dir {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".md") {
			files = append(files, path)
		}
		return nil
	})

	sort.Strings(files)
	return files, err
}

// parseMarkdownFrontmatter parses YAML frontmatter from markdown content
func parseMarkdownFrontmatter(content string) (CommandFrontmatter, string) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return CommandFrontmatter{}, content
	}

	end := 0
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == 0 {
		return CommandFrontmatter{}, content
	}

	var fm CommandFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &fm); err != nil {
		return CommandFrontmatter{}, content
	}
	return fm, strings.Join(lines[end+1:], "\n")
}

// commandName turns dir/a/b/name.md into a:b:name.
func commandName(path, baseDir string) string {
	rel, err := filepath.Rel(baseDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(rel, ".md")
	return strings.Join(strings.Split(rel, string(filepath.Separator)), ":")
}

// loadPluginCommands loads commands from all installed plugins as
// plugin-name:command.
func loadPluginCommands(claudeDir string) []provider.Command {
	content, err := os.ReadFile(filepath.Join(claudeDir, "plugins", "installed_plugins.json"))
	if err != nil {
		return nil
	}
	var installed installedPlugins
	if err := json.Unmarshal(content, &installed); err != nil {
		return nil
	}

	ids := make([]string, 0, len(installed.Plugins))
	for id := range installed.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var commands []provider.Command
	for _, id := range ids {
		entries := installed.Plugins[id]
		if len(entries) == 0 {
			continue
		}
		// "superpowers@marketplace" -> "superpowers"
		name := id
		if at := strings.Index(id, "@"); at != -1 {
			name = id[:at]
		}
		for _, dir := range []string{
			filepath.Join(entries[0].InstallPath, "commands"),
			filepath.Join(entries[0].InstallPath, ".claude", "commands"),
		} {
			cmds, err := LoadCommandDir(dir, ScopePlugin, name+":")
			if err != nil {
				continue
			}
			commands = append(commands, cmds...)
		}
	}
	return commands
}

func dedupeCommands(commands []provider.Command) []provider.Command {
	seen := make(map[string]bool, len(commands))
	out := commands[:0]
	for _, cmd := range commands {
		if seen[cmd.Name] {
			continue
		}
		seen[cmd.Name] = true
		out = append(out, cmd)
	}
	return out
}
