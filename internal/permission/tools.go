package permission

// Tool names with special handling.
const (
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
	ToolBash            = "Bash"
)

var interactiveTools = map[string]bool{
	ToolAskUserQuestion: true,
}

var readOnlyTools = map[string]bool{
	"Read":             true,
	"Glob":             true,
	"Grep":             true,
	"LS":               true,
	"WebFetch":         true,
	"WebSearch":        true,
	"NotebookRead":     true,
	"BashOutput":       true,
	"ListMcpResources": true,
	"ReadMcpResource":  true,
}

// planWhitelist holds tools allowed in plan mode besides read-only ones.
// Write is needed to author the plan file.
var planWhitelist = map[string]bool{
	"Write":     true,
	"TodoWrite": true,
}

var fileMutationTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
	"CreateFile":   true,
	"MoveFile":     true,
	"CopyFile":     true,
	"RenameFile":   true,
}

var shellTools = map[string]bool{
	ToolBash: true,
}

// IsInteractive reports whether name always needs a human answer.
func IsInteractive(name string) bool { return interactiveTools[name] }

// IsReadOnly reports whether name never mutates state.
func IsReadOnly(name string) bool { return readOnlyTools[name] }

// IsFileMutation reports whether name writes, edits or moves files.
func IsFileMutation(name string) bool { return fileMutationTools[name] }

// IsShell reports whether name executes shell commands.
func IsShell(name string) bool { return shellTools[name] }
