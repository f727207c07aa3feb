package bridge

import (
	"context"
	"path/filepath"

	"sessionbridge/internal/permission"
)

// pathKeys are the tool input fields naming a file a mutation writes.
var pathKeys = []string{"file_path", "notebook_path", "path", "destination", "new_path"}

// trackingGate records a checkpoint of every file an approved mutation
// targets, keyed by the turn's user message id.
type trackingGate struct {
	gate *permission.Gate
	turn *turn
}

func (g *trackingGate) Decide(ctx context.Context, req permission.Request) permission.Decision {
	d := g.gate.Decide(ctx, req)
	if d.Approved() && permission.IsFileMutation(req.ToolName) {
		input := d.UpdatedInput
		if len(input) == 0 {
			input = req.Input
		}
		g.turn.track(req.ToolName, input)
	}
	return d
}

// Mode lets the runtime forward mode changes made by the gate.
func (g *trackingGate) Mode() permission.Mode {
	return g.gate.Mode()
}

func (t *turn) track(tool string, input map[string]interface{}) {
	store := t.svc.cfg.Checkpoints
	if store == nil {
		return
	}
	sessionID, messageID := t.ids()
	if sessionID == "" || messageID == "" {
		t.logger.Warn("cannot checkpoint before the session is known", "tool", tool)
		return
	}
	for _, path := range mutationPaths(input, t.req.WorkingDirectory) {
		if err := store.Track(sessionID, messageID, path); err != nil {
			t.logger.Warn("failed to checkpoint file", "tool", tool, "path", path, "error", err)
		}
	}
}

func mutationPaths(input map[string]interface{}, workDir string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, key := range pathKeys {
		p, _ := input[key].(string)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(workDir, p)
		}
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	return paths
}
