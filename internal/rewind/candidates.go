package rewind

import "sessionbridge/internal/session"

// BuildCandidates lists the fallback restore points for target: its ancestors
// nearest first, up to and including the closest user prompt, then the last
// user prompt of the session. The list holds at most max distinct ids, never
// holds target, and ends with the last user prompt when that is not target.
func BuildCandidates(entries []session.Entry, target string, max int) []string {
	if max < 1 {
		max = 1
	}
	byID := make(map[string]session.Entry, len(entries))
	lastUserText := ""
	for _, e := range entries {
		byID[e.ID] = e
		if e.UserText {
			lastUserText = e.ID
		}
	}
	if lastUserText == target {
		lastUserText = ""
	}

	limit := max
	if lastUserText != "" {
		limit = max - 1
	}

	var candidates []string
	seen := map[string]bool{target: true}
	cur, ok := byID[target]
	for ok && cur.ParentID != "" && len(candidates) < limit {
		parent, found := byID[cur.ParentID]
		if !found || seen[parent.ID] {
			break
		}
		seen[parent.ID] = true
		if parent.ID != lastUserText {
			candidates = append(candidates, parent.ID)
		}
		if parent.UserText {
			break
		}
		cur = parent
	}

	if lastUserText != "" {
		candidates = append(candidates, lastUserText)
	}
	return candidates
}
