// internal/git/repo.go
package git

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotRepository is returned when a directory is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// FileStatus is the state of one changed path.
type FileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// Summary describes a work tree after a rewind.
type Summary struct {
	Branch    string       `json:"branch,omitempty"`
	Head      string       `json:"head,omitempty"`
	Clean     bool         `json:"clean"`
	Staged    []FileStatus `json:"staged,omitempty"`
	Modified  []FileStatus `json:"modified,omitempty"`
	Untracked []string     `json:"untracked,omitempty"`
}

// Repo wraps the repository that contains a session's working directory.
type Repo struct {
	path string
	repo *git.Repository
}

// Open opens the repository containing path, searching parent directories.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, path)
		}
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}
	return &Repo{path: path, repo: repo}, nil
}

// Summarize opens the repository containing dir and summarizes its work tree.
func Summarize(dir string) (*Summary, error) {
	repo, err := Open(dir)
	if err != nil {
		return nil, err
	}
	return repo.Summary()
}

// Summary returns branch, head and changed paths of the work tree.
func (r *Repo) Summary() (*Summary, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	summary := &Summary{Clean: status.IsClean()}
	if ref, err := r.repo.Head(); err == nil {
		summary.Head = ref.Hash().String()
		if ref.Name().IsBranch() {
			summary.Branch = ref.Name().Short()
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	for path, fileStatus := range status {
		if fileStatus.Worktree == git.Untracked {
			summary.Untracked = append(summary.Untracked, path)
			continue
		}
		if fileStatus.Staging != git.Unmodified {
			summary.Staged = append(summary.Staged, FileStatus{Path: path, Status: mapStatusCode(fileStatus.Staging)})
		}
		if fileStatus.Worktree != git.Unmodified {
			summary.Modified = append(summary.Modified, FileStatus{Path: path, Status: mapStatusCode(fileStatus.Worktree)})
		}
	}

	sort.Strings(summary.Untracked)
	sortByPath(summary.Staged)
	sortByPath(summary.Modified)
	return summary, nil
}

func sortByPath(files []FileStatus) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

func mapStatusCode(code git.StatusCode) string {
	switch code {
	case git.Unmodified:
		return "unmodified"
	case git.Untracked:
		return "untracked"
	case git.Modified:
		return "modified"
	case git.Added:
		return "added"
	case git.Deleted:
		return "deleted"
	case git.Renamed:
		return "renamed"
	case git.Copied:
		return "copied"
	case git.UpdatedButUnmerged:
		return "updated-but-unmerged"
	default:
		return "unknown"
	}
}
