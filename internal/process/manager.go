// internal/process/manager.go
package process

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Manager tracks the runtime processes of in-flight turns so that they can
// be stopped together on shutdown.
type Manager struct {
	processes   map[string]*Process
	stderrLines int
	mu          sync.RWMutex
}

// NewManager creates a manager whose processes keep stderrLines of stderr.
func NewManager(stderrLines int) *Manager {
	return &Manager{
		processes:   make(map[string]*Process),
		stderrLines: stderrLines,
	}
}

// Spawn starts cmd under key and forgets it once it exits.
func (m *Manager) Spawn(key string, cmd *exec.Cmd) (*Process, error) {
	proc, err := Start(key, cmd, m.stderrLines)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.processes[key] = proc
	m.mu.Unlock()

	go func() {
		proc.Wait()
		m.mu.Lock()
		if m.processes[key] == proc {
			delete(m.processes, key)
		}
		m.mu.Unlock()
	}()
	return proc, nil
}

// Kill gracefully stops the process under key.
func (m *Manager) Kill(ctx context.Context, key string) error {
	proc, ok := m.Get(key)
	if !ok {
		return fmt.Errorf("process not found: %s", key)
	}
	return proc.GracefulShutdown(ctx)
}

// IsAlive checks if the process under key is running.
func (m *Manager) IsAlive(key string) bool {
	proc, ok := m.Get(key)
	return ok && proc.IsRunning()
}

// KillAll stops every tracked process concurrently.
func (m *Manager) KillAll(ctx context.Context) error {
	m.mu.RLock()
	procs := make([]*Process, 0, len(m.processes))
	for _, proc := range m.processes {
		procs = append(procs, proc)
	}
	m.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		result error
	)
	for _, proc := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			if err := p.GracefulShutdown(ctx); err != nil {
				errMu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", p.Key, err))
				errMu.Unlock()
			}
		}(proc)
	}
	wg.Wait()
	return result
}

// List returns the keys of tracked processes.
func (m *Manager) List() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.processes))
	for key := range m.processes {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Get returns the process under key.
func (m *Manager) Get(key string) (*Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	proc, ok := m.processes[key]
	return proc, ok
}

// Count returns the number of tracked processes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processes)
}
