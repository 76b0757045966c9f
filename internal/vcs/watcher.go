// Package vcs tracks the git branch of the agent's working directory.
package vcs

import (
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/opencode-ai/agentrelay/internal/event"
	"github.com/opencode-ai/agentrelay/internal/logging"
)

// Watcher follows branch switches in a working tree by watching its git
// directory.
type Watcher struct {
	fsw     *fsnotify.Watcher
	bus     *event.Bus
	workDir string
	gitDir  string

	mu      sync.RWMutex
	branch  string
	started bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher for workDir. It returns nil, nil when
// workDir is not inside a git repository. bus may be nil.
func NewWatcher(workDir string, bus *event.Bus) (*Watcher, error) {
	gitDir := findGitDir(workDir)
	if gitDir == "" {
		logging.Debug().Str("workDir", workDir).Msg("not a git repository, branch tracking disabled")
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// HEAD is rewritten by rename, so watch the directory rather than the file.
	if err := fsw.Add(gitDir); err != nil {
		fsw.Close()
		return nil, err
	}

	branch := Branch(workDir)
	logging.Info().Str("branch", branch).Str("gitDir", gitDir).Msg("branch tracking enabled")

	return &Watcher{
		fsw:     fsw,
		bus:     bus,
		workDir: workDir,
		gitDir:  gitDir,
		branch:  branch,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Calling it twice is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Base(ev.Name) == "HEAD" {
				w.refresh()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("branch watcher error")
		}
	}
}

// refresh re-reads the branch and publishes a change, if any.
func (w *Watcher) refresh() {
	branch := Branch(w.workDir)

	w.mu.Lock()
	old := w.branch
	changed := branch != old
	w.branch = branch
	w.mu.Unlock()

	if !changed {
		return
	}
	logging.Info().Str("from", old).Str("to", branch).Msg("branch changed")
	if w.bus != nil {
		w.bus.Publish(event.Event{
			Type: event.BranchChanged,
			Data: event.BranchChangedData{WorkDir: w.workDir, Branch: branch},
		})
	}
}

// CurrentBranch returns the last branch seen. A nil Watcher reports "".
func (w *Watcher) CurrentBranch() string {
	if w == nil {
		return ""
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.branch
}

// Stop stops the watcher and releases the underlying notifier.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.fsw.Close()
}

// findGitDir returns the absolute git directory for workDir, or "" when it
// is not a repository. Worktrees resolve to their own git directory.
func findGitDir(workDir string) string {
	out, ok := git(workDir, "rev-parse", "--git-dir")
	if !ok {
		return ""
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(workDir, out)
	}
	return out
}

// Branch returns the branch checked out in workDir, "HEAD" when detached,
// or "" outside a repository.
func Branch(workDir string) string {
	out, _ := git(workDir, "rev-parse", "--abbrev-ref", "HEAD")
	return out
}

func git(dir string, args ...string) (string, bool) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}
