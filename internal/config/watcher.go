package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/opencode-ai/agentrelay/internal/logging"
	"github.com/opencode-ai/agentrelay/pkg/types"
)

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// Watcher reloads the approval policy when a loaded config file changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	sources  map[string]bool
	paths    []string
	onChange func(types.ApprovalConfig)

	mu      sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewWatcher watches the directories holding sources. onChange receives the
// re-read approval section after each change. Returns nil if sources is empty.
func NewWatcher(sources []string, onChange func(types.ApprovalConfig)) (*Watcher, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Directories are watched rather than files so atomic-rename saves
	// are still observed.
	dirs := make(map[string]bool)
	set := make(map[string]bool)
	for _, src := range sources {
		set[filepath.Clean(src)] = true
		dir := filepath.Dir(src)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
		dirs[dir] = true
	}

	return &Watcher{
		watcher:  fw,
		sources:  set,
		paths:    append([]string(nil), sources...),
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching in the background.
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
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if w.sources[filepath.Clean(ev.Name)] {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	approval, err := LoadApproval(w.paths)
	if err != nil {
		logging.Warn().Err(err).Msg("approval policy reload failed, keeping previous policy")
		return
	}
	logging.Info().
		Int("timeoutSeconds", approval.TimeoutSeconds).
		Strs("dangerousTools", approval.DangerousTools).
		Int("bashRules", len(approval.Bash)).
		Msg("approval policy reloaded")
	if w.onChange != nil {
		w.onChange(approval)
	}
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
