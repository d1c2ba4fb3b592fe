package evolution

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"evoengine/internal/config"
	"evoengine/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// RULE HOT RELOAD
// =============================================================================

// RuleWatcher keeps the compiled rule set in sync with the config file
// on disk. Edits are debounced and swapped in atomically; the scheduler
// picks up the new set on its next tick. A config file that no longer
// parses keeps the previous rules in place.
type RuleWatcher struct {
	mu         sync.Mutex
	watcher    *fsnotify.Watcher
	configPath string
	current    atomic.Pointer[RuleSet]
	reloads    atomic.Uint64
	stopCh     chan struct{}
	doneCh     chan struct{}
	running    bool

	debounce time.Duration
}

// NewRuleWatcher seeds the watcher with an already-compiled set; the
// filesystem watch starts only on Start.
func NewRuleWatcher(configPath string, initial *RuleSet) *RuleWatcher {
	rw := &RuleWatcher{
		configPath: configPath,
		debounce:   500 * time.Millisecond,
	}
	rw.current.Store(initial)
	return rw
}

// Current returns the active rule set. Callers must treat it as
// immutable.
func (rw *RuleWatcher) Current() *RuleSet {
	return rw.current.Load()
}

// Reloads reports how many times the rule set has been swapped.
func (rw *RuleWatcher) Reloads() uint64 {
	return rw.reloads.Load()
}

// Start begins watching the config file's directory. Watching the
// directory rather than the file survives editors that replace the
// file via rename.
func (rw *RuleWatcher) Start(ctx context.Context) error {
	rw.mu.Lock()
	if rw.running {
		rw.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		rw.mu.Unlock()
		return err
	}
	rw.watcher = watcher
	rw.stopCh = make(chan struct{})
	rw.doneCh = make(chan struct{})
	rw.running = true
	rw.mu.Unlock()

	dir := filepath.Dir(rw.configPath)
	if err := watcher.Add(dir); err != nil {
		logging.RulesWarn("Watch failed for %s (rules will not hot-reload): %v", dir, err)
	} else {
		logging.Rules("Watching %s for rule changes", rw.configPath)
	}

	go rw.run(ctx)
	return nil
}

// Stop halts the watch loop and waits for it to drain.
func (rw *RuleWatcher) Stop() {
	rw.mu.Lock()
	if !rw.running {
		rw.mu.Unlock()
		return
	}
	rw.running = false
	stop, done, watcher := rw.stopCh, rw.doneCh, rw.watcher
	rw.mu.Unlock()

	close(stop)
	<-done

	if err := watcher.Close(); err != nil {
		logging.RulesWarn("Error closing watcher: %v", err)
	}
	logging.Rules("Rule watcher stopped")
}

func (rw *RuleWatcher) run(ctx context.Context) {
	defer close(rw.doneCh)

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-rw.stopCh:
			return

		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(rw.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Reset the debounce window on every burst of events.
			if pending == nil {
				pending = time.NewTimer(rw.debounce)
				pendingC = pending.C
			} else {
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(rw.debounce)
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			logging.RulesWarn("Watcher error: %v", err)

		case <-pendingC:
			pending = nil
			pendingC = nil
			rw.reload()
		}
	}
}

// reload re-reads the config file and swaps in a freshly compiled rule
// set. Parse failures keep the old set: a half-saved file must not
// strip the operator's rules.
func (rw *RuleWatcher) reload() {
	cfg, err := config.Load(rw.configPath)
	if err != nil {
		logging.RulesWarn("Config reload failed, keeping %d existing rules: %v", rw.Current().Len(), err)
		return
	}
	rw.current.Store(CompileRules(cfg.CustomRules))
	rw.reloads.Add(1)
	logging.Rules("Rules reloaded: %d active", rw.Current().Len())
}
