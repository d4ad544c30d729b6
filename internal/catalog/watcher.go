package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// MinDebounce is the lower bound applied to catalog-change notification
// debouncing.
const MinDebounce = 250 * time.Millisecond

// pollInterval is how often the watcher samples the sessions directory's
// mtime. A plain polling ticker keeps the watcher dependency-free; the
// debounce window sits on top so listeners are not flooded.
const pollInterval = 100 * time.Millisecond

// Watcher polls a sessions directory for changes and invokes a debounced
// callback.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func()

	lastMod  time.Time
	lastFire time.Time
	pending  bool
}

// NewWatcher constructs a watcher over dir. debounce is clamped to
// MinDebounce.
func NewWatcher(dir string, debounce time.Duration, onChange func()) *Watcher {
	if debounce < MinDebounce {
		debounce = MinDebounce
	}
	return &Watcher{dir: dir, debounce: debounce, onChange: onChange}
}

// Run polls until ctx is cancelled. Intended to be run in its own
// goroutine by the caller.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watcher) tick() {
	info, err := os.Stat(w.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Debug("catalog: watcher stat failed", "dir", w.dir, "error", err)
		}
		return
	}

	mtime := info.ModTime()
	now := time.Now()

	if mtime.After(w.lastMod) {
		w.lastMod = mtime
		w.pending = true
	}

	if w.pending && now.Sub(w.lastFire) >= w.debounce {
		w.pending = false
		w.lastFire = now
		if w.onChange != nil {
			w.onChange()
		}
	}
}

// RolloutFiles lists the append-only rollout files directly under dir,
// used by a caller that wants to reconcile the catalog against what is
// actually on disk after a change notification fires.
func RolloutFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".jsonl" {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}
