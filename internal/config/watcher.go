package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// reloadQuiet is how long the watcher waits after a write event before
// re-reading, so editors that write in multiple syscalls settle first.
const reloadQuiet = 100 * time.Millisecond

// Watcher watches the configuration file and invokes a callback with the
// freshly loaded Config whenever it changes on disk. Invalid edits are
// ignored: the callback only fires for configs that pass validation.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Config)
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a Watcher for the given config file path.
// Call Start to begin watching and Stop to release the underlying watcher.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the file's directory (fsnotify works better with directories)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		path:     path,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins processing file events in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop closes the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	var quiet *time.Timer
	var quietC <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if quiet == nil {
				quiet = time.NewTimer(reloadQuiet)
			} else {
				quiet.Reset(reloadQuiet)
			}
			quietC = quiet.C
		case <-quietC:
			quietC = nil
			w.reload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are not actionable here; the next event
			// either arrives or it doesn't.
		}
	}
}

func (w *Watcher) reload() {
	viper.SetConfigFile(w.path)
	if err := viper.ReadInConfig(); err != nil {
		return
	}
	cfg, err := Load()
	if err != nil {
		return
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
