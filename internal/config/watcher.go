package config

import (
	"path/filepath"
	"sync"
	"time"

	"jeeprep/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// TuningWatcher watches the config file and re-reads the tutor tuning
// section on change, so policy constants can be adjusted without a
// restart. Only the Tutor section is hot-reloaded; structural settings
// (storage paths, providers) require a restart.
type TuningWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	onChange    func(TutorConfig)
	lastReload  time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewTuningWatcher creates a watcher for the given config file path.
// onChange is invoked with the freshly parsed tuning section after each
// successful reload.
func NewTuningWatcher(path string, onChange func(TutorConfig)) (*TuningWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &TuningWatcher{
		watcher:     w,
		path:        path,
		onChange:    onChange,
		debounceDur: 500 * time.Millisecond, // editors fire several events per save
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking.
func (tw *TuningWatcher) Start() error {
	tw.mu.Lock()
	if tw.running {
		tw.mu.Unlock()
		return nil
	}
	tw.running = true
	tw.mu.Unlock()

	// Watch the directory, not the file: most editors replace the file
	// on save, which drops a file-level watch.
	if err := tw.watcher.Add(filepath.Dir(tw.path)); err != nil {
		return err
	}

	go tw.loop()
	return nil
}

func (tw *TuningWatcher) loop() {
	defer close(tw.doneCh)
	for {
		select {
		case <-tw.stopCh:
			return
		case ev, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(tw.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			tw.reload()
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}

func (tw *TuningWatcher) reload() {
	tw.mu.Lock()
	if time.Since(tw.lastReload) < tw.debounceDur {
		tw.mu.Unlock()
		return
	}
	tw.lastReload = time.Now()
	tw.mu.Unlock()

	cfg, err := Load(tw.path)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config reload rejected: %v", err)
		return
	}
	logging.Boot("tuning constants reloaded from %s", tw.path)
	tw.onChange(cfg.Tutor)
}

// Close stops the watcher and waits for the loop to exit.
func (tw *TuningWatcher) Close() error {
	tw.mu.Lock()
	if !tw.running {
		tw.mu.Unlock()
		return tw.watcher.Close()
	}
	tw.running = false
	tw.mu.Unlock()

	close(tw.stopCh)
	err := tw.watcher.Close()
	<-tw.doneCh
	return err
}
