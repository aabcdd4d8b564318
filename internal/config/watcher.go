package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file and applies runtime-adjustable settings
// (log level, ledger URL) without a restart.
type Watcher struct {
	mu       sync.Mutex
	config   *Config
	envPath  string
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	onReload func(*Config)
}

// NewWatcher creates a watcher for the env file the config was loaded from.
// Returns nil (no watcher) when no env file is in use.
func NewWatcher(cfg *Config, onReload func(*Config)) (*Watcher, error) {
	if cfg.EnvPath == "" {
		return nil, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		config:   cfg,
		envPath:  cfg.EnvPath,
		watcher:  fsWatcher,
		stop:     make(chan struct{}),
		onReload: onReload,
	}, nil
}

// Start begins watching. Editors replace files rather than rewriting them,
// so the parent directory is watched and events are filtered by name.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.loop()
	log.Info().Str("path", w.envPath).Msg("watching env file for changes")
	return nil
}

// Stop ends watching and releases the underlying watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	_ = w.watcher.Close()
}

func (w *Watcher) loop() {
	// Debounce: editors fire several events per save.
	var reloadTimer *time.Timer

	for {
		select {
		case <-w.stop:
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(250*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("env watcher error")
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("env reload failed")
		return
	}

	changed := false
	if v := strings.TrimSpace(envMap["CREDITS_LOG_LEVEL"]); v != "" && v != w.config.LogLevel {
		w.config.LogLevel = v
		changed = true
	}
	if v := strings.TrimSpace(envMap["CREDITS_LEDGER_URL"]); v != "" && v != w.config.LedgerURL {
		w.config.LedgerURL = v
		changed = true
	}

	if !changed {
		return
	}

	log.Info().Str("path", w.envPath).Msg("env file changed; applying runtime settings")
	if w.onReload != nil {
		w.onReload(w.config)
	}
}
