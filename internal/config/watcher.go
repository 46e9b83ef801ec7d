package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher observes the config file for writes and logs a warning when one
// is seen. The controller does not hot-reload trees/platforms/buildtypes
// mid-run; this exists purely so an operator editing the file on a live
// host finds out their change needs a restart instead of silently doing
// nothing.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchFile starts watching path. Returns nil, nil if path is empty (no
// config file was given, so there is nothing to watch).
func WatchFile(path string) (*Watcher, error) {
	if path == "" {
		return nil, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	go w.run(path)
	return w, nil
}

func (w *Watcher) run(path string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Warn().
					Str("path", path).
					Msg("config file changed on disk; restart the controller to pick up changes")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", path).Msg("config watcher error")
		case <-w.done:
			return
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	close(w.done)
	w.watcher.Close()
}
