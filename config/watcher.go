package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Watcher reloads the configuration whenever its file changes and delivers
// the result on a channel. Reloads that fail to parse or validate are
// logged and skipped, so a half-saved file never reaches the daemon.
type Watcher struct {
	path      string
	logger    golog.Logger
	fsWatcher *fsnotify.Watcher
	configs   chan Config

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewWatcher watches the config file at path. The containing directory is
// watched rather than the file itself so editors that replace the file
// still trigger a reload.
func NewWatcher(path string, logger golog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		return nil, errors.Wrapf(err, "watching %q", filepath.Dir(path))
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	w := &Watcher{
		path:       path,
		logger:     logger,
		fsWatcher:  fsWatcher,
		configs:    make(chan Config, 1),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	w.activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(w.watch)
	return w, nil
}

// Config delivers each successfully reloaded configuration.
func (w *Watcher) Config() <-chan Config {
	return w.configs
}

func (w *Watcher) watch() {
	defer w.activeBackgroundWorkers.Done()
	for {
		select {
		case <-w.cancelCtx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Read(w.path)
			if err != nil {
				w.logger.Errorw("config reload failed", "path", w.path, "error", err)
				continue
			}
			select {
			case w.configs <- cfg:
			case <-w.cancelCtx.Done():
				return
			default:
				// A pending config nobody read yet is stale; replace it.
				select {
				case <-w.configs:
				default:
				}
				w.configs <- cfg
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorw("config watcher error", "error", err)
		}
	}
}

// Close stops watching. The config channel is not closed; it simply stops
// delivering.
func (w *Watcher) Close() error {
	w.cancelFunc()
	err := w.fsWatcher.Close()
	w.activeBackgroundWorkers.Wait()
	return err
}
