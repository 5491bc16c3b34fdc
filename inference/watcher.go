package inference

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"etongue/ml"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the dispatcher when the metadata file, which training
// writes last, changes. Bursts of events collapse into one Load after
// Debounce of quiet.
type Watcher struct {
	Dir        string
	Dispatcher *Dispatcher
	Debounce   time.Duration
	Logger     *zap.Logger
}

func triggersReload(name string) bool {
	return filepath.Base(name) == ml.MetadataFile
}

// Run blocks until ctx is done. Load errors are logged and the previous
// snapshot keeps serving.
func (w *Watcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return err
	}
	logger.Info("watching artifacts", zap.String("artifacts.dir", w.Dir))

	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !triggersReload(ev.Name) || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("artifact watcher error", zap.Error(err))
		case <-timer.C:
			if err := w.Dispatcher.Load(w.Dir); err != nil {
				continue
			}
			logger.Info("artifacts reloaded", zap.String("artifacts.dir", w.Dir))
		}
	}
}
