package regions

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"megafield/internal/acquisition"
)

// Update reports the outcome of reloading a region file.
type Update struct {
	Path   string    `json:"path"`
	Fields int       `json:"fields"`
	Time   time.Time `json:"time"`
	Err    error     `json:"-"`
}

// Watcher reloads a region whenever its file changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	region  *acquisition.Region
	log     *slog.Logger
	Updates chan Update
	done    chan struct{}
	stop    sync.Once
}

// NewWatcher prepares a watcher applying changes of path to region.
func NewWatcher(path string, region *acquisition.Region, log *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: fw,
		path:    abs,
		region:  region,
		log:     log,
		Updates: make(chan Update, 16),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file, so
// editors that replace the file on save are followed.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.log.Info("watching region file", "path", w.path)
	go w.processEvents()
	return nil
}

// Stop ends watching and closes Updates.
func (w *Watcher) Stop() error {
	var err error
	w.stop.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer close(w.Updates)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.emit(w.reload())

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("region watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// reload applies the file to the region.
func (w *Watcher) reload() Update {
	u := Update{Path: w.path, Time: time.Now()}
	f, err := Load(w.path)
	if err != nil {
		u.Err = err
		return u
	}
	if f.Name != w.region.Name() {
		w.log.Warn("region file renamed the region, keeping the old name", "file", f.Name, "region", w.region.Name())
	}
	if err := f.Apply(w.region); err != nil {
		u.Err = err
		return u
	}
	u.Fields = len(w.region.Indices())
	w.log.Debug("region reloaded", "path", w.path, "fields", u.Fields)
	return u
}

func (w *Watcher) emit(u Update) {
	select {
	case w.Updates <- u:
	default:
		w.log.Warn("update buffer full, dropping region update", "path", u.Path)
	}
}
