package fs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/chatmesh/logging"
)

// watcher reports changed files below root. New directories are added as
// they appear; excluded directories are never watched.
type watcher struct {
	root    string
	hidden  func(rel string, dir bool) bool
	changed func(rel string)
	log     logging.Logger

	w    *fsnotify.Watcher
	done chan struct{}
	once sync.Once
}

func newWatcher(root string, hidden func(string, bool) bool, changed func(string), log logging.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		root:    root,
		hidden:  hidden,
		changed: changed,
		log:     log,
		w:       fw,
		done:    make(chan struct{}),
	}

	if err := w.addRecursive(root); err != nil {
		_ = fw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

func (w *watcher) rel(path string) string {
	r, err := filepath.Rel(w.root, path)
	if err != nil {
		return ""
	}

	return filepath.ToSlash(r)
}

func (w *watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if r := w.rel(path); r != "." && w.hidden(r, true) {
			return filepath.SkipDir
		}

		return w.w.Add(path)
	})
}

func (w *watcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.w.Events:
			if !ok {
				return
			}

			w.handle(event)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}

			w.log.Warn("fs.watch.error", "error", err.Error())
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	rel := w.rel(event.Name)
	if rel == "" || rel == "." {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.hidden(rel, true) {
				_ = w.addRecursive(event.Name)
			}

			return
		}
	}

	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}

	if w.hidden(rel, false) {
		return
	}

	w.changed(rel)
}

// Close stops the watcher and waits for the event loop to exit.
func (w *watcher) Close() error {
	var err error

	w.once.Do(func() {
		err = w.w.Close()
		<-w.done
	})

	return err
}
