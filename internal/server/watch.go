package server

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// reloadDebounce coalesces the burst of filesystem events an editor save
// produces into one reload.
const reloadDebounce = 300 * time.Millisecond

// WatchNotebook reloads the session whenever the notebook file changes on
// disk, so edits made by other tools show up in connected browsers. The
// watcher runs until the server closes.
func (s *Server) WatchNotebook() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WithMessage(err, "failed to create notebook watcher")
	}
	// Watch the directory: saves that rename a temporary file over the
	// notebook (our own included) replace the watched inode.
	dir := filepath.Dir(s.session.Path())
	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return errors.WithMessagef(err, "failed to watch %q", dir)
	}
	go s.watchLoop(watcher)
	return nil
}

func (s *Server) watchLoop(watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.session.Path()) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			klog.V(2).Infof("server: notebook changed on disk (%s)", event.Op)
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-timerC:
			// A reload during an unsaved editing session would clobber
			// the in-memory edits; the document wins over the disk.
			if s.session.Dirty() {
				klog.V(1).Info("server: skipping reload, session has unsaved changes")
				continue
			}
			if err := s.session.Load(""); err != nil {
				klog.Warningf("server: failed to reload notebook: %+v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			klog.Warningf("server: notebook watcher: %v", err)
		}
	}
}
