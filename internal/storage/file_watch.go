package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	logx "triggerhost/pkg/logx"
)

// WatchContainers reports blobs written under any container until ctx ends.
// Events are best-effort; listeners still run periodic scans.
func (a *fileAccount) WatchContainers(ctx context.Context, fn func(Blob)) error {
	root := a.blobsRoot()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch containers: %w", err)
	}
	defer w.Close()

	if err := addTree(w, root); err != nil {
		return fmt.Errorf("watch containers: %w", err)
	}
	a.log.Debug("container watch started", logx.String("root", root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watch containers: watcher closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				// Files may land in a new directory before it is watched.
				_ = addTree(w, ev.Name)
				a.emitTree(root, ev.Name, fn)
				continue
			}
			if b, ok := a.blobAt(root, ev.Name, info); ok {
				fn(b)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watch containers: watcher closed")
			}
			if err != nil {
				a.log.Warn("container watch error", logx.Err(err))
			}
		}
	}
}

func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (a *fileAccount) emitTree(root, dir string, fn func(Blob)) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if b, ok := a.blobAt(root, path, info); ok {
			fn(b)
		}
		return nil
	})
}

// blobAt maps <root>/<container>/<name...> to a Blob.
func (a *fileAccount) blobAt(root, path string, info fs.FileInfo) (Blob, bool) {
	if strings.HasPrefix(info.Name(), tmpPrefix) {
		return Blob{}, false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Blob{}, false
	}
	container, name, ok := strings.Cut(filepath.ToSlash(rel), "/")
	if !ok || name == "" || ValidateResourceName(container) != nil {
		return Blob{}, false
	}
	b, err := a.fileBlob(container, name, path, info, nil)
	if err != nil {
		return Blob{}, false
	}
	return b, true
}
