package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "triggerhost/pkg/logx"
)

// fileAccount is the development account.
//
// Layout:
//   - <root>/blobs/<container>/<blob name>   (names may contain "/")
//   - <root>/queues/<queue>/<id>.json        (one file per message)
//
// Queue visibility and pop receipts are process-local; after a restart all
// messages are visible again.
type fileAccount struct {
	root string
	log  logx.Logger

	mu     sync.Mutex
	closed bool
	queues map[string]*fileQueue
	sums   map[string]contentSum
}

// contentSum caches a blob's content hash for one (mtime, size) pair.
type contentSum struct {
	mod  time.Time
	size int64
	sum  uint64
}

const tmpPrefix = ".tmp-"

func openFile(cfg Config, log logx.Logger) (Account, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage path is required for file driver")
	}
	for _, dir := range []string{filepath.Join(root, "blobs"), filepath.Join(root, "queues")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("file account: %w", err)
		}
	}
	log.Debug("file account opened", logx.String("root", root))
	return &fileAccount{root: root, log: log, queues: map[string]*fileQueue{}, sums: map[string]contentSum{}}, nil
}

func (a *fileAccount) Name() string        { return "devstorage:" + a.root }
func (a *fileAccount) IsDevelopment() bool { return true }

func (a *fileAccount) blobsRoot() string { return filepath.Join(a.root, "blobs") }

func (a *fileAccount) Container(name string) (Container, error) {
	if err := ValidateResourceName(name); err != nil {
		return nil, err
	}
	if a.isClosed() {
		return nil, ErrClosed
	}
	dir := filepath.Join(a.blobsRoot(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("container %s: %w", name, err)
	}
	return &fileContainer{acct: a, name: name, dir: dir}, nil
}

func (a *fileAccount) Queue(name string) (Queue, error) {
	if err := ValidateResourceName(name); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if q, ok := a.queues[name]; ok {
		return q, nil
	}
	dir := filepath.Join(a.root, "queues", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue %s: %w", name, err)
	}
	q := newFileQueue(a, name, dir)
	a.queues[name] = q
	return q, nil
}

func (a *fileAccount) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *fileAccount) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

type fileContainer struct {
	acct *fileAccount
	name string
	dir  string
}

func (c *fileContainer) Name() string { return c.name }

func (c *fileContainer) List(ctx context.Context) ([]Blob, error) {
	if c.acct.isClosed() {
		return nil, ErrClosed
	}
	var out []Blob
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}
		b, err := c.acct.fileBlob(c.name, filepath.ToSlash(rel), path, info, nil)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.name, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *fileContainer) Put(ctx context.Context, name string, data []byte) (Blob, error) {
	if err := ValidateBlobName(name); err != nil {
		return Blob{}, err
	}
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	if c.acct.isClosed() {
		return Blob{}, ErrClosed
	}
	path := filepath.Join(c.dir, filepath.FromSlash(name))
	if err := writeFileAtomic(path, data); err != nil {
		return Blob{}, fmt.Errorf("put %s/%s: %w", c.name, name, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Blob{}, fmt.Errorf("put %s/%s: %w", c.name, name, err)
	}
	return c.acct.fileBlob(c.name, name, path, info, data)
}

func (c *fileContainer) Get(ctx context.Context, name string) ([]byte, Blob, error) {
	if err := ValidateBlobName(name); err != nil {
		return nil, Blob{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, Blob{}, err
	}
	path := filepath.Join(c.dir, filepath.FromSlash(name))
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Blob{}, fmt.Errorf("blob %s/%s: %w", c.name, name, ErrNotFound)
	}
	if err != nil {
		return nil, Blob{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, Blob{}, err
	}
	blob, err := c.acct.fileBlob(c.name, name, path, info, b)
	if err != nil {
		return nil, Blob{}, err
	}
	return b, blob, nil
}

// fileBlob derives the ETag from modification time, size and a content hash,
// so same-size rewrites within the mtime resolution still change it. data is
// the known content, or nil to hash the file (cached per mtime and size).
func (a *fileAccount) fileBlob(container, name, path string, info fs.FileInfo, data []byte) (Blob, error) {
	sum, err := a.contentSum(path, info, data)
	if err != nil {
		return Blob{}, err
	}
	return Blob{
		Container: container,
		Name:      name,
		ETag:      fmt.Sprintf("0x%X-%X-%016x", info.ModTime().UnixNano(), info.Size(), sum),
		Size:      info.Size(),
		Modified:  info.ModTime().UTC(),
	}, nil
}

func (a *fileAccount) contentSum(path string, info fs.FileInfo, data []byte) (uint64, error) {
	mod, size := info.ModTime(), info.Size()
	if data == nil {
		a.mu.Lock()
		cs, ok := a.sums[path]
		a.mu.Unlock()
		if ok && cs.mod.Equal(mod) && cs.size == size {
			return cs.sum, nil
		}
	}

	h := fnv.New64a()
	if data != nil {
		_, _ = h.Write(data)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return 0, err
		}
	}
	sum := h.Sum64()
	a.mu.Lock()
	a.sums[path] = contentSum{mod: mod, size: size, sum: sum}
	a.mu.Unlock()
	return sum, nil
}

// writeFileAtomic writes via a temp file in the target directory and renames.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
