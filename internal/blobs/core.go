package blobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"triggerhost/internal/eventbus"
	"triggerhost/internal/listeners"
	"triggerhost/internal/storage"
	logx "triggerhost/pkg/logx"
)

// EventObserved is published for every blob handed to executors.
const EventObserved = "blob.observed"

type Executor = listeners.Executor[storage.Blob]

type registration struct {
	container storage.Container
	execs     []Executor
}

type blobKey struct {
	container, name, etag string
}

// retryState tracks executors still owed a given blob version.
type retryState struct {
	blob      storage.Blob
	remaining []int
	attempts  int
}

// tracker is the registration and delivery bookkeeping shared by both
// strategies. Passes run on the timer goroutine; Register, Notify and the
// lifecycle methods may come from other goroutines.
type tracker struct {
	log         logx.Logger
	bus         eventbus.Bus
	maxAttempts int
	scope       listeners.Scope

	mu      sync.Mutex
	regs    map[string]*registration
	order   []string
	count   int
	seen    map[string]map[string]string // container -> name -> etag
	retries map[blobKey]*retryState
	pending []storage.Blob
	queued  map[blobKey]struct{}
	wake    chan struct{}
}

func newTracker(log logx.Logger, bus eventbus.Bus, maxAttempts int) *tracker {
	return &tracker{
		log:         log,
		bus:         bus,
		maxAttempts: maxAttempts,
		regs:        map[string]*registration{},
		seen:        map[string]map[string]string{},
		retries:     map[blobKey]*retryState{},
		queued:      map[blobKey]struct{}{},
		wake:        make(chan struct{}, 1),
	}
}

// register records (container, exec). The first registration of a container
// snapshots its blobs so only later writes are delivered.
func (t *tracker) register(ctx context.Context, c storage.Container, exec Executor) error {
	if c == nil || exec == nil {
		return fmt.Errorf("blobs: container and executor are required")
	}
	name := c.Name()

	t.mu.Lock()
	reg, ok := t.regs[name]
	t.mu.Unlock()

	var snapshot map[string]string
	if !ok {
		blobs, err := c.List(ctx)
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		snapshot = make(map[string]string, len(blobs))
		for _, b := range blobs {
			snapshot[b.Name] = b.ETag
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if reg, ok = t.regs[name]; !ok {
		reg = &registration{container: c}
		t.regs[name] = reg
		t.order = append(t.order, name)
		t.seen[name] = snapshot
	}
	reg.execs = append(reg.execs, exec)
	t.count++
	t.log.Debug("blob registration added",
		logx.String("container", name),
		logx.Int("executors", len(reg.execs)),
		logx.Int("snapshot", len(t.seen[name])))
	return nil
}

func (t *tracker) registrations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *tracker) containers() []storage.Container {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]storage.Container, 0, len(t.order))
	for _, n := range t.order {
		out = append(out, t.regs[n].container)
	}
	return out
}

func (t *tracker) registered(container string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.regs[container]
	return ok
}

// notify queues a blob for the next pass. Unregistered containers are ignored.
func (t *tracker) notify(b storage.Blob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.regs[b.Container]; !ok {
		return
	}
	k := blobKey{b.Container, b.Name, b.ETag}
	if _, dup := t.queued[k]; dup {
		return
	}
	t.queued[k] = struct{}{}
	t.pending = append(t.pending, b)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Wake fires after Notify queued a blob.
func (t *tracker) Wake() <-chan struct{} { return t.wake }

func (t *tracker) takePending() []storage.Blob {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = nil
	clear(t.queued)
	return out
}

// isNew reports whether b is a version not yet delivered or in retry.
func (t *tracker) isNew(b storage.Blob) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, retrying := t.retries[blobKey{b.Container, b.Name, b.ETag}]; retrying {
		return false
	}
	seen, ok := t.seen[b.Container]
	if !ok {
		return false
	}
	etag, ok := seen[b.Name]
	return !ok || etag != b.ETag
}

// runRetries re-delivers blob versions whose executors failed earlier.
func (t *tracker) runRetries(ctx context.Context) {
	t.mu.Lock()
	due := make([]storage.Blob, 0, len(t.retries))
	for _, st := range t.retries {
		due = append(due, st.blob)
	}
	t.mu.Unlock()
	for _, b := range due {
		if ctx.Err() != nil {
			return
		}
		t.deliver(ctx, b)
	}
}

// dispatchNew delivers b if it is a new version.
func (t *tracker) dispatchNew(ctx context.Context, b storage.Blob) bool {
	if !t.isNew(b) {
		return false
	}
	t.deliver(ctx, b)
	return true
}

// deliver runs the executors owed b. Executor failures never fail the pass;
// the version is retried on later passes until maxAttempts.
func (t *tracker) deliver(ctx context.Context, b storage.Blob) {
	k := blobKey{b.Container, b.Name, b.ETag}

	t.mu.Lock()
	reg, ok := t.regs[b.Container]
	if !ok {
		t.mu.Unlock()
		return
	}
	execs := append([]Executor(nil), reg.execs...)
	var idx []int
	if st, retrying := t.retries[k]; retrying {
		idx = append(idx, st.remaining...)
	} else {
		idx = make([]int, len(execs))
		for i := range execs {
			idx[i] = i
		}
	}
	t.mu.Unlock()

	var (
		failed []int
		errs   *multierror.Error
	)
	for j, i := range idx {
		if err := invoke(ctx, execs[i], b); err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-delivery: keep the version owed without
				// spending an attempt.
				t.owe(k, b, append(failed, idx[j:]...), false)
				return
			}
			failed = append(failed, i)
			errs = multierror.Append(errs, err)
		}
	}

	if len(failed) == 0 {
		t.mu.Lock()
		delete(t.retries, k)
		t.markSeenLocked(b)
		t.mu.Unlock()
		t.publish(b)
		return
	}
	if attempts := t.owe(k, b, failed, true); attempts >= t.maxAttempts {
		t.mu.Lock()
		delete(t.retries, k)
		t.markSeenLocked(b)
		t.mu.Unlock()
		t.log.Error("blob delivery abandoned",
			logx.String("container", b.Container),
			logx.String("blob", b.Name),
			logx.String("etag", b.ETag),
			logx.Int("attempts", attempts),
			logx.Err(errs.ErrorOrNil()))
		return
	}
	t.log.Warn("blob executor failed; will retry",
		logx.String("container", b.Container),
		logx.String("blob", b.Name),
		logx.Int("failed", len(failed)),
		logx.Err(errs.ErrorOrNil()))
}

// owe records the executors still owed k and returns the attempt count.
func (t *tracker) owe(k blobKey, b storage.Blob, remaining []int, countAttempt bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.retries[k]
	if !ok {
		st = &retryState{blob: b}
		t.retries[k] = st
	}
	st.remaining = append([]int(nil), remaining...)
	if countAttempt {
		st.attempts++
	}
	return st.attempts
}

func (t *tracker) markSeenLocked(b storage.Blob) {
	seen, ok := t.seen[b.Container]
	if !ok {
		seen = map[string]string{}
		t.seen[b.Container] = seen
	}
	seen[b.Name] = b.ETag
}

func (t *tracker) publish(b storage.Blob) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Type: EventObserved, Time: time.Now(), Data: b})
}

// scan lists every registered container and delivers new versions.
// Listing failures are collected; other containers are still scanned.
func (t *tracker) scan(ctx context.Context) (int, error) {
	var (
		errs  *multierror.Error
		found int
	)
	for _, c := range t.containers() {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		blobs, err := c.List(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return found, ctx.Err()
			}
			errs = multierror.Append(errs, fmt.Errorf("scan %s: %w", c.Name(), err))
			continue
		}
		for _, b := range blobs {
			if ctx.Err() != nil {
				return found, ctx.Err()
			}
			if t.dispatchNew(ctx, b) {
				found++
			}
		}
	}
	return found, errs.ErrorOrNil()
}

// drain delivers notified blobs.
func (t *tracker) drain(ctx context.Context) int {
	found := 0
	for _, b := range t.takePending() {
		if ctx.Err() != nil {
			// Put the rest back for the next pass.
			t.notify(b)
			continue
		}
		if t.dispatchNew(ctx, b) {
			found++
		}
	}
	return found
}

func (t *tracker) dispose() {
	t.scope.Cancel()
	t.mu.Lock()
	t.pending = nil
	clear(t.queued)
	t.mu.Unlock()
}

func invoke(ctx context.Context, exec Executor, b storage.Blob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v\n%s", r, debug.Stack())
		}
	}()
	return exec.Execute(ctx, b)
}
