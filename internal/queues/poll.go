package queues

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
	"triggerhost/internal/timers"
	logx "triggerhost/pkg/logx"
)

// EventMessage is published for every message handled successfully.
const EventMessage = "queue.message"

// settleTimeout bounds Delete and Release, which run even after the pass
// context was cancelled so messages are not left hidden.
const settleTimeout = 5 * time.Second

type Executor = listeners.Executor[storage.Message]

type registration struct {
	queue storage.Queue
	execs []Executor
}

// PollStrategy receives batches from every registered queue on each pass.
type PollStrategy struct {
	account storage.Account
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	backoff *timers.Backoff
	scope   listeners.Scope
	wake    chan struct{}

	mu    sync.Mutex
	regs  map[string]*registration
	order []string
	count int
}

func newPollStrategy(account storage.Account, cfg Config, o options) *PollStrategy {
	cfg = cfg.withDefaults()
	return &PollStrategy{
		account: account,
		cfg:     cfg,
		log:     o.log,
		bus:     o.bus,
		backoff: timers.NewBackoff(cfg.MinPollInterval, cfg.MaxPollInterval),
		wake:    make(chan struct{}, 1),
		regs:    map[string]*registration{},
	}
}

func (p *PollStrategy) Kind() string { return "poll" }

func (p *PollStrategy) Register(ctx context.Context, q storage.Queue, exec Executor) error {
	_ = ctx
	if q == nil || exec == nil {
		return fmt.Errorf("queues: queue and executor are required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.regs[q.Name()]
	if !ok {
		reg = &registration{queue: q}
		p.regs[q.Name()] = reg
		p.order = append(p.order, q.Name())
	}
	reg.execs = append(reg.execs, exec)
	p.count++
	p.log.Debug("queue registration added", logx.String("queue", q.Name()), logx.Int("executors", len(reg.execs)))
	return nil
}

func (p *PollStrategy) Registrations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *PollStrategy) Start() {
	p.backoff.Reset()
	p.scope.Arm()
}

func (p *PollStrategy) Cancel()  { p.scope.Cancel() }
func (p *PollStrategy) Dispose() { p.scope.Cancel() }

// Notify signals that a message was just written; the next pass runs without
// waiting out the backoff.
func (p *PollStrategy) Notify(m storage.Message) {
	p.mu.Lock()
	_, ok := p.regs[m.Queue]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.backoff.Reset()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *PollStrategy) Wake() <-chan struct{} { return p.wake }

func (p *PollStrategy) registrations() []*registration {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*registration, 0, len(p.order))
	for _, n := range p.order {
		r := p.regs[n]
		out = append(out, &registration{queue: r.queue, execs: append([]Executor(nil), r.execs...)})
	}
	return out
}

func (p *PollStrategy) Execute(ctx context.Context) (timers.TaskResult, error) {
	ctx, release := p.scope.Join(ctx)
	defer release()

	var (
		errs  *multierror.Error
		found int
	)
	for _, reg := range p.registrations() {
		if ctx.Err() != nil {
			return timers.TaskResult{}, ctx.Err()
		}
		msgs, err := reg.queue.Receive(ctx, p.cfg.BatchSize, p.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return timers.TaskResult{}, ctx.Err()
			}
			errs = multierror.Append(errs, fmt.Errorf("receive %s: %w", reg.queue.Name(), err))
			continue
		}
		for i, m := range msgs {
			if ctx.Err() != nil {
				p.releaseAll(ctx, reg.queue, msgs[i:])
				return timers.TaskResult{}, ctx.Err()
			}
			found++
			if err := p.process(ctx, reg, m); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	if ctx.Err() != nil {
		return timers.TaskResult{}, ctx.Err()
	}
	return timers.Again(p.backoff.Next(found > 0)), errs.ErrorOrNil()
}

// process runs every executor for m and settles it. Executor failures are
// handled here; only storage failures are returned.
func (p *PollStrategy) process(ctx context.Context, reg *registration, m storage.Message) error {
	var failures *multierror.Error
	for _, exec := range reg.execs {
		if err := invoke(ctx, exec, m); err != nil {
			failures = multierror.Append(failures, err)
			if ctx.Err() != nil {
				break
			}
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if failures == nil {
		if err := reg.queue.Delete(sctx, m); err != nil {
			return fmt.Errorf("delete %s/%s: %w", reg.queue.Name(), m.ID, err)
		}
		p.publish(m)
		return nil
	}

	if ctx.Err() == nil && m.DequeueCount >= p.cfg.MaxDequeueCount {
		return p.poison(sctx, reg.queue, m, failures.ErrorOrNil())
	}
	if ctx.Err() == nil {
		p.log.Warn("queue executor failed; message released",
			logx.String("queue", reg.queue.Name()),
			logx.String("id", m.ID),
			logx.Int("dequeue_count", m.DequeueCount),
			logx.Err(failures.ErrorOrNil()))
	}
	if err := reg.queue.Release(sctx, m); err != nil {
		return fmt.Errorf("release %s/%s: %w", reg.queue.Name(), m.ID, err)
	}
	return nil
}

// releaseAll makes messages received by an aborted pass visible again.
func (p *PollStrategy) releaseAll(ctx context.Context, q storage.Queue, msgs []storage.Message) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	for _, m := range msgs {
		if err := q.Release(sctx, m); err != nil {
			p.log.Debug("release after abort failed", logx.String("queue", q.Name()), logx.String("id", m.ID), logx.Err(err))
		}
	}
}

// poison copies m to <queue>-poison and deletes the original.
func (p *PollStrategy) poison(ctx context.Context, q storage.Queue, m storage.Message, cause error) error {
	name := q.Name() + PoisonSuffix
	pq, err := p.account.Queue(name)
	if err != nil {
		_ = q.Release(ctx, m)
		return fmt.Errorf("poison queue %s: %w", name, err)
	}
	if _, err := pq.Enqueue(ctx, m.Body); err != nil {
		_ = q.Release(ctx, m)
		return fmt.Errorf("poison queue %s: %w", name, err)
	}
	if err := q.Delete(ctx, m); err != nil {
		return fmt.Errorf("delete %s/%s after poisoning: %w", q.Name(), m.ID, err)
	}
	p.log.Error("message moved to poison queue",
		logx.String("queue", q.Name()),
		logx.String("poison_queue", name),
		logx.String("id", m.ID),
		logx.Int("dequeue_count", m.DequeueCount),
		logx.Err(cause))
	return nil
}

func (p *PollStrategy) publish(m storage.Message) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: EventMessage, Time: time.Now(), Data: m})
}

func invoke(ctx context.Context, exec Executor, m storage.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v\n%s", r, debug.Stack())
		}
	}()
	return exec.Execute(ctx, m)
}
