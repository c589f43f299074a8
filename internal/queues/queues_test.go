package queues

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"triggerhost/internal/eventbus"
	"triggerhost/internal/listeners"
	"triggerhost/internal/storage"
	logx "triggerhost/pkg/logx"
)

func openAccount(t *testing.T) storage.Account {
	t.Helper()
	a, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func queue(t *testing.T, a storage.Account, name string) storage.Queue {
	t.Helper()
	q, err := a.Queue(name)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func enqueue(t *testing.T, q storage.Queue, body string) storage.Message {
	t.Helper()
	m, err := q.Enqueue(context.Background(), []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

type recorder struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (r *recorder) Execute(_ context.Context, m storage.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, string(m.Body))
	return r.err
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...)
}

func testOptions() options { return options{log: logx.Nop()} }

func TestPollStrategyDeletesHandledMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acct := openAccount(t)
	q := queue(t, acct, "orders")
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, EventMessage)
	defer unsub()

	o := testOptions()
	o.bus = bus
	p := newPollStrategy(acct, Config{MinPollInterval: 50 * time.Millisecond}, o)
	a, b := &recorder{}, &recorder{}
	if err := p.Register(ctx, q, a); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(ctx, q, b); err != nil {
		t.Fatal(err)
	}
	p.Start()

	enqueue(t, q, "m1")
	enqueue(t, q, "m2")
	res, err := p.Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Wait != 50*time.Millisecond {
		t.Fatalf("wait after messages=%v", res.Wait)
	}
	for _, r := range []*recorder{a, b} {
		if got := r.seen(); len(got) != 2 {
			t.Fatalf("executor saw %v", got)
		}
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("queue len=%d after success", n)
	}
	if len(events) != 2 {
		t.Fatalf("events=%d", len(events))
	}
}

func TestPollStrategyReleasesThenPoisons(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acct := openAccount(t)
	q := queue(t, acct, "jobs")

	p := newPollStrategy(acct, Config{MaxDequeueCount: 2}, testOptions())
	rec := &recorder{err: errors.New("nope")}
	if err := p.Register(ctx, q, rec); err != nil {
		t.Fatal(err)
	}
	p.Start()
	enqueue(t, q, "bad")

	// First failure releases the message.
	if _, err := p.Execute(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("len=%d after first failure", n)
	}
	// Second failure reaches MaxDequeueCount.
	if _, err := p.Execute(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len=%d after poisoning", n)
	}
	poison := queue(t, acct, "jobs"+PoisonSuffix)
	msgs, err := poison.Receive(ctx, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || string(msgs[0].Body) != "bad" {
		t.Fatalf("poison msgs=%+v", msgs)
	}
	if got := rec.seen(); len(got) != 2 {
		t.Fatalf("deliveries=%v", got)
	}
}

func TestPollStrategyBacksOffAndNotifyResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acct := openAccount(t)
	q := queue(t, acct, "idle")

	min, max := 10*time.Millisecond, 80*time.Millisecond
	p := newPollStrategy(acct, Config{MinPollInterval: min, MaxPollInterval: max}, testOptions())
	if err := p.Register(ctx, q, &recorder{}); err != nil {
		t.Fatal(err)
	}
	p.Start()

	var last time.Duration
	for i := 0; i < 6; i++ {
		res, err := p.Execute(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Wait < min || res.Wait > max {
			t.Fatalf("wait %v out of [%v, %v]", res.Wait, min, max)
		}
		last = res.Wait
	}
	if last < max/2 {
		t.Fatalf("backoff did not grow: %v", last)
	}

	p.Notify(storage.Message{Queue: "idle"})
	select {
	case <-p.Wake():
	default:
		t.Fatalf("notify did not wake")
	}
	res, err := p.Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Wait > 2*min {
		t.Fatalf("wait after notify=%v", res.Wait)
	}

	// Unregistered queues do not wake the loop.
	p.Notify(storage.Message{Queue: "other"})
	select {
	case <-p.Wake():
		t.Fatalf("unexpected wake")
	default:
	}
}

func TestPollStrategyCancelReleasesMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acct := openAccount(t)
	q := queue(t, acct, "slow")

	p := newPollStrategy(acct, Config{}, testOptions())
	entered := make(chan struct{})
	blocking := listeners.ExecutorFunc[storage.Message](func(ctx context.Context, _ storage.Message) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	if err := p.Register(ctx, q, blocking); err != nil {
		t.Fatal(err)
	}
	p.Start()
	enqueue(t, q, "work")

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx)
		errCh <- err
	}()
	<-entered
	p.Cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pass not aborted")
	}
	// The message is visible again right away.
	msgs, err := q.Receive(ctx, 1, time.Minute)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("receive after cancel=%v err=%v", msgs, err)
	}
}

func TestSharedListenerWakesOnNotify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acct := openAccount(t)
	q := queue(t, acct, "fast")

	// Long backoff: without the wake the message would sit for a minute.
	l, err := NewSharedListener(acct, nil, Config{MinPollInterval: time.Minute, MaxPollInterval: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Dispose()
	got := make(chan string, 1)
	exec := listeners.ExecutorFunc[storage.Message](func(_ context.Context, m storage.Message) error {
		got <- string(m.Body)
		return nil
	})
	if err := l.Register(ctx, q, exec); err != nil {
		t.Fatal(err)
	}
	if err := l.EnsureAllStarted(ctx); err != nil {
		t.Fatal(err)
	}
	// Let the first (empty) pass run before writing.
	time.Sleep(50 * time.Millisecond)

	m := enqueue(t, q, "ping")
	l.Watcher().Notify(m)
	select {
	case body := <-got:
		if body != "ping" {
			t.Fatalf("body=%q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered after notify")
	}

	if _, err := NewSharedListener(nil, nil, Config{}); err == nil {
		t.Fatalf("nil account accepted")
	}
}
