package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"triggerhost/internal/config"
	"triggerhost/internal/listeners"
	"triggerhost/internal/storage"
	logx "triggerhost/pkg/logx"
)

// Invocation is the message an enqueue action writes to its output queue.
type Invocation struct {
	Function string    `json:"function"`
	Trigger  string    `json:"trigger"`
	At       time.Time `json:"at"`

	// blob trigger
	Container string `json:"container,omitempty"`
	Blob      string `json:"blob,omitempty"`
	ETag      string `json:"etag,omitempty"`
	Size      int64  `json:"size,omitempty"`

	// queue trigger
	Queue        string          `json:"queue,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
	DequeueCount int             `json:"dequeue_count,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	Text         string          `json:"text,omitempty"`
}

// function is one configured trigger binding. Its Execute methods are the
// executors registered with the shared listeners.
type function struct {
	cfg config.FunctionConfig
	log logx.Logger

	out    storage.Queue
	notify listeners.Watcher[storage.Message]
}

func newFunction(cfg config.FunctionConfig, account storage.Account, notify listeners.Watcher[storage.Message], log logx.Logger) (*function, error) {
	f := &function{cfg: cfg, log: log.With(logx.String("function", cfg.Name)), notify: notify}
	if cfg.Action == config.ActionEnqueue {
		q, err := account.Queue(cfg.Output)
		if err != nil {
			return nil, fmt.Errorf("function %s: output queue: %w", cfg.Name, err)
		}
		f.out = q
	}
	return f, nil
}

func (f *function) blobExecutor() listeners.Executor[storage.Blob] {
	return listeners.ExecutorFunc[storage.Blob](func(ctx context.Context, b storage.Blob) error {
		return f.run(ctx, Invocation{
			Function:  f.cfg.Name,
			Trigger:   config.TriggerBlob,
			Container: b.Container,
			Blob:      b.Name,
			ETag:      b.ETag,
			Size:      b.Size,
		})
	})
}

func (f *function) queueExecutor() listeners.Executor[storage.Message] {
	return listeners.ExecutorFunc[storage.Message](func(ctx context.Context, m storage.Message) error {
		inv := Invocation{
			Function:     f.cfg.Name,
			Trigger:      config.TriggerQueue,
			Queue:        m.Queue,
			MessageID:    m.ID,
			DequeueCount: m.DequeueCount,
		}
		if json.Valid(m.Body) {
			inv.Body = json.RawMessage(m.Body)
		} else {
			inv.Text = string(m.Body)
		}
		return f.run(ctx, inv)
	})
}

func (f *function) run(ctx context.Context, inv Invocation) error {
	inv.At = time.Now().UTC()
	switch f.cfg.Action {
	case config.ActionLog:
		f.log.Info("function invoked",
			logx.String("trigger", inv.Trigger),
			logx.String("target", f.cfg.Target),
			logx.String("item", itemName(inv)))
		return nil
	case config.ActionEnqueue:
		body, err := json.Marshal(inv)
		if err != nil {
			return err
		}
		m, err := f.out.Enqueue(ctx, body)
		if err != nil {
			return fmt.Errorf("enqueue to %s: %w", f.out.Name(), err)
		}
		if f.notify != nil {
			f.notify.Notify(m)
		}
		f.log.Debug("function output enqueued", logx.String("queue", f.out.Name()), logx.String("id", m.ID))
		return nil
	default:
		return fmt.Errorf("function %s: unknown action %q", f.cfg.Name, f.cfg.Action)
	}
}

func itemName(inv Invocation) string {
	if inv.Trigger == config.TriggerBlob {
		return inv.Container + "/" + inv.Blob
	}
	return inv.Queue + "/" + inv.MessageID
}
