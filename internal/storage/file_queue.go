package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type fileQueue struct {
	acct *fileAccount
	name string
	dir  string

	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	until   time.Time
	receipt string
}

type messageRecord struct {
	ID           string    `json:"id"`
	Body         []byte    `json:"body"`
	InsertedAt   time.Time `json:"inserted_at"`
	DequeueCount int       `json:"dequeue_count"`
}

func newFileQueue(a *fileAccount, name, dir string) *fileQueue {
	return &fileQueue{acct: a, name: name, dir: dir, leases: map[string]lease{}}
}

func (q *fileQueue) Name() string { return q.name }

// File names sort in insertion order.
func (q *fileQueue) pathFor(id string) string { return filepath.Join(q.dir, id+".json") }

func (q *fileQueue) Enqueue(ctx context.Context, body []byte) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if q.acct.isClosed() {
		return Message{}, ErrClosed
	}
	now := time.Now().UTC()
	rec := messageRecord{
		ID:         fmt.Sprintf("%020d-%s", now.UnixNano(), uuid.NewString()),
		Body:       append([]byte(nil), body...),
		InsertedAt: now,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return Message{}, err
	}
	if err := writeFileAtomic(q.pathFor(rec.ID), b); err != nil {
		return Message{}, fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return rec.message(q.name, ""), nil
}

func (q *fileQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	if q.acct.isClosed() {
		return nil, ErrClosed
	}
	ids, err := q.ids()
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []Message
	for _, id := range ids {
		if len(out) >= max {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if l, ok := q.leases[id]; ok && l.until.After(now) {
			continue
		}
		rec, err := q.read(id)
		if errors.Is(err, fs.ErrNotExist) {
			delete(q.leases, id)
			continue
		}
		if err != nil {
			return out, fmt.Errorf("receive %s: %w", q.name, err)
		}
		rec.DequeueCount++
		b, err := json.Marshal(rec)
		if err != nil {
			return out, err
		}
		if err := writeFileAtomic(q.pathFor(id), b); err != nil {
			return out, fmt.Errorf("receive %s: %w", q.name, err)
		}
		receipt := uuid.NewString()
		q.leases[id] = lease{until: now.Add(visibility), receipt: receipt}
		out = append(out, rec.message(q.name, receipt))
	}
	return out, nil
}

func (q *fileQueue) Delete(ctx context.Context, m Message) error {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLeaseLocked(m); err != nil {
		return err
	}
	delete(q.leases, m.ID)
	if err := os.Remove(q.pathFor(m.ID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("message %s: %w", m.ID, ErrNotFound)
		}
		return err
	}
	return nil
}

func (q *fileQueue) Release(ctx context.Context, m Message) error {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLeaseLocked(m); err != nil {
		return err
	}
	delete(q.leases, m.ID)
	return nil
}

func (q *fileQueue) checkLeaseLocked(m Message) error {
	l, ok := q.leases[m.ID]
	if ok && l.receipt == m.PopReceipt && l.until.After(time.Now()) {
		return nil
	}
	if _, err := os.Stat(q.pathFor(m.ID)); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("message %s: %w", m.ID, ErrNotFound)
	}
	return fmt.Errorf("message %s: %w", m.ID, ErrPopReceiptMismatch)
}

func (q *fileQueue) Len(ctx context.Context) (int, error) {
	_ = ctx
	ids, err := q.ids()
	return len(ids), err
}

func (q *fileQueue) ids() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue %s: %w", q.name, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, tmpPrefix) || !strings.HasSuffix(n, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(n, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (q *fileQueue) read(id string) (messageRecord, error) {
	var rec messageRecord
	b, err := os.ReadFile(q.pathFor(id))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("message %s: %w", id, err)
	}
	return rec, nil
}

func (r messageRecord) message(queue, receipt string) Message {
	return Message{
		ID:           r.ID,
		Queue:        queue,
		Body:         r.Body,
		DequeueCount: r.DequeueCount,
		InsertedAt:   r.InsertedAt,
		PopReceipt:   receipt,
	}
}
