package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "triggerhost/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteAccount struct {
	db     *sql.DB
	path   string
	log    logx.Logger
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Account, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	version, err := runMigrations(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite account opened", logx.String("path", path), logx.Uint64("schema_version", uint64(version)))
	return &sqliteAccount{db: db, path: path, log: log}, nil
}

// runMigrations applies pending migrations and returns the schema version.
func runMigrations(db *sql.DB) (uint, error) {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create iofs source: %w", err)
	}
	// m.Close would close db through the driver; only the source is released.
	defer source.Close()

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

func (s *sqliteAccount) Name() string        { return "sqlite:" + filepath.Base(s.path) }
func (s *sqliteAccount) IsDevelopment() bool { return false }

func (s *sqliteAccount) Container(name string) (Container, error) {
	if err := ValidateResourceName(name); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return &sqliteContainer{acct: s, name: name}, nil
}

func (s *sqliteAccount) Queue(name string) (Queue, error) {
	if err := ValidateResourceName(name); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return &sqliteQueue{acct: s, name: name}, nil
}

func (s *sqliteAccount) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteAccount) LogHead(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM blob_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("log head: %w", err)
	}
	return seq.Int64, nil
}

func (s *sqliteAccount) ReadLog(ctx context.Context, after int64, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, container, name, etag, at FROM blob_log WHERE seq > ? ORDER BY seq LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var (
			e  LogEntry
			at int64
		)
		if err := rows.Scan(&e.Seq, &e.Container, &e.Name, &e.ETag, &at); err != nil {
			return nil, fmt.Errorf("read log: %w", err)
		}
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

type sqliteContainer struct {
	acct *sqliteAccount
	name string
}

func (c *sqliteContainer) Name() string { return c.name }

func (c *sqliteContainer) List(ctx context.Context) ([]Blob, error) {
	rows, err := c.acct.db.QueryContext(ctx,
		`SELECT name, etag, size, modified_at FROM blobs WHERE container = ? ORDER BY name`, c.name)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.name, err)
	}
	defer rows.Close()
	var out []Blob
	for rows.Next() {
		b := Blob{Container: c.name}
		var mod int64
		if err := rows.Scan(&b.Name, &b.ETag, &b.Size, &mod); err != nil {
			return nil, fmt.Errorf("list %s: %w", c.name, err)
		}
		b.Modified = time.Unix(0, mod).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// Put upserts the blob and appends a write-log entry in one transaction.
func (c *sqliteContainer) Put(ctx context.Context, name string, data []byte) (Blob, error) {
	if err := ValidateBlobName(name); err != nil {
		return Blob{}, err
	}
	now := time.Now().UTC()
	b := Blob{
		Container: c.name,
		Name:      name,
		ETag:      "0x" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")),
		Size:      int64(len(data)),
		Modified:  now,
	}
	if data == nil {
		data = []byte{}
	}

	tx, err := c.acct.db.BeginTx(ctx, nil)
	if err != nil {
		return Blob{}, fmt.Errorf("put %s/%s: %w", c.name, name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blobs(container, name, etag, size, data, modified_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(container, name) DO UPDATE SET
		   etag=excluded.etag, size=excluded.size, data=excluded.data, modified_at=excluded.modified_at`,
		c.name, name, b.ETag, b.Size, data, now.UnixNano()); err != nil {
		return Blob{}, fmt.Errorf("put %s/%s: %w", c.name, name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blob_log(container, name, etag, at) VALUES(?,?,?,?)`,
		c.name, name, b.ETag, now.UnixNano()); err != nil {
		return Blob{}, fmt.Errorf("put %s/%s: log: %w", c.name, name, err)
	}
	if err := tx.Commit(); err != nil {
		return Blob{}, fmt.Errorf("put %s/%s: %w", c.name, name, err)
	}
	return b, nil
}

func (c *sqliteContainer) Get(ctx context.Context, name string) ([]byte, Blob, error) {
	b := Blob{Container: c.name, Name: name}
	var (
		data []byte
		mod  int64
	)
	err := c.acct.db.QueryRowContext(ctx,
		`SELECT etag, size, data, modified_at FROM blobs WHERE container = ? AND name = ?`,
		c.name, name).Scan(&b.ETag, &b.Size, &data, &mod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Blob{}, fmt.Errorf("blob %s/%s: %w", c.name, name, ErrNotFound)
	}
	if err != nil {
		return nil, Blob{}, err
	}
	b.Modified = time.Unix(0, mod).UTC()
	return data, b, nil
}

type sqliteQueue struct {
	acct *sqliteAccount
	name string
}

func (q *sqliteQueue) Name() string { return q.name }

func (q *sqliteQueue) Enqueue(ctx context.Context, body []byte) (Message, error) {
	now := time.Now().UTC()
	m := Message{ID: uuid.NewString(), Queue: q.name, Body: append([]byte{}, body...), InsertedAt: now}
	_, err := q.acct.db.ExecContext(ctx,
		`INSERT INTO messages(id, queue, body, inserted_at, visible_at, dequeue_count) VALUES(?,?,?,?,?,0)`,
		m.ID, q.name, m.Body, now.UnixNano(), now.UnixNano())
	if err != nil {
		return Message{}, fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return m, nil
}

func (q *sqliteQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	now := time.Now()
	tx, err := q.acct.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", q.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, body, inserted_at, dequeue_count FROM messages
		 WHERE queue = ? AND visible_at <= ? ORDER BY inserted_at, id LIMIT ?`,
		q.name, now.UnixNano(), max)
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", q.name, err)
	}
	var out []Message
	for rows.Next() {
		m := Message{Queue: q.name}
		var ins int64
		if err := rows.Scan(&m.ID, &m.Body, &ins, &m.DequeueCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("receive %s: %w", q.name, err)
		}
		m.InsertedAt = time.Unix(0, ins).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("receive %s: %w", q.name, err)
	}
	rows.Close()

	until := now.Add(visibility).UnixNano()
	for i := range out {
		out[i].DequeueCount++
		out[i].PopReceipt = uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET visible_at = ?, dequeue_count = ?, pop_receipt = ? WHERE id = ?`,
			until, out[i].DequeueCount, out[i].PopReceipt, out[i].ID); err != nil {
			return nil, fmt.Errorf("receive %s: %w", q.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("receive %s: %w", q.name, err)
	}
	return out, nil
}

func (q *sqliteQueue) Delete(ctx context.Context, m Message) error {
	res, err := q.acct.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND queue = ? AND pop_receipt = ? AND visible_at > ?`,
		m.ID, q.name, m.PopReceipt, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("delete %s: %w", m.ID, err)
	}
	return q.checkAffected(ctx, res, m.ID)
}

func (q *sqliteQueue) Release(ctx context.Context, m Message) error {
	now := time.Now().UnixNano()
	res, err := q.acct.db.ExecContext(ctx,
		`UPDATE messages SET visible_at = ?, pop_receipt = NULL
		 WHERE id = ? AND queue = ? AND pop_receipt = ? AND visible_at > ?`,
		now, m.ID, q.name, m.PopReceipt, now)
	if err != nil {
		return fmt.Errorf("release %s: %w", m.ID, err)
	}
	return q.checkAffected(ctx, res, m.ID)
}

func (q *sqliteQueue) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = q.acct.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ? AND queue = ?`, id, q.name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("message %s: %w", id, ErrPopReceiptMismatch)
}

func (q *sqliteQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.acct.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE queue = ?`, q.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("len %s: %w", q.name, err)
	}
	return n, nil
}
