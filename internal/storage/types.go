package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrPopReceiptMismatch = errors.New("pop receipt mismatch")
	ErrUnknownDriver      = errors.New("unknown storage driver")
	ErrClosed             = errors.New("storage account closed")
)

// Config configures an account.
//
// Connection, when set, wins over Driver/Path. Driver values:
//   - "file": development account rooted at Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Connection  string
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Blob describes a stored blob. ETag changes on every write.
type Blob struct {
	Container string    `json:"container"`
	Name      string    `json:"name"`
	ETag      string    `json:"etag"`
	Size      int64     `json:"size"`
	Modified  time.Time `json:"modified"`
}

// Message is a queue message as handed out by Receive. PopReceipt is only
// valid until the visibility timeout expires or the message is released.
type Message struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Body         []byte    `json:"body"`
	DequeueCount int       `json:"dequeue_count"`
	InsertedAt   time.Time `json:"inserted_at"`
	PopReceipt   string    `json:"-"`
}

// LogEntry is one record of a blob write log.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	Container string    `json:"container"`
	Name      string    `json:"name"`
	ETag      string    `json:"etag"`
	At        time.Time `json:"at"`
}

func (e LogEntry) Blob() Blob {
	return Blob{Container: e.Container, Name: e.Name, ETag: e.ETag, Modified: e.At}
}

type Account interface {
	Name() string
	// IsDevelopment reports whether this is a local or emulated account.
	IsDevelopment() bool
	Container(name string) (Container, error)
	Queue(name string) (Queue, error)
	Close() error
}

type Container interface {
	Name() string
	List(ctx context.Context) ([]Blob, error)
	Put(ctx context.Context, name string, data []byte) (Blob, error)
	Get(ctx context.Context, name string) ([]byte, Blob, error)
}

type Queue interface {
	Name() string
	Enqueue(ctx context.Context, body []byte) (Message, error)
	// Receive hides up to max visible messages for visibility and returns
	// them with fresh pop receipts.
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, m Message) error
	// Release makes a received message visible again.
	Release(ctx context.Context, m Message) error
	Len(ctx context.Context) (int, error)
}

// WriteLog is implemented by accounts that record blob writes in order.
type WriteLog interface {
	// LogHead returns the sequence number of the newest entry (0 if empty).
	LogHead(ctx context.Context) (int64, error)
	ReadLog(ctx context.Context, after int64, limit int) ([]LogEntry, error)
}

// ChangeNotifier is implemented by accounts that can push blob changes.
// WatchContainers blocks until ctx ends.
type ChangeNotifier interface {
	WatchContainers(ctx context.Context, fn func(Blob)) error
}

// IsDevelopment is the capability probe used to pick a blob listener
// strategy. A nil account is treated as a real one.
func IsDevelopment(a Account) bool {
	if a == nil {
		return false
	}
	return a.IsDevelopment()
}

var reResourceName = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9]|-[a-z0-9]){2,62}$`)

// ValidateResourceName checks container and queue names: 3-63 lowercase
// letters, digits and single hyphens, starting and ending alphanumeric.
func ValidateResourceName(name string) error {
	if len(name) > 63 || !reResourceName.MatchString(name) {
		return fmt.Errorf("invalid resource name %q", name)
	}
	return nil
}

// ValidateBlobName rejects empty, absolute and parent-relative names.
func ValidateBlobName(name string) error {
	if name == "" || len(name) > 1024 {
		return fmt.Errorf("invalid blob name %q", name)
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("invalid blob name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid blob name %q", name)
		}
	}
	return nil
}
