package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"triggerhost/internal/listeners"
	"triggerhost/internal/storage"
	logx "triggerhost/pkg/logx"
)

// MaxBodyBytes caps blob and message uploads.
const MaxBodyBytes = 32 << 20

// Handler serves the admin routes over a storage account. Writes made here
// are reported to the listeners' watchers so they are picked up on the next
// pass instead of waiting for discovery.
type Handler struct {
	account storage.Account
	blobs   listeners.Watcher[storage.Blob]
	queues  listeners.Watcher[storage.Message]
	status  func() any
	log     logx.Logger
}

// NewHandler wires the handler. Nil watchers skip notification; a nil status
// func makes /status return an empty object.
func NewHandler(account storage.Account, blobs listeners.Watcher[storage.Blob], queues listeners.Watcher[storage.Message], status func() any, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{account: account, blobs: blobs, queues: queues, status: status, log: log}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Status(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.status())
}

func (h *Handler) container(c *gin.Context) (storage.Container, bool) {
	name := c.Param("container")
	if err := storage.ValidateResourceName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	ct, err := h.account.Container(name)
	if err != nil {
		h.fail(c, "open container", err)
		return nil, false
	}
	return ct, true
}

func (h *Handler) queue(c *gin.Context) (storage.Queue, bool) {
	name := c.Param("queue")
	if err := storage.ValidateResourceName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	q, err := h.account.Queue(name)
	if err != nil {
		h.fail(c, "open queue", err)
		return nil, false
	}
	return q, true
}

// blobName strips the leading slash gin leaves on catch-all params.
func blobName(c *gin.Context) (string, error) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	return name, storage.ValidateBlobName(name)
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return body, true
}

func (h *Handler) ListBlobs(c *gin.Context) {
	ct, ok := h.container(c)
	if !ok {
		return
	}
	blobs, err := ct.List(c.Request.Context())
	if err != nil {
		h.fail(c, "list blobs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"container": ct.Name(), "blobs": blobs})
}

func (h *Handler) GetBlob(c *gin.Context) {
	ct, ok := h.container(c)
	if !ok {
		return
	}
	name, err := blobName(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, b, err := ct.Get(c.Request.Context(), name)
	if err != nil {
		h.fail(c, "get blob", err)
		return
	}
	c.Header("ETag", b.ETag)
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (h *Handler) PutBlob(c *gin.Context) {
	ct, ok := h.container(c)
	if !ok {
		return
	}
	name, err := blobName(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	b, err := ct.Put(c.Request.Context(), name, body)
	if err != nil {
		h.fail(c, "put blob", err)
		return
	}
	if h.blobs != nil {
		h.blobs.Notify(b)
	}
	h.log.Debug("blob written", logx.String("container", b.Container), logx.String("blob", b.Name), logx.Int64("size", b.Size))
	c.JSON(http.StatusCreated, b)
}

func (h *Handler) QueueInfo(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	n, err := q.Len(c.Request.Context())
	if err != nil {
		h.fail(c, "queue length", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": q.Name(), "length": n})
}

func (h *Handler) Enqueue(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}
	m, err := q.Enqueue(c.Request.Context(), body)
	if err != nil {
		h.fail(c, "enqueue", err)
		return
	}
	if h.queues != nil {
		h.queues.Notify(m)
	}
	c.JSON(http.StatusCreated, gin.H{"id": m.ID, "queue": m.Queue, "inserted_at": m.InsertedAt})
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.log.Warn("api request failed", logx.String("op", op), logx.String("path", c.Request.URL.Path), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
