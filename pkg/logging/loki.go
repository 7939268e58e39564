package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// LokiHandler is a slog.Handler that batches records and pushes them to a
// Loki endpoint. Records are buffered in memory and shipped when the
// batch fills or the flush interval elapses, so logging never blocks on
// the network. Handlers derived with WithAttrs and WithGroup share the
// parent's batch and flush loop.
type LokiHandler struct {
	level  slog.Level
	attrs  []slog.Attr
	groups []string
	core   *lokiCore
}

// lokiCore is the shipping state shared by a handler and everything
// derived from it.
type lokiCore struct {
	url           string
	labels        map[string]string
	client        *http.Client
	batchSize     int
	flushInterval time.Duration

	mu    sync.Mutex
	batch []lokiEntry

	done      chan struct{}
	closeOnce sync.Once
}

type lokiEntry struct {
	timestamp time.Time
	line      string
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// LokiOption configures a LokiHandler.
type LokiOption func(*LokiHandler)

// WithLokiLabels sets additional stream labels.
func WithLokiLabels(labels map[string]string) LokiOption {
	return func(h *LokiHandler) {
		for k, v := range labels {
			h.core.labels[k] = v
		}
	}
}

// WithLokiLevel sets the minimum log level.
func WithLokiLevel(level slog.Level) LokiOption {
	return func(h *LokiHandler) {
		h.level = level
	}
}

// WithLokiBatchSize sets the number of records that triggers a flush.
func WithLokiBatchSize(size int) LokiOption {
	return func(h *LokiHandler) {
		h.core.batchSize = size
	}
}

// NewLokiHandler creates a Loki log handler. The url is the push
// endpoint, e.g. "http://localhost:3100/loki/api/v1/push". Call Close
// when done to stop the flush loop and ship the remaining records.
func NewLokiHandler(url string, opts ...LokiOption) *LokiHandler {
	h := &LokiHandler{
		level: slog.LevelInfo,
		core: &lokiCore{
			url:           url,
			labels:        map[string]string{"job": "gridlink"},
			client:        &http.Client{Timeout: 5 * time.Second},
			batchSize:     100,
			flushInterval: 5 * time.Second,
			done:          make(chan struct{}),
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	go h.core.flushLoop()
	return h
}

func (c *lokiCore) flushLoop() {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.flush()
		case <-c.done:
			return
		}
	}
}

// Enabled implements slog.Handler.
func (h *LokiHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *LokiHandler) Handle(_ context.Context, r slog.Record) error {
	line := h.formatRecord(r)

	c := h.core
	c.mu.Lock()
	c.batch = append(c.batch, lokiEntry{timestamp: r.Time, line: line})
	full := len(c.batch) >= c.batchSize
	c.mu.Unlock()

	if full {
		go func() { _ = c.flush() }()
	}
	return nil
}

func (h *LokiHandler) formatRecord(r slog.Record) string {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
		"time":  r.Time.Format(time.RFC3339Nano),
	}
	for _, attr := range h.attrs {
		data[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})

	b, _ := json.Marshal(data)
	return string(b)
}

// WithAttrs implements slog.Handler.
func (h *LokiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LokiHandler{
		level:  h.level,
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		groups: h.groups,
		core:   h.core,
	}
}

// WithGroup implements slog.Handler.
func (h *LokiHandler) WithGroup(name string) slog.Handler {
	return &LokiHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
		core:   h.core,
	}
}

// Flush ships all buffered records to Loki.
func (h *LokiHandler) Flush() error {
	return h.core.flush()
}

func (c *lokiCore) flush() error {
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()

	values := make([][]string, len(batch))
	for i, entry := range batch {
		values[i] = []string{
			strconv.FormatInt(entry.timestamp.UnixNano(), 10),
			entry.line,
		}
	}

	body, err := json.Marshal(lokiPush{
		Streams: []lokiStream{{Stream: c.labels, Values: values}},
	})
	if err != nil {
		return fmt.Errorf("marshal loki push: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send logs to loki: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("loki returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the flush loop and ships the remaining records.
func (h *LokiHandler) Close() error {
	h.core.closeOnce.Do(func() { close(h.core.done) })
	return h.Flush()
}
