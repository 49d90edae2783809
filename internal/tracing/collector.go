// Package tracing buffers execution spans and ships them to an external
// backend. One trace per job run; spans cover the agent call and the
// delivery attempt.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1000
	previewMaxLen        = 500
)

// Span types.
const (
	SpanRun       = "cron_run"
	SpanAgentCall = "agent_call"
	SpanDelivery  = "delivery"
)

// SpanData is one completed span of a job run.
type SpanData struct {
	ID           uuid.UUID
	TraceID      uuid.UUID
	ParentSpanID *uuid.UUID

	Name     string
	SpanType string

	JobID   string
	RunID   string
	AgentID string

	Model        string
	InputTokens  int
	OutputTokens int

	Status        string // "ok" or "error"
	Error         string
	OutputPreview string

	StartTime time.Time
	EndTime   time.Time
}

// Duration is the span's wall time.
func (s *SpanData) Duration() time.Duration {
	if s.EndTime.Before(s.StartTime) {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// SpanExporter ships batches to an external backend (OTLP lives in the
// otelexport sub-package). Keeping this an interface keeps the OTel SDK out
// of the engine's import graph until a backend is configured.
type SpanExporter interface {
	ExportSpans(ctx context.Context, spans []SpanData)
	Shutdown(ctx context.Context) error
}

// Collector buffers spans in memory and flushes them in batches. Emitting is
// non-blocking; a full buffer drops spans rather than stalling a run.
type Collector struct {
	spanCh chan SpanData
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.RWMutex
	exporter SpanExporter
}

func NewCollector() *Collector {
	return &Collector{
		spanCh: make(chan SpanData, defaultBufferSize),
		stopCh: make(chan struct{}),
	}
}

// SetExporter attaches the external backend.
func (c *Collector) SetExporter(exp SpanExporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exporter = exp
}

// Start begins the background flush loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.flushLoop()
	slog.Info("tracing: collector started")
}

// Stop flushes remaining spans and shuts the exporter down.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()

	c.mu.RLock()
	exp := c.exporter
	c.mu.RUnlock()
	if exp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := exp.Shutdown(ctx); err != nil {
			slog.Warn("tracing: exporter shutdown failed", "error", err)
		}
	}
	slog.Info("tracing: collector stopped")
}

// NewTraceID mints a trace id for one job run.
func NewTraceID() uuid.UUID { return uuid.Must(uuid.NewV7()) }

// EmitSpan enqueues a completed span.
func (c *Collector) EmitSpan(span SpanData) {
	if c == nil {
		return
	}
	if span.ID == uuid.Nil {
		span.ID = uuid.Must(uuid.NewV7())
	}
	span.OutputPreview = truncatePreview(span.OutputPreview)

	select {
	case c.spanCh <- span:
	default:
		slog.Warn("tracing: span buffer full, dropping span",
			"type", span.SpanType, "name", span.Name)
	}
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stopCh:
			c.flush()
			return
		}
	}
}

func (c *Collector) flush() {
	var spans []SpanData
	for {
		select {
		case span := <-c.spanCh:
			spans = append(spans, span)
		default:
			goto done
		}
	}
done:
	if len(spans) == 0 {
		return
	}

	c.mu.RLock()
	exp := c.exporter
	c.mu.RUnlock()
	if exp == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exp.ExportSpans(ctx, spans)
	slog.Debug("tracing: flushed spans", "count", len(spans))
}

// truncatePreview sanitizes and truncates a string to previewMaxLen bytes.
func truncatePreview(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= previewMaxLen {
		return s
	}
	maxLen := previewMaxLen
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
