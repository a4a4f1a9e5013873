package analytics

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"batchsender/internal/httpx"
	"batchsender/internal/observability"
)

type captured struct {
	mu     sync.Mutex
	query  string
	bodies [][]byte
}

func newCaptureServer(t *testing.T) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.query = r.URL.Query().Get("query")
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, c
}

func newTestSink(t *testing.T, baseURL string, cfg SinkConfig) *Sink {
	t.Helper()
	cfg.BaseURL = baseURL
	cfg.Database = "batchsender"
	client := httpx.NewClient(nil, zap.NewNop(), httpx.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond})
	sink := NewSink(cfg, client, zap.NewNop(), observability.NewMetricsForTest())
	return sink
}

func TestSinkFlushesOnSize(t *testing.T) {
	server, c := newCaptureServer(t)
	sink := newTestSink(t, server.URL, SinkConfig{FlushSize: 3, FlushInterval: time.Hour})
	defer sink.Close()

	for i := 0; i < 3; i++ {
		sink.Record(Event{EventType: "sent", BatchID: "b1", Identifier: "a@example.com"})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) != 1 {
		t.Fatalf("flushes = %d, want 1", len(c.bodies))
	}
	if !strings.Contains(c.query, "INSERT INTO batchsender.events FORMAT JSONEachRow") {
		t.Errorf("query = %q", c.query)
	}

	// One JSON object per line, each decodable on its own.
	scanner := bufio.NewScanner(bytes.NewReader(c.bodies[0]))
	rows := 0
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("row %d not valid JSON: %v", rows, err)
		}
		if ev.EventType != "sent" {
			t.Errorf("row %d event_type = %q", rows, ev.EventType)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("row %d timestamp not stamped", rows)
		}
		rows++
	}
	if rows != 3 {
		t.Errorf("rows = %d, want 3", rows)
	}
}

func TestSinkCloseDrainsBuffer(t *testing.T) {
	server, c := newCaptureServer(t)
	sink := newTestSink(t, server.URL, SinkConfig{FlushSize: 100, FlushInterval: time.Hour})

	sink.Record(Event{EventType: "failed", BatchID: "b2"})
	sink.Record(Event{EventType: "queued", BatchID: "b2"})
	sink.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) != 1 {
		t.Fatalf("flushes = %d, want 1 on close", len(c.bodies))
	}
	if got := bytes.Count(c.bodies[0], []byte{'\n'}); got != 2 {
		t.Errorf("rows flushed = %d, want 2", got)
	}
}

func TestSinkSurvivesFlushFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink := newTestSink(t, server.URL, SinkConfig{FlushSize: 1, FlushInterval: time.Hour})
	defer sink.Close()

	// Best-effort: a rejected insert drops the rows and must not panic
	// or block subsequent records.
	sink.Record(Event{EventType: "sent", BatchID: "b3"})
	sink.Record(Event{EventType: "sent", BatchID: "b3"})
}
