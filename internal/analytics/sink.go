// Package analytics is the append-only event log. Events are buffered in
// memory and flushed to ClickHouse over its HTTP interface as JSONEachRow
// inserts; the package also maintains the provider-message-id index used
// to enrich inbound webhook events.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"batchsender/internal/httpx"
	"batchsender/internal/observability"
)

// Event is one recipient transition record.
type Event struct {
	EventType         string    `json:"event_type"`
	ModuleType        string    `json:"module_type"`
	BatchID           string    `json:"batch_id"`
	RecipientID       string    `json:"recipient_id"`
	UserID            string    `json:"user_id"`
	Identifier        string    `json:"identifier"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	Metadata          string    `json:"metadata,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

type SinkConfig struct {
	BaseURL       string
	Database      string
	FlushSize     int
	FlushInterval time.Duration
}

// Sink buffers events and flushes them on size or interval. Flush errors
// are logged and the rows dropped: analytics is best-effort and must not
// backpressure the send path.
type Sink struct {
	cfg     SinkConfig
	client  *httpx.Client
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	buf    []Event
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewSink(cfg SinkConfig, client *httpx.Client, logger *zap.Logger, metrics *observability.Metrics) *Sink {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	s := &Sink{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		metrics: metrics,
		buf:     make([]Event, 0, cfg.FlushSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.loop()
	return s
}

// Record queues one event. Never blocks on the network.
func (s *Sink) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.buf = append(s.buf, ev)
	full := len(s.buf) >= s.cfg.FlushSize
	var batch []Event
	if full {
		batch = s.take()
	}
	s.mu.Unlock()

	if full {
		s.flush(batch)
	}
}

func (s *Sink) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			batch := s.take()
			s.mu.Unlock()
			s.flush(batch)
		case <-s.stopCh:
			return
		}
	}
}

// take must be called with mu held.
func (s *Sink) take() []Event {
	if len(s.buf) == 0 {
		return nil
	}
	batch := s.buf
	s.buf = make([]Event, 0, s.cfg.FlushSize)
	return batch
}

func (s *Sink) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}

	rows := make([]byte, 0, len(batch)*256)
	for _, ev := range batch {
		row, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		rows = append(rows, row...)
		rows = append(rows, '\n')
	}

	query := fmt.Sprintf("INSERT INTO %s.events FORMAT JSONEachRow", s.cfg.Database)
	target := s.cfg.BaseURL + "/?query=" + url.QueryEscape(query)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp := s.client.Request(ctx, target, httpx.RequestOptions{
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/x-ndjson"},
		Body:    rows,
		Timeout: 10 * time.Second,
	})
	if !resp.Success {
		s.logger.Warn("analytics flush failed, dropping rows",
			zap.Int("rows", len(batch)), zap.Error(resp.Err))
		return
	}

	for _, ev := range batch {
		s.metrics.ClickHouseEventsTotal.WithLabelValues(ev.EventType).Inc()
	}
}

// Close flushes any buffered events and stops the background loop.
func (s *Sink) Close() {
	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	batch := s.take()
	s.mu.Unlock()
	s.flush(batch)
}
