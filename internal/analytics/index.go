package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batchsender/internal/httpx"
)

// ErrNotIndexed is returned when a provider message id resolves nowhere
// in the cache or the analytics store.
var ErrNotIndexed = errors.New("provider message id not indexed")

const (
	indexCacheTTL       = 48 * time.Hour
	indexFlushSize      = 500
	indexFlushInterval  = 2 * time.Second
	indexRequestTimeout = 10 * time.Second
)

// IndexEntry maps a provider's opaque message id back to our identifiers.
type IndexEntry struct {
	ProviderMessageID string `json:"provider_message_id"`
	BatchID           string `json:"batch_id"`
	RecipientID       string `json:"recipient_id"`
	UserID            string `json:"user_id"`
}

// Index is the provider-message-id lookup used for webhook enrichment.
// Put writes the Redis cache inline and buffers the analytics row; the
// store insert is flushed in bulk off the send path. Reads are
// cache-first with the store as fallback.
type Index struct {
	redis    *redis.Client
	client   *httpx.Client
	baseURL  string
	database string
	logger   *zap.Logger

	mu     sync.Mutex
	buf    []IndexEntry
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewIndex(redisClient *redis.Client, client *httpx.Client, baseURL, database string, logger *zap.Logger) *Index {
	ix := &Index{
		redis:    redisClient,
		client:   client,
		baseURL:  baseURL,
		database: database,
		logger:   logger,
		buf:      make([]IndexEntry, 0, indexFlushSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go ix.loop()
	return ix
}

func indexCacheKey(providerMessageID string) string {
	return "pmid:" + providerMessageID
}

// Put records the mapping. Only the cache write happens inline; cache
// failures are logged and the buffered row plus the durable recipient
// column remain as fallbacks.
func (ix *Index) Put(ctx context.Context, entry IndexEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}

	if err := ix.redis.Set(ctx, indexCacheKey(entry.ProviderMessageID), raw, indexCacheTTL).Err(); err != nil {
		ix.logger.Warn("failed to cache message index entry",
			zap.String("provider_message_id", entry.ProviderMessageID), zap.Error(err))
	}

	ix.mu.Lock()
	ix.buf = append(ix.buf, entry)
	full := len(ix.buf) >= indexFlushSize
	var batch []IndexEntry
	if full {
		batch = ix.take()
	}
	ix.mu.Unlock()

	if full {
		ix.flush(batch)
	}
}

func (ix *Index) loop() {
	defer close(ix.doneCh)
	ticker := time.NewTicker(indexFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ix.mu.Lock()
			batch := ix.take()
			ix.mu.Unlock()
			ix.flush(batch)
		case <-ix.stopCh:
			return
		}
	}
}

// take must be called with mu held.
func (ix *Index) take() []IndexEntry {
	if len(ix.buf) == 0 {
		return nil
	}
	batch := ix.buf
	ix.buf = make([]IndexEntry, 0, indexFlushSize)
	return batch
}

func (ix *Index) flush(batch []IndexEntry) {
	if len(batch) == 0 {
		return
	}

	rows := make([]byte, 0, len(batch)*128)
	for _, entry := range batch {
		row, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		rows = append(rows, row...)
		rows = append(rows, '\n')
	}

	query := fmt.Sprintf("INSERT INTO %s.message_index FORMAT JSONEachRow", ix.database)
	target := ix.baseURL + "/?query=" + url.QueryEscape(query)

	ctx, cancel := context.WithTimeout(context.Background(), indexRequestTimeout)
	defer cancel()

	resp := ix.client.Request(ctx, target, httpx.RequestOptions{
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/x-ndjson"},
		Body:    rows,
		Timeout: indexRequestTimeout,
	})
	if !resp.Success {
		ix.logger.Warn("failed to persist message index rows, dropping",
			zap.Int("rows", len(batch)), zap.Error(resp.Err))
	}
}

// Close flushes buffered rows and stops the background loop.
func (ix *Index) Close() {
	close(ix.stopCh)
	<-ix.doneCh

	ix.mu.Lock()
	batch := ix.take()
	ix.mu.Unlock()
	ix.flush(batch)
}

// Lookup resolves a provider message id, cache first. ErrNotIndexed means
// the caller should fall through to the durable store.
func (ix *Index) Lookup(ctx context.Context, providerMessageID string) (IndexEntry, error) {
	raw, err := ix.redis.Get(ctx, indexCacheKey(providerMessageID)).Bytes()
	if err == nil {
		var entry IndexEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			return entry, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		ix.logger.Debug("message index cache read failed", zap.Error(err))
	}

	entry, err := ix.lookupStore(ctx, providerMessageID)
	if err != nil {
		return IndexEntry{}, err
	}

	// Re-warm the cache for the next event on this message.
	if raw, err := json.Marshal(entry); err == nil {
		_ = ix.redis.Set(ctx, indexCacheKey(providerMessageID), raw, indexCacheTTL).Err()
	}
	return entry, nil
}

func (ix *Index) lookupStore(ctx context.Context, providerMessageID string) (IndexEntry, error) {
	query := fmt.Sprintf(
		"SELECT provider_message_id, batch_id, recipient_id, user_id FROM %s.message_index WHERE provider_message_id = '%s' LIMIT 1 FORMAT JSONEachRow",
		ix.database, escapeString(providerMessageID))
	target := ix.baseURL + "/?query=" + url.QueryEscape(query)

	resp := ix.client.Request(ctx, target, httpx.RequestOptions{
		Method:  "GET",
		Timeout: indexRequestTimeout,
	})
	if !resp.Success {
		return IndexEntry{}, fmt.Errorf("message index query failed: %w", resp.Err)
	}
	if len(resp.Body) == 0 {
		return IndexEntry{}, ErrNotIndexed
	}

	var entry IndexEntry
	if err := json.Unmarshal(resp.Body, &entry); err != nil {
		return IndexEntry{}, fmt.Errorf("malformed message index row: %w", err)
	}
	if entry.RecipientID == "" {
		return IndexEntry{}, ErrNotIndexed
	}
	return entry, nil
}

func escapeString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
