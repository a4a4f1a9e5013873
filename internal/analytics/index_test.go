package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batchsender/internal/httpx"
)

func newTestIndex(t *testing.T, baseURL string) (*Index, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })
	client := httpx.NewClient(nil, zap.NewNop(), httpx.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond})
	return NewIndex(redisClient, client, baseURL, "batchsender", zap.NewNop()), mr
}

func TestIndexPutCachesInlineAndFlushesStoreOnClose(t *testing.T) {
	server, c := newCaptureServer(t)
	ix, mr := newTestIndex(t, server.URL)

	ix.Put(context.Background(), IndexEntry{
		ProviderMessageID: "pm_1",
		BatchID:           "b1",
		RecipientID:       "r1",
		UserID:            "u1",
	})

	// The cache write is synchronous; the store insert must not be.
	if !mr.Exists("pmid:pm_1") {
		t.Fatal("cache entry missing after Put")
	}
	c.mu.Lock()
	if len(c.bodies) != 0 {
		t.Fatalf("store insert ran inline: %d requests", len(c.bodies))
	}
	c.mu.Unlock()

	ix.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) != 1 {
		t.Fatalf("flushes after close = %d, want 1", len(c.bodies))
	}
	if !strings.Contains(c.query, "INSERT INTO batchsender.message_index FORMAT JSONEachRow") {
		t.Errorf("query = %q", c.query)
	}
	var row IndexEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(c.bodies[0]))), &row); err != nil {
		t.Fatalf("flushed row not valid JSON: %v", err)
	}
	if row.ProviderMessageID != "pm_1" || row.RecipientID != "r1" {
		t.Errorf("flushed row = %+v", row)
	}
}

func TestIndexLookupServedFromCache(t *testing.T) {
	// A broken store must not matter while the cache is warm.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	ix, _ := newTestIndex(t, server.URL)
	defer ix.Close()

	ix.Put(context.Background(), IndexEntry{ProviderMessageID: "pm_2", BatchID: "b1", RecipientID: "r2", UserID: "u1"})

	entry, err := ix.Lookup(context.Background(), "pm_2")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if entry.RecipientID != "r2" {
		t.Errorf("entry = %+v, want recipient r2", entry)
	}
}

func TestIndexLookupFallsBackToStoreAndRewarms(t *testing.T) {
	row, _ := json.Marshal(IndexEntry{ProviderMessageID: "pm_3", BatchID: "b2", RecipientID: "r3", UserID: "u1"})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(row)
	}))
	defer server.Close()
	ix, mr := newTestIndex(t, server.URL)
	defer ix.Close()

	entry, err := ix.Lookup(context.Background(), "pm_3")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if entry.BatchID != "b2" {
		t.Errorf("entry = %+v, want batch b2", entry)
	}
	if !mr.Exists("pmid:pm_3") {
		t.Error("cache not re-warmed after store lookup")
	}
}

func TestIndexLookupNotIndexed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// ClickHouse returns an empty body when no row matches.
	}))
	defer server.Close()
	ix, _ := newTestIndex(t, server.URL)
	defer ix.Close()

	_, err := ix.Lookup(context.Background(), "pm_unknown")
	if !errors.Is(err, ErrNotIndexed) {
		t.Errorf("error = %v, want ErrNotIndexed", err)
	}
}
