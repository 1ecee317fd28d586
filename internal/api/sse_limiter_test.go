package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratnotify/notifyd/internal/api"
)

// --- SSELimiter unit tests ---

func TestSSELimiter_Acquire_SingleIP_RespectsPerIPLimit(t *testing.T) {
	limiter := api.NewSSELimiter()

	for i := 0; i < api.MaxSSEPerIP; i++ {
		assert.True(t, limiter.Acquire("10.0.0.1"), "acquire %d should succeed", i)
	}

	assert.False(t, limiter.Acquire("10.0.0.1"), "acquire beyond per-IP limit should fail")
	assert.True(t, limiter.Acquire("10.0.0.2"), "different IP should succeed")

	for i := 0; i < api.MaxSSEPerIP; i++ {
		limiter.Release("10.0.0.1")
	}
	limiter.Release("10.0.0.2")
}

func TestSSELimiter_Acquire_GlobalLimit(t *testing.T) {
	limiter := api.NewSSELimiter()

	for i := 0; i < api.MaxSSEGlobal; i++ {
		ip := "10.0." + itoa(i/256) + "." + itoa(i%256)
		assert.True(t, limiter.Acquire(ip), "acquire %d should succeed", i)
	}

	assert.False(t, limiter.Acquire("99.99.99.99"), "acquire beyond global limit should fail")

	limiter.Release("10.0.0.0")
	assert.True(t, limiter.Acquire("99.99.99.99"), "acquire after release should succeed")

	for i := 1; i < api.MaxSSEGlobal; i++ {
		ip := "10.0." + itoa(i/256) + "." + itoa(i%256)
		limiter.Release(ip)
	}
	limiter.Release("99.99.99.99")
}

func TestSSELimiter_Release_DecrementsCounters(t *testing.T) {
	limiter := api.NewSSELimiter()

	limiter.Acquire("10.0.0.1")
	limiter.Acquire("10.0.0.1")
	assert.Equal(t, int64(2), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(2), limiter.GlobalCount())

	limiter.Release("10.0.0.1")
	assert.Equal(t, int64(1), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(1), limiter.GlobalCount())

	limiter.Release("10.0.0.1")
	assert.Equal(t, int64(0), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(0), limiter.GlobalCount())
}

func TestSSELimiter_ConcurrentAccess(t *testing.T) {
	limiter := api.NewSSELimiter()

	var wg sync.WaitGroup
	successes := int64(0)
	var mu sync.Mutex

	for i := 0; i < api.MaxSSEPerIP+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Acquire("10.0.0.1") {
				mu.Lock()
				successes++
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				limiter.Release("10.0.0.1")
			}
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, successes, int64(api.MaxSSEPerIP)+5, "total successes should be bounded")
	assert.Equal(t, int64(0), limiter.GlobalCount(), "all connections should be released")
}

// --- SSE endpoint integration tests ---

func registerBackend(t *testing.T, srv *api.Server, pid int32) {
	t.Helper()
	_, err := srv.Engine.RegisterBackend(pid, 1, false)
	require.NoError(t, err)
}

func TestSSE_PerIPLimit_Returns429(t *testing.T) {
	srv := testServer()
	limiter := api.NewSSELimiter()
	srv.SSELimiter = limiter
	router := api.NewRouter(srv)

	ctxs := make([]context.CancelFunc, 0, api.MaxSSEPerIP)
	dones := make([]chan struct{}, 0, api.MaxSSEPerIP)

	for i := 0; i < api.MaxSSEPerIP; i++ {
		pid := int32(100 + i)
		registerBackend(t, srv, pid)

		ctx, cancel := context.WithCancel(context.Background())
		ctxs = append(ctxs, cancel)

		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/backends/%d/stream", pid), http.NoBody)
		req = req.WithContext(ctx)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()

		done := make(chan struct{})
		dones = append(dones, done)
		go func() {
			router.ServeHTTP(rec, req)
			close(done)
		}()

		time.Sleep(20 * time.Millisecond)
	}

	registerBackend(t, srv, 999)
	req := httptest.NewRequest(http.MethodGet, "/v1/backends/999/stream", http.NoBody)
	req.RemoteAddr = "10.0.0.1:5678"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body api.APIError
	err := json.NewDecoder(rec.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "SSE_LIMIT_EXCEEDED", body.Error.Code)

	for _, cancel := range ctxs {
		cancel()
	}
	for _, done := range dones {
		<-done
	}
}

func TestSSE_ConnectionReleasedOnClientDisconnect(t *testing.T) {
	srv := testServer()
	limiter := api.NewSSELimiter()
	srv.SSELimiter = limiter
	registerBackend(t, srv, 1)
	router := api.NewRouter(srv)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/backends/1/stream", http.NoBody)
	req = req.WithContext(ctx)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(1), limiter.GlobalCount())

	cancel()
	<-done

	assert.Equal(t, int64(0), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(0), limiter.GlobalCount())
}

func TestSSE_UnknownBackend_Returns404NotLimited(t *testing.T) {
	srv := testServer()
	limiter := api.NewSSELimiter()
	srv.SSELimiter = limiter
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/v1/backends/404/stream", http.NoBody)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, int64(0), limiter.GlobalCount())
}

func TestSSE_DeliversNotificationToStream(t *testing.T) {
	srv := testServer()
	registerBackend(t, srv, 1)

	txn, err := srv.Engine.Begin(1)
	require.NoError(t, err)
	require.NoError(t, txn.Listen("widget_updated"))
	require.NoError(t, srv.Engine.PreCommit(context.Background(), txn))
	srv.Engine.Commit(txn)

	router := api.NewRouter(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/backends/1/stream", http.NoBody)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	// A second, distinct backend publishes the notification.
	_, err = srv.Engine.RegisterBackend(2, 1, false)
	require.NoError(t, err)
	notifyTxn, err := srv.Engine.Begin(2)
	require.NoError(t, err)
	require.NoError(t, notifyTxn.Notify(srv.Engine.Config(), "widget_updated", `{"id":"w-1"}`))
	require.NoError(t, srv.Engine.PreCommit(context.Background(), notifyTxn))
	srv.Engine.Commit(notifyTxn)

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Contains(t, rec.Body.String(), "widget_updated")
}

// itoa is a quick int-to-string helper for test IPs.
func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
