package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilebridge/internal/async"
)

func wait(t *testing.T, f *async.Future[*Response]) (*Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestLocalResolvesAgainstFirstDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tiles"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tileset.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiles", "0.glb"), []byte("glb"), 0o644))

	l := NewLocal(nil)
	r, err := wait(t, l.Get(context.Background(), "file://"+filepath.Join(dir, "tileset.json"), nil))
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, r.ContentType)
	assert.Equal(t, 200, r.StatusCode)

	r, err = wait(t, l.Get(context.Background(), "tiles/0.glb", nil))
	require.NoError(t, err)
	assert.Equal(t, ContentTypeBinary, r.ContentType)
	assert.Equal(t, []byte("glb"), r.Data)

	_, err = wait(t, l.Get(context.Background(), "tiles/missing.glb", nil))
	assert.Error(t, err)

	_, err = wait(t, l.Request(context.Background(), "POST", "tiles/0.glb", nil, nil))
	assert.Error(t, err)
}

func TestNetworkGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tileset.json":
			assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Encoding", "gzip")
			zw := gzip.NewWriter(w)
			_, _ = zw.Write([]byte(`{"asset":{}}`))
			_ = zw.Close()
		case "/plain.b3dm":
			_, _ = w.Write([]byte("b3dm"))
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	n := NewNetwork(srv.Client(), nil)
	r, err := wait(t, n.Get(context.Background(), srv.URL+"/tileset.json", map[string]string{"Authorization": "Bearer token"}))
	require.NoError(t, err)
	assert.Equal(t, `{"asset":{}}`, string(r.Data))
	assert.Equal(t, "application/json", r.ContentType)

	r, err = wait(t, n.Get(context.Background(), srv.URL+"/plain.b3dm", nil))
	require.NoError(t, err)
	assert.Equal(t, []byte("b3dm"), r.Data)

	_, err = wait(t, n.Get(context.Background(), srv.URL+"/missing", nil))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestUnknownMethodRejects(t *testing.T) {
	n := NewNetwork(nil, nil)
	_, err := wait(t, n.Request(context.Background(), "FETCH", "http://localhost/", nil, nil))
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestFailedStatus(t *testing.T) {
	assert.True(t, Failed(0))
	assert.True(t, Failed(400))
	assert.True(t, Failed(503))
	assert.False(t, Failed(200))
	assert.False(t, Failed(304))
}

type countingAccessor struct {
	calls atomic.Int32
}

func (c *countingAccessor) Get(ctx context.Context, url string, headers map[string]string) *async.Future[*Response] {
	c.calls.Add(1)
	if url == "missing" {
		return async.Rejected[*Response](&StatusError{URL: url, Code: 404})
	}
	return async.Resolved(&Response{
		URL:         url,
		StatusCode:  200,
		ContentType: ContentTypeBinary,
		Headers:     map[string]string{"etag": "x"},
		Data:        bytes.Repeat([]byte(url), 64),
	})
}

func (c *countingAccessor) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) *async.Future[*Response] {
	return c.Get(ctx, url, headers)
}

func newTestCache(t *testing.T, inner Accessor, maxItems, interval int) *Caching {
	return newTestCacheOn(t, inner, async.Inline{}, maxItems, interval)
}

func newTestCacheOn(t *testing.T, inner Accessor, tp async.TaskProcessor, maxItems, interval int) *Caching {
	t.Helper()
	c := NewCaching(inner, tp, CacheOptions{Path: filepath.Join(t.TempDir(), "cache.sqlite"), MaxItems: maxItems, PruneInterval: interval})
	require.True(t, c.Enabled())
	var clock atomic.Int64
	c.now = func() time.Time {
		return time.Unix(0, clock.Add(1))
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCachingServesRepeatGets(t *testing.T) {
	inner := &countingAccessor{}
	c := newTestCache(t, inner, 100, 1000)

	first, err := wait(t, c.Get(context.Background(), "a", nil))
	require.NoError(t, err)
	second, err := wait(t, c.Get(context.Background(), "a", nil))
	require.NoError(t, err)

	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, int64(1), c.Hits())
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, "x", second.Headers["etag"])

	_, err = wait(t, c.Get(context.Background(), "missing", nil))
	assert.Error(t, err)
	n, err := c.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCachingPrunesLeastRecentlyUsed(t *testing.T) {
	inner := &countingAccessor{}
	c := newTestCache(t, inner, 2, 1000)
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c"} {
		_, err := wait(t, c.Get(ctx, u, nil))
		require.NoError(t, err)
	}
	// touch a so b becomes the oldest
	_, err := wait(t, c.Get(ctx, "a", nil))
	require.NoError(t, err)

	require.NoError(t, c.Prune(ctx))
	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	calls := inner.calls.Load()
	_, err = wait(t, c.Get(ctx, "b", nil))
	require.NoError(t, err)
	assert.Equal(t, calls+1, inner.calls.Load())
}

func TestCachingDegradesToPassThrough(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	inner := &countingAccessor{}
	c := NewCaching(inner, nil, CacheOptions{Path: filepath.Join(blocker, "cache.sqlite")})
	assert.False(t, c.Enabled())
	_, err := wait(t, c.Get(context.Background(), "a", nil))
	require.NoError(t, err)
	_, err = wait(t, c.Get(context.Background(), "a", nil))
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

// heldTasks keeps submitted tasks until the test runs them.
type heldTasks struct {
	mu    sync.Mutex
	tasks []func()
}

func (h *heldTasks) StartTask(fn func()) {
	h.mu.Lock()
	h.tasks = append(h.tasks, fn)
	h.mu.Unlock()
}

func (h *heldTasks) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

func (h *heldTasks) runAll() {
	h.mu.Lock()
	batch := h.tasks
	h.tasks = nil
	h.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

func TestCachingQueriesOffTheCaller(t *testing.T) {
	inner := &countingAccessor{}
	tasks := &heldTasks{}
	c := newTestCacheOn(t, inner, tasks, 100, 1000)

	f := c.Get(context.Background(), "a", nil)
	assert.False(t, f.Ready())
	assert.Equal(t, 1, tasks.len())
	assert.Zero(t, inner.calls.Load())

	deadline := time.Now().Add(5 * time.Second)
	for !f.Ready() {
		require.True(t, time.Now().Before(deadline), "cache get never settled")
		tasks.runAll()
		time.Sleep(time.Millisecond)
	}
	r, err := wait(t, f)
	require.NoError(t, err)
	assert.Equal(t, "a", r.URL)
	assert.Equal(t, int32(1), inner.calls.Load())
	n, err := c.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCachingCloseDuringGets(t *testing.T) {
	inner := &countingAccessor{}
	pool := async.NewWorkerPool("cache", 4, 0)
	defer pool.Shutdown()
	c := NewCaching(inner, pool, CacheOptions{Path: filepath.Join(t.TempDir(), "cache.sqlite")})
	require.True(t, c.Enabled())

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := wait(t, c.Get(ctx, fmt.Sprintf("u%d", j%5), nil))
				assert.NoError(t, err)
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Close())
	wg.Wait()

	assert.False(t, c.Enabled())
	assert.NoError(t, c.Close())
	_, err := wait(t, c.Get(ctx, "after", nil))
	assert.NoError(t, err)
}

func TestResolveIon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/assets/96188/endpoint", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("access_token"))
		_, _ = w.Write([]byte(`{"type":"3DTILES","url":"https://assets.example/tileset.json","accessToken":"abc",
			"attributions":[{"html":"OSM contributors"}]}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep, err := ResolveIon(ctx, NewNetwork(srv.Client(), nil), srv.URL+"/", 96188, "secret").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://assets.example/tileset.json", ep.URL)
	assert.Equal(t, "Bearer abc", ep.Headers()["Authorization"])
	assert.Equal(t, []string{"OSM contributors"}, ep.Attributions)
}
