package assets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"tilebridge/internal/async"
)

type CacheOptions struct {
	Path string
	// MaxItems bounds the number of stored responses.
	MaxItems int
	// PruneInterval is the number of requests between prunes.
	PruneInterval int
}

// Caching keeps successful GET responses of an inner accessor in SQLite.
// Cache failures are logged and never fail a request. Database work runs on
// the task processor, never on the caller.
type Caching struct {
	inner Accessor
	tp    async.TaskProcessor
	opts  CacheOptions

	// mu is held for reading by every database user and for writing by Close.
	mu  sync.RWMutex
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	requests atomic.Int64
	hits     atomic.Int64
	now      func() time.Time
}

// NewCaching opens the cache database. When it cannot be opened the accessor
// passes every request straight through.
func NewCaching(inner Accessor, tp async.TaskProcessor, opts CacheOptions) *Caching {
	if tp == nil {
		tp = async.Inline{}
	}
	c := &Caching{inner: inner, tp: tp, opts: opts, now: time.Now}
	if c.opts.MaxItems <= 0 {
		c.opts.MaxItems = 4096
	}
	if c.opts.PruneInterval <= 0 {
		c.opts.PruneInterval = 10000
	}
	db, err := openCacheDB(opts.Path)
	if err != nil {
		glog.Errorf("asset cache %s unusable, continuing without it: %v", opts.Path, err)
		return c
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = db.Close()
		glog.Errorf("asset cache: %v", err)
		return c
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		glog.Errorf("asset cache: %v", err)
		return c
	}
	c.db, c.enc, c.dec = db, enc, dec
	return c
}

func openCacheDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("empty cache path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS responses (
			url TEXT PRIMARY KEY,
			status INTEGER NOT NULL,
			content_type TEXT NOT NULL,
			headers TEXT NOT NULL,
			body BLOB NOT NULL,
			last_access INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS responses_last_access ON responses(last_access);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Enabled reports whether responses are being cached.
func (c *Caching) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db != nil
}

// Close waits for running queries and closes the database. Later requests
// pass straight through.
func (c *Caching) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	c.enc.Close()
	c.dec.Close()
	err := c.db.Close()
	c.db = nil
	return err
}

// Hits is the number of requests served from the cache.
func (c *Caching) Hits() int64 { return c.hits.Load() }

func (c *Caching) Get(ctx context.Context, url string, headers map[string]string) *async.Future[*Response] {
	if !c.Enabled() {
		return c.inner.Get(ctx, url, headers)
	}
	cached := async.Run(c.tp, func() (*Response, error) {
		c.maybePrune(ctx)
		r, _ := c.lookup(ctx, url)
		return r, nil
	})
	return async.Chain(cached, func(r *Response) *async.Future[*Response] {
		if r != nil {
			c.hits.Add(1)
			return async.Resolved(r)
		}
		return async.Then(c.inner.Get(ctx, url, headers), c.tp, func(r *Response) (*Response, error) {
			c.store(ctx, url, r)
			return r, nil
		})
	})
}

// Request is never cached.
func (c *Caching) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) *async.Future[*Response] {
	m, err := checkMethod(method)
	if err != nil {
		return async.Rejected[*Response](err)
	}
	if m == "GET" && body == nil {
		return c.Get(ctx, url, headers)
	}
	return c.inner.Request(ctx, m, url, headers, body)
}

func (c *Caching) lookup(ctx context.Context, url string) (*Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, false
	}
	var (
		status      int
		contentType string
		rawHeaders  string
		body        []byte
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT status, content_type, headers, body FROM responses WHERE url = ?`, url).
		Scan(&status, &contentType, &rawHeaders, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		glog.Errorf("asset cache lookup %s: %v", url, err)
		return nil, false
	}
	data, err := c.dec.DecodeAll(body, nil)
	if err != nil {
		glog.Warningf("asset cache entry %s corrupt, refetching: %v", url, err)
		return nil, false
	}
	r := &Response{URL: url, StatusCode: status, ContentType: contentType, Data: data}
	if err := json.Unmarshal([]byte(rawHeaders), &r.Headers); err != nil {
		r.Headers = map[string]string{"content-type": contentType}
	}
	if _, err := c.db.ExecContext(ctx, `UPDATE responses SET last_access = ? WHERE url = ?`, c.now().UnixNano(), url); err != nil {
		glog.Errorf("asset cache touch %s: %v", url, err)
	}
	return r, true
}

func (c *Caching) store(ctx context.Context, url string, r *Response) {
	if r == nil || r.StatusCode < 200 || r.StatusCode >= 300 {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return
	}
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		headers = []byte("{}")
	}
	body := c.enc.EncodeAll(r.Data, nil)
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO responses (url, status, content_type, headers, body, last_access)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET status = excluded.status, content_type = excluded.content_type,
		   headers = excluded.headers, body = excluded.body, last_access = excluded.last_access`,
		url, r.StatusCode, r.ContentType, string(headers), body, c.now().UnixNano())
	if err != nil {
		glog.Errorf("asset cache store %s: %v", url, err)
	}
}

func (c *Caching) maybePrune(ctx context.Context) {
	if c.requests.Add(1)%int64(c.opts.PruneInterval) != 0 {
		return
	}
	if err := c.Prune(ctx); err != nil {
		glog.Errorf("asset cache prune: %v", err)
	}
}

// Prune drops the least recently used responses beyond MaxItems.
func (c *Caching) Prune(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil
	}
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM responses WHERE url IN (
			SELECT url FROM responses ORDER BY last_access DESC LIMIT -1 OFFSET ?
		)`, c.opts.MaxItems)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		glog.V(1).Infof("asset cache: pruned %d responses", n)
	}
	return nil
}

// Len is the number of stored responses.
func (c *Caching) Len(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return 0, nil
	}
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses`).Scan(&n)
	return n, err
}
