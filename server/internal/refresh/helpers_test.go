package refresh

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/qrankd/qrankd/server/internal/cache"
	"github.com/qrankd/qrankd/server/internal/config"
	"github.com/qrankd/qrankd/server/internal/origin"
	"github.com/qrankd/qrankd/server/internal/store"
)

func gzipCSV(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(body)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// testOrigin is an HTTP origin that honours If-None-Match.
type testOrigin struct {
	srv *httptest.Server

	mu          sync.Mutex
	body        []byte
	etag        string
	status      int // when non-zero, replied instead of the dataset
	requests    int
	conditional int
}

func newTestOrigin(t *testing.T, body []byte, etag string) *testOrigin {
	t.Helper()
	o := &testOrigin{body: body, etag: etag}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests++
	inm := r.Header.Get("If-None-Match")
	if inm != "" {
		o.conditional++
	}
	body, etag, status := o.body, o.etag, o.status
	o.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/gzip")
	_, _ = w.Write(body)
}

func (o *testOrigin) set(body []byte, etag string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.body, o.etag = body, etag
}

func (o *testOrigin) setStatus(code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = code
}

func (o *testOrigin) counts() (requests, conditional int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests, o.conditional
}

func (o *testOrigin) client(t *testing.T) *origin.Client {
	t.Helper()
	c, err := origin.New(config.OriginConfig{
		URL:          o.srv.URL + "/download/qrank.csv.gz",
		FetchTimeout: 5 * time.Second,
	}, "test")
	if err != nil {
		t.Fatalf("origin.New: %v", err)
	}
	return c
}

// fixture wires a Coordinator to a real store and cache.
type fixture struct {
	store *store.Store
	cache *cache.Cache
	coord *Coordinator
}

func newFixture(t *testing.T, f Fetcher, opts ...Option) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	c := cache.New()
	coord, err := NewCoordinator(f, st, c, opts...)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return &fixture{store: st, cache: c, coord: coord}
}

// fakeOrigin is a Fetcher with scripted replies that can be held mid-fetch.
type fakeOrigin struct {
	respond func(token string, force bool) (*origin.Download, error)

	// When gate is non-nil Fetch signals entered and blocks until gate is closed.
	gate    chan struct{}
	entered chan struct{}

	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeOrigin) Fetch(ctx context.Context, token string, force bool) (*origin.Download, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.respond(token, force)
}

func updated(body []byte, etag string) func(string, bool) (*origin.Download, error) {
	return func(string, bool) (*origin.Download, error) {
		return &origin.Download{
			Token:         etag,
			ContentLength: int64(len(body)),
			Body:          io.NopCloser(bytes.NewReader(body)),
		}, nil
	}
}

func unchanged(token string, _ bool) (*origin.Download, error) {
	return &origin.Download{Unchanged: true, Token: token, ContentLength: -1}, nil
}

// recorder is an Observer that keeps every result.
type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) ObserveRefresh(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}
