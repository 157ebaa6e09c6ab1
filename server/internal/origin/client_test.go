package origin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/qrankd/qrankd/server/internal/config"
)

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(config.OriginConfig{
		URL:          url,
		FetchTimeout: 5 * time.Second,
		RetryMax:     0,
	}, "1.2.3")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RejectsNonHTTPScheme(t *testing.T) {
	for _, u := range []string{"ftp://example.org/x", "file:///tmp/x", "example.org/x"} {
		if _, err := New(config.OriginConfig{URL: u}, "dev"); err == nil {
			t.Errorf("New(%q): expected error, got nil", u)
		}
	}
}

func TestFetch_Full(t *testing.T) {
	var gotUA, gotINM string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotINM = r.Header.Get("If-None-Match")
		w.Header().Set("ETag", `"abc"`)
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	dl, err := newClient(t, srv.URL).Fetch(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer dl.Body.Close()

	if dl.Unchanged {
		t.Error("Unchanged: got true, want false")
	}
	if dl.Token != `"abc"` {
		t.Errorf("Token: got %q, want \"abc\"", dl.Token)
	}
	body, err := io.ReadAll(dl.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("body: got %q, want payload", body)
	}
	if gotUA != "qrankd/1.2.3" {
		t.Errorf("User-Agent: got %q, want qrankd/1.2.3", gotUA)
	}
	if gotINM != "" {
		t.Errorf("If-None-Match: got %q, want none without a token", gotINM)
	}
}

func TestFetch_NotModified(t *testing.T) {
	var gotINM string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotINM = r.Header.Get("If-None-Match")
		if gotINM == "abc" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", "abc")
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	dl, err := newClient(t, srv.URL).Fetch(context.Background(), "abc", false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !dl.Unchanged {
		t.Fatal("Unchanged: got false, want true")
	}
	if dl.Body != nil {
		t.Error("Body: got non-nil for 304")
	}
	if dl.Token != "abc" {
		t.Errorf("Token: got %q, want abc", dl.Token)
	}
	if gotINM != "abc" {
		t.Errorf("If-None-Match: got %q, want abc", gotINM)
	}
}

func TestFetch_ForceOmitsConditionalHeader(t *testing.T) {
	var gotINM string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotINM = r.Header.Get("If-None-Match")
		w.Header().Set("ETag", "abc")
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	dl, err := newClient(t, srv.URL).Fetch(context.Background(), "abc", true)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	dl.Body.Close()
	if gotINM != "" {
		t.Errorf("If-None-Match: got %q, want none when forced", gotINM)
	}
	if dl.Unchanged {
		t.Error("Unchanged: got true on forced fetch")
	}
}

func TestFetch_MissingETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	dl, err := newClient(t, srv.URL).Fetch(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	dl.Body.Close()
	if dl.Token != "" {
		t.Errorf("Token: got %q, want empty", dl.Token)
	}
}

func TestFetch_UnexpectedStatus(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		_, err := newClient(t, srv.URL).Fetch(context.Background(), "abc", false)
		srv.Close()

		if !errors.Is(err, ErrTransport) {
			t.Errorf("status %d: got %v, want ErrTransport", code, err)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Code != code {
			t.Errorf("status %d: StatusError not found in %v", code, err)
		}
	}
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("ETag", "abc")
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	c, err := New(config.OriginConfig{
		URL:          srv.URL,
		FetchTimeout: 5 * time.Second,
		RetryMax:     3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, "dev")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dl, err := c.Fetch(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	dl.Body.Close()
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestFetch_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).Fetch(context.Background(), "", false)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("got %v, want ErrTransport", err)
	}
}

func TestFetch_TruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", "abc")
		w.Header().Set("Content-Length", "1000")
		_, _ = io.WriteString(w, strings.Repeat("x", 10))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	dl, err := newClient(t, srv.URL).Fetch(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer dl.Body.Close()

	_, err = io.ReadAll(dl.Body)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("read: got %v, want ErrTransport", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("read: got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestFetch_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newClient(t, srv.URL).Fetch(ctx, "", false)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("got %v, want ErrTransport", err)
	}
}
