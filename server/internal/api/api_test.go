package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/qrankd/qrankd/server/internal/alerts"
	"github.com/qrankd/qrankd/server/internal/api"
	"github.com/qrankd/qrankd/server/internal/cache"
	"github.com/qrankd/qrankd/server/internal/config"
	"github.com/qrankd/qrankd/server/internal/metrics"
	"github.com/qrankd/qrankd/server/internal/rank"
	"github.com/qrankd/qrankd/server/internal/refresh"
	"github.com/qrankd/qrankd/server/internal/store"
)

// --- test helpers -----------------------------------------------------------

// fakeRefresher records calls and replies with a scripted result.
type fakeRefresher struct {
	mu       sync.Mutex
	result   refresh.Result
	last     *refresh.Result
	running  bool
	calls    int
	force    bool
	trigger  refresh.Trigger
	timeout  time.Duration
	ctxAlive bool
}

func (f *fakeRefresher) Refresh(ctx context.Context, trigger refresh.Trigger, force bool, timeout time.Duration) refresh.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.trigger, f.force, f.timeout = trigger, force, timeout
	f.ctxAlive = ctx.Err() == nil
	return f.result
}

func (f *fakeRefresher) Last() (refresh.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return refresh.Result{}, false
	}
	return *f.last, true
}

func (f *fakeRefresher) InProgress() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeSchedule struct {
	next     time.Time
	interval time.Duration
}

func (s fakeSchedule) Next() time.Time         { return s.next }
func (s fakeSchedule) Interval() time.Duration { return s.interval }

func publishedCache(ranks map[string]uint64, token string) *cache.Cache {
	c := cache.New()
	c.Publish(rank.NewMapping(ranks, token, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	return c
}

func newHandler(c *cache.Cache, r api.Refresher) *api.Handler {
	return api.New(api.Deps{Cache: c, Refresher: r, ManualTimeout: 10 * time.Second})
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- /get -------------------------------------------------------------------

func TestGet_KnownAndUnknownIDs(t *testing.T) {
	h := newHandler(publishedCache(map[string]uint64{"Q1": 5, "Q2": 10}, "abc"), &fakeRefresher{})
	rr := do(t, h, http.MethodGet, "/get?qid=Q1&qid=Q3")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
	var got map[string]uint64
	decode(t, rr, &got)
	if want := map[string]uint64{"Q1": 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("body: got %v, want %v", got, want)
	}
}

func TestGet_CommaSeparated(t *testing.T) {
	h := newHandler(publishedCache(map[string]uint64{"Q1": 5, "Q2": 10, "Q3": 1}, "abc"), &fakeRefresher{})
	rr := do(t, h, http.MethodGet, "/get?qid=Q1,%20Q2,,&qid=Q3")

	var got map[string]uint64
	decode(t, rr, &got)
	if want := map[string]uint64{"Q1": 5, "Q2": 10, "Q3": 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("body: got %v, want %v", got, want)
	}
}

func TestGet_NoIDsIsEmptyObject(t *testing.T) {
	h := newHandler(publishedCache(map[string]uint64{"Q1": 5}, "abc"), &fakeRefresher{})
	rr := do(t, h, http.MethodGet, "/get")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "{}" {
		t.Errorf("body: got %s, want {}", body)
	}
}

func TestGet_BeforePublish(t *testing.T) {
	h := newHandler(cache.New(), &fakeRefresher{})
	rr := do(t, h, http.MethodGet, "/get?qid=Q1")
	if body := strings.TrimSpace(rr.Body.String()); body != "{}" {
		t.Errorf("body: got %s, want {}", body)
	}
}

func TestGet_MethodNotAllowed(t *testing.T) {
	h := newHandler(cache.New(), &fakeRefresher{})
	if rr := do(t, h, http.MethodPost, "/get?qid=Q1"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

func TestGet_RecordsLookupMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := api.New(api.Deps{
		Cache:     publishedCache(map[string]uint64{"Q1": 5}, "abc"),
		Refresher: &fakeRefresher{},
		Metrics:   metrics.New(reg),
	})
	do(t, h, http.MethodGet, "/get?qid=Q1&qid=Q2")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "qrankd_lookup_requests_total" {
			found = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("lookup_requests_total: got %v, want 1", v)
			}
		}
	}
	if !found {
		t.Error("qrankd_lookup_requests_total not exported")
	}
}

// --- /refresh ---------------------------------------------------------------

func TestRefresh_Success(t *testing.T) {
	f := &fakeRefresher{result: refresh.Result{Outcome: refresh.NewMapping}}
	h := newHandler(cache.New(), f)
	rr := do(t, h, http.MethodPut, "/refresh")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.RefreshResponse
	decode(t, rr, &resp)
	if !resp.Success || resp.Outcome != "new_mapping" || resp.Error != "" {
		t.Errorf("body: got %+v, want success new_mapping", resp)
	}
	if f.trigger != refresh.TriggerManual || f.force {
		t.Errorf("call: got trigger %s force %v, want manual unforced", f.trigger, f.force)
	}
	if f.timeout != 10*time.Second {
		t.Errorf("timeout: got %v, want 10s", f.timeout)
	}
	if !f.ctxAlive {
		t.Error("refresh context already done")
	}
}

func TestRefresh_Force(t *testing.T) {
	f := &fakeRefresher{result: refresh.Result{Outcome: refresh.NewMapping}}
	h := newHandler(cache.New(), f)
	do(t, h, http.MethodPut, "/refresh?force=true")
	if !f.force {
		t.Error("force: got false, want true")
	}
}

func TestRefresh_ForceOnlyForTrue(t *testing.T) {
	for q, want := range map[string]bool{
		"?force=true":  true,
		"?force=yes":   false,
		"?force=1":     false,
		"?force=TRUE":  false,
		"?force=false": false,
		"":             false,
	} {
		f := &fakeRefresher{result: refresh.Result{Outcome: refresh.NoChange}}
		rr := do(t, newHandler(cache.New(), f), http.MethodPut, "/refresh"+q)
		if rr.Code != http.StatusOK {
			t.Errorf("%q: status got %d, want 200", q, rr.Code)
		}
		if f.calls != 1 || f.force != want {
			t.Errorf("%q: calls=%d force=%v, want 1 call with force=%v", q, f.calls, f.force, want)
		}
	}
}

func TestRefresh_NotUpdated(t *testing.T) {
	cases := []struct {
		result  refresh.Result
		outcome string
		errText string
	}{
		{refresh.Result{Outcome: refresh.NoChange}, "no_change", ""},
		{refresh.Result{Outcome: refresh.Busy}, "busy", ""},
		{refresh.Result{Outcome: refresh.Failed, Err: fmt.Errorf("%w: boom", refresh.ErrTransport)}, "failed", "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.outcome, func(t *testing.T) {
			h := newHandler(cache.New(), &fakeRefresher{result: tc.result})
			rr := do(t, h, http.MethodPut, "/refresh")
			if rr.Code != http.StatusOK {
				t.Fatalf("status: got %d, want 200", rr.Code)
			}
			var resp api.RefreshResponse
			decode(t, rr, &resp)
			if resp.Success {
				t.Error("success: got true, want false")
			}
			if resp.Outcome != tc.outcome {
				t.Errorf("outcome: got %q, want %q", resp.Outcome, tc.outcome)
			}
			if !strings.Contains(resp.Error, tc.errText) || (tc.errText == "") != (resp.Error == "") {
				t.Errorf("error: got %q, want containing %q", resp.Error, tc.errText)
			}
		})
	}
}

func TestRefresh_MethodNotAllowed(t *testing.T) {
	f := &fakeRefresher{}
	h := newHandler(cache.New(), f)
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		if rr := do(t, h, m, "/refresh"); rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: got %d, want 405", m, rr.Code)
		}
	}
	if f.calls != 0 {
		t.Errorf("refresh calls: got %d, want 0", f.calls)
	}
}

// --- /status ----------------------------------------------------------------

func TestStatus_Full(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if _, err := st.Write(strings.NewReader("artifact"), "abc"); err != nil {
		t.Fatalf("store.Write: %v", err)
	}

	started := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	f := &fakeRefresher{
		running: true,
		last: &refresh.Result{
			ID: "r1", Trigger: refresh.TriggerScheduled, Outcome: refresh.Failed,
			Err: errors.New("boom"), StartedAt: started, Duration: 1500 * time.Millisecond,
		},
	}
	next := time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
	h := api.New(api.Deps{
		Cache:     publishedCache(map[string]uint64{"Q1": 5, "Q2": 10}, "abc"),
		Refresher: f,
		Schedule:  fakeSchedule{next: next, interval: time.Hour},
		Artifact:  st,
	})

	rr := do(t, h, http.MethodGet, "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.StatusResponse
	decode(t, rr, &resp)

	if !resp.Ready || resp.Entries != 2 || resp.ETag != "abc" {
		t.Errorf("mapping: got ready=%v entries=%d etag=%q", resp.Ready, resp.Entries, resp.ETag)
	}
	if resp.LoadedAt != "2026-01-02T03:04:05Z" {
		t.Errorf("loaded_at: got %q", resp.LoadedAt)
	}
	if !resp.RefreshInProgress {
		t.Error("refresh_in_progress: got false, want true")
	}
	if resp.LastRefresh == nil || resp.LastRefresh.Outcome != "failed" || resp.LastRefresh.Error != "boom" ||
		resp.LastRefresh.DurationMs != 1500 || resp.LastRefresh.Trigger != "scheduled" {
		t.Errorf("last_refresh: got %+v", resp.LastRefresh)
	}
	if resp.NextRefresh != "2026-01-02T04:00:00Z" || resp.RefreshInterval != "1h0m0s" {
		t.Errorf("schedule: got next=%q interval=%q", resp.NextRefresh, resp.RefreshInterval)
	}
	if resp.Artifact == nil || resp.Artifact.ETag != "abc" || resp.Artifact.Size != int64(len("artifact")) {
		t.Errorf("artifact: got %+v", resp.Artifact)
	}
	if resp.Artifact != nil && resp.Artifact.Path != st.ArtifactPath() {
		t.Errorf("artifact path: got %q, want %q", resp.Artifact.Path, st.ArtifactPath())
	}
}

func TestStatus_BeforeAnything(t *testing.T) {
	h := newHandler(cache.New(), &fakeRefresher{})
	var resp api.StatusResponse
	decode(t, do(t, h, http.MethodGet, "/status"), &resp)

	if resp.Ready || resp.Entries != 0 || resp.LastRefresh != nil || resp.Artifact != nil {
		t.Errorf("got %+v, want empty status", resp)
	}
	if resp.GeneratedAt == "" {
		t.Error("generated_at: empty")
	}
}

// --- /healthz ---------------------------------------------------------------

func TestHealthz(t *testing.T) {
	c := cache.New()
	h := newHandler(c, &fakeRefresher{})

	if rr := do(t, h, http.MethodGet, "/healthz"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("before publish: got %d, want 503", rr.Code)
	}

	c.Publish(rank.NewMapping(map[string]uint64{"Q1": 1}, "abc", time.Now()))
	rr := do(t, h, http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("after publish: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" || resp.Entries != 1 {
		t.Errorf("body: got %+v, want ok/1", resp)
	}
}

// --- /alerts ----------------------------------------------------------------

type fakeAlerts struct {
	active   []*alerts.Alert
	failures int
}

func (f fakeAlerts) Active() []*alerts.Alert { return f.active }
func (f fakeAlerts) Failures() int            { return f.failures }

func TestAlerts_ListAndStatus(t *testing.T) {
	src := fakeAlerts{
		failures: 4,
		active: []*alerts.Alert{
			{ID: "a2", RuleName: "refresh_failing", State: "firing", Failures: 4},
			{ID: "a1", RuleName: "refresh_failing", State: "resolved", Failures: 3},
		},
	}
	h := api.New(api.Deps{Cache: cache.New(), Refresher: &fakeRefresher{}, Alerts: src})

	rr := do(t, h, http.MethodGet, "/alerts")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var list []alerts.Alert
	decode(t, rr, &list)
	if len(list) != 2 || list[0].ID != "a2" || list[0].State != "firing" {
		t.Errorf("alerts: got %+v", list)
	}

	var st api.StatusResponse
	decode(t, do(t, h, http.MethodGet, "/status"), &st)
	if st.FailureStreak != 4 || !st.AlertFiring {
		t.Errorf("status: got failure_streak=%d alert_firing=%v, want 4/true", st.FailureStreak, st.AlertFiring)
	}
}

func TestAlerts_EmptyWithoutSource(t *testing.T) {
	h := newHandler(cache.New(), &fakeRefresher{})
	rr := do(t, h, http.MethodGet, "/alerts")
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body: got %s, want []", body)
	}
	if rr := do(t, h, http.MethodPost, "/alerts"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: got %d, want 405", rr.Code)
	}
}

func TestAlerts_FromEngine(t *testing.T) {
	eng := alerts.New(config.AlertsConfig{FailureThreshold: 1, Cooldown: time.Hour})
	eng.ObserveRefresh(refresh.Result{Outcome: refresh.Failed, Err: errors.New("origin down")})
	h := api.New(api.Deps{Cache: cache.New(), Refresher: &fakeRefresher{}, Alerts: eng})

	var list []alerts.Alert
	decode(t, do(t, h, http.MethodGet, "/alerts"), &list)
	if len(list) != 1 || list[0].LastError != "origin down" {
		t.Errorf("alerts: got %+v", list)
	}
}
