package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/qrankd/qrankd/server/internal/alerts"
	"github.com/qrankd/qrankd/server/internal/cache"
	"github.com/qrankd/qrankd/server/internal/metrics"
	"github.com/qrankd/qrankd/server/internal/refresh"
	"github.com/qrankd/qrankd/server/internal/store"
)

// Refresher runs and reports refreshes. *refresh.Coordinator satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, trigger refresh.Trigger, force bool, timeout time.Duration) refresh.Result
	Last() (refresh.Result, bool)
	InProgress() bool
}

// Schedule reports the scheduled refresh timing. *refresh.Scheduler satisfies it.
type Schedule interface {
	Next() time.Time
	Interval() time.Duration
}

// Artifact describes the dataset on disk. *store.Store satisfies it.
type Artifact interface {
	ArtifactPath() string
	Metadata() (store.Metadata, bool, error)
}

// AlertSource reports refresh failure alerts. *alerts.Engine satisfies it.
type AlertSource interface {
	Active() []*alerts.Alert
	Failures() int
}

// Deps are the components the API reads from. Cache and Refresher are
// required; the rest may be nil.
type Deps struct {
	Cache         *cache.Cache
	Refresher     Refresher
	Schedule      Schedule
	Artifact      Artifact
	Alerts        AlertSource
	Metrics       *metrics.Metrics
	ManualTimeout time.Duration
}

// Handler serves the query and control endpoints.
type Handler struct {
	deps Deps
	mux  *http.ServeMux
	now  func() time.Time
}

// New creates a Handler and registers all routes.
func New(d Deps) *Handler {
	h := &Handler{deps: d, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("/get", h.get)
	h.mux.HandleFunc("/refresh", h.refresh)
	h.mux.HandleFunc("/status", h.status)
	h.mux.HandleFunc("/healthz", h.healthz)
	h.mux.HandleFunc("/alerts", h.listAlerts)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// get returns GET /get?qid=Q1&qid=Q2 with the ranks of the known ids.
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ids := parseIDs(r.URL.Query()["qid"])
	found := h.deps.Cache.Lookup(ids)
	h.deps.Metrics.ObserveLookup(len(ids), len(found))
	jsonResp(w, http.StatusOK, found)
}

// refresh handles PUT /refresh[?force=true]. It blocks until the refresh
// finishes or the slot could not be obtained within the manual timeout.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Only the exact value "true" forces; anything else is a normal refresh.
	force := r.URL.Query().Get("force") == "true"

	// A client hanging up must not abort a download that is already under way.
	ctx := context.WithoutCancel(r.Context())
	res := h.deps.Refresher.Refresh(ctx, refresh.TriggerManual, force, h.deps.ManualTimeout)

	resp := RefreshResponse{Success: res.Updated(), Outcome: res.Outcome.String()}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	slog.Debug("api: manual refresh", "id", res.ID, "outcome", resp.Outcome, "remote", r.RemoteAddr)
	jsonResp(w, http.StatusOK, resp)
}

// status returns GET /status.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.Status())
}

// healthz returns 200 once a mapping is published and 503 before.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	m := h.deps.Cache.Current()
	if m == nil {
		jsonResp(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{Status: "ok", Entries: m.Len()})
}

// listAlerts returns GET /alerts: the firing alert, if any, then recently
// resolved ones, newest first.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out := []*alerts.Alert{}
	if h.deps.Alerts != nil {
		out = append(out, h.deps.Alerts.Active()...)
	}
	jsonResp(w, http.StatusOK, out)
}

// Status builds the status document. It is also used by the WebSocket hub.
func (h *Handler) Status() StatusResponse {
	resp := StatusResponse{
		RefreshInProgress: h.deps.Refresher.InProgress(),
		GeneratedAt:       h.now().UTC().Format(time.RFC3339),
	}

	if m := h.deps.Cache.Current(); m != nil {
		resp.Ready = true
		resp.Entries = m.Len()
		resp.ETag = m.Token()
		resp.Generation = m.Generation()
		resp.LoadedAt = m.LoadedAt().UTC().Format(time.RFC3339)
	}

	if last, ok := h.deps.Refresher.Last(); ok {
		resp.LastRefresh = toRefreshSummary(last)
	}

	if a := h.deps.Alerts; a != nil {
		resp.FailureStreak = a.Failures()
		for _, al := range a.Active() {
			if al.State == "firing" {
				resp.AlertFiring = true
			}
		}
	}

	if s := h.deps.Schedule; s != nil {
		if next := s.Next(); !next.IsZero() {
			resp.NextRefresh = next.UTC().Format(time.RFC3339)
		}
		resp.RefreshInterval = s.Interval().String()
	}

	if a := h.deps.Artifact; a != nil {
		meta, ok, err := a.Metadata()
		switch {
		case err != nil:
			slog.Warn("api: cannot read artifact metadata", "err", err)
		case ok:
			resp.Artifact = &ArtifactResponse{
				Path:      a.ArtifactPath(),
				ETag:      meta.ETag,
				Size:      meta.Size,
				XXHash:    meta.XXHash,
				FetchedAt: meta.FetchedAt,
			}
		}
	}

	return resp
}

// --- helpers ----------------------------------------------------------------

// parseIDs flattens repeated and comma-separated qid values, dropping blanks.
func parseIDs(values []string) []string {
	ids := make([]string, 0, len(values))
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func toRefreshSummary(r refresh.Result) *RefreshSummary {
	s := &RefreshSummary{
		ID:         r.ID,
		Trigger:    string(r.Trigger),
		Force:      r.Force,
		Outcome:    r.Outcome.String(),
		StartedAt:  r.StartedAt.UTC().Format(time.RFC3339),
		DurationMs: r.Duration.Milliseconds(),
		Bytes:      r.Written,
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
