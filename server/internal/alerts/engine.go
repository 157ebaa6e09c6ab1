package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/qrankd/qrankd/server/internal/config"
	"github.com/qrankd/qrankd/server/internal/refresh"
)

const (
	maxHistoryLen = 50
	ruleName      = "refresh_failing"
)

// Alert is one notification about the refresh failure streak.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Failures   int        `json:"failures"`
	LastError  string     `json:"last_error,omitempty"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
}

// Engine watches refresh results and delivers webhook notifications when
// refreshes keep failing and again when one succeeds.
//
// Engine is safe for concurrent use.
type Engine struct {
	threshold int
	cooldown  time.Duration
	webhooks  []config.WebhookConfig
	client    *http.Client
	now       func() time.Time // injectable for deterministic tests

	mu       sync.Mutex
	failures int       // consecutive failed refreshes
	active   *Alert    // nil while refreshes succeed
	lastFire time.Time // for cooldown
	history  []*Alert  // resolved alerts, oldest first
	pending  []*Alert  // queued for delivery, in order
	draining bool      // a drain goroutine is running

	inflight sync.WaitGroup
}

// New creates an Engine from the alert configuration. An Engine without
// webhooks still tracks alerts but delivers nothing.
func New(cfg config.AlertsConfig) *Engine {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = config.DefaultFailureThreshold
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = slog.Default()
	client := rc.StandardClient()
	client.Timeout = 30 * time.Second

	return &Engine{
		threshold: threshold,
		cooldown:  cfg.Cooldown,
		webhooks:  cfg.Webhooks,
		client:    client,
		now:       time.Now,
	}
}

// ObserveRefresh implements refresh.Observer. Failed results extend the
// failure streak; NewMapping and NoChange end it. Busy results say nothing
// about the origin and are ignored.
func (e *Engine) ObserveRefresh(res refresh.Result) {
	switch res.Outcome {
	case refresh.Failed:
		e.failed(res)
	case refresh.NewMapping, refresh.NoChange:
		e.recovered(res)
	}
}

func (e *Engine) failed(res refresh.Result) {
	now := e.now()
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}

	e.mu.Lock()
	e.failures++
	n := e.failures
	if n < e.threshold || (e.active != nil && now.Sub(e.lastFire) < e.cooldown) {
		e.mu.Unlock()
		return
	}
	sev := "warning"
	if n >= 2*e.threshold {
		sev = "critical"
	}
	a := &Alert{
		ID:        fmt.Sprintf("%s:%d", ruleName, now.UnixNano()),
		RuleName:  ruleName,
		Severity:  sev,
		Message:   fmt.Sprintf("qrankd: %d consecutive refreshes failed, serving the last good mapping. Last error: %s", n, errText),
		Failures:  n,
		LastError: errText,
		FiredAt:   now,
		State:     "firing",
	}
	e.active = a
	e.lastFire = now
	e.enqueue(*a)
	e.mu.Unlock()

	slog.Warn("alerts: refresh failure alert fired", "failures", n, "severity", sev, "err", errText)
}

func (e *Engine) recovered(res refresh.Result) {
	now := e.now()

	e.mu.Lock()
	e.failures = 0
	a := e.active
	if a == nil {
		e.mu.Unlock()
		return
	}
	resolved := now
	a.State = "resolved"
	a.ResolvedAt = &resolved
	a.Message = fmt.Sprintf("qrankd: refresh succeeded again (%s)", res.Outcome)
	e.active = nil
	e.lastFire = time.Time{}

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
	e.enqueue(*a)
	e.mu.Unlock()

	slog.Info("alerts: refresh failure alert resolved", "outcome", res.Outcome.String())
}

// enqueue schedules a for delivery after every alert queued before it. The
// caller holds e.mu, so queue order is the order of state transitions.
func (e *Engine) enqueue(a Alert) {
	if len(e.webhooks) == 0 {
		return
	}
	e.inflight.Add(1)
	e.pending = append(e.pending, &a)
	if !e.draining {
		e.draining = true
		go e.drain()
	}
}

// drain delivers queued alerts one at a time and exits once the queue is
// empty. At most one drain goroutine runs.
func (e *Engine) drain() {
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		a := e.pending[0]
		e.pending[0] = nil
		e.pending = e.pending[1:]
		e.mu.Unlock()

		e.deliver(a)
		e.inflight.Done()
	}
}

// Wait blocks until every queued webhook delivery has finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Failures returns the length of the current failure streak.
func (e *Engine) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Active returns a copy of the firing alert followed by recently resolved
// alerts, newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Alert, 0, len(e.history)+1)
	if e.active != nil {
		cp := *e.active
		out = append(out, &cp)
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		cp := *e.history[i]
		out = append(out, &cp)
	}
	return out
}
