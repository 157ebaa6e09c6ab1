package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/qrankd/qrankd/server/internal/metrics"
	"github.com/qrankd/qrankd/server/internal/origin"
	"github.com/qrankd/qrankd/server/internal/rank"
	"github.com/qrankd/qrankd/server/internal/store"
)

// Fetcher downloads the dataset from the origin.
type Fetcher interface {
	Fetch(ctx context.Context, token string, force bool) (*origin.Download, error)
}

// Dataset persists the downloaded artifact and its validation token.
type Dataset interface {
	ReadToken() (string, error)
	Write(r io.Reader, token string) (store.Written, error)
	ArtifactPath() string
}

// Publisher makes a freshly loaded mapping visible to readers.
type Publisher interface {
	Publish(*rank.Mapping)
}

// Observer is told about every refresh after the slot is released.
type Observer interface {
	ObserveRefresh(Result)
}

// Coordinator runs refreshes one at a time.
type Coordinator struct {
	slot      *semaphore.Weighted
	origin    Fetcher
	store     Dataset
	publisher Publisher
	load      LoadFunc
	metrics   *metrics.Metrics
	observers []Observer
	now       func() time.Time // injectable for deterministic tests

	running atomic.Bool

	mu   sync.Mutex
	last *Result // last result other than Busy
}

// NewCoordinator builds a Coordinator. Every successful refresh is published
// to pub.
func NewCoordinator(f Fetcher, ds Dataset, pub Publisher, opts ...Option) (*Coordinator, error) {
	o, err := getOpts(opts)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		slot:      semaphore.NewWeighted(1),
		origin:    f,
		store:     ds,
		publisher: pub,
		load:      o.load,
		metrics:   o.metrics,
		observers: o.observers,
		now:       time.Now,
	}, nil
}

// Refresh runs one refresh. It waits up to timeout for a refresh already in
// progress to finish and returns Busy if it does not; a timeout <= 0 waits
// until ctx is done. Refresh never panics and never returns an error: every
// failure is reported in the Result.
func (c *Coordinator) Refresh(ctx context.Context, trigger Trigger, force bool, timeout time.Duration) Result {
	res := Result{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Force:     force,
		StartedAt: c.now(),
	}
	log := slog.With("id", res.ID, "trigger", string(trigger), "force", force)

	acqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.slot.Acquire(acqCtx, 1); err != nil {
		if ctx.Err() != nil {
			res.Outcome = Failed
			res.Err = fmt.Errorf("%w: %w", ErrInternal, ctx.Err())
		} else {
			res.Outcome = Busy
		}
		return c.finish(log, res)
	}

	log.Info("refresh: started")
	c.running.Store(true)
	c.run(ctx, log, &res)
	c.running.Store(false)
	c.slot.Release(1)

	return c.finish(log, res)
}

// run is the critical section. The caller holds the slot.
func (c *Coordinator) run(ctx context.Context, log *slog.Logger, res *Result) {
	defer func() {
		if p := recover(); p != nil {
			res.Outcome = Failed
			res.Mapping = nil
			res.Err = fmt.Errorf("%w: panic: %v", ErrInternal, p)
		}
	}()

	var token string
	if !res.Force {
		var err error
		token, err = c.store.ReadToken()
		if err != nil {
			log.Warn("refresh: cannot read stored token, fetching in full", "err", err)
			token = ""
		}
	}

	dl, err := c.origin.Fetch(ctx, token, res.Force)
	if err != nil {
		res.Outcome = Failed
		res.Err = fmt.Errorf("%w: %w", ErrTransport, err)
		return
	}
	if dl.Unchanged {
		res.Outcome = NoChange
		return
	}
	defer dl.Body.Close()

	written, err := c.store.Write(dl.Body, dl.Token)
	res.Written = written.Size
	if err != nil {
		res.Outcome = Failed
		if errors.Is(err, origin.ErrTransport) {
			res.Err = fmt.Errorf("%w: %w", ErrTransport, err)
		} else {
			res.Err = fmt.Errorf("%w: %w", ErrStore, err)
		}
		return
	}

	m, err := c.load(c.store.ArtifactPath(), dl.Token)
	if err != nil {
		// The artifact was written a moment ago and cannot be read back.
		res.Outcome = Failed
		res.Err = fmt.Errorf("%w: %w", ErrCorrupt, err)
		return
	}

	c.publisher.Publish(m)
	res.Outcome = NewMapping
	res.Mapping = m
}

// finish logs, records and returns res.
func (c *Coordinator) finish(log *slog.Logger, res Result) Result {
	res.Duration = c.now().Sub(res.StartedAt)

	switch res.Outcome {
	case NewMapping:
		log.Info("refresh: published new mapping",
			"entries", res.Mapping.Len(),
			"generation", res.Mapping.Generation(),
			"etag", res.Mapping.Token(),
			"bytes", res.Written,
			"took", res.Duration,
		)
	case NoChange:
		log.Info("refresh: origin reports no change", "took", res.Duration)
	case Busy:
		log.Warn("refresh: another refresh is in progress, not updated", "waited", res.Duration)
	case Failed:
		log.Error("refresh: failed, keeping published mapping", "err", res.Err, "took", res.Duration)
	}

	c.metrics.ObserveRefresh(res.Outcome.String(), res.Duration, res.Written)

	if res.Outcome != Busy {
		c.mu.Lock()
		r := res
		c.last = &r
		c.mu.Unlock()
	}
	for _, o := range c.observers {
		o.ObserveRefresh(res)
	}
	return res
}

// Bootstrap publishes an initial mapping. The artifact already on disk is
// used if it loads; otherwise a forced refresh is run, waiting as long as ctx
// allows. An error means there is nothing to serve.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	if err := c.slot.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("refresh: bootstrap: %w", err)
	}
	token, err := c.store.ReadToken()
	if err != nil {
		slog.Warn("refresh: bootstrap cannot read stored token", "err", err)
	}
	m, err := c.load(c.store.ArtifactPath(), token)
	if err == nil {
		c.publisher.Publish(m)
	}
	c.slot.Release(1)

	switch {
	case err == nil:
		slog.Info("refresh: serving cached artifact",
			"entries", m.Len(), "etag", token, "path", c.store.ArtifactPath())
		return nil
	case errors.Is(err, rank.ErrAbsent):
		slog.Info("refresh: no cached artifact, downloading before serving")
	default:
		slog.Warn("refresh: cached artifact unreadable, downloading before serving", "err", err)
	}

	res := c.Refresh(ctx, TriggerBootstrap, true, 0)
	if !res.Updated() {
		if res.Err != nil {
			return fmt.Errorf("refresh: bootstrap: %w", res.Err)
		}
		return fmt.Errorf("refresh: bootstrap: outcome %s", res.Outcome)
	}
	return nil
}

// InProgress reports whether a refresh currently holds the slot.
func (c *Coordinator) InProgress() bool {
	return c.running.Load()
}

// Last returns the most recent refresh result other than Busy.
func (c *Coordinator) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}
