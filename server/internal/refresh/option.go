package refresh

import (
	"fmt"

	"github.com/qrankd/qrankd/server/internal/metrics"
	"github.com/qrankd/qrankd/server/internal/rank"
)

// LoadFunc builds a mapping from the artifact at path.
type LoadFunc func(path, token string) (*rank.Mapping, error)

type options struct {
	load      LoadFunc
	metrics   *metrics.Metrics
	observers []Observer
}

// Option is a function that sets a value in options.
type Option func(*options) error

// getOpts creates options and applies Options to it.
func getOpts(opts []Option) (options, error) {
	cfg := options{
		load: rank.Load,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return options{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithLoader replaces rank.Load as the artifact loader.
func WithLoader(fn LoadFunc) Option {
	return func(cfg *options) error {
		if fn == nil {
			return fmt.Errorf("nil loader")
		}
		cfg.load = fn
		return nil
	}
}

// WithMetrics records every refresh in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *options) error {
		cfg.metrics = m
		return nil
	}
}

// WithObserver adds an observer that is told about every completed refresh.
func WithObserver(o Observer) Option {
	return func(cfg *options) error {
		if o != nil {
			cfg.observers = append(cfg.observers, o)
		}
		return nil
	}
}
