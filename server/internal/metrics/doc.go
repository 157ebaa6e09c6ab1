// Package metrics defines the Prometheus collectors exported on /metrics.
//
// New(reg) registers every collector on reg; a nil *Metrics is valid and
// turns every Observe call into a no-op, so components can be built without
// metrics in tests.
package metrics
