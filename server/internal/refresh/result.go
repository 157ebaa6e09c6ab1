package refresh

import (
	"errors"
	"time"

	"github.com/qrankd/qrankd/server/internal/rank"
)

// Outcome tags the result of a refresh.
type Outcome int

const (
	// NewMapping means a new dataset was downloaded, loaded and published.
	NewMapping Outcome = iota + 1
	// NoChange means the origin confirmed the stored dataset is current.
	NoChange
	// Busy means another refresh held the slot for the whole wait.
	Busy
	// Failed means the refresh ran and did not produce a mapping. Result.Err
	// says why.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NewMapping:
		return "new_mapping"
	case NoChange:
		return "no_change"
	case Busy:
		return "busy"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome as its snake_case name in JSON.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Trigger names what started a refresh.
type Trigger string

const (
	TriggerBootstrap Trigger = "bootstrap"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Reasons wrapped by Result.Err when Outcome is Failed.
var (
	ErrTransport = errors.New("refresh: origin transport failure")
	ErrStore     = errors.New("refresh: artifact store failure")
	ErrCorrupt   = errors.New("refresh: downloaded artifact cannot be loaded")
	ErrInternal  = errors.New("refresh: internal fault")
)

// Result describes one call to Coordinator.Refresh.
type Result struct {
	ID        string
	Trigger   Trigger
	Force     bool
	Outcome   Outcome
	Mapping   *rank.Mapping // set for NewMapping
	Err       error         // set for Failed
	Written   int64         // artifact bytes written to disk
	StartedAt time.Time
	Duration  time.Duration
}

// Updated reports whether the refresh published a new mapping.
func (r Result) Updated() bool { return r.Outcome == NewMapping }
