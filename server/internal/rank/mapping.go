package rank

import (
	"sync/atomic"
	"time"
)

// generation is the process-wide counter stamped on each new Mapping.
var generation atomic.Uint64

// Mapping is an immutable snapshot of entity ID to rank.
type Mapping struct {
	ranks      map[string]uint64
	token      string
	loadedAt   time.Time
	generation uint64
}

// NewMapping wraps ranks in a Mapping. The caller must not modify ranks after
// the call.
func NewMapping(ranks map[string]uint64, token string, loadedAt time.Time) *Mapping {
	if ranks == nil {
		ranks = make(map[string]uint64)
	}
	return &Mapping{
		ranks:      ranks,
		token:      token,
		loadedAt:   loadedAt,
		generation: generation.Add(1),
	}
}

// Get returns the rank for id and whether it is present.
func (m *Mapping) Get(id string) (uint64, bool) {
	if m == nil {
		return 0, false
	}
	r, ok := m.ranks[id]
	return r, ok
}

// Len returns the number of entities in the mapping.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.ranks)
}

// Token returns the validation token the artifact carried when it was loaded.
// Empty if unknown.
func (m *Mapping) Token() string { return m.token }

// LoadedAt returns when the mapping was built.
func (m *Mapping) LoadedAt() time.Time { return m.loadedAt }

// Generation returns the mapping's position in load order. Mappings built
// later in the process always have a larger generation.
func (m *Mapping) Generation() uint64 { return m.generation }
