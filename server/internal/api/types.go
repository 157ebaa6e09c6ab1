package api

// RefreshResponse is the payload for PUT /refresh.
type RefreshResponse struct {
	Success bool   `json:"success"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse is the payload for GET /status and the data of every
// WebSocket status message.
type StatusResponse struct {
	Ready             bool              `json:"ready"`
	Entries           int               `json:"entries"`
	ETag              string            `json:"etag"`
	Generation        uint64            `json:"generation"`
	LoadedAt          string            `json:"loaded_at,omitempty"` // RFC3339
	RefreshInProgress bool              `json:"refresh_in_progress"`
	LastRefresh       *RefreshSummary   `json:"last_refresh,omitempty"`
	FailureStreak     int               `json:"failure_streak"`
	AlertFiring       bool              `json:"alert_firing"`
	NextRefresh       string            `json:"next_refresh,omitempty"` // RFC3339
	RefreshInterval   string            `json:"refresh_interval,omitempty"`
	Artifact          *ArtifactResponse `json:"artifact,omitempty"`
	GeneratedAt       string            `json:"generated_at"` // RFC3339
}

// RefreshSummary describes the most recent refresh that ran.
type RefreshSummary struct {
	ID         string `json:"id"`
	Trigger    string `json:"trigger"`
	Force      bool   `json:"force"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"` // RFC3339
	DurationMs int64  `json:"duration_ms"`
	Bytes      int64  `json:"bytes,omitempty"`
}

// ArtifactResponse describes the dataset file on disk.
type ArtifactResponse struct {
	Path      string `json:"path"`
	ETag      string `json:"etag"`
	Size      int64  `json:"size,omitempty"`
	XXHash    string `json:"xxhash,omitempty"`
	FetchedAt string `json:"fetched_at,omitempty"`
}

// HealthResponse is the payload for GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"` // "ok" | "unavailable"
	Entries int    `json:"entries"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
