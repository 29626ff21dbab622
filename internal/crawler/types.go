package crawler

import (
	"net/http"
	"time"
)

// Status represents the lifecycle state of one identity's pipeline.
type Status string

// Pipeline status values persisted in the state store.
const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	// StatusUnknown is reported when the backing store could not be read. It
	// is never written.
	StatusUnknown Status = "unknown"
)

// Live reports whether the status claims that an engine process is active.
func (s Status) Live() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusPaused, StatusStopping:
		return true
	default:
		return false
	}
}

// Reasons attached to terminal status writes.
const (
	ReasonCompleted          = "completed"
	ReasonScheduledCompleted = "scheduled_completed"
	ReasonUserStopped        = "user_stopped"
	ReasonTooManyErrors      = "too_many_errors"
	ReasonProcessExited      = "process_exited"
	// ReasonIncomplete marks a run that drained its queue while at least one
	// section aborted before reaching its end.
	ReasonIncomplete         = "sections_incomplete"
)

// PipelineState is the durable per-identity status record.
type PipelineState struct {
	Identity       string     `json:"identity"`
	Status         Status     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	Error          string     `json:"error,omitempty"`
	Paused         bool       `json:"paused"`
	Version        int64      `json:"version"`
	PID            int        `json:"pid,omitempty"`
	CurrentSection string     `json:"current_section,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	Recurring      bool       `json:"recurring"`
	LastRescanAt   *time.Time `json:"last_rescan_at,omitempty"`
}

// StatusDetails carries the optional fields of a status write. Reason and
// Error replace the stored values; the remaining fields are only written when
// set.
type StatusDetails struct {
	Reason    string
	Error     string
	PID       int
	Section   string
	StartedAt time.Time
	StoppedAt time.Time
}

// Checkpoint records pagination progress for one section.
type Checkpoint struct {
	Section    string `json:"section"`
	LastOffset int    `json:"last_offset"`
	Complete   bool   `json:"complete"`
}

// LinkRecord describes one discovered detail page awaiting fetch.
type LinkRecord struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Section     string            `json:"section"`
	CollectedAt time.Time         `json:"collected_at"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Field returns an adapter-specific field or "".
func (l LinkRecord) Field(key string) string {
	if l.Fields == nil {
		return ""
	}
	return l.Fields[key]
}

// ErrorEntry is one record of the bounded error ring.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	URL       string    `json:"url"`
	Message   string    `json:"message"`
}

// DateRange bounds the publish dates seen in a corpus.
type DateRange struct {
	Earliest string `json:"earliest,omitempty"`
	Latest   string `json:"latest,omitempty"`
}

// StatsSnapshot is the derived, cacheable summary of an identity's corpus.
type StatsSnapshot struct {
	TotalItems   int64            `json:"total_items"`
	Categories   map[string]int64 `json:"categories"`
	DateRange    DateRange        `json:"date_range"`
	FileCount    int64            `json:"file_count"`
	FileTypes    map[string]int64 `json:"file_types"`
	CrawledCount int64            `json:"crawled_count"`
	VisitedURLs  int64            `json:"visited_urls"`
	LastUpdate   *time.Time       `json:"last_update,omitempty"`
}

// Trivial reports whether the snapshot carries no corpus data worth caching.
func (s StatsSnapshot) Trivial() bool {
	return s.TotalItems <= 0
}

// Document is one persisted record of the output corpus.
type Document struct {
	ItemID      uint64         `json:"item_id"`
	Title       string         `json:"title"`
	PublishDate string         `json:"publish_date"`
	URL         string         `json:"url"`
	Data        map[string]any `json:"data"`
}

// AttachmentRef points at a downloadable file discovered on a detail page.
type AttachmentRef struct {
	URL  string
	Name string
}

// FetchRequest describes a single HTTP fetch.
type FetchRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// FetchResponse captures the result of a fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
