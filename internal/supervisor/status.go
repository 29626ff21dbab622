package supervisor

import (
	"context"
	"time"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/state"
)

// Status is the merged process and stored view of one identity.
type Status struct {
	Identity string         `json:"identity"`
	Status   crawler.Status `json:"status"`
	// StoredStatus is the raw status before the dead-process override.
	StoredStatus   crawler.Status       `json:"stored_status"`
	Alive          bool                 `json:"alive"`
	PID            int                  `json:"pid,omitempty"`
	ExitCode       *int                 `json:"exit_code,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	Error          string               `json:"error,omitempty"`
	Paused         bool                 `json:"paused"`
	Recurring      bool                 `json:"recurring"`
	LastRescanAt   *time.Time           `json:"last_rescan_at,omitempty"`
	Version        int64                `json:"version"`
	LastUpdate     *time.Time           `json:"last_update,omitempty"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	StoppedAt      *time.Time           `json:"stopped_at,omitempty"`
	CurrentSection string               `json:"current_section,omitempty"`
	LinksCollected int64                `json:"links_collected"`
	CrawledCount   int64                `json:"crawled_count"`
	DetailsDone    int64                `json:"details_crawled"`
	PendingLinks   int64                `json:"pending_links"`
	ErrorCount     int64                `json:"error_count"`
	Checkpoints    []crawler.Checkpoint `json:"checkpoints,omitempty"`
}

// Describe reads identity's stored status and counters without any process
// information. The status CLI uses it directly against the shared store.
func Describe(ctx context.Context, client *state.Client) Status {
	st := client.State(ctx)
	return Status{
		Identity:       client.Identity(),
		Status:         st.Status,
		StoredStatus:   st.Status,
		PID:            st.PID,
		Reason:         st.Reason,
		Error:          st.Error,
		Paused:         st.Paused,
		Recurring:      st.Recurring,
		LastRescanAt:   st.LastRescanAt,
		Version:        st.Version,
		LastUpdate:     st.UpdatedAt,
		StartedAt:      st.StartedAt,
		StoppedAt:      st.StoppedAt,
		CurrentSection: st.CurrentSection,
		LinksCollected: client.VisitedCount(ctx),
		CrawledCount:   client.CrawledCount(ctx),
		DetailsDone:    client.DetailsCrawled(ctx),
		PendingLinks:   client.QueueSize(ctx),
		ErrorCount:     client.ErrorCount(ctx),
		Checkpoints:    client.Checkpoints(ctx),
	}
}
