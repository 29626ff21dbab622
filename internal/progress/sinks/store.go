package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/progress"
	"github.com/JakeFAU/govdoc-harvester/internal/state"
)

// ErrorRing is the slice of state.Backend the sink writes to.
type ErrorRing interface {
	PushError(ctx context.Context, identity string, entry crawler.ErrorEntry, keep int) (int64, error)
}

// ErrorRingSink pushes error-level events into the per-identity error ring,
// which also bumps the unbounded error counter.
type ErrorRingSink struct {
	ring ErrorRing
	keep int
}

// NewErrorRingSink keeps the newest keep entries per identity.
func NewErrorRingSink(ring ErrorRing, keep int) *ErrorRingSink {
	if keep <= 0 {
		keep = state.DefaultErrorRingSize
	}
	return &ErrorRingSink{ring: ring, keep: keep}
}

// Consume persists error-level events in order.
func (s *ErrorRingSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.ring == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Level != progress.LevelError {
			continue
		}
		errType := evt.ErrType
		if errType == "" {
			errType = string(evt.Kind)
		}
		entry := crawler.ErrorEntry{
			Timestamp: evt.TS,
			Type:      errType,
			URL:       evt.URL,
			Message:   evt.Message,
		}
		if _, err := s.ring.PushError(ctx, evt.Identity, entry, s.keep); err != nil {
			return fmt.Errorf("push error entry: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ErrorRingSink) Close(context.Context) error {
	return nil
}
