package progress

import (
	"time"

	"github.com/google/uuid"
)

// Reporter stamps events with one identity and run ID before emitting them.
type Reporter struct {
	emitter  Emitter
	identity string
	runID    [16]byte
	now      func() time.Time
}

// NewReporter binds emitter to identity and runID. A nil emitter discards.
func NewReporter(emitter Emitter, identity string, runID uuid.UUID) *Reporter {
	if emitter == nil {
		emitter = Discard
	}
	return &Reporter{
		emitter:  emitter,
		identity: identity,
		runID:    UUIDToBytes(runID),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Emit fills identity, run ID and timestamp, then forwards evt.
func (r *Reporter) Emit(evt Event) {
	if r == nil {
		return
	}
	evt.Identity = r.identity
	evt.RunID = r.runID
	if evt.TS.IsZero() {
		evt.TS = r.now()
	}
	if evt.Level == "" {
		evt.Level = LevelInfo
	}
	if evt.Kind == "" {
		evt.Kind = KindNote
	}
	r.emitter.Emit(evt)
}

// Info emits an info-level note.
func (r *Reporter) Info(msg string, details map[string]any) {
	r.Emit(Event{Level: LevelInfo, Kind: KindNote, Message: msg, Details: details})
}

// Warn emits a warn-level note.
func (r *Reporter) Warn(msg string, details map[string]any) {
	r.Emit(Event{Level: LevelWarn, Kind: KindNote, Message: msg, Details: details})
}

// Error emits an error-level event that lands in the error ring.
func (r *Reporter) Error(kind Kind, errType, url, msg string) {
	r.Emit(Event{Level: LevelError, Kind: kind, ErrType: errType, URL: url, Message: msg})
}
