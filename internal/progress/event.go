package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of an Event.
type Level string

// Supported levels.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Kind classifies what an Event reports.
type Kind string

// Supported kinds.
const (
	KindRunStart Kind = "RUN_START"
	KindRunDone  Kind = "RUN_DONE"
	KindRunError Kind = "RUN_ERROR"
	KindPage     Kind = "PAGE"
	KindItem     Kind = "ITEM"
	KindNote     Kind = "NOTE"
)

// Event is one structured log record emitted by an engine run.
type Event struct {
	// RunID identifies the engine run (UUIDv7, 16-byte form).
	RunID    [16]byte
	TS       time.Time
	Identity string
	Level    Level
	Kind     Kind
	Message  string
	// Section and URL optionally scope page and item events.
	Section string
	URL     string
	// ErrType is the error-ring type for error-level events.
	ErrType string
	// Outcome is success/skip/fail for page and item events.
	Outcome string
	Dur     time.Duration
	Details map[string]any
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Identity == "" {
		return errors.New("identity is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("unknown level %q", e.Level)
	}
	switch e.Kind {
	case KindRunStart, KindRunDone, KindRunError, KindNote:
	case KindPage:
		if e.Section == "" {
			return errors.New("page event requires section")
		}
	case KindItem:
		if e.URL == "" {
			return errors.New("item event requires url")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
