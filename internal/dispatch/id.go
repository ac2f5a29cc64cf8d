package dispatch

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

const logTimeLayout = "15:04:05"

func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

func NewUnitID() string {
	return NewID("unit")
}

// NewIncidentID returns a human-readable INC-NNNN id not yet used in s.
func NewIncidentID(s Snapshot) string {
	for range 64 {
		id := fmt.Sprintf("INC-%04d", 1000+rand.IntN(9000))
		if _, taken := s.Incident(id); !taken {
			return id
		}
	}
	// the four-digit space is nearly full; widen it rather than loop forever
	return fmt.Sprintf("INC-%d", 10000+len(s.Incidents))
}

func NewLogEntry(sender, message string, at time.Time) IncidentLog {
	return IncidentLog{
		ID:        NewID("log"),
		Timestamp: at.Format(logTimeLayout),
		Sender:    sender,
		Message:   message,
	}
}

// NewIncident builds an active incident carrying its creation log entry.
func NewIncident(id, callType, location string, priority Priority, sender string, at time.Time) Incident {
	return Incident{
		ID:            id,
		CallType:      callType,
		Location:      location,
		Priority:      priority,
		Status:        IncidentActive,
		AssignedUnits: []string{},
		Logs:          []IncidentLog{NewLogEntry(sender, CreationMessage(callType, location), at)},
		CreatedAt:     at.UnixMilli(),
	}
}

func CreationMessage(callType, location string) string {
	return fmt.Sprintf("Incident created: %s at %s", callType, location)
}
