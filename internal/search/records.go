package search

import (
	"reflect"
	"strings"

	"dispatchsync/internal/dispatch"
)

// Changes is what one snapshot transition means for the index.
type Changes struct {
	Incidents        []IncidentRecord
	Units            []UnitRecord
	RemovedIncidents []string
	RemovedUnits     []string
}

func (c Changes) Empty() bool {
	return len(c.Incidents) == 0 && len(c.Units) == 0 &&
		len(c.RemovedIncidents) == 0 && len(c.RemovedUnits) == 0
}

// Diff lists the incidents and units that differ between prev and next. An
// inbound snapshot replaces the whole document, so incidents can disappear
// as well as units.
func Diff(room string, prev, next dispatch.Snapshot) Changes {
	var changes Changes

	for _, incident := range next.Incidents {
		old, ok := prev.Incident(incident.ID)
		if ok && reflect.DeepEqual(old, incident) {
			continue
		}
		changes.Incidents = append(changes.Incidents, NewIncidentRecord(room, incident))
	}

	for _, unit := range next.Units {
		if old, ok := prev.Unit(unit.ID); ok && old == unit {
			continue
		}
		changes.Units = append(changes.Units, NewUnitRecord(room, unit))
	}
	for _, incident := range prev.Incidents {
		if _, ok := next.Incident(incident.ID); !ok {
			changes.RemovedIncidents = append(changes.RemovedIncidents, documentKey(room, incident.ID))
		}
	}
	for _, unit := range prev.Units {
		if _, ok := next.Unit(unit.ID); !ok {
			changes.RemovedUnits = append(changes.RemovedUnits, documentKey(room, unit.ID))
		}
	}
	return changes
}

// Rebuild is Diff with every entity of next rewritten, for an index that may
// have lost documents.
func Rebuild(room string, prev, next dispatch.Snapshot) Changes {
	changes := Diff(room, prev, next)
	changes.Incidents, changes.Units = nil, nil
	for _, incident := range next.Incidents {
		changes.Incidents = append(changes.Incidents, NewIncidentRecord(room, incident))
	}
	for _, unit := range next.Units {
		changes.Units = append(changes.Units, NewUnitRecord(room, unit))
	}
	return changes
}

func NewIncidentRecord(room string, incident dispatch.Incident) IncidentRecord {
	notes := make([]string, 0, len(incident.Logs))
	for _, entry := range incident.Logs {
		notes = append(notes, entry.Message)
	}
	return IncidentRecord{
		Key:      documentKey(room, incident.ID),
		ID:       incident.ID,
		Room:     room,
		CallType: incident.CallType,
		Location: incident.Location,
		Priority: string(incident.Priority),
		Status:   string(incident.Status),
		Notes:    strings.Join(notes, "\n"),
	}
}

func NewUnitRecord(room string, unit dispatch.Unit) UnitRecord {
	return UnitRecord{
		Key:    documentKey(room, unit.ID),
		ID:     unit.ID,
		Room:   room,
		Name:   unit.Name,
		Type:   string(unit.Type),
		Status: string(unit.Status),
	}
}

const hexDigits = "0123456789abcdef"

// documentKey is unique across rooms sharing one index. Meilisearch primary
// keys only allow [A-Za-z0-9_-]; every other byte, and '_' itself, is
// written as '_' plus two hex digits, which leaves "__" free to separate the
// room from the id.
func documentKey(room, id string) string {
	var b strings.Builder
	escapeKey(&b, room)
	b.WriteString("__")
	escapeKey(&b, id)
	return b.String()
}

func escapeKey(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
}
