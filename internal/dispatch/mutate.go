package dispatch

import (
	"slices"
	"strings"
)

// Mutation turns one snapshot into the next. The bool result reports whether
// the mutation was accepted; a rejected mutation returns its input unchanged
// and must not be published.
type Mutation func(Snapshot) (Snapshot, bool)

// UnitPatch carries the editable fields of a unit. Empty fields are left as
// they are.
type UnitPatch struct {
	Name       string
	Type       UnitType
	OperatorID string
}

// ApplySnapshot replaces local state with incoming, in full. There is no
// per-entity arbitration: the delivered snapshot always wins.
func ApplySnapshot(_ Snapshot, incoming Snapshot) Snapshot {
	return normalize(incoming.Clone())
}

// UpsertUnit stores unit under its canonical name. An existing record with the
// same canonical name is superseded, not merged.
func UpsertUnit(s Snapshot, unit Unit, now int64) (Snapshot, bool) {
	unit.Name = CanonicalName(unit.Name)
	if unit.ID == "" || unit.Name == "" || !ValidUnitType(unit.Type) {
		return s, false
	}
	if unit.Status == "" {
		unit.Status = StatusAvailable
	}
	if !ValidUnitStatus(unit.Status) {
		return s, false
	}
	unit.OperatorID = strings.TrimSpace(unit.OperatorID)
	unit.LastUpdated = now

	next := s.Clone()
	replaced := false
	units := next.Units[:0]
	for _, existing := range next.Units {
		if existing.ID == unit.ID || existing.Name == unit.Name {
			if !replaced {
				units = append(units, unit)
				replaced = true
			}
			continue
		}
		units = append(units, existing)
	}
	if !replaced {
		units = append(units, unit)
	}
	next.Units = units
	return next, true
}

// UpdateUnit edits a unit in place. Renaming onto a callsign held by another
// unit is rejected.
func UpdateUnit(s Snapshot, id string, patch UnitPatch, now int64) (Snapshot, bool) {
	idx := slices.IndexFunc(s.Units, func(u Unit) bool { return u.ID == id })
	if idx < 0 {
		return s, false
	}
	name := CanonicalName(patch.Name)
	if name != "" {
		if other, ok := s.UnitByName(name); ok && other.ID != id {
			return s, false
		}
	}
	if patch.Type != "" && !ValidUnitType(patch.Type) {
		return s, false
	}

	next := s.Clone()
	unit := &next.Units[idx]
	if name != "" {
		unit.Name = name
	}
	if patch.Type != "" {
		unit.Type = patch.Type
	}
	if operator := strings.TrimSpace(patch.OperatorID); operator != "" {
		unit.OperatorID = operator
	}
	unit.LastUpdated = advance(unit.LastUpdated, now)
	return next, true
}

// RemoveUnit drops a unit. Incidents that still reference it are left alone.
func RemoveUnit(s Snapshot, id string) (Snapshot, bool) {
	idx := slices.IndexFunc(s.Units, func(u Unit) bool { return u.ID == id })
	if idx < 0 {
		return s, false
	}
	next := s.Clone()
	next.Units = slices.Delete(next.Units, idx, idx+1)
	return next, true
}

// SetUnitStatus changes a unit's operational status. LastUpdated always moves
// strictly forward.
func SetUnitStatus(s Snapshot, id string, status UnitStatus, now int64) (Snapshot, bool) {
	if !ValidUnitStatus(status) {
		return s, false
	}
	idx := slices.IndexFunc(s.Units, func(u Unit) bool { return u.ID == id })
	if idx < 0 {
		return s, false
	}
	next := s.Clone()
	unit := &next.Units[idx]
	unit.Status = status
	unit.LastUpdated = advance(unit.LastUpdated, now)
	return next, true
}

// CreateIncident adds a new incident built with NewIncident.
func CreateIncident(s Snapshot, incident Incident) (Snapshot, bool) {
	incident.CallType = strings.TrimSpace(incident.CallType)
	incident.Location = strings.TrimSpace(incident.Location)
	if incident.ID == "" || incident.CallType == "" || incident.Location == "" {
		return s, false
	}
	if !ValidPriority(incident.Priority) {
		return s, false
	}
	if _, exists := s.Incident(incident.ID); exists {
		return s, false
	}
	if incident.Status == "" {
		incident.Status = IncidentActive
	}
	for _, unitID := range incident.AssignedUnits {
		if _, ok := s.Unit(unitID); !ok {
			return s, false
		}
	}

	next := s.Clone()
	next.Incidents = append(next.Incidents, incident.clone())
	return next, true
}

// AssignUnit appends unitID to an active incident. The unit must exist in s.
func AssignUnit(s Snapshot, incidentID, unitID string) (Snapshot, bool) {
	idx := slices.IndexFunc(s.Incidents, func(i Incident) bool { return i.ID == incidentID })
	if idx < 0 || s.Incidents[idx].Status != IncidentActive {
		return s, false
	}
	if _, ok := s.Unit(unitID); !ok {
		return s, false
	}
	if slices.Contains(s.Incidents[idx].AssignedUnits, unitID) {
		return s, false
	}
	next := s.Clone()
	next.Incidents[idx].AssignedUnits = append(next.Incidents[idx].AssignedUnits, unitID)
	return next, true
}

// UnassignUnit removes unitID from an incident. Stale ids of removed units
// can be cleared this way.
func UnassignUnit(s Snapshot, incidentID, unitID string) (Snapshot, bool) {
	idx := slices.IndexFunc(s.Incidents, func(i Incident) bool { return i.ID == incidentID })
	if idx < 0 {
		return s, false
	}
	pos := slices.Index(s.Incidents[idx].AssignedUnits, unitID)
	if pos < 0 {
		return s, false
	}
	next := s.Clone()
	assigned := next.Incidents[idx].AssignedUnits
	next.Incidents[idx].AssignedUnits = slices.Delete(assigned, pos, pos+1)
	return next, true
}

// AppendLog adds entry at the end of an incident's log.
func AppendLog(s Snapshot, incidentID string, entry IncidentLog) (Snapshot, bool) {
	entry.Message = strings.TrimSpace(entry.Message)
	if entry.ID == "" || entry.Message == "" || strings.TrimSpace(entry.Sender) == "" {
		return s, false
	}
	idx := slices.IndexFunc(s.Incidents, func(i Incident) bool { return i.ID == incidentID })
	if idx < 0 {
		return s, false
	}
	next := s.Clone()
	next.Incidents[idx].Logs = append(next.Incidents[idx].Logs, entry)
	return next, true
}

func SetIncidentPriority(s Snapshot, incidentID string, priority Priority) (Snapshot, bool) {
	if !ValidPriority(priority) {
		return s, false
	}
	idx := slices.IndexFunc(s.Incidents, func(i Incident) bool { return i.ID == incidentID })
	if idx < 0 || s.Incidents[idx].Status != IncidentActive {
		return s, false
	}
	next := s.Clone()
	next.Incidents[idx].Priority = priority
	return next, true
}

// CloseIncident marks an active incident closed and appends entry as the
// closing note.
func CloseIncident(s Snapshot, incidentID string, entry IncidentLog) (Snapshot, bool) {
	idx := slices.IndexFunc(s.Incidents, func(i Incident) bool { return i.ID == incidentID })
	if idx < 0 || s.Incidents[idx].Status != IncidentActive {
		return s, false
	}
	next := s.Clone()
	next.Incidents[idx].Status = IncidentClosed
	if entry.ID != "" && strings.TrimSpace(entry.Message) != "" {
		next.Incidents[idx].Logs = append(next.Incidents[idx].Logs, entry)
	}
	return next, true
}

// Chain runs mutations in order. It is rejected as a whole if any step is.
func Chain(mutations ...Mutation) Mutation {
	return func(s Snapshot) (Snapshot, bool) {
		current := s
		for _, mutate := range mutations {
			next, ok := mutate(current)
			if !ok {
				return s, false
			}
			current = next
		}
		return current, true
	}
}

func advance(previous, now int64) int64 {
	if now <= previous {
		return previous + 1
	}
	return now
}

func normalize(s Snapshot) Snapshot {
	if s.Units == nil {
		s.Units = []Unit{}
	}
	if s.Incidents == nil {
		s.Incidents = []Incident{}
	}
	for i := range s.Incidents {
		if s.Incidents[i].AssignedUnits == nil {
			s.Incidents[i].AssignedUnits = []string{}
		}
		if s.Incidents[i].Logs == nil {
			s.Incidents[i].Logs = []IncidentLog{}
		}
	}
	return s
}
