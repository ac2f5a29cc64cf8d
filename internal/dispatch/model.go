// Package dispatch holds the replicated document: units, incidents and the
// pure mutators that produce new snapshots from old ones.
package dispatch

import "strings"

type UnitType string

const (
	UnitPolice UnitType = "POLICE"
	UnitFire   UnitType = "FIRE"
	UnitEMS    UnitType = "EMS"
)

type UnitStatus string

const (
	StatusAvailable    UnitStatus = "AVAILABLE"
	StatusEnRoute      UnitStatus = "EN_ROUTE"
	StatusOnScene      UnitStatus = "ON_SCENE"
	StatusBusy         UnitStatus = "BUSY"
	StatusOutOfService UnitStatus = "OUT_OF_SERVICE"
)

type Priority string

const (
	PriorityLow       Priority = "LOW"
	PriorityMedium    Priority = "MEDIUM"
	PriorityHigh      Priority = "HIGH"
	PriorityEmergency Priority = "EMERGENCY"
)

type IncidentStatus string

const (
	IncidentActive IncidentStatus = "ACTIVE"
	IncidentClosed IncidentStatus = "CLOSED"
)

// CoordinatorSender is the sender token used by the coordinator role in logs
// and bus envelopes.
const CoordinatorSender = "HQ"

var allowedUnitTypes = map[UnitType]struct{}{
	UnitPolice: {},
	UnitFire:   {},
	UnitEMS:    {},
}

var allowedUnitStatuses = map[UnitStatus]struct{}{
	StatusAvailable:    {},
	StatusEnRoute:      {},
	StatusOnScene:      {},
	StatusBusy:         {},
	StatusOutOfService: {},
}

var priorityRank = map[Priority]int{
	PriorityLow:       0,
	PriorityMedium:    1,
	PriorityHigh:      2,
	PriorityEmergency: 3,
}

type Unit struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        UnitType   `json:"type"`
	Status      UnitStatus `json:"status"`
	OperatorID  string     `json:"operatorId,omitempty"`
	LastUpdated int64      `json:"lastUpdated"`
}

type IncidentLog struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
}

type Incident struct {
	ID            string         `json:"id"`
	CallType      string         `json:"callType"`
	Location      string         `json:"location"`
	Priority      Priority       `json:"priority"`
	Status        IncidentStatus `json:"status"`
	AssignedUnits []string       `json:"assignedUnits"`
	Logs          []IncidentLog  `json:"logs"`
	CreatedAt     int64          `json:"createdAt"`
}

// Snapshot is the whole replicated document. It is the only unit of
// replication.
type Snapshot struct {
	Units     []Unit     `json:"units"`
	Incidents []Incident `json:"incidents"`
}

func ValidUnitType(t UnitType) bool {
	_, ok := allowedUnitTypes[t]
	return ok
}

func ValidUnitStatus(s UnitStatus) bool {
	_, ok := allowedUnitStatuses[s]
	return ok
}

func ValidPriority(p Priority) bool {
	_, ok := priorityRank[p]
	return ok
}

// Rank orders priorities from LOW (0) to EMERGENCY (3). Unknown values rank -1.
func (p Priority) Rank() int {
	rank, ok := priorityRank[p]
	if !ok {
		return -1
	}
	return rank
}

// CanonicalName is the form callsigns are stored and compared in.
func CanonicalName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Unit returns the unit with the given id.
func (s Snapshot) Unit(id string) (Unit, bool) {
	for _, unit := range s.Units {
		if unit.ID == id {
			return unit, true
		}
	}
	return Unit{}, false
}

// UnitByName looks a unit up by canonical callsign.
func (s Snapshot) UnitByName(name string) (Unit, bool) {
	canonical := CanonicalName(name)
	for _, unit := range s.Units {
		if unit.Name == canonical {
			return unit, true
		}
	}
	return Unit{}, false
}

func (s Snapshot) Incident(id string) (Incident, bool) {
	for _, incident := range s.Incidents {
		if incident.ID == id {
			return incident, true
		}
	}
	return Incident{}, false
}

// Clone returns a deep copy so mutators never share backing arrays with the
// snapshot they were given.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Units:     make([]Unit, len(s.Units)),
		Incidents: make([]Incident, len(s.Incidents)),
	}
	copy(out.Units, s.Units)
	for i, incident := range s.Incidents {
		out.Incidents[i] = incident.clone()
	}
	return out
}

func (i Incident) clone() Incident {
	out := i
	out.AssignedUnits = append(make([]string, 0, len(i.AssignedUnits)), i.AssignedUnits...)
	out.Logs = append(make([]IncidentLog, 0, len(i.Logs)), i.Logs...)
	return out
}

// Empty is the document a participant assumes before any reconciliation.
func Empty() Snapshot {
	return Snapshot{Units: []Unit{}, Incidents: []Incident{}}
}
