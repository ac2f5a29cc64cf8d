package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"dispatchsync/internal/dispatch"
	"dispatchsync/internal/rbac"
	"dispatchsync/internal/search"
	"dispatchsync/internal/store"
	"dispatchsync/internal/syncer"

	"github.com/rs/zerolog"
)

// Archiver keeps the coordinator's history of the room.
type Archiver interface {
	Record(ctx context.Context, room, sender string, snapshot dispatch.Snapshot) error
	Latest(ctx context.Context, room string) (dispatch.Snapshot, error)
	IncidentHistory(ctx context.Context, room, incidentID string) ([]dispatch.IncidentLog, error)
}

// Indexer keeps a search index in step with the live document.
type Indexer interface {
	Index(next dispatch.Snapshot)
	Search(q search.Query, current dispatch.Snapshot) search.Response
}

// Polisher rewrites a note. It returns the input when it cannot help.
type Polisher interface {
	Polish(ctx context.Context, text string) string
}

// Check is one readiness check.
type Check func(ctx context.Context) error

type Options struct {
	Room       string
	Controller *syncer.Controller
	Archive    Archiver
	Search     Indexer
	Assist     Polisher
	Checks     map[string]Check
	Now        func() time.Time
	Logger     zerolog.Logger
}

type JoinInput struct {
	Callsign   string `json:"callsign"`
	Type       string `json:"type"`
	OperatorID string `json:"operatorId"`
}

type UnitInput struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	OperatorID string `json:"operatorId"`
}

type IncidentInput struct {
	ID       string `json:"id"`
	CallType string `json:"callType"`
	Location string `json:"location"`
	Priority string `json:"priority"`
}

type LogInput struct {
	Message string `json:"message"`
	Polish  bool   `json:"polish"`
}

// Identity is who this process acts as inside the room.
type Identity struct {
	Role     rbac.Role `json:"role"`
	Sender   string    `json:"sender"`
	UnitID   string    `json:"unitId,omitempty"`
	Callsign string    `json:"callsign,omitempty"`
}

type SyncStatus struct {
	Room     string        `json:"room"`
	Identity Identity      `json:"identity"`
	Sync     syncer.Status `json:"sync"`
}

// Service is the mutation pipeline: validate, check role policy, apply
// locally, publish. A rejected mutation publishes nothing.
type Service struct {
	room       string
	controller *syncer.Controller
	archive    Archiver
	search     Indexer
	assist     Polisher
	checks     map[string]Check
	now        func() time.Time
	logger     zerolog.Logger

	selfMu sync.RWMutex
	self   Identity
}

// step runs on the controller's event loop against the current snapshot.
type step func(dispatch.Snapshot) (dispatch.Snapshot, *DomainError)

func New(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	role := opts.Controller.Role()
	sender := opts.Controller.SenderID()
	if role == rbac.RoleCoordinator {
		sender = dispatch.CoordinatorSender
	}
	return &Service{
		room:       opts.Room,
		controller: opts.Controller,
		archive:    opts.Archive,
		search:     opts.Search,
		assist:     opts.Assist,
		checks:     opts.Checks,
		now:        opts.Now,
		logger:     opts.Logger,
		self:       Identity{Role: role, Sender: sender},
	}
}

func (s *Service) Identity() Identity {
	s.selfMu.RLock()
	defer s.selfMu.RUnlock()
	return s.self
}

func (s *Service) Room() string { return s.room }

// Join reconciles with the room before anything is published. A coordinator
// that finds the room empty restores the last archived snapshot.
func (s *Service) Join(ctx context.Context) (dispatch.Snapshot, error) {
	state, err := s.controller.Join(ctx)
	if err != nil {
		return dispatch.Snapshot{}, fmt.Errorf("join room: %w", err)
	}
	if s.Identity().Role != rbac.RoleCoordinator || s.archive == nil || !isEmpty(state) {
		return state, nil
	}

	latest, err := s.archive.Latest(ctx, s.room)
	if errors.Is(err, store.ErrNoSnapshot) {
		return state, nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("restore from archive failed")
		return state, nil
	}
	restored, ok, err := s.controller.Mutate(ctx, func(current dispatch.Snapshot) (dispatch.Snapshot, bool) {
		// something arrived while the archive was read; the room wins
		if !isEmpty(current) {
			return current, false
		}
		return dispatch.ApplySnapshot(current, latest), true
	})
	if err != nil {
		return dispatch.Snapshot{}, fmt.Errorf("restore snapshot: %w", err)
	}
	if !ok {
		return restored, nil
	}
	s.logger.Info().Int("units", len(restored.Units)).Int("incidents", len(restored.Incidents)).
		Msg("restored room from archive")
	return restored, nil
}

// JoinField reconciles, then registers this participant's own unit. The pull
// comes first so a late joiner never publishes over the room with an empty
// document.
func (s *Service) JoinField(ctx context.Context, input JoinInput) (dispatch.Unit, error) {
	if s.Identity().Role != rbac.RoleField {
		return dispatch.Unit{}, conflict("ROLE_MISMATCH", "only field participants register their own unit", nil)
	}
	callsign := dispatch.CanonicalName(input.Callsign)
	if callsign == "" {
		return dispatch.Unit{}, validationError("callsign is required", nil)
	}
	unitType := dispatch.UnitType(strings.ToUpper(strings.TrimSpace(input.Type)))
	if !dispatch.ValidUnitType(unitType) {
		return dispatch.Unit{}, validationError("unknown unit type", map[string]any{"type": input.Type})
	}

	if _, err := s.controller.Join(ctx); err != nil {
		return dispatch.Unit{}, fmt.Errorf("join room: %w", err)
	}

	unit := dispatch.Unit{
		ID:         dispatch.NewUnitID(),
		Name:       callsign,
		Type:       unitType,
		Status:     dispatch.StatusAvailable,
		OperatorID: input.OperatorID,
	}
	next, err := s.mutate(ctx, rbac.ActionSetOwnStatus, "join field", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		return expect(dispatch.UpsertUnit(current, unit, s.clock()))
	})
	if err != nil {
		return dispatch.Unit{}, err
	}

	s.selfMu.Lock()
	s.self.UnitID = unit.ID
	s.self.Callsign = callsign
	s.self.Sender = callsign
	s.selfMu.Unlock()

	stored, _ := next.Unit(unit.ID)
	s.logger.Info().Str("unit", stored.ID).Str("callsign", callsign).Msg("joined as field unit")
	return stored, nil
}

func (s *Service) State(ctx context.Context) (dispatch.Snapshot, error) {
	if err := s.authorize(rbac.ActionRead); err != nil {
		return dispatch.Snapshot{}, err
	}
	return s.controller.State(ctx)
}

// Refresh is the manual reconciliation pull.
func (s *Service) Refresh(ctx context.Context) (dispatch.Snapshot, error) {
	if err := s.authorize(rbac.ActionRefresh); err != nil {
		return dispatch.Snapshot{}, err
	}
	state, err := s.controller.Refresh(ctx)
	if err != nil {
		return dispatch.Snapshot{}, fmt.Errorf("refresh: %w", err)
	}
	return state, nil
}

func (s *Service) SyncStatus() SyncStatus {
	return SyncStatus{Room: s.room, Identity: s.Identity(), Sync: s.controller.Status()}
}

func (s *Service) RegisterUnit(ctx context.Context, input UnitInput) (dispatch.Unit, error) {
	name := dispatch.CanonicalName(input.Name)
	if name == "" {
		return dispatch.Unit{}, validationError("name is required", nil)
	}
	unitType := dispatch.UnitType(strings.ToUpper(strings.TrimSpace(input.Type)))
	if !dispatch.ValidUnitType(unitType) {
		return dispatch.Unit{}, validationError("unknown unit type", map[string]any{"type": input.Type})
	}
	status := dispatch.UnitStatus(strings.ToUpper(strings.TrimSpace(input.Status)))
	if status == "" {
		status = dispatch.StatusAvailable
	}
	if !dispatch.ValidUnitStatus(status) {
		return dispatch.Unit{}, validationError("unknown unit status", map[string]any{"status": input.Status})
	}

	unit := dispatch.Unit{ID: dispatch.NewUnitID(), Name: name, Type: unitType, Status: status, OperatorID: input.OperatorID}
	next, err := s.mutate(ctx, rbac.ActionManageUnits, "register unit", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		return expect(dispatch.UpsertUnit(current, unit, s.clock()))
	})
	if err != nil {
		return dispatch.Unit{}, err
	}
	stored, _ := next.Unit(unit.ID)
	return stored, nil
}

func (s *Service) UpdateUnit(ctx context.Context, id string, input UnitInput) (dispatch.Unit, error) {
	patch := dispatch.UnitPatch{
		Name:       input.Name,
		Type:       dispatch.UnitType(strings.ToUpper(strings.TrimSpace(input.Type))),
		OperatorID: input.OperatorID,
	}
	if patch.Type != "" && !dispatch.ValidUnitType(patch.Type) {
		return dispatch.Unit{}, validationError("unknown unit type", map[string]any{"type": input.Type})
	}
	if strings.TrimSpace(input.Name) == "" && patch.Type == "" && strings.TrimSpace(input.OperatorID) == "" {
		return dispatch.Unit{}, validationError("nothing to update", nil)
	}

	next, err := s.mutate(ctx, rbac.ActionManageUnits, "update unit", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		if _, ok := current.Unit(id); !ok {
			return current, notFound("unit", id)
		}
		if other, ok := current.UnitByName(input.Name); ok && other.ID != id {
			return current, conflict("NAME_TAKEN", "another unit already uses this callsign", map[string]any{"name": other.Name})
		}
		return expect(dispatch.UpdateUnit(current, id, patch, s.clock()))
	})
	if err != nil {
		return dispatch.Unit{}, err
	}
	stored, _ := next.Unit(id)
	return stored, nil
}

// RemoveUnit drops a unit. Incidents keep any stale assignment to it.
func (s *Service) RemoveUnit(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, rbac.ActionManageUnits, "remove unit", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		if _, ok := current.Unit(id); !ok {
			return current, notFound("unit", id)
		}
		return expect(dispatch.RemoveUnit(current, id))
	})
	return err
}

// SetUnitStatus changes any unit's status for the coordinator and only the
// participant's own unit for the field.
func (s *Service) SetUnitStatus(ctx context.Context, id, status string) (dispatch.Unit, error) {
	next := dispatch.UnitStatus(strings.ToUpper(strings.TrimSpace(status)))
	if !dispatch.ValidUnitStatus(next) {
		return dispatch.Unit{}, validationError("unknown unit status", map[string]any{"status": status})
	}

	action := rbac.ActionManageUnits
	if self := s.Identity(); self.Role != rbac.RoleCoordinator {
		if self.UnitID == "" || self.UnitID != id {
			return dispatch.Unit{}, forbidden(string(rbac.ActionManageUnits))
		}
		action = rbac.ActionSetOwnStatus
	}

	snapshot, err := s.mutate(ctx, action, "set unit status", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		if _, ok := current.Unit(id); !ok {
			return current, notFound("unit", id)
		}
		return expect(dispatch.SetUnitStatus(current, id, next, s.clock()))
	})
	if err != nil {
		return dispatch.Unit{}, err
	}
	stored, _ := snapshot.Unit(id)
	return stored, nil
}

func (s *Service) CreateIncident(ctx context.Context, input IncidentInput) (dispatch.Incident, error) {
	callType := strings.TrimSpace(input.CallType)
	location := strings.TrimSpace(input.Location)
	priority := dispatch.Priority(strings.ToUpper(strings.TrimSpace(input.Priority)))
	if priority == "" {
		priority = dispatch.PriorityMedium
	}
	var missing []string
	if callType == "" {
		missing = append(missing, "callType")
	}
	if location == "" {
		missing = append(missing, "location")
	}
	if len(missing) > 0 {
		return dispatch.Incident{}, validationError("required fields missing", map[string]any{"fields": missing})
	}
	if !dispatch.ValidPriority(priority) {
		return dispatch.Incident{}, validationError("unknown priority", map[string]any{"priority": input.Priority})
	}

	id := strings.ToUpper(strings.TrimSpace(input.ID))
	sender := s.Identity().Sender
	next, err := s.mutate(ctx, rbac.ActionManageIncident, "create incident", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		if id == "" {
			id = dispatch.NewIncidentID(current)
		} else if _, exists := current.Incident(id); exists {
			return current, conflict("INCIDENT_EXISTS", "incident id already in use", map[string]any{"id": id})
		}
		incident := dispatch.NewIncident(id, callType, location, priority, sender, s.now())
		return expect(dispatch.CreateIncident(current, incident))
	})
	if err != nil {
		return dispatch.Incident{}, err
	}
	stored, _ := next.Incident(id)
	return stored, nil
}

// AssignUnit puts a unit on an active incident and logs the assignment.
func (s *Service) AssignUnit(ctx context.Context, incidentID, unitID string) (dispatch.Incident, error) {
	sender := s.Identity().Sender
	next, err := s.mutate(ctx, rbac.ActionAssign, "assign unit", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		incident, derr := activeIncident(current, incidentID)
		if derr != nil {
			return current, derr
		}
		unit, ok := current.Unit(unitID)
		if !ok {
			return current, notFound("unit", unitID)
		}
		for _, assigned := range incident.AssignedUnits {
			if assigned == unitID {
				return current, conflict("ALREADY_ASSIGNED", "unit is already assigned to this incident", map[string]any{"unitId": unitID})
			}
		}
		entry := dispatch.NewLogEntry(sender, fmt.Sprintf("%s assigned", unit.Name), s.now())
		return expect(dispatch.Chain(
			func(snap dispatch.Snapshot) (dispatch.Snapshot, bool) {
				return dispatch.AssignUnit(snap, incidentID, unitID)
			},
			func(snap dispatch.Snapshot) (dispatch.Snapshot, bool) {
				return dispatch.AppendLog(snap, incidentID, entry)
			},
		)(current))
	})
	if err != nil {
		return dispatch.Incident{}, err
	}
	stored, _ := next.Incident(incidentID)
	return stored, nil
}

// UnassignUnit takes a unit off an incident. Ids of removed units can be
// cleared this way too.
func (s *Service) UnassignUnit(ctx context.Context, incidentID, unitID string) (dispatch.Incident, error) {
	sender := s.Identity().Sender
	next, err := s.mutate(ctx, rbac.ActionAssign, "unassign unit", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		incident, ok := current.Incident(incidentID)
		if !ok {
			return current, notFound("incident", incidentID)
		}
		assigned := false
		for _, id := range incident.AssignedUnits {
			assigned = assigned || id == unitID
		}
		if !assigned {
			return current, conflict("NOT_ASSIGNED", "unit is not assigned to this incident", map[string]any{"unitId": unitID})
		}
		label := unitID
		if unit, ok := current.Unit(unitID); ok {
			label = unit.Name
		}
		entry := dispatch.NewLogEntry(sender, fmt.Sprintf("%s unassigned", label), s.now())
		return expect(dispatch.Chain(
			func(snap dispatch.Snapshot) (dispatch.Snapshot, bool) {
				return dispatch.UnassignUnit(snap, incidentID, unitID)
			},
			func(snap dispatch.Snapshot) (dispatch.Snapshot, bool) {
				return dispatch.AppendLog(snap, incidentID, entry)
			},
		)(current))
	})
	if err != nil {
		return dispatch.Incident{}, err
	}
	stored, _ := next.Incident(incidentID)
	return stored, nil
}

// AddLog appends a note signed by this participant. With polish set and an
// assist service configured, the note is rewritten first; the original text
// is kept whenever the rewrite fails.
func (s *Service) AddLog(ctx context.Context, incidentID string, input LogInput) (dispatch.IncidentLog, error) {
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return dispatch.IncidentLog{}, validationError("message is required", nil)
	}
	if err := s.authorize(rbac.ActionAppendLog); err != nil {
		return dispatch.IncidentLog{}, err
	}
	self := s.Identity()
	if self.Role != rbac.RoleCoordinator && self.Callsign == "" {
		return dispatch.IncidentLog{}, conflict("NOT_JOINED", "join as a unit before logging", nil)
	}
	if input.Polish && s.assist != nil {
		message = s.assist.Polish(ctx, message)
	}

	entry := dispatch.NewLogEntry(self.Sender, message, s.now())
	_, err := s.mutate(ctx, rbac.ActionAppendLog, "add log", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		if _, ok := current.Incident(incidentID); !ok {
			return current, notFound("incident", incidentID)
		}
		return expect(dispatch.AppendLog(current, incidentID, entry))
	})
	if err != nil {
		return dispatch.IncidentLog{}, err
	}
	return entry, nil
}

func (s *Service) SetPriority(ctx context.Context, incidentID, priority string) (dispatch.Incident, error) {
	next := dispatch.Priority(strings.ToUpper(strings.TrimSpace(priority)))
	if !dispatch.ValidPriority(next) {
		return dispatch.Incident{}, validationError("unknown priority", map[string]any{"priority": priority})
	}
	snapshot, err := s.mutate(ctx, rbac.ActionManageIncident, "set priority", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		if _, derr := activeIncident(current, incidentID); derr != nil {
			return current, derr
		}
		return expect(dispatch.SetIncidentPriority(current, incidentID, next))
	})
	if err != nil {
		return dispatch.Incident{}, err
	}
	stored, _ := snapshot.Incident(incidentID)
	return stored, nil
}

func (s *Service) CloseIncident(ctx context.Context, incidentID, note string) (dispatch.Incident, error) {
	message := strings.TrimSpace(note)
	if message == "" {
		message = "Incident closed"
	}
	entry := dispatch.NewLogEntry(s.Identity().Sender, message, s.now())
	snapshot, err := s.mutate(ctx, rbac.ActionManageIncident, "close incident", func(current dispatch.Snapshot) (dispatch.Snapshot, *DomainError) {
		if _, derr := activeIncident(current, incidentID); derr != nil {
			return current, derr
		}
		return expect(dispatch.CloseIncident(current, incidentID, entry))
	})
	if err != nil {
		return dispatch.Incident{}, err
	}
	stored, _ := snapshot.Incident(incidentID)
	return stored, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if err := s.authorize(rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	current, err := s.controller.State(ctx)
	if err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		results, total := search.SearchSnapshot(current, q)
		if results == nil {
			results = []search.Result{}
		}
		return search.Response{Results: results, Total: total, Query: q.Text, Source: "snapshot"}, nil
	}
	return s.search.Search(q, current), nil
}

// IncidentHistory reads the archived log of an incident.
func (s *Service) IncidentHistory(ctx context.Context, incidentID string) ([]dispatch.IncidentLog, error) {
	if err := s.authorize(rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "No archive configured", nil)
	}
	return s.archive.IncidentHistory(ctx, s.room, incidentID)
}

// Ready runs every readiness check and reports each result by name.
func (s *Service) Ready(ctx context.Context) (bool, map[string]error) {
	results := make(map[string]error, len(s.checks))
	ready := true
	for name, check := range s.checks {
		err := check(ctx)
		results[name] = err
		ready = ready && err == nil
	}
	return ready, results
}

func (s *Service) authorize(action rbac.Action) error {
	if !rbac.Can(s.Identity().Role, action) {
		return forbidden(string(action))
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, action rbac.Action, op string, fn step) (dispatch.Snapshot, error) {
	if err := s.authorize(action); err != nil {
		return dispatch.Snapshot{}, err
	}
	var failure *DomainError
	next, ok, err := s.controller.Mutate(ctx, func(current dispatch.Snapshot) (dispatch.Snapshot, bool) {
		out, derr := fn(current)
		if derr != nil {
			failure = derr
			return current, false
		}
		return out, true
	})
	if err != nil {
		return dispatch.Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		if failure == nil {
			failure = conflict("MUTATION_REJECTED", op+" rejected", nil)
		}
		s.logger.Debug().Str("op", op).Str("code", failure.Code).Msg("mutation rejected")
		return dispatch.Snapshot{}, failure
	}
	s.logger.Debug().Str("op", op).Msg("mutation applied")
	return next, nil
}

func (s *Service) clock() int64 {
	return s.now().UnixMilli()
}

// expect turns a pure mutator's rejection into a conflict. By the time it is
// called the step has already ruled out missing entities.
func expect(next dispatch.Snapshot, ok bool) (dispatch.Snapshot, *DomainError) {
	if !ok {
		return next, conflict("MUTATION_REJECTED", "change rejected by the document rules", nil)
	}
	return next, nil
}

func activeIncident(s dispatch.Snapshot, id string) (dispatch.Incident, *DomainError) {
	incident, ok := s.Incident(id)
	if !ok {
		return dispatch.Incident{}, notFound("incident", id)
	}
	if incident.Status != dispatch.IncidentActive {
		return dispatch.Incident{}, conflict("INCIDENT_CLOSED", "incident is closed", map[string]any{"id": id})
	}
	return incident, nil
}

func isEmpty(s dispatch.Snapshot) bool {
	return len(s.Units) == 0 && len(s.Incidents) == 0
}
