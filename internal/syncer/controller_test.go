package syncer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"dispatchsync/internal/bus"
	"dispatchsync/internal/dispatch"
	"dispatchsync/internal/rbac"
	"dispatchsync/internal/replica"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const room = "alpha"

func startController(t *testing.T, opts Options) *Controller {
	t.Helper()
	if opts.JoinTimeout == 0 {
		opts.JoinTimeout = 500 * time.Millisecond
	}
	c := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("controller did not stop")
		}
	})
	// wait until the loop is serving calls
	if _, err := c.State(context.Background()); err != nil {
		t.Fatalf("controller not running: %v", err)
	}
	return c
}

func waitForState(t *testing.T, c *Controller, what string, cond func(dispatch.Snapshot) bool) dispatch.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := c.State(context.Background())
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return dispatch.Snapshot{}
}

func waitForEvent(t *testing.T, c *Controller, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func createIncident(id string) dispatch.Mutation {
	return func(s dispatch.Snapshot) (dispatch.Snapshot, bool) {
		return dispatch.CreateIncident(s, dispatch.NewIncident(id, "Structure Fire", "Block 7", dispatch.PriorityHigh, dispatch.CoordinatorSender, time.Now()))
	}
}

func readStore(store replica.Store) replica.OnceResult {
	got := make(chan replica.OnceResult, 1)
	store.Once(context.Background(), replica.RoomPath(room), func(r replica.OnceResult) { got <- r })
	return <-got
}

// waitForConvergence waits until every controller holds exactly what the
// store holds and returns that snapshot.
func waitForConvergence(t *testing.T, store replica.Store, controllers ...*Controller) dispatch.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r := readStore(store); r.Found {
			stored, err := dispatch.Decode(r.Value)
			if err != nil {
				t.Fatalf("stored value does not decode: %v", err)
			}
			converged := true
			for _, c := range controllers {
				s, err := c.State(context.Background())
				if err != nil {
					t.Fatalf("state: %v", err)
				}
				converged = converged && dispatch.Equal(s, stored)
			}
			if converged {
				return stored
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	for i, c := range controllers {
		s, _ := c.State(context.Background())
		t.Logf("controller %d: %d units, %d incidents", i, len(s.Units), len(s.Incidents))
	}
	t.Fatal("participants did not converge on the stored snapshot")
	return dispatch.Snapshot{}
}

func incidentIDs(s dispatch.Snapshot) []string {
	ids := make([]string, 0, len(s.Incidents))
	for _, inc := range s.Incidents {
		ids = append(ids, inc.ID)
	}
	return ids
}

func registerUnit(id, name string, now int64) dispatch.Mutation {
	return func(s dispatch.Snapshot) (dispatch.Snapshot, bool) {
		return dispatch.UpsertUnit(s, dispatch.Unit{ID: id, Name: name, Type: dispatch.UnitFire}, now)
	}
}

func TestFieldJoinReceivesCoordinatorIncident(t *testing.T) {
	store := replica.NewMemory()
	localBus := bus.NewMemory()

	hq := startController(t, Options{
		Role:     rbac.RoleCoordinator,
		SenderID: dispatch.CoordinatorSender,
		Transports: []Transport{
			NewLocalBus(localBus, dispatch.CoordinatorSender),
			NewReplicatedStore(store, room),
		},
	})
	if _, ok, err := hq.Mutate(context.Background(), createIncident("INC-4821")); err != nil || !ok {
		t.Fatalf("create incident: ok=%v err=%v", ok, err)
	}
	if err := hq.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	field := startController(t, Options{
		Role:       rbac.RoleField,
		SenderID:   "ENGINE-3",
		Transports: []Transport{NewReplicatedStore(store, room)},
	})
	state, err := field.Join(context.Background())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	incident, ok := state.Incident("INC-4821")
	if !ok {
		t.Fatalf("field state lacks INC-4821: %+v", state)
	}
	if len(incident.AssignedUnits) != 0 {
		t.Fatalf("expected no assigned units, got %v", incident.AssignedUnits)
	}
	if len(incident.Logs) != 1 || incident.Logs[0].Message != dispatch.CreationMessage("Structure Fire", "Block 7") {
		t.Fatalf("unexpected logs %+v", incident.Logs)
	}
	if field.LastSync().IsZero() {
		t.Fatal("expected last sync to be recorded")
	}
}

func TestFieldStatusReachesCoordinator(t *testing.T) {
	store := replica.NewMemory()
	hq := startController(t, Options{
		Role:       rbac.RoleCoordinator,
		SenderID:   dispatch.CoordinatorSender,
		Transports: []Transport{NewReplicatedStore(store, room)},
	})
	field := startController(t, Options{
		Role:       rbac.RoleField,
		SenderID:   "ENGINE-3",
		Transports: []Transport{NewReplicatedStore(store, room)},
	})

	if _, err := field.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	joinedAt := time.Now().UnixMilli()
	if _, ok, _ := field.Mutate(context.Background(), registerUnit("unit-e3", "engine-3", joinedAt)); !ok {
		t.Fatal("register rejected")
	}
	waitForState(t, hq, "unit registration", func(s dispatch.Snapshot) bool {
		_, ok := s.UnitByName("ENGINE-3")
		return ok
	})

	setStatus := func(s dispatch.Snapshot) (dispatch.Snapshot, bool) {
		return dispatch.SetUnitStatus(s, "unit-e3", dispatch.StatusOnScene, joinedAt)
	}
	if _, ok, _ := field.Mutate(context.Background(), setStatus); !ok {
		t.Fatal("status change rejected")
	}

	state := waitForState(t, hq, "ON_SCENE", func(s dispatch.Snapshot) bool {
		u, ok := s.UnitByName("ENGINE-3")
		return ok && u.Status == dispatch.StatusOnScene
	})
	unit, _ := state.UnitByName("ENGINE-3")
	if unit.LastUpdated <= joinedAt {
		t.Fatalf("expected timestamp after join (%d), got %d", joinedAt, unit.LastUpdated)
	}
}

func TestCoordinatorAnswersHeartbeat(t *testing.T) {
	localBus := bus.NewMemory()
	hq := startController(t, Options{
		Role:       rbac.RoleCoordinator,
		SenderID:   dispatch.CoordinatorSender,
		Transports: []Transport{NewLocalBus(localBus, dispatch.CoordinatorSender)},
	})
	if _, ok, _ := hq.LocalApply(context.Background(), createIncident("INC-1001")); !ok {
		t.Fatal("local apply rejected")
	}

	view := startController(t, Options{
		Role:       rbac.RoleField,
		SenderID:   "ENGINE-3",
		Transports: []Transport{NewLocalBus(localBus, "ENGINE-3")},
	})
	state, err := view.Join(context.Background())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, ok := state.Incident("INC-1001"); !ok {
		t.Fatalf("heartbeat reply missing incident: %+v", state)
	}
}

func TestFieldIgnoresHeartbeat(t *testing.T) {
	localBus := bus.NewMemory()
	field := startController(t, Options{
		Role:       rbac.RoleField,
		SenderID:   "ENGINE-3",
		Transports: []Transport{NewLocalBus(localBus, "ENGINE-3")},
	})
	_, _, _ = field.LocalApply(context.Background(), createIncident("INC-2000"))

	other := startController(t, Options{
		Role:        rbac.RoleField,
		SenderID:    "MEDIC-7",
		Transports:  []Transport{NewLocalBus(localBus, "MEDIC-7")},
		JoinTimeout: 50 * time.Millisecond,
	})
	state, err := other.Join(context.Background())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(state.Incidents) != 0 {
		t.Fatal("field participant answered a heartbeat")
	}
	waitForEvent(t, other, EventPullTimeout)
}

func TestJoinTimesOutOnSilence(t *testing.T) {
	c := startController(t, Options{
		Role:        rbac.RoleField,
		SenderID:    "ENGINE-3",
		Transports:  []Transport{NewLocalBus(bus.NewMemory(), "ENGINE-3")},
		JoinTimeout: 30 * time.Millisecond,
	})
	started := time.Now()
	state, err := c.Join(context.Background())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if time.Since(started) > time.Second {
		t.Fatal("join did not honour its timeout")
	}
	if len(state.Units) != 0 || len(state.Incidents) != 0 {
		t.Fatalf("expected empty state, got %+v", state)
	}
	waitForEvent(t, c, EventPullTimeout)
	if c.Status().Counters[EventPullTimeout] != 1 {
		t.Fatalf("unexpected counters %v", c.Status().Counters)
	}
}

func TestMalformedPayloadKeepsState(t *testing.T) {
	store := replica.NewMemory()
	c := startController(t, Options{
		Role:       rbac.RoleField,
		SenderID:   "ENGINE-3",
		Transports: []Transport{NewReplicatedStore(store, room)},
	})
	before, _, _ := c.LocalApply(context.Background(), createIncident("INC-3000"))

	if err := store.Put(context.Background(), replica.RoomPath(room), "{not json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	ev := waitForEvent(t, c, EventDecodeFailed)
	if ev.Source != string(KindReplicatedStore) || ev.Err == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	after, _ := c.State(context.Background())
	if !dispatch.Equal(before, after) {
		t.Fatal("malformed payload changed local state")
	}
}

func TestLastDeliveredSnapshotWins(t *testing.T) {
	store := replica.NewMemory()
	c := startController(t, Options{
		Role:       rbac.RoleField,
		SenderID:   "ENGINE-3",
		Transports: []Transport{NewReplicatedStore(store, room)},
	})

	a, _ := dispatch.UpsertUnit(dispatch.Empty(), dispatch.Unit{ID: "u-a", Name: "A", Type: dispatch.UnitPolice}, 5000)
	b, _ := dispatch.UpsertUnit(dispatch.Empty(), dispatch.Unit{ID: "u-b", Name: "B", Type: dispatch.UnitPolice}, 1)
	rawA, _ := dispatch.Encode(a)
	rawB, _ := dispatch.Encode(b)
	_ = store.Put(context.Background(), replica.RoomPath(room), rawA)
	_ = store.Put(context.Background(), replica.RoomPath(room), rawB)

	state := waitForState(t, c, "snapshot B", func(s dispatch.Snapshot) bool {
		_, ok := s.Unit("u-b")
		return ok
	})
	if !dispatch.Equal(state, b) {
		t.Fatalf("expected exactly B, got %+v", state)
	}
}

func TestRejectedMutationPublishesNothing(t *testing.T) {
	store := replica.NewMemory()
	c := startController(t, Options{
		Role:       rbac.RoleCoordinator,
		SenderID:   dispatch.CoordinatorSender,
		Transports: []Transport{NewReplicatedStore(store, room)},
	})
	assign := func(s dispatch.Snapshot) (dispatch.Snapshot, bool) {
		return dispatch.AssignUnit(s, "INC-1001", "unit-missing")
	}
	_, ok, err := c.Mutate(context.Background(), assign)
	if err != nil || ok {
		t.Fatalf("expected rejection, ok=%v err=%v", ok, err)
	}
	_ = c.Flush(context.Background())

	got := make(chan replica.OnceResult, 1)
	store.Once(context.Background(), replica.RoomPath(room), func(r replica.OnceResult) { got <- r })
	if r := <-got; r.Found {
		t.Fatalf("rejected mutation was published: %q", r.Value)
	}
}

func TestLocalApplyAndPublishAreSeparateSteps(t *testing.T) {
	store := replica.NewMemory()
	c := startController(t, Options{
		Role:       rbac.RoleCoordinator,
		SenderID:   dispatch.CoordinatorSender,
		Transports: []Transport{NewReplicatedStore(store, room)},
	})
	next, ok, err := c.LocalApply(context.Background(), createIncident("INC-5000"))
	if err != nil || !ok {
		t.Fatalf("local apply: ok=%v err=%v", ok, err)
	}

	if readStore(store).Found {
		t.Fatal("local apply alone must not publish")
	}

	c.Publish(next)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	r := readStore(store)
	if !r.Found {
		t.Fatal("publish did not reach the store")
	}
	published, err := dispatch.Decode(r.Value)
	if err != nil || !dispatch.Equal(published, next) {
		t.Fatalf("published snapshot differs: %v", err)
	}
}

func TestOnChangeSeesLocalAndInboundChanges(t *testing.T) {
	store := replica.NewMemory()
	changes := make(chan Change, 8)

	hq := startController(t, Options{
		Role:       rbac.RoleCoordinator,
		SenderID:   dispatch.CoordinatorSender,
		Transports: []Transport{NewReplicatedStore(store, room)},
		OnChange:   func(ch Change) { changes <- ch },
	})
	field := startController(t, Options{
		Role:       rbac.RoleField,
		SenderID:   "ENGINE-3",
		Transports: []Transport{NewReplicatedStore(store, room)},
	})

	if _, ok, err := hq.Mutate(context.Background(), createIncident("INC-4821")); err != nil || !ok {
		t.Fatalf("create incident: ok=%v err=%v", ok, err)
	}
	local := <-changes
	if local.Source != SourceLocal || len(local.Prev.Incidents) != 0 || len(local.Next.Incidents) != 1 {
		t.Fatalf("unexpected local change %+v", local)
	}

	waitForState(t, field, "incident on field", func(s dispatch.Snapshot) bool {
		_, ok := s.Incident("INC-4821")
		return ok
	})
	if _, ok, err := field.Mutate(context.Background(), registerUnit("unit-e3", "ENGINE-3", time.Now().UnixMilli())); err != nil || !ok {
		t.Fatalf("register unit: ok=%v err=%v", ok, err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ch := <-changes:
			if ch.Source == string(KindReplicatedStore) && len(ch.Next.Units) == 1 {
				return
			}
		case <-timeout:
			t.Fatal("no inbound change observed")
		}
	}
}

func TestCoordinatorMirrorsReplicatedChangesOntoBus(t *testing.T) {
	store := replica.NewMemory()
	localBus := bus.NewMemory()
	startController(t, Options{
		Role:     rbac.RoleCoordinator,
		SenderID: dispatch.CoordinatorSender,
		Transports: []Transport{
			NewLocalBus(localBus, dispatch.CoordinatorSender),
			NewReplicatedStore(store, room),
		},
	})
	window := startController(t, Options{
		Role:       rbac.RoleCoordinator,
		SenderID:   dispatch.CoordinatorSender,
		Transports: []Transport{NewLocalBus(localBus, dispatch.CoordinatorSender)},
	})

	remote, _ := dispatch.UpsertUnit(dispatch.Empty(), dispatch.Unit{ID: "u-9", Name: "LADDER-9", Type: dispatch.UnitFire}, 10)
	raw, _ := dispatch.Encode(remote)
	_ = store.Put(context.Background(), replica.RoomPath(room), raw)

	waitForState(t, window, "mirrored unit", func(s dispatch.Snapshot) bool {
		_, ok := s.UnitByName("LADDER-9")
		return ok
	})
}

func TestMalformedNullPayloadKeepsState(t *testing.T) {
	store := replica.NewMemory()
	c := startController(t, Options{
		Role:       rbac.RoleField,
		SenderID:   "ENGINE-3",
		Transports: []Transport{NewReplicatedStore(store, room)},
	})
	before, _, _ := c.LocalApply(context.Background(), createIncident("INC-3001"))

	for _, raw := range []string{"null", `{"foo":1}`} {
		if err := store.Put(context.Background(), replica.RoomPath(room), raw); err != nil {
			t.Fatalf("put: %v", err)
		}
		if ev := waitForEvent(t, c, EventDecodeFailed); !errors.Is(ev.Err, dispatch.ErrNotSnapshot) {
			t.Fatalf("unexpected event for %q: %+v", raw, ev)
		}
	}
	after, _ := c.State(context.Background())
	if !dispatch.Equal(before, after) {
		t.Fatal("a payload without units or incidents wiped local state")
	}
}

// Another writer's snapshot lands in the store while the coordinator is in
// the middle of a local apply, so the coordinator sees it after its own
// optimistic state. Its own write is the later one and must still win.
func TestEchoOfOwnWriteWinsOverEarlierForeignWrite(t *testing.T) {
	store := replica.NewMemory()
	inbound := make(chan Change, 16)
	hq := startController(t, Options{
		Role:       rbac.RoleCoordinator,
		SenderID:   dispatch.CoordinatorSender,
		Transports: []Transport{NewReplicatedStore(store, room)},
		OnChange: func(ch Change) {
			if ch.Source == SourceLocal {
				return
			}
			select {
			case inbound <- ch:
			default:
			}
		},
	})
	observer := startController(t, Options{
		Role:       rbac.RoleField,
		SenderID:   "LADDER-9",
		Transports: []Transport{NewReplicatedStore(store, room)},
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	held := func(s dispatch.Snapshot) (dispatch.Snapshot, bool) {
		close(entered)
		<-release
		return createIncident("INC-1111")(s)
	}
	type applied struct {
		next dispatch.Snapshot
		ok   bool
		err  error
	}
	done := make(chan applied, 1)
	go func() {
		next, ok, err := hq.LocalApply(context.Background(), held)
		done <- applied{next, ok, err}
	}()

	<-entered
	foreign, _ := dispatch.CreateIncident(dispatch.Empty(), dispatch.NewIncident("INC-2222", "Medical", "Pier 4", dispatch.PriorityLow, dispatch.CoordinatorSender, time.Now()))
	raw, _ := dispatch.Encode(foreign)
	if err := store.Put(context.Background(), replica.RoomPath(room), raw); err != nil {
		t.Fatalf("foreign put: %v", err)
	}
	close(release)

	res := <-done
	if res.err != nil || !res.ok {
		t.Fatalf("local apply: ok=%v err=%v", res.ok, res.err)
	}
	hq.Publish(res.next)
	if err := hq.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// the foreign write is applied over the optimistic state first
	select {
	case ch := <-inbound:
		if _, ok := ch.Next.Incident("INC-2222"); !ok {
			t.Fatalf("expected the foreign snapshot first, got %v", incidentIDs(ch.Next))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("foreign write never reached the coordinator")
	}

	final := waitForConvergence(t, store, hq, observer)
	if ids := incidentIDs(final); len(ids) != 1 || ids[0] != "INC-1111" {
		t.Fatalf("store should hold the later write, got %v", ids)
	}
}

func TestConcurrentWritersConverge(t *testing.T) {
	store := replica.NewMemory()
	transports := func() []Transport { return []Transport{NewReplicatedStore(store, room)} }
	hq := startController(t, Options{Role: rbac.RoleCoordinator, SenderID: dispatch.CoordinatorSender, Transports: transports()})
	engine := startController(t, Options{Role: rbac.RoleField, SenderID: "ENGINE-3", Transports: transports()})
	medic := startController(t, Options{Role: rbac.RoleField, SenderID: "MEDIC-1", Transports: transports()})

	start := make(chan struct{})
	errs := make(chan error, 3)
	write := func(c *Controller, m dispatch.Mutation) {
		<-start
		_, _, err := c.Mutate(context.Background(), m)
		if err == nil {
			err = c.Flush(context.Background())
		}
		errs <- err
	}
	now := time.Now().UnixMilli()
	go write(hq, createIncident("INC-7000"))
	go write(engine, registerUnit("unit-e3", "ENGINE-3", now))
	go write(medic, registerUnit("unit-m1", "MEDIC-1", now))
	close(start)
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	final := waitForConvergence(t, store, hq, engine, medic)
	if len(final.Units)+len(final.Incidents) == 0 {
		t.Fatal("converged on an empty document")
	}
}

func TestIncidentLogsAreSetEqualAfterConvergence(t *testing.T) {
	store := replica.NewMemory()
	transports := func() []Transport { return []Transport{NewReplicatedStore(store, room)} }
	hq := startController(t, Options{Role: rbac.RoleCoordinator, SenderID: dispatch.CoordinatorSender, Transports: transports()})
	if _, ok, err := hq.Mutate(context.Background(), createIncident("INC-8000")); err != nil || !ok {
		t.Fatalf("create incident: ok=%v err=%v", ok, err)
	}
	_ = hq.Flush(context.Background())

	engine := startController(t, Options{Role: rbac.RoleField, SenderID: "ENGINE-3", Transports: transports()})
	medic := startController(t, Options{Role: rbac.RoleField, SenderID: "MEDIC-1", Transports: transports()})
	for _, c := range []*Controller{engine, medic} {
		if _, err := c.Join(context.Background()); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	appendLog := func(sender, message string) dispatch.Mutation {
		return func(s dispatch.Snapshot) (dispatch.Snapshot, bool) {
			return dispatch.AppendLog(s, "INC-8000", dispatch.NewLogEntry(sender, message, time.Now()))
		}
	}
	var wg sync.WaitGroup
	for i, c := range []*Controller{engine, medic, hq} {
		wg.Add(1)
		go func(i int, c *Controller) {
			defer wg.Done()
			_, _, _ = c.Mutate(context.Background(), appendLog(c.SenderID(), fmt.Sprintf("update %d", i)))
			_ = c.Flush(context.Background())
		}(i, c)
	}
	wg.Wait()

	waitForConvergence(t, store, hq, engine, medic)
	logIDs := func(c *Controller) map[string]bool {
		s, _ := c.State(context.Background())
		inc, ok := s.Incident("INC-8000")
		if !ok {
			t.Fatal("incident lost during convergence")
		}
		ids := map[string]bool{}
		for _, entry := range inc.Logs {
			ids[entry.ID] = true
		}
		return ids
	}
	want := logIDs(hq)
	if len(want) < 2 {
		t.Fatalf("expected the creation entry and at least one update, got %d entries", len(want))
	}
	for _, c := range []*Controller{engine, medic} {
		if got := logIDs(c); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s log entries %v differ from coordinator %v", c.SenderID(), got, want)
		}
	}
}

type failingTransport struct {
	sink Sink
}

func (f *failingTransport) Name() string { return "failing" }
func (f *failingTransport) Kind() Kind   { return KindReplicatedStore }
func (f *failingTransport) Subscribe(sink Sink) (func(), error) {
	f.sink = sink
	return func() {}, nil
}
func (f *failingTransport) Publish(context.Context, dispatch.Snapshot) error {
	return errors.New("relay unreachable")
}
func (f *failingTransport) Pull(context.Context) error {
	return errors.New("relay unreachable")
}

func TestPublishFailureIsReportedNotFatal(t *testing.T) {
	c := startController(t, Options{
		Role:        rbac.RoleCoordinator,
		SenderID:    dispatch.CoordinatorSender,
		Transports:  []Transport{&failingTransport{}},
		JoinTimeout: 30 * time.Millisecond,
	})
	next, ok, err := c.Mutate(context.Background(), createIncident("INC-6000"))
	if err != nil || !ok {
		t.Fatalf("mutate: ok=%v err=%v", ok, err)
	}
	ev := waitForEvent(t, c, EventPublishFailed)
	if ev.Source != "failing" {
		t.Fatalf("unexpected event %+v", ev)
	}
	state, _ := c.State(context.Background())
	if !dispatch.Equal(state, next) {
		t.Fatal("local state lost after publish failure")
	}

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if c.Status().Counters[EventPullFailed] == 0 {
		t.Fatal("expected pull failure to be counted")
	}
}

func TestSubscribeFailureStopsRun(t *testing.T) {
	store, _ := replica.NewRedisStore([]replica.Relay{{
		Name:   "dead",
		Client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}),
	}})
	c := New(Options{
		Role:       rbac.RoleField,
		SenderID:   "ENGINE-3",
		Transports: []Transport{NewReplicatedStore(store, room)},
	})
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected run to fail when no relay accepts the subscription")
	}
	if _, err := c.State(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestForMode(t *testing.T) {
	local := NewLocalBus(bus.NewMemory(), "HQ")
	replicated := NewReplicatedStore(replica.NewMemory(), room)

	cases := []struct {
		mode Mode
		want []string
	}{
		{ModeLocal, []string{"local-bus"}},
		{ModeReplicated, []string{"replicated-store"}},
		{ModeHybrid, []string{"local-bus", "replicated-store"}},
	}
	for _, tc := range cases {
		got, err := ForMode(tc.mode, local, replicated)
		if err != nil {
			t.Fatalf("ForMode(%s): %v", tc.mode, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("ForMode(%s) = %d transports", tc.mode, len(got))
		}
		for i, name := range tc.want {
			if got[i].Name() != name {
				t.Fatalf("ForMode(%s)[%d] = %s, want %s", tc.mode, i, got[i].Name(), name)
			}
		}
	}
	if _, err := ForMode("carrier-pigeon", local, replicated); err == nil {
		t.Fatal("expected unknown mode error")
	}
	if _, err := ForMode(ModeLocal, nil, replicated); err == nil {
		t.Fatal("expected error for mode with no transport")
	}
	if DefaultMode(rbac.RoleCoordinator) != ModeHybrid || DefaultMode(rbac.RoleField) != ModeReplicated {
		t.Fatal("unexpected default modes")
	}
}

func TestEndToEndOverRedisRelays(t *testing.T) {
	var relays []replica.Relay
	for i := 0; i < 2; i++ {
		s := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: s.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		relays = append(relays, replica.Relay{Name: s.Addr(), Client: client})
	}
	store, err := replica.NewRedisStore(relays)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	hq := startController(t, Options{
		Role:       rbac.RoleCoordinator,
		SenderID:   dispatch.CoordinatorSender,
		Transports: []Transport{NewReplicatedStore(store, room)},
	})
	_, _, _ = hq.Mutate(context.Background(), createIncident("INC-4821"))
	_ = hq.Flush(context.Background())

	field := startController(t, Options{
		Role:       rbac.RoleField,
		SenderID:   "ENGINE-3",
		Transports: []Transport{NewReplicatedStore(store, room)},
	})
	state, err := field.Join(context.Background())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, ok := state.Incident("INC-4821"); !ok {
		t.Fatalf("field missing incident after join over redis: %+v", state)
	}

	now := time.Now().UnixMilli()
	_, _, _ = field.Mutate(context.Background(), registerUnit("unit-e3", "ENGINE-3", now))
	waitForState(t, hq, "field unit over redis", func(s dispatch.Snapshot) bool {
		_, ok := s.UnitByName("ENGINE-3")
		return ok
	})
}
