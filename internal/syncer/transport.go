package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dispatchsync/internal/bus"
	"dispatchsync/internal/dispatch"
	"dispatchsync/internal/rbac"
	"dispatchsync/internal/replica"
)

type Kind string

const (
	KindLocalBus        Kind = "local-bus"
	KindReplicatedStore Kind = "replicated-store"
)

// Mode selects which transports a participant binds.
type Mode string

const (
	ModeLocal      Mode = "local"
	ModeReplicated Mode = "replicated"
	ModeHybrid     Mode = "hybrid"
)

var errNotSubscribed = errors.New("transport not subscribed")

type InboundKind int

const (
	InboundSnapshot InboundKind = iota
	InboundHeartbeat
	// InboundEmpty answers a pull when the store has no value yet.
	InboundEmpty
	InboundFault
)

// Inbound is everything a transport can hand the controller.
type Inbound struct {
	Source   string
	Kind     InboundKind
	Snapshot dispatch.Snapshot
	SenderID string
	Fault    EventKind
	Err      error
}

type Sink func(Inbound)

// Transport is one replication substrate. Subscribe must be called before
// Publish or Pull; pull results arrive through the sink.
type Transport interface {
	Name() string
	Kind() Kind
	Subscribe(sink Sink) (release func(), err error)
	Publish(ctx context.Context, snapshot dispatch.Snapshot) error
	Pull(ctx context.Context) error
}

// DefaultMode is hybrid for the coordinator, which mirrors onto co-located
// views, and replicated-only for field participants.
func DefaultMode(role rbac.Role) Mode {
	if role == rbac.RoleCoordinator {
		return ModeHybrid
	}
	return ModeReplicated
}

// ForMode lists the transports a mode binds. A nil bus or store is skipped.
func ForMode(mode Mode, local Transport, replicated Transport) ([]Transport, error) {
	var out []Transport
	switch mode {
	case ModeLocal:
		out = appendNonNil(out, local)
	case ModeReplicated:
		out = appendNonNil(out, replicated)
	case ModeHybrid:
		out = appendNonNil(out, local)
		out = appendNonNil(out, replicated)
	default:
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("mode %s has no transport configured", mode)
	}
	return out, nil
}

func appendNonNil(list []Transport, t Transport) []Transport {
	if t == nil {
		return list
	}
	return append(list, t)
}

// LocalBus carries snapshots and heartbeat requests between co-located views.
type LocalBus struct {
	bus      bus.Bus
	senderID string

	mu  sync.Mutex
	sub bus.Subscription
}

func NewLocalBus(b bus.Bus, senderID string) *LocalBus {
	return &LocalBus{bus: b, senderID: senderID}
}

func (t *LocalBus) Name() string { return string(KindLocalBus) }
func (t *LocalBus) Kind() Kind   { return KindLocalBus }

func (t *LocalBus) Subscribe(sink Sink) (func(), error) {
	sub, err := t.bus.Subscribe(func(msg bus.Message) {
		switch msg.Type {
		case bus.StateUpdate:
			snapshot, err := msg.Snapshot()
			if err != nil {
				sink(Inbound{Source: t.Name(), Kind: InboundFault, Fault: EventDecodeFailed, Err: err, SenderID: msg.SenderID})
				return
			}
			sink(Inbound{Source: t.Name(), Kind: InboundSnapshot, Snapshot: snapshot, SenderID: msg.SenderID})
		case bus.HeartbeatRequest:
			sink(Inbound{Source: t.Name(), Kind: InboundHeartbeat, SenderID: msg.SenderID})
		default:
			sink(Inbound{Source: t.Name(), Kind: InboundFault, Fault: EventDecodeFailed, Err: fmt.Errorf("unknown message type %q", msg.Type), SenderID: msg.SenderID})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe local bus: %w", err)
	}

	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		t.sub = nil
		t.mu.Unlock()
		_ = sub.Close()
	}, nil
}

func (t *LocalBus) subscription() (bus.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil, errNotSubscribed
	}
	return t.sub, nil
}

func (t *LocalBus) Publish(ctx context.Context, snapshot dispatch.Snapshot) error {
	sub, err := t.subscription()
	if err != nil {
		return err
	}
	msg, err := bus.NewStateUpdate(t.senderID, snapshot)
	if err != nil {
		return err
	}
	return sub.Publish(ctx, msg)
}

func (t *LocalBus) Pull(ctx context.Context) error {
	sub, err := t.subscription()
	if err != nil {
		return err
	}
	return sub.Publish(ctx, bus.NewHeartbeatRequest(t.senderID))
}

// ReplicatedStore carries snapshots through the room path of the replicated
// store. Every observed write is delivered, the writer's own echoes
// included, so the participant always settles on what the store holds.
type ReplicatedStore struct {
	store replica.Store
	path  string

	mu   sync.Mutex
	sink Sink
}

func NewReplicatedStore(store replica.Store, room string) *ReplicatedStore {
	return &ReplicatedStore{store: store, path: replica.RoomPath(room)}
}

func (t *ReplicatedStore) Name() string { return string(KindReplicatedStore) }
func (t *ReplicatedStore) Kind() Kind   { return KindReplicatedStore }

func (t *ReplicatedStore) Subscribe(sink Sink) (func(), error) {
	cancel, err := t.store.On(t.path, func(value string) { t.deliver(sink, value) })
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", t.path, err)
	}

	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		t.sink = nil
		t.mu.Unlock()
		cancel()
	}, nil
}

func (t *ReplicatedStore) deliver(sink Sink, value string) {
	snapshot, err := dispatch.Decode(value)
	if err != nil {
		sink(Inbound{Source: t.Name(), Kind: InboundFault, Fault: EventDecodeFailed, Err: err})
		return
	}
	sink(Inbound{Source: t.Name(), Kind: InboundSnapshot, Snapshot: snapshot})
}

func (t *ReplicatedStore) Publish(ctx context.Context, snapshot dispatch.Snapshot) error {
	raw, err := dispatch.Encode(snapshot)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, t.path, raw)
}

func (t *ReplicatedStore) Pull(ctx context.Context) error {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		return errNotSubscribed
	}
	t.store.Once(ctx, t.path, func(result replica.OnceResult) {
		switch {
		case result.Err != nil:
			sink(Inbound{Source: t.Name(), Kind: InboundFault, Fault: EventPullFailed, Err: result.Err})
		case !result.Found:
			sink(Inbound{Source: t.Name(), Kind: InboundEmpty})
		default:
			t.deliver(sink, result.Value)
		}
	})
	return nil
}
