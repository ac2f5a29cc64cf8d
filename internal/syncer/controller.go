// Package syncer keeps a participant's copy of the room document converged
// with the rest of the room. Inbound snapshots replace local state in full;
// local mutations are applied first and published afterwards.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"dispatchsync/internal/dispatch"
	"dispatchsync/internal/rbac"

	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("sync controller stopped")

const (
	defaultJoinTimeout    = 5 * time.Second
	defaultPublishTimeout = 5 * time.Second
	workQueue             = 256
)

type Options struct {
	Role           rbac.Role
	SenderID       string
	Transports     []Transport
	JoinTimeout    time.Duration
	PublishTimeout time.Duration
	Now            func() time.Time
	Logger         zerolog.Logger

	// OnChange runs on the event loop after the local snapshot changed. It
	// must not block.
	OnChange func(Change)
}

// Change describes one transition of the local snapshot. Source is "local"
// for mutations and the transport name for inbound snapshots.
type Change struct {
	Source string
	Prev   dispatch.Snapshot
	Next   dispatch.Snapshot
}

const SourceLocal = "local"

// Controller owns the local snapshot. Every read and write of it happens on
// the goroutine running Run, one event at a time.
type Controller struct {
	role           rbac.Role
	senderID       string
	transports     []Transport
	outlets        map[string]*outlet
	joinTimeout    time.Duration
	publishTimeout time.Duration
	now            func() time.Time
	logger         zerolog.Logger
	diag           *diagnostics
	onChange       func(Change)

	work    chan func()
	done    chan struct{}
	stopped sync.Once

	// loop-owned
	state   dispatch.Snapshot
	waiters []chan struct{}

	syncMu   sync.RWMutex
	lastSync time.Time
}

// Status is what the "last sync" indicator shows.
type Status struct {
	Role       rbac.Role           `json:"role"`
	SenderID   string              `json:"senderId"`
	Transports []string            `json:"transports"`
	LastSync   *time.Time          `json:"lastSync"`
	Counters   map[EventKind]int64 `json:"counters"`
}

func New(opts Options) *Controller {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		role:           opts.Role,
		senderID:       opts.SenderID,
		transports:     opts.Transports,
		outlets:        make(map[string]*outlet, len(opts.Transports)),
		joinTimeout:    opts.JoinTimeout,
		publishTimeout: opts.PublishTimeout,
		now:            opts.Now,
		logger:         opts.Logger,
		diag:           newDiagnostics(),
		onChange:       opts.OnChange,
		work:           make(chan func(), workQueue),
		done:           make(chan struct{}),
		state:          dispatch.Empty(),
	}
	for _, t := range opts.Transports {
		c.outlets[t.Name()] = newOutlet(t)
	}
	return c
}

// Run subscribes every transport and processes events until ctx is done.
// Subscriptions are released on return, whatever the reason.
func (c *Controller) Run(ctx context.Context) error {
	defer c.stopped.Do(func() { close(c.done) })

	var releases []func()
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()

	for _, t := range c.transports {
		release, err := t.Subscribe(c.sink)
		if err != nil {
			c.report(EventSubscribeFailed, t.Name(), err)
			return err
		}
		releases = append(releases, release)
	}

	var outlets sync.WaitGroup
	outletCtx, stopOutlets := context.WithCancel(context.Background())
	for _, o := range c.outlets {
		outlets.Add(1)
		go func(o *outlet) {
			defer outlets.Done()
			o.run(outletCtx, c)
		}(o)
	}
	defer func() {
		stopOutlets()
		outlets.Wait()
	}()

	c.logger.Info().Int("transports", len(c.transports)).Msg("sync controller running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.work:
			fn()
		}
	}
}

func (c *Controller) sink(in Inbound) {
	c.enqueue(func() { c.handleInbound(in) })
}

func (c *Controller) enqueue(fn func()) bool {
	select {
	case c.work <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (c *Controller) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	queued := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.work <- queued:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) handleInbound(in Inbound) {
	switch in.Kind {
	case InboundSnapshot:
		prev := c.state
		changed := !dispatch.Equal(prev, in.Snapshot)
		c.state = dispatch.ApplySnapshot(prev, in.Snapshot)
		c.markSynced()
		c.releaseWaiters()
		if changed {
			c.logger.Debug().Str("source", in.Source).Str("sender", in.SenderID).
				Int("units", len(c.state.Units)).Int("incidents", len(c.state.Incidents)).
				Msg("applied inbound snapshot")
			if c.role == rbac.RoleCoordinator {
				c.mirror(in.Source)
			}
			c.notify(in.Source, prev)
		}
	case InboundHeartbeat:
		if c.role != rbac.RoleCoordinator {
			return
		}
		if o, ok := c.outlets[in.Source]; ok {
			o.offer(c.state)
		}
	case InboundEmpty:
		c.markSynced()
		c.releaseWaiters()
	case InboundFault:
		c.report(in.Fault, in.Source, in.Err)
	}
}

// mirror republishes the coordinator's state onto the local bus after it
// changed because of another transport.
func (c *Controller) mirror(source string) {
	for _, t := range c.transports {
		if t.Kind() != KindLocalBus || t.Name() == source {
			continue
		}
		c.outlets[t.Name()].offer(c.state)
	}
}

func (c *Controller) notify(source string, prev dispatch.Snapshot) {
	if c.onChange == nil {
		return
	}
	c.onChange(Change{Source: source, Prev: prev.Clone(), Next: c.state.Clone()})
}

func (c *Controller) markSynced() {
	c.syncMu.Lock()
	c.lastSync = c.now()
	c.syncMu.Unlock()
}

func (c *Controller) releaseWaiters() {
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

// State returns a copy of the current local snapshot.
func (c *Controller) State(ctx context.Context) (dispatch.Snapshot, error) {
	var out dispatch.Snapshot
	err := c.call(ctx, func() { out = c.state.Clone() })
	return out, err
}

// LocalApply runs mutation against the local snapshot. Nothing is published.
func (c *Controller) LocalApply(ctx context.Context, mutation dispatch.Mutation) (dispatch.Snapshot, bool, error) {
	var (
		out      dispatch.Snapshot
		accepted bool
	)
	err := c.call(ctx, func() {
		prev := c.state
		next, ok := mutation(prev)
		if ok {
			c.state = next
			c.notify(SourceLocal, prev)
		}
		accepted = ok
		out = c.state.Clone()
	})
	return out, accepted, err
}

// Publish queues snapshot on every transport and returns without waiting for
// delivery. Failures surface as diagnostics.
func (c *Controller) Publish(snapshot dispatch.Snapshot) {
	for _, t := range c.transports {
		c.outlets[t.Name()].offer(snapshot)
	}
}

// Mutate is LocalApply followed by Publish when the mutation was accepted.
func (c *Controller) Mutate(ctx context.Context, mutation dispatch.Mutation) (dispatch.Snapshot, bool, error) {
	next, ok, err := c.LocalApply(ctx, mutation)
	if err != nil || !ok {
		return next, ok, err
	}
	c.Publish(next)
	return next, true, nil
}

// Flush waits until every queued publication has been attempted.
func (c *Controller) Flush(ctx context.Context) error {
	for _, o := range c.outlets {
		if err := o.idle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Join issues a pull on every transport and waits for the first answer. If
// none arrives within the join timeout the participant carries on with what
// it has and a pull_timeout diagnostic is raised.
func (c *Controller) Join(ctx context.Context) (dispatch.Snapshot, error) {
	return c.reconcile(ctx, "join")
}

// Refresh is the manual form of the join pull.
func (c *Controller) Refresh(ctx context.Context) (dispatch.Snapshot, error) {
	return c.reconcile(ctx, "refresh")
}

func (c *Controller) reconcile(ctx context.Context, reason string) (dispatch.Snapshot, error) {
	answered := make(chan struct{})
	if err := c.call(ctx, func() { c.waiters = append(c.waiters, answered) }); err != nil {
		return dispatch.Snapshot{}, err
	}

	for _, t := range c.transports {
		// pulls outlive the caller's context; their answer lands on the loop
		pullCtx, cancel := context.WithTimeout(context.Background(), c.joinTimeout)
		err := t.Pull(pullCtx)
		if err != nil {
			cancel()
			c.report(EventPullFailed, t.Name(), err)
			continue
		}
		time.AfterFunc(c.joinTimeout, cancel)
	}

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()
	select {
	case <-answered:
	case <-timer.C:
		c.report(EventPullTimeout, reason, nil)
	case <-ctx.Done():
		return dispatch.Snapshot{}, ctx.Err()
	case <-c.done:
		return dispatch.Snapshot{}, ErrStopped
	}
	return c.State(ctx)
}

// LastSync is when an inbound snapshot or pull answer last arrived.
func (c *Controller) LastSync() time.Time {
	c.syncMu.RLock()
	defer c.syncMu.RUnlock()
	return c.lastSync
}

func (c *Controller) Status() Status {
	names := make([]string, 0, len(c.transports))
	for _, t := range c.transports {
		names = append(names, t.Name())
	}
	status := Status{
		Role:       c.role,
		SenderID:   c.senderID,
		Transports: names,
		Counters:   c.diag.counters(),
	}
	if last := c.LastSync(); !last.IsZero() {
		status.LastSync = &last
	}
	return status
}

// Events exposes diagnostics. The channel is buffered; events are dropped
// rather than blocking the loop when nobody reads.
func (c *Controller) Events() <-chan Event {
	return c.diag.events
}

func (c *Controller) Role() rbac.Role { return c.role }

func (c *Controller) SenderID() string { return c.senderID }

func (c *Controller) report(kind EventKind, source string, err error) {
	event := Event{Kind: kind, Source: source, Err: err, At: c.now()}
	c.diag.record(event)
	c.logger.Warn().Err(err).Str("event", string(kind)).Str("source", source).Msg("sync diagnostic")
}
