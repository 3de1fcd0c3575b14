package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/tether/internal/notify"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/resolver"
	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/transport"
	"github.com/hyperengineering/tether/internal/types"
)

// Connectivity is the reachability feed the coordinator reacts to.
type Connectivity interface {
	Current() types.ConnectivityState
	Changes(ctx context.Context) <-chan types.ConnectivityState
}

// EntityCache is the part of the local store the coordinator reconciles
// against the remote.
type EntityCache interface {
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	WithTx(ctx context.Context, fn func(tx *store.Tx) error) error
	ApplyResolution(ctx context.Context, expected *types.Entity, resolved types.Entity, audit types.ConflictAudit) (bool, error)
	SetSyncMeta(ctx context.Context, key, value string) error
}

// SyncConfig shapes the coordinator.
type SyncConfig struct {
	// Parallelism bounds how many entities drain at once. Operations of one
	// entity always run one at a time.
	Parallelism     int
	ErrorRetryDelay time.Duration
	// Policies maps entity kind to its resolution policy. The pull phase
	// fetches exactly these kinds.
	Policies map[string]resolver.Policy
}

// SyncCoordinator owns the sync state machine. All transitions happen on
// the goroutine running Run.
type SyncCoordinator struct {
	queue     *queue.Queue
	cache     EntityCache
	transport transport.Transport
	source    transport.SnapshotSource
	network   Connectivity
	cfg       SyncConfig

	state  *notify.Broadcaster[tethersync.State]
	events *notify.Broadcaster[tethersync.Event]

	trigger chan struct{}
	queued  chan struct{}

	mu        sync.Mutex
	cancelRun context.CancelFunc

	// errorRetryAt is when the pending error retry fires. Only the Run
	// goroutine touches it.
	errorRetryAt time.Time

	now func() time.Time
}

// NewSyncCoordinator wires a coordinator. source may be nil, in which case
// the pull phase is skipped.
func NewSyncCoordinator(
	q *queue.Queue,
	cache EntityCache,
	tr transport.Transport,
	source transport.SnapshotSource,
	network Connectivity,
	cfg SyncConfig,
) *SyncCoordinator {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.ErrorRetryDelay <= 0 {
		cfg.ErrorRetryDelay = 30 * time.Second
	}
	return &SyncCoordinator{
		queue:     q,
		cache:     cache,
		transport: tr,
		source:    source,
		network:   network,
		cfg:       cfg,
		state:     notify.New(tethersync.Idle(), tethersync.State.Equal),
		events:    notify.New[tethersync.Event](tethersync.Event{}, nil),
		trigger:   make(chan struct{}, 1),
		queued:    make(chan struct{}, 1),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the coordinator's time source.
func (c *SyncCoordinator) SetClock(now func() time.Time) {
	c.now = now
}

// State returns the current sync state.
func (c *SyncCoordinator) State() tethersync.State {
	return c.state.Current()
}

// States streams the sync state, starting with the current one.
func (c *SyncCoordinator) States(ctx context.Context) <-chan tethersync.State {
	return c.state.Subscribe(ctx)
}

// Events streams host events raised from now on.
func (c *SyncCoordinator) Events(ctx context.Context) <-chan tethersync.Event {
	return c.events.Listen(ctx)
}

// TriggerSync asks for a sync regardless of connectivity. It does nothing
// while a sync is running.
func (c *SyncCoordinator) TriggerSync() {
	if c.state.Current().Kind == tethersync.StateSyncing {
		return
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// CancelSync stops the running sync after in-flight calls return.
// Operations already confirmed stay confirmed. It reports whether a sync
// was running.
func (c *SyncCoordinator) CancelSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRun == nil {
		return false
	}
	c.cancelRun()
	return true
}

// QueueChanged tells the coordinator a mutation was enqueued.
func (c *SyncCoordinator) QueueChanged() {
	select {
	case c.queued <- struct{}{}:
	default:
	}
}

// Close ends every States and Events subscription.
func (c *SyncCoordinator) Close() {
	c.state.Close()
	c.events.Close()
}

// Run drives the state machine until ctx is cancelled.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "worker_started",
		"parallelism", c.cfg.Parallelism,
	)

	changes := c.network.Changes(ctx)

	var wake *time.Timer
	var wakeC <-chan time.Time
	arm := func(d time.Duration) {
		if wake != nil {
			wake.Stop()
		}
		wakeC = nil
		if d < 0 {
			return
		}
		wake = time.NewTimer(d)
		wakeC = wake.C
	}
	defer arm(-1)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return

		case s, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			arm(c.onConnectivity(ctx, s))

		case <-c.queued:
			arm(c.onQueued(ctx))

		case <-c.trigger:
			arm(c.sync(ctx))

		case <-wakeC:
			wakeC = nil
			arm(c.reevaluate(ctx))
		}
	}
}

// onConnectivity handles a reachability transition and returns the delay
// until the next wake-up, or a negative duration for none.
func (c *SyncCoordinator) onConnectivity(ctx context.Context, s types.ConnectivityState) time.Duration {
	if c.state.Current().Kind == tethersync.StateError {
		return c.untilErrorRetry()
	}

	n, err := c.queue.Len(ctx)
	if err != nil {
		return c.fail(ctx, "", err)
	}

	if !s.Connected {
		c.settle(n, s)
		return -1
	}
	if n > 0 {
		return c.sync(ctx)
	}
	c.state.Publish(tethersync.Idle())
	return -1
}

func (c *SyncCoordinator) onQueued(ctx context.Context) time.Duration {
	if c.state.Current().Kind == tethersync.StateError {
		return c.untilErrorRetry()
	}
	if c.network.Current().Connected {
		return c.sync(ctx)
	}
	n, err := c.queue.Len(ctx)
	if err != nil {
		return c.fail(ctx, "", err)
	}
	c.settle(n, c.network.Current())
	return -1
}

// reevaluate runs when a backoff or error-retry timer fires.
func (c *SyncCoordinator) reevaluate(ctx context.Context) time.Duration {
	net := c.network.Current()
	n, err := c.queue.Len(ctx)
	if err != nil {
		return c.fail(ctx, "", err)
	}
	if net.Connected && n > 0 {
		return c.sync(ctx)
	}
	c.settle(n, net)
	return -1
}

// settle publishes the resting state for n queued operations.
func (c *SyncCoordinator) settle(n int, net types.ConnectivityState) {
	if !net.Connected && n > 0 {
		c.state.Publish(tethersync.Offline(n))
		return
	}
	c.state.Publish(tethersync.Idle())
}

// fail moves to Error and schedules re-evaluation.
func (c *SyncCoordinator) fail(ctx context.Context, runID string, err error) time.Duration {
	if ctx.Err() != nil {
		return -1
	}
	msg := err.Error()
	if errors.Is(err, store.ErrCorrupt) {
		msg = "store corruption: " + msg
	}
	slog.Error("sync failed",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "sync_failed",
		"run_id", runID,
		"error", err,
	)
	c.state.Publish(tethersync.Errored(msg))
	return c.scheduleErrorRetry()
}

// scheduleErrorRetry starts the fixed error retry delay.
func (c *SyncCoordinator) scheduleErrorRetry() time.Duration {
	c.errorRetryAt = time.Now().Add(c.cfg.ErrorRetryDelay)
	return c.cfg.ErrorRetryDelay
}

// untilErrorRetry returns what is left of the pending error retry delay.
// Activity while in Error does not push the retry back.
func (c *SyncCoordinator) untilErrorRetry() time.Duration {
	if c.errorRetryAt.IsZero() {
		return c.scheduleErrorRetry()
	}
	return max(time.Until(c.errorRetryAt), 0)
}

// runStats collects the outcome of one sync run. Workers update it
// concurrently.
type runStats struct {
	mu           sync.Mutex
	total        int
	processed    int
	succeeded    int
	deadLettered int
	retrying     map[string]bool
	// seen holds the operations counted in processed. A requeued
	// operation is attempted again in the same run but counted once.
	seen map[string]bool
}

func newRunStats() *runStats {
	return &runStats{retrying: make(map[string]bool), seen: make(map[string]bool)}
}

func (s *runStats) record(f func(*runStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

// progress is the share of the run's operations handled so far. The
// caller holds s.mu.
func (s *runStats) progress() float64 {
	if s.total <= 0 {
		return 1
	}
	return min(float64(s.processed)/float64(s.total), 1)
}

// sync runs one drain pass followed by one pull pass and returns the delay
// until the next wake-up.
func (c *SyncCoordinator) sync(parent context.Context) time.Duration {
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancelRun = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelRun = nil
		c.mu.Unlock()
		cancel()
	}()

	c.state.Publish(tethersync.Syncing(0, "starting"))
	started := time.Now()
	slog.Info("sync started",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "sync_start",
		"run_id", runID,
	)

	stats, err := c.drain(ctx, runID)
	if err == nil && ctx.Err() == nil {
		c.state.Publish(tethersync.Syncing(1, "pulling"))
		err = c.pull(ctx, runID)
	}

	if parent.Err() != nil {
		return -1
	}
	if ctx.Err() != nil {
		slog.Info("sync cancelled",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "sync_cancelled",
			"run_id", runID,
			"processed", stats.processed,
		)
		c.state.Publish(tethersync.Idle())
		return -1
	}
	if err != nil {
		return c.fail(parent, runID, err)
	}

	slog.Info("sync completed",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "sync_complete",
		"run_id", runID,
		"succeeded", stats.succeeded,
		"dead_lettered", stats.deadLettered,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	if stats.deadLettered > 0 {
		c.state.Publish(tethersync.Errored(fmt.Sprintf("%v: %d operation(s) dead-lettered", ErrMaxRetriesExceeded, stats.deadLettered)))
		return c.scheduleErrorRetry()
	}

	n, err := c.queue.Len(parent)
	if err != nil {
		return c.fail(parent, runID, err)
	}
	c.settle(n, c.network.Current())
	return c.nextRetry(parent)
}

// nextRetry returns the delay until the earliest backed-off operation
// becomes eligible, or -1 when nothing is waiting on a timer.
func (c *SyncCoordinator) nextRetry(ctx context.Context) time.Duration {
	ops, err := c.queue.List(ctx)
	if err != nil {
		return -1
	}
	var earliest *time.Time
	for _, op := range ops {
		if op.NextRetryAt != nil && (earliest == nil || op.NextRetryAt.Before(*earliest)) {
			earliest = op.NextRetryAt
		}
	}
	if earliest == nil {
		return -1
	}
	return max(earliest.Sub(c.now()), 0)
}

// drain pushes eligible operations until a pass makes no progress. Each
// pass takes the head operation of every entity, so operations of one
// entity run strictly in enqueue order.
func (c *SyncCoordinator) drain(ctx context.Context, runID string) (*runStats, error) {
	stats := newRunStats()
	n, err := c.queue.Len(ctx)
	if err != nil {
		return stats, err
	}
	stats.total = n

	for ctx.Err() == nil {
		var batch []types.PendingOperation
		for op, err := range c.queue.Pending(ctx) {
			if err != nil {
				return stats, err
			}
			if !stats.retrying[op.ID] {
				batch = append(batch, op)
			}
		}
		if len(batch) == 0 {
			return stats, nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Parallelism)
		for _, op := range batch {
			g.Go(func() error {
				err := c.attempt(gctx, runID, op, stats)
				if errors.Is(err, queue.ErrNotFound) {
					// Cleared or requeued by the host mid-run.
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// attempt pushes one operation and records its outcome. Only errors that
// end the whole run are returned.
func (c *SyncCoordinator) attempt(ctx context.Context, runID string, op types.PendingOperation, stats *runStats) error {
	if ctx.Err() != nil {
		return nil
	}

	_, err := c.transport.Execute(ctx, transport.RequestFor(op))
	if err == nil {
		// The remote confirmed it; a cancel racing the response must not
		// leave it queued.
		if err := c.queue.MarkSuccess(context.WithoutCancel(ctx), op.ID); err != nil {
			return err
		}
		c.advance(stats, op, func(s *runStats) { s.succeeded++ })
		return nil
	}
	if ctx.Err() != nil {
		// Cancelled mid-flight. The operation stays as it was; its
		// idempotency key covers a resend if the remote applied it.
		return nil
	}

	terr, ok := transport.As(err)
	switch {
	case ok && terr.Kind == transport.KindUnauthorized:
		return c.sessionInvalid(runID, err)
	case ok && terr.Kind == transport.KindConflict:
		return c.resolvePush(ctx, runID, op, err, stats)
	case ok && !terr.Retryable():
		return c.deadLetter(ctx, runID, op, err, queue.ReasonRejected, stats)
	}

	decision, ferr := c.queue.MarkFailure(ctx, op.ID, err)
	if ferr != nil {
		return ferr
	}
	if decision.GiveUp {
		c.emitDeadLettered(runID, op, queue.ReasonMaxAttempts)
		c.advance(stats, op, func(s *runStats) { s.deadLettered++ })
		return nil
	}
	slog.Debug("operation will retry",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "retry_scheduled",
		"run_id", runID,
		"id", op.ID,
		"retry_at", decision.RetryAt,
		"error", err,
	)
	c.advance(stats, op, func(s *runStats) { s.retrying[op.ID] = true })
	return nil
}

func (c *SyncCoordinator) advance(stats *runStats, op types.PendingOperation, f func(*runStats)) {
	stats.record(func(s *runStats) {
		f(s)
		if !s.seen[op.ID] {
			s.seen[op.ID] = true
			s.processed++
		}
		c.state.Publish(tethersync.Syncing(s.progress(), string(op.Kind)))
	})
}

func (c *SyncCoordinator) deadLetter(ctx context.Context, runID string, op types.PendingOperation, cause error, reason string, stats *runStats) error {
	if err := c.queue.DeadLetter(ctx, op.ID, cause, reason); err != nil {
		return err
	}
	c.emitDeadLettered(runID, op, reason)
	c.advance(stats, op, func(s *runStats) { s.deadLettered++ })
	return nil
}

func (c *SyncCoordinator) emitDeadLettered(runID string, op types.PendingOperation, reason string) {
	c.events.Emit(tethersync.Event{
		Kind:        tethersync.EventDeadLettered,
		RunID:       runID,
		OperationID: op.ID,
		EntityID:    op.RelatedEntityID,
		Message:     reason,
		At:          c.now(),
	})
}

func (c *SyncCoordinator) sessionInvalid(runID string, cause error) error {
	c.events.Emit(tethersync.Event{
		Kind:    tethersync.EventSessionInvalid,
		RunID:   runID,
		Message: cause.Error(),
		At:      c.now(),
	})
	return fmt.Errorf("%w: %v", ErrSessionInvalid, cause)
}

// resolvePush handles a 409 on push: fetch the remote version, resolve it
// against the local cache and either requeue the operation or retire it as
// superseded.
func (c *SyncCoordinator) resolvePush(ctx context.Context, runID string, op types.PendingOperation, cause error, stats *runStats) error {
	if op.RelatedEntityID == "" || c.source == nil {
		return c.deadLetter(ctx, runID, op, cause, queue.ReasonRejected, stats)
	}

	local, err := c.cache.GetEntity(ctx, op.RelatedEntityID)
	if errors.Is(err, store.ErrNotFound) {
		return c.deadLetter(ctx, runID, op, cause, queue.ReasonRejected, stats)
	}
	if err != nil {
		return err
	}

	remote, err := c.source.FetchEntity(ctx, local.Kind, local.ID)
	if err != nil {
		if transport.IsKind(err, transport.KindUnauthorized) {
			return c.sessionInvalid(runID, err)
		}
		if ctx.Err() != nil {
			return nil
		}
		// The remote version is unknown; treat like any failed attempt.
		decision, ferr := c.queue.MarkFailure(ctx, op.ID, cause)
		if ferr != nil {
			return ferr
		}
		c.advance(stats, op, func(s *runStats) {
			if decision.GiveUp {
				s.deadLettered++
			} else {
				s.retrying[op.ID] = true
			}
		})
		if decision.GiveUp {
			c.emitDeadLettered(runID, op, queue.ReasonMaxAttempts)
		}
		return nil
	}

	res := resolver.Resolve(*local, *remote, c.policyFor(local.Kind))
	resolved := c.settled(res, local, *remote)
	if _, err := c.cache.ApplyResolution(ctx, local, resolved, c.auditOf(res)); err != nil {
		return err
	}
	c.emitResolved(runID, op.ID, res)

	if res.Winner == resolver.WinnerRemote {
		if err := c.queue.DeadLetter(ctx, op.ID, cause, queue.ReasonSuperseded); err != nil {
			return err
		}
		c.advance(stats, op, func(*runStats) {})
		return nil
	}

	// Payloads are endpoint-specific, so the operation is resent as
	// enqueued. A merged entity lives on in the cache only.
	decision, err := c.queue.Requeue(ctx, op.ID, cause)
	if err != nil {
		return err
	}
	c.advance(stats, op, func(s *runStats) {
		if decision.GiveUp {
			s.deadLettered++
		}
	})
	if decision.GiveUp {
		c.emitDeadLettered(runID, op, queue.ReasonMaxAttempts)
	}
	return nil
}

// pull fetches every configured kind and reconciles it with the cache.
func (c *SyncCoordinator) pull(ctx context.Context, runID string) error {
	if c.source == nil || len(c.cfg.Policies) == 0 {
		return nil
	}

	kinds := make([]string, 0, len(c.cfg.Policies))
	for kind := range c.cfg.Policies {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		remotes, err := c.source.Fetch(ctx, kind)
		if err != nil {
			if transport.IsKind(err, transport.KindUnauthorized) {
				return c.sessionInvalid(runID, err)
			}
			if ctx.Err() != nil {
				return nil
			}
			// The next sync pulls again; a flaky remote is not a sync error.
			slog.Warn("snapshot fetch failed",
				"component", "worker",
				"worker", "sync-coordinator",
				"action", "pull_failed",
				"run_id", runID,
				"kind", kind,
				"error", err,
			)
			return nil
		}

		for _, remote := range remotes {
			if ctx.Err() != nil {
				return nil
			}
			if remote.Kind == "" {
				remote.Kind = kind
			}
			if err := c.reconcile(ctx, runID, remote); err != nil {
				return err
			}
		}
	}

	return c.cache.SetSyncMeta(ctx, tethersync.MetaLastPullAt, c.now().Format(time.RFC3339Nano))
}

// reconcile merges one remote entity into the cache.
func (c *SyncCoordinator) reconcile(ctx context.Context, runID string, remote types.Entity) error {
	now := c.now()
	local, err := c.cache.GetEntity(ctx, remote.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		local = nil
	case err != nil:
		return err
	}

	if local == nil {
		if remote.Deleted {
			return nil
		}
		fresh := remote.Clone()
		fresh.LocalVersionAt = time.Time{}
		fresh.SyncedAt = now
		_, err := c.commit(ctx, nil, fresh)
		return err
	}

	pending, err := c.queue.HasPending(ctx, local.ID)
	if err != nil {
		return err
	}

	if local.SameContent(remote) {
		if pending {
			return nil
		}
		stamped := local.Clone()
		stamped.SyncedAt = now
		stamped.ServerUpdatedAt = remote.ServerUpdatedAt
		_, err := c.commit(ctx, local, stamped)
		return err
	}

	if !pending && !local.Dirty() {
		// Nothing local to protect; the remote simply moved on.
		_, err := c.commit(ctx, local, c.asSynced(remote, local, now))
		return err
	}

	res := resolver.Resolve(*local, remote, c.policyFor(local.Kind))
	if res.Winner != resolver.WinnerRemote && !pending {
		// The local change has no operation left to carry it, so keeping it
		// would leave the cache permanently diverged from the remote.
		c.events.Emit(tethersync.Event{
			Kind:     tethersync.EventOrphanedLocalChange,
			RunID:    runID,
			EntityID: local.ID,
			Winner:   string(resolver.WinnerRemote),
			Message:  "local change has no pending operation; server version kept",
			At:       now,
		})
		res.Entity = remote.Clone()
		res.Winner = resolver.WinnerRemote
	}

	applied, err := c.cache.ApplyResolution(ctx, local, c.settled(res, local, remote), c.auditOf(res))
	if err != nil || !applied {
		return err
	}
	c.emitResolved(runID, "", res)
	return nil
}

// commit writes e if the cached version still matches expected.
func (c *SyncCoordinator) commit(ctx context.Context, expected *types.Entity, e types.Entity) (bool, error) {
	applied := false
	err := c.cache.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetEntity(ctx, e.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			current = nil
		case err != nil:
			return err
		}
		if (expected == nil) != (current == nil) {
			return nil
		}
		if expected != nil && !expected.LocalVersionAt.Equal(current.LocalVersionAt) {
			return nil
		}
		applied = true
		if e.Deleted {
			return tx.DeleteEntity(ctx, e.ID)
		}
		return tx.PutEntity(ctx, e)
	})
	return applied, err
}

// settled fixes up the timestamps of a resolved entity so its dirty flag
// matches which side won.
func (c *SyncCoordinator) settled(res resolver.Resolution, local *types.Entity, remote types.Entity) types.Entity {
	if res.Winner == resolver.WinnerRemote {
		return c.asSynced(res.Entity, local, c.now())
	}
	e := res.Entity.Clone()
	e.LocalVersionAt = local.LocalVersionAt
	e.SyncedAt = local.SyncedAt
	e.ServerUpdatedAt = remote.ServerUpdatedAt
	return e
}

func (c *SyncCoordinator) asSynced(remote types.Entity, local *types.Entity, now time.Time) types.Entity {
	e := remote.Clone()
	e.LocalVersionAt = time.Time{}
	if local != nil {
		e.LocalVersionAt = local.LocalVersionAt
	}
	e.SyncedAt = now
	return e
}

func (c *SyncCoordinator) auditOf(res resolver.Resolution) types.ConflictAudit {
	return types.ConflictAudit{
		DataConflict: res.Conflict,
		Winner:       string(res.Winner),
		ResolvedAt:   c.now(),
	}
}

func (c *SyncCoordinator) emitResolved(runID, opID string, res resolver.Resolution) {
	slog.Info("conflict resolved",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "conflict_resolved",
		"run_id", runID,
		"entity_id", res.Conflict.EntityID,
		"policy", res.Conflict.Policy,
		"winner", res.Winner,
	)
	c.events.Emit(tethersync.Event{
		Kind:        tethersync.EventConflictResolved,
		RunID:       runID,
		OperationID: opID,
		EntityID:    res.Conflict.EntityID,
		Winner:      string(res.Winner),
		Message:     res.Conflict.Policy,
		At:          c.now(),
	})
}

func (c *SyncCoordinator) policyFor(kind string) resolver.Policy {
	if p, ok := c.cfg.Policies[kind]; ok {
		return p
	}
	return resolver.Policy{Strategy: resolver.ServerWins}
}
