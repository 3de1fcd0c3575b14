// Package tether is the embeddable offline-first sync engine. An Engine
// keeps host mutations in a durable local queue, applies them to the local
// cache immediately and replays them against the remote authority when
// connectivity allows, reconciling remote state by per-kind policy.
package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/tether/internal/audit"
	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/network"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/transport"
	"github.com/hyperengineering/tether/internal/validation"
	"github.com/hyperengineering/tether/internal/worker"
)

var (
	ErrClosed         = errors.New("engine is closed")
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrNotConfirmed is returned by Rebuild without explicit confirmation.
	ErrNotConfirmed = errors.New("rebuild discards unsynced changes and must be confirmed")
)

// Deps overrides collaborators Open would otherwise build from config.
// Every field is optional.
type Deps struct {
	// Transport executes queued operations. Defaults to an HTTP transport
	// against remote.base_url.
	Transport Transport
	// Source supplies remote snapshots for the pull phase. Defaults to
	// Transport when it implements SnapshotSource.
	Source SnapshotSource
	// Refresher renews the session token after a 401. Used only by the
	// default HTTP transport.
	Refresher TokenRefresher
	// Prober replaces the prober selected by network.probe.
	Prober Prober
	// Archiver replaces the archiver built from the audit section.
	Archiver Archiver
	// Now replaces the wall clock.
	Now func() time.Time
}

// Engine is one sync engine instance over one local database.
type Engine struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	queue    *queue.Queue
	monitor  *network.Monitor
	sync     *worker.SyncCoordinator
	schedule *worker.Scheduler
	auditor  *worker.AuditCoordinator
	now      func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open builds an engine from cfg. It opens and migrates the local store but
// starts no background work; call Start for that.
func Open(cfg *Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	policies, err := cfg.ResolutionPolicies()
	if err != nil {
		return nil, err
	}

	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	tr, source := deps.Transport, deps.Source
	if tr == nil {
		tr = transport.NewHTTPTransport(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout.Std(), deps.Refresher)
	}
	if source == nil {
		if s, ok := tr.(SnapshotSource); ok {
			source = s
		}
	}

	prober := deps.Prober
	if prober == nil {
		prober = proberFor(cfg)
	}

	archiver := deps.Archiver
	if archiver == nil {
		if archiver, err = audit.NewArchiver(cfg.Audit); err != nil {
			return nil, fmt.Errorf("audit archiver: %w", err)
		}
	}

	var sched *worker.Scheduler
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	q := queue.New(st, queue.Config{
		MaxSize:        cfg.Sync.MaxQueueSize,
		MaxAttempts:    cfg.Sync.MaxRetries,
		BaseBackoff:    cfg.Sync.BaseBackoff.Std(),
		BackoffCeiling: cfg.Sync.BackoffCeiling.Std(),
	})
	q.SetClock(now)

	monitor := network.NewMonitor(prober, cfg.Network.ProbeInterval.Std())

	coord := worker.NewSyncCoordinator(q, st, tr, source, monitor, worker.SyncConfig{
		Parallelism:     cfg.Sync.Parallelism,
		ErrorRetryDelay: cfg.Sync.ErrorRetryDelay.Std(),
		Policies:        policies,
	})
	coord.SetClock(now)

	e := &Engine{
		cfg:     cfg,
		store:   st,
		queue:   q,
		monitor: monitor,
		sync:    coord,
		auditor: worker.NewAuditCoordinator(st, archiver, cfg.Audit.Interval.Std()),
		now:     now,
	}

	if cfg.Sync.Schedule != "" {
		if sched, err = worker.NewScheduler(cfg.Sync.Schedule, coord); err != nil {
			st.Close()
			return nil, err
		}
		e.schedule = sched
	}

	slog.Info("engine opened",
		"component", "engine",
		"action", "open",
		"db_path", cfg.Database.Path,
		"remote", cfg.Remote.BaseURL,
		"probe", cfg.Network.Probe,
		"archive_enabled", archiver.Enabled(),
	)
	return e, nil
}

func proberFor(cfg *config.Config) Prober {
	switch cfg.Network.Probe {
	case "none":
		return nil
	case "http":
		url := strings.TrimRight(cfg.Remote.BaseURL, "/") + cfg.Network.HealthPath
		return network.NewHTTPProber(network.NewInterfaceProber(), url, cfg.Remote.Timeout.Std())
	default:
		return network.NewInterfaceProber()
	}
}

// Start launches the background workers. They stop when ctx is cancelled
// or the engine is closed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)

	run := func(f func(context.Context)) {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			f(ctx)
		}()
	}
	run(e.sync.Run)
	run(e.monitor.Run)
	run(e.auditor.Run)
	if e.schedule != nil {
		run(e.schedule.Run)
	}
	return nil
}

// Close stops the workers and closes the store. Queued operations stay on
// disk and resume on the next Start.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.sync.Close()
	e.monitor.Close()
	return e.store.Close()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Enqueue validates m and durably queues it. When m carries an entity, the
// entity is written to the local cache in the same transaction. It returns
// ErrQueueFull when the queue is at capacity and ValidationErrors for a
// malformed mutation.
func (e *Engine) Enqueue(ctx context.Context, m Mutation) (PendingOperation, error) {
	if e.isClosed() {
		return PendingOperation{}, ErrClosed
	}

	op := e.queue.NewOperation(m.Kind, m.Method, m.Endpoint, m.Payload)
	op.Priority = m.Priority
	op.RelatedEntityID = m.RelatedEntityID
	if op.RelatedEntityID == "" && m.Entity != nil {
		op.RelatedEntityID = m.Entity.ID
	}

	if errs := validation.ValidateOperation(op, m.Entity); len(errs) > 0 {
		return op, validation.Errors(errs)
	}

	var err error
	if m.Entity != nil {
		op, err = e.queue.EnqueueApply(ctx, op, m.Entity.Clone())
	} else {
		op, err = e.queue.Enqueue(ctx, op)
	}
	if err != nil {
		return op, err
	}

	e.sync.QueueChanged()
	return op, nil
}

// State returns the current sync state.
func (e *Engine) State() State {
	return e.sync.State()
}

// States streams sync state transitions, starting with the current state.
func (e *Engine) States(ctx context.Context) <-chan State {
	return e.sync.States(ctx)
}

// Events streams host events raised from now on.
func (e *Engine) Events(ctx context.Context) <-chan Event {
	return e.sync.Events(ctx)
}

// TriggerSync starts a sync unless one is running.
func (e *Engine) TriggerSync() {
	e.sync.TriggerSync()
}

// CancelSync stops a running sync and reports whether one was running.
func (e *Engine) CancelSync() bool {
	return e.sync.CancelSync()
}

// Connectivity returns the current reachability.
func (e *Engine) Connectivity() ConnectivityState {
	return e.monitor.Current()
}

// ReportConnectivity records an OS-level reachability signal from the host.
func (e *Engine) ReportConnectivity(s ConnectivityState) {
	e.monitor.Report(s)
}

// AwaitConnection blocks until the engine believes it is connected.
func (e *Engine) AwaitConnection(ctx context.Context, timeout time.Duration) error {
	return e.monitor.AwaitConnection(ctx, timeout)
}

// Pending lists queued operations in drain order.
func (e *Engine) Pending(ctx context.Context) ([]PendingOperation, error) {
	return e.queue.List(ctx)
}

// ClearQueue discards every queued operation. Local cache entries keep
// their unsynced changes until the next pull overwrites them.
func (e *Engine) ClearQueue(ctx context.Context) (int64, error) {
	n, err := e.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	e.sync.QueueChanged()
	return n, nil
}

// DeadLetters lists operations removed from retry.
func (e *Engine) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return e.queue.DeadLetters(ctx)
}

// RetryDeadLetter puts a dead letter back on the queue with a fresh attempt
// budget.
func (e *Engine) RetryDeadLetter(ctx context.Context, id string) (*PendingOperation, error) {
	op, err := e.queue.RequeueDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	e.sync.QueueChanged()
	return op, nil
}

// Entity reads one cached entity. It returns ErrNotFound for an unknown id.
func (e *Engine) Entity(ctx context.Context, id string) (*Entity, error) {
	return e.store.GetEntity(ctx, id)
}

// Entities lists cached entities of kind, or every kind when kind is empty.
func (e *Engine) Entities(ctx context.Context, kind string) ([]Entity, error) {
	var out []Entity
	for ent, err := range e.store.QueryEntities(ctx, kind, nil) {
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}

// IsStale reports whether ent was last confirmed with the remote longer
// ago than sync.cache_ttl. Entities never synced are stale.
func (e *Engine) IsStale(ent Entity) bool {
	if ent.SyncedAt.IsZero() {
		return true
	}
	return e.now().Sub(ent.SyncedAt) > e.cfg.Sync.CacheTTL.Std()
}

// Rebuild discards the queue and the local cache and triggers a full pull.
// Unsynced changes are lost, so confirmed must be true. Dead letters and
// the conflict audit are kept.
func (e *Engine) Rebuild(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return ErrNotConfirmed
	}
	if e.isClosed() {
		return ErrClosed
	}

	if e.sync.CancelSync() {
		if err := e.awaitNotSyncing(ctx); err != nil {
			return err
		}
	}

	if err := e.store.Reset(ctx); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	slog.Warn("local store rebuilt",
		"component", "engine",
		"action", "rebuild",
	)
	e.sync.TriggerSync()
	return nil
}

func (e *Engine) awaitNotSyncing(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for s := range e.sync.States(ctx) {
		if s.Kind != tethersync.StateSyncing {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrClosed
}
