// Package fieldsync is an offline-first synchronization engine for field
// devices. Local mutations are appended to a durable log and reconciled
// with a central authority in batches once connectivity returns, including
// client-generated-id reconciliation and version-conflict resolution.
//
// The engine is an explicit, constructor-injected instance: Open builds it
// from configuration with its own store, monitor and coordinator handles,
// and Close releases them. There are no process-wide singletons.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Remote.BaseURL = "https://api.example.com"
//	cfg.Storage.Path = ".fieldsync/local.db"
//	eng, err := fieldsync.Open(cfg)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	opID, err := eng.Enqueue(ctx, &model.PendingOperation{
//	    Resource:       "jobs",
//	    Kind:           model.OpCreate,
//	    ClientEntityID: model.NewClientID(),
//	    Payload:        payload,
//	})
package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldline/fieldsync/internal/config"
	"github.com/fieldline/fieldsync/internal/engine"
	"github.com/fieldline/fieldsync/internal/logger"
	"github.com/fieldline/fieldsync/internal/netmon"
	"github.com/fieldline/fieldsync/internal/remote"
	"github.com/fieldline/fieldsync/internal/resolve"
	"github.com/fieldline/fieldsync/internal/store"
	"github.com/fieldline/fieldsync/pkg/model"
)

// Config is the engine configuration. See the config package for the
// fields and Load for reading it from a YAML file.
type Config = config.Config

// LoadConfig reads configuration from a YAML file with defaults and
// FIELDSYNC_* environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the coded defaults; the caller must still set
// Remote.BaseURL and Storage.Path.
func DefaultConfig() *Config { return config.Default() }

// SyncHandler observes the report of a completed drain.
type SyncHandler func(model.SyncReport)

// Engine is one device's sync engine instance. All state it owns is local
// to the device; reconciliation with other devices happens only through
// the central authority.
type Engine struct {
	cfg         *Config
	log         *zap.Logger
	store       *store.Store
	monitor     *netmon.Monitor
	coordinator *engine.Coordinator
	scheduler   *engine.Scheduler

	mu          sync.Mutex
	syncHandler []SyncHandler
	closed      bool

	wg sync.WaitGroup
}

// Open builds an engine from cfg, recovering all durable state from the
// local store. If pending operations survived a restart, a drain is
// attempted as soon as the monitor settles online.
func Open(cfg *Config) (*Engine, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return OpenWithLogger(cfg, log)
}

// OpenWithLogger is Open with a caller-supplied logger.
func OpenWithLogger(cfg *Config, log *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, model.Storage("open store", err)
	}

	rc := remote.New(cfg.Remote.BaseURL, cfg.Remote.AuthToken, cfg.Remote.RequestTimeout,
		log.Named("remote"))
	rs := resolve.New(log.Named("resolve"))

	coord := engine.New(st, rc, rs, engine.Options{
		BatchSize:   cfg.Sync.BatchSize,
		MaxAttempts: cfg.Sync.MaxAttempts,
		Strategy:    model.Resolution(cfg.Sync.ConflictStrategy),
		Resources:   cfg.Sync.Resources,
	}, log.Named("sync"))

	mon := netmon.New(netmon.Config{
		ProbeURL:       cfg.Remote.BaseURL + cfg.Remote.HealthPath,
		ProbeInterval:  cfg.Monitor.ProbeInterval,
		ProbeTimeout:   cfg.Monitor.ProbeTimeout,
		SettleWindow:   cfg.Monitor.SettleWindow,
		NetConfigPaths: cfg.Monitor.NetConfigPaths,
	}, log.Named("netmon"))

	e := &Engine{
		cfg:         cfg,
		log:         log,
		store:       st,
		monitor:     mon,
		coordinator: coord,
	}

	// Completion callbacks fire once per drain run, from the run's owner;
	// joined and triggering callers never re-deliver the same report.
	coord.OnComplete(e.notifySync)

	// A restored connection always triggers a drain of whatever the log
	// accumulated while offline.
	mon.OnTransition(func(online bool) {
		if online {
			e.triggerDrain("connectivity restored")
		}
	})

	if err := mon.Start(); err != nil {
		_ = st.Close()
		return nil, err
	}

	if cfg.Scheduler.Enabled {
		e.scheduler = engine.NewScheduler(cfg.Scheduler.Interval, func() {
			if e.monitor.IsOnline() && !e.coordinator.Draining() {
				e.triggerDrain("scheduled")
			}
		}, log.Named("sched"))
		if err := e.scheduler.Start(); err != nil {
			mon.Stop()
			_ = st.Close()
			return nil, err
		}
	}

	if n, err := st.PendingCount(context.Background()); err == nil && n > 0 {
		log.Info("pending operations recovered from store", zap.Int("count", n))
		mon.Kick()
	}

	return e, nil
}

// Close stops background activity and closes the durable store. In-flight
// drains are waited for; the log's durable state is the sole source of
// truth for whatever they did not finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	e.monitor.Stop()
	e.wg.Wait()
	return e.store.Close()
}

// Enqueue appends a mutation to the durable log and returns its operation
// id. It never blocks on connectivity: offline mutations wait for the next
// drain, online ones short-circuit into the active or a fresh run. A
// storage failure is fatal; the caller must not assume the operation is
// queued.
func (e *Engine) Enqueue(ctx context.Context, op *model.PendingOperation) (string, error) {
	if op == nil {
		return "", model.Permanent("enqueue", fmt.Errorf("operation cannot be nil"))
	}
	if !op.Kind.Valid() {
		return "", model.Permanent("enqueue", fmt.Errorf("invalid operation kind %q", op.Kind))
	}
	if op.Resource == "" {
		return "", model.Permanent("enqueue", fmt.Errorf("resource cannot be empty"))
	}
	if op.ID == "" {
		op.ID = model.NewOperationID()
	}
	if op.Kind == model.OpCreate && op.ClientEntityID == "" {
		op.ClientEntityID = model.NewClientID()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}

	if entityID := engine.EntityIDOf(op); entityID != "" {
		if _, err := e.store.BumpClientVersion(ctx, entityID, op.EnqueuedAt); err != nil {
			return "", model.Storage("enqueue", err)
		}
	}

	if err := e.store.AppendOp(ctx, op); err != nil {
		return "", model.Storage("enqueue", err)
	}

	e.log.Debug("operation enqueued",
		zap.String("op", op.ID),
		zap.String("resource", op.Resource),
		zap.String("kind", string(op.Kind)))

	if e.monitor.IsOnline() {
		e.triggerDrain("enqueue while online")
	}
	return op.ID, nil
}

// Drain synchronously performs one coordinated pass. If a drain is already
// in flight, the call joins it and returns that run's report; OnSync
// handlers still see a single notification for the shared run.
func (e *Engine) Drain(ctx context.Context) (model.SyncReport, error) {
	return e.coordinator.Drain(ctx)
}

// triggerDrain starts a background drain; concurrent triggers collapse
// into the single active run.
func (e *Engine) triggerDrain(cause string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.log.Debug("drain triggered", zap.String("cause", cause))
		if _, err := e.coordinator.Drain(context.Background()); err != nil {
			e.log.Warn("background drain failed", zap.Error(err))
		}
	}()
}

// IsOnline reports the monitor's best-effort, point-in-time state.
func (e *Engine) IsOnline() bool { return e.monitor.IsOnline() }

// OnTransition registers a handler fired once per connectivity edge.
func (e *Engine) OnTransition(h func(online bool)) { e.monitor.OnTransition(h) }

// OnSync registers a handler fired with the report of every completed
// drain. Handlers run on the draining goroutine and should not block.
func (e *Engine) OnSync(h SyncHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncHandler = append(e.syncHandler, h)
}

func (e *Engine) notifySync(report model.SyncReport) {
	e.mu.Lock()
	handlers := make([]SyncHandler, len(e.syncHandler))
	copy(handlers, e.syncHandler)
	e.mu.Unlock()
	for _, h := range handlers {
		h(report)
	}
}

// PendingCount returns how many operations await sync.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// FailedOps returns the operations that failed permanently and need
// review. They stay in the log until removed with Discard.
func (e *Engine) FailedOps(ctx context.Context) ([]*model.PendingOperation, error) {
	return e.store.FailedOps(ctx)
}

// Discard removes an operation from the log after the caller has reviewed
// its failure. Removing an unknown id is a no-op.
func (e *Engine) Discard(ctx context.Context, opID string) error {
	return e.store.RemoveOp(ctx, opID)
}

// Snapshot returns the last-known-good copy of a resource, serving reads
// regardless of connectivity. Returns nil if the resource was never
// fetched.
func (e *Engine) Snapshot(ctx context.Context, resource string) (*model.SnapshotEntry, error) {
	return e.store.GetSnapshot(ctx, resource)
}

// LastSyncAt returns when the last drain fully completed, ok=false if
// never.
func (e *Engine) LastSyncAt(ctx context.Context) (time.Time, bool, error) {
	value, ok, err := e.store.GetMeta(ctx, store.MetaLastSyncAt)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, perr := time.Parse(time.RFC3339Nano, value)
	if perr != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// EntityState reports how far an entity has progressed toward server
// confirmation, so consumers handle the not-yet-confirmed case explicitly
// instead of assuming an id is canonical.
func (e *Engine) EntityState(ctx context.Context, resource, id string) (model.LocalEntityState, error) {
	// A resolved mapping means the entity is confirmed under a server id.
	serverID, resolved, err := e.store.ResolveID(ctx, resource, id)
	if err != nil {
		return model.LocalEntityState{}, model.Storage("entity state", err)
	}
	if !resolved {
		serverID = id
	}

	ops, err := e.store.AllOps(ctx)
	if err != nil {
		return model.LocalEntityState{}, model.Storage("entity state", err)
	}
	var hasPending, pendingCreate bool
	for _, op := range ops {
		if op.Failed {
			continue
		}
		eid := engine.EntityIDOf(op)
		if eid != id && eid != serverID {
			continue
		}
		hasPending = true
		if op.Kind == model.OpCreate {
			pendingCreate = true
		}
	}

	if pendingCreate && !resolved {
		return model.PendingCreate(id), nil
	}
	if hasPending {
		var version int64
		for _, eid := range []string{serverID, id} {
			if vs, err := e.store.GetVersion(ctx, eid); err == nil && vs != nil {
				version = vs.ClientVersion
				break
			}
		}
		return model.PendingUpdate(serverID, version), nil
	}
	return model.Confirmed(serverID), nil
}

// SetOnline overrides the connectivity state, for callers with platform
// connectivity APIs of their own. Transition handlers fire as usual.
func (e *Engine) SetOnline(online bool) { e.monitor.SetOnline(online) }
