package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldline/fieldsync/internal/remote"
	"github.com/fieldline/fieldsync/internal/resolve"
	"github.com/fieldline/fieldsync/internal/store"
	"github.com/fieldline/fieldsync/pkg/model"
)

// Options tunes the coordinator.
type Options struct {
	// BatchSize caps how many operations one batch request carries.
	BatchSize int
	// MaxAttempts is the transient-retry ceiling per operation.
	MaxAttempts int
	// Strategy overrides the default conflict policy when valid.
	Strategy model.Resolution
	// Resources lists the collections refreshed into the snapshot cache
	// after a successful drain.
	Resources []string
}

// Coordinator serializes all mutation-log and id-map writes through a
// single active drain. Two concurrent triggers collapse into one run: the
// second caller joins the in-flight run and receives its report.
type Coordinator struct {
	store    *store.Store
	remote   *remote.Client
	resolver *resolve.Resolver
	logger   *zap.Logger
	opts     Options

	mu         sync.Mutex
	current    *drainRun
	rerun      bool
	onComplete func(model.SyncReport)
}

type drainRun struct {
	done   chan struct{}
	report model.SyncReport
	err    error
}

// New creates a coordinator.
func New(st *store.Store, rc *remote.Client, rs *resolve.Resolver, opts Options, logger *zap.Logger) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    st,
		remote:   rc,
		resolver: rs,
		logger:   logger,
		opts:     opts,
	}
}

// Draining reports whether a drain is currently in flight.
func (c *Coordinator) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// OnComplete registers a callback invoked with the final report of every
// drain run that finishes without error. It fires exactly once per run, from
// the goroutine that owns the run; joined Drain calls share that single
// invocation.
func (c *Coordinator) OnComplete(fn func(model.SyncReport)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = fn
}

// Drain performs one coordinated pass of sending all eligible pending
// operations and processing the response. If a drain is already in flight,
// the call joins it and returns that run's report instead of running
// concurrently. Joining also requests one follow-up pass from the run's
// owner, so an operation enqueued after the in-flight run's last peek is
// drained now rather than stranded until the next trigger.
func (c *Coordinator) Drain(ctx context.Context) (model.SyncReport, error) {
	c.mu.Lock()
	if run := c.current; run != nil {
		c.rerun = true
		c.mu.Unlock()
		select {
		case <-run.done:
			return run.report, run.err
		case <-ctx.Done():
			return model.SyncReport{}, ctx.Err()
		}
	}
	run := &drainRun{done: make(chan struct{})}
	c.current = run
	c.rerun = false
	c.mu.Unlock()

	for {
		report, err := c.drain(ctx)
		run.report.Merge(report)
		run.err = err

		c.mu.Lock()
		if run.err == nil && c.rerun {
			c.rerun = false
			c.mu.Unlock()
			continue
		}
		c.current = nil
		c.mu.Unlock()
		break
	}

	if run.err == nil && c.onComplete != nil {
		c.onComplete(run.report)
	}
	close(run.done)

	return run.report, run.err
}

// drain loops batch passes until the log is empty or a pass makes no
// progress, then refreshes the snapshot cache.
func (c *Coordinator) drain(ctx context.Context) (model.SyncReport, error) {
	var report model.SyncReport

	for {
		progress, err := c.drainPass(ctx, &report)
		if err != nil {
			return report, err
		}
		if !progress {
			break
		}
		pending, err := c.store.PendingCount(ctx)
		if err != nil {
			return report, model.Storage("count pending", err)
		}
		if pending == 0 {
			break
		}
	}

	c.refreshSnapshots(ctx)

	if err := c.store.SetMeta(ctx, store.MetaLastSyncAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		c.logger.Warn("failed to record sync time", zap.Error(err))
	}

	c.logger.Info("drain complete",
		zap.Int("uploaded", report.Uploaded),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("failed", report.Failed))
	return report, nil
}

// drainPass builds one batch, sends it, and applies the response. It
// reports whether the pass made progress (sent, removed or failed at least
// one operation).
func (c *Coordinator) drainPass(ctx context.Context, report *model.SyncReport) (bool, error) {
	ops, err := c.store.PeekBatch(ctx, c.opts.BatchSize)
	if err != nil {
		return false, model.Storage("peek batch", err)
	}
	if len(ops) == 0 {
		return false, nil
	}

	resolved, ambiguous, err := c.store.ResolvedIDs(ctx)
	if err != nil {
		return false, model.Storage("read id map", err)
	}

	minted, failedMints, err := c.mintedIDs(ctx)
	if err != nil {
		return false, err
	}

	progress := false
	var (
		items   []remote.BatchItem
		sentOps = make(map[string]*model.PendingOperation)
	)

	for _, op := range ops {
		// A create whose client id already resolved was acknowledged in
		// an earlier run; sending it again would mint a second entity.
		// The lookup is resource-scoped: the same caller-supplied client
		// id in another resource is a different entity.
		if op.Kind == model.OpCreate && op.ClientEntityID != "" {
			if _, ok, err := c.store.ResolveID(ctx, op.Resource, op.ClientEntityID); err != nil {
				return progress, model.Storage("resolve client id", err)
			} else if ok {
				if err := c.store.RemoveOp(ctx, op.ID); err != nil {
					return progress, model.Storage("remove replayed create", err)
				}
				c.logger.Debug("dropped already-acknowledged create",
					zap.String("op", op.ID), zap.String("client_id", op.ClientEntityID))
				progress = true
				continue
			}
		}

		if ambRefs, err := unresolvedRefs(op, ambiguous); err == nil && len(ambRefs) > 0 {
			c.failOp(ctx, op, fmt.Sprintf(
				"ambiguous client id %q: mapped to different server ids in different resources", ambRefs[0]), report)
			progress = true
			continue
		}

		payload, changed, err := rewritePayload(op.Payload, resolved)
		if err != nil {
			c.failOp(ctx, op, fmt.Sprintf("unreadable payload: %v", err), report)
			progress = true
			continue
		}
		if changed {
			if err := c.store.UpdateOpPayload(ctx, op.ID, payload); err != nil {
				return progress, model.Storage("rewrite payload", err)
			}
			op.Payload = payload
		}

		refs, err := unresolvedRefs(op, minted)
		if err != nil {
			c.failOp(ctx, op, fmt.Sprintf("unreadable payload: %v", err), report)
			progress = true
			continue
		}
		if len(refs) > 0 {
			dead := ""
			for _, ref := range refs {
				if failedMints[ref] {
					dead = ref
					break
				}
			}
			if dead != "" {
				c.failOp(ctx, op, fmt.Sprintf("dependency failed: create for %s did not sync", dead), report)
				progress = true
				continue
			}
			// Held back: the creates for these ids have not been
			// acknowledged yet. Re-examined on the next pass.
			c.logger.Debug("holding back operation",
				zap.String("op", op.ID), zap.Strings("awaiting", refs))
			continue
		}

		key := clientKey(op)
		items = append(items, remote.BatchItem{
			ClientID:  key,
			Operation: op.Kind,
			Resource:  op.Resource,
			Payload:   op.Payload,
		})
		sentOps[key] = op
	}

	if len(items) == 0 {
		return progress, nil
	}

	resp, err := c.remote.SendBatch(ctx, items)
	if err != nil {
		return c.handleBatchError(ctx, err, items, sentOps, report, progress)
	}

	return true, c.applyBatchResponse(ctx, resp, items, sentOps, report)
}

// mintedIDs returns the client ids whose creates are still in the log,
// split into all minted ids and those whose create permanently failed.
func (c *Coordinator) mintedIDs(ctx context.Context) (minted, failed map[string]bool, err error) {
	all, err := c.store.AllOps(ctx)
	if err != nil {
		return nil, nil, model.Storage("read log", err)
	}
	minted = make(map[string]bool)
	failed = make(map[string]bool)
	for _, op := range all {
		if op.Kind != model.OpCreate || op.ClientEntityID == "" {
			continue
		}
		minted[op.ClientEntityID] = true
		if op.Failed {
			failed[op.ClientEntityID] = true
		}
	}
	return minted, failed, nil
}

// handleBatchError applies the transient/permanent taxonomy to a failure of
// the whole batch request.
func (c *Coordinator) handleBatchError(ctx context.Context, err error, items []remote.BatchItem, sentOps map[string]*model.PendingOperation, report *model.SyncReport, progress bool) (bool, error) {
	if model.IsPermanent(err) {
		// The server rejected the request itself; no item can succeed.
		for _, item := range items {
			c.failOp(ctx, sentOps[item.ClientID], err.Error(), report)
		}
		return true, nil
	}

	c.logger.Warn("batch send failed, will retry", zap.Error(err))
	for _, item := range items {
		op := sentOps[item.ClientID]
		attempts, serr := c.store.BumpAttempts(ctx, op.ID, err.Error())
		if serr != nil {
			return progress, model.Storage("bump attempts", serr)
		}
		if attempts >= c.opts.MaxAttempts {
			c.failOp(ctx, op, fmt.Sprintf("gave up after %d attempts: %v", attempts, err), report)
			progress = true
		}
	}
	// A transient batch failure ends the drain; the next trigger retries.
	return progress, nil
}

// applyBatchResponse settles every sent item: record assigned ids, resolve
// conflicts, mark permanent failures, remove acknowledged operations.
func (c *Coordinator) applyBatchResponse(ctx context.Context, resp *remote.BatchResponse, items []remote.BatchItem, sentOps map[string]*model.PendingOperation, report *model.SyncReport) error {
	conflicts := make(map[string]remote.BatchConflict, len(resp.Conflicts))
	for _, bc := range resp.Conflicts {
		conflicts[bc.ClientID] = bc
	}
	failures := make(map[string]remote.BatchFailure, len(resp.Failures))
	for _, f := range resp.Failures {
		failures[f.ClientID] = f
	}

	for _, item := range items {
		op := sentOps[item.ClientID]

		if f, ok := failures[item.ClientID]; ok {
			c.failOp(ctx, op, f.Reason, report)
			continue
		}

		if bc, ok := conflicts[item.ClientID]; ok {
			if err := c.settleConflict(ctx, op, bc, report); err != nil {
				return err
			}
			continue
		}

		if serverID, ok := resp.IDMap[item.ClientID]; ok && op.ClientEntityID != "" {
			if err := c.store.RecordMapping(ctx, op.Resource, op.ClientEntityID, serverID); err != nil {
				return model.Storage("record mapping", err)
			}
			c.logger.Debug("id assigned",
				zap.String("client_id", op.ClientEntityID),
				zap.String("server_id", serverID))
		}

		if err := c.store.RemoveOp(ctx, op.ID); err != nil {
			return model.Storage("remove acknowledged op", err)
		}
		report.Uploaded++
	}
	return nil
}

// settleConflict routes one version mismatch through the resolver, reports
// the decision to the server, and applies the outcome locally. Every
// conflict ends terminal: resolved-and-removed or resolved-and-requeued.
func (c *Coordinator) settleConflict(ctx context.Context, op *model.PendingOperation, bc remote.BatchConflict, report *model.SyncReport) error {
	entityID := c.entityID(ctx, op)

	remoteEntity := bc.Entity
	if len(remoteEntity) == 0 {
		if vs, err := c.store.GetVersion(ctx, entityID); err == nil && vs != nil {
			remoteEntity = vs.LastKnownRemote
		}
	}

	rec := &model.ConflictRecord{
		ClientID:      bc.ClientID,
		Resource:      op.Resource,
		ClientVersion: bc.ClientVersion,
		ServerVersion: bc.ServerVersion,
		LocalPayload:  op.Payload,
		RemoteEntity:  remoteEntity,
		LocalDelete:   op.Kind == model.OpDelete,
		RemoteDeleted: bc.Deleted,
	}

	res, err := c.resolver.Resolve(rec, c.opts.Strategy)
	if err != nil {
		c.failOp(ctx, op, fmt.Sprintf("conflict resolution failed: %v", err), report)
		return nil
	}

	echo, err := c.remote.ResolveConflict(ctx, remote.ResolveRequest{
		ClientID:      bc.ClientID,
		Resolution:    res.Resolution,
		ClientVersion: bc.ClientVersion,
		ServerVersion: bc.ServerVersion,
	})
	if err != nil {
		if model.IsTransient(err) {
			// Leave the operation queued; the next drain re-detects the
			// conflict and retries the resolution.
			attempts, serr := c.store.BumpAttempts(ctx, op.ID, err.Error())
			if serr != nil {
				return model.Storage("bump attempts", serr)
			}
			if attempts >= c.opts.MaxAttempts {
				c.failOp(ctx, op, fmt.Sprintf("gave up resolving conflict after %d attempts: %v", attempts, err), report)
			}
			return nil
		}
		c.failOp(ctx, op, fmt.Sprintf("conflict resolution rejected: %v", err), report)
		return nil
	}

	report.Conflicts++

	// The server echo is authoritative for keep-server; merge and
	// keep-client prefer the locally computed entity.
	surviving := res.Entity
	if res.Resolution == model.KeepServer && len(echo.Entity) > 0 {
		surviving = echo.Entity
	}

	if len(surviving) > 0 && !bc.Deleted {
		if err := c.store.UpsertSnapshotItem(ctx, op.Resource, entityID, surviving); err != nil {
			return model.Storage("adopt resolved entity", err)
		}
	}
	if err := c.store.ObserveServerVersion(ctx, entityID, bc.ServerVersion, surviving); err != nil {
		return model.Storage("observe server version", err)
	}

	if err := c.store.RemoveOp(ctx, op.ID); err != nil {
		return model.Storage("remove conflicted op", err)
	}

	if res.Requeue {
		// Keep-client: re-send the local payload as an overwrite, bumped
		// past the server's version.
		if err := c.store.SetClientVersion(ctx, entityID, bc.ServerVersion+1); err != nil {
			return model.Storage("bump past server version", err)
		}
		requeued := &model.PendingOperation{
			ID:         model.NewOperationID(),
			Resource:   op.Resource,
			Kind:       model.OpUpdate,
			Payload:    res.Entity,
			EnqueuedAt: time.Now(),
		}
		if err := c.store.AppendOp(ctx, requeued); err != nil {
			return model.Storage("requeue keep-client overwrite", err)
		}
		c.logger.Info("conflict kept client version, overwrite requeued",
			zap.String("entity", entityID),
			zap.Int64("server_version", bc.ServerVersion))
	}
	return nil
}

// refreshSnapshots overwrites the cached copy of each registered resource.
// Fetch failures are logged and skipped; the stale snapshot stays.
func (c *Coordinator) refreshSnapshots(ctx context.Context) {
	for _, resource := range c.opts.Resources {
		items, err := c.remote.FetchResource(ctx, resource)
		if err != nil {
			c.logger.Warn("snapshot refresh failed",
				zap.String("resource", resource), zap.Error(err))
			continue
		}
		entry := &model.SnapshotEntry{
			Resource: resource,
			Items:    items,
			CachedAt: time.Now(),
		}
		if err := c.store.SaveSnapshot(ctx, entry); err != nil {
			c.logger.Warn("snapshot save failed",
				zap.String("resource", resource), zap.Error(err))
		}
	}
}

// failOp marks an operation permanently failed in place and surfaces it
// through the report. The entry stays in the log: silent removal would be
// data loss.
func (c *Coordinator) failOp(ctx context.Context, op *model.PendingOperation, reason string, report *model.SyncReport) {
	if err := c.store.MarkOpFailed(ctx, op.ID, reason); err != nil {
		c.logger.Error("failed to mark operation failed",
			zap.String("op", op.ID), zap.Error(err))
	}
	report.Failed++
	report.Errors = append(report.Errors, fmt.Sprintf("%s %s: %s", op.Kind, op.Resource, reason))
	c.logger.Warn("operation failed permanently",
		zap.String("op", op.ID),
		zap.String("resource", op.Resource),
		zap.String("reason", reason))
}

// entityID returns the id used for version tracking: the resolved server
// id when the entity is confirmed, otherwise the client-side id.
func (c *Coordinator) entityID(ctx context.Context, op *model.PendingOperation) string {
	id := EntityIDOf(op)
	if id == "" {
		return op.ID
	}
	if serverID, ok, err := c.store.ResolveID(ctx, op.Resource, id); err == nil && ok {
		return serverID
	}
	return id
}

// clientKey is the id the batch protocol uses to correlate an item with
// its response entry: the minted entity id for creates, the operation id
// otherwise.
func clientKey(op *model.PendingOperation) string {
	if op.Kind == model.OpCreate && op.ClientEntityID != "" {
		return op.ClientEntityID
	}
	return op.ID
}

// EntityIDOf extracts the logical entity id of an operation: the minted
// client id for creates, else the payload's "id" field.
func EntityIDOf(op *model.PendingOperation) string {
	if op.ClientEntityID != "" {
		return op.ClientEntityID
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(op.Payload, &probe); err != nil {
		return ""
	}
	return probe.ID
}
