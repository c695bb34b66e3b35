package fieldsync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	fieldsync "github.com/fieldline/fieldsync"
	"github.com/fieldline/fieldsync/internal/remote"
	"github.com/fieldline/fieldsync/pkg/model"
)

// syncBackend is a minimal central authority for facade tests: it answers
// the health probe, acknowledges batches with srv- prefixed ids, and
// serves empty resource collections.
type syncBackend struct {
	mu      sync.Mutex
	batches [][]remote.BatchItem
	// failAll, when set, rejects every batch item with this reason.
	failAll   string
	resources map[string][]json.RawMessage

	srv *httptest.Server
}

func newSyncBackend(t *testing.T) *syncBackend {
	b := &syncBackend{resources: map[string][]json.RawMessage{}}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *syncBackend) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && r.URL.Path == "/sync/batch":
		var req remote.BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.batches = append(b.batches, req.Items)
		resp := remote.BatchResponse{IDMap: map[string]string{}}
		for _, item := range req.Items {
			if b.failAll != "" {
				resp.Failures = append(resp.Failures, remote.BatchFailure{
					ClientID: item.ClientID, Reason: b.failAll,
				})
				continue
			}
			if item.Operation == model.OpCreate {
				resp.IDMap[item.ClientID] = "srv-" + item.ClientID
			}
		}
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(resp)

	case r.Method == http.MethodPost && r.URL.Path == "/sync/resolve-conflict":
		var req remote.ResolveRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(remote.ResolveResponse{Resolution: req.Resolution})

	case r.Method == http.MethodGet:
		b.mu.Lock()
		items, ok := b.resources[r.URL.Path[1:]]
		b.mu.Unlock()
		if !ok {
			items = []json.RawMessage{}
		}
		_ = json.NewEncoder(w).Encode(items)

	default:
		http.NotFound(w, r)
	}
}

func (b *syncBackend) sentItems() []remote.BatchItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all []remote.BatchItem
	for _, batch := range b.batches {
		all = append(all, batch...)
	}
	return all
}

func (b *syncBackend) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

// testConfig pins the monitor so connectivity only changes through
// SetOnline: the interval and settle window are far longer than any test.
func testConfig(baseURL, dbPath string) *fieldsync.Config {
	cfg := fieldsync.DefaultConfig()
	cfg.Remote.BaseURL = baseURL
	cfg.Storage.Path = dbPath
	cfg.Monitor.ProbeInterval = time.Hour
	cfg.Monitor.SettleWindow = time.Hour
	cfg.Monitor.NetConfigPaths = nil
	return cfg
}

func openEngine(t *testing.T, cfg *fieldsync.Config) *fieldsync.Engine {
	t.Helper()
	eng, err := fieldsync.OpenWithLogger(cfg, nil)
	if err != nil {
		t.Fatalf("OpenWithLogger() error = %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func waitPendingZero(t *testing.T, eng *fieldsync.Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := eng.PendingCount(context.Background())
		if err != nil {
			t.Fatalf("PendingCount() error = %v", err)
		}
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("still %d pending operations past deadline", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOfflineQueuingThenFlush(t *testing.T) {
	backend := newSyncBackend(t)
	cfg := testConfig(backend.srv.URL, filepath.Join(t.TempDir(), "local.db"))
	eng := openEngine(t, cfg)
	ctx := context.Background()

	if eng.IsOnline() {
		t.Fatal("engine reports online before any settled probe")
	}

	ids := []string{"e1", "e2", "e3", "e4", "e5"}
	for _, id := range ids {
		payload := json.RawMessage(`{"id":"` + id + `","status":"done"}`)
		if _, err := eng.Enqueue(ctx, &model.PendingOperation{
			Resource: "jobs",
			Kind:     model.OpUpdate,
			Payload:  payload,
		}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}

	n, err := eng.PendingCount(ctx)
	if err != nil || n != 5 {
		t.Fatalf("PendingCount() = (%d, %v), want 5 queued offline", n, err)
	}
	if backend.batchCount() != 0 {
		t.Fatalf("batch requests = %d while offline, want none", backend.batchCount())
	}

	reports := make(chan model.SyncReport, 4)
	eng.OnSync(func(r model.SyncReport) { reports <- r })

	eng.SetOnline(true)

	var report model.SyncReport
	select {
	case report = <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("no sync report after going online")
	}
	if report.Uploaded != 5 || report.Failed != 0 {
		t.Errorf("report = %+v, want all 5 uploaded", report)
	}

	if backend.batchCount() != 1 {
		t.Errorf("batch requests = %d, want the whole queue in one batch", backend.batchCount())
	}
	items := backend.sentItems()
	if len(items) != 5 {
		t.Fatalf("sent %d items, want 5", len(items))
	}
	for i, item := range items {
		var doc map[string]any
		if err := json.Unmarshal(item.Payload, &doc); err != nil {
			t.Fatalf("item payload is not JSON: %v", err)
		}
		if doc["id"] != ids[i] {
			t.Errorf("item[%d] id = %v, want %v (enqueue order preserved)", i, doc["id"], ids[i])
		}
	}
	waitPendingZero(t, eng)
}

func TestEnqueueWhileOnlineDrainsInBackground(t *testing.T) {
	backend := newSyncBackend(t)
	cfg := testConfig(backend.srv.URL, filepath.Join(t.TempDir(), "local.db"))
	eng := openEngine(t, cfg)
	ctx := context.Background()

	reports := make(chan model.SyncReport, 4)
	eng.OnSync(func(r model.SyncReport) { reports <- r })

	// Going online triggers an (empty) drain; let it finish so the enqueue
	// below starts its own run instead of joining one already past its peek.
	eng.SetOnline(true)
	select {
	case <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("no sync report after going online")
	}

	if _, err := eng.Enqueue(ctx, &model.PendingOperation{
		Resource: "jobs",
		Kind:     model.OpUpdate,
		Payload:  json.RawMessage(`{"id":"e1","status":"done"}`),
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitPendingZero(t, eng)
	if len(backend.sentItems()) != 1 {
		t.Errorf("sent %d items, want the enqueued op synced without an explicit Drain", len(backend.sentItems()))
	}
}

func TestEntityStateLifecycle(t *testing.T) {
	backend := newSyncBackend(t)
	cfg := testConfig(backend.srv.URL, filepath.Join(t.TempDir(), "local.db"))
	eng := openEngine(t, cfg)
	ctx := context.Background()

	if _, err := eng.Enqueue(ctx, &model.PendingOperation{
		Resource:       "work-orders",
		Kind:           model.OpCreate,
		ClientEntityID: "tmp_wo1",
		Payload:        json.RawMessage(`{"title":"replace splice tray"}`),
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	state, err := eng.EntityState(ctx, "work-orders", "tmp_wo1")
	if err != nil {
		t.Fatalf("EntityState() error = %v", err)
	}
	if state.Kind != model.StatePendingCreate || state.ClientID != "tmp_wo1" {
		t.Errorf("state = %+v, want pending-create under the client id", state)
	}

	eng.SetOnline(true)
	waitPendingZero(t, eng)

	state, err = eng.EntityState(ctx, "work-orders", "tmp_wo1")
	if err != nil {
		t.Fatalf("EntityState() after sync error = %v", err)
	}
	if state.Kind != model.StateConfirmed || state.ServerID != "srv-tmp_wo1" {
		t.Errorf("state = %+v, want confirmed under srv-tmp_wo1", state)
	}

	// A queued update moves the confirmed entity to pending-update.
	eng.SetOnline(false)
	if _, err := eng.Enqueue(ctx, &model.PendingOperation{
		Resource: "work-orders",
		Kind:     model.OpUpdate,
		Payload:  json.RawMessage(`{"id":"srv-tmp_wo1","title":"done"}`),
	}); err != nil {
		t.Fatalf("Enqueue() update error = %v", err)
	}
	state, err = eng.EntityState(ctx, "work-orders", "tmp_wo1")
	if err != nil {
		t.Fatalf("EntityState() with queued update error = %v", err)
	}
	if state.Kind != model.StatePendingUpdate || state.ServerID != "srv-tmp_wo1" {
		t.Errorf("state = %+v, want pending-update under srv-tmp_wo1", state)
	}
}

func TestLastSyncAt(t *testing.T) {
	backend := newSyncBackend(t)
	cfg := testConfig(backend.srv.URL, filepath.Join(t.TempDir(), "local.db"))
	eng := openEngine(t, cfg)
	ctx := context.Background()

	if _, ok, err := eng.LastSyncAt(ctx); err != nil || ok {
		t.Fatalf("LastSyncAt() before any drain = (ok=%v, err=%v), want never", ok, err)
	}

	if _, err := eng.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	at, ok, err := eng.LastSyncAt(ctx)
	if err != nil || !ok {
		t.Fatalf("LastSyncAt() after drain = (ok=%v, err=%v), want recorded", ok, err)
	}
	if time.Since(at) > time.Minute {
		t.Errorf("LastSyncAt() = %v, want a recent timestamp", at)
	}
}

func TestSnapshotServedOffline(t *testing.T) {
	backend := newSyncBackend(t)
	backend.resources["jobs"] = []json.RawMessage{
		json.RawMessage(`{"id":"j1","title":"splice repair"}`),
		json.RawMessage(`{"id":"j2","title":"otdr trace"}`),
	}

	cfg := testConfig(backend.srv.URL, filepath.Join(t.TempDir(), "local.db"))
	cfg.Sync.Resources = []string{"jobs"}
	eng := openEngine(t, cfg)
	ctx := context.Background()

	if snap, err := eng.Snapshot(ctx, "jobs"); err != nil || snap != nil {
		t.Fatalf("Snapshot() before any drain = (%+v, %v), want none cached", snap, err)
	}

	if _, err := eng.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	// The cache keeps serving after connectivity is gone.
	eng.SetOnline(false)
	snap, err := eng.Snapshot(ctx, "jobs")
	if err != nil || snap == nil {
		t.Fatalf("Snapshot() = (%+v, %v)", snap, err)
	}
	if len(snap.Items) != 2 {
		t.Errorf("cached jobs = %d, want 2", len(snap.Items))
	}
}

func TestFailedOpsReviewAndDiscard(t *testing.T) {
	backend := newSyncBackend(t)
	backend.failAll = "validation: title required"

	cfg := testConfig(backend.srv.URL, filepath.Join(t.TempDir(), "local.db"))
	eng := openEngine(t, cfg)
	ctx := context.Background()

	opID, err := eng.Enqueue(ctx, &model.PendingOperation{
		Resource: "jobs",
		Kind:     model.OpUpdate,
		Payload:  json.RawMessage(`{"id":"e1"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	report, err := eng.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v, want the rejection surfaced", report)
	}

	failed, err := eng.FailedOps(ctx)
	if err != nil || len(failed) != 1 {
		t.Fatalf("FailedOps() = (%d ops, %v), want the op kept for review", len(failed), err)
	}
	if failed[0].ID != opID {
		t.Errorf("failed op = %s, want %s", failed[0].ID, opID)
	}

	if err := eng.Discard(ctx, opID); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if failed, _ := eng.FailedOps(ctx); len(failed) != 0 {
		t.Errorf("FailedOps() after discard = %d, want 0", len(failed))
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	backend := newSyncBackend(t)
	dbPath := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()

	eng := openEngine(t, testConfig(backend.srv.URL, dbPath))
	for _, id := range []string{"e1", "e2", "e3"} {
		if _, err := eng.Enqueue(ctx, &model.PendingOperation{
			Resource: "jobs",
			Kind:     model.OpUpdate,
			Payload:  json.RawMessage(`{"id":"` + id + `"}`),
		}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := openEngine(t, testConfig(backend.srv.URL, dbPath))
	n, err := reopened.PendingCount(ctx)
	if err != nil || n != 3 {
		t.Fatalf("PendingCount() after restart = (%d, %v), want the queue intact", n, err)
	}

	reopened.SetOnline(true)
	waitPendingZero(t, reopened)
	if len(backend.sentItems()) != 3 {
		t.Errorf("sent %d items after restart, want all 3", len(backend.sentItems()))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	backend := newSyncBackend(t)
	cfg := testConfig(backend.srv.URL, filepath.Join(t.TempDir(), "local.db"))
	eng := openEngine(t, cfg)

	if err := eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}
