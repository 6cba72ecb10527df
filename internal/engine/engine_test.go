package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/driftnotes/drift/internal/identity"
	"github.com/driftnotes/drift/internal/note"
	"github.com/driftnotes/drift/internal/remote"
	"github.com/driftnotes/drift/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeAdapter, *identity.StaticSource) {
	t.Helper()

	dsn := fmt.Sprintf("file:drift_engine_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	testStore, err := store.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	adapter := newFakeAdapter()
	source := identity.NewStaticSource()

	testEngine, err := New(Config{
		Store:    testStore,
		Remote:   adapter,
		Identity: source,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return testEngine, testStore, adapter, source
}

func pendingNote(id, title string, modifiedAtMs int64) note.Note {
	return note.Note{ID: id, Title: title, Body: "body of " + title, ModifiedAtMs: modifiedAtMs}
}

func mustGet(t *testing.T, testStore *store.Store, owner, id string) note.Note {
	t.Helper()
	record, err := testStore.GetByID(context.Background(), owner, id)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if record == nil {
		t.Fatalf("expected record %s/%s to exist", owner, id)
	}
	return *record
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected missing store to be rejected")
	}
}

func TestUpsertWritesThroughAndMarksSynced(t *testing.T) {
	testEngine, testStore, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	ctx := context.Background()

	if err := testEngine.Upsert(ctx, pendingNote("note-1", "hello", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	stored := mustGet(t, testStore, "user-1", "note-1")
	if stored.SyncState != note.SyncStateSynced {
		t.Fatalf("expected synced after confirmed remote write, got %s", stored.SyncState)
	}
	if remoteCopy, ok := adapter.stored("user-1", "note-1"); !ok || remoteCopy.Title != "hello" {
		t.Fatalf("expected remote copy, got %#v ok=%v", remoteCopy, ok)
	}
}

func TestUpsertStaysPendingWhenRemoteUnavailable(t *testing.T) {
	testEngine, testStore, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	adapter.writeHook = func(string, note.WireNote) error { return remote.ErrRemoteUnavailable }
	ctx := context.Background()

	if err := testEngine.Upsert(ctx, pendingNote("note-1", "offline edit", 100)); err != nil {
		t.Fatalf("upsert must absorb remote failures, got %v", err)
	}

	stored := mustGet(t, testStore, "user-1", "note-1")
	if stored.SyncState != note.SyncStatePending {
		t.Fatalf("expected pending, got %s", stored.SyncState)
	}
	if stored.Title != "offline edit" {
		t.Fatalf("write-through must be durable, got %#v", stored)
	}
}

func TestUpsertOfflineMutatesOnlyLocalStore(t *testing.T) {
	testEngine, testStore, adapter, _ := newTestEngine(t)
	ctx := context.Background()

	if err := testEngine.Upsert(ctx, pendingNote("note-1", "anonymous", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	stored := mustGet(t, testStore, AnonymousOwner, "note-1")
	if stored.SyncState != note.SyncStatePending {
		t.Fatalf("expected pending, got %s", stored.SyncState)
	}
	if writes, _, _ := adapter.callCounts(); writes != 0 {
		t.Fatalf("expected no remote calls while signed out, got %d writes", writes)
	}
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	testEngine, _, _, _ := newTestEngine(t)
	if err := testEngine.Upsert(context.Background(), pendingNote("", "no id", 100)); !errors.Is(err, note.ErrInvalidNoteID) {
		t.Fatalf("expected ErrInvalidNoteID, got %v", err)
	}
}

func TestUpsertRaceKeepsNewerEditPending(t *testing.T) {
	testEngine, testStore, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	ctx := context.Background()

	// A newer local edit lands while the first remote write is in flight.
	adapter.writeHook = func(string, note.WireNote) error {
		newer := pendingNote("note-1", "newer edit", 200)
		newer.Owner = "user-1"
		newer.SyncState = note.SyncStatePending
		return testStore.Put(ctx, newer)
	}

	if err := testEngine.Upsert(ctx, pendingNote("note-1", "older edit", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	stored := mustGet(t, testStore, "user-1", "note-1")
	if stored.Title != "newer edit" {
		t.Fatalf("newer edit must survive, got %#v", stored)
	}
	if stored.SyncState != note.SyncStatePending {
		t.Fatalf("racing edit must not be falsely marked synced, got %s", stored.SyncState)
	}
}

func TestDeleteIsImmediateAndLocalFirst(t *testing.T) {
	testEngine, testStore, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	adapter.removeErr = remote.ErrRemoteUnavailable
	ctx := context.Background()

	if err := testEngine.Upsert(ctx, pendingNote("note-1", "doomed", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := testEngine.Delete(ctx, "note-1"); err != nil {
		t.Fatalf("delete must absorb remote failures, got %v", err)
	}

	record, err := testStore.GetByID(ctx, "user-1", "note-1")
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if record != nil {
		t.Fatal("expected record to be gone immediately despite remote failure")
	}
}

func TestDeleteOfflineSkipsRemote(t *testing.T) {
	testEngine, _, adapter, _ := newTestEngine(t)
	ctx := context.Background()

	if err := testEngine.Upsert(ctx, pendingNote("note-1", "local", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := testEngine.Delete(ctx, "note-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, removes, _ := adapter.callCounts(); removes != 0 {
		t.Fatalf("expected no remote removes while signed out, got %d", removes)
	}
}

func TestManualSyncPushesPendingAndPullsRemoteWins(t *testing.T) {
	testEngine, testStore, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	ctx := context.Background()

	// Pending local record awaiting push.
	adapter.writeHook = func(string, note.WireNote) error { return remote.ErrRemoteUnavailable }
	if err := testEngine.Upsert(ctx, pendingNote("note-push", "unsent", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	adapter.writeHook = nil

	// Stale synced local copy that the remote has since updated.
	stale := pendingNote("note-pull", "old title", 50)
	stale.Owner = "user-1"
	stale.SyncState = note.SyncStateSynced
	if err := testStore.Put(ctx, stale); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	adapter.seed("user-1", note.WireNote{ID: "note-pull", Title: "new title", Content: "remote body", Timestamp: 60})

	if err := testEngine.ManualSync(ctx); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	pushed := mustGet(t, testStore, "user-1", "note-push")
	if pushed.SyncState != note.SyncStateSynced {
		t.Fatalf("expected pushed record to be synced, got %s", pushed.SyncState)
	}
	if _, ok := adapter.stored("user-1", "note-push"); !ok {
		t.Fatal("expected pushed record on the remote")
	}

	pulled := mustGet(t, testStore, "user-1", "note-pull")
	if pulled.Title != "new title" || pulled.SyncState != note.SyncStateSynced {
		t.Fatalf("remote must win unconditionally on pull, got %#v", pulled)
	}
}

func TestManualSyncContinuesPastIndividualPushFailures(t *testing.T) {
	testEngine, testStore, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	ctx := context.Background()

	adapter.writeHook = func(string, note.WireNote) error { return remote.ErrRemoteUnavailable }
	if err := testEngine.Upsert(ctx, pendingNote("note-bad", "fails", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := testEngine.Upsert(ctx, pendingNote("note-good", "succeeds", 200)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	adapter.writeHook = func(_ string, record note.WireNote) error {
		if record.ID == "note-bad" {
			return remote.ErrRemoteUnavailable
		}
		return nil
	}

	if err := testEngine.ManualSync(ctx); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	if stored := mustGet(t, testStore, "user-1", "note-good"); stored.SyncState != note.SyncStateSynced {
		t.Fatalf("one push failure must not abort the batch, got %s", stored.SyncState)
	}
	if stored := mustGet(t, testStore, "user-1", "note-bad"); stored.SyncState != note.SyncStatePending {
		t.Fatalf("failed push must stay pending, got %s", stored.SyncState)
	}
}

func TestManualSyncPullAbortKeepsPushResults(t *testing.T) {
	testEngine, testStore, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	ctx := context.Background()

	adapter.writeHook = func(string, note.WireNote) error { return remote.ErrRemoteUnavailable }
	if err := testEngine.Upsert(ctx, pendingNote("note-1", "unsent", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	adapter.writeHook = nil
	adapter.readAllErr = remote.ErrRemoteUnavailable

	if err := testEngine.ManualSync(ctx); err != nil {
		t.Fatalf("pull failure must not surface, got %v", err)
	}

	if stored := mustGet(t, testStore, "user-1", "note-1"); stored.SyncState != note.SyncStateSynced {
		t.Fatalf("push results must be kept when pull aborts, got %s", stored.SyncState)
	}
}

func TestManualSyncWithoutPrincipalIsNoOp(t *testing.T) {
	testEngine, _, adapter, _ := newTestEngine(t)

	if err := testEngine.ManualSync(context.Background()); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	writes, removes, readAlls := adapter.callCounts()
	if writes != 0 || removes != 0 || readAlls != 0 {
		t.Fatalf("expected no remote traffic, got writes=%d removes=%d readAlls=%d", writes, removes, readAlls)
	}
}

func TestManualSyncIsIdempotent(t *testing.T) {
	testEngine, testStore, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	ctx := context.Background()

	if err := testEngine.Upsert(ctx, pendingNote("note-1", "mine", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	adapter.seed("user-1", note.WireNote{ID: "note-2", Title: "remote", Timestamp: 200})

	if err := testEngine.ManualSync(ctx); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	first, err := testStore.GetAll(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	if err := testEngine.ManualSync(ctx); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	second, err := testStore.GetAll(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("expected identical store content, got %d then %d records", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("record %d changed across idempotent syncs: %#v vs %#v", i, first[i], second[i])
		}
	}
}

func TestPullNeverDeletesLocalOnlyRecords(t *testing.T) {
	// Known gap: a record deleted remotely by another client persists
	// locally, because pulls only upsert and never diff-and-remove.
	testEngine, testStore, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	ctx := context.Background()

	// Pushes keep failing so the local-only record stays pending across the sync.
	adapter.writeHook = func(string, note.WireNote) error { return remote.ErrRemoteUnavailable }
	if err := testEngine.Upsert(ctx, pendingNote("note-local", "only here", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	orphan := pendingNote("note-orphan", "deleted remotely", 50)
	orphan.Owner = "user-1"
	orphan.SyncState = note.SyncStateSynced
	if err := testStore.Put(ctx, orphan); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	if err := testEngine.ManualSync(ctx); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	if stored := mustGet(t, testStore, "user-1", "note-local"); stored.SyncState != note.SyncStatePending {
		t.Fatalf("pending local-only record must survive the pull, got %s", stored.SyncState)
	}
	mustGet(t, testStore, "user-1", "note-orphan")
}

func TestRealtimeSyncWithoutPrincipalFailsFast(t *testing.T) {
	testEngine, _, _, _ := newTestEngine(t)

	if _, err := testEngine.RealtimeSync(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRealtimeSyncMergesSnapshotsAndTicks(t *testing.T) {
	testEngine, testStore, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := testEngine.RealtimeSync(ctx)
	if err != nil {
		t.Fatalf("unexpected realtime error: %v", err)
	}
	subscription := adapter.lastSubscription()
	if subscription == nil {
		t.Fatal("expected a subscription to be opened")
	}

	subscription.push([]note.WireNote{{ID: "note-1", Title: "from another client", Timestamp: 100}})

	select {
	case _, open := <-stream.Ticks():
		if !open {
			t.Fatalf("stream terminated early: %v", stream.Err())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a merge tick")
	}

	stored := mustGet(t, testStore, "user-1", "note-1")
	if stored.Title != "from another client" || stored.SyncState != note.SyncStateSynced {
		t.Fatalf("unexpected merged record: %#v", stored)
	}
}

func TestRealtimeSyncPropagatesSubscriptionError(t *testing.T) {
	testEngine, _, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	ctx := context.Background()

	stream, err := testEngine.RealtimeSync(ctx)
	if err != nil {
		t.Fatalf("unexpected realtime error: %v", err)
	}
	subscription := adapter.lastSubscription()

	subscription.fail(remote.ErrPermissionDenied)

	awaitStreamEnd(t, stream)
	if streamErr := stream.Err(); !errors.Is(streamErr, remote.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", streamErr)
	}
}

func TestRealtimeSyncSubscribeFailurePropagates(t *testing.T) {
	testEngine, _, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	adapter.subscribeErr = remote.ErrRemoteUnavailable

	if _, err := testEngine.RealtimeSync(context.Background()); !errors.Is(err, remote.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}

func TestRealtimeSyncTeardownReleasesListenerExactlyOnce(t *testing.T) {
	testEngine, _, adapter, source := newTestEngine(t)
	source.SignIn("user-1")
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := testEngine.RealtimeSync(ctx)
	if err != nil {
		t.Fatalf("unexpected realtime error: %v", err)
	}
	subscription := adapter.lastSubscription()

	cancel()
	cancel()
	awaitStreamEnd(t, stream)

	if streamErr := stream.Err(); streamErr != nil {
		t.Fatalf("clean cancellation must not report an error, got %v", streamErr)
	}
	if count := subscription.teardownCount(); count != 1 {
		t.Fatalf("expected exactly one listener teardown, got %d", count)
	}
}

func TestObserveServesLocalDataOffline(t *testing.T) {
	testEngine, _, _, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := testEngine.Upsert(ctx, pendingNote("note-1", "offline", 100)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	select {
	case snapshot := <-testEngine.Observe(ctx):
		if len(snapshot) != 1 || snapshot[0].ID != "note-1" {
			t.Fatalf("unexpected snapshot: %#v", snapshot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an instant local snapshot")
	}
}

func awaitStreamEnd(t *testing.T, stream *RealtimeStream) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-stream.Ticks():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("expected stream to terminate")
		}
	}
}
