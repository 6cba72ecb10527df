// Package engine orchestrates offline-first reconciliation between the
// local store and the remote realtime store. Mutations write through to the
// local store synchronously and push best-effort; a background subscription
// merges remote deltas back in. The engine holds no record state of its own.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftnotes/drift/internal/identity"
	"github.com/driftnotes/drift/internal/note"
	"github.com/driftnotes/drift/internal/remote"
	"github.com/driftnotes/drift/internal/store"
	"go.uber.org/zap"
)

// AnonymousOwner is the local namespace for records created while signed
// out. Anonymous records are never eligible for remote sync.
const AnonymousOwner = "local"

var (
	// ErrUnauthenticated indicates an operation that requires a principal was
	// invoked without one.
	ErrUnauthenticated = errors.New("engine: unauthenticated")

	errMissingStore    = errors.New("local store is required")
	errMissingRemote   = errors.New("remote adapter is required")
	errMissingIdentity = errors.New("identity source is required")

	noOpLogger = zap.NewNop()
)

const (
	opEngineNew    = "engine.new"
	opUpsert       = "engine.upsert"
	opDelete       = "engine.delete"
	opManualSync   = "engine.manual_sync"
	opRealtimeSync = "engine.realtime_sync"
	opMerge        = "engine.merge"
)

// EngineError carries a stable operation code alongside the underlying cause.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

func newEngineError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &EngineError{code: code, err: cause}
}

// Config wires the engine's collaborators.
type Config struct {
	Store    *store.Store
	Remote   remote.Adapter
	Identity identity.Source
	Logger   *zap.Logger
}

// Engine exposes the unified, eventually-consistent view of the note
// collection. Reads never touch the network; remote failures on the write
// path are absorbed and only leave records Pending.
type Engine struct {
	store    *store.Store
	remote   remote.Adapter
	identity identity.Source
	logger   *zap.Logger
}

// New validates the configuration and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newEngineError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newEngineError(opEngineNew, "missing_remote", errMissingRemote)
	}
	if cfg.Identity == nil {
		return nil, newEngineError(opEngineNew, "missing_identity", errMissingIdentity)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		store:    cfg.Store,
		remote:   cfg.Remote,
		identity: cfg.Identity,
		logger:   logger,
	}, nil
}

// namespace resolves the identity at the operation's refresh point. The
// returned owner scopes the local store; principal is empty when signed out.
func (e *Engine) namespace(ctx context.Context) (owner, principal string, authed bool) {
	current, active := e.identity.Current(ctx)
	if !active || current == "" {
		return AnonymousOwner, "", false
	}
	return current.String(), current.String(), true
}

// Observe returns a live stream of full record-list snapshots for the active
// namespace, sourced directly from the local store. It renders instantly
// from local data even when offline and closes when ctx is done.
func (e *Engine) Observe(ctx context.Context) <-chan []note.Note {
	owner, _, _ := e.namespace(ctx)
	return e.store.Observe(ctx, owner)
}

// GetByID returns the record from the active namespace, or nil when absent.
func (e *Engine) GetByID(ctx context.Context, id string) (*note.Note, error) {
	owner, _, _ := e.namespace(ctx)
	return e.store.GetByID(ctx, owner, id)
}

// Upsert writes the record through to the local store as Pending, then
// attempts a best-effort remote write. Remote failures are absorbed: the
// record simply stays Pending until the next sync trigger. Only local store
// failures surface.
func (e *Engine) Upsert(ctx context.Context, record note.Note) error {
	if _, err := note.NewNoteID(record.ID); err != nil {
		return newEngineError(opUpsert, "invalid_note_id", err)
	}

	owner, principal, authed := e.namespace(ctx)
	record.Owner = owner
	record.SyncState = note.SyncStatePending

	if err := e.store.Put(ctx, record); err != nil {
		return newEngineError(opUpsert, "local_write_failed", err)
	}

	if !authed {
		return nil
	}

	if err := e.remote.Write(ctx, principal, note.ToWire(record)); err != nil {
		e.logger.Warn("remote write failed, note stays pending",
			zap.String("note_id", record.ID),
			zap.Error(err))
		return nil
	}

	// Confirm only if no newer local edit landed in the interim.
	if _, err := e.store.MarkSynced(ctx, record); err != nil {
		return newEngineError(opUpsert, "mark_synced_failed", err)
	}
	return nil
}

// Delete removes the record from the local store immediately, then
// best-effort removes the remote node. There is no retry queue for deletes;
// a failed remote delete is logged and dropped.
func (e *Engine) Delete(ctx context.Context, id string) error {
	owner, principal, authed := e.namespace(ctx)

	if err := e.store.Delete(ctx, owner, id); err != nil {
		return newEngineError(opDelete, "local_delete_failed", err)
	}

	if !authed {
		return nil
	}

	if err := e.remote.Remove(ctx, principal, id); err != nil {
		e.logger.Warn("remote delete failed",
			zap.String("note_id", id),
			zap.Error(err))
	}
	return nil
}

// ManualSync runs two-phase reconciliation: push every Pending record
// independently, then pull the full remote subtree and merge it with
// remote-wins semantics. A failed pull aborts phase 2 but keeps phase 1's
// results; remote failures never surface to the caller. A no-op when signed
// out. Only local store failures return an error.
func (e *Engine) ManualSync(ctx context.Context) error {
	owner, principal, authed := e.namespace(ctx)
	if !authed {
		return nil
	}

	pending, err := e.store.GetPending(ctx, owner)
	if err != nil {
		return newEngineError(opManualSync, "pending_query_failed", err)
	}
	for _, record := range pending {
		if err := e.remote.Write(ctx, principal, note.ToWire(record)); err != nil {
			e.logger.Warn("push failed, note stays pending",
				zap.String("note_id", record.ID),
				zap.Error(err))
			continue
		}
		if _, err := e.store.MarkSynced(ctx, record); err != nil {
			return newEngineError(opManualSync, "mark_synced_failed", err)
		}
	}

	wireNotes, err := e.remote.ReadAll(ctx, principal)
	if err != nil {
		e.logger.Warn("pull aborted, keeping push results", zap.Error(err))
		return nil
	}
	return e.merge(ctx, owner, wireNotes)
}

// merge upserts every pulled record as Synced. Remote always wins: the
// pulled copy overwrites local state without comparing timestamps. Records
// absent from the snapshot are left untouched, so a remote delete by another
// client does not propagate.
func (e *Engine) merge(ctx context.Context, owner string, wireNotes []note.WireNote) error {
	for _, wireNote := range wireNotes {
		record, ok := note.FromWire(owner, wireNote)
		if !ok {
			continue
		}
		if err := e.store.Put(ctx, record); err != nil {
			return newEngineError(opMerge, "local_write_failed", err)
		}
	}
	return nil
}

// RealtimeSync opens the remote subscription and merges every emitted
// snapshot into the local store, emitting a tick per completed merge. It
// fails fast with ErrUnauthenticated when no principal is present. The
// stream terminates on subscription error; retrying is the caller's
// responsibility. Cancelling ctx releases the remote listener exactly once.
func (e *Engine) RealtimeSync(ctx context.Context) (*RealtimeStream, error) {
	owner, principal, authed := e.namespace(ctx)
	if !authed {
		return nil, ErrUnauthenticated
	}

	subscription, err := e.remote.Subscribe(ctx, principal)
	if err != nil {
		return nil, newEngineError(opRealtimeSync, "subscribe_failed", err)
	}

	stream := newRealtimeStream()
	go e.runRealtime(ctx, owner, subscription, stream)
	return stream, nil
}

func (e *Engine) runRealtime(ctx context.Context, owner string, subscription remote.Subscription, stream *RealtimeStream) {
	defer stream.finish()
	defer subscription.Close()

	for snapshot := range subscription.Snapshots() {
		if err := e.merge(ctx, owner, snapshot); err != nil {
			e.logger.Error("realtime merge failed", zap.Error(err))
			stream.setErr(err)
			return
		}
		stream.tick()
	}

	if err := subscription.Err(); err != nil {
		e.logger.Warn("realtime subscription terminated", zap.Error(err))
		stream.setErr(err)
	}
}
