// Package remote abstracts the tree-structured realtime database the sync
// engine reconciles against. All operations are scoped to the
// {principal}/notes subtree.
package remote

import (
	"context"
	"errors"

	"github.com/driftnotes/drift/internal/note"
)

var (
	// ErrRemoteUnavailable indicates a network or transient server failure.
	// Callers retry implicitly on the next sync trigger, never in a loop.
	ErrRemoteUnavailable = errors.New("remote: unavailable")
	// ErrPermissionDenied indicates the namespace does not belong to the
	// caller or the session is no longer accepted.
	ErrPermissionDenied = errors.New("remote: permission denied")
	// ErrMissingPrincipal indicates an operation was attempted without a
	// namespace to scope it to.
	ErrMissingPrincipal = errors.New("remote: principal is required")
)

// Adapter provides point reads, point writes, point deletes and a
// subscription to subtree change notifications. Write and Remove are
// idempotent upserts/deletes keyed by id.
type Adapter interface {
	Write(ctx context.Context, principal string, record note.WireNote) error
	Remove(ctx context.Context, principal, id string) error
	ReadAll(ctx context.Context, principal string) ([]note.WireNote, error)
	Subscribe(ctx context.Context, principal string) (Subscription, error)
}

// Subscription is an owned handle on a long-lived remote listener. Snapshots
// emits the full subtree on every descendant change and closes when the
// subscription terminates; Err reports the terminal cause afterwards. Close
// releases the remote listener exactly once regardless of how many times it
// is invoked.
type Subscription interface {
	Snapshots() <-chan []note.WireNote
	Err() error
	Close()
}
