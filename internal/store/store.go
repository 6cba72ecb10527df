// Package store implements the durable local note cache. It is the single
// owner of the persisted record set; the sync engine reads and writes through
// it and never holds an independent copy.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftnotes/drift/internal/note"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew   = "store.new"
	opPut        = "store.put"
	opGetAll     = "store.get_all"
	opGetByID    = "store.get_by_id"
	opGetPending = "store.get_pending"
	opMarkSynced = "store.mark_synced"
	opDelete     = "store.delete"
	opClear      = "store.clear"
)

// StoreError carries a stable operation code alongside the underlying cause.
// Local store failures are fatal to the calling operation and are never
// swallowed by the engine.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// Store provides atomic per-record operations over the notes table plus a
// live observation feed that re-emits on every mutation.
type Store struct {
	db        *gorm.DB
	logger    *zap.Logger
	observers *observerHub
}

// NewStore wraps an already-open database handle. The schema must have been
// migrated; OpenSQLite does both.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:        db,
		logger:    logger,
		observers: newObserverHub(),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Put upserts the record by (owner, id), replacing all fields. The write is
// durable when Put returns.
func (s *Store) Put(ctx context.Context, record note.Note) error {
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logError(opPut, "save_failed", err,
			zap.String("owner", record.Owner),
			zap.String("note_id", record.ID))
		return newStoreError(opPut, "save_failed", err)
	}
	s.observers.notify(record.Owner)
	return nil
}

// GetAll returns every record under the owner, newest modification first.
func (s *Store) GetAll(ctx context.Context, owner string) ([]note.Note, error) {
	var records []note.Note
	if err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("modified_at_ms DESC").
		Find(&records).Error; err != nil {
		s.logError(opGetAll, "query_failed", err, zap.String("owner", owner))
		return nil, newStoreError(opGetAll, "query_failed", err)
	}
	return records, nil
}

// GetByID returns the record or nil when absent.
func (s *Store) GetByID(ctx context.Context, owner, id string) (*note.Note, error) {
	var record note.Note
	err := s.db.WithContext(ctx).
		Where("owner = ? AND note_id = ?", owner, id).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetByID, "query_failed", err,
			zap.String("owner", owner),
			zap.String("note_id", id))
		return nil, newStoreError(opGetByID, "query_failed", err)
	}
	return &record, nil
}

// GetPending returns a snapshot of the owner's records awaiting a confirmed
// remote write.
func (s *Store) GetPending(ctx context.Context, owner string) ([]note.Note, error) {
	var records []note.Note
	if err := s.db.WithContext(ctx).
		Where("owner = ? AND sync_state = ?", owner, note.SyncStatePending).
		Find(&records).Error; err != nil {
		s.logError(opGetPending, "query_failed", err, zap.String("owner", owner))
		return nil, newStoreError(opGetPending, "query_failed", err)
	}
	return records, nil
}

// MarkSynced flips the record to Synced only if it is still byte-identical
// to the pushed copy. A record mutated after the push was read stays Pending,
// so a newer local edit is never silently marked synced. Returns true when
// the flip happened.
func (s *Store) MarkSynced(ctx context.Context, pushed note.Note) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&note.Note{}).
		Where("owner = ? AND note_id = ? AND title = ? AND body = ? AND modified_at_ms = ? AND sync_state = ?",
			pushed.Owner, pushed.ID, pushed.Title, pushed.Body, pushed.ModifiedAtMs, note.SyncStatePending).
		Update("sync_state", note.SyncStateSynced)
	if result.Error != nil {
		s.logError(opMarkSynced, "update_failed", result.Error,
			zap.String("owner", pushed.Owner),
			zap.String("note_id", pushed.ID))
		return false, newStoreError(opMarkSynced, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	s.observers.notify(pushed.Owner)
	return true, nil
}

// Delete removes the record; absent records are a no-op.
func (s *Store) Delete(ctx context.Context, owner, id string) error {
	if err := s.db.WithContext(ctx).
		Where("owner = ? AND note_id = ?", owner, id).
		Delete(&note.Note{}).Error; err != nil {
		s.logError(opDelete, "delete_failed", err,
			zap.String("owner", owner),
			zap.String("note_id", id))
		return newStoreError(opDelete, "delete_failed", err)
	}
	s.observers.notify(owner)
	return nil
}

// Clear removes every record under the owner. Used on sign-out.
func (s *Store) Clear(ctx context.Context, owner string) error {
	if err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Delete(&note.Note{}).Error; err != nil {
		s.logError(opClear, "delete_failed", err, zap.String("owner", owner))
		return newStoreError(opClear, "delete_failed", err)
	}
	s.observers.notify(owner)
	return nil
}

// Observe returns a channel of full record-list snapshots for the owner: an
// initial snapshot, then one per mutation. Consecutive mutations may be
// conflated into a single snapshot. The channel closes when ctx is done; the
// underlying observer registration is released exactly once.
func (s *Store) Observe(ctx context.Context, owner string) <-chan []note.Note {
	snapshots := make(chan []note.Note, 1)
	pings, cleanup := s.observers.subscribe(owner)

	go func() {
		defer close(snapshots)
		defer cleanup()

		emit := func() bool {
			records, err := s.GetAll(ctx, owner)
			if err != nil {
				s.logError(opGetAll, "observe_requery_failed", err, zap.String("owner", owner))
				return true
			}
			// Conflate: replace a stale undelivered snapshot with the latest.
			for {
				select {
				case snapshots <- records:
					return true
				case <-ctx.Done():
					return false
				default:
				}
				select {
				case <-snapshots:
				default:
				}
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-pings:
				if !emit() {
					return
				}
			}
		}
	}()

	return snapshots
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}
