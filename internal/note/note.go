package note

import (
	"errors"
	"fmt"
	"strings"
)

// SyncState tracks whether the latest local copy of a note has been
// confirmed written to the remote store.
type SyncState string

const (
	// SyncStatePending marks a note whose latest local mutation has not been
	// confirmed remotely.
	SyncStatePending SyncState = "pending"
	// SyncStateSynced marks a note whose local copy matches a confirmed
	// remote write or a remote pull.
	SyncStateSynced SyncState = "synced"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("note: invalid note id")
	// ErrInvalidOwner indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwner = errors.New("note: invalid owner")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// Owner represents a validated namespace identifier. Notes created while
// signed out live under the anonymous owner and are never pushed remotely.
type Owner string

// NewOwner validates raw input and returns an Owner.
func NewOwner(rawInput string) (Owner, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwner)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwner, maxIdentifierLength)
	}
	return Owner(trimmed), nil
}

// String returns the underlying string identifier.
func (o Owner) String() string {
	return string(o)
}

// Note models the locally persisted note record. SyncState is local
// bookkeeping only and is never transmitted to the remote store.
type Note struct {
	Owner        string    `gorm:"column:owner;primaryKey;size:190;not null;index:idx_notes_owner_modified,priority:1"`
	ID           string    `gorm:"column:note_id;primaryKey;size:190;not null"`
	Title        string    `gorm:"column:title;type:text;not null"`
	Body         string    `gorm:"column:body;type:text;not null"`
	ModifiedAtMs int64     `gorm:"column:modified_at_ms;not null;index:idx_notes_owner_modified,priority:2"`
	SyncState    SyncState `gorm:"column:sync_state;size:16;not null;default:'pending'"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}
