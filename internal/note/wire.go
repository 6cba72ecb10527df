package note

import "encoding/json"

// WireNote is the remote representation of a note, stored at
// {principal}/notes/{id}. The body travels as "content" and the
// modification time as "timestamp" (unix milliseconds).
type WireNote struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ToWire converts a local note into its remote representation.
func ToWire(localNote Note) WireNote {
	return WireNote{
		ID:        localNote.ID,
		Title:     localNote.Title,
		Content:   localNote.Body,
		Timestamp: localNote.ModifiedAtMs,
	}
}

// FromWire converts a pulled remote note into a local record under the
// provided owner. Pulled notes are always Synced. The second return value is
// false when the wire note has an empty id and cannot be addressed locally.
func FromWire(owner string, wireNote WireNote) (Note, bool) {
	if wireNote.ID == "" {
		return Note{}, false
	}
	return Note{
		Owner:        owner,
		ID:           wireNote.ID,
		Title:        wireNote.Title,
		Body:         wireNote.Content,
		ModifiedAtMs: wireNote.Timestamp,
		SyncState:    SyncStateSynced,
	}, true
}

// DecodeWireNote decodes a single remote tree node leniently: scalar fields
// that are missing or carry the wrong type default to zero values instead of
// failing the batch.
func DecodeWireNote(raw json.RawMessage) WireNote {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return WireNote{}
	}

	decoded := WireNote{}
	if value, ok := fields["id"]; ok {
		_ = json.Unmarshal(value, &decoded.ID)
	}
	if value, ok := fields["title"]; ok {
		_ = json.Unmarshal(value, &decoded.Title)
	}
	if value, ok := fields["content"]; ok {
		_ = json.Unmarshal(value, &decoded.Content)
	}
	if value, ok := fields["timestamp"]; ok {
		_ = json.Unmarshal(value, &decoded.Timestamp)
	}
	return decoded
}

// DecodeWireTree decodes a full remote subtree, keyed by note id, discarding
// nodes whose id field is empty after decoding.
func DecodeWireTree(raw json.RawMessage) []WireNote {
	var children map[string]json.RawMessage
	if err := json.Unmarshal(raw, &children); err != nil {
		return nil
	}

	decoded := make([]WireNote, 0, len(children))
	for _, child := range children {
		wireNote := DecodeWireNote(child)
		if wireNote.ID == "" {
			continue
		}
		decoded = append(decoded, wireNote)
	}
	return decoded
}
