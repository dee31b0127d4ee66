package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// Record is one cached domain entity (goal, event or mood) inside a named
// partition. Data carries the server's JSON payload unchanged; user_id and
// item_date are lifted out of it so lookups don't need a full scan.
type Record struct {
	ID             string          `db:"id"`
	Partition      string          `db:"partition"`
	UserID         string          `db:"user_id"`
	ItemDate       sql.NullTime    `db:"item_date"`
	Data           json.RawMessage `db:"data"`
	SyncStatus     SyncStatus      `db:"sync_status"`
	SyncedAt       sql.NullTime    `db:"synced_at"`
	LocalUpdatedAt time.Time       `db:"local_updated_at"`
}

type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// PendingAction is a write the upstream never acknowledged. The captured
// request is replayed verbatim; Seq preserves enqueue order.
type PendingAction struct {
	Seq         int64               `db:"seq"`
	ID          string              `db:"id"`
	Type        ActionType          `db:"action_type"`
	TargetStore string              `db:"target_store"`
	URL         string              `db:"url"`
	Method      string              `db:"method"`
	Headers     map[string][]string `db:"headers"`
	Body        []byte              `db:"body"`
	CreatedAt   time.Time           `db:"created_at"`
	RetryCount  int                 `db:"retry_count"`
}

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

type ConflictType string

const (
	ConflictTimeOverlap    ConflictType = "time_overlap"
	ConflictContentDiff    ConflictType = "content_diff"
	ConflictDuplicateEvent ConflictType = "duplicate_event"
	ConflictDeletedEvent   ConflictType = "deleted_event"
)

// SyncConflict records a divergence between the local event and the Google
// calendar's view of the same occurrence. Resolution stamps audit fields;
// conflicts are never deleted.
type SyncConflict struct {
	ID             string          `db:"id"`
	UserID         string          `db:"user_id"`
	CalendarSyncID string          `db:"calendar_sync_id"`
	ConflictType   ConflictType    `db:"conflict_type"`
	LocalEvent     json.RawMessage `db:"local_event"`
	GoogleEvent    json.RawMessage `db:"google_event"`
	Description    string          `db:"description"`
	Resolution     sql.NullString  `db:"resolution"`
	ResolvedAt     sql.NullTime    `db:"resolved_at"`
	ResolvedBy     sql.NullString  `db:"resolved_by"`
	Status         ConflictStatus  `db:"status"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// syncConflictJSON is the wire shape of a conflict: snake_case keys,
// with the audit fields as plain nullable values.
type syncConflictJSON struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	CalendarSyncID string          `json:"calendar_sync_id"`
	ConflictType   ConflictType    `json:"conflict_type"`
	LocalEvent     json.RawMessage `json:"local_event,omitempty"`
	GoogleEvent    json.RawMessage `json:"google_event,omitempty"`
	Description    string          `json:"description"`
	Resolution     *string         `json:"resolution"`
	ResolvedAt     *time.Time      `json:"resolved_at"`
	ResolvedBy     *string         `json:"resolved_by"`
	Status         ConflictStatus  `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (c SyncConflict) MarshalJSON() ([]byte, error) {
	out := syncConflictJSON{
		ID:             c.ID,
		UserID:         c.UserID,
		CalendarSyncID: c.CalendarSyncID,
		ConflictType:   c.ConflictType,
		LocalEvent:     c.LocalEvent,
		GoogleEvent:    c.GoogleEvent,
		Description:    c.Description,
		Status:         c.Status,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.Resolution.Valid {
		out.Resolution = &c.Resolution.String
	}
	if c.ResolvedAt.Valid {
		t := c.ResolvedAt.Time
		out.ResolvedAt = &t
	}
	if c.ResolvedBy.Valid {
		out.ResolvedBy = &c.ResolvedBy.String
	}
	return json.Marshal(out)
}

func (c *SyncConflict) UnmarshalJSON(data []byte) error {
	var in syncConflictJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*c = SyncConflict{
		ID:             in.ID,
		UserID:         in.UserID,
		CalendarSyncID: in.CalendarSyncID,
		ConflictType:   in.ConflictType,
		LocalEvent:     in.LocalEvent,
		GoogleEvent:    in.GoogleEvent,
		Description:    in.Description,
		Status:         in.Status,
		CreatedAt:      in.CreatedAt,
		UpdatedAt:      in.UpdatedAt,
	}
	if in.Resolution != nil {
		c.Resolution = sql.NullString{String: *in.Resolution, Valid: true}
	}
	if in.ResolvedAt != nil {
		c.ResolvedAt = sql.NullTime{Time: *in.ResolvedAt, Valid: true}
	}
	if in.ResolvedBy != nil {
		c.ResolvedBy = sql.NullString{String: *in.ResolvedBy, Valid: true}
	}
	return nil
}

// SyncMetadata is per-partition bookkeeping, overwritten on every
// successful refresh.
type SyncMetadata struct {
	StoreName string         `db:"store_name"`
	LastSync  time.Time      `db:"last_sync"`
	SyncToken sql.NullString `db:"sync_token"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// Query narrows GetAll to the indexed attributes.
type Query struct {
	UserID     string
	SyncStatus SyncStatus
	DateFrom   time.Time
	DateTo     time.Time
}
