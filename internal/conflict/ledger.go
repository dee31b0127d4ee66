package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andranikuz/ai-calendar/internal/logger"
	"github.com/andranikuz/ai-calendar/internal/store"
)

var (
	// ErrConflictAlreadyResolved is returned when a resolution is
	// attempted on a conflict that already left the pending state.
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	ErrConflictNotFound        = errors.New("conflict not found")
)

const (
	ActionUseLocal  = "use_local"
	ActionUseGoogle = "use_google"
	ActionMerge     = "merge"
	ActionIgnore    = "ignore"
)

// ResolutionAction is the caller's resolution request.
type ResolutionAction struct {
	Action     string                 `json:"action"`
	EventData  map[string]interface{} `json:"event_data,omitempty"`
	Resolution string                 `json:"resolution,omitempty"`
}

// BulkResult reports the outcome for one conflict in a bulk resolution.
type BulkResult struct {
	ConflictID string `json:"conflict_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Ledger owns storage, listing and resolution of sync conflicts between
// local events and their Google calendar counterparts. Detection happens
// in the sync collaborator. A conflict is never deleted; resolution
// transitions its status and stamps the audit fields.
type Ledger struct {
	store store.Store
}

func NewLedger(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// Record stores a freshly detected conflict, filling in identity and
// bookkeeping fields.
func (l *Ledger) Record(ctx context.Context, c *store.SyncConflict) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.Status = store.ConflictPending
	c.CreatedAt = now
	c.UpdatedAt = now
	return l.store.CreateConflict(ctx, c)
}

// ListPending returns the user's unresolved conflicts in stable order.
func (l *Ledger) ListPending(ctx context.Context, userID string) ([]*store.SyncConflict, error) {
	return l.store.ListPendingConflicts(ctx, userID)
}

// Resolve applies a resolution action to a pending conflict. Resolving a
// conflict that is already resolved or ignored fails with
// ErrConflictAlreadyResolved.
func (l *Ledger) Resolve(ctx context.Context, conflictID string, action *ResolutionAction, resolvedBy string) error {
	c, err := l.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrConflictNotFound
	}
	if c.Status != store.ConflictPending {
		return ErrConflictAlreadyResolved
	}

	status := store.ConflictResolved
	switch action.Action {
	case ActionUseLocal:
		// Local snapshot is canonical; the next sync pass pushes it out.
	case ActionUseGoogle:
		if err := l.applyGoogleVersion(ctx, c); err != nil {
			return fmt.Errorf("failed to apply resolution: %w", err)
		}
	case ActionMerge:
		if err := l.applyMergedVersion(ctx, c, action.EventData); err != nil {
			return fmt.Errorf("failed to apply resolution: %w", err)
		}
	case ActionIgnore:
		status = store.ConflictIgnored
	default:
		return fmt.Errorf("unknown resolution action: %s", action.Action)
	}

	if err := l.store.UpdateConflictResolution(ctx, conflictID, status, action.Resolution, resolvedBy, time.Now().UTC()); err != nil {
		return err
	}

	logger.Log.Info("Resolved sync conflict",
		zap.String("conflict_id", conflictID),
		zap.String("action", action.Action),
		zap.String("resolved_by", resolvedBy),
	)
	return nil
}

// BulkResolve applies the same action to each conflict, collecting per-id
// results instead of failing atomically.
func (l *Ledger) BulkResolve(ctx context.Context, conflictIDs []string, action *ResolutionAction, resolvedBy string) []BulkResult {
	results := make([]BulkResult, 0, len(conflictIDs))
	for _, id := range conflictIDs {
		res := BulkResult{ConflictID: id, Success: true}
		if err := l.Resolve(ctx, id, action, resolvedBy); err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// Stats returns conflict counts per type over the trailing window.
func (l *Ledger) Stats(ctx context.Context, userID string, days int) (map[string]int, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	return l.store.ConflictStats(ctx, userID, since)
}

// applyGoogleVersion adopts the Google snapshot as the local event. The
// record lands pending so the next sync pass delivers it upstream.
func (l *Ledger) applyGoogleVersion(ctx context.Context, c *store.SyncConflict) error {
	if len(c.GoogleEvent) == 0 {
		return fmt.Errorf("no google event to apply")
	}

	rec, err := eventRecord(c, c.GoogleEvent, nil)
	if err != nil {
		return err
	}
	return l.store.Put(ctx, rec)
}

// applyMergedVersion overlays the caller-supplied fields onto the local
// snapshot.
func (l *Ledger) applyMergedVersion(ctx context.Context, c *store.SyncConflict, eventData map[string]interface{}) error {
	if len(c.LocalEvent) == 0 {
		return fmt.Errorf("no local event to merge")
	}

	rec, err := eventRecord(c, c.LocalEvent, eventData)
	if err != nil {
		return err
	}
	return l.store.Put(ctx, rec)
}

// eventRecord builds an events-partition record from a conflict snapshot,
// preferring the local event's id so the server sees an update rather
// than a duplicate.
func eventRecord(c *store.SyncConflict, snapshot json.RawMessage, overlay map[string]interface{}) (*store.Record, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(snapshot, &fields); err != nil {
		return nil, err
	}
	for k, v := range overlay {
		fields[k] = v
	}

	if len(c.LocalEvent) > 0 {
		var local map[string]interface{}
		if err := json.Unmarshal(c.LocalEvent, &local); err == nil {
			if id, ok := local["id"].(string); ok && id != "" {
				fields["id"] = id
			}
		}
	}

	id, _ := fields["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("event snapshot has no id")
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	rec := &store.Record{
		ID:        id,
		Partition: "events",
		UserID:    c.UserID,
		Data:      data,
	}
	if raw, ok := fields["start_time"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.ItemDate = sql.NullTime{Time: t.UTC(), Valid: true}
		}
	}
	return rec, nil
}
