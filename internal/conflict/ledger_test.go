package conflict

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andranikuz/ai-calendar/internal/config"
	"github.com/andranikuz/ai-calendar/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(config.StorageConfig{
		FilePath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewLedger(st), st
}

func recordConflict(t *testing.T, l *Ledger, userID string, conflictType store.ConflictType, local, google string) *store.SyncConflict {
	t.Helper()
	c := &store.SyncConflict{
		UserID:       userID,
		ConflictType: conflictType,
		Description:  "events disagree",
	}
	if local != "" {
		c.LocalEvent = json.RawMessage(local)
	}
	if google != "" {
		c.GoogleEvent = json.RawMessage(google)
	}
	require.NoError(t, l.Record(context.Background(), c))
	return c
}

func TestRecordFillsIdentity(t *testing.T) {
	l, _ := newTestLedger(t)
	c := recordConflict(t, l, "u1", store.ConflictTimeOverlap, `{"id":"e1"}`, `{"id":"g1"}`)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, store.ConflictPending, c.Status)

	pending, err := l.ListPending(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].ID)
}

func TestResolveUseLocalKeepsRecord(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	c := recordConflict(t, l, "u1", store.ConflictTimeOverlap,
		`{"id":"e1","title":"standup"}`, `{"id":"g1","title":"stand-up"}`)

	err := l.Resolve(ctx, c.ID, &ResolutionAction{Action: ActionUseLocal, Resolution: "kept mine"}, "u1")
	require.NoError(t, err)

	// Resolution is recorded; the conflict row survives for audit.
	got, err := st.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, store.ConflictResolved, got.Status)
	assert.Equal(t, "u1", got.ResolvedBy.String)
	assert.Equal(t, "kept mine", got.Resolution.String)
	assert.True(t, got.ResolvedAt.Valid)

	pending, err := l.ListPending(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolveTwiceFails(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	c := recordConflict(t, l, "u1", store.ConflictContentDiff, `{"id":"e1"}`, `{"id":"g1"}`)

	require.NoError(t, l.Resolve(ctx, c.ID, &ResolutionAction{Action: ActionUseLocal}, "u1"))

	err := l.Resolve(ctx, c.ID, &ResolutionAction{Action: ActionUseGoogle}, "u1")
	assert.ErrorIs(t, err, ErrConflictAlreadyResolved)
}

func TestResolveUnknownConflict(t *testing.T) {
	l, _ := newTestLedger(t)
	err := l.Resolve(context.Background(), "nope", &ResolutionAction{Action: ActionUseLocal}, "u1")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestResolveUnknownAction(t *testing.T) {
	l, _ := newTestLedger(t)
	c := recordConflict(t, l, "u1", store.ConflictContentDiff, `{"id":"e1"}`, `{"id":"g1"}`)

	err := l.Resolve(context.Background(), c.ID, &ResolutionAction{Action: "coin_flip"}, "u1")
	assert.Error(t, err)

	// A bad action leaves the conflict pending.
	pending, err := l.ListPending(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestResolveUseGoogleAdoptsSnapshot(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	c := recordConflict(t, l, "u1", store.ConflictContentDiff,
		`{"id":"e1","title":"old title","start_time":"2026-03-01T09:00:00Z"}`,
		`{"id":"g1","title":"new title","start_time":"2026-03-01T10:00:00Z"}`)

	require.NoError(t, l.Resolve(ctx, c.ID, &ResolutionAction{Action: ActionUseGoogle}, "u1"))

	// The adopted event keeps the local id and lands pending so the next
	// sync pass pushes it upstream.
	rec, err := st.Get(ctx, "events", "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.SyncPending, rec.SyncStatus)
	assert.Equal(t, "u1", rec.UserID)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Data, &fields))
	assert.Equal(t, "new title", fields["title"])
	assert.Equal(t, "e1", fields["id"])
}

func TestResolveMergeOverlaysFields(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	c := recordConflict(t, l, "u1", store.ConflictContentDiff,
		`{"id":"e1","title":"standup","location":"office"}`, `{"id":"g1","title":"stand-up"}`)

	action := &ResolutionAction{
		Action:    ActionMerge,
		EventData: map[string]interface{}{"title": "daily standup"},
	}
	require.NoError(t, l.Resolve(ctx, c.ID, action, "u1"))

	rec, err := st.Get(ctx, "events", "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Data, &fields))
	assert.Equal(t, "daily standup", fields["title"])
	assert.Equal(t, "office", fields["location"])
}

func TestResolveIgnore(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	c := recordConflict(t, l, "u1", store.ConflictDuplicateEvent, `{"id":"e1"}`, `{"id":"g1"}`)

	require.NoError(t, l.Resolve(ctx, c.ID, &ResolutionAction{Action: ActionIgnore}, "u1"))

	got, err := st.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConflictIgnored, got.Status)
}

func TestBulkResolvePartialSuccess(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	c1 := recordConflict(t, l, "u1", store.ConflictTimeOverlap, `{"id":"e1"}`, `{"id":"g1"}`)
	c2 := recordConflict(t, l, "u1", store.ConflictTimeOverlap, `{"id":"e2"}`, `{"id":"g2"}`)

	results := l.BulkResolve(ctx, []string{c1.ID, "missing", c2.ID},
		&ResolutionAction{Action: ActionUseLocal}, "u1")
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, ErrConflictNotFound.Error(), results[1].Error)
	assert.True(t, results[2].Success)
}

func TestStatsCountsByType(t *testing.T) {
	l, _ := newTestLedger(t)
	recordConflict(t, l, "u1", store.ConflictTimeOverlap, `{"id":"e1"}`, `{"id":"g1"}`)
	recordConflict(t, l, "u1", store.ConflictTimeOverlap, `{"id":"e2"}`, `{"id":"g2"}`)
	recordConflict(t, l, "u1", store.ConflictContentDiff, `{"id":"e3"}`, `{"id":"g3"}`)
	recordConflict(t, l, "u2", store.ConflictContentDiff, `{"id":"e4"}`, `{"id":"g4"}`)

	stats, err := l.Stats(context.Background(), "u1", 30)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[string(store.ConflictTimeOverlap)])
	assert.Equal(t, 1, stats[string(store.ConflictContentDiff)])
	assert.NotContains(t, stats, string(store.ConflictDeletedEvent))
}
