package store

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncConflictDecodesPostedPayload(t *testing.T) {
	payload := `{
		"user_id": "u1",
		"conflict_type": "time_overlap",
		"local_event": {"id": "e1"},
		"google_event": {"id": "g1"},
		"description": "events overlap"
	}`

	var c SyncConflict
	require.NoError(t, json.Unmarshal([]byte(payload), &c))

	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, ConflictTimeOverlap, c.ConflictType)
	assert.JSONEq(t, `{"id":"e1"}`, string(c.LocalEvent))
	assert.Equal(t, "events overlap", c.Description)
	assert.False(t, c.Resolution.Valid)
}

func TestSyncConflictEncodesNullableAuditFields(t *testing.T) {
	pending := SyncConflict{
		ID:           "c1",
		UserID:       "u1",
		ConflictType: ConflictContentDiff,
		LocalEvent:   json.RawMessage(`{"id":"e1"}`),
		Status:       ConflictPending,
	}

	raw, err := json.Marshal(pending)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, `"u1"`, string(fields["user_id"]))
	assert.Equal(t, `"content_diff"`, string(fields["conflict_type"]))
	assert.Equal(t, "null", string(fields["resolution"]))
	assert.Equal(t, "null", string(fields["resolved_at"]))
	assert.NotContains(t, fields, "UserID")

	resolvedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	pending.Status = ConflictResolved
	pending.Resolution = sql.NullString{String: "kept mine", Valid: true}
	pending.ResolvedBy = sql.NullString{String: "u1", Valid: true}
	pending.ResolvedAt = sql.NullTime{Time: resolvedAt, Valid: true}

	raw, err = json.Marshal(pending)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, `"kept mine"`, string(fields["resolution"]))
	assert.Equal(t, `"u1"`, string(fields["resolved_by"]))
	assert.Equal(t, `"2026-03-01T10:00:00Z"`, string(fields["resolved_at"]))
}
