package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/andranikuz/ai-calendar/internal/config"
)

// SQLiteStore keeps all partitions in a single on-device SQLite file.
// Timestamps are stored as unix seconds so values round-trip identically
// regardless of driver formatting.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(cfg config.StorageConfig) (*SQLiteStore, error) {
	if dir := filepath.Dir(cfg.FilePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY races
	// between the gateway's cache writes and a running drain.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		partition        TEXT NOT NULL,
		id               TEXT NOT NULL,
		user_id          TEXT NOT NULL DEFAULT '',
		item_date        INTEGER,
		data             TEXT NOT NULL,
		sync_status      TEXT NOT NULL,
		synced_at        INTEGER,
		local_updated_at INTEGER NOT NULL,
		PRIMARY KEY (partition, id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_user ON records (partition, user_id);
	CREATE INDEX IF NOT EXISTS idx_records_sync_status ON records (partition, sync_status);
	CREATE INDEX IF NOT EXISTS idx_records_item_date ON records (partition, item_date);

	CREATE TABLE IF NOT EXISTS pending_actions (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		action_type  TEXT NOT NULL,
		target_store TEXT NOT NULL,
		url          TEXT NOT NULL,
		method       TEXT NOT NULL,
		headers      TEXT NOT NULL,
		body         BLOB,
		created_at   INTEGER NOT NULL,
		retry_count  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_actions_type ON pending_actions (action_type);
	CREATE INDEX IF NOT EXISTS idx_actions_created ON pending_actions (created_at);

	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		calendar_sync_id TEXT NOT NULL,
		conflict_type    TEXT NOT NULL,
		local_event      TEXT,
		google_event     TEXT,
		description      TEXT NOT NULL,
		resolution       TEXT,
		resolved_at      INTEGER,
		resolved_by      TEXT,
		status           TEXT NOT NULL,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_user_status ON sync_conflicts (user_id, status);

	CREATE TABLE IF NOT EXISTS sync_metadata (
		store_name TEXT PRIMARY KEY,
		last_sync  INTEGER NOT NULL,
		sync_token TEXT,
		updated_at INTEGER NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixOrNil(t sql.NullTime) interface{} {
	if !t.Valid {
		return nil
	}
	return t.Time.UTC().Unix()
}

func timeFromUnix(v sql.NullInt64) sql.NullTime {
	if !v.Valid {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Unix(v.Int64, 0).UTC(), Valid: true}
}

// Put inserts or replaces a record, stamping it pending with a fresh
// local-modification time. Use PutSynced for server-confirmed data.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	rec.SyncStatus = SyncPending
	rec.SyncedAt = sql.NullTime{}
	rec.LocalUpdatedAt = time.Now().UTC()
	return storageErr(rec.Partition, "put", s.upsertRecord(ctx, rec))
}

// PutSynced inserts or replaces a record already confirmed by the server,
// stamping it synced.
func (s *SQLiteStore) PutSynced(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	rec.SyncStatus = SyncSynced
	rec.SyncedAt = sql.NullTime{Time: now, Valid: true}
	rec.LocalUpdatedAt = now
	return storageErr(rec.Partition, "put", s.upsertRecord(ctx, rec))
}

func (s *SQLiteStore) upsertRecord(ctx context.Context, rec *Record) error {
	query := `INSERT INTO records (partition, id, user_id, item_date, data, sync_status, synced_at, local_updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT (partition, id) DO UPDATE SET
			  user_id = excluded.user_id,
			  item_date = excluded.item_date,
			  data = excluded.data,
			  sync_status = excluded.sync_status,
			  synced_at = excluded.synced_at,
			  local_updated_at = excluded.local_updated_at`

	_, err := s.db.ExecContext(ctx, query,
		rec.Partition,
		rec.ID,
		rec.UserID,
		unixOrNil(rec.ItemDate),
		string(rec.Data),
		rec.SyncStatus,
		unixOrNil(rec.SyncedAt),
		rec.LocalUpdatedAt.UTC().Unix(),
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, partition, id string) (*Record, error) {
	query := `SELECT partition, id, user_id, item_date, data, sync_status, synced_at, local_updated_at
			  FROM records WHERE partition = ? AND id = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, partition, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(partition, "get", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var data string
	var itemDate, syncedAt sql.NullInt64
	var localUpdated int64

	err := row.Scan(
		&rec.Partition,
		&rec.ID,
		&rec.UserID,
		&itemDate,
		&data,
		&rec.SyncStatus,
		&syncedAt,
		&localUpdated,
	)
	if err != nil {
		return nil, err
	}

	rec.Data = json.RawMessage(data)
	rec.ItemDate = timeFromUnix(itemDate)
	rec.SyncedAt = timeFromUnix(syncedAt)
	rec.LocalUpdatedAt = time.Unix(localUpdated, 0).UTC()
	return &rec, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, partition string, q Query) ([]*Record, error) {
	query := `SELECT partition, id, user_id, item_date, data, sync_status, synced_at, local_updated_at
			  FROM records WHERE partition = ?`
	args := []interface{}{partition}

	if q.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, q.UserID)
	}
	if q.SyncStatus != "" {
		query += " AND sync_status = ?"
		args = append(args, q.SyncStatus)
	}
	if !q.DateFrom.IsZero() {
		query += " AND item_date >= ?"
		args = append(args, q.DateFrom.UTC().Unix())
	}
	if !q.DateTo.IsZero() {
		query += " AND item_date < ?"
		args = append(args, q.DateTo.UTC().Unix())
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(partition, "getAll", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr(partition, "getAll", err)
		}
		records = append(records, rec)
	}
	return records, storageErr(partition, "getAll", rows.Err())
}

func (s *SQLiteStore) Delete(ctx context.Context, partition, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE partition = ? AND id = ?`, partition, id)
	return storageErr(partition, "delete", err)
}

func (s *SQLiteStore) Clear(ctx context.Context, partition string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE partition = ?`, partition)
	return storageErr(partition, "clear", err)
}

// BulkPut ingests a server-confirmed page atomically, marking every record
// synced with a fresh synced_at stamp.
func (s *SQLiteStore) BulkPut(ctx context.Context, partition string, recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}

	err := s.execTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO records (partition, id, user_id, item_date, data, sync_status, synced_at, local_updated_at)
				  VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				  ON CONFLICT (partition, id) DO UPDATE SET
				  user_id = excluded.user_id,
				  item_date = excluded.item_date,
				  data = excluded.data,
				  sync_status = excluded.sync_status,
				  synced_at = excluded.synced_at,
				  local_updated_at = excluded.local_updated_at`

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, rec := range recs {
			rec.Partition = partition
			rec.SyncStatus = SyncSynced
			rec.SyncedAt = sql.NullTime{Time: now, Valid: true}
			rec.LocalUpdatedAt = now

			if _, err := stmt.ExecContext(ctx,
				rec.Partition,
				rec.ID,
				rec.UserID,
				unixOrNil(rec.ItemDate),
				string(rec.Data),
				rec.SyncStatus,
				unixOrNil(rec.SyncedAt),
				rec.LocalUpdatedAt.Unix(),
			); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr(partition, "bulkPut", err)
}

// Search matches records whose JSON payload contains the term. SQLite's
// LIKE is case-insensitive for ASCII, which matches the original behavior.
func (s *SQLiteStore) Search(ctx context.Context, partition, term string) ([]*Record, error) {
	query := `SELECT partition, id, user_id, item_date, data, sync_status, synced_at, local_updated_at
			  FROM records WHERE partition = ? AND data LIKE ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, partition, "%"+term+"%")
	if err != nil {
		return nil, storageErr(partition, "search", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr(partition, "search", err)
		}
		records = append(records, rec)
	}
	return records, storageErr(partition, "search", rows.Err())
}

// CleanupSynced removes synced records whose local modification time fell
// behind the retention window. Pending records are never cleaned up.
func (s *SQLiteStore) CleanupSynced(ctx context.Context, partition string, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE partition = ? AND sync_status = ? AND local_updated_at < ?`,
		partition, SyncSynced, olderThan.UTC().Unix())
	if err != nil {
		return 0, storageErr(partition, "cleanup", err)
	}
	n, err := res.RowsAffected()
	return n, storageErr(partition, "cleanup", err)
}

func (s *SQLiteStore) EnqueueAction(ctx context.Context, action *PendingAction) error {
	headers, err := json.Marshal(action.Headers)
	if err != nil {
		return storageErr("pending_actions", "enqueue", err)
	}

	query := `INSERT INTO pending_actions (id, action_type, target_store, url, method, headers, body, created_at, retry_count)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		action.ID,
		action.Type,
		action.TargetStore,
		action.URL,
		action.Method,
		string(headers),
		action.Body,
		action.CreatedAt.UTC().Unix(),
		action.RetryCount,
	)
	if err != nil {
		return storageErr("pending_actions", "enqueue", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return storageErr("pending_actions", "enqueue", err)
	}
	action.Seq = seq
	return nil
}

func (s *SQLiteStore) ListActions(ctx context.Context) ([]*PendingAction, error) {
	query := `SELECT seq, id, action_type, target_store, url, method, headers, body, created_at, retry_count
			  FROM pending_actions ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("pending_actions", "list", err)
	}
	defer rows.Close()

	var actions []*PendingAction
	for rows.Next() {
		var a PendingAction
		var headers string
		var createdAt int64

		err := rows.Scan(
			&a.Seq,
			&a.ID,
			&a.Type,
			&a.TargetStore,
			&a.URL,
			&a.Method,
			&headers,
			&a.Body,
			&createdAt,
			&a.RetryCount,
		)
		if err != nil {
			return nil, storageErr("pending_actions", "list", err)
		}

		if err := json.Unmarshal([]byte(headers), &a.Headers); err != nil {
			return nil, storageErr("pending_actions", "list", err)
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		actions = append(actions, &a)
	}
	return actions, storageErr("pending_actions", "list", rows.Err())
}

func (s *SQLiteStore) CountActions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n)
	return n, storageErr("pending_actions", "count", err)
}

func (s *SQLiteStore) RemoveAction(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	return storageErr("pending_actions", "remove", err)
}

// RetryOrDrop increments the retry count or, once the ceiling is reached,
// removes the action. Runs as one transaction so racing triggers cannot
// lose an increment.
func (s *SQLiteStore) RetryOrDrop(ctx context.Context, id string, maxRetries int) (bool, error) {
	dropped := false
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		var retries int
		err := tx.QueryRowContext(ctx, `SELECT retry_count FROM pending_actions WHERE id = ?`, id).Scan(&retries)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		if retries+1 >= maxRetries {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id); err != nil {
				return err
			}
			dropped = true
			return nil
		}

		_, err = tx.ExecContext(ctx, `UPDATE pending_actions SET retry_count = retry_count + 1 WHERE id = ?`, id)
		return err
	})
	return dropped, storageErr("pending_actions", "retryOrDrop", err)
}

func (s *SQLiteStore) ClearActions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions`)
	return storageErr("pending_actions", "clear", err)
}

func (s *SQLiteStore) CreateConflict(ctx context.Context, conflict *SyncConflict) error {
	query := `INSERT INTO sync_conflicts (id, user_id, calendar_sync_id, conflict_type, local_event, google_event, description, resolution, resolved_at, resolved_by, status, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conflict.ID,
		conflict.UserID,
		conflict.CalendarSyncID,
		conflict.ConflictType,
		nullJSON(conflict.LocalEvent),
		nullJSON(conflict.GoogleEvent),
		conflict.Description,
		nullString(conflict.Resolution),
		unixOrNil(conflict.ResolvedAt),
		nullString(conflict.ResolvedBy),
		conflict.Status,
		conflict.CreatedAt.UTC().Unix(),
		conflict.UpdatedAt.UTC().Unix(),
	)
	return storageErr("sync_conflicts", "create", err)
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s sql.NullString) interface{} {
	if !s.Valid {
		return nil
	}
	return s.String
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*SyncConflict, error) {
	query := `SELECT id, user_id, calendar_sync_id, conflict_type, local_event, google_event, description, resolution, resolved_at, resolved_by, status, created_at, updated_at
			  FROM sync_conflicts WHERE id = ?`

	c, err := scanConflict(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("sync_conflicts", "get", err)
	}
	return c, nil
}

func scanConflict(row rowScanner) (*SyncConflict, error) {
	var c SyncConflict
	var localEvent, googleEvent sql.NullString
	var resolvedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.CalendarSyncID,
		&c.ConflictType,
		&localEvent,
		&googleEvent,
		&c.Description,
		&c.Resolution,
		&resolvedAt,
		&c.ResolvedBy,
		&c.Status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if localEvent.Valid {
		c.LocalEvent = json.RawMessage(localEvent.String)
	}
	if googleEvent.Valid {
		c.GoogleEvent = json.RawMessage(googleEvent.String)
	}
	c.ResolvedAt = timeFromUnix(resolvedAt)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

func (s *SQLiteStore) ListPendingConflicts(ctx context.Context, userID string) ([]*SyncConflict, error) {
	query := `SELECT id, user_id, calendar_sync_id, conflict_type, local_event, google_event, description, resolution, resolved_at, resolved_by, status, created_at, updated_at
			  FROM sync_conflicts WHERE user_id = ? AND status = ? ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, userID, ConflictPending)
	if err != nil {
		return nil, storageErr("sync_conflicts", "listPending", err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, storageErr("sync_conflicts", "listPending", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, storageErr("sync_conflicts", "listPending", rows.Err())
}

func (s *SQLiteStore) UpdateConflictResolution(ctx context.Context, id string, status ConflictStatus, resolution, resolvedBy string, at time.Time) error {
	query := `UPDATE sync_conflicts SET status = ?, resolution = ?, resolved_by = ?, resolved_at = ?, updated_at = ? WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query,
		status,
		resolution,
		resolvedBy,
		at.UTC().Unix(),
		at.UTC().Unix(),
		id,
	)
	return storageErr("sync_conflicts", "updateResolution", err)
}

func (s *SQLiteStore) ConflictStats(ctx context.Context, userID string, since time.Time) (map[string]int, error) {
	query := `SELECT conflict_type, COUNT(*) FROM sync_conflicts
			  WHERE user_id = ? AND created_at >= ? GROUP BY conflict_type`

	rows, err := s.db.QueryContext(ctx, query, userID, since.UTC().Unix())
	if err != nil {
		return nil, storageErr("sync_conflicts", "stats", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var conflictType string
		var count int
		if err := rows.Scan(&conflictType, &count); err != nil {
			return nil, storageErr("sync_conflicts", "stats", err)
		}
		stats[conflictType] = count
	}
	return stats, storageErr("sync_conflicts", "stats", rows.Err())
}

func (s *SQLiteStore) UpdateSyncMetadata(ctx context.Context, meta *SyncMetadata) error {
	query := `INSERT INTO sync_metadata (store_name, last_sync, sync_token, updated_at)
			  VALUES (?, ?, ?, ?)
			  ON CONFLICT (store_name) DO UPDATE SET
			  last_sync = excluded.last_sync,
			  sync_token = excluded.sync_token,
			  updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		meta.StoreName,
		meta.LastSync.UTC().Unix(),
		nullString(meta.SyncToken),
		time.Now().UTC().Unix(),
	)
	return storageErr("sync_metadata", "update", err)
}

func (s *SQLiteStore) GetSyncMetadata(ctx context.Context, storeName string) (*SyncMetadata, error) {
	query := `SELECT store_name, last_sync, sync_token, updated_at FROM sync_metadata WHERE store_name = ?`

	var meta SyncMetadata
	var lastSync, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, storeName).Scan(
		&meta.StoreName,
		&lastSync,
		&meta.SyncToken,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("sync_metadata", "get", err)
	}

	meta.LastSync = time.Unix(lastSync, 0).UTC()
	meta.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &meta, nil
}

// execTx executes a function within a transaction.
func (s *SQLiteStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
