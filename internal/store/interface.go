package store

import (
	"context"
	"time"
)

// Store is the single durable backing for everything the user has seen or
// entered while offline. No other component may cache domain records
// outside it.
type Store interface {
	// Records
	Put(ctx context.Context, rec *Record) error
	PutSynced(ctx context.Context, rec *Record) error
	Get(ctx context.Context, partition, id string) (*Record, error)
	GetAll(ctx context.Context, partition string, q Query) ([]*Record, error)
	Delete(ctx context.Context, partition, id string) error
	Clear(ctx context.Context, partition string) error
	BulkPut(ctx context.Context, partition string, recs []*Record) error
	Search(ctx context.Context, partition, term string) ([]*Record, error)
	CleanupSynced(ctx context.Context, partition string, olderThan time.Time) (int64, error)

	// Outbox
	EnqueueAction(ctx context.Context, action *PendingAction) error
	ListActions(ctx context.Context) ([]*PendingAction, error)
	CountActions(ctx context.Context) (int, error)
	RemoveAction(ctx context.Context, id string) error
	RetryOrDrop(ctx context.Context, id string, maxRetries int) (dropped bool, err error)
	ClearActions(ctx context.Context) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *SyncConflict) error
	GetConflict(ctx context.Context, id string) (*SyncConflict, error)
	ListPendingConflicts(ctx context.Context, userID string) ([]*SyncConflict, error)
	UpdateConflictResolution(ctx context.Context, id string, status ConflictStatus, resolution, resolvedBy string, at time.Time) error
	ConflictStats(ctx context.Context, userID string, since time.Time) (map[string]int, error)

	// Sync metadata
	UpdateSyncMetadata(ctx context.Context, meta *SyncMetadata) error
	GetSyncMetadata(ctx context.Context, storeName string) (*SyncMetadata, error)

	// General
	Close() error
}
