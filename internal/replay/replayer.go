package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/andranikuz/ai-calendar/internal/config"
	"github.com/andranikuz/ai-calendar/internal/logger"
	"github.com/andranikuz/ai-calendar/internal/netmon"
	"github.com/andranikuz/ai-calendar/internal/store"
)

// Report summarizes one drain pass. Exhausted items never propagate as
// errors; the caller already got its optimistic response, so the report
// is the only place a permanent drop is visible.
type Report struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Retained  int `json:"retained"`
	Dropped   int `json:"dropped"`
}

// Replayer drains the outbox against the upstream in enqueue order.
// A pass is single-flight: concurrent triggers collapse into the one
// already running.
type Replayer struct {
	store      store.Store
	monitor    *netmon.Monitor
	client     *http.Client
	maxRetries int

	mu       sync.Mutex
	draining bool
}

func NewReplayer(cfg config.UpstreamConfig, offline config.OfflineConfig, st store.Store, monitor *netmon.Monitor) *Replayer {
	maxRetries := offline.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Replayer{
		store:      st,
		monitor:    monitor,
		client:     &http.Client{Timeout: cfg.GetRequestTimeout()},
		maxRetries: maxRetries,
	}
}

// Drain replays every queued write once, FIFO. Items that fail stay
// queued with an incremented retry count until the ceiling drops them;
// a failure never halts the pass. Returns a zero report without touching
// the queue when offline or when a pass is already running.
func (r *Replayer) Drain(ctx context.Context) (Report, error) {
	var report Report

	if !r.monitor.IsOnline() {
		return report, nil
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return report, nil
	}
	r.draining = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.draining = false
		r.mu.Unlock()
	}()

	actions, err := r.store.ListActions(ctx)
	if err != nil {
		return report, err
	}

	for _, action := range actions {
		report.Attempted++

		if r.deliver(ctx, action) {
			report.Delivered++
			continue
		}

		dropped, err := r.store.RetryOrDrop(ctx, action.ID, r.maxRetries)
		if err != nil {
			logger.Log.Error("Failed to update retry count",
				zap.String("action_id", action.ID), zap.Error(err))
			continue
		}
		if dropped {
			report.Dropped++
			logger.Log.Error("Dropping write after exhausting retries",
				zap.String("action_id", action.ID),
				zap.String("method", action.Method),
				zap.String("url", action.URL),
				zap.Int("retries", r.maxRetries),
			)
		} else {
			report.Retained++
		}
	}

	if report.Attempted > 0 {
		logger.Log.Info("Drain pass finished",
			zap.Int("attempted", report.Attempted),
			zap.Int("delivered", report.Delivered),
			zap.Int("retained", report.Retained),
			zap.Int("dropped", report.Dropped),
		)
	}
	return report, nil
}

// deliver re-issues the captured request. On 2xx it removes the item and
// reconciles the domain partition with the server's response. Timeouts
// and non-2xx statuses both count as delivery failure.
func (r *Replayer) deliver(ctx context.Context, action *store.PendingAction) bool {
	req, err := http.NewRequestWithContext(ctx, action.Method, action.URL, bytes.NewReader(action.Body))
	if err != nil {
		return false
	}
	req.Header = http.Header(action.Headers).Clone()

	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	if err := r.store.RemoveAction(ctx, action.ID); err != nil {
		logger.Log.Error("Failed to remove delivered action",
			zap.String("action_id", action.ID), zap.Error(err))
		return false
	}

	r.reconcile(ctx, action, resp)
	return true
}

// reconcile folds the server's acknowledgment back into the domain
// partition: created and updated records land marked synced, deletes
// remove the local copy.
func (r *Replayer) reconcile(ctx context.Context, action *store.PendingAction, resp *http.Response) {
	if action.TargetStore == "" {
		return
	}

	switch action.Type {
	case store.ActionCreate, store.ActionUpdate:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return
		}
		rec, ok := recordFromResponse(action.TargetStore, body)
		if !ok {
			return
		}
		if err := r.store.PutSynced(ctx, rec); err != nil {
			logger.Log.Warn("Failed to store replayed record",
				zap.String("partition", action.TargetStore), zap.Error(err))
		}

	case store.ActionDelete:
		id := deletedID(action.URL)
		if id == "" {
			return
		}
		if err := r.store.Delete(ctx, action.TargetStore, id); err != nil {
			logger.Log.Warn("Failed to remove deleted record",
				zap.String("partition", action.TargetStore), zap.Error(err))
		}
	}
}

func recordFromResponse(partition string, body []byte) (*store.Record, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, false
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return nil, false
	}

	rec := &store.Record{
		ID:        id,
		Partition: partition,
		Data:      append([]byte(nil), body...),
	}
	if userID, ok := fields["user_id"].(string); ok {
		rec.UserID = userID
	}
	return rec, true
}

// deletedID recovers the target id from the captured DELETE URL.
func deletedID(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	url = strings.TrimRight(url, "/")
	i := strings.LastIndexByte(url, '/')
	if i < 0 {
		return ""
	}
	return url[i+1:]
}
