package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andranikuz/ai-calendar/internal/config"
	"github.com/andranikuz/ai-calendar/internal/logger"
	"github.com/andranikuz/ai-calendar/internal/netmon"
	"github.com/andranikuz/ai-calendar/internal/store"
)

var (
	// ErrNetworkUnavailable means the upstream is unreachable and the
	// resource has no local partition to fall back on.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrDataUnavailableOffline means the upstream is unreachable and the
	// resource is cacheable but was never fetched.
	ErrDataUnavailableOffline = errors.New("data unavailable offline")
)

// OfflineDataHeader marks responses served from the local store rather
// than the upstream.
const OfflineDataHeader = "X-Offline-Data"

// Gateway is the single chokepoint between the UI and the upstream API.
// Reads are network-first with a local-store fallback for cacheable paths;
// writes that cannot be delivered are enqueued and acknowledged
// optimistically.
type Gateway struct {
	upstream  *url.URL
	client    *http.Client
	store     store.Store
	monitor   *netmon.Monitor
	cacheable []string
	notify    chan struct{}
}

func NewGateway(cfg config.UpstreamConfig, offline config.OfflineConfig, st store.Store, monitor *netmon.Monitor) (*Gateway, error) {
	upstream, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		upstream:  upstream,
		client:    &http.Client{Timeout: cfg.GetRequestTimeout()},
		store:     st,
		monitor:   monitor,
		cacheable: offline.CacheablePaths,
		notify:    make(chan struct{}, 1),
	}, nil
}

// ReplayNudge signals once per enqueued write. The sync manager drains it
// to attempt an early replay; missing the signal is harmless because the
// monitor and scheduler trigger replays anyway.
func (g *Gateway) ReplayNudge() <-chan struct{} {
	return g.notify
}

func (g *Gateway) nudge() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

func (g *Gateway) isCacheable(path string) bool {
	for _, p := range g.cacheable {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// partitionFor maps a resource path onto its local partition. Paths
// without a partition (e.g. /users/me) are cacheable upstream but have no
// offline copy.
func partitionFor(path string) string {
	switch {
	case strings.Contains(path, "/goals"):
		return "goals"
	case strings.Contains(path, "/events"):
		return "events"
	case strings.Contains(path, "/moods"):
		return "moods"
	default:
		return ""
	}
}

// ServeHTTP routes every API call through the offline-aware paths.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		g.handleRead(w, r)
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		g.handleWrite(w, r)
	default:
		g.forwardOnly(w, r, nil)
	}
}

func (g *Gateway) handleRead(w http.ResponseWriter, r *http.Request) {
	if !g.isCacheable(r.URL.Path) {
		g.forwardOnly(w, r, nil)
		return
	}

	resp, err := g.forward(r, nil)
	if err != nil {
		g.monitor.SetOnline(false)
		g.serveFromStore(w, r)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		g.serveFromStore(w, r)
		return
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		g.ingest(r.Context(), r.URL.Path, body)
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func (g *Gateway) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := g.forward(r, body)
	if err != nil {
		g.monitor.SetOnline(false)
		g.enqueueWrite(w, r, body)
		return
	}
	defer resp.Body.Close()

	// Server responses, including rejections, pass through unchanged.
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// enqueueWrite captures the undeliverable request and acknowledges it
// optimistically. The caller proceeds as if the write succeeded; the
// replayer reconciles later.
func (g *Gateway) enqueueWrite(w http.ResponseWriter, r *http.Request, body []byte) {
	action := &store.PendingAction{
		ID:          uuid.New().String(),
		Type:        actionTypeFor(r.Method),
		TargetStore: partitionFor(r.URL.Path),
		URL:         g.upstreamURL(r),
		Method:      r.Method,
		Headers:     r.Header.Clone(),
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}

	if err := g.store.EnqueueAction(r.Context(), action); err != nil {
		// Both network and storage failed; nothing left to degrade to.
		logger.Log.Error("Failed to enqueue offline write", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": ErrNetworkUnavailable.Error(),
		})
		return
	}

	logger.Log.Info("Queued write for later delivery",
		zap.String("action_id", action.ID),
		zap.String("method", action.Method),
		zap.String("url", action.URL),
	)
	g.nudge()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":   true,
		"offline":   true,
		"message":   "Action queued for sync when online",
		"action_id": action.ID,
	})
}

func actionTypeFor(method string) store.ActionType {
	switch method {
	case http.MethodPost:
		return store.ActionCreate
	case http.MethodDelete:
		return store.ActionDelete
	default:
		return store.ActionUpdate
	}
}

// forwardOnly proxies without any offline behavior.
func (g *Gateway) forwardOnly(w http.ResponseWriter, r *http.Request, body []byte) {
	resp, err := g.forward(r, body)
	if err != nil {
		g.monitor.SetOnline(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": ErrNetworkUnavailable.Error(),
		})
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (g *Gateway) upstreamURL(r *http.Request) string {
	u := *g.upstream
	u.Path = strings.TrimRight(u.Path, "/") + r.URL.Path
	u.RawQuery = r.URL.RawQuery
	return u.String()
}

func (g *Gateway) forward(r *http.Request, body []byte) (*http.Response, error) {
	if body == nil && r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, g.upstreamURL(r), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()

	return g.client.Do(req)
}

// serveFromStore is the offline read fallback: the cached partition
// content, marked as locally sourced.
func (g *Gateway) serveFromStore(w http.ResponseWriter, r *http.Request) {
	partition := partitionFor(r.URL.Path)
	if partition == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": ErrDataUnavailableOffline.Error(),
		})
		return
	}

	if id := resourceID(r.URL.Path, partition); id != "" {
		rec, err := g.store.Get(r.Context(), partition, id)
		if err != nil || rec == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error": ErrDataUnavailableOffline.Error(),
			})
			return
		}
		w.Header().Set(OfflineDataHeader, "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(rec.Data)
		return
	}

	recs, err := g.store.GetAll(r.Context(), partition, store.Query{})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": ErrDataUnavailableOffline.Error(),
		})
		return
	}

	// An empty partition is only servable if a fetch ever populated it;
	// sync metadata records that. Without it the cache was never primed.
	if len(recs) == 0 {
		meta, err := g.store.GetSyncMetadata(r.Context(), partition)
		if err != nil || meta == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error": ErrDataUnavailableOffline.Error(),
			})
			return
		}
	}

	items := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		items = append(items, rec.Data)
	}

	w.Header().Set(OfflineDataHeader, "true")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(items)
}

// resourceID extracts a trailing id segment, e.g. /api/v1/goals/42 -> 42.
func resourceID(path, partition string) string {
	idx := strings.Index(path, "/"+partition+"/")
	if idx < 0 {
		return ""
	}
	rest := strings.Trim(path[idx+len(partition)+2:], "/")
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// ingest persists a successful cacheable read into the matching partition
// and refreshes its sync metadata. Ingest failures are logged, never
// surfaced: the network response already satisfied the caller.
func (g *Gateway) ingest(ctx context.Context, path string, body []byte) {
	partition := partitionFor(path)
	if partition == "" {
		return
	}

	recs, ok := parseRecords(partition, body)
	if !ok {
		return
	}

	if len(recs) > 0 {
		if err := g.store.BulkPut(ctx, partition, recs); err != nil {
			logger.Log.Warn("Failed to cache fetched records",
				zap.String("partition", partition), zap.Error(err))
			return
		}
	}

	meta := &store.SyncMetadata{
		StoreName: partition,
		LastSync:  time.Now().UTC(),
	}
	if err := g.store.UpdateSyncMetadata(ctx, meta); err != nil {
		logger.Log.Warn("Failed to update sync metadata",
			zap.String("partition", partition), zap.Error(err))
	}
}

// dateFields names the payload attribute each partition is date-indexed on.
var dateFields = map[string]string{
	"events": "start_time",
	"moods":  "date",
}

// parseRecords lifts id, user_id and the partition's date field out of a
// JSON payload that is either a single object or an array of objects.
// ok is false when the payload does not parse at all; an empty but valid
// collection yields ok with no records.
func parseRecords(partition string, body []byte) ([]*store.Record, bool) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, false
	}

	var items []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, false
		}
	} else {
		items = []json.RawMessage{trimmed}
	}

	recs := make([]*store.Record, 0, len(items))
	for _, item := range items {
		var fields map[string]interface{}
		if err := json.Unmarshal(item, &fields); err != nil {
			continue
		}

		id, _ := fields["id"].(string)
		if id == "" {
			continue
		}

		rec := &store.Record{
			ID:        id,
			Partition: partition,
			Data:      item,
		}
		if userID, ok := fields["user_id"].(string); ok {
			rec.UserID = userID
		}
		if field := dateFields[partition]; field != "" {
			if raw, ok := fields[field].(string); ok {
				if t, err := time.Parse(time.RFC3339, raw); err == nil {
					rec.ItemDate.Time = t.UTC()
					rec.ItemDate.Valid = true
				}
			}
		}
		recs = append(recs, rec)
	}
	return recs, true
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
