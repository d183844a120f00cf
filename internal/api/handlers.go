package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sentinelops/banhammer/internal/classifier"
	"github.com/sentinelops/banhammer/internal/config"
	"github.com/sentinelops/banhammer/internal/ingest"
	"github.com/sentinelops/banhammer/internal/panel"
	"github.com/sentinelops/banhammer/internal/sink"
	"github.com/sentinelops/banhammer/internal/tracker"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	tracker    *tracker.Tracker
	classifier *classifier.Classifier
	ingest     *ingest.Server
	roster     *panel.Cache
	sinks      sink.Sinks
	detection  config.DetectionConfig
	startedAt  time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	tr *tracker.Tracker,
	clf *classifier.Classifier,
	ing *ingest.Server,
	roster *panel.Cache,
	sinks sink.Sinks,
	detection config.DetectionConfig,
) *Handlers {
	return &Handlers{
		tracker:    tr,
		classifier: clf,
		ingest:     ing,
		roster:     roster,
		sinks:      sinks,
		detection:  detection,
		startedAt:  time.Now(),
	}
}

// HealthCheck reports liveness; it is the only unauthenticated route.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStats returns engine-wide counters.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	users, requests, blocked := h.tracker.Totals()
	ingestStats := h.ingest.Stats()

	stages := map[string]int{}
	for _, s := range h.tracker.Summaries(h.detection.ConcurrentWindow()) {
		stages[s.Stage.String()]++
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"tracked_users":  users,
		"total_requests": requests,
		"total_blocked":  blocked,
		"accepted_lines": ingestStats.Accepted,
		"rejected_lines": ingestStats.Rejected,
		"stages":         stages,
		"nodes":          len(h.ingest.Nodes()),
		"panel_loaded":   h.roster.Loaded(),
		"panel_users":    h.roster.Size(),
		"detection": map[string]interface{}{
			"concurrent_window_seconds": h.detection.ConcurrentWindowSeconds,
			"trigger_period_seconds":    h.detection.TriggerPeriodSeconds,
			"trigger_count":             h.detection.TriggerCount,
			"banlist_threshold_seconds": h.detection.BanlistThresholdSeconds,
			"subnet_grouping":           h.detection.SubnetGrouping,
		},
	})
}

// GetUsers returns one summary row per tracked user.
func (h *Handlers) GetUsers(w http.ResponseWriter, r *http.Request) {
	summaries := h.tracker.Summaries(h.detection.ConcurrentWindow())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"users": summaries,
		"count": len(summaries),
	})
}

// GetViolators returns full detail for users currently in violator or
// banlisted stage, violation IPs included.
func (h *Handlers) GetViolators(w http.ResponseWriter, r *http.Request) {
	out := h.tracker.Violators(h.detection.ConcurrentWindow())
	if out == nil {
		out = []tracker.UserDetail{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"violators": out,
		"count":     len(out),
	})
}

// GetBanlist returns the durable banlist. Without a persistence backend this
// is always empty; in-memory membership still shows up in the user views.
func (h *Handlers) GetBanlist(w http.ResponseWriter, r *http.Request) {
	records, err := h.sinks.Persist.LoadAll(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load banlist")
		return
	}
	if records == nil {
		records = []sink.BanlistRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"banlist": records,
		"count":   len(records),
	})
}

// ClearBanlist empties the banlist, durable store included.
func (h *Handlers) ClearBanlist(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.classifier.ClearBanlist(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to clear banlist")
		return
	}
	if cleared == nil {
		cleared = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": cleared,
		"count":   len(cleared),
	})
}

// userResponse is the detail view: tracker state plus roster info and
// per-IP provider names when enrichment is on.
type userResponse struct {
	tracker.UserDetail
	Username    string            `json:"username,omitempty"`
	DeviceLimit int               `json:"device_limit"`
	Known       bool              `json:"known"`
	Description string            `json:"description,omitempty"`
	ISP         map[string]string `json:"isp,omitempty"`
}

// GetUser returns everything known about one email.
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	detail, ok := h.tracker.Detail(email, h.detection.ConcurrentWindow())
	if !ok {
		respondError(w, http.StatusNotFound, "unknown user")
		return
	}

	resp := userResponse{UserDetail: detail}
	if u, known := h.roster.Lookup(email); known {
		resp.Username = u.Username
		resp.DeviceLimit = u.DeviceLimit
		resp.Known = true
		resp.Description = u.Description
	}

	isp := make(map[string]string)
	for _, obs := range detail.Observations {
		if name, ok := h.sinks.Enrich.LookupISP(r.Context(), obs.IP); ok {
			isp[obs.IP] = name
		}
	}
	if len(isp) > 0 {
		resp.ISP = isp
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetNodes returns the edge-node registry.
func (h *Handlers) GetNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.ingest.Nodes()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// GetSharedIPs returns IPs observed for more than one user.
func (h *Handlers) GetSharedIPs(w http.ResponseWriter, r *http.Request) {
	shared := h.tracker.SharedIPs()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"shared_ips": shared,
		"count":      len(shared),
	})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
