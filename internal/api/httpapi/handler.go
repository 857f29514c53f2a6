// Package httpapi exposes the engagement engine over JSON HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventflowhq/eventflow/internal/engagement/crowd"
	"github.com/eventflowhq/eventflow/internal/engagement/rarity"
	"github.com/eventflowhq/eventflow/internal/engagement/service"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
)

// Handler routes the public API: scan submission, reward redemption, and
// the live heat board.
type Handler struct {
	scans       *service.ScanService
	redemptions *service.RedemptionService
	store       storage.Store
	tracker     *crowd.Tracker

	heatWindow    time.Duration
	heatThreshold int
	gatherer      prometheus.Gatherer
	logf          func(format string, args ...any)
}

// New builds a Handler. The gatherer may be nil to disable /metrics.
func New(scans *service.ScanService, redemptions *service.RedemptionService, store storage.Store, tracker *crowd.Tracker, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		scans:         scans,
		redemptions:   redemptions,
		store:         store,
		tracker:       tracker,
		heatWindow:    crowd.DefaultLongWindow,
		heatThreshold: rarity.DefaultThreshold,
		gatherer:      gatherer,
		logf:          log.Printf,
	}
}

// WithHeat overrides the heat board's window and banding threshold.
func (h *Handler) WithHeat(window time.Duration, threshold int) *Handler {
	if window > 0 {
		h.heatWindow = window
	}
	if threshold > 0 {
		h.heatThreshold = threshold
	}
	return h
}

// Register mounts all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/scan", h.handleScan)
	mux.HandleFunc("/api/redeem", h.handleRedeem)
	mux.HandleFunc("/api/heat", h.handleHeat)
	mux.HandleFunc("/healthz", h.handleHealth)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

type scanRequest struct {
	AttendeeID string `json:"attendee_id"`
	LocationID string `json:"location_id"`
}

type scanResponse struct {
	Status       string `json:"status"`
	ScanID       string `json:"scan_id,omitempty"`
	LocationName string `json:"location_name"`
	Collectible  string `json:"collectible,omitempty"`
	Tier         string `json:"tier,omitempty"`
	Points       int    `json:"points"`
	Flash        bool   `json:"flash"`
	Credited     bool   `json:"credited"`
	TotalScans   int    `json:"total_scans"`
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.LocationID == "" {
		http.Error(w, "location_id is required", http.StatusBadRequest)
		return
	}

	outcome, err := h.scans.SubmitScan(r.Context(), req.AttendeeID, req.LocationID)
	if err != nil {
		h.logf("scan %s@%s: %v", req.AttendeeID, req.LocationID, err)
		http.Error(w, "scan could not be processed, try again", http.StatusServiceUnavailable)
		return
	}
	if outcome.Unknown {
		h.writeJSON(w, http.StatusNotFound, scanResponse{
			Status:       "unknown_location",
			LocationName: outcome.LocationName,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, scanResponse{
		Status:       "ok",
		ScanID:       outcome.ScanID,
		LocationName: outcome.LocationName,
		Collectible:  outcome.Collectible.Name,
		Tier:         string(outcome.Tier),
		Points:       outcome.Points,
		Flash:        outcome.Flash,
		Credited:     outcome.Credited,
		TotalScans:   outcome.TotalScans,
	})
}

type redeemRequest struct {
	AttendeeID string `json:"attendee_id"`
	RewardID   string `json:"reward_id"`
}

type redeemResponse struct {
	Approved           bool   `json:"approved"`
	Code               string `json:"code,omitempty"`
	Reason             string `json:"reason,omitempty"`
	Voucher            string `json:"voucher,omitempty"`
	RewardName         string `json:"reward_name"`
	RemainingPoints    int    `json:"remaining_points"`
	RemainingLegendary int    `json:"remaining_legendary"`
	RemainingStock     int    `json:"remaining_stock"`
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.AttendeeID == "" || req.RewardID == "" {
		http.Error(w, "attendee_id and reward_id are required", http.StatusBadRequest)
		return
	}

	result, err := h.redemptions.Redeem(r.Context(), req.AttendeeID, req.RewardID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "attendee or reward not found", http.StatusNotFound)
			return
		}
		h.logf("redeem %s/%s: %v", req.AttendeeID, req.RewardID, err)
		http.Error(w, "redemption could not be processed, try again", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, redeemResponse{
		Approved:           result.Approved,
		Code:               result.Code,
		Reason:             result.Reason,
		Voucher:            result.Voucher,
		RewardName:         result.RewardName,
		RemainingPoints:    result.RemainingPoints,
		RemainingLegendary: result.RemainingLegendary,
		RemainingStock:     result.RemainingStock,
	})
}

type heatEntry struct {
	LocationID string `json:"location_id"`
	Name       string `json:"name"`
	Category   string `json:"category,omitempty"`
	Density    int    `json:"density"`
	Level      string `json:"level"`
}

func (h *Handler) handleHeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	locations, err := h.store.ListLocations(r.Context())
	if err != nil {
		h.logf("heat board: %v", err)
		http.Error(w, "heat board unavailable, try again", http.StatusServiceUnavailable)
		return
	}
	entries := make([]heatEntry, 0, len(locations))
	for _, location := range locations {
		density, err := h.tracker.Density(r.Context(), location.ID, h.heatWindow)
		if err != nil {
			h.logf("heat board: density for %s: %v", location.ID, err)
			http.Error(w, "heat board unavailable, try again", http.StatusServiceUnavailable)
			return
		}
		entries = append(entries, heatEntry{
			LocationID: location.ID,
			Name:       location.Name,
			Category:   location.Category,
			Density:    density,
			Level:      crowd.Level(density, h.heatThreshold),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"locations": entries})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logf("write response: %v", err)
	}
}
