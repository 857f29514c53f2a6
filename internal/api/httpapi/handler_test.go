package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eventflowhq/eventflow/internal/engagement/crowd"
	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/metrics"
	"github.com/eventflowhq/eventflow/internal/engagement/rarity"
	"github.com/eventflowhq/eventflow/internal/engagement/service"
	"github.com/eventflowhq/eventflow/internal/testkit/engagementfakes"
)

var apiBase = time.Date(2026, time.March, 14, 14, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, store *engagementfakes.Store) *httptest.Server {
	t.Helper()
	clock := func() time.Time { return apiBase }
	tracker := crowd.NewTracker(store).WithClock(clock)
	resolver := rarity.NewResolver(
		[]domain.Collectible{{Name: "Circuit Pin", Category: "pin", Rarity: domain.TierCommon}},
		[]domain.Collectible{{Name: "Golden Gear", Category: "gear", Rarity: domain.TierRare}},
	)
	resolver.Intn = func(n int) int { return 0 }

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	scans := service.NewScanService(store, tracker, resolver, nil, m).WithClock(clock)
	redemptions := service.NewRedemptionService(store, m)

	mux := http.NewServeMux()
	New(scans, redemptions, store, tracker, reg).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func seedAPI(store *engagementfakes.Store) {
	store.Locations["loc-1"] = domain.Location{
		ID: "loc-1", Name: "Sponsor Hall", Category: "sponsor",
		Coord: domain.Coordinate{X: 10, Y: 20},
	}
	store.Attendees["att-1"] = domain.Attendee{ID: "att-1", Name: "Riley", Points: 200, LegendaryCount: 1}
	store.Rewards["rw-shirt"] = domain.Reward{ID: "rw-shirt", Name: "Event Shirt", CostPoints: 60, Stock: 5}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestScanEndpoint(t *testing.T) {
	store := engagementfakes.NewStore()
	seedAPI(store)
	server := newTestServer(t, store)

	resp := postJSON(t, server.URL+"/api/scan", `{"attendee_id":"att-1","location_id":"loc-1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" || body["tier"] != "rare" || body["collectible"] != "Golden Gear" {
		t.Errorf("body = %v, want rare Golden Gear", body)
	}
	if body["points"].(float64) != 50 || body["credited"] != true {
		t.Errorf("body = %v, want 50 credited points", body)
	}
}

func TestScanEndpointUnknownLocation(t *testing.T) {
	store := engagementfakes.NewStore()
	seedAPI(store)
	server := newTestServer(t, store)

	resp := postJSON(t, server.URL+"/api/scan", `{"attendee_id":"att-1","location_id":"loc-ghost"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "unknown_location" || body["location_name"] != "Unknown" {
		t.Errorf("body = %v, want neutral unknown outcome", body)
	}
	if got := len(store.SnapshotScans()); got != 0 {
		t.Errorf("unknown location wrote %d scans", got)
	}
}

func TestScanEndpointValidation(t *testing.T) {
	store := engagementfakes.NewStore()
	seedAPI(store)
	server := newTestServer(t, store)

	resp := postJSON(t, server.URL+"/api/scan", `{"attendee_id":"att-1"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing location_id: status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/api/scan", `{not json`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", resp.StatusCode)
	}

	getResp, err := http.Get(server.URL + "/api/scan")
	if err != nil {
		t.Fatalf("GET /api/scan: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d, want 405", getResp.StatusCode)
	}
}

func TestRedeemEndpoint(t *testing.T) {
	store := engagementfakes.NewStore()
	seedAPI(store)
	server := newTestServer(t, store)

	resp := postJSON(t, server.URL+"/api/redeem", `{"attendee_id":"att-1","reward_id":"rw-shirt"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body redeemResponse
	decodeBody(t, resp, &body)
	if !body.Approved || body.Voucher == "" {
		t.Errorf("body = %+v, want approval with a voucher", body)
	}
	if body.RemainingPoints != 140 || body.RemainingStock != 4 {
		t.Errorf("balances = %d points, %d stock, want 140 and 4", body.RemainingPoints, body.RemainingStock)
	}
}

func TestRedeemEndpointDeclined(t *testing.T) {
	store := engagementfakes.NewStore()
	seedAPI(store)
	store.Attendees["att-1"] = domain.Attendee{ID: "att-1", Points: 5}
	server := newTestServer(t, store)

	resp := postJSON(t, server.URL+"/api/redeem", `{"attendee_id":"att-1","reward_id":"rw-shirt"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (declines are results, not errors)", resp.StatusCode)
	}
	var body redeemResponse
	decodeBody(t, resp, &body)
	if body.Approved || body.Code != service.DeclineInsufficientPoints {
		t.Errorf("body = %+v, want %s decline", body, service.DeclineInsufficientPoints)
	}
}

func TestRedeemEndpointUnknownReward(t *testing.T) {
	store := engagementfakes.NewStore()
	seedAPI(store)
	server := newTestServer(t, store)

	resp := postJSON(t, server.URL+"/api/redeem", `{"attendee_id":"att-1","reward_id":"rw-ghost"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHeatEndpoint(t *testing.T) {
	store := engagementfakes.NewStore()
	seedAPI(store)
	store.Locations["loc-2"] = domain.Location{ID: "loc-2", Name: "Quiet Corner"}
	for i := 0; i < 20; i++ {
		store.Scans = append(store.Scans, domain.ScanEvent{
			ID: "warm", LocationID: "loc-1", Timestamp: apiBase.Add(-time.Minute),
		})
	}
	server := newTestServer(t, store)

	resp, err := http.Get(server.URL + "/api/heat")
	if err != nil {
		t.Fatalf("GET /api/heat: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Locations []heatEntry `json:"locations"`
	}
	decodeBody(t, resp, &body)
	if len(body.Locations) != 2 {
		t.Fatalf("locations = %d, want 2", len(body.Locations))
	}
	byName := map[string]heatEntry{}
	for _, entry := range body.Locations {
		byName[entry.Name] = entry
	}
	if got := byName["Sponsor Hall"]; got.Density != 20 || got.Level != "High" {
		t.Errorf("Sponsor Hall = %+v, want density 20 High", got)
	}
	if got := byName["Quiet Corner"]; got.Density != 0 || got.Level != "Low" {
		t.Errorf("Quiet Corner = %+v, want density 0 Low", got)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	store := engagementfakes.NewStore()
	seedAPI(store)
	server := newTestServer(t, store)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}

	// Drive one scan so the counter family has a sample.
	postJSON(t, server.URL+"/api/scan", `{"location_id":"loc-1"}`).Body.Close()

	resp, err = http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	exposition, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(exposition), "eventflow_scans_total") {
		t.Error("metrics exposition missing eventflow_scans_total")
	}
}
