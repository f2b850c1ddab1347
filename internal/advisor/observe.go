// Package advisor implements the autonomous economy steward. It
// observes engine state via the API, decides on interventions with a
// small rule table, and acts via the admin intervention endpoint.
package advisor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Snapshot holds all data collected during an observation cycle.
type Snapshot struct {
	Status      Status          `json:"status"`
	Resources   []ResourceInfo  `json:"resources"`
	Containers  []ContainerInfo `json:"containers"`
	Alerts      []AlertInfo     `json:"alerts"`
	Suggestions SuggestionsData `json:"suggestions"`
}

// Status mirrors GET /api/v1/status.
type Status struct {
	Name       string  `json:"name"`
	Tick       uint64  `json:"tick"`
	Speed      float64 `json:"speed"`
	Throttle   float64 `json:"throttle"`
	Running    bool    `json:"running"`
	Market     string  `json:"market"`
	Containers int     `json:"containers"`
	Alerts     int     `json:"alerts"`
	SystemLoad float64 `json:"system_load"`
}

// ResourceInfo mirrors items from GET /api/v1/resources.
type ResourceInfo struct {
	Type        string  `json:"type"`
	Current     float64 `json:"current"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Fill        float64 `json:"fill"`
	Production  float64 `json:"production"`
	Consumption float64 `json:"consumption"`
}

// ContainerInfo mirrors items from GET /api/v1/storage.
type ContainerInfo struct {
	ID       string             `json:"id"`
	Capacity float64            `json:"capacity"`
	Stored   float64            `json:"stored"`
	Fill     map[string]float64 `json:"fill"`
}

// AlertInfo mirrors items from GET /api/v1/alerts.
type AlertInfo struct {
	ID          string  `json:"id"`
	ThresholdID string  `json:"thresholdId"`
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Value       float64 `json:"value"`
}

// SuggestionsData mirrors GET /api/v1/perf/suggestions.
type SuggestionsData struct {
	Suggestions []struct {
		Kind    string  `json:"kind"`
		Type    string  `json:"type"`
		Message string  `json:"message"`
		Score   float64 `json:"score"`
	} `json:"suggestions"`
	Throttle float64 `json:"throttle"`
}

// Observer collects snapshots from the read API.
type Observer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewObserver creates an observer targeting the given API base URL.
func NewObserver(baseURL string) *Observer {
	return &Observer{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Observe runs one collection cycle across the read endpoints.
func (o *Observer) Observe() (*Snapshot, error) {
	var snap Snapshot

	if err := o.get("/api/v1/status", &snap.Status); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	var resources struct {
		Resources []ResourceInfo `json:"resources"`
	}
	if err := o.get("/api/v1/resources", &resources); err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}
	snap.Resources = resources.Resources

	var storage struct {
		Containers []ContainerInfo `json:"containers"`
	}
	if err := o.get("/api/v1/storage", &storage); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	snap.Containers = storage.Containers

	var alerts struct {
		Active []AlertInfo `json:"active"`
	}
	if err := o.get("/api/v1/alerts", &alerts); err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}
	snap.Alerts = alerts.Active

	if err := o.get("/api/v1/perf/suggestions", &snap.Suggestions); err != nil {
		return nil, fmt.Errorf("suggestions: %w", err)
	}

	return &snap, nil
}

func (o *Observer) get(path string, out any) error {
	resp, err := o.HTTPClient.Get(o.BaseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %d: %s", path, resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
