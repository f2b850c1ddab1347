// Package api provides the HTTP API for observing and steering the
// economy. GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/starforge/internal/conversion"
	"github.com/talgya/starforge/internal/engine"
	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/exchange"
	"github.com/talgya/starforge/internal/flow"
	"github.com/talgya/starforge/internal/ledger"
	"github.com/talgya/starforge/internal/perf"
	"github.com/talgya/starforge/internal/persistence"
	"github.com/talgya/starforge/internal/registry"
	"github.com/talgya/starforge/internal/resource"
	"github.com/talgya/starforge/internal/storage"
	"github.com/talgya/starforge/internal/threshold"
)

// Server serves the economy state over HTTP.
type Server struct {
	Eng        *engine.Engine
	Bus        *events.Bus
	Ledger     *ledger.Ledger
	Exchange   *exchange.Manager
	Storage    *storage.Manager
	Thresholds *threshold.Manager
	Flows      *flow.Manager
	Conversion *conversion.Manager
	Monitor    *perf.Monitor
	Adaptive   *perf.Adaptive
	DB         *persistence.DB
	Hub        *Hub
	Port       int
	AdminKey   string // Bearer token for POST endpoints. Empty = POST disabled.

	startedAt time.Time
}

// NewServer wires a server from the service registry, the boundary
// through which integration surfaces receive their collaborators.
// The database is optional; every other service is required.
func NewServer(services *registry.Registry, hub *Hub, port int, adminKey string) (*Server, error) {
	s := &Server{Hub: hub, Port: port, AdminKey: adminKey}

	var err error
	if s.Eng, err = registry.Resolve[*engine.Engine](services, "engine"); err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}
	if s.Bus, err = registry.Resolve[*events.Bus](services, "bus"); err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}
	if s.Ledger, err = registry.Resolve[*ledger.Ledger](services, "ledger"); err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}
	if s.Exchange, err = registry.Resolve[*exchange.Manager](services, "exchange"); err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}
	if s.Storage, err = registry.Resolve[*storage.Manager](services, "storage"); err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}
	if s.Thresholds, err = registry.Resolve[*threshold.Manager](services, "thresholds"); err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}
	if s.Flows, err = registry.Resolve[*flow.Manager](services, "flows"); err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}
	if s.Conversion, err = registry.Resolve[*conversion.Manager](services, "conversion"); err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}
	if s.Monitor, err = registry.Resolve[*perf.Monitor](services, "monitor"); err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}
	if s.Adaptive, err = registry.Resolve[*perf.Adaptive](services, "adaptive"); err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}
	if db, dbErr := registry.Resolve[*persistence.DB](services, "db"); dbErr == nil {
		s.DB = db
	}
	return s, nil
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	s.startedAt = time.Now()

	// Advisory endpoints do regression fits per call; keep them cheap
	// to abuse.
	suggestLimiter := NewRateLimiter(120, time.Hour)

	mux := http.NewServeMux()

	// Every state-touching handler is serialized with the tick through
	// the engine lock; handlers never race an in-progress update.

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.synced(s.handleStatus))
	mux.HandleFunc("/api/v1/resources", s.synced(s.handleResources))
	mux.HandleFunc("/api/v1/flows", s.synced(s.handleFlows))
	mux.HandleFunc("/api/v1/storage", s.synced(s.handleStorage))
	mux.HandleFunc("/api/v1/market", s.synced(s.handleMarket))
	mux.HandleFunc("/api/v1/alerts", s.synced(s.handleAlerts))
	mux.HandleFunc("/api/v1/perf", s.synced(s.handlePerf))
	mux.HandleFunc("/api/v1/perf/suggestions", RateLimitMiddleware(suggestLimiter, s.synced(s.handleSuggestions)))
	mux.HandleFunc("/api/v1/events", s.synced(s.handleEvents))

	// Websocket event stream.
	if s.Hub != nil {
		mux.HandleFunc("/api/v1/stream", s.Hub.ServeWS)
	}

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.synced(s.handleSpeed)))
	mux.HandleFunc("/api/v1/snapshot", s.adminOnly(s.synced(s.handleSnapshot)))
	mux.HandleFunc("/api/v1/command", s.adminOnly(s.synced(s.handleCommand)))
	mux.HandleFunc("/api/v1/intervention", s.adminOnly(s.synced(s.handleIntervention)))

	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		handler := corsMiddleware(mux)
		if err := http.ListenAndServe(addr, handler); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// synced runs a handler under the engine lock so its reads and
// mutations cannot interleave with a tick.
func (s *Server) synced(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Eng.Sync(func() { next(w, r) })
	}
}

func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST
// requests. GET requests pass through (for endpoints serving both).
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no STARFORGE_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var total float64
	for _, t := range resource.AllTypes() {
		total += s.Ledger.Amount(t)
	}

	status := map[string]any{
		"name":         "Starforge",
		"tick":         s.Eng.Tick,
		"speed":        s.Eng.Speed,
		"throttle":     s.Eng.Throttle,
		"running":      s.Eng.Running,
		"started":      humanize.Time(s.startedAt),
		"market":       s.Exchange.Condition().String(),
		"resources":    humanize.CommafWithDigits(total, 1),
		"containers":   len(s.Storage.Containers()),
		"alerts":       len(s.Thresholds.ActiveAlerts()),
		"system_load":  s.Monitor.Latest().SystemLoad,
		"storage_eff":  s.Ledger.StorageEfficiency(),
	}
	writeJSON(w, status)
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	type resourceView struct {
		Type        string  `json:"type"`
		Current     float64 `json:"current"`
		Min         float64 `json:"min"`
		Max         float64 `json:"max"`
		Fill        float64 `json:"fill"`
		Production  float64 `json:"production"`
		Consumption float64 `json:"consumption"`
	}

	out := make([]resourceView, 0, len(resource.AllTypes()))
	for _, t := range resource.AllTypes() {
		st := s.Ledger.State(t)
		if st == nil {
			continue
		}
		out = append(out, resourceView{
			Type:        t.String(),
			Current:     st.Current,
			Min:         st.Min,
			Max:         st.Max,
			Fill:        st.FillRatio(),
			Production:  st.Production,
			Consumption: st.Consumption,
		})
	}
	writeJSON(w, map[string]any{"resources": out})
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"nodes":       s.Flows.Nodes(),
		"connections": s.Flows.Connections(),
	})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	type containerView struct {
		ID           string             `json:"id"`
		Capacity     float64            `json:"capacity"`
		Stored       float64            `json:"stored"`
		UpgradeLevel int                `json:"upgradeLevel"`
		Fill         map[string]float64 `json:"fill"`
	}

	var out []containerView
	for id, c := range s.Storage.Containers() {
		view := containerView{
			ID:           id,
			Capacity:     c.Config.Capacity,
			Stored:       c.TotalStored(),
			UpgradeLevel: c.Config.UpgradeLevel,
			Fill:         make(map[string]float64),
		}
		for t, st := range c.States {
			view.Fill[t.String()] = st.FillRatio()
		}
		out = append(out, view)
	}
	writeJSON(w, map[string]any{"containers": out})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	rates := make(map[string]float64)
	for pair, rate := range s.Exchange.CurrentRates() {
		rates[pair.From.String()+"->"+pair.To.String()] = rate
	}
	writeJSON(w, map[string]any{
		"condition":    s.Exchange.Condition().String(),
		"rates":        rates,
		"transactions": s.Exchange.History(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"active": s.Thresholds.ActiveAlerts(),
		"all":    s.Thresholds.Alerts(),
	})
}

func (s *Server) handlePerf(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"latest":  s.Monitor.Latest(),
		"history": s.Monitor.Snapshots(),
	}
	if s.DB != nil {
		if rows, err := s.DB.RecentMetrics(50); err == nil {
			out["stored"] = rows
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	forecasts := make(map[string]*perf.Forecast)
	for _, t := range resource.AllTypes() {
		if f := s.Adaptive.ForecastConsumption(t); f != nil {
			forecasts[t.String()] = f
		}
	}
	writeJSON(w, map[string]any{
		"suggestions": s.Adaptive.Suggestions(s.Monitor.Latest()),
		"forecasts":   forecasts,
		"throttle":    s.Adaptive.ThrottleFactor(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	writeJSON(w, map[string]any{"events": s.Bus.Recent(limit)})
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		s.Eng.SetSpeed(req.Speed)
		slog.Info("speed changed", "speed", req.Speed)
	}

	writeJSON(w, map[string]float64{"speed": s.Eng.Speed})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}

	snap := persistence.Capture(s.Ledger)
	if err := s.DB.SaveSnapshot(snap); err != nil {
		slog.Error("snapshot save failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"tick":    s.Eng.Tick,
		"message": "snapshot saved",
	})
}

// handleCommand applies a direct economy mutation:
// produce/consume/transfer against the ledger, convert through the
// exchange.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Action string  `json:"action"`
		Type   string  `json:"type"`
		ToType string  `json:"to_type,omitempty"`
		Amount float64 `json:"amount"`
		Source string  `json:"source,omitempty"`
		Target string  `json:"target,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	t, ok := resource.TypeFromName(req.Type)
	if !ok {
		http.Error(w, "unknown resource type", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "produce":
		if !s.Ledger.AddAmount(t, req.Amount) {
			httpLedgerError(w, s.Ledger, "addAmount")
			return
		}
	case "consume":
		if !s.Ledger.RemoveAmount(t, req.Amount) {
			httpLedgerError(w, s.Ledger, "removeAmount")
			return
		}
	case "transfer":
		if !s.Ledger.TransferResources(t, req.Amount, req.Source, req.Target) {
			httpLedgerError(w, s.Ledger, "transferResources")
			return
		}
	case "convert":
		to, ok := resource.TypeFromName(req.ToType)
		if !ok {
			http.Error(w, "unknown target resource type", http.StatusBadRequest)
			return
		}
		tx := s.Exchange.ExecuteExchange(s.Ledger, t, to, req.Amount, "command", "command")
		if tx == nil {
			if opErr := s.Exchange.LastError("executeExchange"); opErr != nil {
				http.Error(w, opErr.Message, http.StatusUnprocessableEntity)
				return
			}
			http.Error(w, "exchange failed", http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, map[string]any{"success": true, "transaction": tx})
		return
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{"success": true})
}

// handleIntervention applies an advisory steering nudge, the write
// half of the external advisor loop.
func (s *Server) handleIntervention(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Type         string  `json:"type"`
		Resource     string  `json:"resource,omitempty"`
		ToResource   string  `json:"to_resource,omitempty"`
		Factor       float64 `json:"factor,omitempty"`
		Multiplier   float64 `json:"multiplier,omitempty"`
		Priority     float64 `json:"priority,omitempty"`
		DurationSecs int     `json:"duration_secs,omitempty"`
		Reason       string  `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	switch req.Type {
	case "throttle":
		if req.Factor < 1 || req.Factor > 10 {
			http.Error(w, "factor must be 1-10", http.StatusBadRequest)
			return
		}
		s.Eng.SetThrottle(req.Factor)
		slog.Info("intervention: throttle", "factor", req.Factor, "reason", req.Reason)
		writeJSON(w, map[string]any{"success": true, "details": "throttle applied"})

	case "rebalance":
		s.Storage.CheckAndRebalance()
		slog.Info("intervention: rebalance", "reason", req.Reason)
		writeJSON(w, map[string]any{"success": true, "details": "rebalance triggered"})

	case "market_modifier":
		from, okFrom := resource.TypeFromName(req.Resource)
		to, okTo := resource.TypeFromName(req.ToResource)
		if !okFrom || !okTo || req.Multiplier <= 0 {
			http.Error(w, "resource, to_resource, and positive multiplier required", http.StatusBadRequest)
			return
		}
		dur := time.Duration(req.DurationSecs) * time.Second
		if dur <= 0 {
			dur = 5 * time.Minute
		}
		mod := exchange.Modifier{
			ID:         fmt.Sprintf("intervention-%d", time.Now().UnixNano()),
			Multiplier: req.Multiplier,
			From:       from,
			HasFrom:    true,
			To:         to,
			HasTo:      true,
			ExpiresAt:  time.Now().Add(dur),
			Active:     true,
		}
		if !s.Exchange.RegisterModifier(mod) {
			http.Error(w, "modifier rejected", http.StatusUnprocessableEntity)
			return
		}
		slog.Info("intervention: market modifier",
			"from", from.String(), "to", to.String(),
			"multiplier", req.Multiplier, "reason", req.Reason)
		writeJSON(w, map[string]any{"success": true, "modifier": mod.ID})

	case "flow_priority":
		t, ok := resource.TypeFromName(req.Resource)
		if !ok || req.Priority <= 0 {
			http.Error(w, "resource and positive priority required", http.StatusBadRequest)
			return
		}
		conn := s.Flows.Connection("consumption-" + t.String())
		if conn == nil {
			http.Error(w, "no consumption connection for resource", http.StatusNotFound)
			return
		}
		conn.Priority = req.Priority
		slog.Info("intervention: flow priority",
			"resource", t.String(), "priority", req.Priority, "reason", req.Reason)
		writeJSON(w, map[string]any{"success": true})

	default:
		http.Error(w, "unknown intervention type", http.StatusBadRequest)
	}
}

func httpLedgerError(w http.ResponseWriter, l *ledger.Ledger, op string) {
	if opErr := l.LastError(op); opErr != nil {
		http.Error(w, opErr.Message, http.StatusUnprocessableEntity)
		return
	}
	http.Error(w, "operation failed", http.StatusUnprocessableEntity)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
