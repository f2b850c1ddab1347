// Package persistence provides SQLite-based snapshot storage for the
// economy state, plus an append-only metric history.
package persistence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/starforge/internal/ledger"
	"github.com/talgya/starforge/internal/perf"
	"github.com/talgya/starforge/internal/resource"
)

// DB wraps a SQLite connection for economy state persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		resources_json TEXT NOT NULL,
		productions_json TEXT NOT NULL,
		consumptions_json TEXT NOT NULL,
		flows_json TEXT NOT NULL,
		storage_efficiency REAL NOT NULL,
		saved_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metric_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at INTEGER NOT NULL,
		system_load REAL NOT NULL,
		bottlenecks_json TEXT NOT NULL,
		metrics_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_metric_history_taken ON metric_history(taken_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Snapshot is the persisted shape of the economy core. All four sets
// must be present for a load to be accepted.
type Snapshot struct {
	Resources         map[string]resource.State       `json:"resources"`
	Productions       map[string]resource.Production  `json:"productions"`
	Consumptions      map[string]resource.Consumption `json:"consumptions"`
	Flows             map[string]resource.Flow        `json:"flows"`
	StorageEfficiency float64                         `json:"storageEfficiency"`
	Timestamp         time.Time                       `json:"timestamp"`
}

// Capture copies the ledger's live state into a snapshot.
func Capture(l *ledger.Ledger) Snapshot {
	snap := Snapshot{
		Resources:         make(map[string]resource.State),
		Productions:       l.Productions(),
		Consumptions:      l.Consumptions(),
		Flows:             l.Flows(),
		StorageEfficiency: l.StorageEfficiency(),
		Timestamp:         time.Now(),
	}
	for _, t := range resource.AllTypes() {
		if st := l.State(t); st != nil {
			snap.Resources[t.String()] = *st
		}
	}
	return snap
}

// Apply restores a validated snapshot onto the ledger.
func Apply(l *ledger.Ledger, snap Snapshot) {
	l.SetStorageEfficiency(snap.StorageEfficiency)
	for name, st := range snap.Resources {
		t, ok := resource.TypeFromName(name)
		if !ok {
			slog.Warn("skipping unknown resource in snapshot", "name", name)
			continue
		}
		l.SetCapacity(t, st.Min, st.Max)
		l.SetAmount(t, st.Current)
	}
	for id, p := range snap.Productions {
		l.RegisterProduction(id, p)
	}
	for id, c := range snap.Consumptions {
		l.RegisterConsumption(id, c)
	}
	for id, f := range snap.Flows {
		l.RegisterFlow(id, f)
	}
}

// SaveSnapshot writes the snapshot (full replace, single row).
func (db *DB) SaveSnapshot(snap Snapshot) error {
	resJSON, _ := json.Marshal(snap.Resources)
	prodJSON, _ := json.Marshal(snap.Productions)
	consJSON, _ := json.Marshal(snap.Consumptions)
	flowJSON, _ := json.Marshal(snap.Flows)

	_, err := db.conn.Exec(`INSERT OR REPLACE INTO snapshot
		(id, resources_json, productions_json, consumptions_json, flows_json,
		 storage_efficiency, saved_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)`,
		string(resJSON), string(prodJSON), string(consJSON), string(flowJSON),
		snap.StorageEfficiency, snap.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads and validates the stored snapshot. All four
// top-level sets must decode to non-nil maps, otherwise the load is
// rejected without touching caller state.
func (db *DB) LoadSnapshot() (*Snapshot, error) {
	var row struct {
		ResourcesJSON     string  `db:"resources_json"`
		ProductionsJSON   string  `db:"productions_json"`
		ConsumptionsJSON  string  `db:"consumptions_json"`
		FlowsJSON         string  `db:"flows_json"`
		StorageEfficiency float64 `db:"storage_efficiency"`
		SavedAt           int64   `db:"saved_at"`
	}
	err := db.conn.Get(&row, `SELECT resources_json, productions_json,
		consumptions_json, flows_json, storage_efficiency, saved_at
		FROM snapshot WHERE id = 1`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap := Snapshot{
		StorageEfficiency: row.StorageEfficiency,
		Timestamp:         time.Unix(row.SavedAt, 0),
	}
	if err := json.Unmarshal([]byte(row.ResourcesJSON), &snap.Resources); err != nil {
		return nil, fmt.Errorf("snapshot resources: %w", err)
	}
	if err := json.Unmarshal([]byte(row.ProductionsJSON), &snap.Productions); err != nil {
		return nil, fmt.Errorf("snapshot productions: %w", err)
	}
	if err := json.Unmarshal([]byte(row.ConsumptionsJSON), &snap.Consumptions); err != nil {
		return nil, fmt.Errorf("snapshot consumptions: %w", err)
	}
	if err := json.Unmarshal([]byte(row.FlowsJSON), &snap.Flows); err != nil {
		return nil, fmt.Errorf("snapshot flows: %w", err)
	}
	if snap.Resources == nil || snap.Productions == nil ||
		snap.Consumptions == nil || snap.Flows == nil {
		return nil, fmt.Errorf("snapshot missing required sets")
	}
	return &snap, nil
}

// SaveMetricSnapshot appends one performance snapshot to the history.
func (db *DB) SaveMetricSnapshot(snap perf.Snapshot) error {
	bottlenecksJSON, _ := json.Marshal(snap.Bottlenecks)
	metricsJSON, _ := json.Marshal(snap.Metrics)

	_, err := db.conn.Exec(`INSERT INTO metric_history
		(taken_at, system_load, bottlenecks_json, metrics_json)
		VALUES (?, ?, ?, ?)`,
		snap.Timestamp.Unix(), snap.SystemLoad,
		string(bottlenecksJSON), string(metricsJSON),
	)
	return err
}

// MetricRow is one stored metric_history row.
type MetricRow struct {
	TakenAt         int64   `db:"taken_at" json:"takenAt"`
	SystemLoad      float64 `db:"system_load" json:"systemLoad"`
	BottlenecksJSON string  `db:"bottlenecks_json" json:"bottlenecks"`
	MetricsJSON     string  `db:"metrics_json" json:"metrics"`
}

// RecentMetrics returns the most recent N metric rows, newest first.
func (db *DB) RecentMetrics(limit int) ([]MetricRow, error) {
	var rows []MetricRow
	err := db.conn.Select(&rows, `SELECT taken_at, system_load,
		bottlenecks_json, metrics_json
		FROM metric_history ORDER BY id DESC LIMIT ?`, limit)
	return rows, err
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}
