package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFile is the database file created under the data directory.
const DBFile = "vmi_recorder.db"

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// EventRecord is one vm_event request and the response the agent gave it.
// Addresses and register values are hex strings; sqlite integers are
// signed and guest addresses routinely use the top bit.
type EventRecord struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Domain        uint32    `json:"domain"`
	Vcpu          uint16    `json:"vcpu"`
	Reason        string    `json:"reason"`
	Flags         string    `json:"flags"`
	AltP2MIdx     uint16    `json:"altp2mIdx"`
	GFN           string    `json:"gfn,omitempty"`
	Summary       string    `json:"summary"`
	RIP           string    `json:"rip,omitempty"`
	CR3           string    `json:"cr3,omitempty"`
	Instruction   string    `json:"instruction,omitempty"`
	Action        string    `json:"action"`
	ResponseFlags string    `json:"responseFlags"`
	Details       string    `json:"details,omitempty"` // JSON of the reason
}

// ViewRecord is an altp2m view created by the agent.
type ViewRecord struct {
	ID            int64      `json:"id"`
	Domain        uint32     `json:"domain"`
	View          uint16     `json:"view"`
	DefaultAccess string     `json:"defaultAccess"`
	WatchedGFNs   []string   `json:"watchedGfns"`
	CreatedAt     time.Time  `json:"createdAt"`
	DestroyedAt   *time.Time `json:"destroyedAt,omitempty"`
}

func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initEventSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %v", err)
	}

	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sigma schema: %v", err)
	}

	if err := initViewSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize view schema: %v", err)
	}

	if err := initRingStatsSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ring stats schema: %v", err)
	}

	return &DB{Db: db}, nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vm_events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp      DATETIME NOT NULL,
		domain         INTEGER NOT NULL,
		vcpu           INTEGER NOT NULL,
		reason         TEXT NOT NULL,
		flags          TEXT,
		altp2m_idx     INTEGER,
		gfn            TEXT,
		summary        TEXT,
		rip            TEXT,
		cr3            TEXT,
		instruction    TEXT,
		action         TEXT NOT NULL,
		response_flags TEXT,
		details        TEXT            -- JSON of the decoded reason
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create vm_events table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_vm_events_domain ON vm_events(domain);",
		"CREATE INDEX IF NOT EXISTS idx_vm_events_reason ON vm_events(reason);",
		"CREATE INDEX IF NOT EXISTS idx_vm_events_action ON vm_events(action);",
		"CREATE INDEX IF NOT EXISTS idx_vm_events_timestamp ON vm_events(timestamp);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS sigma_matches (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        event_id INTEGER NOT NULL,
        event_type TEXT NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        domain INTEGER,
        vcpu INTEGER,
        reason TEXT,
        action TEXT,
        timestamp DATETIME NOT NULL,
        severity TEXT NOT NULL,
        status TEXT DEFAULT 'new' NOT NULL,
        match_details TEXT,
        event_data TEXT,
        created_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule_id ON sigma_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_timestamp ON sigma_matches(timestamp);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_status ON sigma_matches(status);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_event_id ON sigma_matches(event_id);`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create Sigma tables: %v", err)
	}

	return nil
}

func initViewSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS altp2m_views (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		domain         INTEGER NOT NULL,
		view_id        INTEGER NOT NULL,
		default_access TEXT NOT NULL,
		watched_gfns   TEXT,           -- JSON array of hex frame numbers
		created_at     DATETIME NOT NULL,
		destroyed_at   DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_altp2m_views_domain ON altp2m_views(domain, view_id);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create altp2m_views table: %v", err)
	}
	return nil
}

func initRingStatsSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ring_stats (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp    DATETIME NOT NULL,
		domain       INTEGER NOT NULL,
		size         INTEGER NOT NULL,
		req_prod     INTEGER NOT NULL,
		req_cons     INTEGER NOT NULL,
		rsp_prod     INTEGER NOT NULL,
		req_event    INTEGER NOT NULL,
		backlog      INTEGER NOT NULL,
		requests     INTEGER NOT NULL,
		denied       INTEGER NOT NULL,
		active_vcpus INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ring_stats_domain ON ring_stats(domain, timestamp);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create ring_stats table: %v", err)
	}
	return nil
}

func (db *DB) Close() error {
	return db.Db.Close()
}
