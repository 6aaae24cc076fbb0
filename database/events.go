package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jnesss/vmi-recorder/tracking"
	"github.com/jnesss/vmi-recorder/xen"
)

// InsertEvent stores a request/response pair and returns its row id.
func (db *DB) InsertEvent(rec *EventRecord) (int64, error) {
	query := `
		INSERT INTO vm_events (
			timestamp, domain, vcpu, reason, flags, altp2m_idx,
			gfn, summary, rip, cr3, instruction,
			action, response_flags, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	result, err := db.Db.Exec(query,
		ts,
		rec.Domain,
		rec.Vcpu,
		rec.Reason,
		rec.Flags,
		rec.AltP2MIdx,
		rec.GFN,
		rec.Summary,
		rec.RIP,
		rec.CR3,
		rec.Instruction,
		rec.Action,
		rec.ResponseFlags,
		rec.Details,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %v", err)
	}
	return result.LastInsertId()
}

const eventColumns = `id, timestamp, domain, vcpu, reason, flags, altp2m_idx,
	gfn, summary, rip, cr3, instruction, action, response_flags, details`

func scanEvent(row interface{ Scan(...interface{}) error }) (*EventRecord, error) {
	var rec EventRecord
	var flags, gfn, summary, rip, cr3, insn, rspFlags, details sql.NullString
	var idx sql.NullInt64
	err := row.Scan(
		&rec.ID, &rec.Timestamp, &rec.Domain, &rec.Vcpu, &rec.Reason, &flags, &idx,
		&gfn, &summary, &rip, &cr3, &insn, &rec.Action, &rspFlags, &details,
	)
	if err != nil {
		return nil, err
	}
	rec.Flags = flags.String
	rec.AltP2MIdx = uint16(idx.Int64)
	rec.GFN = gfn.String
	rec.Summary = summary.String
	rec.RIP = rip.String
	rec.CR3 = cr3.String
	rec.Instruction = insn.String
	rec.ResponseFlags = rspFlags.String
	rec.Details = details.String
	return &rec, nil
}

// GetEvents lists events newest first. Recognized filters are domain, vcpu,
// reason and action; empty values and "all" are ignored.
func (db *DB) GetEvents(limit, offset int, filters map[string]string) ([]EventRecord, error) {
	query := `SELECT ` + eventColumns + ` FROM vm_events`

	whereClause := []string{}
	args := []interface{}{}

	for _, key := range []string{"domain", "vcpu"} {
		v, ok := filters[key]
		if !ok || v == "" || v == "all" {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid %s filter %q: %v", key, v, err)
		}
		whereClause = append(whereClause, key+" = ?")
		args = append(args, n)
	}
	for _, key := range []string{"reason", "action"} {
		if v, ok := filters[key]; ok && v != "" && v != "all" {
			whereClause = append(whereClause, key+" = ?")
			args = append(args, v)
		}
	}

	if len(whereClause) > 0 {
		query += " WHERE " + strings.Join(whereClause, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.Db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []EventRecord{}
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *rec)
	}
	return events, rows.Err()
}

// GetEvent returns one event. It returns sql.ErrNoRows if there is none.
func (db *DB) GetEvent(id int64) (*EventRecord, error) {
	row := db.Db.QueryRow(`SELECT `+eventColumns+` FROM vm_events WHERE id = ?`, id)
	return scanEvent(row)
}

func (db *DB) countBy(column string) (map[string]int, error) {
	rows, err := db.Db.Query("SELECT " + column + ", COUNT(*) FROM vm_events GROUP BY " + column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

// GetEventStats summarizes the stored events.
func (db *DB) GetEventStats() (map[string]interface{}, error) {
	var total int
	if err := db.Db.QueryRow("SELECT COUNT(*) FROM vm_events").Scan(&total); err != nil {
		return nil, err
	}

	byReason, err := db.countBy("reason")
	if err != nil {
		return nil, err
	}
	byAction, err := db.countBy("action")
	if err != nil {
		return nil, err
	}

	var lastHour int
	since := time.Now().Add(-time.Hour)
	if err := db.Db.QueryRow("SELECT COUNT(*) FROM vm_events WHERE timestamp > ?", since).Scan(&lastHour); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"totalEvents":    total,
		"eventsLastHour": lastHour,
		"reasonCounts":   byReason,
		"actionCounts":   byAction,
	}, nil
}

// InsertView records a freshly created altp2m view.
func (db *DB) InsertView(rec *ViewRecord) (int64, error) {
	gfns, err := json.Marshal(rec.WatchedGFNs)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal watched gfns: %v", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	result, err := db.Db.Exec(`
		INSERT INTO altp2m_views (domain, view_id, default_access, watched_gfns, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Domain, rec.View, rec.DefaultAccess, string(gfns), created)
	if err != nil {
		return 0, fmt.Errorf("failed to insert view: %v", err)
	}
	return result.LastInsertId()
}

// CloseView marks the live record of a view destroyed.
func (db *DB) CloseView(domain uint32, view uint16) error {
	_, err := db.Db.Exec(`
		UPDATE altp2m_views SET destroyed_at = ?
		WHERE domain = ? AND view_id = ? AND destroyed_at IS NULL`,
		time.Now(), domain, view)
	if err != nil {
		return fmt.Errorf("failed to close view %d: %v", view, err)
	}
	return nil
}

// GetViews lists views, newest first.
func (db *DB) GetViews(activeOnly bool) ([]ViewRecord, error) {
	query := `SELECT id, domain, view_id, default_access, watched_gfns, created_at, destroyed_at FROM altp2m_views`
	if activeOnly {
		query += ` WHERE destroyed_at IS NULL`
	}
	query += ` ORDER BY id DESC`

	rows, err := db.Db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := []ViewRecord{}
	for rows.Next() {
		var rec ViewRecord
		var gfns sql.NullString
		var destroyed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Domain, &rec.View, &rec.DefaultAccess, &gfns, &rec.CreatedAt, &destroyed); err != nil {
			return nil, err
		}
		if gfns.Valid {
			if err := json.Unmarshal([]byte(gfns.String), &rec.WatchedGFNs); err != nil {
				return nil, fmt.Errorf("failed to parse watched gfns of view %d: %v", rec.ID, err)
			}
		}
		if destroyed.Valid {
			t := destroyed.Time
			rec.DestroyedAt = &t
		}
		views = append(views, rec)
	}
	return views, rows.Err()
}

// InsertRingSample stores one periodic ring snapshot.
func (db *DB) InsertRingSample(s *tracking.RingSample) error {
	_, err := db.Db.Exec(`
		INSERT INTO ring_stats (
			timestamp, domain, size, req_prod, req_cons, rsp_prod, req_event,
			backlog, requests, denied, active_vcpus
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Timestamp, uint32(s.Domain), s.Size, s.ReqProd, s.ReqCons, s.RspProd, s.ReqEvent,
		s.Backlog, s.Requests, s.Denied, s.ActiveVcpus)
	if err != nil {
		return fmt.Errorf("failed to insert ring stats: %v", err)
	}
	return nil
}

// GetRingSamples returns the latest samples for a domain, newest first.
func (db *DB) GetRingSamples(domain uint32, limit int) ([]tracking.RingSample, error) {
	rows, err := db.Db.Query(`
		SELECT timestamp, domain, size, req_prod, req_cons, rsp_prod, req_event,
			backlog, requests, denied, active_vcpus
		FROM ring_stats WHERE domain = ? ORDER BY id DESC LIMIT ?`, domain, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []tracking.RingSample{}
	for rows.Next() {
		var s tracking.RingSample
		var dom uint32
		if err := rows.Scan(&s.Timestamp, &dom, &s.Size, &s.ReqProd, &s.ReqCons, &s.RspProd, &s.ReqEvent,
			&s.Backlog, &s.Requests, &s.Denied, &s.ActiveVcpus); err != nil {
			return nil, err
		}
		s.Domain = xen.DomainID(dom)
		s.RspProdPvt = s.RspProd
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
