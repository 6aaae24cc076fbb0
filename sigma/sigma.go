package sigma

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Rule tags that change the response given to a matching event.
const (
	TagDeny    = "vmi.deny"
	TagEmulate = "vmi.emulate"
)

// EventType is the event type recorded with matches on vm_event requests.
const EventType = "vm_event"

// Detector manages Sigma rules and detection
type Detector struct {
	RulesDir   string
	db         *sql.DB
	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
	running    bool
	reloadChan chan bool         // Channel to signal rule reloading
	watcher    *fsnotify.Watcher // File system watcher
	log        *logrus.Entry
}

// SigmaMatch represents a vm_event that matched a Sigma rule
type SigmaMatch struct {
	ID           int64     `json:"id"`
	EventID      int64     `json:"event_id"`
	EventType    string    `json:"event_type"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	Domain       int64     `json:"domain"`
	Vcpu         int64     `json:"vcpu"`
	Reason       string    `json:"reason"`
	Action       string    `json:"action"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	MatchDetails []string  `json:"match_details"`
	EventData    string    `json:"event_data"`
	CreatedAt    time.Time `json:"created_at"`
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

// HasTag reports whether the matched rule carries tag.
func (m MatchResult) HasTag(tag string) bool {
	for _, t := range m.Rule.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// AnyTagged reports whether any of matches carries tag.
func AnyTagged(matches []MatchResult, tag string) bool {
	for _, m := range matches {
		if m.HasTag(tag) {
			return true
		}
	}
	return false
}

// Field names of the event maps evaluated against rules.
var eventFields = []string{
	"Reason", "Domain", "Vcpu", "Flags", "View",
	"CtrlReg", "MSR", "NewValue", "OldValue",
	"GFN", "GLA", "Access",
	"RIP", "CR3", "Instruction",
	"Leaf", "Subleaf", "Port", "Direction", "Vector", "ExitReason",
}

// Helper function to create hardcoded config
func createHardcodedConfig() sigma.Config {
	mappings := make(map[string]sigma.FieldMapping, len(eventFields)+1)
	for _, f := range eventFields {
		mappings[f] = sigma.FieldMapping{TargetNames: []string{f}}
	}
	mappings["EventType"] = sigma.FieldMapping{TargetNames: []string{"Reason"}}
	return sigma.Config{
		Title:         "VMI Recorder Config",
		FieldMappings: mappings,
	}
}

// NewDetector creates a new Sigma detector
func NewDetector(rulesDir string, db *sql.DB) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		reloadChan: make(chan bool, 1), // Buffer of 1 to prevent blocking
		watcher:    watcher,
		log:        logrus.WithField("component", "sigma"),
	}

	for _, dir := range []string{detector.EnabledDir(), detector.DisabledDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}

	if err := detector.setupWatcher(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to set up file watcher: %v", err)
	}

	if err := detector.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	return detector, nil
}

// EnabledDir holds the rules that are evaluated.
func (sd *Detector) EnabledDir() string {
	return filepath.Join(sd.RulesDir, "enabled_rules")
}

// DisabledDir holds rules kept around but not evaluated.
func (sd *Detector) DisabledDir() string {
	return filepath.Join(sd.RulesDir, "disabled_rules")
}

func (sd *Detector) setupWatcher() error {
	// changes in disabled_rules don't matter
	enabledDir := sd.EnabledDir()

	if err := sd.watcher.Add(enabledDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %v", enabledDir, err)
	}
	sd.log.Infof("Watching directory for changes: %s", enabledDir)

	go sd.watchFileChanges()

	return nil
}

func (sd *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return
			}

			if !isRuleFile(event.Name) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				sd.log.WithField("file", event.Name).Debugf("Detected rule change: %s", event.Op)
				sd.ReloadRules()
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return
			}
			sd.log.WithError(err).Warn("File watcher error")
		}
	}
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// LoadRules loads all Sigma rules from the enabled_rules directory,
// replacing the current set.
func (sd *Detector) LoadRules() error {
	enabledDir := sd.EnabledDir()
	if err := os.MkdirAll(enabledDir, 0755); err != nil {
		return fmt.Errorf("failed to create enabled_rules directory: %v", err)
	}

	files, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		filePath := filepath.Join(enabledDir, file.Name())
		ruleEvaluator, err := loadRuleFile(filePath)
		if err != nil {
			sd.log.WithError(err).Warnf("Failed to load rule file %s", filePath)
			continue
		}
		evaluators[ruleEvaluator.Rule.ID] = ruleEvaluator
		sd.log.Debugf("Loaded rule: %s (%s)", ruleEvaluator.Rule.Title, ruleEvaluator.Rule.ID)
	}

	sd.mu.Lock()
	sd.evaluators = evaluators
	sd.mu.Unlock()

	sd.log.Infof("Loaded %d Sigma rules from %s", len(evaluators), enabledDir)
	return nil
}

func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- true:
	default:
		// a reload is already pending
	}
}

// LoadRuleFile parses a rule file and adds it to the active set.
func (sd *Detector) LoadRuleFile(filePath string) error {
	ruleEvaluator, err := loadRuleFile(filePath)
	if err != nil {
		return err
	}
	sd.mu.Lock()
	sd.evaluators[ruleEvaluator.Rule.ID] = ruleEvaluator
	sd.mu.Unlock()
	return nil
}

func loadRuleFile(filePath string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}

	options := []evaluator.Option{
		evaluator.WithConfig(createHardcodedConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	}

	return evaluator.ForRule(rule, options...), nil
}

// RuleCount is the number of active rules.
func (sd *Detector) RuleCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.evaluators)
}

// CheckEvent checks if an event matches any Sigma rules and returns detailed
// match results ordered by rule id.
func (sd *Detector) CheckEvent(ctx context.Context, event map[string]interface{}, eventType string) []MatchResult {
	sd.mu.RLock()
	evaluators := make([]*evaluator.RuleEvaluator, 0, len(sd.evaluators))
	for _, e := range sd.evaluators {
		evaluators = append(evaluators, e)
	}
	sd.mu.RUnlock()
	sort.Slice(evaluators, func(i, j int) bool { return evaluators[i].Rule.ID < evaluators[j].Rule.ID })

	var results []MatchResult
	for _, ruleEvaluator := range evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			sd.log.WithError(err).Debugf("Error evaluating event of type [%s]", eventType)
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}
		sort.Strings(matchConditions)

		results = append(results, MatchResult{
			Match: true,
			Rule:  ruleEvaluator.Rule,
			MatchDetails: []string{
				fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
			},
		})
	}

	return results
}

// StoreMatch stores a rule match in the database. event must carry the row
// id of the stored vm_event under "id".
func (sd *Detector) StoreMatch(match MatchResult, event map[string]interface{}, eventType string, action string) error {
	eventDataJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %v", err)
	}

	eventID, ok := event["id"].(int64)
	if !ok {
		if id, ok := event["id"].(int); ok {
			eventID = int64(id)
		} else {
			return fmt.Errorf("event has no valid ID")
		}
	}

	domain := numericField(event, "Domain")
	vcpu := numericField(event, "Vcpu")
	var reason string
	if v, ok := event["Reason"].(string); ok {
		reason = v
	}

	matchDetailsJSON, _ := json.Marshal(match.MatchDetails)

	severity := match.Rule.Level
	if severity == "" {
		severity = "medium"
	}

	query := `
	INSERT INTO sigma_matches (
		event_id,
		event_type,
		rule_id,
		rule_name,
		domain,
		vcpu,
		reason,
		action,
		timestamp,
		severity,
		status,
		match_details,
		event_data,
		created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), ?, 'new', ?, ?, datetime('now'))`

	_, err = sd.db.Exec(
		query,
		eventID,
		eventType,
		match.Rule.ID,
		match.Rule.Title,
		domain,
		vcpu,
		reason,
		action,
		severity,
		string(matchDetailsJSON),
		string(eventDataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert match: %v", err)
	}

	return nil
}

// Start runs rule reloads requested by the file watcher until ctx is done.
func (sd *Detector) Start(ctx context.Context) error {
	sd.mu.Lock()
	if sd.running {
		sd.mu.Unlock()
		return fmt.Errorf("detector is already running")
	}
	sd.running = true
	sd.mu.Unlock()

	defer func() {
		sd.mu.Lock()
		sd.running = false
		sd.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			sd.log.Info("Sigma rule reloader stopped")
			return nil
		case <-sd.reloadChan:
			sd.log.Info("Reloading Sigma rules...")
			if err := sd.LoadRules(); err != nil {
				sd.log.WithError(err).Warn("Error reloading rules")
			}
		}
	}
}

// Stop closes the file watcher.
func (sd *Detector) Stop() {
	if sd.watcher != nil {
		sd.watcher.Close()
	}
}

// numericField reads a decimal event field. Missing or malformed values are
// stored as NULL.
func numericField(event map[string]interface{}, key string) sql.NullInt64 {
	v, ok := event[key].(string)
	if !ok {
		return sql.NullInt64{}
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

// GetMatches retrieves sigma matches from the database with filters
func (sd *Detector) GetMatches(limit int, offset int, filters map[string]string) ([]SigmaMatch, error) {
	query := `
    SELECT
        id, event_id, event_type, rule_id, rule_name,
        domain, vcpu, reason, action,
        timestamp, severity, status, match_details, event_data, created_at
    FROM sigma_matches`

	whereClause := []string{}
	args := []interface{}{}

	if status, ok := filters["status"]; ok && status != "" && status != "all" {
		whereClause = append(whereClause, "status = ?")
		args = append(args, status)
	}

	if severity, ok := filters["severity"]; ok && severity != "" && severity != "all" {
		whereClause = append(whereClause, "severity = ?")
		args = append(args, severity)
	}

	if ruleID, ok := filters["rule"]; ok && ruleID != "" && ruleID != "all" {
		whereClause = append(whereClause, "rule_id = ?")
		args = append(args, ruleID)
	}

	if len(whereClause) > 0 {
		query += " WHERE " + strings.Join(whereClause, " AND ")
	}

	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := sd.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := []SigmaMatch{}

	for rows.Next() {
		var match SigmaMatch
		var domain, vcpu sql.NullInt64
		var reason, action sql.NullString
		var matchDetailsJSON, eventDataJSON string

		err := rows.Scan(
			&match.ID, &match.EventID, &match.EventType, &match.RuleID, &match.RuleName,
			&domain, &vcpu, &reason, &action,
			&match.Timestamp, &match.Severity, &match.Status, &matchDetailsJSON, &eventDataJSON, &match.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		match.Domain = domain.Int64
		match.Vcpu = vcpu.Int64
		match.Reason = reason.String
		match.Action = action.String

		json.Unmarshal([]byte(matchDetailsJSON), &match.MatchDetails)
		match.EventData = eventDataJSON

		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return matches, nil
}

// GetMatchStats retrieves statistics about sigma matches
func (sd *Detector) GetMatchStats() (map[string]interface{}, error) {
	var totalRules int
	err := sd.db.QueryRow("SELECT COUNT(*) FROM (SELECT DISTINCT rule_id FROM sigma_matches)").Scan(&totalRules)
	if err != nil {
		return nil, err
	}

	sevCounts, err := sd.countMatchesBy("severity")
	if err != nil {
		return nil, err
	}

	statusCounts, err := sd.countMatchesBy("status")
	if err != nil {
		return nil, err
	}

	actionCounts, err := sd.countMatchesBy("action")
	if err != nil {
		return nil, err
	}

	var last24h int
	err = sd.db.QueryRow("SELECT COUNT(*) FROM sigma_matches WHERE timestamp > datetime('now', '-1 day')").Scan(&last24h)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"totalRules":     totalRules,
		"activeRules":    sd.RuleCount(),
		"alertsLast24h":  last24h,
		"severityCounts": sevCounts,
		"statusCounts":   statusCounts,
		"actionCounts":   actionCounts,
	}, nil
}

func (sd *Detector) countMatchesBy(column string) (map[string]int, error) {
	rows, err := sd.db.Query("SELECT COALESCE(" + column + ", ''), COUNT(*) FROM sigma_matches GROUP BY " + column)
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

// UpdateMatchStatus updates the status of a match
func (sd *Detector) UpdateMatchStatus(matchID int64, newStatus string) error {
	validStatuses := map[string]bool{
		"new":            true,
		"in_progress":    true,
		"resolved":       true,
		"false_positive": true,
	}

	if !validStatuses[newStatus] {
		return fmt.Errorf("invalid status: %s", newStatus)
	}

	result, err := sd.db.Exec(
		"UPDATE sigma_matches SET status = ? WHERE id = ?",
		newStatus, matchID,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
