package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"github.com/sirupsen/logrus"

	"github.com/jnesss/vmi-recorder/database"
	"github.com/jnesss/vmi-recorder/metrics"
	"github.com/jnesss/vmi-recorder/sigma"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	topFrames       = 20
)

type Server struct {
	db            *database.DB
	sigmaDetector *sigma.Detector
	session       Session
	metrics       *metrics.Metrics
	listenAddr    string
	log           *logrus.Entry
}

var _ WebServer = (*Server)(nil)

// NewServer builds the API server. sigmaDetector, session and m may be nil;
// the routes needing them are then not registered.
func NewServer(db *database.DB, sigmaDetector *sigma.Detector, session Session, m *metrics.Metrics, listenAddr string) *Server {
	return &Server{
		db:            db,
		sigmaDetector: sigmaDetector,
		session:       session,
		metrics:       m,
		listenAddr:    listenAddr,
		log:           logrus.WithField("component", "web"),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	// Debug handler that wraps other handlers and logs request details
	debugHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s.log.Debugf("%s %s", r.Method, r.URL.Path)
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", debugHandler(s.handleIndex))
	mux.HandleFunc("GET /api/events", debugHandler(s.handleEvents))
	mux.HandleFunc("GET /api/events/{id}", debugHandler(s.handleEvent))
	mux.HandleFunc("GET /api/views", debugHandler(s.handleViews))
	mux.HandleFunc("GET /api/ring", debugHandler(s.handleRingSamples))
	mux.HandleFunc("GET /api/stats", debugHandler(s.handleStats))

	// Add Sigma routes if detector is available
	if s.sigmaDetector != nil {
		mux.HandleFunc("GET /api/rules", debugHandler(s.handleSigmaRules))
		mux.HandleFunc("POST /api/rules/toggle/{id}", debugHandler(s.handleSigmaRuleToggle))
		mux.HandleFunc("POST /api/rules/upload", debugHandler(s.handleSigmaRuleUpload))
		mux.HandleFunc("GET /api/matches", debugHandler(s.handleSigmaMatchesList))
		mux.HandleFunc("POST /api/matches/{id}", debugHandler(s.handleSigmaMatchUpdate))
	}

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Infof("Starting web server on %s", s.listenAddr)

	// Graceful shutdown goroutine
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// pageParams reads limit and offset query parameters.
func pageParams(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
	}
	limit = min(limit, maxPageSize)
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

// handleIndex serves the main HTML page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	tmpl := template.Must(template.New("index").Parse(indexTemplate))
	if err := tmpl.Execute(w, nil); err != nil {
		s.log.WithError(err).Warn("Error executing template")
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	filters := map[string]string{
		"domain": q.Get("domain"),
		"vcpu":   q.Get("vcpu"),
		"reason": q.Get("reason"),
		"action": q.Get("action"),
	}

	events, err := s.db.GetEvents(limit, offset, filters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if events == nil {
		events = []database.EventRecord{}
	}
	writeJSON(w, events)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	event, err := s.db.GetEvent(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, event)
}

func (s *Server) handleViews(w http.ResponseWriter, r *http.Request) {
	views, err := s.db.GetViews(r.URL.Query().Get("active") == "true")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if views == nil {
		views = []database.ViewRecord{}
	}
	writeJSON(w, views)
}

func (s *Server) handleRingSamples(w http.ResponseWriter, r *http.Request) {
	dom, err := strconv.ParseUint(r.URL.Query().Get("domain"), 10, 32)
	if err != nil {
		http.Error(w, "domain is required", http.StatusBadRequest)
		return
	}
	limit, _, err := pageParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	samples, err := s.db.GetRingSamples(uint32(dom), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, samples)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}

	events, err := s.db.GetEventStats()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching event stats: %v", err), http.StatusInternalServerError)
		return
	}
	stats["events"] = events

	if s.sigmaDetector != nil {
		matches, err := s.sigmaDetector.GetMatchStats()
		if err != nil {
			http.Error(w, fmt.Sprintf("Error fetching match stats: %v", err), http.StatusInternalServerError)
			return
		}
		stats["matches"] = matches
	}

	if s.session != nil {
		live := SessionStats{
			Vcpus:     s.session.GetVcpuMap().List(),
			TopFrames: s.session.GetAccessTracker().Top(topFrames),
		}
		if sample, ok := s.session.RingSample(); ok {
			live.Ring = sample
		}
		stats["session"] = live
	}

	writeJSON(w, stats)
}

func ruleMap(rule sigmago.Rule, path string, enabled bool) map[string]interface{} {
	m := map[string]interface{}{
		"id":          rule.ID,
		"title":       rule.Title,
		"description": rule.Description,
		"level":       rule.Level,
		"author":      rule.Author,
		"tags":        rule.Tags,
		"references":  rule.References,
		"detection":   rule.Detection,
		"filepath":    path,
		"filename":    filepath.Base(path),
		"enabled":     enabled,
	}
	// For date information, check if it exists in AdditionalFields
	if date, ok := rule.AdditionalFields["date"]; ok {
		m["date"] = date
	}
	if modified, ok := rule.AdditionalFields["modified"]; ok {
		m["modified"] = modified
	}
	return m
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// readRulesFromDir reads and parses Sigma rules from a directory
func (s *Server) readRulesFromDir(dir string, enabled bool) ([]map[string]interface{}, error) {
	rules := []map[string]interface{}{}

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, err
	}

	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		path := filepath.Join(dir, file.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		rule, err := sigmago.ParseRule(content)
		if err != nil {
			continue
		}
		m := ruleMap(rule, path, enabled)
		m["yaml"] = string(content)
		rules = append(rules, m)
	}
	return rules, nil
}

func (s *Server) handleSigmaRules(w http.ResponseWriter, r *http.Request) {
	enabledRules, err := s.readRulesFromDir(s.sigmaDetector.EnabledDir(), true)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading enabled rules: %v", err), http.StatusInternalServerError)
		return
	}
	disabledRules, err := s.readRulesFromDir(s.sigmaDetector.DisabledDir(), false)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading disabled rules: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, append(enabledRules, disabledRules...))
}

// findRule looks a rule id up in dir and returns its path and content.
func findRule(dir, ruleID string) (string, []byte, bool) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, false
	}
	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		path := filepath.Join(dir, file.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		rule, err := sigmago.ParseRule(content)
		if err != nil {
			continue
		}
		if rule.ID == ruleID {
			return path, content, true
		}
	}
	return "", nil, false
}

// handleSigmaRuleToggle moves a rule between the enabled and disabled
// directories. The detector's watcher picks the change up.
func (s *Server) handleSigmaRuleToggle(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("id")
	if ruleID == "" {
		http.Error(w, "Rule ID required", http.StatusBadRequest)
		return
	}

	enabledDir := s.sigmaDetector.EnabledDir()
	disabledDir := s.sigmaDetector.DisabledDir()

	targetDir, nowEnabled := disabledDir, false
	path, content, ok := findRule(enabledDir, ruleID)
	if !ok {
		targetDir, nowEnabled = enabledDir, true
		path, content, ok = findRule(disabledDir, ruleID)
	}
	if !ok {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}

	targetPath := filepath.Join(targetDir, filepath.Base(path))
	if err := os.Rename(path, targetPath); err != nil {
		http.Error(w, fmt.Sprintf("Error moving rule file: %v", err), http.StatusInternalServerError)
		return
	}
	s.log.WithFields(logrus.Fields{"rule": ruleID, "enabled": nowEnabled}).Info("Toggled rule")

	rule, _ := sigmago.ParseRule(content)
	writeJSON(w, ruleMap(rule, targetPath, nowEnabled))
}

func (s *Server) handleSigmaRuleUpload(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Content  string `json:"content"`
		Filename string `json:"filename"`
		Enabled  bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if request.Content == "" || request.Filename == "" {
		http.Error(w, "Content and filename are required", http.StatusBadRequest)
		return
	}
	if !isRuleFile(request.Filename) || filepath.Base(request.Filename) != request.Filename {
		http.Error(w, "Filename must be a plain .yml or .yaml name", http.StatusBadRequest)
		return
	}

	rule, err := sigmago.ParseRule([]byte(request.Content))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid rule format: %v", err), http.StatusBadRequest)
		return
	}

	targetDir := s.sigmaDetector.DisabledDir()
	if request.Enabled {
		targetDir = s.sigmaDetector.EnabledDir()
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create directory: %v", err), http.StatusInternalServerError)
		return
	}

	filePath := filepath.Join(targetDir, request.Filename)
	if err := os.WriteFile(filePath, []byte(request.Content), 0644); err != nil {
		http.Error(w, fmt.Sprintf("Failed to write file: %v", err), http.StatusInternalServerError)
		return
	}
	s.log.WithField("rule", rule.ID).Info("Uploaded rule")

	writeJSON(w, ruleMap(rule, filePath, request.Enabled))
}

func (s *Server) handleSigmaMatchesList(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	filters := map[string]string{
		"status":   q.Get("status"),
		"severity": q.Get("severity"),
		"rule":     q.Get("rule"),
	}

	matches, err := s.sigmaDetector.GetMatches(limit, offset, filters)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching matches: %v", err), http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []sigma.SigmaMatch{}
	}
	writeJSON(w, matches)
}

// handleSigmaMatchUpdate sets the triage status of a match.
func (s *Server) handleSigmaMatchUpdate(w http.ResponseWriter, r *http.Request) {
	matchID, err := idParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var request struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	err = s.sigmaDetector.UpdateMatchStatus(matchID, request.Status)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Match not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Error updating match status: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]interface{}{
		"id":     matchID,
		"status": request.Status,
	})
}

// Template for the index page
const indexTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>VMI Recorder</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="p-6 font-mono text-sm">
    <h1 class="text-xl mb-4">vm_event recorder</h1>
    <pre id="stats" class="mb-6"></pre>
    <table class="w-full">
        <thead><tr><th>id</th><th>time</th><th>dom</th><th>vcpu</th><th>reason</th><th>action</th><th>summary</th></tr></thead>
        <tbody id="events"></tbody>
    </table>
    <script>
    async function refresh() {
        const stats = await (await fetch('/api/stats')).json();
        document.getElementById('stats').textContent = JSON.stringify(stats, null, 2);
        const events = await (await fetch('/api/events?limit=50')).json();
        const body = document.getElementById('events');
        body.innerHTML = '';
        for (const e of events) {
            const tr = document.createElement('tr');
            for (const v of [e.id, e.timestamp, e.domain, e.vcpu, e.reason, e.action, e.summary]) {
                const td = document.createElement('td');
                td.textContent = v;
                tr.appendChild(td);
            }
            body.appendChild(tr);
        }
    }
    refresh();
    setInterval(refresh, 2000);
    </script>
</body>
</html>`
