package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/vmi-recorder/database"
	"github.com/jnesss/vmi-recorder/metrics"
	"github.com/jnesss/vmi-recorder/sigma"
	"github.com/jnesss/vmi-recorder/tracking"
	"github.com/jnesss/vmi-recorder/xen"
)

const cpuidRule = `title: Hypervisor leaf query
id: 2d7c9c8e-5a11-4d8e-8f4b-0a6f6b9e0001
status: experimental
logsource:
  product: xen
  category: vm_event
detection:
  selection:
    Reason: cpuid
    Leaf: '0x40000000'
  condition: selection
level: medium
`

type fakeSession struct {
	vcpus  *tracking.VcpuMap
	access *tracking.AccessTracker
	sample *tracking.RingSample
}

func (f *fakeSession) RingSample() (*tracking.RingSample, bool) {
	return f.sample, f.sample != nil
}
func (f *fakeSession) GetVcpuMap() *tracking.VcpuMap             { return f.vcpus }
func (f *fakeSession) GetAccessTracker() *tracking.AccessTracker { return f.access }

type fixture struct {
	db  *database.DB
	det *sigma.Detector
	m   *metrics.Metrics
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := database.NewDB(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rulesDir := filepath.Join(dir, "rules")
	require.NoError(t, os.MkdirAll(filepath.Join(rulesDir, "enabled_rules"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "enabled_rules", "cpuid.yml"), []byte(cpuidRule), 0644))
	det, err := sigma.NewDetector(rulesDir, db.Db)
	require.NoError(t, err)
	t.Cleanup(det.Stop)

	access, err := tracking.NewAccessTracker(16)
	require.NoError(t, err)
	access.Record(0, xen.MemAccess{GFN: 0x100, Flags: xen.MemAccessW}, time.Now())
	vcpus := tracking.NewVcpuMap()
	vcpus.Add(1, tracking.VcpuState{LastReason: "cpuid", Events: 3})
	session := &fakeSession{
		vcpus:  vcpus,
		access: access,
		sample: &tracking.RingSample{Domain: 7, RingStats: xen.RingStats{Size: 8}, Requests: 3},
	}

	m := metrics.New()
	srv := httptest.NewServer(NewServer(db, det, session, m, "").Handler())
	t.Cleanup(srv.Close)
	return &fixture{db: db, det: det, m: m, srv: srv}
}

func (f *fixture) get(t *testing.T, path string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path string, body interface{}, v interface{}) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestIndex(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "VMI Recorder")

	assert.Equal(t, http.StatusNotFound, f.get(t, "/nope", nil))
}

func TestEventsEndpoints(t *testing.T) {
	f := newFixture(t)
	var ids []int64
	for _, r := range []database.EventRecord{
		{Domain: 7, Vcpu: 0, Reason: "cpuid", Action: "allow"},
		{Domain: 7, Vcpu: 1, Reason: "mov_to_msr", Action: "deny"},
	} {
		r := r
		id, err := f.db.InsertEvent(&r)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var events []database.EventRecord
	require.Equal(t, http.StatusOK, f.get(t, "/api/events", &events))
	assert.Len(t, events, 2)

	require.Equal(t, http.StatusOK, f.get(t, "/api/events?action=deny", &events))
	require.Len(t, events, 1)
	assert.Equal(t, "mov_to_msr", events[0].Reason)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/events?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/events?vcpu=x", nil))

	var one database.EventRecord
	require.Equal(t, http.StatusOK, f.get(t, fmt.Sprintf("/api/events/%d", ids[0]), &one))
	assert.Equal(t, "cpuid", one.Reason)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/events/999", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/events/abc", nil))
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.db.InsertEvent(&database.EventRecord{Domain: 7, Reason: "cpuid", Action: "allow"})
	require.NoError(t, err)

	var stats struct {
		Events  map[string]interface{} `json:"events"`
		Matches map[string]interface{} `json:"matches"`
		Session SessionStats           `json:"session"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/stats", &stats))
	assert.Equal(t, 1.0, stats.Events["totalEvents"])
	assert.Equal(t, 1.0, stats.Matches["activeRules"])
	require.NotNil(t, stats.Session.Ring)
	assert.Equal(t, uint64(3), stats.Session.Ring.Requests)
	require.Len(t, stats.Session.Vcpus, 1)
	assert.Equal(t, xen.VcpuID(1), stats.Session.Vcpus[0].Vcpu)
	require.Len(t, stats.Session.TopFrames, 1)
	assert.Equal(t, uint64(0x100), stats.Session.TopFrames[0].GFN)
}

func TestViewsAndRingEndpoints(t *testing.T) {
	f := newFixture(t)
	_, err := f.db.InsertView(&database.ViewRecord{Domain: 7, View: 1, DefaultAccess: "rwx", WatchedGFNs: []string{"0x100"}})
	require.NoError(t, err)
	require.NoError(t, f.db.InsertRingSample(&tracking.RingSample{Timestamp: time.Now(), Domain: 7, Requests: 5}))

	var views []database.ViewRecord
	require.Equal(t, http.StatusOK, f.get(t, "/api/views?active=true", &views))
	require.Len(t, views, 1)
	assert.Equal(t, []string{"0x100"}, views[0].WatchedGFNs)

	var samples []tracking.RingSample
	require.Equal(t, http.StatusOK, f.get(t, "/api/ring?domain=7", &samples))
	require.Len(t, samples, 1)
	assert.Equal(t, uint64(5), samples[0].Requests)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/ring", nil))
}

func TestRuleEndpoints(t *testing.T) {
	f := newFixture(t)

	var rules []map[string]interface{}
	require.Equal(t, http.StatusOK, f.get(t, "/api/rules", &rules))
	require.Len(t, rules, 1)
	assert.Equal(t, true, rules[0]["enabled"])

	var toggled map[string]interface{}
	require.Equal(t, http.StatusOK, f.post(t, "/api/rules/toggle/2d7c9c8e-5a11-4d8e-8f4b-0a6f6b9e0001", nil, &toggled))
	assert.Equal(t, false, toggled["enabled"])
	assert.FileExists(t, filepath.Join(f.det.DisabledDir(), "cpuid.yml"))
	assert.NoFileExists(t, filepath.Join(f.det.EnabledDir(), "cpuid.yml"))
	assert.Equal(t, http.StatusNotFound, f.post(t, "/api/rules/toggle/missing", nil, nil))

	upload := map[string]interface{}{
		"content":  cpuidRule,
		"filename": "cpuid-leaf.yaml",
		"enabled":  true,
	}
	var uploaded map[string]interface{}
	require.Equal(t, http.StatusOK, f.post(t, "/api/rules/upload", upload, &uploaded))
	assert.Equal(t, "Hypervisor leaf query", uploaded["title"])
	assert.FileExists(t, filepath.Join(f.det.EnabledDir(), "cpuid-leaf.yaml"))

	upload["filename"] = "../escape.yml"
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/rules/upload", upload, nil))
	upload["filename"] = "rule.txt"
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/rules/upload", upload, nil))
	upload["filename"] = "bad.yml"
	upload["content"] = "title: [unterminated"
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/rules/upload", upload, nil))
}

func TestMatchEndpoints(t *testing.T) {
	f := newFixture(t)
	id, err := f.db.InsertEvent(&database.EventRecord{Domain: 7, Reason: "cpuid", Action: "allow"})
	require.NoError(t, err)
	event := map[string]interface{}{"Reason": "cpuid", "Leaf": "0x40000000", "id": id}
	matches := f.det.CheckEvent(context.Background(), event, sigma.EventType)
	require.Len(t, matches, 1)
	require.NoError(t, f.det.StoreMatch(matches[0], event, sigma.EventType, "allow"))

	var listed []sigma.SigmaMatch
	require.Equal(t, http.StatusOK, f.get(t, "/api/matches?status=new", &listed))
	require.Len(t, listed, 1)

	var updated map[string]interface{}
	require.Equal(t, http.StatusOK, f.post(t, fmt.Sprintf("/api/matches/%d", listed[0].ID), map[string]string{"status": "resolved"}, &updated))
	assert.Equal(t, "resolved", updated["status"])
	assert.Equal(t, http.StatusNotFound, f.post(t, "/api/matches/999", map[string]string{"status": "resolved"}, nil))
	assert.Equal(t, http.StatusBadRequest, f.post(t, fmt.Sprintf("/api/matches/%d", listed[0].ID), map[string]string{"status": "bogus"}, nil))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.m.Requests.WithLabelValues("7", "cpuid").Inc()

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `vmi_recorder_requests_total{domain="7",reason="cpuid"} 1`)
}
