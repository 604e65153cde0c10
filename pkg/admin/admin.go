// Package admin implements the Status/Admin Surface (Component I): a
// read-only, best-effort view of drain state, in-flight tasks, queue
// sizes, peer liveness, and HAM record count (spec §4.8). Exposed over
// plain net/http at /admin/status, /admin/tasks/{id}, and /admin/drain,
// matching spec §6.4's "shape is fixed, transport is not" and grounded
// on the teacher's core/agent.go HTTP mux + JSON-encode idiom and
// core/cors.go's plain http.Handler wiring.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sablehq/metamind/pkg/orchestrator"
	"github.com/sablehq/metamind/pkg/registry"
)

// HAMStats is the subset of ham.Store's surface the admin status
// endpoint reports.
type HAMStats interface {
	Count() int
}

// RegistryStats is the subset of registry.Registry's surface the admin
// status endpoint reports.
type RegistryStats interface {
	Stats() registry.Stats
}

// Orchestrator is the subset of *orchestrator.Orchestrator the admin
// surface needs.
type Orchestrator interface {
	Draining() bool
	TasksInFlight() int
	TasksByState() map[string]int
	PendingACKs() int
	ActiveRetries() int
	GetTask(taskID string) *orchestrator.TaskState
	Drain()
	Resume()
}

// Substrate reports the messaging bus's connection state for the
// hsp.connected status field.
type Substrate interface {
	Connected() bool
}

// Surface wires the read-only status handlers over the injected
// subsystems (spec §9: constructed and passed down, no singleton).
type Surface struct {
	orch Orchestrator
	ham  HAMStats
	reg  RegistryStats
	bus  Substrate
}

// New constructs a Surface. ham, reg, and bus may be nil, in which case
// their corresponding status fields report null (spec §4.8 "fields may
// be null when a subsystem is disabled").
func New(orch Orchestrator, ham HAMStats, reg RegistryStats, bus Substrate) *Surface {
	return &Surface{orch: orch, ham: ham, reg: reg, bus: bus}
}

// Status is the JSON shape of GET /admin/status (spec §4.8).
type Status struct {
	Draining      bool            `json:"draining"`
	TasksInFlight int             `json:"tasks_in_flight"`
	TasksByState  map[string]int  `json:"tasks_by_state"`
	HSP           *HSPStatus      `json:"hsp"`
	HAM           *HAMStatus      `json:"ham"`
	Registry      *RegistryStatus `json:"registry"`
}

type HSPStatus struct {
	Connected     bool `json:"connected"`
	PendingACKs   int  `json:"pending_acks"`
	ActiveRetries int  `json:"active_retries"`
}

type HAMStatus struct {
	RecordCount int `json:"record_count"`
}

type RegistryStatus struct {
	Capabilities int `json:"capabilities"`
	PeersOnline  int `json:"peers_online"`
}

// CurrentStatus builds the Status snapshot, independent of any
// transport, so tests can assert on it directly.
func (s *Surface) CurrentStatus() Status {
	st := Status{
		Draining:      s.orch.Draining(),
		TasksInFlight: s.orch.TasksInFlight(),
		TasksByState:  s.orch.TasksByState(),
		HSP: &HSPStatus{
			PendingACKs:   s.orch.PendingACKs(),
			ActiveRetries: s.orch.ActiveRetries(),
		},
	}
	if s.bus != nil {
		st.HSP.Connected = s.bus.Connected()
	}
	if s.ham != nil {
		st.HAM = &HAMStatus{RecordCount: s.ham.Count()}
	}
	if s.reg != nil {
		counts := s.reg.Stats()
		st.Registry = &RegistryStatus{Capabilities: counts.Capabilities, PeersOnline: counts.PeersOnline}
	}
	return st
}

// RegisterRoutes mounts the admin endpoints on mux, grounded on the
// teacher's BaseAgent.HandleFunc registration pattern.
func (s *Surface) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/status", s.handleStatus)
	mux.HandleFunc("/admin/drain", s.handleDrain)
	mux.HandleFunc("/admin/tasks/", s.handleTask)
}

func (s *Surface) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.CurrentStatus())
}

func (s *Surface) handleDrain(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.orch.Drain()
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		s.orch.Resume()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Surface) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/admin/tasks/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	task := s.orch.GetTask(taskID)
	if task == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
