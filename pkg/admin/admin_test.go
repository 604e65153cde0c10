package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablehq/metamind/pkg/orchestrator"
	"github.com/sablehq/metamind/pkg/registry"
)

type fakeOrchestrator struct {
	draining   bool
	inFlight   int
	byState    map[string]int
	acks       int
	retries    int
	task       *orchestrator.TaskState
	drainCalls int
	resumeCall int
}

func (f *fakeOrchestrator) Draining() bool                   { return f.draining }
func (f *fakeOrchestrator) TasksInFlight() int                { return f.inFlight }
func (f *fakeOrchestrator) TasksByState() map[string]int      { return f.byState }
func (f *fakeOrchestrator) PendingACKs() int                  { return f.acks }
func (f *fakeOrchestrator) ActiveRetries() int                { return f.retries }
func (f *fakeOrchestrator) GetTask(id string) *orchestrator.TaskState {
	if f.task != nil && f.task.TaskID == id {
		return f.task
	}
	return nil
}
func (f *fakeOrchestrator) Drain()  { f.drainCalls++; f.draining = true }
func (f *fakeOrchestrator) Resume() { f.resumeCall++; f.draining = false }

type fakeHAM struct{ count int }

func (h fakeHAM) Count() int { return h.count }

type fakeRegistry struct{ stats registry.Stats }

func (r fakeRegistry) Stats() registry.Stats { return r.stats }

type fakeBus struct{ connected bool }

func (b fakeBus) Connected() bool { return b.connected }

func TestCurrentStatusReportsNullForDisabledSubsystems(t *testing.T) {
	orch := &fakeOrchestrator{byState: map[string]int{"completed": 1}}
	s := New(orch, nil, nil, nil)

	st := s.CurrentStatus()
	assert.False(t, st.Draining)
	assert.Nil(t, st.HAM)
	assert.Nil(t, st.Registry)
	assert.False(t, st.HSP.Connected)
}

func TestCurrentStatusReportsAttachedSubsystems(t *testing.T) {
	orch := &fakeOrchestrator{inFlight: 2, acks: 3, retries: 1}
	s := New(orch, fakeHAM{count: 7}, fakeRegistry{stats: registry.Stats{Capabilities: 4, PeersOnline: 2}}, fakeBus{connected: true})

	st := s.CurrentStatus()
	require.NotNil(t, st.HAM)
	assert.Equal(t, 7, st.HAM.RecordCount)
	require.NotNil(t, st.Registry)
	assert.Equal(t, 4, st.Registry.Capabilities)
	assert.Equal(t, 2, st.Registry.PeersOnline)
	assert.True(t, st.HSP.Connected)
	assert.Equal(t, 2, st.TasksInFlight)
	assert.Equal(t, 3, st.HSP.PendingACKs)
	assert.Equal(t, 1, st.HSP.ActiveRetries)
}

func TestHandleDrainEntersAndExits(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := New(orch, nil, nil, nil)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/drain", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, orch.drainCalls)
	assert.True(t, orch.draining)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/admin/drain", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, orch.resumeCall)
	assert.False(t, orch.draining)
}

func TestHandleTaskNotFound(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := New(orch, nil, nil, nil)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/tasks/unknown")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
