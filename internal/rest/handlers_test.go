package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsblox/cloud-topology/internal/topology"
)

// fakeStore is a minimal topology.ProjectStore/MessageStore for the
// handler tests.
type fakeStore struct {
	mu       sync.Mutex
	projects map[topology.ProjectID]*topology.ProjectMetadata
	messages map[topology.ProjectID][]topology.SentMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: make(map[topology.ProjectID]*topology.ProjectMetadata),
		messages: make(map[topology.ProjectID][]topology.SentMessage),
	}
}

func (s *fakeStore) put(meta topology.ProjectMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[meta.ID] = &meta
}

func (s *fakeStore) FindByOwnerName(_ context.Context, owner, name string) (*topology.ProjectMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Owner == owner && p.Name == name {
			meta := *p
			return &meta, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindByID(_ context.Context, id topology.ProjectID) (*topology.ProjectMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, nil
	}
	meta := *p
	return &meta, nil
}

func (s *fakeStore) ActivateRoom(context.Context, topology.ProjectID) error { return nil }

func (s *fakeStore) StartTrace(_ context.Context, id topology.ProjectID, traceID string, start time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.projects[id]
	p.NetworkTraces = append(p.NetworkTraces, topology.NetworkTrace{ID: traceID, StartTime: start})
	return nil
}

func (s *fakeStore) StopTrace(_ context.Context, id topology.ProjectID, traceID string, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.projects[id]
	for i, tr := range p.NetworkTraces {
		if tr.ID == traceID {
			stopped := end
			p.NetworkTraces[i].EndTime = &stopped
			return nil
		}
	}
	return topology.ErrTraceNotFound
}

func (s *fakeStore) DeleteTrace(_ context.Context, id topology.ProjectID, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.projects[id]
	for i, tr := range p.NetworkTraces {
		if tr.ID == traceID {
			p.NetworkTraces = append(p.NetworkTraces[:i], p.NetworkTraces[i+1:]...)
			return nil
		}
	}
	return topology.ErrTraceNotFound
}

func (s *fakeStore) Record(_ context.Context, msg topology.SentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ProjectID] = append(s.messages[msg.ProjectID], msg)
	return nil
}

func (s *fakeStore) Fetch(_ context.Context, project topology.ProjectID, start time.Time, end *time.Time) ([]topology.SentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []topology.SentMessage
	for _, msg := range s.messages[project] {
		if msg.Time.Before(start) {
			continue
		}
		if end != nil && !msg.Time.Before(*end) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *fakeStore) DeleteBefore(_ context.Context, project topology.ProjectID, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[project][:0]
	for _, msg := range s.messages[project] {
		if !msg.Time.Before(cutoff) {
			kept = append(kept, msg)
		}
	}
	s.messages[project] = kept
	return nil
}

// recordingSender captures frames pushed to one fake client.
type recordingSender struct {
	mu     sync.Mutex
	frames []any
}

func (r *recordingSender) Send(frame any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newTestRouter(store *fakeStore) (*gin.Engine, *topology.Topology) {
	gin.SetMode(gin.TestMode)
	topo := topology.New(topology.Config{Store: store, Messages: store})
	h := NewHandler(topo, store)
	r := gin.New()
	h.RegisterRoutes(r.Group("/network"))
	return r, topo
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRouteTableRegisters(t *testing.T) {
	// RegisterRoutes panics if any two routes declare conflicting wildcards;
	// constructing the router is the assertion.
	assert.NotPanics(t, func() {
		newTestRouter(newFakeStore())
	})
}

func TestGetActiveRoomsEmpty(t *testing.T) {
	r, _ := newTestRouter(newFakeStore())
	w := do(r, "GET", "/network/rooms", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rooms":[]`)
}

func TestGetClientStateUnknownClient(t *testing.T) {
	r, _ := newTestRouter(newFakeStore())
	w := do(r, "GET", "/network/clients/ghost/state", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAndSendRoomState(t *testing.T) {
	store := newFakeStore()
	store.put(topology.ProjectMetadata{
		ID: "p1", Owner: "alice", Name: "proj",
		Roles: map[topology.RoleID]topology.RoleMetadata{"r1": {Name: "R1"}},
	})
	r, topo := newTestRouter(store)

	// Not active yet: no occupants.
	w := do(r, "GET", "/network/rooms/p1/state", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	sender := &recordingSender{}
	topo.AddClient("_c1", sender)
	topo.SetClientState("_c1", topology.BrowserState("p1", "r1"))

	w = do(r, "GET", "/network/rooms/p1/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	var state topology.RoomState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, topology.ProjectID("p1"), state.ID)
	assert.Len(t, state.Roles["r1"].Occupants, 1)

	before := sender.count()
	w = do(r, "POST", "/network/rooms/p1/state", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, before+1, sender.count())
}

func TestSetClientStateAndUsername(t *testing.T) {
	store := newFakeStore()
	store.put(topology.ProjectMetadata{
		ID: "p1", Owner: "alice", Name: "proj",
		Roles: map[topology.RoleID]topology.RoleMetadata{"r1": {Name: "R1"}},
	})
	r, topo := newTestRouter(store)
	topo.AddClient("_c1", &recordingSender{})

	w := do(r, "POST", "/network/clients/_c1/state", `{"projectId":"p1","roleId":"r1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	state, ok := topo.GetClientState("_c1")
	require.True(t, ok)
	assert.Equal(t, topology.StateBrowser, state.Kind)

	w = do(r, "POST", "/network/clients/_c1/username", `{"username":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, "GET", "/network/clients/_c1/username", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")

	w = do(r, "GET", "/network/clients/_c1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"_c1"`)
}

func TestSetClientStateRejectsAmbiguousBody(t *testing.T) {
	r, topo := newTestRouter(newFakeStore())
	topo.AddClient("_c1", &recordingSender{})

	w := do(r, "POST", "/network/clients/_c1/state", `{"projectId":"p1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvictOccupant(t *testing.T) {
	r, topo := newTestRouter(newFakeStore())
	sender := &recordingSender{}
	topo.AddClient("_c1", sender)

	w := do(r, "POST", "/network/clients/_c1/evict", "")
	assert.Equal(t, http.StatusOK, w.Code)

	_, ok := topo.GetClientInfo("_c1")
	assert.False(t, ok)
	require.Positive(t, sender.count())
}

func TestSendOccupantInvite(t *testing.T) {
	r, topo := newTestRouter(newFakeStore())
	sender := &recordingSender{}
	topo.AddClient("_c1", sender)

	w := do(r, "POST", "/network/clients/_c1/invite", `{"inviter":"alice","project":"proj","invite":{"role":"r1"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, sender.count())

	w = do(r, "POST", "/network/clients/ghost/invite", `{"inviter":"alice","project":"proj"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessageEndpoint(t *testing.T) {
	store := newFakeStore()
	store.put(topology.ProjectMetadata{
		ID: "p1", Owner: "alice", Name: "alice",
		Roles: map[topology.RoleID]topology.RoleMetadata{"r1": {Name: "R1"}},
	})
	r, topo := newTestRouter(store)

	sender := &recordingSender{}
	topo.AddClient("_c1", sender)
	topo.SetClientState("_c1", topology.BrowserState("p1", "r1"))

	before := sender.count()
	w := do(r, "POST", "/network/messages", `{"addresses":["alice@alice"],"msgType":"server-event","content":{"k":1}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, before+1, sender.count())
}

func TestGetOnlineUsersFilter(t *testing.T) {
	r, topo := newTestRouter(newFakeStore())
	topo.AddClient("_c1", &recordingSender{})
	topo.AddClient("_c2", &recordingSender{})
	topo.SetClientUsername("_c1", "alice")
	topo.SetClientUsername("_c2", "bob")

	w := do(r, "GET", "/network/online?q=ali", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")
	assert.NotContains(t, w.Body.String(), "bob")
}

func TestTraceLifecycle(t *testing.T) {
	store := newFakeStore()
	store.put(topology.ProjectMetadata{ID: "p1", Owner: "alice", Name: "proj"})
	r, _ := newTestRouter(store)

	w := do(r, "POST", "/network/rooms/p1/traces", `{"traceId":"T1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "T1")

	w = do(r, "POST", "/network/rooms/p1/traces/T1/stop", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, "GET", "/network/rooms/p1/traces/T1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "messages")

	w = do(r, "DELETE", "/network/rooms/p1/traces/T1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, "GET", "/network/rooms/p1/traces/T1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartTraceMintsIDWithoutBody(t *testing.T) {
	store := newFakeStore()
	store.put(topology.ProjectMetadata{ID: "p1", Owner: "alice", Name: "proj"})
	r, _ := newTestRouter(store)

	w := do(r, "POST", "/network/rooms/p1/traces", "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "traceId")
}

func TestStartTraceCapsOpenTraces(t *testing.T) {
	store := newFakeStore()
	store.put(topology.ProjectMetadata{ID: "p1", Owner: "alice", Name: "proj"})
	gin.SetMode(gin.TestMode)
	topo := topology.New(topology.Config{Store: store, Messages: store, TraceMaxOpen: 1})
	h := NewHandler(topo, store)
	r := gin.New()
	h.RegisterRoutes(r.Group("/network"))

	w := do(r, "POST", "/network/rooms/p1/traces", `{"traceId":"T1"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(r, "POST", "/network/rooms/p1/traces", `{"traceId":"T2"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetTraceUnknownProject(t *testing.T) {
	r, _ := newTestRouter(newFakeStore())
	w := do(r, "GET", "/network/rooms/ghost/traces/T1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
