package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nidhogg/crystalline/internal/engine"
	"github.com/nidhogg/crystalline/internal/gateway"
	"github.com/nidhogg/crystalline/internal/graph"
	"github.com/nidhogg/crystalline/internal/memory"
	"github.com/nidhogg/crystalline/internal/store"
	"github.com/nidhogg/crystalline/internal/vectorstore"
	"go.uber.org/zap"
)

// newTestHandler wires a Handler over a file-backed registry in a temp dir.
func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	logger := zap.NewNop()
	fs, err := store.NewFileStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return newHandlerWithStore(t, fs)
}

func newHandlerWithStore(t *testing.T, s engine.Store) *Handler {
	t.Helper()
	reg := engine.NewRegistry(s, engine.Options{}, zap.NewNop())
	t.Cleanup(func() { reg.Close() })
	return NewHandler(reg, zap.NewNop())
}

func serve(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]interface{}
		decodeJSON(t, resp, &body)
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
}

func learning() memory.ExperienceRecord {
	return memory.ExperienceRecord{
		Type:       "learning",
		Emotions:   map[string]float64{"curiosity": 0.8, "satisfaction": 0.9},
		Insights:   []string{"Memory should be intrinsic", "X is Y"},
		Relational: map[string]string{"peer": "insight"},
	}
}

type submitBody struct {
	CreatedCrystal bool    `json:"created_crystal"`
	CrystalID      string  `json:"crystal_id"`
	Potential      float64 `json:"potential"`
	Durable        bool    `json:"durable"`
	Error          string  `json:"error"`
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	h := newTestHandler(t)
	h.AddHealthCheck("postgres", func(context.Context) error { return nil })
	h.AddHealthCheck("neo4j", func(context.Context) error { return errors.New("refused") })
	ts := serve(t, h)

	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	var body struct {
		Status       string            `json:"status"`
		Service      string            `json:"service"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decodeJSON(t, resp, &body)
	if body.Status != "degraded" {
		t.Errorf("expected degraded, got %q", body.Status)
	}
	if body.Service != "crystalline" {
		t.Errorf("expected service crystalline, got %q", body.Service)
	}
	if body.Dependencies["postgres"] != "ok" || body.Dependencies["neo4j"] != "refused" {
		t.Errorf("unexpected dependencies: %v", body.Dependencies)
	}
}

func TestSubmitRecallAndState(t *testing.T) {
	h := newTestHandler(t)
	ts := serve(t, h)

	resp := postJSON(t, ts, "/api/owners/A/experiences", learning())
	expectStatus(t, resp, http.StatusCreated)
	var sub submitBody
	decodeJSON(t, resp, &sub)
	if !sub.CreatedCrystal || sub.CrystalID == "" || !sub.Durable {
		t.Fatalf("unexpected submit result: %+v", sub)
	}

	weak := memory.ExperienceRecord{Type: "observation", Emotions: map[string]float64{"calm": 0.1}}
	resp = postJSON(t, ts, "/api/owners/A/experiences", weak)
	expectStatus(t, resp, http.StatusOK)
	var sub2 submitBody
	decodeJSON(t, resp, &sub2)
	if sub2.CreatedCrystal {
		t.Errorf("weak experience should not crystallize")
	}

	resp = getJSON(t, ts, "/api/owners/A/memory?q=memory+architecture&top_n=3")
	expectStatus(t, resp, http.StatusOK)
	var views []memory.CrystalView
	decodeJSON(t, resp, &views)
	if len(views) != 1 || views[0].ID != sub.CrystalID {
		t.Fatalf("unexpected recall: %+v", views)
	}
	if views[0].Category != memory.CategoryMemoryArchitecture {
		t.Errorf("expected memory_architecture, got %s", views[0].Category)
	}

	resp = getJSON(t, ts, "/api/owners/A/memory?q=unrelated")
	expectStatus(t, resp, http.StatusOK)
	var none []memory.CrystalView
	decodeJSON(t, resp, &none)
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty list, got %v", none)
	}

	resp = getJSON(t, ts, "/api/owners/A/essence")
	expectStatus(t, resp, http.StatusOK)
	var state memory.EssenceView
	decodeJSON(t, resp, &state)
	if state.CrystalCount != 1 || state.WorkingMemory != 2 {
		t.Errorf("unexpected state: %+v", state)
	}

	resp = getJSON(t, ts, "/api/owners/A/crystals/"+sub.CrystalID+"/related")
	expectStatus(t, resp, http.StatusOK)
	var rel engine.RelatedView
	decodeJSON(t, resp, &rel)
	if rel.Crystal.ID != sub.CrystalID {
		t.Errorf("unexpected related view: %+v", rel)
	}
}

func TestErrorMapping(t *testing.T) {
	h := newTestHandler(t)
	ts := serve(t, h)

	expectStatus(t, getJSON(t, ts, "/api/owners/ghost/essence"), http.StatusNotFound)
	expectStatus(t, getJSON(t, ts, "/api/owners/ghost/memory?q=x"), http.StatusNotFound)
	expectStatus(t, getJSON(t, ts, "/api/owners/bad%20owner/essence"), http.StatusBadRequest)

	bad := learning()
	bad.Emotions["fear"] = 2
	expectStatus(t, postJSON(t, ts, "/api/owners/A/experiences", bad), http.StatusBadRequest)

	resp, err := http.Post(ts.URL+"/api/owners/A/experiences", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusBadRequest)

	expectStatus(t, postJSON(t, ts, "/api/owners/A/experiences", learning()), http.StatusCreated)
	expectStatus(t, getJSON(t, ts, "/api/owners/A/crystals/nope/related"), http.StatusNotFound)
	expectStatus(t, getJSON(t, ts, "/api/owners/A/memory?q=x&top_n=-1"), http.StatusBadRequest)
	expectStatus(t, getJSON(t, ts, "/api/owners/A/collective/unknown_cat"), http.StatusBadRequest)
	expectStatus(t, getJSON(t, ts, "/api/owners/A/collective/general"), http.StatusServiceUnavailable)
}

// failingStore loads nothing and fails every save.
type failingStore struct{}

func (failingStore) Save(context.Context, *memory.IdentityEssence) error {
	return errors.New("disk full")
}

func (failingStore) Load(context.Context, string) (*memory.IdentityEssence, error) {
	return nil, memory.ErrEssenceNotFound
}

func TestSubmitNotDurable(t *testing.T) {
	h := newHandlerWithStore(t, failingStore{})
	ts := serve(t, h)

	resp := postJSON(t, ts, "/api/owners/A/experiences", learning())
	expectStatus(t, resp, http.StatusAccepted)
	var sub submitBody
	decodeJSON(t, resp, &sub)
	if !sub.CreatedCrystal || sub.Durable || sub.Error == "" {
		t.Errorf("unexpected result: %+v", sub)
	}

	resp = getJSON(t, ts, "/api/owners/A/essence")
	expectStatus(t, resp, http.StatusOK)
	var state memory.EssenceView
	decodeJSON(t, resp, &state)
	if state.CrystalCount != 1 {
		t.Errorf("crystal should stay in memory, got %d", state.CrystalCount)
	}
}

type fakeSearcher struct {
	hits []vectorstore.Hit
}

func (f fakeSearcher) Search(_ context.Context, _, _ string, limit int) ([]vectorstore.Hit, error) {
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

type fakeAssociator struct {
	mu    sync.Mutex
	depth int
}

func (f *fakeAssociator) Associations(_ context.Context, _, id string, depth, _ int) ([]graph.Association, error) {
	f.mu.Lock()
	f.depth = depth
	f.mu.Unlock()
	return []graph.Association{{ID: "other", Hops: 1}}, nil
}

func TestOptionalDependencies(t *testing.T) {
	h := newTestHandler(t)
	ts := serve(t, h)

	expectStatus(t, getJSON(t, ts, "/api/owners/A/similar?q=x"), http.StatusServiceUnavailable)
	expectStatus(t, getJSON(t, ts, "/api/owners/A/crystals/x/associations"), http.StatusServiceUnavailable)
	expectStatus(t, getJSON(t, ts, "/api/collective/announcements"), http.StatusServiceUnavailable)

	resp := postJSON(t, ts, "/api/owners/A/experiences", learning())
	var sub submitBody
	decodeJSON(t, resp, &sub)

	h.SetIndex(fakeSearcher{hits: []vectorstore.Hit{
		{CrystalID: sub.CrystalID, Score: 0.9},
		{CrystalID: "stale", Score: 0.5},
	}})
	assoc := &fakeAssociator{}
	h.SetGraph(assoc)
	h.SetBroadcaster(gateway.NewBroadcaster(gateway.NewGateway(zap.NewNop()), zap.NewNop()))
	ts2 := serve(t, h)

	expectStatus(t, getJSON(t, ts2, "/api/owners/A/similar"), http.StatusBadRequest)
	expectStatus(t, getJSON(t, ts2, "/api/owners/ghost/similar?q=x"), http.StatusNotFound)

	resp = getJSON(t, ts2, "/api/owners/A/similar?q=memory&limit=5")
	expectStatus(t, resp, http.StatusOK)
	var hits []struct {
		ID    string  `json:"id"`
		Score float32 `json:"score"`
	}
	decodeJSON(t, resp, &hits)
	if len(hits) != 1 || hits[0].ID != sub.CrystalID || hits[0].Score != 0.9 {
		t.Errorf("stale ids should be dropped: %+v", hits)
	}

	resp = getJSON(t, ts2, "/api/owners/A/crystals/"+sub.CrystalID+"/associations?depth=3")
	expectStatus(t, resp, http.StatusOK)
	var out []graph.Association
	decodeJSON(t, resp, &out)
	if len(out) != 1 || assoc.depth != 3 {
		t.Errorf("unexpected associations %+v at depth %d", out, assoc.depth)
	}

	resp = getJSON(t, ts2, "/api/collective/announcements")
	expectStatus(t, resp, http.StatusOK)
	var hist []gateway.BroadcastRecord
	decodeJSON(t, resp, &hist)
	if len(hist) != 0 {
		t.Errorf("expected no announcements, got %d", len(hist))
	}
}
