package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/STRATINT/polwatch/internal/auth"
	"github.com/STRATINT/polwatch/internal/ingestion"
	"github.com/STRATINT/polwatch/internal/models"
)

type fakePipeline struct {
	collectReq    ingestion.CollectRequest
	collectAllReq ingestion.CollectAllRequest
	backlogReq    ingestion.BacklogRequest
	backlogErr    error
	requeueLimit  int
}

func (f *fakePipeline) CollectCluster(ctx context.Context, req ingestion.CollectRequest) (*ingestion.CollectionResult, error) {
	f.collectReq = req
	if req.ClusterID == "missing" {
		return nil, fmt.Errorf("cluster %s: %w", req.ClusterID, models.ErrNotFound)
	}
	return &ingestion.CollectionResult{ClusterID: req.ClusterID, PostsCollected: 3}, nil
}

func (f *fakePipeline) CollectAllActiveClusters(ctx context.Context, req ingestion.CollectAllRequest) (*ingestion.AggregateResult, error) {
	f.collectAllReq = req
	return &ingestion.AggregateResult{Clusters: 2, PostsCollected: 7}, nil
}

func (f *fakePipeline) ProcessBacklog(ctx context.Context, req ingestion.BacklogRequest) (*ingestion.BacklogResult, error) {
	f.backlogReq = req
	return &ingestion.BacklogResult{Batches: 1, Processed: 4}, f.backlogErr
}

func (f *fakePipeline) RequeueFailed(ctx context.Context, limit int) (int, error) {
	f.requeueLimit = limit
	return 2, nil
}

func (f *fakePipeline) GetStatus(ctx context.Context) *ingestion.Status {
	return &ingestion.Status{
		Clusters: ingestion.ClusterCounts{Total: 3, Active: 2},
		Backlog:  map[models.EnvelopeStatus]int{models.EnvelopeStatusPending: 5},
	}
}

type fakeCampaigns struct {
	status map[string]models.CampaignStatus
}

func (f *fakeCampaigns) move(id string, next models.CampaignStatus) (*models.Campaign, error) {
	cur, ok := f.status[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !cur.CanTransition(next) {
		return nil, fmt.Errorf("%s -> %s: %w", cur, next, models.ErrInvalidTransition)
	}
	f.status[id] = next
	return &models.Campaign{ID: id, Status: next}, nil
}

func (f *fakeCampaigns) Acknowledge(ctx context.Context, id string) (*models.Campaign, error) {
	return f.move(id, models.CampaignAcknowledged)
}

func (f *fakeCampaigns) Resolve(ctx context.Context, id string) (*models.Campaign, error) {
	return f.move(id, models.CampaignResolved)
}

func (f *fakeCampaigns) Monitor(ctx context.Context, id string) (*models.Campaign, error) {
	return f.move(id, models.CampaignMonitoring)
}

func (f *fakeCampaigns) Get(ctx context.Context, id string) (*models.Campaign, error) {
	st, ok := f.status[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &models.Campaign{ID: id, Status: st}, nil
}

func (f *fakeCampaigns) List(ctx context.Context, limit int) ([]models.Campaign, error) {
	var out []models.Campaign
	for id, st := range f.status {
		out = append(out, models.Campaign{ID: id, Status: st})
	}
	return out, nil
}

type testServer struct {
	handler   http.Handler
	pipeline  *fakePipeline
	campaigns *fakeCampaigns
	token     string
	readyErr  error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := auth.Config{JWTSecret: "test-secret", AdminPassword: "hunter2", TokenDuration: time.Hour}
	token, err := auth.GenerateToken("admin", cfg.JWTSecret, cfg.TokenDuration)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	ts := &testServer{
		pipeline:  &fakePipeline{},
		campaigns: &fakeCampaigns{status: map[string]models.CampaignStatus{"c1": models.CampaignActive}},
		token:     token,
	}
	mux := http.NewServeMux()
	SetupRoutes(mux, Routes{
		Pipeline:  ts.pipeline,
		Campaigns: ts.campaigns,
		Auth:      cfg,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics")
		}),
		Ready: func(ctx context.Context) (any, error) {
			return map[string]int{"open": 1}, ts.readyErr
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts.handler = CORS(mux)
	return ts
}

func (ts *testServer) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/pipeline/clusters/dmk/collect"},
		{http.MethodPost, "/api/pipeline/collect"},
		{http.MethodPost, "/api/pipeline/backlog"},
		{http.MethodPost, "/api/pipeline/requeue-failed"},
		{http.MethodGet, "/api/pipeline/status"},
		{http.MethodGet, "/api/campaigns"},
		{http.MethodPost, "/api/campaigns/c1/acknowledge"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			if rr := ts.do(rt.method, rt.path, "", false); rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
		})
	}
}

func TestPublicRoutes(t *testing.T) {
	ts := newTestServer(t)

	if rr := ts.do(http.MethodGet, "/healthz", "", false); rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/metrics", "", false); rr.Code != http.StatusOK || rr.Body.String() != "# metrics" {
		t.Errorf("metrics = %d %q", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodGet, "/readyz", "", false); rr.Code != http.StatusOK {
		t.Errorf("readyz status = %d", rr.Code)
	}
	ts.readyErr = models.ErrDatastoreUnavailable
	if rr := ts.do(http.MethodGet, "/readyz", "", false); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with datastore down = %d, want 503", rr.Code)
	}
	rr := ts.do(http.MethodOptions, "/api/pipeline/collect", "", false)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", rr.Code, rr.Header())
	}
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"correct password", `{"password":"hunter2"}`, http.StatusOK},
		{"wrong password", `{"password":"nope"}`, http.StatusUnauthorized},
		{"malformed", `{"password":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(http.MethodPost, "/api/auth/login", tt.body, false)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			var resp loginResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			ts.token = resp.Token
			if rr := ts.do(http.MethodGet, "/api/auth/validate", "", true); rr.Code != http.StatusOK {
				t.Errorf("issued token rejected: %d", rr.Code)
			}
		})
	}
}

func TestLoginThrottlesFailures(t *testing.T) {
	ts := newTestServer(t)

	for i := range loginBurst {
		if rr := ts.do(http.MethodPost, "/api/auth/login", `{"password":"nope"}`, false); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i, rr.Code)
		}
	}
	rr := ts.do(http.MethodPost, "/api/auth/login", `{"password":"hunter2"}`, false)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status after burst = %d, want 429", rr.Code)
	}
}

func TestCollectCluster(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"no body", "/api/pipeline/clusters/dmk/collect", "", http.StatusOK},
		{"source subset", "/api/pipeline/clusters/dmk/collect", `{"sources":["twitter","news"],"enrich_inline":true}`, http.StatusOK},
		{"unknown source", "/api/pipeline/clusters/dmk/collect", `{"sources":["myspace"]}`, http.StatusBadRequest},
		{"repeated source", "/api/pipeline/clusters/dmk/collect", `{"sources":["news","news"]}`, http.StatusBadRequest},
		{"unknown field", "/api/pipeline/clusters/dmk/collect", `{"everything":true}`, http.StatusBadRequest},
		{"unknown cluster", "/api/pipeline/clusters/missing/collect", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rr := ts.do(http.MethodPost, tt.path, tt.body, true)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.status, rr.Body.String())
			}
		})
	}

	ts := newTestServer(t)
	ts.do(http.MethodPost, "/api/pipeline/clusters/dmk/collect", `{"sources":["twitter"],"enrich_inline":true}`, true)
	got := ts.pipeline.collectReq
	if got.ClusterID != "dmk" || len(got.Sources) != 1 || got.Sources[0] != models.PlatformTwitter || !got.EnrichInline {
		t.Errorf("request not forwarded: %+v", got)
	}
}

func TestCollectAll(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(http.MethodPost, "/api/pipeline/collect", `{"cluster_type":"competitor"}`, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if ts.pipeline.collectAllReq.ClusterType != models.ClusterTypeCompetitor {
		t.Errorf("cluster type not forwarded: %+v", ts.pipeline.collectAllReq)
	}
	var result ingestion.AggregateResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil || result.PostsCollected != 7 {
		t.Errorf("unexpected body %s (%v)", rr.Body.String(), err)
	}

	if rr := ts.do(http.MethodPost, "/api/pipeline/collect", `{"cluster_type":"ally"}`, true); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown cluster type status = %d", rr.Code)
	}
}

func TestProcessBacklog(t *testing.T) {
	ts := newTestServer(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	h := NewPipelineHandler(ts.pipeline, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.now = func() time.Time { return fixed }
	req := httptest.NewRequest(http.MethodPost, "/api/pipeline/backlog", strings.NewReader(`{"limit":25,"max_duration_seconds":60}`))
	rr := httptest.NewRecorder()
	h.ProcessBacklog(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if got := ts.pipeline.backlogReq; got.Limit != 25 || !got.Deadline.Equal(fixed.Add(time.Minute)) {
		t.Errorf("unexpected request %+v", got)
	}

	if rr := ts.do(http.MethodPost, "/api/pipeline/backlog", `{"limit":-1}`, true); rr.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d", rr.Code)
	}

	ts.pipeline.backlogErr = fmt.Errorf("backlog batch aborted: %w", models.ErrDatastoreUnavailable)
	rr = ts.do(http.MethodPost, "/api/pipeline/backlog", "", true)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("aborted sweep status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"processed":4`) {
		t.Errorf("partial result missing from %s", rr.Body.String())
	}
}

func TestRequeueFailedAndStatus(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(http.MethodPost, "/api/pipeline/requeue-failed?limit=10", "", true)
	if rr.Code != http.StatusOK || ts.pipeline.requeueLimit != 10 {
		t.Errorf("requeue = %d limit %d", rr.Code, ts.pipeline.requeueLimit)
	}
	if rr := ts.do(http.MethodPost, "/api/pipeline/requeue-failed?limit=zero", "", true); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rr.Code)
	}

	rr = ts.do(http.MethodGet, "/api/pipeline/status", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d", rr.Code)
	}
	var status ingestion.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Clusters.Active != 2 || status.Pending() != 5 {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestCampaignTransitions(t *testing.T) {
	ts := newTestServer(t)

	steps := []struct {
		action string
		id     string
		status int
	}{
		{"acknowledge", "c1", http.StatusOK},
		{"monitor", "c1", http.StatusOK},
		{"resolve", "c1", http.StatusOK},
		{"acknowledge", "c1", http.StatusConflict},
		{"resolve", "nope", http.StatusNotFound},
	}
	for _, step := range steps {
		rr := ts.do(http.MethodPost, "/api/campaigns/"+step.id+"/"+step.action, "", true)
		if rr.Code != step.status {
			t.Errorf("%s %s: status = %d, want %d", step.action, step.id, rr.Code, step.status)
		}
	}
	if ts.campaigns.status["c1"] != models.CampaignResolved {
		t.Errorf("final status %s", ts.campaigns.status["c1"])
	}

	if rr := ts.do(http.MethodGet, "/api/campaigns/c1", "", true); rr.Code != http.StatusOK {
		t.Errorf("get status = %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/api/campaigns?limit=1000", "", true); rr.Code != http.StatusBadRequest {
		t.Errorf("oversized limit status = %d", rr.Code)
	}
}
