package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("cycle-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.InitCycle(ctx, "cycle-1", "", "root"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	if _, err := e.CreateReport(ctx, domain.Report{ID: "rep-1", CycleID: "cycle-1", Name: "FR Y-14Q"}, "root"); err != nil {
		t.Fatalf("create report: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeader(t *testing.T, actorID string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignDevToken(testJWTSecret, actorID, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func fetchPhases(t *testing.T, srv *testServer, headers map[string]string) map[string]PhaseResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/phases", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list phases: %d %s", res.StatusCode, string(data))
	}
	var phases []PhaseResponse
	if err := json.Unmarshal(data, &phases); err != nil {
		t.Fatalf("unmarshal phases: %v", err)
	}
	byKind := map[string]PhaseResponse{}
	for _, p := range phases {
		byKind[p.Kind] = p
	}
	return byKind
}

func transitionHTTP(t *testing.T, srv *testServer, headers map[string]string, phaseID, target string, version int64) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/phases/"+phaseID+"/transition", map[string]any{
		"target":           target,
		"expected_version": version,
	}, headers)
}

func TestPhaseLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := authHeader(t, "alice", "admin")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/phases", nil, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("initialize phases: %d %s", res.StatusCode, string(data))
	}
	var phases []PhaseResponse
	if err := json.Unmarshal(data, &phases); err != nil {
		t.Fatalf("unmarshal phases: %v", err)
	}
	if len(phases) != 7 {
		t.Fatalf("expected 7 phases, got %d", len(phases))
	}

	planning := fetchPhases(t, srv, admin)["planning"]
	for _, target := range []string{"in_progress", "submitted", "approved", "completed"} {
		res, body := transitionHTTP(t, srv, admin, planning.ID, target, planning.Version)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s: %d %s", target, res.StatusCode, string(body))
		}
		if err := json.Unmarshal(body, &planning); err != nil {
			t.Fatalf("unmarshal transition response: %v", err)
		}
	}

	byKind := fetchPhases(t, srv, admin)
	if byKind["planning"].State != "completed" {
		t.Fatalf("planning state = %s", byKind["planning"].State)
	}
	if byKind["scoping"].State != "in_progress" {
		t.Fatalf("scoping should auto-start, got %s", byKind["scoping"].State)
	}

	progRes, progBody := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/progress", nil, admin)
	if progRes.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", progRes.StatusCode, string(progBody))
	}
	var prog ProgressResponse
	if err := json.Unmarshal(progBody, &prog); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if prog.Percent != 14 {
		t.Fatalf("expected 14%%, got %d", prog.Percent)
	}
}

func TestDependencyGateReturns422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := authHeader(t, "alice", "admin")

	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/phases", nil, admin); res.StatusCode != http.StatusCreated {
		t.Fatalf("initialize phases: %d %s", res.StatusCode, string(data))
	}
	dpi := fetchPhases(t, srv, admin)["data_provider_id"]
	if !dpi.Blocked {
		t.Fatalf("data_provider_id should be blocked after init")
	}

	res, body := transitionHTTP(t, srv, admin, dpi.ID, "in_progress", dpi.Version)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "dependency_unmet" {
		t.Fatalf("expected dependency_unmet, got %s (%s)", envelope.Error.Code, string(body))
	}
	blocking, ok := envelope.Error.Details["blocking"].([]any)
	if !ok || len(blocking) == 0 {
		t.Fatalf("expected blocking kinds in details, got %s", string(body))
	}
}

func TestVersionConflictReturns409(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := authHeader(t, "alice", "admin")

	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/phases", nil, admin); res.StatusCode != http.StatusCreated {
		t.Fatalf("initialize phases: %d %s", res.StatusCode, string(data))
	}
	planning := fetchPhases(t, srv, admin)["planning"]

	res, body := transitionHTTP(t, srv, admin, planning.ID, "in_progress", planning.Version+5)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(body))
	}
}

func TestApprovalRequiresApprovePermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := authHeader(t, "alice", "admin")
	tester := authHeader(t, "bob", "tester")

	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/reports/rep-1/phases", nil, admin); res.StatusCode != http.StatusCreated {
		t.Fatalf("initialize phases: %d %s", res.StatusCode, string(data))
	}
	planning := fetchPhases(t, srv, admin)["planning"]

	// A tester can work the phase but not approve it.
	res, body := transitionHTTP(t, srv, tester, planning.ID, "in_progress", planning.Version)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tester start: %d %s", res.StatusCode, string(body))
	}
	var started PhaseResponse
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	res, body = transitionHTTP(t, srv, tester, planning.ID, "submitted", started.Version)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tester submit: %d %s", res.StatusCode, string(body))
	}
	var submitted PhaseResponse
	if err := json.Unmarshal(body, &submitted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	res, body = transitionHTTP(t, srv, tester, planning.ID, "approved", submitted.Version)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for tester approval, got %d %s", res.StatusCode, string(body))
	}
	res, body = transitionHTTP(t, srv, authHeader(t, "carol", "report_owner"), planning.ID, "approved", submitted.Version)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report_owner approval: %d %s", res.StatusCode, string(body))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestPermissionCheckEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	tester := authHeader(t, "bob", "tester")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/permissions/check", map[string]any{
		"resource": "phases",
		"action":   "transition",
	}, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(body))
	}
	var check PermissionCheckResponse
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !check.Allowed {
		t.Fatalf("tester should hold phases:transition")
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/permissions/check", map[string]any{
		"resource": "rbac",
		"action":   "manage",
	}, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if check.Allowed {
		t.Fatalf("tester must not hold rbac:manage")
	}
}
