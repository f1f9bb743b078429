package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"labflow/internal/adapters/httpapi"
	"labflow/internal/config"
	"labflow/pkg/domain"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("LABFLOW_AUTH_JWT_SECRET", "cli-secret")

	out, err := run(t, "token", "--sub", "T1", "--role", "technician", "--center", "c1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(out))
	actor, err := httpapi.NewJWTAuthenticator("cli-secret", "labflow").Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate issued token: %v", err)
	}
	if actor.ID != "T1" || actor.Role != domain.RoleLabTechnician || actor.CenterID != "c1" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	if _, err := run(t, "token", "--sub", "T1", "--role", "janitor"); err == nil {
		t.Fatalf("expected unknown role to fail")
	}
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	testChdir(t, dir)
	t.Setenv("LABFLOW_AUTH_MODE", "header")
	t.Setenv("LABFLOW_STORAGE_SQLITE_PATH", filepath.Join(dir, "labflow.db"))

	out, err := run(t, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "schema applied for sqlite storage") {
		t.Fatalf("unexpected output %q", out)
	}

	t.Setenv("LABFLOW_STORAGE_DRIVER", "mongo")
	if _, err := run(t, "migrate"); err == nil {
		t.Fatalf("expected invalid config to fail")
	}
}

func TestBuildAppServesRequests(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("LABFLOW_AUTH_MODE", "header")
	t.Setenv("LABFLOW_STORAGE_DRIVER", "memory")
	t.Setenv("LABFLOW_BLOB_DRIVER", "memory")
	t.Setenv("LABFLOW_LOG_LEVEL", "error")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	a, err := buildApp(testContext(t), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/test-requests",
		strings.NewReader(`{"patientId":"p1","centerId":"c1","testType":"CBC","urgency":"urgent"}`))
	req.Header.Set("X-Actor-ID", "doc-1")
	req.Header.Set("X-Actor-Role", "doctor")
	req.Header.Set("X-Center-ID", "c1")
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "openapi: 3") {
		t.Fatalf("openapi: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "labflow_operations_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestBuildAppExpvarMetricsAndJSONTraces(t *testing.T) {
	dir := t.TempDir()
	testChdir(t, dir)
	spans := filepath.Join(dir, "spans.jsonl")
	t.Setenv("LABFLOW_AUTH_MODE", "header")
	t.Setenv("LABFLOW_STORAGE_DRIVER", "memory")
	t.Setenv("LABFLOW_BLOB_DRIVER", "memory")
	t.Setenv("LABFLOW_LOG_LEVEL", "error")
	t.Setenv("LABFLOW_OBSERVABILITY_METRICS", "expvar")
	t.Setenv("LABFLOW_OBSERVABILITY_TRACING", "json")
	t.Setenv("LABFLOW_OBSERVABILITY_TRACE_OUTPUT", spans)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	a, err := buildApp(testContext(t), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/test-requests",
		strings.NewReader(`{"patientId":"p1","centerId":"c1","testType":"CBC"}`))
	req.Header.Set("X-Actor-ID", "doc-1")
	req.Header.Set("X-Actor-Role", "doctor")
	req.Header.Set("X-Center-ID", "c1")
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, "labflow_service_metrics_") || !strings.Contains(body, "create_request") {
		t.Fatalf("expected expvar metrics, got %d %s", rec.Code, body)
	}

	raw, err := os.ReadFile(spans)
	if err != nil {
		t.Fatalf("read spans: %v", err)
	}
	if !strings.Contains(string(raw), `"operation":"create_request"`) {
		t.Fatalf("expected a create_request span, got %s", raw)
	}
}
