package api

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestChainMiddlewarePreservesOrder(t *testing.T) {
	sequence := make([]string, 0, 5)
	wrap := func(name string) middlewareFunc {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sequence = append(sequence, "before:"+name)
				next.ServeHTTP(w, r)
				sequence = append(sequence, "after:"+name)
			})
		}
	}

	handler := chainMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sequence = append(sequence, "handler")
			w.WriteHeader(http.StatusNoContent)
		}),
		wrap("outer"),
		wrap("inner"),
	)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}

	want := []string{
		"before:outer",
		"before:inner",
		"handler",
		"after:inner",
		"after:outer",
	}
	if !reflect.DeepEqual(sequence, want) {
		t.Fatalf("unexpected middleware order: got %v want %v", sequence, want)
	}
}

func TestDeploymentRoutesRequireAuth(t *testing.T) {
	h := newTestServer(t)
	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v1/deployments/abc"},
		{http.MethodPost, "/api/v1/deployments/abc/retry"},
	} {
		rec := httptest.NewRecorder()
		h.server.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected status 401, got %d", tc.method, tc.path, rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Fatalf("%s %s: missing WWW-Authenticate challenge", tc.method, tc.path)
		}
	}
}

func TestRouteLabels(t *testing.T) {
	tests := map[string]string{
		"/webhooks/vercel":             "/webhooks/vercel",
		"/api/v1/tasks/t1/complete":    "/api/v1/tasks/*",
		"/api/v1/deployments/d1/retry": "/api/v1/deployments/*",
		"/api/v1/unknown":              "/api/v1/*",
		"/favicon.ico":                 "other",
	}
	for path, want := range tests {
		if got := requestRouteLabel(httptest.NewRequest(http.MethodGet, path, nil)); got != want {
			t.Fatalf("requestRouteLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
