package vercel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGetBuildLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/deployments/dpl_1/events" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("teamId"); got != "team_9" {
			t.Errorf("teamId = %q", got)
		}
		if got := r.URL.Query().Get("builds"); got != "1" {
			t.Errorf("builds = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"type":"command","created":1,"payload":{"text":"Running \"npm run build\""}},
			{"type":"stdout","created":2,"payload":{"text":"line a\nline b\n"}},
			{"type":"delimiter","created":3,"payload":{"text":"ignored"}},
			{"type":"stderr","created":4,"text":"legacy text field"},
			{"type":"stdout","created":5,"payload":{"text":""}}
		]`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL + "/"})
	got, err := c.GetBuildLogs(context.Background(), "dpl_1", "team_9", "tok")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{`Running "npm run build"`, "line a", "line b", "legacy text field"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("GetBuildLogs mismatch (-want +got):\n%s", diff)
	}
}

func TestGetBuildLogsNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("teamId") {
			t.Errorf("unexpected teamId for personal scope")
		}
		_, _ = w.Write([]byte("{\"type\":\"stdout\",\"payload\":{\"text\":\"one\"}}\n{\"type\":\"stdout\",\"payload\":{\"text\":\"two\"}}\n"))
	}))
	defer srv.Close()

	got, err := NewClient(Options{BaseURL: srv.URL}).GetBuildLogs(context.Background(), "dpl_2", "", "tok")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"one", "two"}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestGetBuildLogsErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, check: func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{name: "forbidden", status: http.StatusForbidden, check: func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{name: "not found", status: http.StatusNotFound, check: func(err error) bool { return errors.Is(err, ErrDeploymentNotFound) }},
		{name: "server error", status: http.StatusBadGateway, check: func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.StatusCode == http.StatusBadGateway
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()
			_, err := NewClient(Options{BaseURL: srv.URL}).GetBuildLogs(context.Background(), "dpl", "", "tok")
			if !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}

	if _, err := NewClient(Options{}).GetBuildLogs(context.Background(), " ", "", "tok"); err == nil {
		t.Fatal("expected empty deployment id to be rejected")
	}
}

func TestGetBuildLogsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"type":`))
	}))
	defer srv.Close()
	if _, err := NewClient(Options{BaseURL: srv.URL}).GetBuildLogs(context.Background(), "dpl", "", "tok"); err == nil {
		t.Fatal("expected decode error")
	}
}
