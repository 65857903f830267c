package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadBodyLimits(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/vercel", strings.NewReader("0123456789"))
	rec := httptest.NewRecorder()
	body, ok := readBody(rec, req, 16)
	if !ok || string(body) != "0123456789" {
		t.Fatalf("readBody = %q, %v", body, ok)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/vercel", strings.NewReader("0123456789"))
	rec = httptest.NewRecorder()
	if _, ok := readBody(rec, req, 4); ok {
		t.Fatal("expected oversized body to be rejected")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rec.Code)
	}

	// Chunked bodies carry no length up front.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/vercel", strings.NewReader("0123456789"))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	if _, ok := readBody(rec, req, 4); ok {
		t.Fatal("expected streamed oversized body to be rejected")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413 for streamed body, got %d", rec.Code)
	}
}

func TestParsePathID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/deployments/", nil)
	rec := httptest.NewRecorder()
	if _, ok := parsePathID(rec, req, "id", "deployment id"); ok {
		t.Fatal("expected empty id to be rejected")
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["error"] != "deployment id is required" {
		t.Fatalf("unexpected error body %v", payload)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/deployments/abc", nil)
	req.SetPathValue("id", " abc ")
	rec = httptest.NewRecorder()
	id, ok := parsePathID(rec, req, "id", "deployment id")
	if !ok || id != "abc" {
		t.Fatalf("parsePathID = %q, %v", id, ok)
	}
}
