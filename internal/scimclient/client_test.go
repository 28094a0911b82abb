package scimclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientDo_SuccessExtractsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Header.Get("Authorization"), "Bearer tok-123"; got != want {
			t.Errorf("Authorization header = %q, want %q", got, want)
		}
		if got, want := r.Header.Get("Accept"), "application/scim+json"; got != want {
			t.Errorf("Accept header = %q, want %q", got, want)
		}
		if got, want := r.Header.Get("Content-Type"), "application/scim+json"; got != want {
			t.Errorf("Content-Type header = %q, want %q", got, want)
		}
		if got, want := r.URL.Path, "/Users"; got != want {
			t.Errorf("path = %q, want %q", got, want)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"dw-u-1","userName":"alice"}`))
	}))
	defer srv.Close()

	c := New(0, 0)
	resp := c.Do(context.Background(), srv.URL, "tok-123", Request{
		Method:       http.MethodPost,
		ResourcePath: "Users",
		Body:         map[string]any{"userName": "alice"},
	})

	if !resp.IsSuccess() {
		t.Fatalf("expected success, got status %d", resp.Status)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.Status)
	}
	if resp.SCIMResourceID != "dw-u-1" {
		t.Errorf("scim resource id = %q, want dw-u-1", resp.SCIMResourceID)
	}
}

func TestClientDo_ResourceIDAppended(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.URL.Path, "/Groups/g1"; got != want {
			t.Errorf("path = %q, want %q", got, want)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(0, 0)
	resp := c.Do(context.Background(), srv.URL+"/", "tok", Request{
		Method:       http.MethodPatch,
		ResourcePath: "/Groups",
		ResourceID:   "g1",
		Body:         map[string]any{"Operations": []any{}},
	})
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
}

func TestClientDo_TransportFailureSurfacesAsStatusZero(t *testing.T) {
	c := New(0, 0)
	resp := c.Do(context.Background(), "http://127.0.0.1:0", "tok", Request{
		Method:       http.MethodGet,
		ResourcePath: "Users",
	})
	if resp.Status != 0 {
		t.Errorf("status = %d, want 0 for a transport failure", resp.Status)
	}
	if resp.ErrorMessage == "" {
		t.Error("expected a non-empty error message for a transport failure")
	}
}

func TestClientDo_ErrorBodyNoIDExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"invalid filter"}`))
	}))
	defer srv.Close()

	c := New(0, 0)
	resp := c.Do(context.Background(), srv.URL, "tok", Request{Method: http.MethodGet, ResourcePath: "Users"})
	if resp.IsSuccess() {
		t.Fatal("expected non-success for a 400 response")
	}
	if resp.SCIMResourceID != "" {
		t.Errorf("expected no scim resource id on a 4xx response, got %q", resp.SCIMResourceID)
	}
}
