package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPromoteRole(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/internal/users/subj-1/role" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Internal-API-Key") != "k" {
			t.Errorf("missing internal key")
		}
		var body promoteRoleRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Role != "dealer" {
			t.Errorf("expected dealer role, got %q", body.Role)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", time.Second)
	if err := client.PromoteRole(context.Background(), "subj-1", "dealer"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPromoteRole_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", time.Second)
	if err := client.PromoteRole(context.Background(), "subj-1", "dealer"); err == nil {
		t.Fatal("expected error on 500")
	}
}
