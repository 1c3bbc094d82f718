package foremansdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsRoleAndDecodes(t *testing.T) {
	var gotRole, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRole = r.Header.Get("X-Issuer-Role")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "t1", "state": "approved", "kind": "build"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "ops")
	tasks, err := c.ListTasks(context.Background(), "approved", 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" || tasks[0].State != "approved" {
		t.Fatalf("tasks = %+v", tasks)
	}
	if gotRole != "ops" || gotPath != "/v0/tasks" || gotQuery != "limit=5&state=approved" {
		t.Fatalf("request role=%q path=%q query=%q", gotRole, gotPath, gotQuery)
	}
}

func TestClientAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/tasks/t1/approve" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"invalid_transition","message":"invalid task status transition executed -> approved"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Approve(context.Background(), "t1", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_transition" {
		t.Fatalf("api error = %+v", apiErr)
	}
}
