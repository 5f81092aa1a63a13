package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/offsite-dev/replica/internal/backend"
)

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string // expected title field
	}{
		{"data envelope", `{"data": {"id": 1, "title": "enveloped"}}`, "enveloped"},
		{"row envelope", `{"row": {"id": 1, "title": "rowed"}}`, "rowed"},
		{"bare row", `{"id": 1, "title": "bare"}`, "bare"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := Unwrap([]byte(tt.body))
			if err != nil {
				t.Fatalf("Unwrap() error = %v", err)
			}
			if row["title"] != tt.want {
				t.Errorf("title = %v, want %q", row["title"], tt.want)
			}
		})
	}
}

func TestUnwrapInvalid(t *testing.T) {
	if _, err := Unwrap([]byte(`[1,2,3]`)); err == nil {
		t.Error("Unwrap() accepted a non-object payload")
	}
}

func TestCreateSendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": 10, "title": "created"}})
	}))
	defer server.Close()

	c, err := New(server.URL, StaticToken("tok-123"), nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	row, err := c.Create(context.Background(), "/api/v1/tasks", backend.Row{"title": "created"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if row["id"] != float64(10) {
		t.Errorf("id = %v, want 10", row["id"])
	}
}

func TestMissingTokenTolerated(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 1})
	}))
	defer server.Close()

	c, _ := New(server.URL, StaticToken(""), nil, nil)
	if _, err := c.Create(context.Background(), "/api/v1/tasks", backend.Row{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if gotAuth != "" {
		t.Errorf("Authorization = %q, want unauthenticated request", gotAuth)
	}
}

func TestUpdatePatchesByID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/api/v1/tasks/5" {
			t.Errorf("request = %s %s, want PATCH /api/v1/tasks/5", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 5, "title": "patched"})
	}))
	defer server.Close()

	c, _ := New(server.URL, nil, nil, nil)
	row, err := c.Update(context.Background(), "/api/v1/tasks", "5", backend.Row{"title": "patched"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if row["title"] != "patched" {
		t.Errorf("title = %v", row["title"])
	}
}

func TestDeleteTreats404AsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, _ := New(server.URL, nil, nil, nil)
	if err := c.Delete(context.Background(), "/api/v1/tasks", "5"); err != nil {
		t.Errorf("Delete() on 404 = %v, want nil", err)
	}
}

func TestDeleteSurfacesOtherErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c, _ := New(server.URL, nil, nil, nil)
	err := c.Delete(context.Background(), "/api/v1/tasks", "5")

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Status != http.StatusInternalServerError {
		t.Errorf("Delete() error = %v, want CommandError with status 500", err)
	}
}

func TestOpenStreamCursorInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c, _ := New(server.URL, nil, nil, nil)
	_, err := c.OpenStream(context.Background(), "/api/v1/sync", "stale-cursor")
	if !errors.Is(err, ErrCursorInvalid) {
		t.Errorf("OpenStream() error = %v, want ErrCursorInvalid", err)
	}
}

func TestOpenStreamPassesCursor(t *testing.T) {
	var gotCursor string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		_, _ = w.Write([]byte(`{"type":"done","next_cursor":"c2"}` + "\n"))
	}))
	defer server.Close()

	c, _ := New(server.URL, nil, nil, nil)
	body, err := c.OpenStream(context.Background(), "/api/v1/sync", "c1")
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer body.Close()

	if gotCursor != "c1" {
		t.Errorf("cursor = %q, want c1", gotCursor)
	}
}
