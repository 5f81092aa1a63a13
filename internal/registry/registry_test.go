package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltins(t *testing.T) {
	r := New()

	for _, name := range []string{"tasks", "projects", "statuses", "task_labels", "saved_views"} {
		if _, ok := r.Lookup(name); !ok {
			t.Errorf("builtin store %q not registered", name)
		}
	}

	tasks, _ := r.Lookup("tasks")
	if got := tasks.PrimaryKey(); got != "id" {
		t.Errorf("tasks primary key = %q, want id", got)
	}

	views, _ := r.Lookup("saved_views")
	if got := views.PrimaryKey(); got != "view_name" {
		t.Errorf("saved_views primary key = %q, want view_name", got)
	}
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{
			name: "new store",
			desc: Descriptor{StoreName: "time_entries", RestPath: "/api/v1/time-entries"},
		},
		{
			name:    "duplicate store name",
			desc:    Descriptor{StoreName: "tasks"},
			wantErr: true,
		},
		{
			name:    "duplicate remote table",
			desc:    Descriptor{StoreName: "tasks_v2", RemoteTable: "tasks"},
			wantErr: true,
		},
		{
			name:    "missing store name",
			desc:    Descriptor{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			err := r.Register(tt.desc)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterDefaults(t *testing.T) {
	r := New()
	if err := r.Register(Descriptor{StoreName: "attachments"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	d, ok := r.ByRemoteTable("attachments")
	if !ok {
		t.Fatal("remote table did not default to store name")
	}
	if d.PrimaryKey() != "id" {
		t.Errorf("primary key = %q, want id", d.PrimaryKey())
	}
}

func TestLoadOverlay(t *testing.T) {
	overlay := `
[[stores]]
store_name = "timeoff_requests"
rest_path = "/api/v1/timeoff-requests"
secondary_indexes = ["user_id"]

[[stores]]
store_name = "webhooks"
remote_table = "workspace_webhooks"
rest_path = "/api/v1/webhooks"
`
	path := filepath.Join(t.TempDir(), "registry.toml")
	if err := os.WriteFile(path, []byte(overlay), 0644); err != nil {
		t.Fatalf("failed to write overlay: %v", err)
	}

	r := New()
	added, err := r.LoadOverlay(path)
	if err != nil {
		t.Fatalf("LoadOverlay() error = %v", err)
	}
	if added != 2 {
		t.Errorf("LoadOverlay() added = %d, want 2", added)
	}

	if _, ok := r.Lookup("timeoff_requests"); !ok {
		t.Error("overlay store timeoff_requests not registered")
	}
	if _, ok := r.ByRemoteTable("workspace_webhooks"); !ok {
		t.Error("overlay remote table workspace_webhooks not routable")
	}
}

func TestLoadOverlayConflict(t *testing.T) {
	overlay := `
[[stores]]
store_name = "tasks"
`
	path := filepath.Join(t.TempDir(), "registry.toml")
	if err := os.WriteFile(path, []byte(overlay), 0644); err != nil {
		t.Fatalf("failed to write overlay: %v", err)
	}

	r := New()
	if _, err := r.LoadOverlay(path); err == nil {
		t.Error("LoadOverlay() succeeded for a builtin name, want error")
	}
}
