package migrate

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embedded, migrationsDir)
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, entry := range entries {
		raw, err := fs.ReadFile(embedded, migrationsDir+"/"+entry.Name())
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		body := string(raw)
		if !strings.Contains(body, "-- +goose Up") || !strings.Contains(body, "-- +goose Down") {
			t.Fatalf("%s must declare both up and down sections", entry.Name())
		}
	}
}

func TestNewRejectsMissingInputs(t *testing.T) {
	if _, err := New(nil, "postgres://localhost/edge", nil); err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestEmbeddedMigrationsLoadIntoSubFS(t *testing.T) {
	fsys, err := fs.Sub(embedded, migrationsDir)
	if err != nil {
		t.Fatalf("sub fs: %v", err)
	}
	matches, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) == 0 || matches[0] != "00001_deployment_statuses.sql" {
		t.Fatalf("unexpected migration files %v", matches)
	}
}
