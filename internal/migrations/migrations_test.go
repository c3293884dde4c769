package migrations

import (
	"strings"
	"testing"
)

func TestMigrationsEmbedded(t *testing.T) {
	for _, name := range []string{"001_init.sql", "002_jobs.sql", "003_job_leases.sql"} {
		data, err := Files.ReadFile(name)
		if err != nil {
			t.Fatalf("expected embedded migration %s, got error: %v", name, err)
		}
		if len(data) == 0 {
			t.Fatalf("embedded migration %s is empty", name)
		}
	}
}

func TestRemoteIDUniqueness(t *testing.T) {
	data, err := Files.ReadFile("001_init.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(data), "ON events (owner_id, provider, remote_id) WHERE remote_id IS NOT NULL") {
		t.Fatal("events must carry a partial unique index on (owner_id, provider, remote_id)")
	}
}

func TestNamesSorted(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if len(names) != 3 || names[0] != "001_init.sql" || names[1] != "002_jobs.sql" || names[2] != "003_job_leases.sql" {
		t.Fatalf("names = %v", names)
	}
}
