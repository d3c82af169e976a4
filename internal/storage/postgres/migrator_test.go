package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func sqlFile(body string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(body)}
}

func TestParseMigrations(t *testing.T) {
	t.Parallel()

	valid := fstest.MapFS{
		"sql/migrations/0002_parts.down.sql": sqlFile("DROP TABLE parts;"),
		"sql/migrations/0001_trips.up.sql":   sqlFile("CREATE TABLE trips (id TEXT);"),
		"sql/migrations/0002_parts.up.sql":   sqlFile("CREATE TABLE parts (id TEXT);"),
		"sql/migrations/0001_trips.down.sql": sqlFile("DROP TABLE trips;"),
		"sql/migrations/README.md":           sqlFile("ignored"),
	}

	got, err := parseMigrations(valid)
	if err != nil {
		t.Fatalf("parseMigrations: %v", err)
	}
	if len(got) != 2 || got[0].label() != "0001_trips" || got[1].label() != "0002_parts" {
		t.Fatalf("unexpected migrations: %+v", got)
	}
	if got[1].body(migrationUp) != "CREATE TABLE parts (id TEXT);" || got[1].body(migrationDown) != "DROP TABLE parts;" {
		t.Fatalf("unexpected bodies: %+v", got[1])
	}

	broken := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr string
	}{
		{
			name:    "missing down",
			fsys:    fstest.MapFS{"sql/migrations/0001_trips.up.sql": sqlFile("SELECT 1;")},
			wantErr: "both up and down",
		},
		{
			name:    "bad file name",
			fsys:    fstest.MapFS{"sql/migrations/trips.sql": sqlFile("SELECT 1;")},
			wantErr: "invalid migration file name",
		},
		{
			name: "blank body",
			fsys: fstest.MapFS{
				"sql/migrations/0001_trips.up.sql":   sqlFile(" \n\t"),
				"sql/migrations/0001_trips.down.sql": sqlFile("DROP TABLE trips;"),
			},
			wantErr: "empty",
		},
		{
			name: "name mismatch",
			fsys: fstest.MapFS{
				"sql/migrations/0001_trips.up.sql":   sqlFile("SELECT 1;"),
				"sql/migrations/0001_parts.down.sql": sqlFile("SELECT 1;"),
			},
			wantErr: "name mismatch",
		},
		{
			name:    "no directory",
			fsys:    fstest.MapFS{},
			wantErr: "list migrations",
		},
		{
			name:    "no files",
			fsys:    fstest.MapFS{"sql/migrations/notes.txt": sqlFile("x")},
			wantErr: "no migration files",
		},
	}
	for _, tc := range broken {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseMigrations(tc.fsys)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestPlanMigrations(t *testing.T) {
	t.Parallel()

	known := []migration{{Version: 1, Name: "a"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}}
	labels := func(plan []migration) string {
		var out []string
		for _, m := range plan {
			out = append(out, m.Name)
		}
		return strings.Join(out, ",")
	}

	tests := []struct {
		name    string
		applied []int64
		dir     migrationDirection
		steps   int
		want    string
	}{
		{name: "up all", dir: migrationUp, want: "a,b,c"},
		{name: "up one", dir: migrationUp, steps: 1, want: "a"},
		{name: "up fills gaps", applied: []int64{2}, dir: migrationUp, want: "a,c"},
		{name: "up nothing left", applied: []int64{1, 2, 3}, dir: migrationUp, want: ""},
		{name: "down newest first", applied: []int64{1, 2, 3}, dir: migrationDown, steps: 2, want: "c,b"},
		{name: "down more than applied", applied: []int64{1}, dir: migrationDown, steps: 5, want: "a"},
		{name: "down on empty", dir: migrationDown, steps: 1, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := planMigrations(known, tc.applied, tc.dir, tc.steps)
			if err != nil {
				t.Fatalf("planMigrations: %v", err)
			}
			if got := labels(plan); got != tc.want {
				t.Fatalf("plan = %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := planMigrations(known, []int64{1, 9}, migrationDown, 1); err == nil || !strings.Contains(err.Error(), "unknown migration version 9") {
		t.Fatalf("expected unknown version error, got %v", err)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	migrations, err := parseMigrations(migrationsFS)
	if err != nil {
		t.Fatalf("parse embedded migrations: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Name != "fleet_catalog" || migrations[1].Name != "stock_ledger" {
		t.Fatalf("unexpected embedded migrations: %+v", migrations)
	}
	for _, table := range []string{"stock_mutation_guards", "stock_audit_entries", "outbox_messages"} {
		if !strings.Contains(migrations[1].UpSQL, table) {
			t.Fatalf("ledger migration must create %s", table)
		}
	}
}
