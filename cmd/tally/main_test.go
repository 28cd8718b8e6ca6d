package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/tally/internal/audit"
	"github.com/basket/tally/internal/config"
	"github.com/basket/tally/internal/doctor"
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/persistence"
	"github.com/basket/tally/internal/rollup"
)

func TestParseRollupArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		users   int
	}{
		{name: "defaults to yesterday", args: nil},
		{name: "single date", args: []string{"-date", "2026-03-02"}},
		{name: "replay users", args: []string{"-date", "2026-03-02", "-users", "alice, bob,,"}, users: 2},
		{name: "backfill", args: []string{"-from", "2026-03-01", "-to", "2026-03-07"}},
		{name: "half a range", args: []string{"-from", "2026-03-01"}, wantErr: true},
		{name: "date and range", args: []string{"-date", "2026-03-02", "-from", "2026-03-01", "-to", "2026-03-07"}, wantErr: true},
		{name: "users with range", args: []string{"-users", "alice", "-from", "2026-03-01", "-to", "2026-03-07"}, wantErr: true},
		{name: "stray argument", args: []string{"extra"}, wantErr: true},
		{name: "unknown flag", args: []string{"-bogus"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRollupArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got.users) != tt.users {
				t.Fatalf("users = %v, want %d", got.users, tt.users)
			}
		})
	}
}

func TestIsHelpArg(t *testing.T) {
	for _, arg := range []string{"-h", "--help", " HELP "} {
		if !isHelpArg(arg) {
			t.Fatalf("%q should be a help arg", arg)
		}
	}
	if isHelpArg("start") {
		t.Fatal("start is not a help arg")
	}
}

func TestPrintUsage_ListsSubcommands(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	for _, want := range []string{"tally rollup", "tally export", "tally ttl", "tally doctor", "TALLY_HOME"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("usage missing %q:\n%s", want, buf.String())
		}
	}
}

// seedHome points TALLY_HOME at a temp dir and writes tasks into its store.
func seedHome(t *testing.T, tasks ...model.TaskSnapshot) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TALLY_HOME", home)
	store, err := persistence.Open(filepath.Join(home, "tally.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, task := range tasks {
		if _, err := store.SaveTask(context.Background(), task); err != nil {
			t.Fatalf("seed %s: %v", task.ID, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	return home
}

func TestRollupThenExport(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	done := created.Add(3 * time.Hour)
	seedHome(t,
		model.TaskSnapshot{ID: "t1", UserID: "alice", Status: model.StatusDone, CreatedAt: created, CompletedAt: &done},
		model.TaskSnapshot{ID: "t2", UserID: "alice", Status: model.StatusPending, CreatedAt: created},
	)

	var out bytes.Buffer
	if code := runRollupCommand(context.Background(), []string{"-date", "2026-03-02"}, &out); code != 0 {
		t.Fatalf("rollup exit code %d, output %s", code, out.String())
	}
	var results []rollup.Result
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("decode rollup output %q: %v", out.String(), err)
	}
	if len(results) != 1 || results[0].Users != 1 || results[0].Written != 1 {
		t.Fatalf("results = %+v", results)
	}

	out.Reset()
	code := runExportCommand(context.Background(),
		[]string{"-user", "alice", "-start", "2026-03-01", "-end", "2026-03-03", "-format", "csv"}, &out)
	if code != 0 {
		t.Fatalf("export exit code %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "alice,2026-03-02,2,1,0,50.00,") {
		t.Fatalf("export = %q", out.String())
	}
}

func TestExport_RejectsBadInput(t *testing.T) {
	seedHome(t)
	var out bytes.Buffer
	for _, args := range [][]string{
		{"-user", "alice"},
		{"-user", "alice", "-start", "2026-03-01", "-end", "2026-03-02", "-format", "xml"},
		{"-user", "alice", "-start", "2026-03-05", "-end", "2026-03-01"},
	} {
		if code := runExportCommand(context.Background(), args, &out); code != 2 {
			t.Fatalf("%v: exit code %d, want 2", args, code)
		}
	}
}

func TestTTLCommand_WritesConfig(t *testing.T) {
	home := seedHome(t)
	var out bytes.Buffer
	if code := runTTLCommand([]string{"trend", "900"}, &out); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home || cfg.Cache.TTLSeconds["trend"] != 900 {
		t.Fatalf("ttl not persisted: home=%s ttls=%v", cfg.HomeDir, cfg.Cache.TTLSeconds)
	}

	if code := runTTLCommand([]string{"nope", "10"}, &out); code != 1 {
		t.Fatalf("unknown class: exit code %d, want 1", code)
	}
	if code := runTTLCommand([]string{"trend", "soon"}, &out); code != 2 {
		t.Fatalf("bad seconds: exit code %d, want 2", code)
	}

	raw, err := os.ReadFile(audit.Path(home))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"subject":"trend=900"`) || !strings.Contains(lines[1], `"outcome":"failed"`) {
		t.Fatalf("audit trail = %q", raw)
	}
}

func TestDoctorCommand_JSON(t *testing.T) {
	seedHome(t)
	t.Setenv("TALLY_BIND_ADDR", "127.0.0.1:0")

	var out bytes.Buffer
	if code := runDoctorCommand(context.Background(), []string{"-json"}, &out); code != 0 {
		t.Fatalf("exit = %d, output:\n%s", code, out.String())
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(diag.Results) == 0 || diag.System.Version != Version {
		t.Fatalf("diag = %+v", diag)
	}
}

func TestDoctorCommand_RejectsArgs(t *testing.T) {
	var out bytes.Buffer
	if code := runDoctorCommand(context.Background(), []string{"extra"}, &out); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
}
