// Package doctor runs the environment checks behind `tally doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/tally/internal/config"
	"github.com/basket/tally/internal/cron"
	"github.com/basket/tally/internal/persistence"
	"github.com/basket/tally/internal/shared"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			n++
		}
	}
	return n
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkTimezone,
		checkPermissions,
		checkDatabase,
		checkPostgres,
		checkSchedules,
		checkListener,
		checkEnvironment,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.FileMissing {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; running on defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: "config_hash=" + cfg.Fingerprint()}
}

func checkTimezone(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Timezone", Status: "SKIP", Message: "Config missing"}
	}
	loc, err := cfg.Location()
	if err != nil {
		return CheckResult{Name: "Timezone", Status: "FAIL", Message: err.Error()}
	}
	now := time.Now().In(loc)
	return CheckResult{Name: "Timezone", Status: "PASS",
		Message: fmt.Sprintf("Days roll over at midnight %s", loc),
		Detail:  "today=" + now.Format("2006-01-02")}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	gen, err := store.LoadLatestGeneration(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := "snapshot generation: none"
	if gen != nil {
		detail = fmt.Sprintf("snapshot generation %d built %s (%d users)", gen.ID, gen.BuiltAt.Format(time.RFC3339), len(gen.Users))
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: detail}
}

func checkPostgres(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Postgres.DSN == "" {
		return CheckResult{Name: "Postgres", Status: "SKIP", Message: "No DSN; tasks come from the local store"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	src, err := persistence.NewPGSource(pingCtx, persistence.PGSourceConfig{
		DSN:      cfg.Postgres.DSN,
		Table:    cfg.Postgres.Table,
		MaxConns: 1,
	})
	if err != nil {
		return CheckResult{Name: "Postgres", Status: "FAIL", Message: err.Error()}
	}
	defer src.Close()
	return CheckResult{Name: "Postgres", Status: "PASS",
		Message: fmt.Sprintf("Connected in %dms", time.Since(start).Milliseconds()),
		Detail:  fmt.Sprintf("table=%s notify_channel=%s", cfg.Postgres.Table, cfg.Postgres.NotifyChannel)}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	specs := []struct{ name, spec string }{
		{"rollup", cfg.Jobs.RollupSpec},
		{"rollup_today", cfg.Jobs.RollupTodaySpec},
		{"snapshot", cfg.Jobs.SnapshotSpec},
		{"warmer", cfg.Jobs.WarmerSpec},
		{"retention", cfg.Jobs.RetentionSpec},
	}
	now := time.Now()
	var details, disabled []string
	for _, s := range specs {
		if s.spec == "" {
			disabled = append(disabled, s.name)
			continue
		}
		next, err := cron.NextRunTime(s.spec, now)
		if err != nil {
			return CheckResult{Name: "Schedules", Status: "FAIL", Message: fmt.Sprintf("%s: %v", s.name, err)}
		}
		details = append(details, fmt.Sprintf("%s next %s", s.name, next.Format(time.RFC3339)))
	}
	res := CheckResult{Name: "Schedules", Status: "PASS",
		Message: fmt.Sprintf("%d jobs scheduled", len(details)), Detail: strings.Join(details, "; ")}
	if len(disabled) > 0 {
		res.Status = "WARN"
		res.Message += fmt.Sprintf(", disabled: %s", strings.Join(disabled, ", "))
	}
	return res
}

// checkListener warns when bind_addr is taken, which usually means a
// daemon is already running.
func checkListener(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Listener", Status: "WARN",
			Message: fmt.Sprintf("%s unavailable (daemon already running?)", cfg.BindAddr), Detail: err.Error()}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listener", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

// checkEnvironment lists TALLY_* overrides in effect, secrets redacted.
func checkEnvironment(_ context.Context, _ *config.Config) CheckResult {
	var set []string
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "TALLY_") {
			continue
		}
		set = append(set, key+"="+shared.RedactEnvValue(key, value))
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: "PASS", Message: "No TALLY_* overrides"}
	}
	sort.Strings(set)
	return CheckResult{Name: "Environment", Status: "PASS",
		Message: fmt.Sprintf("%d TALLY_* overrides", len(set)), Detail: strings.Join(set, " ")}
}
