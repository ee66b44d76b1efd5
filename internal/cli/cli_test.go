package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetsync/internal/audit"
	"github.com/ChuLiYu/fleetsync/internal/authority"
	"github.com/ChuLiYu/fleetsync/internal/config"
	"github.com/ChuLiYu/fleetsync/internal/fleet"
	"github.com/ChuLiYu/fleetsync/internal/statestore"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

const testConfig = `
sync_interval_seconds: 60
max_retries: 3
budget:
  daily_limit: 100
  source_unit_cost: 0.01
  target_unit_cost: 0.5
health_checks:
  - name: fleet
    type: worker_responsiveness
mappings:
  W1:
    authority_task_id: T1
    input_mapping:
      amount:
        source: params.amount
        target: parameters.amount
        type: int
    output_mapping:
      score:
        source: result.score
        target: outputs.score
        type: float
state:
  path: %[1]s/state.json
audit:
  path: %[1]s/audit.jsonl
  sqlite_path: %[1]s/audit.db
log:
  level: warn
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, dir)), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "fleetsync", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "validate", "audit"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)

	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	assert.NotNil(t, run.Flags().Lookup("once"))
}

func TestValidateCommand(t *testing.T) {
	path := writeTestConfig(t)
	out, err := execute(t, "validate", "-c", path, "--env-file", filepath.Join(t.TempDir(), "none.env"))
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration OK")
	assert.Contains(t, out, "workers: 1")
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync_interval_seconds: 0\n"), 0o644))

	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync_interval_seconds")
}

func TestRunOnceThenStatusAndAudit(t *testing.T) {
	path := writeTestConfig(t)
	env := filepath.Join(t.TempDir(), "none.env")

	out, err := execute(t, "run", "--once", "-c", path, "--env-file", env)
	require.NoError(t, err)

	var summary types.CycleSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, int64(1), summary.CycleNumber)
	assert.Empty(t, summary.SkippedReason)
	// 空的 fleet 為 degraded，不觸發暫停
	assert.Equal(t, types.HealthDegraded, summary.HealthStatus)

	out, err = execute(t, "status", "-c", path, "--env-file", env)
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "Sync Cycles:         1")

	out, err = execute(t, "audit", "verify", "-c", path, "--env-file", env)
	require.NoError(t, err)
	assert.Contains(t, out, "Audit log OK")
	assert.Contains(t, out, "cycle")
}

func TestRunOnceSyncsSeededSystems(t *testing.T) {
	cfg, err := config.Load(writeTestConfig(t))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	auth := authority.NewStore()
	auth.Put("T1", map[string]any{"status": "running", "priority": "high", "params": map[string]any{"amount": 5}})
	fl := fleet.NewFleet()
	fl.Register("W1", "T1")
	require.NoError(t, fl.Report("W1", map[string]any{"status": "running", "priority": "medium", "result": map[string]any{"score": 0.5}}, 100))

	var out bytes.Buffer
	err = runSystem(context.Background(), &out, cfg, Overrides{Authority: auth, Fleet: fl, Registry: prometheus.NewRegistry()}, true)
	require.NoError(t, err)

	var summary types.CycleSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, 2, summary.RecordsSynced)
	assert.Equal(t, 1, summary.Conflicts)

	data, ok := fl.Data("W1")
	require.True(t, ok)
	assert.Equal(t, "high", data["priority"])

	task, ok := auth.Get("T1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"score": 0.5}, task["outputs"])

	report, err := audit.Verify(cfg.Audit.Path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByKind[audit.KindConflict])
	assert.Equal(t, 1, report.ByKind[audit.KindCycle])

	state, ok, err := statestore.New(cfg.State.Path).Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), state.SyncCount)
	assert.Equal(t, int64(1), state.ConflictsResolved)
}

func TestStatusFromAdminEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(types.OrchestratorState{Status: types.StatusPaused, PauseReason: "maintenance", SyncCount: 4})
	}))
	defer srv.Close()

	out, err := execute(t, "status", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "paused")
	assert.Contains(t, out, "maintenance")
	assert.Contains(t, out, "until resumed")
}

func TestStatusWithoutState(t *testing.T) {
	_, err := execute(t, "status", "-c", writeTestConfig(t), "--env-file", filepath.Join(t.TempDir(), "none.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no state")
}
