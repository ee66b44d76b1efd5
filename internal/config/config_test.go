package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetsync/internal/health"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

const sampleYAML = `
sync_interval_seconds: 30
max_retries: 4
health_cooldown: 2m
sync:
  batch_size: 100
  concurrency: 4
  call_timeout: 3s
budget:
  daily_limit: 50
  alert_threshold_percent: 75
  source_unit_cost: 0.002
  target_unit_cost: 0.02
  cooldown: 30m
health_checks:
  - name: authority-db
    type: database_connectivity
    critical: true
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
        required: true
      region:
        source: params.region
        target: parameters.region
        type: string
        default: eu
        transform: region_codes
    output_mapping:
      score:
        source: result.score
        target: outputs.score
        type: float
transforms:
  region_codes:
    mapping:
      europe: eu
      america: us
    passthrough: true
conflict_resolution:
  default: authority_wins
  policies:
    outputs:
      priority: worker_wins
      fields:
        confidence: latest
    parameters:
      fields:
        tags: merge
state:
  path: /var/lib/fleetsync/state.json
audit:
  path: /var/lib/fleetsync/audit.jsonl
  sync: true
log:
  level: debug
  format: text
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30, cfg.SyncIntervalSeconds)
	assert.Equal(t, 2*time.Minute, cfg.HealthCooldown)
	assert.Equal(t, 3*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Budget.Cooldown)
	assert.True(t, cfg.Audit.Sync)
	assert.Len(t, cfg.HealthChecks, 2)
	assert.Equal(t, health.KindDatabaseConnectivity, cfg.HealthChecks[0].Type)
	assert.True(t, cfg.HealthChecks[0].Critical)

	// 未設定的欄位保留預設值
	assert.Equal(t, BackendMemory, cfg.Authority.Type)
	assert.Equal(t, 10000, cfg.Metrics.BufferSize)
}

func TestDefaultsNeedMappings(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one worker mapping")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLEETSYNC_SYNC_INTERVAL_SECONDS", "5")
	t.Setenv("FLEETSYNC_BUDGET_DAILY_LIMIT", "12.5")
	t.Setenv("FLEETSYNC_AUTHORITY_TYPE", "postgres")
	t.Setenv("FLEETSYNC_AUTHORITY_DSN", "")
	t.Setenv("DATABASE_URL", "postgres://fleet@localhost/fleet")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.SyncIntervalSeconds)
	assert.Equal(t, 12.5, cfg.Budget.DailyLimit)
	assert.Equal(t, BackendPostgres, cfg.Authority.Type)
	assert.Equal(t, "postgres://fleet@localhost/fleet", cfg.Authority.DSN)
	assert.Equal(t, "collector:4318", cfg.Telemetry.Endpoint)
	require.NoError(t, cfg.Validate())
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("FLEETSYNC_MAX_RETRIES", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLEETSYNC_MAX_RETRIES")
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("FLEETSYNC_LOG_LEVEL=warn\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("FLEETSYNC_LOG_LEVEL") })

	cfg, err := Load("", envPath, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.SyncIntervalSeconds = 0
	cfg.Budget.AlertThresholdPercent = 140
	cfg.Authority.Type = "oracle"
	cfg.Fleet.Type = BackendGRPC
	cfg.HealthChecks = []health.Spec{
		{Name: "a", Type: "ping"},
		{Name: "a", Type: health.KindAPIReachability},
	}
	cfg.Log.Format = "xml"
	cfg.Mappings = map[string]MappingSpec{
		"W1": {
			AuthorityTaskID: "T1",
			InputMapping: map[string]FieldSpec{
				"amount": {Source: "a", Target: "b", Type: "decimal", Transform: "missing"},
			},
		},
	}
	cfg.ConflictResolution.Default = "coin_flip"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"sync_interval_seconds",
		"alert_threshold_percent",
		"authority.type",
		"fleet.address",
		`unknown type "ping"`,
		`duplicate name "a"`,
		"requires a target",
		"log.format",
		"conflict_resolution.default",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestMappingValidationErrors(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	spec := cfg.Mappings["W1"]
	spec.InputMapping["amount"] = FieldSpec{Source: "params.amount", Target: "parameters.amount", Type: "decimal", Transform: "missing"}
	cfg.Mappings["W1"] = spec

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown type "decimal"`)
	assert.Contains(t, err.Error(), "transform not found")
}

func TestManyToOneTransformNeedsAuthorityPolicy(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	cfg.Transforms["region_codes"].Mapping["emea"] = "eu"
	require.NoError(t, cfg.Validate(), "authority_wins never writes the region back")

	cfg.ConflictResolution.Policies["parameters"].Fields["region"] = "worker_wins"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mappings.W1.input_mapping.region")
	assert.Contains(t, err.Error(), "many-to-one")

	// 一對一查表可以還原
	delete(cfg.Transforms["region_codes"].Mapping, "emea")
	assert.NoError(t, cfg.Validate())
}

func TestTableAndRegistry(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	table, err := cfg.Table()
	require.NoError(t, err)
	id, ok := table.WorkerForTask("T1")
	require.True(t, ok)
	assert.Equal(t, "W1", id)

	w, _ := table.Worker("W1")
	require.Len(t, w.Inputs, 2)
	assert.Equal(t, "amount", w.Inputs[0].FieldName)
	assert.False(t, w.Inputs[0].HasDefault)
	assert.True(t, w.Inputs[0].Required)
	assert.Equal(t, "region", w.Inputs[1].FieldName)
	assert.True(t, w.Inputs[1].HasDefault)
	assert.Equal(t, "eu", w.Inputs[1].Default)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	out, err := reg.Apply("region_codes", "europe")
	require.NoError(t, err)
	assert.Equal(t, "eu", out)
	out, err = reg.Apply("region_codes", "asia")
	require.NoError(t, err)
	assert.Equal(t, "asia", out)
}

func TestPolicies(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	p, err := cfg.Policies()
	require.NoError(t, err)
	assert.Equal(t, types.StrategyAuthorityWins, p.Default)
	assert.Equal(t, types.StrategyWorkerWins, p.StrategyFor(types.ConflictOutput, "score"))
	assert.Equal(t, types.StrategyLatest, p.StrategyFor(types.ConflictOutput, "confidence"))
	assert.Equal(t, types.StrategyMerge, p.StrategyFor(types.ConflictParameter, "tags"))
	assert.Equal(t, types.StrategyAuthorityWins, p.StrategyFor(types.ConflictParameter, "amount"))
}

func TestStatusPolicyIsIgnored(t *testing.T) {
	cfg := Default()
	cfg.ConflictResolution.Policies = map[string]PolicySpec{"status": {Priority: "worker_wins"}}

	p, err := cfg.Policies()
	require.NoError(t, err)
	assert.Empty(t, p.Category)
	assert.Equal(t, types.StrategyAuthorityWins, p.StrategyFor(types.ConflictStatus, "status"))
}

func TestComponentConfigs(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	oc := cfg.OrchestratorConfig()
	assert.Equal(t, 30*time.Second, oc.Interval)
	assert.Equal(t, 4, oc.MaxRetries)
	assert.Equal(t, 2*time.Minute, oc.HealthCooldown)
	assert.Equal(t, 30*time.Minute, oc.BudgetCooldown)

	sc := cfg.SyncConfig()
	assert.Equal(t, 100, sc.BatchSize)
	assert.Equal(t, 0.002, sc.SourceUnitCost)
	assert.Equal(t, 0.02, sc.TargetUnitCost)

	bc := cfg.BudgetConfig()
	assert.Equal(t, 50.0, bc.DailyLimit)
	assert.Equal(t, 75.0, bc.AlertThresholdPercent)
}
