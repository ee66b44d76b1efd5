// ============================================================================
// fleetsync Config - 設定載入與驗證
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 YAML 設定檔，套用 .env 與 FLEETSYNC_* 環境變數覆寫，驗證並
//       建立各元件需要的設定（映射表、衝突策略、健康檢查、預算、週期參數）
//
// 載入順序（後者覆寫前者）:
//   1. Default() 內建預設值
//   2. YAML 設定檔（configs/default.yaml）
//   3. .env 檔（只補上尚未設定的環境變數）
//   4. FLEETSYNC_* 環境變數
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fleetsync/internal/conflict"
	"github.com/ChuLiYu/fleetsync/internal/health"
	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/internal/telemetry"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

var log = slog.Default()

// EnvPrefix 環境變數覆寫的前綴
const EnvPrefix = "FLEETSYNC_"

// 協作系統的實作類型
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendGRPC     = "grpc"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// FieldSpec 一個欄位映射
type FieldSpec struct {
	Source    string `yaml:"source"`
	Target    string `yaml:"target"`
	Type      string `yaml:"type"`
	Default   any    `yaml:"default"`
	Required  bool   `yaml:"required"`
	Transform string `yaml:"transform"`
}

// MappingSpec 一個 worker 的映射設定
type MappingSpec struct {
	AuthorityTaskID string               `yaml:"authority_task_id"`
	InputMapping    map[string]FieldSpec `yaml:"input_mapping"`
	OutputMapping   map[string]FieldSpec `yaml:"output_mapping"`
}

// TransformSpec 宣告式查表 transform
type TransformSpec struct {
	Mapping     map[string]any `yaml:"mapping"`
	Passthrough bool           `yaml:"passthrough"`
}

// PolicySpec 一個衝突類別的策略
type PolicySpec struct {
	Priority string            `yaml:"priority"`
	Fields   map[string]string `yaml:"fields"`
}

// Config 完整的系統設定
type Config struct {
	SyncIntervalSeconds int           `yaml:"sync_interval_seconds"`
	MaxRetries          int           `yaml:"max_retries"`
	HealthCooldown      time.Duration `yaml:"health_cooldown"`

	Sync struct {
		BatchSize   int           `yaml:"batch_size"`
		Concurrency int           `yaml:"concurrency"`
		CallTimeout time.Duration `yaml:"call_timeout"`
	} `yaml:"sync"`

	Budget struct {
		DailyLimit            float64       `yaml:"daily_limit"`
		AlertThresholdPercent float64       `yaml:"alert_threshold_percent"`
		SourceUnitCost        float64       `yaml:"source_unit_cost"`
		TargetUnitCost        float64       `yaml:"target_unit_cost"`
		EstimatedCycleCost    float64       `yaml:"estimated_cycle_cost"`
		Cooldown              time.Duration `yaml:"cooldown"`
	} `yaml:"budget"`

	HealthChecks []health.Spec `yaml:"health_checks"`

	Metrics struct {
		BufferSize    int           `yaml:"buffer_size"`
		AnomalyWindow time.Duration `yaml:"anomaly_window"`
	} `yaml:"metrics"`

	Authority struct {
		Type           string        `yaml:"type"` // memory | postgres
		DSN            string        `yaml:"dsn"`
		Retries        int           `yaml:"retries"`
		RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	} `yaml:"authority"`

	Fleet struct {
		Type    string `yaml:"type"` // memory | grpc
		Address string `yaml:"address"`
	} `yaml:"fleet"`

	Mappings   map[string]MappingSpec   `yaml:"mappings"`
	Transforms map[string]TransformSpec `yaml:"transforms"`

	ConflictResolution struct {
		Default  string                `yaml:"default"`
		Policies map[string]PolicySpec `yaml:"policies"`
	} `yaml:"conflict_resolution"`

	State struct {
		Path string `yaml:"path"`
	} `yaml:"state"`

	Audit struct {
		Path       string `yaml:"path"`        // JSON-lines 稽核檔
		SQLitePath string `yaml:"sqlite_path"` // 空字串表示不啟用
		Sync       bool   `yaml:"sync"`        // 每筆 fsync
	} `yaml:"audit"`

	Admin struct {
		Addr     string `yaml:"addr"`      // HTTP 管理介面，空字串表示不啟用
		GRPCAddr string `yaml:"grpc_addr"` // gRPC 健康服務，空字串表示不啟用
	} `yaml:"admin"`

	Telemetry telemetry.Config `yaml:"telemetry"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // json | text
	} `yaml:"log"`
}

// Default 內建預設值
func Default() Config {
	var c Config
	c.SyncIntervalSeconds = 60
	c.MaxRetries = 5
	c.HealthCooldown = 5 * time.Minute

	c.Sync.BatchSize = 500
	c.Sync.Concurrency = 8
	c.Sync.CallTimeout = 10 * time.Second

	c.Budget.DailyLimit = 100
	c.Budget.AlertThresholdPercent = 80
	c.Budget.SourceUnitCost = 0.001
	c.Budget.TargetUnitCost = 0.01
	c.Budget.Cooldown = time.Hour

	c.Metrics.BufferSize = 10000
	c.Metrics.AnomalyWindow = time.Hour

	c.Authority.Type = BackendMemory
	c.Authority.Retries = 3
	c.Authority.RetryBaseDelay = 200 * time.Millisecond
	c.Fleet.Type = BackendMemory

	c.State.Path = "data/state.json"
	c.Audit.Path = "data/audit.jsonl"

	c.Log.Level = "info"
	c.Log.Format = "json"
	return c
}

// ============================================================================
// 載入
// ============================================================================

// Load 讀取設定檔並套用環境變數覆寫
//
// 參數：
//   - path: YAML 設定檔路徑；空字串只使用預設值與環境變數
//   - envFiles: .env 檔；不存在的檔案會被忽略
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("config: load env file %s: %w", f, err)
		}
		log.Debug("Env file loaded", "path", f)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv 套用 FLEETSYNC_* 覆寫；格式錯誤的值視為設定錯誤
func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	integer("SYNC_INTERVAL_SECONDS", &c.SyncIntervalSeconds)
	integer("MAX_RETRIES", &c.MaxRetries)
	duration("HEALTH_COOLDOWN", &c.HealthCooldown)
	integer("SYNC_BATCH_SIZE", &c.Sync.BatchSize)
	integer("SYNC_CONCURRENCY", &c.Sync.Concurrency)
	duration("SYNC_CALL_TIMEOUT", &c.Sync.CallTimeout)
	float("BUDGET_DAILY_LIMIT", &c.Budget.DailyLimit)
	float("BUDGET_ALERT_THRESHOLD_PERCENT", &c.Budget.AlertThresholdPercent)
	float("BUDGET_ESTIMATED_CYCLE_COST", &c.Budget.EstimatedCycleCost)
	duration("BUDGET_COOLDOWN", &c.Budget.Cooldown)
	str("AUTHORITY_TYPE", &c.Authority.Type)
	str("AUTHORITY_DSN", &c.Authority.DSN)
	str("FLEET_TYPE", &c.Fleet.Type)
	str("FLEET_ADDRESS", &c.Fleet.Address)
	str("STATE_PATH", &c.State.Path)
	str("AUDIT_PATH", &c.Audit.Path)
	str("AUDIT_SQLITE_PATH", &c.Audit.SQLitePath)
	str("ADMIN_ADDR", &c.Admin.Addr)
	str("ADMIN_GRPC_ADDR", &c.Admin.GRPCAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	// 通用名稱，與其他服務共用
	if c.Authority.DSN == "" {
		c.Authority.DSN = os.Getenv("DATABASE_URL")
	}
	str("OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// ============================================================================
// 驗證
// ============================================================================

// Validate 檢查所有設定，一次回報全部問題
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.SyncIntervalSeconds <= 0 {
		add("sync_interval_seconds must be positive")
	}
	if c.MaxRetries < 0 {
		add("max_retries must not be negative")
	}
	if c.Sync.BatchSize < 0 {
		add("sync.batch_size must not be negative")
	}
	if c.Sync.Concurrency < 0 {
		add("sync.concurrency must not be negative")
	}
	if c.Budget.DailyLimit < 0 {
		add("budget.daily_limit must not be negative")
	}
	if c.Budget.AlertThresholdPercent < 0 || c.Budget.AlertThresholdPercent > 100 {
		add("budget.alert_threshold_percent must be within 0..100")
	}
	if c.Budget.SourceUnitCost < 0 || c.Budget.TargetUnitCost < 0 || c.Budget.EstimatedCycleCost < 0 {
		add("budget costs must not be negative")
	}

	switch c.Authority.Type {
	case BackendMemory:
	case BackendPostgres:
		if c.Authority.DSN == "" {
			add("authority.dsn is required for type postgres")
		}
	default:
		add("authority.type %q is not one of memory, postgres", c.Authority.Type)
	}
	switch c.Fleet.Type {
	case BackendMemory:
	case BackendGRPC:
		if c.Fleet.Address == "" {
			add("fleet.address is required for type grpc")
		}
	default:
		add("fleet.type %q is not one of memory, grpc", c.Fleet.Type)
	}

	seen := make(map[string]bool, len(c.HealthChecks))
	for i, hc := range c.HealthChecks {
		if hc.Name == "" {
			add("health_checks[%d]: name is required", i)
		} else if seen[hc.Name] {
			add("health_checks[%d]: duplicate name %q", i, hc.Name)
		}
		seen[hc.Name] = true
		switch hc.Type {
		case health.KindAPIReachability, health.KindDatabaseConnectivity, health.KindWorkerResponsiveness, health.KindGRPCHealth:
		default:
			add("health_checks[%d]: unknown type %q", i, hc.Type)
		}
		if hc.Type == health.KindAPIReachability && hc.Target == "" {
			add("health_checks[%d]: api_reachability requires a target", i)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format %q is not one of json, text", c.Log.Format)
	}

	if len(c.Mappings) == 0 {
		add("mappings: at least one worker mapping is required")
	}
	policies, perr := c.Policies()
	if perr != nil {
		errs = append(errs, perr)
	}
	if reg, err := c.Registry(); err != nil {
		errs = append(errs, err)
	} else if table, err := c.Table(); err != nil {
		errs = append(errs, err)
	} else if err := table.Validate(reg); err != nil {
		errs = append(errs, err)
	} else if perr == nil {
		errs = append(errs, c.validateWriteBack(policies, reg)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// validateWriteBack 非 authority 策略會把 worker 的值寫回權威端的來源欄位，
// 多對一查表無法還原，這種組合在啟動時就拒絕
func (c Config) validateWriteBack(policies conflict.Policies, reg *mapping.Registry) []error {
	var errs []error
	for _, id := range sortedKeys(c.Mappings) {
		inputs := c.Mappings[id].InputMapping
		for _, field := range sortedKeys(inputs) {
			transform := inputs[field].Transform
			if transform == "" || reg.Invertible(transform) {
				continue
			}
			if s := policies.StrategyFor(types.ConflictParameter, field); s != types.StrategyAuthorityWins {
				errs = append(errs, fmt.Errorf("mappings.%s.input_mapping.%s: transform %q is many-to-one and cannot be written back under policy %s",
					id, field, transform, s))
			}
		}
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
