// Package types 定義了 fleetsync 系統中使用的核心領域模型
package types

import (
	"time"
)

// ============================================================================
// 記錄（兩邊系統對同一工作單元的視圖）
// ============================================================================

// TaskRecord 權威系統對一個工作單元的視圖
type TaskRecord struct {
	TaskID     string         `json:"task_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// WorkerRecord worker 對同一工作單元的視圖，形狀與 TaskRecord 相同
type WorkerRecord struct {
	WorkerID   string         `json:"worker_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ControlDirective 權威系統附帶的帶外控制指令
type ControlDirective struct {
	Stop             bool           `json:"stop,omitempty"`
	StopReason       string         `json:"stop_reason,omitempty"`
	PriorityOverride string         `json:"priority_override,omitempty"`
	ConfigUpdate     map[string]any `json:"config_update,omitempty"`
}

// Empty 是否沒有任何指令
func (d ControlDirective) Empty() bool {
	return !d.Stop && d.PriorityOverride == "" && len(d.ConfigUpdate) == 0
}

// TaskUpdate 權威系統的一筆變更
type TaskUpdate struct {
	TaskID    string         `json:"task_id"`
	UpdatedAt time.Time      `json:"updated_at"`
	Data      map[string]any `json:"data"` // input_mapping 讀取的原始巢狀資料
}

// Watermark DownstreamSync 的抓取游標，依 (updated_at, task_id) 排序
//
// TaskID 為空表示 UpdatedAt 當下（含）以前的變更都已處理；
// 否則只有同一時間戳且 task_id 較大的變更尚未處理。
type Watermark struct {
	UpdatedAt time.Time `json:"updated_at"`
	TaskID    string    `json:"task_id,omitempty"`
}

// Admits 判斷 (at, taskID) 的變更是否在游標之後
func (w Watermark) Admits(at time.Time, taskID string) bool {
	if at.After(w.UpdatedAt) {
		return true
	}
	return w.TaskID != "" && at.Equal(w.UpdatedAt) && taskID > w.TaskID
}

// WorkerSnapshot worker 目前狀態的快照
type WorkerSnapshot struct {
	WorkerID  string         `json:"worker_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Usage     float64        `json:"usage"` // 回報的資源用量（單位由 worker 決定）
	Data      map[string]any `json:"data"`  // output_mapping 讀取的原始巢狀資料
}

// ============================================================================
// 欄位映射
// ============================================================================

// FieldMapping 映射表中的一筆規則，載入後不可變
type FieldMapping struct {
	FieldName  string `json:"field_name"`
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
	ValueType  string `json:"value_type,omitempty"`
	Default    any    `json:"default,omitempty"`
	HasDefault bool   `json:"has_default,omitempty"`
	Required   bool   `json:"required,omitempty"`
	Transform  string `json:"transform,omitempty"`
}

// ============================================================================
// 衝突
// ============================================================================

// ConflictType 衝突欄位的類別
type ConflictType string

const (
	ConflictStatus    ConflictType = "status"
	ConflictParameter ConflictType = "parameter"
	ConflictOutput    ConflictType = "output"
	ConflictPriority  ConflictType = "priority"
)

// ResolutionStrategy 衝突解決策略
type ResolutionStrategy string

const (
	StrategyAuthorityWins ResolutionStrategy = "authority_wins"
	StrategyWorkerWins    ResolutionStrategy = "worker_wins"
	StrategyMerge         ResolutionStrategy = "merge"
	StrategyLatest        ResolutionStrategy = "latest"
)

// Conflict 一次被偵測、記錄並決定性解決的分歧；寫入稽核後不可再修改
type Conflict struct {
	ConflictID         string             `json:"conflict_id"`
	ConflictType       ConflictType       `json:"conflict_type"`
	WorkerID           string             `json:"worker_id"`
	TaskID             string             `json:"task_id"`
	FieldName          string             `json:"field_name"`
	AuthorityValue     any                `json:"authority_value"`
	WorkerValue        any                `json:"worker_value"`
	ResolutionStrategy ResolutionStrategy `json:"resolution_strategy"`
	ResolvedValue      any                `json:"resolved_value"`
	Timestamp          time.Time          `json:"timestamp"`
	Diff               string             `json:"diff"`
	Cycle              int64              `json:"cycle"`
}

// ============================================================================
// 健康檢查
// ============================================================================

// HealthStatus 健康狀態
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// HealthCheckResult 單一檢查的結果
type HealthCheckResult struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"` // 註冊時從設定複製
	Latency   time.Duration `json:"latency"`
}

// ============================================================================
// 成本與指標
// ============================================================================

// CostEntry 一個週期提交的成本
type CostEntry struct {
	Timestamp            time.Time `json:"timestamp"`
	SourceCost           float64   `json:"source_cost"`
	TargetCost           float64   `json:"target_cost"`
	TotalCost            float64   `json:"total_cost"`
	CumulativeCostForDay float64   `json:"cumulative_cost_for_day"`
}

// MetricType 指標種類
type MetricType string

const (
	MetricSyncLatency  MetricType = "sync_latency"
	MetricSuccessRate  MetricType = "success_rate"
	MetricConflictRate MetricType = "conflict_rate"
	MetricErrorRate    MetricType = "error_rate"
	MetricCost         MetricType = "cost"
	MetricRecords      MetricType = "records_synced"
)

// MetricSample 一筆指標樣本
type MetricSample struct {
	Timestamp  time.Time  `json:"timestamp"`
	MetricType MetricType `json:"metric_type"`
	Value      float64    `json:"value"`
	WorkerID   string     `json:"worker_id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
}

// ============================================================================
// 協調器狀態
// ============================================================================

// OrchestratorStatus 協調器狀態機的狀態
type OrchestratorStatus string

const (
	StatusInitializing OrchestratorStatus = "initializing"
	StatusRunning      OrchestratorStatus = "running"
	StatusPaused       OrchestratorStatus = "paused"
	StatusError        OrchestratorStatus = "error"
	StatusStopped      OrchestratorStatus = "stopped"
)

// CycleSummary 每個週期的摘要（同時寫入稽核）
type CycleSummary struct {
	CycleNumber   int64         `json:"cycle_number"`
	RunID         string        `json:"run_id"`
	RecordsSynced int           `json:"records_synced"`
	Conflicts     int           `json:"conflicts_count"`
	Errors        int           `json:"errors_count"`
	Cost          float64       `json:"cost"`
	HealthStatus  HealthStatus  `json:"health_status"`
	Duration      time.Duration `json:"duration"`
	SkippedReason string        `json:"skipped_reason,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}

// OrchestratorState 協調器擁有的唯一狀態，每個週期後持久化
type OrchestratorState struct {
	LastSyncTime      time.Time          `json:"last_sync_time"`
	SyncCount         int64              `json:"sync_count"`
	ConflictsResolved int64              `json:"conflicts_resolved"`
	ErrorsCount       int64              `json:"errors_count"`
	CostAccumulated   float64            `json:"cost_accumulated"`
	Status            OrchestratorStatus `json:"status"`
	HealthStatus      HealthStatus       `json:"health_status"`

	// 熱重啟需要的額外欄位
	ConsecutiveErrors    int               `json:"consecutive_errors"`
	DownstreamWatermark  time.Time         `json:"downstream_watermark"`
	DownstreamCursorTask string            `json:"downstream_cursor_task,omitempty"` // 批次抓滿時的 task_id 游標
	PausedUntil          time.Time         `json:"paused_until,omitempty"`
	PauseReason          string            `json:"pause_reason,omitempty"`
	BudgetDay            string            `json:"budget_day,omitempty"`
	BudgetCumulative     float64           `json:"budget_cumulative"`
	UpstreamFingerprints map[string]string `json:"upstream_fingerprints,omitempty"`
	LastCycle            *CycleSummary     `json:"last_cycle,omitempty"`
}

// Clone 深拷貝，供讀者取得不受迴圈影響的快照
func (s OrchestratorState) Clone() OrchestratorState {
	out := s
	if s.UpstreamFingerprints != nil {
		out.UpstreamFingerprints = make(map[string]string, len(s.UpstreamFingerprints))
		for k, v := range s.UpstreamFingerprints {
			out.UpstreamFingerprints[k] = v
		}
	}
	if s.LastCycle != nil {
		lc := *s.LastCycle
		out.LastCycle = &lc
	}
	return out
}

// SnapshotData 持久化到磁碟的狀態檔格式
type SnapshotData struct {
	State     OrchestratorState `json:"state"`
	SchemaVer int               `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	SavedAt   time.Time         `json:"saved_at"`
}
