// ============================================================================
// fleetsync DownstreamSync - 權威系統 → worker fleet
// ============================================================================
//
// Package: internal/syncpass
// 文件: downstream.go
// 功能: 把權威系統的決策（參數、控制指令）推送到對應的 worker
//
// 流程:
//   1. 記錄抓取時間 fetchedAt（抓取之前）
//   2. FetchUpdates(watermark, batch_size)
//   3. 每筆更新透過映射表找到 worker，找不到 → 警告並略過
//   4. 依 input_mapping 投影每個欄位並 SetField 到 worker
//   5. 套用控制指令 stop / priority_override / config_update
//   6. 下一個水位線：批次未抓滿 → fetchedAt；
//      抓滿 → 最後一筆的 (updated_at, task_id)，剩餘的變更留給下個週期
//
// 並發:
//   以 worker_id 為分片鍵送進 worker.RunAll，同一個 worker 的更新依序處理，
//   不同 worker 之間最多 Concurrency 個並發。
//
// ============================================================================

package syncpass

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/fleetsync/internal/authority"
	"github.com/ChuLiYu/fleetsync/internal/fleet"
	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/internal/worker"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// TaskResult 一筆權威更新的處理結果
type TaskResult struct {
	TaskID        string
	WorkerID      string
	Record        types.TaskRecord       // 權威系統視圖，供衝突偵測使用
	Control       types.ControlDirective // 已解析的控制指令
	FieldsApplied int
	Skipped       bool
	Errors        []error
	Warnings      []error
}

// DownstreamResult 一次 DownstreamSync 的結果
type DownstreamResult struct {
	RecordsSynced int
	Errors        []error
	Warnings      []error
	Cost          float64
	PerTask       map[string]*TaskResult
	FetchedAt     time.Time       // 抓取開始時間
	Next          types.Watermark // 抓取成功後的下一個水位線
	Calls         int       // 權威系統呼叫次數
}

// Downstream 權威系統 → worker fleet 的同步階段
type Downstream struct {
	authority authority.Client
	fleet     fleet.Client
	table     *mapping.Table
	mapper    *mapping.Mapper
	config    Config
	now       func() time.Time
}

// NewDownstream 建立 DownstreamSync
func NewDownstream(auth authority.Client, fl fleet.Client, table *mapping.Table, mapper *mapping.Mapper, config Config) *Downstream {
	return &Downstream{
		authority: auth,
		fleet:     fl,
		table:     table,
		mapper:    mapper,
		config:    config,
		now:       time.Now,
	}
}

// SetClock 替換時鐘（測試用）
func (d *Downstream) SetClock(now func() time.Time) {
	d.now = now
}

// Sync 執行一次 DownstreamSync
//
// 只有抓取本身失敗時才回傳錯誤；欄位與記錄層級的失敗收集在結果中。
func (d *Downstream) Sync(ctx context.Context, since types.Watermark) (DownstreamResult, error) {
	result := DownstreamResult{
		PerTask:   make(map[string]*TaskResult),
		FetchedAt: d.now().UTC(),
	}

	callCtx, cancel := d.config.call(ctx)
	updates, err := d.authority.FetchUpdates(callCtx, since, d.config.BatchSize)
	cancel()
	result.Calls = 1
	result.Cost = float64(result.Calls) * d.config.SourceUnitCost
	if err != nil {
		return result, fmt.Errorf("downstream: fetch updates since %s: %w", since.UpdatedAt.Format(time.RFC3339Nano), err)
	}
	result.Next = nextWatermark(result.FetchedAt, updates, d.config.BatchSize)

	results := make([]*TaskResult, len(updates))
	tasks := make([]worker.Task, 0, len(updates))
	for i, update := range updates {
		res := &TaskResult{TaskID: update.TaskID}
		results[i] = res

		workerID, ok := d.table.WorkerForTask(update.TaskID)
		if !ok {
			res.Skipped = true
			res.Warnings = append(res.Warnings, &FieldError{Phase: PhaseDownstream, TaskID: update.TaskID, Err: ErrNoMapping})
			continue
		}
		res.WorkerID = workerID

		update := update
		tasks = append(tasks, worker.Task{
			ID:  update.TaskID,
			Key: workerID,
			Run: func(ctx context.Context) error {
				d.apply(ctx, update, res)
				return nil
			},
		})
	}

	for _, r := range worker.RunAll(ctx, d.config.concurrency(), tasks) {
		if r.Error != nil {
			// panics and cancellation surface here
			res := findTask(results, r.ID, r.Key)
			fe := &FieldError{Phase: PhaseDownstream, WorkerID: r.Key, TaskID: r.ID, Err: r.Error}
			if res != nil {
				res.Errors = append(res.Errors, fe)
			} else {
				result.Errors = append(result.Errors, fe)
			}
		}
	}

	for _, res := range results {
		result.RecordsSynced += res.FieldsApplied
		result.Errors = append(result.Errors, res.Errors...)
		result.Warnings = append(result.Warnings, res.Warnings...)
		result.PerTask[res.TaskID] = res
	}

	for _, w := range result.Warnings {
		log.Warn("Downstream warning", "error", w)
	}
	for _, e := range result.Errors {
		log.Error("Downstream error", "error", e)
	}
	log.Info("Downstream pass complete",
		"updates", len(updates),
		"records_synced", result.RecordsSynced,
		"errors", len(result.Errors),
		"warnings", len(result.Warnings))

	return result, nil
}

func findTask(results []*TaskResult, taskID, workerID string) *TaskResult {
	for _, r := range results {
		if r.TaskID == taskID && r.WorkerID == workerID {
			return r
		}
	}
	return nil
}

// apply 處理單筆更新：投影輸入欄位、套用控制指令、建立權威視圖
func (d *Downstream) apply(ctx context.Context, update types.TaskUpdate, res *TaskResult) {
	wm, _ := d.table.Worker(res.WorkerID)
	fieldErr := func(field string, err error) *FieldError {
		return &FieldError{Phase: PhaseDownstream, WorkerID: res.WorkerID, TaskID: update.TaskID, Field: field, Err: err}
	}

	res.Record = types.TaskRecord{
		TaskID:     update.TaskID,
		WorkerID:   res.WorkerID,
		Status:     stringAt(update.Data, keyStatus),
		Priority:   stringAt(update.Data, keyPriority),
		Parameters: make(map[string]any, len(wm.Inputs)),
		Outputs:    make(map[string]any, len(wm.Outputs)),
		UpdatedAt:  update.UpdatedAt,
	}

	// 1. 輸入欄位
	for _, fm := range wm.Inputs {
		value, ok, err := d.mapper.Project(fm, update.Data)
		switch {
		case errors.Is(err, mapping.ErrRequiredMissing):
			res.Warnings = append(res.Warnings, fieldErr(fm.FieldName, err))
			continue
		case err != nil:
			res.Errors = append(res.Errors, fieldErr(fm.FieldName, err))
			continue
		case !ok:
			continue
		}
		res.Record.Parameters[fm.FieldName] = value

		callCtx, cancel := d.config.call(ctx)
		err = d.fleet.SetField(callCtx, res.WorkerID, fm.TargetPath, value)
		cancel()
		if err != nil {
			res.Errors = append(res.Errors, fieldErr(fm.FieldName, err))
			continue
		}
		res.FieldsApplied++
	}

	// 2. 權威端的輸出值（output_mapping 的 target 位於權威資料中）
	for _, fm := range wm.Outputs {
		if v, ok := mapping.GetPath(update.Data, fm.TargetPath); ok && v != nil {
			res.Record.Outputs[fm.FieldName] = v
		}
	}

	// 3. 控制指令
	control, err := parseControl(update.Data)
	if err != nil {
		res.Errors = append(res.Errors, fieldErr(keyControl, err))
		return
	}
	res.Control = control
	if control.PriorityOverride != "" {
		res.Record.Priority = control.PriorityOverride
	}
	d.applyControl(ctx, res, control, fieldErr)
}

func (d *Downstream) applyControl(ctx context.Context, res *TaskResult, control types.ControlDirective, fieldErr func(string, error) *FieldError) {
	do := func(field string, fn func(ctx context.Context) error) {
		callCtx, cancel := d.config.call(ctx)
		defer cancel()
		if err := fn(callCtx); err != nil {
			res.Errors = append(res.Errors, fieldErr(field, err))
			return
		}
		res.FieldsApplied++
		log.Info("Control directive applied", "worker_id", res.WorkerID, "task_id", res.TaskID, "directive", field)
	}

	if control.Stop {
		do("control.stop", func(ctx context.Context) error {
			return d.fleet.Stop(ctx, res.WorkerID, control.StopReason)
		})
	}
	if control.PriorityOverride != "" {
		do("control.priority_override", func(ctx context.Context) error {
			return d.fleet.SetPriority(ctx, res.WorkerID, control.PriorityOverride)
		})
	}
	if len(control.ConfigUpdate) > 0 {
		do("control.config_update", func(ctx context.Context) error {
			return d.fleet.UpdateConfig(ctx, res.WorkerID, control.ConfigUpdate)
		})
	}
}

// Records 回傳可供衝突偵測的權威記錄，依 task_id 排序
func (r DownstreamResult) Records() []types.TaskRecord {
	out := make([]types.TaskRecord, 0, len(r.PerTask))
	for _, res := range r.PerTask {
		if res.Skipped || res.Record.TaskID == "" {
			continue
		}
		out = append(out, res.Record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// nextWatermark 批次抓滿時停在最後一筆，避免 limit 之外的變更被跳過
func nextWatermark(fetchedAt time.Time, updates []types.TaskUpdate, batchSize int) types.Watermark {
	if n := len(updates); batchSize > 0 && n >= batchSize {
		last := updates[n-1]
		return types.Watermark{UpdatedAt: last.UpdatedAt.UTC(), TaskID: last.TaskID}
	}
	return types.Watermark{UpdatedAt: fetchedAt}
}
