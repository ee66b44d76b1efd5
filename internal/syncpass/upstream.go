// ============================================================================
// fleetsync UpstreamSync - worker fleet → 權威系統
// ============================================================================
//
// Package: internal/syncpass
// 文件: upstream.go
// 功能: 把 worker 的輸出回寫到權威系統對應的 authority_task_id
//
// 流程:
//   1. ListWorkers 取得 fleet 已註冊的 worker（失敗 → 整個階段失敗）
//   2. 對映射表中的每個 worker 取得快照，沒有快照 → 略過
//   3. 依 output_mapping 投影，全部為 null → 略過
//   4. 輸出指紋與上次相同 → 不重複推送（冪等）
//   5. 逐欄位 PushUpdate，全部成功才更新指紋
//   6. 成本 = usage / 1000 * target_unit_cost，只計入實際推送的 worker
//
// ============================================================================

package syncpass

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/fleetsync/internal/authority"
	"github.com/ChuLiYu/fleetsync/internal/fleet"
	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/internal/worker"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// WorkerResult 一個 worker 的處理結果
type WorkerResult struct {
	WorkerID      string
	TaskID        string             // authority_task_id
	Record        types.WorkerRecord // worker 視圖，供衝突偵測使用
	HasSnapshot   bool
	Unchanged     bool // 輸出指紋未變，沒有推送
	Skipped       bool
	FieldsApplied int
	Usage         float64
	Cost          float64
	Fingerprint   string
	Errors        []error
	Warnings      []error
}

// UpstreamResult 一次 UpstreamSync 的結果
type UpstreamResult struct {
	RecordsSynced int
	Errors        []error
	Warnings      []error
	Cost          float64
	PerWorker     map[string]*WorkerResult
	Fingerprints  map[string]string // 下一個週期使用的指紋
}

// Records 回傳有快照的 worker 記錄，依 worker_id 排序
func (r UpstreamResult) Records() []types.WorkerRecord {
	out := make([]types.WorkerRecord, 0, len(r.PerWorker))
	for _, res := range r.PerWorker {
		if !res.HasSnapshot {
			continue
		}
		out = append(out, res.Record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Upstream worker fleet → 權威系統的同步階段
type Upstream struct {
	authority authority.Client
	fleet     fleet.Client
	table     *mapping.Table
	mapper    *mapping.Mapper
	config    Config
}

// NewUpstream 建立 UpstreamSync
func NewUpstream(auth authority.Client, fl fleet.Client, table *mapping.Table, mapper *mapping.Mapper, config Config) *Upstream {
	return &Upstream{
		authority: auth,
		fleet:     fl,
		table:     table,
		mapper:    mapper,
		config:    config,
	}
}

// Sync 執行一次 UpstreamSync
//
// 參數：
//   - fingerprints: 上一次成功推送的輸出指紋（唯讀，不會被修改）
func (u *Upstream) Sync(ctx context.Context, fingerprints map[string]string) (UpstreamResult, error) {
	result := UpstreamResult{
		PerWorker:    make(map[string]*WorkerResult),
		Fingerprints: make(map[string]string, len(fingerprints)),
	}
	for k, v := range fingerprints {
		result.Fingerprints[k] = v
	}

	callCtx, cancel := u.config.call(ctx)
	registered, err := u.fleet.ListWorkers(callCtx)
	cancel()
	if err != nil {
		return result, fmt.Errorf("upstream: list workers: %w", err)
	}
	known := make(map[string]bool, len(registered))
	for _, id := range registered {
		known[id] = true
	}

	ids := u.table.WorkerIDs()
	results := make([]*WorkerResult, 0, len(ids))
	tasks := make([]worker.Task, 0, len(ids))
	for _, id := range ids {
		wm, _ := u.table.Worker(id)
		res := &WorkerResult{WorkerID: id, TaskID: wm.AuthorityTaskID}
		results = append(results, res)

		if !known[id] {
			res.Skipped = true
			res.Warnings = append(res.Warnings, &FieldError{Phase: PhaseUpstream, WorkerID: id, TaskID: wm.AuthorityTaskID, Err: ErrNotRegistered})
			continue
		}

		prior := fingerprints[id]
		tasks = append(tasks, worker.Task{
			ID:  id,
			Key: id,
			Run: func(ctx context.Context) error {
				u.apply(ctx, wm, prior, res)
				return nil
			},
		})
	}

	for _, r := range worker.RunAll(ctx, u.config.concurrency(), tasks) {
		if r.Error == nil {
			continue
		}
		for _, res := range results {
			if res.WorkerID == r.Key {
				res.Errors = append(res.Errors, &FieldError{Phase: PhaseUpstream, WorkerID: res.WorkerID, TaskID: res.TaskID, Err: r.Error})
			}
		}
	}

	for _, res := range results {
		result.RecordsSynced += res.FieldsApplied
		result.Cost += res.Cost
		result.Errors = append(result.Errors, res.Errors...)
		result.Warnings = append(result.Warnings, res.Warnings...)
		result.PerWorker[res.WorkerID] = res
		if res.Fingerprint != "" {
			result.Fingerprints[res.WorkerID] = res.Fingerprint
		}
	}

	for _, w := range result.Warnings {
		log.Warn("Upstream warning", "error", w)
	}
	for _, e := range result.Errors {
		log.Error("Upstream error", "error", e)
	}
	log.Info("Upstream pass complete",
		"workers", len(tasks),
		"records_synced", result.RecordsSynced,
		"errors", len(result.Errors),
		"cost", result.Cost)

	return result, nil
}

// apply 處理單一 worker：取得快照、投影輸出、推送到權威系統
func (u *Upstream) apply(ctx context.Context, wm mapping.WorkerMapping, prior string, res *WorkerResult) {
	fieldErr := func(field string, err error) *FieldError {
		return &FieldError{Phase: PhaseUpstream, WorkerID: wm.WorkerID, TaskID: wm.AuthorityTaskID, Field: field, Err: err}
	}

	callCtx, cancel := u.config.call(ctx)
	snap, err := u.fleet.GetState(callCtx, wm.WorkerID)
	cancel()
	if err != nil {
		res.Errors = append(res.Errors, fieldErr("", fmt.Errorf("get state: %w", err)))
		return
	}
	if snap == nil {
		res.Skipped = true
		return
	}

	res.HasSnapshot = true
	res.Usage = snap.Usage
	res.Record = types.WorkerRecord{
		WorkerID:   wm.WorkerID,
		TaskID:     wm.AuthorityTaskID,
		Status:     stringAt(snap.Data, keyStatus),
		Priority:   stringAt(snap.Data, keyPriority),
		Parameters: make(map[string]any, len(wm.Inputs)),
		Outputs:    make(map[string]any, len(wm.Outputs)),
		UpdatedAt:  snap.Timestamp,
	}
	for _, fm := range wm.Inputs {
		if v, ok := mapping.GetPath(snap.Data, fm.TargetPath); ok && v != nil {
			res.Record.Parameters[fm.FieldName] = mapping.CloneValue(v)
		}
	}

	// 投影輸出
	for _, fm := range wm.Outputs {
		value, ok, err := u.mapper.Project(fm, snap.Data)
		switch {
		case errors.Is(err, mapping.ErrRequiredMissing):
			res.Warnings = append(res.Warnings, fieldErr(fm.FieldName, err))
		case err != nil:
			res.Errors = append(res.Errors, fieldErr(fm.FieldName, err))
		case ok && value != nil:
			res.Record.Outputs[fm.FieldName] = value
		}
	}
	if len(res.Record.Outputs) == 0 {
		res.Skipped = true
		return
	}

	fp := Fingerprint(res.Record.Outputs)
	if fp != "" && fp == prior {
		res.Unchanged = true
		return
	}

	// 推送，依欄位名稱順序（wm.Outputs 已排序）
	failed := false
	for _, fm := range wm.Outputs {
		value, ok := res.Record.Outputs[fm.FieldName]
		if !ok {
			continue
		}
		callCtx, cancel := u.config.call(ctx)
		err := u.authority.PushUpdate(callCtx, wm.AuthorityTaskID, fm.TargetPath, value)
		cancel()
		if err != nil {
			failed = true
			res.Errors = append(res.Errors, fieldErr(fm.FieldName, err))
			continue
		}
		res.FieldsApplied++
	}

	res.Cost = snap.Usage / 1000 * u.config.TargetUnitCost
	if !failed {
		res.Fingerprint = fp
	}
}
