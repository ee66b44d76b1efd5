// ============================================================================
// fleetsync ConflictResolver - 衝突偵測與決定性解決
// ============================================================================
//
// Package: internal/conflict
// 文件: resolver.go
// 功能: 比較同一 (worker_id, task_id) 在兩個同步階段得到的視圖，
//       對每個分歧欄位產生一筆 Conflict、寫入稽核，再回寫解決值
//
// 比較順序（決定性）:
//   status → parameters（依 key 排序）→ outputs（依 key 排序）→ priority
//
// 解決策略:
//   - status / priority: 永遠 authority_wins，設定無法覆蓋
//   - parameter / output: 欄位策略 → 類別策略 → default → authority_wins
//   - merge: 只支援 map，淺層合併，權威系統的 key 優先
//   - latest: 比較 updated_at 與快照時間，相同時權威系統勝
//   - 策略失敗（例如 merge 非 map）→ 記錄錯誤並退回 authority_wins
//   - 參數的原始值在權威端、輸出的原始值在 worker 端，有 transform 時
//     回寫前先還原；參數無法還原 → 記錄錯誤並退回 authority_wins
//
// 不變量:
//   1. 先寫稽核，成功後才回寫；稽核失敗則兩邊都不修改
//   2. 每個 (worker_id, task_id, field_name, cycle) 只產生一筆 Conflict
//   3. 只回寫與解決值不同的一側
//
// ============================================================================

package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetsync/internal/audit"
	"github.com/ChuLiYu/fleetsync/internal/authority"
	"github.com/ChuLiYu/fleetsync/internal/fleet"
	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

var log = slog.Default()

// Resolver 衝突解決器
type Resolver struct {
	policies    Policies
	table       *mapping.Table
	transforms  *mapping.Registry
	authority   authority.Client
	fleet       fleet.Client
	sink        audit.Sink
	callTimeout time.Duration
	now         func() time.Time

	mu    sync.Mutex
	cycle int64
	seen  map[string]struct{}
}

// Option 設定 Resolver 的選項
type Option func(*Resolver)

// WithClock 替換時鐘
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithCallTimeout 為每次回寫設定超時
func WithCallTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.callTimeout = d }
}

// WithTransforms 設定還原 transform 用的 registry（預設只有內建 transform）
func WithTransforms(reg *mapping.Registry) Option {
	return func(r *Resolver) { r.transforms = reg }
}

// NewResolver 建立衝突解決器
func NewResolver(policies Policies, table *mapping.Table, auth authority.Client, fl fleet.Client, sink audit.Sink, opts ...Option) *Resolver {
	r := &Resolver{
		policies:  policies,
		table:     table,
		authority: auth,
		fleet:     fl,
		sink:      sink,
		now:       time.Now,
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.transforms == nil {
		r.transforms, _ = mapping.NewRegistry(nil)
	}
	return r
}

// candidate 一個待解決的分歧欄位
type candidate struct {
	conflictType   types.ConflictType
	key            string // parameters / outputs 的欄位名稱
	fieldName      string // 稽核中的完整欄位名稱
	authorityValue any
	workerValue    any
}

// Resolve 偵測並解決一個週期內的所有衝突
//
// 回傳已寫入稽核的衝突，以及過程中的非致命錯誤（策略退回、稽核失敗、回寫失敗）。
func (r *Resolver) Resolve(ctx context.Context, cycle int64, authorityRecs []types.TaskRecord, workerRecs []types.WorkerRecord) ([]types.Conflict, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cycle != r.cycle {
		r.cycle = cycle
		r.seen = make(map[string]struct{})
	}

	workers := make(map[string]types.WorkerRecord, len(workerRecs))
	for _, w := range workerRecs {
		workers[pairKey(w.WorkerID, w.TaskID)] = w
	}

	sorted := append([]types.TaskRecord(nil), authorityRecs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TaskID < sorted[j].TaskID })

	var (
		conflicts []types.Conflict
		errs      []error
	)
	for _, a := range sorted {
		w, ok := workers[pairKey(a.WorkerID, a.TaskID)]
		if !ok {
			continue
		}
		for _, c := range detect(a, w) {
			key := pairKey(a.WorkerID, a.TaskID) + "\x00" + c.fieldName
			if _, dup := r.seen[key]; dup {
				continue
			}
			conflict, cerrs := r.resolveOne(ctx, cycle, a, w, c)
			errs = append(errs, cerrs...)
			if conflict == nil {
				continue
			}
			r.seen[key] = struct{}{}
			conflicts = append(conflicts, *conflict)
		}
	}

	if len(conflicts) > 0 || len(errs) > 0 {
		log.Info("Conflict resolution complete", "cycle", cycle, "conflicts", len(conflicts), "errors", len(errs))
	}
	return conflicts, errs
}

func pairKey(workerID, taskID string) string {
	return workerID + "\x00" + taskID
}

// detect 依固定順序列出分歧欄位；任一側缺少的欄位不視為分歧
func detect(a types.TaskRecord, w types.WorkerRecord) []candidate {
	var out []candidate

	if a.Status != "" && w.Status != "" && a.Status != w.Status {
		out = append(out, candidate{types.ConflictStatus, "", "status", a.Status, w.Status})
	}
	for _, k := range sharedKeys(a.Parameters, w.Parameters) {
		if !Equal(a.Parameters[k], w.Parameters[k]) {
			out = append(out, candidate{types.ConflictParameter, k, "parameters." + k, a.Parameters[k], w.Parameters[k]})
		}
	}
	for _, k := range sharedKeys(a.Outputs, w.Outputs) {
		if !Equal(a.Outputs[k], w.Outputs[k]) {
			out = append(out, candidate{types.ConflictOutput, k, "outputs." + k, a.Outputs[k], w.Outputs[k]})
		}
	}
	if a.Priority != "" && w.Priority != "" && a.Priority != w.Priority {
		out = append(out, candidate{types.ConflictPriority, "", "priority", a.Priority, w.Priority})
	}
	return out
}

func sharedKeys(a, b map[string]any) []string {
	var keys []string
	for k, v := range a {
		if bv, ok := b[k]; ok && v != nil && bv != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// resolveOne 決定解決值、寫入稽核、回寫
func (r *Resolver) resolveOne(ctx context.Context, cycle int64, a types.TaskRecord, w types.WorkerRecord, c candidate) (*types.Conflict, []error) {
	var errs []error

	strategy := r.policies.StrategyFor(c.conflictType, c.key)
	resolved, err := applyStrategy(strategy, c, a.UpdatedAt, w.UpdatedAt)
	if err != nil {
		log.Error("Resolution strategy failed, falling back to authority_wins",
			"worker_id", a.WorkerID, "task_id", a.TaskID, "field", c.fieldName, "strategy", strategy, "error", err)
		errs = append(errs, fmt.Errorf("conflict: %s/%s %s: %w", a.WorkerID, a.TaskID, c.fieldName, err))
		strategy = types.StrategyAuthorityWins
		resolved = c.authorityValue
	}

	authorityWrite := resolved
	if c.conflictType == types.ConflictParameter && !Equal(resolved, c.authorityValue) {
		raw, err := r.rawValue(a.WorkerID, c, resolved)
		if err != nil {
			log.Error("Resolved parameter has no authority-side form, falling back to authority_wins",
				"worker_id", a.WorkerID, "task_id", a.TaskID, "field", c.fieldName, "strategy", strategy, "error", err)
			errs = append(errs, fmt.Errorf("conflict: %s/%s %s: %w", a.WorkerID, a.TaskID, c.fieldName, err))
			strategy = types.StrategyAuthorityWins
			resolved = c.authorityValue
		} else {
			authorityWrite = raw
		}
	}

	ts := r.now().UTC()
	conflict := &types.Conflict{
		ConflictID:         conflictID(a.WorkerID, a.TaskID, c.fieldName, ts),
		ConflictType:       c.conflictType,
		WorkerID:           a.WorkerID,
		TaskID:             a.TaskID,
		FieldName:          c.fieldName,
		AuthorityValue:     c.authorityValue,
		WorkerValue:        c.workerValue,
		ResolutionStrategy: strategy,
		ResolvedValue:      resolved,
		Timestamp:          ts,
		Diff:               renderDiff(c.fieldName, c.authorityValue, c.workerValue),
		Cycle:              cycle,
	}

	// 先寫稽核
	if err := r.sink.Append(ctx, audit.Entry{Kind: audit.KindConflict, Cycle: cycle, Payload: conflict}); err != nil {
		log.Error("Conflict audit failed, resolution not applied",
			"worker_id", a.WorkerID, "task_id", a.TaskID, "field", c.fieldName, "error", err)
		return nil, append(errs, fmt.Errorf("conflict: audit %s/%s %s: %w", a.WorkerID, a.TaskID, c.fieldName, err))
	}

	log.Info("Conflict resolved",
		"conflict_id", conflict.ConflictID,
		"type", c.conflictType,
		"worker_id", a.WorkerID,
		"task_id", a.TaskID,
		"field", c.fieldName,
		"strategy", strategy)

	// 再回寫
	if !Equal(resolved, c.workerValue) {
		if err := r.writeWorker(ctx, a.WorkerID, c, resolved); err != nil {
			errs = append(errs, fmt.Errorf("conflict: apply to worker %s %s: %w", a.WorkerID, c.fieldName, err))
		}
	}
	// upstream may already have pushed the worker's output this cycle, so the
	// authority copy of an output is rewritten whenever it differs from either side
	authorityStale := !Equal(resolved, c.authorityValue) ||
		(c.conflictType == types.ConflictOutput && !Equal(resolved, c.workerValue))
	if authorityStale {
		if err := r.writeAuthority(ctx, a.WorkerID, a.TaskID, c, authorityWrite); err != nil {
			errs = append(errs, fmt.Errorf("conflict: apply to authority %s %s: %w", a.TaskID, c.fieldName, err))
		}
	}
	return conflict, errs
}

func applyStrategy(strategy types.ResolutionStrategy, c candidate, authorityTime, workerTime time.Time) (any, error) {
	switch strategy {
	case types.StrategyAuthorityWins:
		return c.authorityValue, nil
	case types.StrategyWorkerWins:
		return c.workerValue, nil
	case types.StrategyMerge:
		return merge(c.authorityValue, c.workerValue)
	case types.StrategyLatest:
		if workerTime.After(authorityTime) {
			return c.workerValue, nil
		}
		return c.authorityValue, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", strategy)
}

func (r *Resolver) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.callTimeout)
}

func (r *Resolver) fieldMapping(workerID string, c candidate) (types.FieldMapping, error) {
	wm, ok := r.table.Worker(workerID)
	if !ok {
		return types.FieldMapping{}, fmt.Errorf("no mapping for worker %s", workerID)
	}
	list := wm.Inputs
	if c.conflictType == types.ConflictOutput {
		list = wm.Outputs
	}
	for _, fm := range list {
		if fm.FieldName == c.key {
			return fm, nil
		}
	}
	return types.FieldMapping{}, fmt.Errorf("no %s mapping for field %s", c.conflictType, c.key)
}

// writeWorker 把解決值寫回 worker
func (r *Resolver) writeWorker(ctx context.Context, workerID string, c candidate, value any) error {
	ctx, cancel := r.call(ctx)
	defer cancel()

	switch c.conflictType {
	case types.ConflictStatus:
		return r.fleet.SetField(ctx, workerID, "status", value)
	case types.ConflictPriority:
		return r.fleet.SetPriority(ctx, workerID, fmt.Sprint(value))
	}
	fm, err := r.fieldMapping(workerID, c)
	if err != nil {
		return err
	}
	// 參數在 worker 端位於 target；輸出在 worker 端位於 source
	path := fm.TargetPath
	if c.conflictType == types.ConflictOutput {
		path = fm.SourcePath
		if value, err = r.rawValue(workerID, c, value); err != nil {
			return err
		}
	}
	return r.fleet.SetField(ctx, workerID, path, value)
}

// rawValue 把解決值還原為 transform 之前的原始值
func (r *Resolver) rawValue(workerID string, c candidate, value any) (any, error) {
	fm, err := r.fieldMapping(workerID, c)
	if err != nil {
		return nil, err
	}
	if fm.Transform == "" {
		return value, nil
	}
	return r.transforms.Invert(fm.Transform, value)
}

// writeAuthority 把解決值寫回權威系統
func (r *Resolver) writeAuthority(ctx context.Context, workerID, taskID string, c candidate, value any) error {
	ctx, cancel := r.call(ctx)
	defer cancel()

	switch c.conflictType {
	case types.ConflictStatus:
		return r.authority.PushUpdate(ctx, taskID, "status", value)
	case types.ConflictPriority:
		return r.authority.PushUpdate(ctx, taskID, "priority", value)
	}
	fm, err := r.fieldMapping(workerID, c)
	if err != nil {
		return err
	}
	path := fm.SourcePath
	if c.conflictType == types.ConflictOutput {
		path = fm.TargetPath
	}
	return r.authority.PushUpdate(ctx, taskID, path, value)
}
