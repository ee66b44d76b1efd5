// ============================================================================
// fleetsync Worker Pool - 分片並發執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以固定數量的 Worker 處理一個同步階段內的記錄
//
// 設計模式:
//   Worker Pool + 分片（sharding）：
//   1. 每個 Worker 擁有自己的任務佇列
//   2. Submit 依 Task.Key 的雜湊選擇佇列
//   3. 相同 Key（同一個 worker_id）永遠落在同一個 Worker，依序執行
//   4. 不同 Key 之間並發，併發度上限為 Worker 數量
//
// 架構組件:
//   ┌─────────────┐
//   │  syncpass   │ --Submit(key)--> shard[hash(key) % n]
//   └─────────────┘
//         ↑
//    ReceiveResult()
//         ↑
//   ┌──────────────────────────┐
//   │   Pool                   │
//   │  shard 0 → Worker 0 ──┐  │
//   │  shard 1 → Worker 1 ──┼──→ resultCh
//   │  shard 2 → Worker 2 ──┘  │
//   └──────────────────────────┘
//
// 生命週期:
//   1. NewPool(bufferSize)
//   2. Start(ctx, n) - 啟動 n 個 Worker，ctx 為所有任務的父 context
//   3. Submit(task)
//   4. ReceiveResult()
//   5. Stop() - 關閉佇列，等待所有 Worker 完成
//
// 並發控制:
//   - Submit 在發送期間持有讀鎖，Stop 取得寫鎖後才關閉佇列，
//     因此不會向已關閉的 channel 發送
//   - 佇列滿時 Submit 阻塞，直到對應 Worker 取走任務
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool 代表分片 Worker 池
type Pool struct {
	bufferSize int
	shards     []chan Task
	resultCh   chan Result
	wg         sync.WaitGroup
	started    bool
	stopped    bool
	mu         sync.RWMutex
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - bufferSize: 每個分片佇列與結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Pool{
		bufferSize: bufferSize,
		resultCh:   make(chan Result, bufferSize),
	}
}

// Start 啟動指定數量的 Worker
//
// 參數：
//   - ctx: 所有任務的父 context
//   - workerCount: Worker（分片）數量，至少為 1
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		shard := make(chan Task, p.bufferSize)
		w := newWorker(ctx, i, shard, p.resultCh)
		p.shards = append(p.shards, shard)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到對應分片
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.shards[p.shardFor(task.Key)] <- task
	return nil
}

func (p *Pool) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉所有分片佇列，Worker 處理完剩餘任務後退出
//  3. 等待所有 Worker 完成
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, shard := range p.shards {
		close(shard)
	}
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// RunAll 以一個臨時 Pool 執行所有任務並收集結果
//
// 結果依提交順序排列。相同 Key 的任務依序執行，不同 Key 最多 workerCount 個並發。
func RunAll(ctx context.Context, workerCount int, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	pool := NewPool(len(tasks))
	if err := pool.Start(ctx, workerCount); err != nil {
		panic(err) // fresh pool, cannot already be started
	}

	for i, task := range tasks {
		task.ID = strconv.Itoa(i)
		// buffers hold every task, so Submit never blocks here
		_ = pool.Submit(task)
	}

	results := make([]Result, len(tasks))
	for range tasks {
		r, err := pool.ReceiveResult()
		if err != nil {
			break
		}
		i, _ := strconv.Atoi(r.ID)
		r.ID = tasks[i].ID
		results[i] = r
	}
	pool.Stop()
	return results
}
