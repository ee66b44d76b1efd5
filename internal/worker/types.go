package worker

import (
	"context"
	"time"
)

// Task 代表要執行的一個單位工作
type Task struct {
	ID      string                          // 任務識別碼（通常為 task_id 或 worker_id）
	Key     string                          // 分片鍵：相同 Key 的任務由同一個 Worker 依序執行
	Timeout time.Duration                   // 執行超時時間，0 表示不設限
	Run     func(ctx context.Context) error // 實際執行的邏輯
}

// Result 代表任務執行結果
type Result struct {
	ID       string        // 任務 ID
	Key      string        // 分片鍵
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
