package syncpass

import (
	"context"
	"time"
)

// Config 同步階段共用的參數
type Config struct {
	BatchSize      int           // 每次從權威系統抓取的上限，0 表示不限
	Concurrency    int           // 分片 Worker 數量
	CallTimeout    time.Duration // 每個外部呼叫的超時，0 表示不設限
	SourceUnitCost float64       // 每次權威系統呼叫的成本
	TargetUnitCost float64       // 每 1000 單位 worker 用量的成本
}

func (c Config) concurrency() int {
	if c.Concurrency < 1 {
		return 1
	}
	return c.Concurrency
}

// call 為單一外部呼叫建立帶超時的 context
func (c Config) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.CallTimeout)
}
