package worker

import (
	"time"

	"github.com/ChuLiYu/beaver-exec/internal/executor"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// Task 代表要執行的任務
type Task struct {
	executor.Task               // 交給 Dispatcher 的執行請求
	Timeout       time.Duration // 執行超時時間，0 表示不設超時
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID      // 任務 ID
	WorkerID int              // 執行的 Worker
	Result   types.TaskResult // 執行結果
}
