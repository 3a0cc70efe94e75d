package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 所有邏輯都在 internal/cli，main 只負責退出碼。
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-exec/internal/cli"
	"github.com/ChuLiYu/beaver-exec/internal/log"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	err := cli.BuildCLI().Execute()
	_ = log.L().Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
