// ============================================================================
// Beaver-Exec CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 基於 Cobra 的命令列介面
//
// 命令結構:
//   beaver-exec                    # 根命令
//   ├── run                        # 啟動執行系統
//   │   └── --jobs                 # 啟動後立即提交的任務 JSON 文件
//   ├── enqueue                    # 透過 gRPC 提交任務
//   │   └── --file, -f             # 任務 JSON 文件
//   ├── status                     # 查看運行中系統的任務統計
//   ├── breakers                   # 列出熔斷器狀態
//   │   └── reset NAME             # 將熔斷器設回 CLOSED
//   ├── wal                        # 離線檢查任務 WAL
//   │   ├── verify [PATH]          # 驗證校驗和與序號
//   │   ├── dump [PATH]            # 輸出事件
//   │   └── repair [PATH]          # 截掉第一個損壞點之後的事件
//   └── --config, -c               # 配置文件（預設 configs/default.yaml）
//
// 任務 JSON 格式:
//   [
//     {
//       "id": "job-1",
//       "processor": "echo",
//       "payload": {"key": "value"},
//       "idempotent_key": "order-42",
//       "timeout_ms": 5000
//     }
//   ]
//
// run 命令:
//   1. 讀取配置並設定日誌等級
//   2. 組裝所有元件（見 app.go）
//   3. 啟動 Controller、Metrics HTTP 伺服器、gRPC 伺服器
//   4. 收到 SIGINT / SIGTERM 後優雅關閉並寫入最後一次快照
//
// status / breakers / enqueue 命令透過 gRPC Inspector 服務連到運行中的系統，
// 位址取自 --addr，未指定時使用配置中的 grpc.addr。
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/beaver-exec/internal/log"
	"github.com/ChuLiYu/beaver-exec/internal/server"
	"github.com/ChuLiYu/beaver-exec/internal/storage/wal"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

const (
	defaultConfigPath = "configs/default.yaml"
	rpcTimeout        = 10 * time.Second
)

// Version 建置時可透過 -ldflags 覆寫
var Version = "0.1.0"

type options struct {
	configFile string
	addr       string
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	o := &options{}
	rootCmd := &cobra.Command{
		Use:   "beaver-exec",
		Short: "Beaver-Exec: a resilient task execution core",
		Long: `Beaver-Exec executes jobs through registered processors with:
- idempotent result caching
- per-processor circuit breakers
- bounded retries with exponential backoff
- snapshot-based recovery
- Prometheus metrics and gRPC health`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&o.configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand(o))
	rootCmd.AddCommand(buildEnqueueCommand(o))
	rootCmd.AddCommand(buildStatusCommand(o))
	rootCmd.AddCommand(buildBreakersCommand(o))
	rootCmd.AddCommand(buildWALCommand(o))

	return rootCmd
}

// resolveConfig 讀取配置；使用預設路徑且文件不存在時回到 DefaultConfig
func (o *options) resolveConfig() (*Config, error) {
	if o.configFile == defaultConfigPath {
		if _, err := os.Stat(o.configFile); os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
	}
	return loadConfig(o.configFile)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(o *options) *cobra.Command {
	var jobsFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Beaver-Exec execution system",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolveConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, jobsFile)
		},
	}
	cmd.Flags().StringVar(&jobsFile, "jobs", "", "JSON file with jobs to enqueue after startup")
	return cmd
}

func runSystem(ctx context.Context, cfg *Config, jobsFile string) error {
	if cfg.Log.Level != "" {
		log.SetLevel(cfg.Log.Level)
	}
	logger := log.L()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	var jobs []types.Job
	if jobsFile != "" {
		reqs, err := readJobFile(jobsFile)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			jobs = append(jobs, r.ToJob())
		}
	}

	if err := a.run(ctx, jobs); err != nil {
		return err
	}
	logger.Info("system stopped")
	return nil
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand(o *options) *cobra.Command {
	var jobFile string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return o.withInspector(cmd, func(ctx context.Context, client *server.InspectorClient) error {
				return enqueueJobs(ctx, client, jobFile, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVar(&o.addr, "addr", "", "gRPC address of a running system (default: grpc.addr from config)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readJobFile(path string) ([]server.JobRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var reqs []server.JobRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return reqs, nil
}

func enqueueJobs(ctx context.Context, client *server.InspectorClient, path string, out io.Writer) error {
	reqs, err := readJobFile(path)
	if err != nil {
		return err
	}

	// structpb 只接受 JSON 相容的值
	raw, err := json.Marshal(reqs)
	if err != nil {
		return err
	}
	var jobs []interface{}
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return err
	}

	resp, err := client.Enqueue(ctx, jobs)
	if err != nil {
		return fmt.Errorf("failed to enqueue jobs: %w", err)
	}
	ids, _ := resp.AsMap()["job_ids"].([]interface{})
	fmt.Fprintf(out, "Successfully enqueued %d jobs\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(out, "  └─ %v\n", id)
	}
	return nil
}

// ============================================================================
// status / breakers
// ============================================================================

func buildStatusCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job status counts of a running system",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withInspector(cmd, func(ctx context.Context, client *server.InspectorClient) error {
				resp, err := client.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to query status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), resp.AsMap())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", "", "gRPC address of a running system (default: grpc.addr from config)")
	return cmd
}

func buildBreakersCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breakers",
		Short: "List circuit breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withInspector(cmd, func(ctx context.Context, client *server.InspectorClient) error {
				resp, err := client.Breakers(ctx)
				if err != nil {
					return fmt.Errorf("failed to query breakers: %w", err)
				}
				list, _ := resp.AsMap()["breakers"].([]interface{})
				printBreakers(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
	cmd.PersistentFlags().StringVar(&o.addr, "addr", "", "gRPC address of a running system (default: grpc.addr from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "reset NAME",
		Short: "Force a circuit breaker back to CLOSED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withInspector(cmd, func(ctx context.Context, client *server.InspectorClient) error {
				if err := client.ResetBreaker(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to reset breaker: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "circuit breaker %s reset\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the job write-ahead log (system must be stopped)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify [PATH]",
		Short: "Verify checksums and sequence of the WAL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := o.walPath(args)
			if err != nil {
				return err
			}
			stats, err := wal.GetWALStats(path)
			if err != nil {
				return err
			}
			if err := wal.ValidateWAL(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s: %d events (seq %d..%d)\n",
				path, stats.TotalEvents, stats.FirstSeq, stats.LastSeq)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dump [PATH]",
		Short: "Print WAL events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := o.walPath(args)
			if err != nil {
				return err
			}
			return wal.DumpWAL(path, cmd.OutOrStdout())
		},
	})

	var out string
	repair := &cobra.Command{
		Use:   "repair [PATH]",
		Short: "Keep only the events before the first corruption",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := o.walPath(args)
			if err != nil {
				return err
			}
			dst := out
			if dst == "" {
				dst = path
			}
			kept, err := wal.RepairWAL(path, dst)
			if err != nil {
				return fmt.Errorf("failed to repair WAL: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kept %d events in %s\n", kept, dst)
			return nil
		},
	}
	repair.Flags().StringVarP(&out, "out", "o", "", "write the repaired log here instead of in place")
	cmd.AddCommand(repair)
	return cmd
}

// walPath 取參數中的路徑，未指定時使用配置中的 wal.path
func (o *options) walPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := o.resolveConfig()
	if err != nil {
		return "", err
	}
	if cfg.WAL.Path == "" {
		return "", fmt.Errorf("wal.path is not configured")
	}
	return cfg.WAL.Path, nil
}

// withInspector 連線到 Inspector 服務後執行 fn
func (o *options) withInspector(cmd *cobra.Command, fn func(context.Context, *server.InspectorClient) error) error {
	addr := o.addr
	if addr == "" {
		cfg, err := o.resolveConfig()
		if err != nil {
			return err
		}
		addr = cfg.GRPC.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, server.NewInspectorClient(conn))
}

func printStatus(out io.Writer, status map[string]interface{}) {
	fmt.Fprintln(out, "📊 Job Statistics:")
	for _, s := range types.AllStatuses() {
		key := strings.ToLower(string(s))
		fmt.Fprintf(out, "  ├─ %-11s %v\n", string(s)+":", number(status[key]))
	}
	fmt.Fprintf(out, "  └─ Workers:    %v\n", number(status["workers"]))
	if uptime, ok := status["uptime"]; ok {
		fmt.Fprintf(out, "⏱  Uptime: %v\n", uptime)
	}
}

func printBreakers(out io.Writer, list []interface{}) {
	if len(list) == 0 {
		fmt.Fprintln(out, "no circuit breakers yet")
		return
	}
	rows := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			rows = append(rows, m)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return fmt.Sprint(rows[i]["name"]) < fmt.Sprint(rows[j]["name"])
	})

	fmt.Fprintf(out, "%-32s %-10s %8s %8s %8s\n", "NAME", "STATE", "CALLS", "FAILED", "RATE")
	for _, r := range rows {
		rate, _ := r["failure_rate"].(float64)
		fmt.Fprintf(out, "%-32v %-10v %8v %8v %7.1f%%\n",
			r["name"], r["state"], number(r["total_calls"]), number(r["failed_calls"]), rate)
	}
}

// number structpb 的數字一律為 float64，整數值以整數輸出
func number(v interface{}) interface{} {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	if v == nil {
		return 0
	}
	return v
}
