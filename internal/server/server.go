// ============================================================================
// Beaver-Exec gRPC 伺服器 - 健康檢查與執行層檢視
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 在單一 gRPC 伺服器上提供
//   - grpc.health.v1.Health: 整體狀態（服務名 ""）以及每個熔斷器的狀態
//     （服務名為熔斷器名稱，OPEN 為 NOT_SERVING，其餘為 SERVING）
//   - beaver.exec.v1.Inspector: 任務統計、熔斷器快照、重置熔斷器、提交任務
//   - gRPC reflection
//
// 熔斷器狀態透過 BreakerListener() 註冊為 breaker.StateListener 同步更新。
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-exec/internal/breaker"
	"github.com/ChuLiYu/beaver-exec/internal/jobmanager"
	"github.com/ChuLiYu/beaver-exec/internal/log"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// JobController 伺服器需要的 Controller 能力
type JobController interface {
	GetStatus() map[string]interface{}
	EnqueueJobs(jobs []types.Job) error
}

// JobRequest 提交任務的 JSON 格式
type JobRequest struct {
	ID            string                 `json:"id"`
	Processor     string                 `json:"processor"`
	Version       string                 `json:"version"`
	Payload       map[string]interface{} `json:"payload"`
	IdempotentKey string                 `json:"idempotent_key"`
	TimeoutMs     int64                  `json:"timeout_ms"`
	Paused        bool                   `json:"paused"`
}

// ToJob 轉換為 types.Job，ID 為空時產生 UUID
func (r JobRequest) ToJob() types.Job {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	job := types.Job{
		ID:        types.JobID(id),
		Processor: r.Processor,
		Version:   r.Version,
		Payload:   r.Payload,
		IdemKey:   r.IdempotentKey,
		Timeout:   time.Duration(r.TimeoutMs) * time.Millisecond,
	}
	if r.Paused {
		job.Status = types.StatusPaused
	}
	return job
}

// Server gRPC 伺服器
type Server struct {
	breakers   *breaker.Service
	controller JobController
	health     *health.Server
	grpc       *grpc.Server
	logger     *zap.Logger
}

var _ InspectorServer = (*Server)(nil)

// Option Server 選項
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer 建立伺服器並註冊所有服務；ctrl 可為 nil（Status 與 Enqueue 回傳 Unavailable）
func NewServer(svc *breaker.Service, ctrl JobController, opts ...Option) *Server {
	s := &Server{
		breakers:   svc,
		controller: ctrl,
		health:     health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.OrGlobal(s.logger, "server")

	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	RegisterInspectorServer(s.grpc, s)
	reflection.Register(s.grpc)

	if svc != nil {
		for _, snap := range svc.Snapshots() {
			s.health.SetServingStatus(snap.Name, servingStatus(snap.State))
		}
	}
	return s
}

// GRPC 底層 gRPC 伺服器
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// BreakerListener 熔斷器狀態變更時更新健康狀態
func (s *Server) BreakerListener() breaker.StateListener {
	return func(name string, _, to breaker.State) {
		s.health.SetServingStatus(name, servingStatus(to))
	}
}

func servingStatus(state breaker.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == breaker.StateOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Serve 在 lis 上提供服務，直到 Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop 將所有健康狀態設為 NOT_SERVING 後優雅關閉
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// ============================================================================
// Inspector 實作
// ============================================================================

func (s *Server) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.controller == nil {
		return nil, status.Error(codes.Unavailable, "controller not running")
	}
	out, err := structpb.NewStruct(s.controller.GetStatus())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func (s *Server) Breakers(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list := make([]interface{}, 0)
	if s.breakers != nil {
		for _, snap := range s.breakers.Snapshots() {
			item := map[string]interface{}{
				"name":            snap.Name,
				"state":           snap.State.String(),
				"total_calls":     snap.TotalCalls,
				"failed_calls":    snap.FailedCalls,
				"half_open_calls": snap.HalfOpenCalls,
				"failure_rate":    snap.FailureRate(),
			}
			if !snap.OpenTime.IsZero() {
				item["open_time"] = snap.OpenTime.Format(time.RFC3339)
			}
			list = append(list, item)
		}
	}
	out, err := structpb.NewStruct(map[string]interface{}{"breakers": list})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode breakers: %v", err)
	}
	return out, nil
}

func (s *Server) ResetBreaker(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	name := req.GetValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "breaker name is required")
	}
	if s.breakers == nil {
		return nil, status.Error(codes.Unavailable, "breaker service not configured")
	}
	s.breakers.Reset(name)
	return &emptypb.Empty{}, nil
}

func (s *Server) Enqueue(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.controller == nil {
		return nil, status.Error(codes.Unavailable, "controller not running")
	}
	reqs, err := decodeJobs(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	jobs := make([]types.Job, 0, len(reqs))
	ids := make([]interface{}, 0, len(reqs))
	for _, r := range reqs {
		if r.Processor == "" {
			return nil, status.Errorf(codes.InvalidArgument, "job %q: processor is required", r.ID)
		}
		job := r.ToJob()
		jobs = append(jobs, job)
		ids = append(ids, string(job.ID))
	}

	if err := s.controller.EnqueueJobs(jobs); err != nil {
		code := codes.Internal
		switch {
		case errors.Is(err, jobmanager.ErrDuplicateJob):
			code = codes.AlreadyExists
		case errors.Is(err, jobmanager.ErrInvalidInitialStatus), errors.Is(err, jobmanager.ErrEmptyJobID):
			code = codes.InvalidArgument
		}
		return nil, status.Error(code, err.Error())
	}

	s.logger.Info("jobs enqueued", zap.Int("count", len(jobs)))
	return structpb.NewStruct(map[string]interface{}{"job_ids": ids})
}

// decodeJobs 以 JSON 往返將 {"jobs": [...]} 解碼為 JobRequest
func decodeJobs(req *structpb.Struct) ([]JobRequest, error) {
	raw, ok := req.GetFields()["jobs"]
	if !ok {
		return nil, errors.New(`missing "jobs" field`)
	}
	b, err := json.Marshal(raw.AsInterface())
	if err != nil {
		return nil, err
	}
	var reqs []JobRequest
	if err := json.Unmarshal(b, &reqs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	return reqs, nil
}
