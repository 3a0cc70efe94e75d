package metrics

import (
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/log"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// Nop 不做任何事的 Collector
type Nop struct{}

func (Nop) RecordExecution(string)                {}
func (Nop) RecordResult(string, types.TaskStatus) {}
func (Nop) RecordLatency(string, time.Duration)   {}
func (Nop) RecordRetries(string, int)             {}
func (Nop) RecordIdempotentHit(string)            {}

// HitRecorder 可選介面：收集器同時記錄冪等命中
type HitRecorder interface {
	RecordIdempotentHit(processor string)
}

// safeCollector 捕捉底層收集器的 panic 並記錄，不向呼叫者傳遞
type safeCollector struct {
	next   Collector
	logger *zap.Logger
}

// Safe 包裝 c，c 為 nil 時回傳 Nop
func Safe(c Collector, logger *zap.Logger) Collector {
	if c == nil {
		return Nop{}
	}
	if s, ok := c.(*safeCollector); ok {
		return s
	}
	return &safeCollector{next: c, logger: log.OrGlobal(logger, "metrics")}
}

func (s *safeCollector) guard(op string) {
	if r := recover(); r != nil {
		s.logger.Warn("metrics collector failed", zap.String("op", op), zap.Any("panic", r))
	}
}

func (s *safeCollector) RecordExecution(processor string) {
	defer s.guard("RecordExecution")
	s.next.RecordExecution(processor)
}

func (s *safeCollector) RecordResult(processor string, status types.TaskStatus) {
	defer s.guard("RecordResult")
	s.next.RecordResult(processor, status)
}

func (s *safeCollector) RecordLatency(processor string, d time.Duration) {
	defer s.guard("RecordLatency")
	s.next.RecordLatency(processor, d)
}

func (s *safeCollector) RecordRetries(processor string, retries int) {
	defer s.guard("RecordRetries")
	s.next.RecordRetries(processor, retries)
}

// RecordIdempotentHit 底層收集器未實作 HitRecorder 時忽略
func (s *safeCollector) RecordIdempotentHit(processor string) {
	h, ok := s.next.(HitRecorder)
	if !ok {
		return
	}
	defer s.guard("RecordIdempotentHit")
	h.RecordIdempotentHit(processor)
}
