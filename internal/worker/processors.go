package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/ChuLiYu/beaver-exec/internal/executor"
)

// ErrSimulatedFailure simulate 處理器依失敗率產生的錯誤
var ErrSimulatedFailure = errors.New("simulated execution failure")

// RegisterBuiltins 註冊內建處理器：echo、sleep、simulate
func RegisterBuiltins(reg *executor.Registry) error {
	builtins := []struct {
		name string
		fn   executor.ProcessorFunc
	}{
		{"echo", Echo},
		{"sleep", Sleep},
		{"simulate", Simulate},
	}
	for _, b := range builtins {
		if _, err := reg.Register(b.name, b.fn); err != nil {
			return fmt.Errorf("register builtin %s: %w", b.name, err)
		}
	}
	return nil
}

// Echo 原樣回傳 payload
func Echo(_ context.Context, task executor.Task) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(task.Payload))
	for k, v := range task.Payload {
		out[k] = v
	}
	return out, nil
}

// Sleep 等待 payload["duration"]（如 "250ms"）或 payload["ms"]，可被取消
func Sleep(ctx context.Context, task executor.Task) (map[string]interface{}, error) {
	d := time.Duration(intParam(task.Payload, "ms", 0)) * time.Millisecond
	if s, ok := task.Payload["duration"].(string); ok {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d = parsed
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]interface{}{"slept": d.String()}, nil
	}
}

// Simulate 模擬實際工作：隨機延遲 0 ~ max_delay_ms（預設 500），
// 並以 failure_rate 百分比（預設 10）失敗
func Simulate(ctx context.Context, task executor.Task) (map[string]interface{}, error) {
	maxDelay := intParam(task.Payload, "max_delay_ms", 500)
	failureRate := intParam(task.Payload, "failure_rate", 10)

	var delay time.Duration
	if maxDelay > 0 {
		delay = time.Duration(rand.Intn(maxDelay)) * time.Millisecond
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if rand.Intn(100) < failureRate {
		return nil, ErrSimulatedFailure
	}
	return map[string]interface{}{"delay_ms": delay.Milliseconds(), "attempt": task.Attempt}, nil
}

// intParam 讀取整數參數；JSON 解碼後的數字為 float64
func intParam(payload map[string]interface{}, key string, def int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
