package breaker

import (
	"fmt"
	"time"
)

// Config 熔斷器參數
type Config struct {
	// FailureRateThreshold 失敗率門檻（百分比，0 < x ≤ 100）
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" json:"failure_rate_threshold"`

	// MinimumNumberOfCalls 評估失敗率前所需的最少呼叫數
	MinimumNumberOfCalls int64 `yaml:"minimum_number_of_calls" json:"minimum_number_of_calls"`

	// WaitDurationInOpenState OPEN 狀態維持時間
	WaitDurationInOpenState time.Duration `yaml:"wait_duration_in_open_state" json:"wait_duration_in_open_state"`

	// PermittedCallsInHalfOpenState HALF_OPEN 狀態允許的試探請求數
	PermittedCallsInHalfOpenState int64 `yaml:"permitted_calls_in_half_open_state" json:"permitted_calls_in_half_open_state"`
}

// DefaultConfig 預設配置：50%、10 次、60 秒、5 次
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:          50,
		MinimumNumberOfCalls:          10,
		WaitDurationInOpenState:       60 * time.Second,
		PermittedCallsInHalfOpenState: 5,
	}
}

// WithDefaults 以 def 填補零值欄位
func (c Config) WithDefaults(def Config) Config {
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.MinimumNumberOfCalls == 0 {
		c.MinimumNumberOfCalls = def.MinimumNumberOfCalls
	}
	if c.WaitDurationInOpenState == 0 {
		c.WaitDurationInOpenState = def.WaitDurationInOpenState
	}
	if c.PermittedCallsInHalfOpenState == 0 {
		c.PermittedCallsInHalfOpenState = def.PermittedCallsInHalfOpenState
	}
	return c
}

// Validate 檢查參數範圍
func (c Config) Validate() error {
	switch {
	case c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100:
		return fmt.Errorf("breaker: failure rate threshold must be in (0, 100], got %v", c.FailureRateThreshold)
	case c.MinimumNumberOfCalls < 1:
		return fmt.Errorf("breaker: minimum number of calls must be >= 1, got %d", c.MinimumNumberOfCalls)
	case c.WaitDurationInOpenState <= 0:
		return fmt.Errorf("breaker: wait duration in open state must be positive, got %s", c.WaitDurationInOpenState)
	case c.PermittedCallsInHalfOpenState < 1:
		return fmt.Errorf("breaker: permitted calls in half-open state must be >= 1, got %d", c.PermittedCallsInHalfOpenState)
	}
	return nil
}
