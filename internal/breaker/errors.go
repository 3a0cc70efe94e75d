package breaker

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen 熔斷器拒絕請求
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError 帶有資源名稱與拒絕當下狀態的拒絕錯誤
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// IsOpen 判斷 err 是否為熔斷拒絕
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ErrIgnored 標記不應計入熔斷統計的結果（例如呼叫端取消）
var ErrIgnored = errors.New("circuit breaker outcome ignored")

type ignoredError struct {
	err error
}

func (e *ignoredError) Error() string { return e.err.Error() }

func (e *ignoredError) Unwrap() error { return e.err }

func (e *ignoredError) Is(target error) bool { return target == ErrIgnored }

// Ignore 包裝 err，讓 Execute 不記錄成功或失敗，只歸還放行名額
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err: err}
}
