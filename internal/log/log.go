// Package log 提供全域 zap logger
//
// 各元件透過 L().Named("<component>") 取得具名 logger，
// 或由建構參數注入自己的 *zap.Logger（測試中常用 zap.NewNop()）。
package log

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const TimeFormat = "2006-01-02 15:04:05.999"

// AtomicLevel 執行期可調整的日誌等級
var AtomicLevel = zap.NewAtomicLevel()

var global atomic.Pointer[zap.Logger]

func init() {
	global.Store(MustNewLogger())
}

// MustNewLogger 建立 console 格式的 production logger，等級取自 LOG_LEVEL
func MustNewLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.Level = AtomicLevel
	_ = AtomicLevel.UnmarshalText([]byte(os.Getenv("LOG_LEVEL")))
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(TimeFormat)
	config.DisableStacktrace = true
	config.Sampling = nil
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// L 回傳全域 logger
func L() *zap.Logger {
	return global.Load()
}

// Replace 替換全域 logger，回傳原 logger
func Replace(l *zap.Logger) *zap.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return global.Swap(l)
}

// SetLevel 調整全域日誌等級，無法解析時保持原等級
func SetLevel(level string) {
	if err := AtomicLevel.UnmarshalText([]byte(level)); err != nil {
		L().Warn("invalid log level", zap.String("level", level), zap.Error(err))
		return
	}
	L().Info("logger level updated", zap.String("level", level))
}

// OrGlobal 傳入 nil 時回傳具名的全域 logger
func OrGlobal(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l
	}
	return L().Named(name)
}
