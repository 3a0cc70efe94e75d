package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestReplaceAndRestore(t *testing.T) {
	nop := zap.NewNop()
	prev := Replace(nop)
	defer Replace(prev)

	assert.Same(t, nop, L())
}

func TestSetLevel(t *testing.T) {
	prev := AtomicLevel.Level()
	defer AtomicLevel.SetLevel(prev)

	SetLevel("debug")
	assert.Equal(t, zapcore.DebugLevel, AtomicLevel.Level())

	SetLevel("not-a-level")
	assert.Equal(t, zapcore.DebugLevel, AtomicLevel.Level(), "invalid level keeps the previous one")
}

func TestOrGlobal(t *testing.T) {
	own := zap.NewNop()
	assert.Same(t, own, OrGlobal(own, "x"))
	assert.NotNil(t, OrGlobal(nil, "x"))
}
