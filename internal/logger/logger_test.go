package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"ERROR", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, levelFor(tt.in))
		})
	}
}

func TestForReturnsNamedLogger(t *testing.T) {
	l := For(ComponentDispatcher)
	assert.NotNil(t, l)
	assert.Equal(t, ComponentDispatcher, l.Desugar().Name())
}

func TestNewHonoursFormat(t *testing.T) {
	assert.NotNil(t, New("DEBUG", FormatConsole))
	assert.NotNil(t, New("INFO", FormatJSON))
}
