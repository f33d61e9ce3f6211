package util

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestFieldHelpers(t *testing.T) {
	err := errors.New("boom")
	tests := []struct {
		got, want zap.Field
	}{
		{String("address", ":8443"), zap.String("address", ":8443")},
		{Bool("tls_enabled", true), zap.Bool("tls_enabled", true)},
		{Int("port", 8443), zap.Int("port", 8443)},
		{Duration("duration", time.Second), zap.Duration("duration", time.Second)},
		{ErrorField(err), zap.Error(err)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.got)
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLogLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("verbose"))
}
