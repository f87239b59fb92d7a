package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aquasecurity/depscan/logging"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		debug     bool
		json      bool
		wantDebug bool
	}{
		{name: "info console", wantDebug: false},
		{name: "debug console", debug: true, wantDebug: true},
		{name: "debug json", debug: true, json: true, wantDebug: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := logging.New(tt.debug, tt.json)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDebug, logger.Core().Enabled(zapcore.DebugLevel))
			assert.Same(t, logger, zap.L())
		})
	}
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, logging.OrNop(nil))

	l := zap.NewExample()
	assert.Same(t, l, logging.OrNop(l))
}
