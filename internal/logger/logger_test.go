//file: internal/logger/logger_test.go

package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slalaure/mqtt-uns-viewer-sub001/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LoggingConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: &config.LoggingConfig{
				Level:       "info",
				Encoding:    "json",
				LogToStdout: true,
			},
			wantErr: false,
		},
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: true,
		},
		{
			name: "invalid level",
			cfg: &config.LoggingConfig{
				Level:       "invalid",
				Encoding:    "json",
				LogToStdout: true,
			},
			wantErr: false, // defaults to info level
		},
		{
			name: "console encoding",
			cfg: &config.LoggingConfig{
				Level:       "debug",
				Encoding:    "console",
				LogToStdout: true,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestNewLoggerFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := NewLogger(&config.LoggingConfig{
		Level:     "info",
		Encoding:  "json",
		Directory: dir,
		LogToFile: true,
		MaxSize:   1,
	})
	assert.NoError(t, err)
	assert.NotNil(t, logger)

	logger.Info("file sink check", "key", "value")
	assert.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "uns-hub.log"))
	assert.NoError(t, err)
	assert.Contains(t, string(data), "file sink check")
}

func TestLoggerMethods(t *testing.T) {
	logger, err := NewLogger(&config.LoggingConfig{
		Level:       "debug",
		Encoding:    "json",
		LogToStdout: true,
	})
	assert.NoError(t, err)
	assert.NotNil(t, logger)

	// Each level accepts alternating key/value pairs
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")
}
