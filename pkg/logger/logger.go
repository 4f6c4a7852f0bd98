package logger

import (
	"os"
	"strings"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kubeflow-mini/kubeflow-mini/pkg/config"
)

// SetupLogger configures the zap logger based on provided configuration
func SetupLogger(config *config.Config) *zap.Logger {
	// Set the log level
	var level zapcore.Level
	switch strings.ToLower(config.LogLevel) {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// Create encoder configuration
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// Configure the encoder based on the format
	var encoder zapcore.Encoder
	if config.LogFormat == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	// Create the core
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)

	// Create the logger
	return zap.New(core)
}

// ConfigureControllerRuntime routes controller-runtime logging through
// the configured zap logger so level and format are applied everywhere.
func ConfigureControllerRuntime(zapLogger *zap.Logger) {
	ctrl.SetLogger(zapr.NewLogger(zapLogger))
}
