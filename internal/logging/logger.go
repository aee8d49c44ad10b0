// Package logging builds the zap loggers used across the service.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig contains logging configuration.
type LogConfig struct {
	// Output settings
	OutputPath string `json:"output_path"`

	// Log levels
	Level        string            `json:"level"`
	ModuleLevels map[string]string `json:"module_levels"`

	// Format settings
	Encoding    string `json:"encoding"` // json or console
	Development bool   `json:"development"`

	// Rotation settings
	MaxSizeMB  int  `json:"max_size_mb"`
	MaxBackups int  `json:"max_backups"`
	MaxAgeDays int  `json:"max_age_days"`
	Compress   bool `json:"compress"`

	// Performance settings
	DisableCaller     bool `json:"disable_caller"`
	DisableStacktrace bool `json:"disable_stacktrace"`
	Sampling          bool `json:"sampling"`

	// Fields to include
	IncludeHost bool `json:"include_host"`
}

// LoggerFactory provides centralized logger creation.
type LoggerFactory struct {
	config     *LogConfig
	rootLogger *zap.Logger
	loggers    map[string]*zap.Logger
	loggersMu  sync.RWMutex
}

// NewLoggerFactory creates a logger factory and installs its root
// logger as the zap global.
func NewLoggerFactory(config *LogConfig) (*LoggerFactory, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	if config.OutputPath != "" && config.OutputPath != "stdout" {
		logDir := filepath.Dir(config.OutputPath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	core, err := buildCore(config)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger core: %w", err)
	}

	rootLogger := zap.New(core, buildOptions(config)...)

	factory := &LoggerFactory{
		config:     config,
		rootLogger: rootLogger,
		loggers:    make(map[string]*zap.Logger),
	}

	zap.ReplaceGlobals(rootLogger)

	return factory, nil
}

// Root returns the root logger.
func (f *LoggerFactory) Root() *zap.Logger {
	return f.rootLogger
}

// GetLogger returns a named logger for the specified component,
// honoring a per-component level override when configured.
func (f *LoggerFactory) GetLogger(component string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[component]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	if logger, exists := f.loggers[component]; exists {
		return logger
	}

	logger := f.rootLogger.Named(component)

	if levelStr, hasLevel := f.config.ModuleLevels[component]; hasLevel {
		if level, err := zapcore.ParseLevel(levelStr); err == nil {
			core, _ := buildCoreWithLevel(f.config, level)
			logger = logger.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
				return core
			}))
		}
	}

	f.loggers[component] = logger
	return logger
}

// Sync flushes all loggers.
func (f *LoggerFactory) Sync() error {
	var firstErr error

	if err := f.rootLogger.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}

	f.loggersMu.RLock()
	defer f.loggersMu.RUnlock()

	for _, logger := range f.loggers {
		if err := logger.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// buildEncoderConfig builds the encoder configuration.
func buildEncoderConfig(config *LogConfig) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeCaller = zapcore.FullCallerEncoder
	}

	if config.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}

	if config.DisableStacktrace {
		encoderConfig.StacktraceKey = zapcore.OmitKey
	}

	return encoderConfig
}

// buildCore builds the logger core at the configured level.
func buildCore(config *LogConfig) (zapcore.Core, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	return buildCoreWithLevel(config, level)
}

// buildCoreWithLevel builds a core with a specific level.
func buildCoreWithLevel(config *LogConfig, level zapcore.Level) (zapcore.Core, error) {
	encoderConfig := buildEncoderConfig(config)

	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	writers := []zapcore.WriteSyncer{}

	// File output with rotation
	if config.OutputPath != "" && config.OutputPath != "stdout" {
		fileWriter := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		writers = append(writers, zapcore.AddSync(fileWriter))
	}

	if config.OutputPath == "stdout" || config.OutputPath == "" || config.Development {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	writer := zapcore.NewMultiWriteSyncer(writers...)

	core := zapcore.NewCore(encoder, writer, level)

	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(
			core,
			time.Second,
			100, // first 100 messages per second
			10,  // thereafter 10 messages per second
		)
	}

	return core, nil
}

// buildOptions builds logger options.
func buildOptions(config *LogConfig) []zap.Option {
	options := []zap.Option{}

	if !config.DisableCaller {
		options = append(options, zap.AddCaller())
	}

	if !config.DisableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	if config.Development {
		options = append(options, zap.Development())
	}

	fields := []zap.Field{}
	if config.IncludeHost {
		if hostname, err := os.Hostname(); err == nil {
			fields = append(fields, zap.String("host", hostname))
		}
	}
	if len(fields) > 0 {
		options = append(options, zap.Fields(fields...))
	}

	return options
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		OutputPath:        "logs/kiroku.log",
		Level:             "info",
		ModuleLevels:      make(map[string]string),
		Encoding:          "json",
		Development:       false,
		MaxSizeMB:         100,
		MaxBackups:        7,
		MaxAgeDays:        30,
		Compress:          true,
		DisableCaller:     false,
		DisableStacktrace: false,
		Sampling:          true,
		IncludeHost:       true,
	}
}

