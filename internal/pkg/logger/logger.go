package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls level, format and destination of the process logger.
type LogConfig struct {
	Level      string
	Format     string
	Output     string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type Fields map[string]interface{}

// Logger wraps logrus with variadic key-value methods and a few
// domain-shaped helpers so call sites stay short.
type Logger struct {
	log *logrus.Logger
}

func New(config LogConfig) (*Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch config.Format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	}

	output, err := resolveOutput(config)
	if err != nil {
		return nil, err
	}
	log.SetOutput(output)

	return &Logger{log: log}, nil
}

func resolveOutput(config LogConfig) (io.Writer, error) {
	switch config.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		if config.FilePath == "" {
			return nil, fmt.Errorf("log output is file but no file path configured")
		}
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}, nil
	case "both":
		if config.FilePath == "" {
			return os.Stdout, nil
		}
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}), nil
	default:
		return nil, fmt.Errorf("unknown log output %q", config.Output)
	}
}

// kvFields turns a trailing "key", value, "key", value list into logrus
// fields. An odd trailing key is kept under "extra".
func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("field_%d", i)
		}
		fields[key] = kv[i+1]
	}
	if len(kv)%2 == 1 {
		fields["extra"] = kv[len(kv)-1]
	}
	return fields
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.log.WithFields(kvFields(kv)).Debug(msg)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.log.WithFields(kvFields(kv)).Info(msg)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.log.WithFields(kvFields(kv)).Warn(msg)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.log.WithFields(kvFields(kv)).Error(msg)
}

func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.log.WithFields(kvFields(kv)).Fatal(msg)
}

func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.log.WithFields(logrus.Fields(fields))
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.log.WithError(err)
}

// LogService records one call against an external collaborator.
func (l *Logger) LogService(service, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.log.WithFields(logrus.Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if fields != nil {
		entry = entry.WithFields(logrus.Fields(fields))
	}
	if err != nil {
		entry.WithError(err).Error("service call failed")
		return
	}
	entry.Info("service call")
}

// LogStage records a stage transition of one analysis run.
func (l *Logger) LogStage(analysisID, stage, status string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.log.WithFields(logrus.Fields{
		"analysis_id": analysisID,
		"stage":       stage,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	if fields != nil {
		entry = entry.WithFields(logrus.Fields(fields))
	}
	if err != nil {
		entry.WithError(err).Error("stage update")
		return
	}
	entry.Info("stage update")
}

// LogAnalysis records a lifecycle event of one analysis run.
func (l *Logger) LogAnalysis(analysisID, event string, fields map[string]interface{}) {
	entry := l.log.WithFields(logrus.Fields{
		"analysis_id": analysisID,
		"event":       event,
	})
	if fields != nil {
		entry = entry.WithFields(logrus.Fields(fields))
	}
	entry.Info("analysis event")
}
