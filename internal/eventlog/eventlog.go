package eventlog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ctestci/internal/core"
)

// EventLog appends one JSON object per event to a run's events.jsonl.
type EventLog struct {
	file   *os.File
	logger *zap.Logger
}

func New(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "event_type",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	zcore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), zapcore.DebugLevel)

	return &EventLog{file: file, logger: zap.New(zcore)}, nil
}

func (l *EventLog) Emit(event core.Event) error {
	level, err := zapcore.ParseLevel(event.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	fields := []zap.Field{zap.String("run_id", event.RunID)}
	if event.Stage != "" {
		fields = append(fields, zap.String("stage", event.Stage))
	}
	if event.Payload != nil {
		fields = append(fields, zap.Any("payload", event.Payload))
	}

	if ce := l.logger.Check(level, event.EventType); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func (l *EventLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.logger.Sync()
	return l.file.Close()
}
