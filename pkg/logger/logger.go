package logger

import (
	"context"
	"fmt"
)

// Level 日志等级。
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Field 结构化日志字段。
type Field struct {
	Key   string
	Value any
}

// KV 将交替出现的键值转换为字段，非字符串键按 fmt.Sprint 转换，落单的键被丢弃。
func KV(kv ...any) []Field {
	if len(kv) < 2 {
		return nil
	}
	out := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, Field{Key: key, Value: kv[i+1]})
	}
	return out
}

// Logger 是框架、存储与刷新服务共用的日志接口，方法集与 slog 对齐。
type Logger interface {
	With(fields ...Field) Logger
	// WithGroup 为后续字段加上分组前缀，如 "ws.id"。
	WithGroup(name string) Logger
	Enabled(ctx context.Context, level Level) bool
	Log(ctx context.Context, level Level, msg string, fields ...Field)

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)

	// Sync 刷新缓冲。
	Sync() error
}
