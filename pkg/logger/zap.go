package logger

import (
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var errEmptyLogPath = errors.New("logger: log file path is empty")

// defaultMaxSizeMB 是未配置时单个日志文件的滚动阈值。
const defaultMaxSizeMB = 100

// ZapConfig 是 ZapLogger 的构造参数。
type ZapConfig struct {
	// Output 表示输出目标，取 file、stdout 或 stderr，空值视为 file。
	Output string
	// Format 表示编码格式，取 json 或 console，空值视为 json。
	Format string
	// Filepath 表示日志文件路径，仅 file 输出使用。
	Filepath string
	// Level 表示日志输出等级。
	Level Level
	// MaxSize 表示单个日志文件的最大大小，单位为 MB。
	MaxSize int
	// MaxBackups 表示保留的旧日志文件数量。
	MaxBackups int
	// MaxAge 表示保留旧日志文件的最大天数。
	MaxAge int
	// Compress 表示是否压缩旧日志文件。
	Compress bool
}

// ZapLogger 是基于 zap 的 Logger，文件输出经 lumberjack 滚动。
// 分组以 "." 拼接到字段名上，而非嵌套对象。
type ZapLogger struct {
	base  *zap.Logger
	group string
}

// NewZapLogger 按配置创建 ZapLogger。
func NewZapLogger(cfg ZapConfig) (*ZapLogger, error) {
	ws, err := newWriteSyncer(cfg)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(newEncoder(cfg.Format), ws, toZapLevel(cfg.Level))
	return &ZapLogger{base: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

func newWriteSyncer(cfg ZapConfig) (zapcore.WriteSyncer, error) {
	switch cfg.Output {
	case OutputStdout:
		return zapcore.Lock(zapcore.AddSync(unsynced{os.Stdout})), nil
	case OutputStderr:
		return zapcore.Lock(zapcore.AddSync(unsynced{os.Stderr})), nil
	}
	if cfg.Filepath == "" {
		return nil, errEmptyLogPath
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filepath,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}), nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == FormatConsole {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// unsynced 屏蔽终端文件的 Sync，对终端 fsync 会返回 EINVAL。
type unsynced struct{ io.Writer }

func (l *ZapLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &ZapLogger{base: l.base.With(l.zapFields(fields)...), group: l.group}
}

func (l *ZapLogger) WithGroup(name string) Logger {
	if name == "" {
		return l
	}
	if l.group != "" {
		name = l.group + "." + name
	}
	return &ZapLogger{base: l.base, group: name}
}

func (l *ZapLogger) Enabled(_ context.Context, level Level) bool {
	return l.base.Core().Enabled(toZapLevel(level))
}

func (l *ZapLogger) Log(ctx context.Context, level Level, msg string, fields ...Field) {
	if l.Enabled(ctx, level) {
		l.base.Log(toZapLevel(level), msg, l.zapFields(fields)...)
	}
}

func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.Log(context.Background(), LevelDebug, msg, fields...)
}

func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.Log(context.Background(), LevelInfo, msg, fields...)
}

func (l *ZapLogger) Warn(msg string, fields ...Field) {
	l.Log(context.Background(), LevelWarn, msg, fields...)
}

func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.Log(context.Background(), LevelError, msg, fields...)
}

func (l *ZapLogger) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.Log(ctx, LevelDebug, msg, fields...)
}

func (l *ZapLogger) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.Log(ctx, LevelInfo, msg, fields...)
}

func (l *ZapLogger) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.Log(ctx, LevelWarn, msg, fields...)
}

func (l *ZapLogger) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.Log(ctx, LevelError, msg, fields...)
}

func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

var zapLevels = map[Level]zapcore.Level{
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
}

func toZapLevel(level Level) zapcore.Level {
	if zl, ok := zapLevels[level]; ok {
		return zl
	}
	return zapcore.InfoLevel
}

// zapFields 加上分组前缀，error 值按 zap.NamedError 编码。
func (l *ZapLogger) zapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		key := f.Key
		if l.group != "" {
			key = l.group + "." + key
		}
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(key, err))
			continue
		}
		out = append(out, zap.Any(key, f.Value))
	}
	return out
}

var _ Logger = (*ZapLogger)(nil)
