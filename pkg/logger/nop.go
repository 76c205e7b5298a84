package logger

import "context"

var nop Logger = nopLogger{}

// Nop 返回丢弃一切输出的 Logger，组件未注入日志时使用。
func Nop() Logger {
	return nop
}

// OrNop 在 l 为 nil 时返回 Nop。
func OrNop(l Logger) Logger {
	if l == nil {
		return nop
	}
	return l
}

type nopLogger struct{}

func (nopLogger) With(...Field) Logger { return nop }
func (nopLogger) WithGroup(string) Logger { return nop }
func (nopLogger) Enabled(context.Context, Level) bool { return false }
func (nopLogger) Log(context.Context, Level, string, ...Field) {}
func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field) {}
func (nopLogger) Warn(string, ...Field) {}
func (nopLogger) Error(string, ...Field) {}
func (nopLogger) DebugContext(context.Context, string, ...Field) {}
func (nopLogger) InfoContext(context.Context, string, ...Field) {}
func (nopLogger) WarnContext(context.Context, string, ...Field) {}
func (nopLogger) ErrorContext(context.Context, string, ...Field) {}
func (nopLogger) Sync() error { return nil }
