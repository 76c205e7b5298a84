package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lk2023060901/zeus-plugin/pkg/logger"
)

const slowSQLThreshold = 200 * time.Millisecond

// gormLogger 将 gorm 日志转发到 logger.Logger。
type gormLogger struct {
	log   logger.Logger
	level gormlogger.LogLevel
}

func newGormLogger(l logger.Logger, level gormlogger.LogLevel) *gormLogger {
	return &gormLogger{log: l.WithGroup("sql"), level: level}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &gormLogger{log: l.log, level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level < gormlogger.Info {
		return
	}
	l.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level < gormlogger.Warn {
		return
	}
	l.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level < gormlogger.Error {
		return
	}
	l.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gormlogger.ErrRecordNotFound):
		l.log.ErrorContext(ctx, "sql failed", fields("sql", sql, "rows", rows, "elapsed", elapsed, "error", err)...)
	case elapsed > slowSQLThreshold && l.level >= gormlogger.Warn:
		l.log.WarnContext(ctx, "slow sql", fields("sql", sql, "rows", rows, "elapsed", elapsed)...)
	case l.level >= gormlogger.Info:
		l.log.DebugContext(ctx, "sql", fields("sql", sql, "rows", rows, "elapsed", elapsed)...)
	}
}

var _ gormlogger.Interface = (*gormLogger)(nil)
