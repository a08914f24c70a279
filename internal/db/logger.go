package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQuery 以上的 SQL 记 Warn。
const slowQuery = 200 * time.Millisecond

// zlogger 把 gorm 的日志转到 zerolog，只记录错误和慢查询。
type zlogger struct {
	level logger.LogLevel
	zl    *zerolog.Logger
}

func newLogger(zl *zerolog.Logger) logger.Interface {
	return &zlogger{level: logger.Warn, zl: zl}
}

func (l *zlogger) log() *zerolog.Logger {
	if l.zl != nil {
		return l.zl
	}
	return &log.Logger
}

func (l *zlogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *zlogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.log().Info().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
	}
}

func (l *zlogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.log().Warn().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
	}
}

func (l *zlogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.log().Error().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
	}
}

func (l *zlogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	// 查无记录是正常业务分支，不算错误
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		l.log().Error().Err(err).Str("component", "gorm").Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query failed")
	case elapsed > slowQuery && l.level >= logger.Warn:
		sql, rows := fc()
		l.log().Warn().Str("component", "gorm").Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("slow query")
	case l.level >= logger.Info:
		sql, rows := fc()
		l.log().Debug().Str("component", "gorm").Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query")
	}
}
