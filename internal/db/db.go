package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"flowmint/internal/config"
)

type DB struct {
	Gorm *gorm.DB
	SQL  *sql.DB
}

// Open connects to postgres and routes gorm's own logging through log.
// Only failed and slow statements are logged.
func Open(cfg config.DBConfig, log *zap.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("db: dsn is required for the postgres driver")
	}
	gcfg := &gorm.Config{
		Logger:         newQueryLogger(log, cfg.SlowQuery),
		TranslateError: true,
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{Gorm: gdb, SQL: sqldb}, nil
}

func Close(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Close()
}

// SetTimezone pins the session timezone so timestamptz columns round-trip in tz.
func SetTimezone(ctx context.Context, db *DB, tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" || db == nil || db.SQL == nil {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("db: timezone %q: %w", tz, err)
	}
	_, err := db.SQL.ExecContext(ctx, "SET TIME ZONE '"+strings.ReplaceAll(tz, "'", "''")+"'")
	return err
}

type queryLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func newQueryLogger(log *zap.Logger, slow time.Duration) gormlogger.Interface {
	if log == nil {
		log = zap.NewNop()
	}
	return &queryLogger{log: log.Named("gorm"), level: gormlogger.Warn, slow: slow}
}

func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.log.Sugar().Infof(msg, args...)
	}
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Sugar().Warnf(msg, args...)
	}
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.log.Sugar().Errorf(msg, args...)
	}
}

func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	took := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		query, rows := fc()
		l.log.Error("query failed", zap.String("sql", query), zap.Int64("rows", rows), zap.Duration("took", took), zap.Error(err))
	case l.slow > 0 && took > l.slow && l.level >= gormlogger.Warn:
		query, rows := fc()
		l.log.Warn("slow query", zap.String("sql", query), zap.Int64("rows", rows), zap.Duration("took", took), zap.Duration("threshold", l.slow))
	case l.level >= gormlogger.Info:
		query, rows := fc()
		l.log.Debug("query", zap.String("sql", query), zap.Int64("rows", rows), zap.Duration("took", took))
	}
}
