package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"flowmint/internal/config"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(config.DBConfig{}, nil); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestQueryLoggerTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newQueryLogger(zap.New(core), 100*time.Millisecond)
	ctx := context.Background()
	fc := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(ctx, time.Now(), fc, nil)
	l.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	l.Trace(ctx, time.Now(), fc, gorm.ErrRecordNotFound)
	l.Trace(ctx, time.Now(), fc, errors.New("boom"))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries=%d want=2", len(entries))
	}
	if entries[0].Message != "slow query" || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("got=%s/%s want=slow query/warn", entries[0].Message, entries[0].Level)
	}
	if entries[1].Message != "query failed" || entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("got=%s/%s want=query failed/error", entries[1].Message, entries[1].Level)
	}

	logs.TakeAll()
	l.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), fc, errors.New("boom"))
	if logs.Len() != 0 {
		t.Fatalf("silent mode logged %d entries", logs.Len())
	}
}
