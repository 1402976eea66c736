package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// queryLogWriter forwards gorm's query diagnostics to zap.
type queryLogWriter struct {
	logger *zap.Logger
}

func (w queryLogWriter) Printf(format string, args ...interface{}) {
	w.logger.Warn("database query", zap.String("detail", fmt.Sprintf(format, args...)))
}

// newQueryLogger reports failed and slow queries through zap. Lookups for absent rows are expected
// and stay silent.
func newQueryLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gormlogger.New(queryLogWriter{logger: logger}, gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
