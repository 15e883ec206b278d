package util

import (
	"fmt"
	"io"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// NewLogger returns a logger writing to w in the given format ("logfmt" or
// "json") that drops records below lvl.
func NewLogger(w io.Writer, format, lvl string) (log.Logger, error) {
	var logger log.Logger
	switch format {
	case "", "logfmt":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	filter, err := levelFilter(lvl)
	if err != nil {
		return nil, err
	}
	logger = level.NewFilter(logger, filter)
	return log.With(logger, "ts", log.DefaultTimestampUTC), nil
}

func levelFilter(l string) (level.Option, error) {
	switch l {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	case "all":
		return level.AllowAll(), nil
	}
	return nil, fmt.Errorf("unknown log level %q", l)
}

type testingLogger struct {
	t testing.TB
}

// TestLogger routes log records to t.Log.
func TestLogger(t testing.TB) log.Logger {
	return &testingLogger{t: t}
}

func (l *testingLogger) Log(keyvals ...interface{}) error {
	l.t.Helper()
	l.t.Log(keyvals...)
	return nil
}
