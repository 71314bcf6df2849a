package engine

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/msageha/stagehand/internal/executor"
)

type logger struct {
	logger   *log.Logger
	logLevel executor.LogLevel
}

func newLogger(w io.Writer, level executor.LogLevel) logger {
	if w == nil {
		w = io.Discard
	}
	return logger{logger: log.New(w, "", 0), logLevel: level}
}

func (l logger) log(level executor.LogLevel, format string, args ...any) {
	if level < l.logLevel || l.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case executor.LogLevelDebug:
		levelStr = "DEBUG"
	case executor.LogLevelWarn:
		levelStr = "WARN"
	case executor.LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s %s engine: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
