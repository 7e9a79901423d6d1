package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log 全局日志实例，Init 之前为输出到 stderr 的 info 级别
var Log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init 根据配置设置日志级别与输出格式
func Init(level string, pretty bool) {
	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	Log = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component 返回带 component 字段的子 logger
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
