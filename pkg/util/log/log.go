package log

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/weaveworks/common/logging"
)

type Config struct {
	LogFormat logging.Format `yaml:"log_format"`
	LogLevel  logging.Level  `yaml:"log_level"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.LogFormat.RegisterFlags(f)
	c.LogLevel.RegisterFlags(f)
}

// NewLogger builds the process logger from config. It is constructed once in
// main and passed down explicitly; there is no package-level logger.
func NewLogger(cfg Config) log.Logger {
	logger := newBasicLogger(cfg.LogLevel, cfg.LogFormat)
	logger = log.With(logger, "caller", log.Caller(5))
	return level.NewFilter(logger, cfg.LogLevel.Gokit)
}

func newBasicLogger(l logging.Level, format logging.Format) log.Logger {
	var logger log.Logger
	if format.String() == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}

	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

func CheckFatal(location string, err error, logger log.Logger) {
	if err != nil {
		l := level.Error(logger)
		if location != "" {
			l = log.With(l, "msg", "error "+location)
		}

		_ = l.Log("err", fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}
