package logging

import (
	"io"
	"os"

	"github.com/phuslu/log"
	"gopkg.in/natefinch/lumberjack.v2"
	"nuha.dev/avlgate/internal/config"
)

// Setup configures log.DefaultLogger. Components copy it and add their own
// module context. The returned closer flushes the rotating file, if any.
func Setup(cfg config.LogConfig) io.Closer {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File.Filename != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Filename,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}
	log.DefaultLogger = log.Logger{
		Level:      log.ParseLevel(cfg.Level),
		Caller:     cfg.Caller,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Writer:     &log.IOWriter{Writer: w},
	}
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
