package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log output goes and how verbose it is.
type Options struct {
	Level   string   // trace, debug, info, warn, error
	Writers []string // "console", "file"
	File    string   // path for the rotated log file
}

// Setup builds the root logger. Components derive their own loggers from it
// with a "component" field.
func Setup(opts Options) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var sinks []io.Writer
	for _, w := range opts.Writers {
		switch w {
		case "console":
			sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
		case "file":
			file := opts.File
			if file == "" {
				file = "netsleuth.log"
			}
			sinks = append(sinks, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    50, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			})
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}

	return zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(lvl).With().Timestamp().Logger()
}

// Nop returns a disabled logger, handy for tests and embedded servers that
// should stay quiet.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
