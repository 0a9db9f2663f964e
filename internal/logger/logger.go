package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Pretty  bool
	Service string
	Version string
	// Out defaults to stdout.
	Out io.Writer
}

func New(config Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	out := config.Out
	if out == nil {
		out = os.Stdout
	}
	if config.Pretty {
		out = zerolog.ConsoleWriter{
			Out:         out,
			TimeFormat:  time.RFC3339,
			FormatLevel: func(i interface{}) string { return colorizeLevel(i) },
		}
	}

	service := config.Service
	if service == "" {
		service = "payoutops"
	}
	ctx := zerolog.New(out).Level(level).With().Timestamp().Str("service", service)
	if config.Version != "" {
		ctx = ctx.Str("version", config.Version)
	}
	return ctx.Logger()
}

func colorizeLevel(i interface{}) string {
	level, _ := i.(string)
	switch level {
	case "trace":
		return "\033[35m" + level + "\033[0m"
	case "debug":
		return "\033[36m" + level + "\033[0m"
	case "info":
		return "\033[32m" + level + "\033[0m"
	case "warn":
		return "\033[33m" + level + "\033[0m"
	case "error":
		return "\033[31m" + level + "\033[0m"
	case "fatal", "panic":
		return "\033[91m" + level + "\033[0m"
	default:
		return level
	}
}
