// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nexus-trading/volsettle/internal/config"
)

// Setup installs the global logger for service. When general.LogFile is set,
// output is duplicated to a rotating file. The returned closer releases it.
func Setup(service string, general config.GeneralConfig) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = os.Stdout
	if general.LogFormat == "text" {
		console = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	var closer io.Closer = nopCloser{}
	out := console
	if general.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   general.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 7,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, file)
		closer = file
	}

	log.Logger = New(out, service, general.InstanceID)
	return closer
}

// New builds a logger carrying the service and instance fields.
func New(w io.Writer, service, instance string) zerolog.Logger {
	return zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Str("instance", instance).
		Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
