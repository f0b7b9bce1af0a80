// Package logging wires zerolog through lumberjack rotation so the
// gateway's structured logs never eat the disk.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// New builds the root logger. With no filename configured everything
// goes to stdout; otherwise logs rotate on disk, optionally teed to the
// console as well.
func New(config Config) zerolog.Logger {
	var writers []io.Writer

	if config.Filename != "" {
		if config.MaxSizeMB == 0 {
			config.MaxSizeMB = 100
		}
		if config.MaxBackups == 0 {
			config.MaxBackups = 3
		}
		if config.MaxAgeDays == 0 {
			config.MaxAgeDays = 28
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.Filename,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		})
	}
	if config.Console || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	out := writers[0]
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(config.Level))
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
