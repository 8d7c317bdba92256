// Package logging configures the process wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/mazdakn/uqueue/pkg/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup applies level, format and output from conf to the standard logger.
// The returned closer flushes the log file, if any.
func Setup(conf config.Log) (io.Closer, error) {
	return configure(logrus.StandardLogger(), conf, os.Stderr)
}

func configure(logger *logrus.Logger, conf config.Log, console io.Writer) (io.Closer, error) {
	level, err := logrus.ParseLevel(conf.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level - err: %w", err)
	}
	logger.SetLevel(level)

	switch conf.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", conf.Format)
	}

	if conf.File == "" {
		logger.SetOutput(console)
		return nopCloser{}, nil
	}
	file := &lumberjack.Logger{
		Filename:   conf.File,
		MaxSize:    conf.MaxSizeMB,  // megabytes
		MaxBackups: conf.MaxBackups, // number of backups
		MaxAge:     conf.MaxAgeDays, // days
	}
	logger.SetOutput(io.MultiWriter(console, file))
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
