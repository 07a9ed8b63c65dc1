// Package logx builds the process logger.
package logx

import (
	"fmt"
	"log/syslog"
	"os"

	mozlog "github.com/mozilla-services/go-mozlogrus"
	"github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
)

const loggerName = "quicbridge"

// Formats lists the accepted logging.format values.
var Formats = []string{"text", "json", "mozlog"}

// Options configure New.
type Options struct {
	Level      string
	Format     string
	SyslogAddr string
}

// New returns a logger writing to stderr. When SyslogAddr is set, entries
// are also sent there over UDP.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.Out = os.Stderr

	if err := SetLevel(logger, opts.Level); err != nil {
		return nil, err
	}
	formatter, err := newFormatter(opts.Format)
	if err != nil {
		return nil, err
	}
	logger.Formatter = formatter

	if opts.SyslogAddr != "" {
		hook, err := lSyslog.NewSyslogHook("udp", opts.SyslogAddr, syslog.LOG_DEBUG, loggerName)
		if err != nil {
			return nil, fmt.Errorf("syslog hook: %w", err)
		}
		logger.Hooks.Add(hook)
	}
	return logger, nil
}

// SetLevel changes the level of a running logger. Empty means info.
func SetLevel(logger *logrus.Logger, level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	return nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch format {
	case "", "text":
		return &logrus.TextFormatter{FullTimestamp: true}, nil
	case "json":
		return &logrus.JSONFormatter{}, nil
	case "mozlog":
		return &mozlog.MozLogFormatter{LoggerName: loggerName}, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Validate checks a level and format without building a logger.
func Validate(level, format string) error {
	if level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return err
		}
	}
	_, err := newFormatter(format)
	return err
}
