// Package corelog provides the single global logger every component in the
// core logs through, following the teacher's root-package logrus singleton.
package corelog

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fkserver/core/internal/config"
)

// Log is the process-wide logger. Before Init it is a plain stdout logger;
// Init points it at logrus's standard logger configured from cfg, so packages
// that call logrus's package-level functions log through the same instance.
var Log *logrus.Logger

// Init configures the global logger from cfg and should be called once on startup.
func Init(cfg *config.Config) error {
	var w io.Writer
	var err error

	if cfg.Logging.LogFilePath == "" {
		w = os.Stdout
	} else {
		w, err = os.OpenFile(cfg.Logging.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Logging.LogFilePath, err)
		}
	}

	level := cfg.Logging.LogLevel
	if level == "" {
		level = "info"
	}
	logLvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level %q: %w", level, err)
	}

	std := logrus.StandardLogger()
	std.SetOutput(w)
	std.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
		DisableSorting:  true,
	})
	std.SetLevel(logLvl)
	std.SetReportCaller(cfg.Logging.IncludeCaller)
	Log = std
	return nil
}

func init() {
	// Give tests and early-init code paths something usable before Init runs.
	Log = logrus.New()
	Log.SetOutput(os.Stdout)
}
