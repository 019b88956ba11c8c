package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/grovetools/paramhub/config"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	// activeConfig is the logging section applied to every new logger.
	activeConfig *Config
)

// Configure sets the logging section used by loggers created afterwards and
// reconfigures the ones that already exist.
func Configure(cfg Config) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	activeConfig = &cfg
	for component, entry := range loggers {
		apply(entry.Logger, component, cfg)
	}
}

// ConfigureFrom decodes the "logging" extension of cfg and applies it.
func ConfigureFrom(cfg *config.Config) error {
	var logCfg Config
	if err := cfg.UnmarshalExtension("logging", &logCfg); err != nil {
		return err
	}
	Configure(logCfg)
	return nil
}

// NewLogger creates and returns a pre-configured logger for a specific component.
// It uses a singleton pattern per component to avoid re-initializing.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	var logCfg Config
	if activeConfig != nil {
		logCfg = *activeConfig
	} else if cfg, err := config.LoadDefault(); err == nil {
		// Use UnmarshalExtension to safely decode the logging part
		if err := cfg.UnmarshalExtension("logging", &logCfg); err != nil {
			// Log a warning if parsing fails, but continue with defaults
			logrus.Warnf("Failed to parse 'logging' config: %v", err)
		}
	}

	logger := logrus.New()
	apply(logger, component, logCfg)

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

func apply(logger *logrus.Logger, component string, logCfg Config) {
	// Configure Level
	levelStr := "info" // Default level
	if os.Getenv("PARAMHUB_LOG_LEVEL") != "" {
		levelStr = os.Getenv("PARAMHUB_LOG_LEVEL")
	} else if logCfg.Level != "" {
		levelStr = logCfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Configure Caller Reporting
	logger.SetReportCaller(os.Getenv("PARAMHUB_LOG_CALLER") == "true" || logCfg.ReportCaller)

	isTerminal := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	// Configure Formatter
	switch logCfg.Format.Preset {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "simple":
		logger.SetFormatter(&TextFormatter{Config: FormatConfig{
			DisableTimestamp: true,
			DisableComponent: true,
		}})
	default:
		logger.SetFormatter(&TextFormatter{Config: logCfg.Format, Color: isTerminal})
	}

	// Configure Output Sinks
	var writers []io.Writer
	if logCfg.Format.Stderr != "never" {
		writers = append(writers, os.Stderr)
	}

	if logCfg.File.Enabled && logCfg.File.Path != "" {
		logFilePath := expandPath(logCfg.File.Path)
		dir := filepath.Dir(logFilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Warnf("Failed to create log directory %s: %v", dir, err)
		} else if file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666); err == nil {
			writers = append(writers, file)
		} else {
			logger.Warnf("Failed to open log file %s for %s: %v", logFilePath, component, err)
		}
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}
}

// expandPath expands tilde in file paths
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
