package cli

import (
	"log/slog"
	"strings"

	"github.com/clean-dependency-project/botctl/internal/config"
	"github.com/clean-dependency-project/botctl/internal/logger"
)

// NewLoggersWithOutputFormat builds the process logger from the logging
// section, the --log-level flag and the --output format. Logs always go to
// stderr so stdout stays clean for command output. When no format is
// configured, JSON output gets JSON logs and text output gets text logs.
// The returned function closes the optional log file.
func NewLoggersWithOutputFormat(cfg config.LoggingConfig, levelFlag, outputFormat string) (*slog.Logger, func() error, error) {
	level := cfg.Level
	if strings.TrimSpace(levelFlag) != "" {
		level = levelFlag
	}
	if strings.TrimSpace(level) == "" {
		level = "info"
	}

	format := cfg.Format
	if strings.TrimSpace(format) == "" {
		format = "json"
		if outputFormat == outputText {
			format = "text"
		}
	}
	return logger.NewWithFile(level, format, cfg.File)
}
