package observability

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/arkilian/cachestress/internal/config"
)

// InitLog configures the process logger.
func InitLog(cfg config.LogConfig, out io.Writer) error {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	default:
		return fmt.Errorf("unrecognized log format: %q", cfg.Format)
	}

	lvl, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("unrecognized log level: %w", err)
	}
	log.SetLevel(lvl)

	if out != nil {
		log.SetOutput(out)
	}
	return nil
}
