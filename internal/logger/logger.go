// Package logger configures the process-wide labkit logger.
package logger

import (
	"fmt"
	"io"
	"os"

	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/flowtrace/internal/config"
)

const stderrOutput = "stderr"

// Configure initializes logging from cfg. An empty LogFile logs to standard
// error, which is also the fallback when LogFile cannot be opened. The
// returned closer must be closed on exit.
func Configure(cfg *config.Config) io.Closer {
	output := cfg.LogFile
	if output == "" {
		output = stderrOutput
	}

	closer, err := initialize(cfg, output)
	if err == nil {
		return closer
	}

	progName, _ := os.Executable()
	fmt.Fprintf(os.Stderr, "%s: failed to configure log file %q, falling back to stderr: %v\n", progName, output, err)

	closer, err = initialize(cfg, stderrOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: failed to configure logging: %v\n", progName, err)
		return nil
	}

	return closer
}

func initialize(cfg *config.Config, output string) (io.Closer, error) {
	return log.Initialize(
		log.WithFormatter(logFormat(cfg.LogFormat)),
		log.WithLogLevel(cfg.LogLevel),
		log.WithOutputName(output),
	)
}

func logFormat(format string) string {
	switch format {
	case "json", "text", "color":
		return format
	default:
		return "json"
	}
}
