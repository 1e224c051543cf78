// Package command holds the process setup shared by flowtrace binaries.
package command

import (
	"context"
	"fmt"
	"os"

	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/tracing"

	"gitlab.com/gitlab-org/flowtrace/internal/config"
)

// Setup initializes tracing from the configuration file and generates a
// background context from which all other contexts in the process should derive
// from, as it has a service name and initial correlation ID set.
func Setup(serviceName string, cfg *config.Config) (context.Context, func()) {
	closer := tracing.Initialize(
		tracing.WithServiceName(serviceName),
		tracing.WithConnectionString(cfg.Instrumentation.Tracing),
	)

	ctx, finished := tracing.ExtractFromEnv(context.Background())
	ctx = correlation.ContextWithClientName(ctx, serviceName)

	correlationID := correlation.ExtractFromContext(ctx)
	if correlationID == "" {
		correlationID = correlation.SafeRandomID()
		ctx = correlation.ContextWithCorrelation(ctx, correlationID)
	}

	return ctx, func() {
		finished()
		_ = closer.Close()
	}
}

// CheckForVersionFlag prints the version and exits when the first argument
// is -version or --version.
func CheckForVersionFlag(osArgs []string, version, buildTime string) {
	if len(osArgs) == 2 && (osArgs[1] == "-version" || osArgs[1] == "--version") {
		fmt.Printf("%s %s-%s\n", osArgs[0], version, buildTime)
		os.Exit(0)
	}
}
