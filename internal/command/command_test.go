package command

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/labkit/correlation"

	"gitlab.com/gitlab-org/flowtrace/internal/config"
	"gitlab.com/gitlab-org/flowtrace/internal/testhelper"
)

func TestSetupCorrelationID(t *testing.T) {
	testCases := []struct {
		name                  string
		additionalEnv         map[string]string
		expectedCorrelationID string
	}{
		{
			name: "no CORRELATION_ID in environment",
		},
		{
			name: "CORRELATION_ID in environment",
			additionalEnv: map[string]string{
				"CORRELATION_ID": "abc123",
			},
			expectedCorrelationID: "abc123",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			testhelper.TempEnv(t, tc.additionalEnv)

			ctx, finished := Setup("flowtrace-test", &config.Config{})
			require.NotNil(t, ctx, "ctx is nil")
			require.NotNil(t, finished, "finished is nil")
			defer finished()

			correlationID := correlation.ExtractFromContext(ctx)
			require.NotEmpty(t, correlationID)
			require.Equal(t, "flowtrace-test", correlation.ExtractClientNameFromContext(ctx))

			if tc.expectedCorrelationID != "" {
				require.Equal(t, tc.expectedCorrelationID, correlationID)
			}
		})
	}
}
