package logger

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/flowtrace/internal/config"
)

func createTempFile(t *testing.T) string {
	t.Helper()

	tmpFile, err := os.CreateTemp(t.TempDir(), "logtest-")
	require.NoError(t, err)
	tmpFile.Close()

	return tmpFile.Name()
}

// MustClose calls Close() on the Closer and fails the test in case it returns
// an error.
func MustClose(tb testing.TB, closer io.Closer) {
	require.NoError(tb, closer.Close())
}

func TestConfigureJSONLog(t *testing.T) {
	tmpFile := createTempFile(t)
	cfg := config.Config{
		LogFile:   tmpFile,
		LogFormat: "json",
		LogLevel:  "debug",
	}

	closer := Configure(&cfg)
	require.NotNil(t, closer)
	defer MustClose(t, closer)

	log.WithFields(log.Fields{"request_seq": 1}).Info("this is a test")
	logrus.Debug("debug log message")

	data, err := os.ReadFile(tmpFile)
	require.NoError(t, err)

	dataStr := string(data)
	require.Contains(t, dataStr, `"msg":"this is a test"`)
	require.Contains(t, dataStr, `"request_seq":1`)
	require.Contains(t, dataStr, `"msg":"debug log message"`)
}

func TestConfigureLogLevel(t *testing.T) {
	tmpFile := createTempFile(t)
	cfg := config.Config{
		LogFile:   tmpFile,
		LogFormat: "text",
		LogLevel:  "warn",
	}

	closer := Configure(&cfg)
	require.NotNil(t, closer)
	defer MustClose(t, closer)

	log.Info("hidden message")
	logrus.Warn("visible message")

	data, err := os.ReadFile(tmpFile)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hidden message")
	require.Contains(t, string(data), "visible message")
}

func TestConfigureDirectoryFailure(t *testing.T) {
	tempDir := t.TempDir()

	cfg := config.Config{
		LogFile:   tempDir,
		LogFormat: "json",
	}

	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	closer := Configure(&cfg)
	log.Info("this is a test")

	w.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	os.Stderr = old

	if closer != nil {
		MustClose(t, closer)
	}

	assert.Contains(t, buf.String(), "failed to configure log file", "capture the error in stderr")
	assert.Contains(t, buf.String(), "this is a test", "we should still be logging to stderr in this case")
}

func TestLogFormat(t *testing.T) {
	require.Equal(t, "json", logFormat(""))
	require.Equal(t, "json", logFormat("yaml"))
	require.Equal(t, "text", logFormat("text"))
	require.Equal(t, "color", logFormat("color"))
}
