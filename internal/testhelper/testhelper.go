// Package testhelper prepares test roots for packages that read files from disk.
package testhelper

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/otiai10/copy"
	"github.com/stretchr/testify/require"
)

// TempEnv sets env for the duration of the test.
func TempEnv(t *testing.T, env map[string]string) {
	for key, value := range env {
		t.Setenv(key, value)
	}
}

// PrepareTestRootDir copies testdata/testroot into a temporary directory and
// changes into it. The previous working directory is restored on cleanup.
func PrepareTestRootDir(t *testing.T) string {
	t.Helper()

	testRoot := t.TempDir()

	require.NoError(t, copyTestData(testRoot))

	oldWd, err := os.Getwd()
	require.NoError(t, err)

	t.Cleanup(func() { _ = os.Chdir(oldWd) })

	require.NoError(t, os.Chdir(testRoot))

	return testRoot
}

// WriteConfig replaces the config.yml of dir with contents.
func WriteConfig(t *testing.T, dir, contents string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(contents), 0o600))
}

func copyTestData(testRoot string) error {
	testDataDir, err := getTestDataDir()
	if err != nil {
		return err
	}

	testdata := path.Join(testDataDir, "testroot")

	return copy.Copy(testdata, testRoot)
}

func getTestDataDir() (string, error) {
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("could not get caller info")
	}

	return path.Join(path.Dir(currentFile), "testdata"), nil
}
