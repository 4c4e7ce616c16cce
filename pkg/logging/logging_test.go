package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestFileLogger_WritesJSONToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "deliveryd.log")

	closer, logger, err := FileLogger(logrus.InfoLevel, path)
	require.NoError(t, err)

	logger.WithField("component", "test").Info("hello")
	logger.Debug("filtered")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)
	require.Contains(t, string(data), `"component":"test"`)
	require.NotContains(t, string(data), "filtered")
}
