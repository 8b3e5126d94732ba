package logger_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/surrealdb/docsync/pkg/logger"
)

func TestLog(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger, err := logger.New().FromBuffer(buff).Make()
	require.NoError(t, err)
	require.NotNil(t, templogger)
	require.Equal(t, buff.Len(), 0)
	templogger.Info("Test", "collection", "people", "inserts", 3)
	require.Contains(t, buff.String(), "Test")
	require.Contains(t, buff.String(), `"collection":"people"`)
	require.Contains(t, buff.String(), `"inserts":3`)
}

func TestLogDebugLevel(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	quiet, err := logger.New().FromBuffer(buff).Make()
	require.NoError(t, err)
	quiet.Debug("hidden")
	require.Equal(t, 0, buff.Len())

	loud, err := logger.New().FromBuffer(buff).Debug(true).Make()
	require.NoError(t, err)
	loud.Debug("shown")
	require.Contains(t, buff.String(), "shown")
}

func TestLogFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.log")
	logData, err := logger.New().FromPath(path).Make()
	require.NoError(t, err)
	logData.Warn("to file")
	require.NoError(t, logData.Close())
}

func TestNop(t *testing.T) {
	l := logger.Nop()
	l.Error("nothing", "k", "v")
}
