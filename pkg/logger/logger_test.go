package logger

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	cmjson "github.com/ajitpratap0/clearmap/pkg/json"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "produce-clearmap.log")

	log, err := New(Config{
		Level:       "info",
		Encoding:    "json",
		OutputPaths: []string{os.DevNull},
		File:        FileConfig{Path: path, MaxSizeMB: 20, MaxAgeDays: 14},
	})
	require.NoError(t, err)

	log.Info("job finished", zap.String("job_key", "0-0-0"))
	log.Debug("below level")
	require.NoError(t, log.Sync())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, cmjson.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "job finished", lines[0]["message"])
	assert.Equal(t, "0-0-0", lines[0]["job_key"])
	assert.Equal(t, "info", lines[0]["level"])
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	WithContext(ContextWithJob(context.Background(), "0-0-0"), base).Info("with job")
	WithContext(context.Background(), base).Info("without job")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "0-0-0", entries[0].ContextMap()["job_key"])
	assert.NotContains(t, entries[1].ContextMap(), "job_key")

	assert.NotNil(t, WithContext(context.Background(), nil))
}
