package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)
	c := NewConfig(WithRootDir(t.TempDir()))
	require.Equal(4, c.Workers)
	require.Equal(100, c.QueueSize)
	require.Equal(int64(10000), c.RelayTimeoutMs)
	require.Equal(int64(5000), c.RelayRetryMs)
}

func TestWorkersFloor(t *testing.T) {
	require := require.New(t)
	c := NewConfig(WithRootDir(t.TempDir()), WithWorkers(0))
	require.Equal(1, c.Workers)
}

func TestParse(t *testing.T) {
	require := require.New(t)
	opts, err := Parse([]byte("debug: true\nworkers: 8\nstalled_warn_age_ms: 1000\nrelay_retry_ms: 250\n"))
	require.Nil(err)
	opts = append(opts, WithRootDir(t.TempDir()))
	c := NewConfig(opts...)
	require.True(c.Debug)
	require.Equal(8, c.Workers)
	require.Equal(int64(1000), c.StalledWarnAgeMs)
	require.Equal(int64(250), c.RelayRetryMs)
	require.Equal(100, c.QueueSize)
}

func TestParseRejectsBadWorkers(t *testing.T) {
	require := require.New(t)
	_, err := Parse([]byte("workers: 0\n"))
	require.NotNil(err)
	_, err = Parse([]byte("workers: [\n"))
	require.NotNil(err)
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "receipts.yaml")
	require.Nil(os.WriteFile(path, []byte("logging_prefix: node1\nqueue_size: 5\n"), 0o600))
	opts, err := LoadFile(path)
	require.Nil(err)
	c := NewConfig(append(opts, WithRootDir(dir))...)
	require.Equal("node1", c.LoggingPrefix)
	require.Equal(5, c.QueueSize)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.NotNil(err)
}

func TestLogger(t *testing.T) {
	require := require.New(t)
	c := NewConfig(WithRootDir(t.TempDir()), WithLoggingPrefix("test"))
	log := c.Logger("receipt")
	require.NotNil(log)
	log.Debugf("hello %d", 1)
}
