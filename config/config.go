// This package defines a common config struct used by every subsystem of the receipt engine.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug            bool
	RootDir          string
	LoggingPrefix    string
	Workers          int
	QueueSize        int
	RelayTimeoutMs   int64
	RelayRetryMs     int64
	StalledWarnAgeMs int64
	writer           io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// WithWorkers sets how many receipts are processed concurrently.
func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Workers = n
	}
}

func WithQueueSize(n int) Option {
	return func(c *Config) {
		c.QueueSize = n
	}
}

func WithRelayTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RelayTimeoutMs = n
	}
}

// WithRelayRetryMs sets how long a released relay receipt waits before it is pulled again.
func WithRelayRetryMs(n int64) Option {
	return func(c *Config) {
		c.RelayRetryMs = n
	}
}

// WithStalledWarnAgeMs sets the age after which a stalled receipt is reported on start. Stalled
// receipts are never deleted because of their age.
func WithStalledWarnAgeMs(n int64) Option {
	return func(c *Config) {
		c.StalledWarnAgeMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:            os.Getenv("DEBUG") == "1",
		LoggingPrefix:    "",
		RootDir:          ".",
		Workers:          4,
		QueueSize:        100,
		RelayTimeoutMs:   10000,
		RelayRetryMs:     5000,
		StalledWarnAgeMs: 7 * 24 * 60 * 60 * 1000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}

	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return c
}
