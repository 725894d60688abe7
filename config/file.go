package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Debug            *bool   `yaml:"debug"`
	RootDir          *string `yaml:"root_dir"`
	LoggingPrefix    *string `yaml:"logging_prefix"`
	Workers          *int    `yaml:"workers"`
	QueueSize        *int    `yaml:"queue_size"`
	RelayTimeoutMs   *int64  `yaml:"relay_timeout_ms"`
	RelayRetryMs     *int64  `yaml:"relay_retry_ms"`
	StalledWarnAgeMs *int64  `yaml:"stalled_warn_age_ms"`
}

// LoadFile reads a YAML config file and returns the options it sets. Keys that are absent keep
// their defaults.
func LoadFile(path string) ([]Option, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("config: error reading %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) ([]Option, error) {
	fc := &fileConfig{}
	if err := yaml.Unmarshal(b, fc); err != nil {
		return nil, fmt.Errorf("config: error parsing yaml: %w", err)
	}

	var opts []Option
	if fc.Debug != nil {
		opts = append(opts, WithDebug(*fc.Debug))
	}
	if fc.RootDir != nil {
		opts = append(opts, WithRootDir(*fc.RootDir))
	}
	if fc.LoggingPrefix != nil {
		opts = append(opts, WithLoggingPrefix(*fc.LoggingPrefix))
	}
	if fc.Workers != nil {
		if *fc.Workers < 1 {
			return nil, fmt.Errorf("config: workers must be at least 1, got %d", *fc.Workers)
		}
		opts = append(opts, WithWorkers(*fc.Workers))
	}
	if fc.QueueSize != nil {
		opts = append(opts, WithQueueSize(*fc.QueueSize))
	}
	if fc.RelayTimeoutMs != nil {
		opts = append(opts, WithRelayTimeoutMs(*fc.RelayTimeoutMs))
	}
	if fc.RelayRetryMs != nil {
		opts = append(opts, WithRelayRetryMs(*fc.RelayRetryMs))
	}
	if fc.StalledWarnAgeMs != nil {
		opts = append(opts, WithStalledWarnAgeMs(*fc.StalledWarnAgeMs))
	}
	return opts, nil
}
