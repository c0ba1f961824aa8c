// Package config loads the eight tunables of the session pub/sub
// transport from a YAML file, following the teacher's
// ToolConfigFile/loadToolConfig yaml-struct pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaykit/sessionbus/subscriber"
	"github.com/relaykit/sessionbus/sweeper"
	"github.com/relaykit/sessionbus/writer"
)

// Config is the declarative startup shape for the transport's tunables.
// Every field maps to one row of the configuration keys table.
//
// MaxWaitTime is advisory only: hosts that expose an HTTP handler waiting
// on a subscription read it as their own request timeout. It does not
// feed the Writer's flush deadline, which §5 fixes at 1s regardless of
// configuration.
type Config struct {
	BatchSize            int           `yaml:"batch_size"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	PollingInterval      time.Duration `yaml:"polling_interval"`
	MaxWaitTime          time.Duration `yaml:"max_wait_time"`
	MaxQueueSize         int           `yaml:"max_queue_size"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	DeliveredRetention   time.Duration `yaml:"delivered_retention"`
	UndeliveredRetention time.Duration `yaml:"undelivered_retention"`
}

// DefaultMaxWaitTime is the advisory upper bound hosts should apply to
// long-poll or SSE handlers waiting on a subscription.
const DefaultMaxWaitTime = 30 * time.Second

// Default returns a Config with every default from the configuration
// keys table applied.
func Default() Config {
	return Config{
		BatchSize:            writer.DefaultBatchSize,
		FlushInterval:        writer.DefaultFlushInterval,
		PollingInterval:      subscriber.DefaultPollingInterval,
		MaxWaitTime:          DefaultMaxWaitTime,
		MaxQueueSize:         writer.DefaultMaxQueueSize,
		ShutdownTimeout:      writer.DefaultShutdownWait,
		DeliveredRetention:   sweeper.DefaultDeliveredRetention,
		UndeliveredRetention: sweeper.DefaultUndeliveredRetention,
	}
}

// Load reads a YAML config file at path, applying defaults for any key
// left unset by the file.
func Load(path string) (Config, error) {
	// #nosec G304 -- path is an explicit operator-supplied config location.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	return cfg, nil
}

// WriterConfig projects the fields writer.Writer cares about.
func (c Config) WriterConfig() writer.Config {
	return writer.Config{
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval,
		MaxQueueSize:  c.MaxQueueSize,
		ShutdownWait:  c.ShutdownTimeout,
	}
}

// SubscriberConfig projects the fields subscriber.Subscriber cares about.
func (c Config) SubscriberConfig() subscriber.Config {
	return subscriber.Config{
		PollingInterval: c.PollingInterval,
	}
}

// SweeperConfig projects the fields sweeper.Sweeper cares about.
func (c Config) SweeperConfig() sweeper.Config {
	return sweeper.Config{
		DeliveredRetention:   c.DeliveredRetention,
		UndeliveredRetention: c.UndeliveredRetention,
	}
}
