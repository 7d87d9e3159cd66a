/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package config loads channel configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix used by Load.
const Prefix = "PVCHAN"

// Config holds all configuration for a pair of domains sharing a channel.
type Config struct {
	Domain   DomainConfig
	Device   DeviceConfig
	Ring     RingConfig
	Exchange ExchangeConfig
	Timeouts TimeoutConfig
	Logging  LogConfig
	Metrics  MetricsConfig
}

// DomainConfig identifies the two domains.
type DomainConfig struct {
	Host  uint16 `envconfig:"HOST_DOMAIN" default:"0"`
	Guest uint16 `envconfig:"GUEST_DOMAIN" default:"1"`
}

// DeviceConfig names the device node both domains agree on.
type DeviceConfig struct {
	Type string `envconfig:"DEVICE_TYPE" default:"alice_dev"`
	ID   uint32 `envconfig:"DEVICE_ID" default:"0"`
}

// RingConfig sizes the record ring set up by the requesting side.
type RingConfig struct {
	Capacity       uint32 `envconfig:"RING_CAPACITY" default:"32"`
	StreamCapacity uint32 `envconfig:"STREAM_CAPACITY" default:"1024"`
}

// ExchangeConfig selects where the key-value exchange service lives. An
// empty Address runs an in-process store.
type ExchangeConfig struct {
	Address string `envconfig:"EXCHANGE_ADDR" default:""`
	Listen  string `envconfig:"EXCHANGE_LISTEN" default:"localhost:50071"`
}

// TimeoutConfig bounds the blocking phases of a connection.
type TimeoutConfig struct {
	Connect       time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	Revoke        time.Duration `envconfig:"REVOKE_TIMEOUT" default:"5s"`
	RevokeRetry   time.Duration `envconfig:"REVOKE_RETRY" default:"10ms"`
	RequestBudget time.Duration `envconfig:"REQUEST_TIMEOUT" default:"2s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig holds the Prometheus exposition address. Empty disables it.
type MetricsConfig struct {
	Address string `envconfig:"METRICS_ADDR" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Domain: DomainConfig{Host: 0, Guest: 1},
		Device: DeviceConfig{Type: "alice_dev", ID: 0},
		Ring: RingConfig{
			Capacity:       32,
			StreamCapacity: 1024,
		},
		Exchange: ExchangeConfig{Listen: "localhost:50071"},
		Timeouts: TimeoutConfig{
			Connect:       10 * time.Second,
			Revoke:        5 * time.Second,
			RevokeRetry:   10 * time.Millisecond,
			RequestBudget: 2 * time.Second,
		},
		Logging: LogConfig{Level: "info"},
	}
}

// Validate checks the invariants the transport relies on.
func (c *Config) Validate() error {
	if c.Domain.Host == c.Domain.Guest {
		return fmt.Errorf("host and guest domain must differ, both are %d", c.Domain.Host)
	}
	if c.Device.Type == "" {
		return fmt.Errorf("device type must not be empty")
	}
	if !isPowerOfTwo(c.Ring.Capacity) {
		return fmt.Errorf("ring capacity %d is not a power of two", c.Ring.Capacity)
	}
	if !isPowerOfTwo(c.Ring.StreamCapacity) {
		return fmt.Errorf("stream capacity %d is not a power of two", c.Ring.StreamCapacity)
	}
	if c.Timeouts.RevokeRetry <= 0 {
		return fmt.Errorf("revoke retry interval must be positive")
	}
	return nil
}

func isPowerOfTwo(n uint32) bool {
	return n > 0 && n&(n-1) == 0
}
