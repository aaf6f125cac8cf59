/*
Copyright 2023 Watchpost, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml"

	"github.com/watchpost/client-go/lib/logger"
	"github.com/watchpost/client-go/queue"
)

// Config stores the full configuration of the sync daemon.
type Config struct {
	Backend BackendConfig `toml:"backend"`
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Log     logger.Config `toml:"log"`
}

// BackendConfig holds the Watchpost backend endpoints.
type BackendConfig struct {
	// APIURL is the base URL of the Watchpost API.
	APIURL string `toml:"api_url"`
	// RefreshURL is the identity service endpoint used to rotate sessions.
	// Defaults to api_url + "/api/auth/refresh".
	RefreshURL string `toml:"refresh_url"`
	// HealthURL is probed to detect connectivity. Defaults to
	// api_url + "/api/health".
	HealthURL string `toml:"health_url"`
}

// StorageConfig holds the on-disk state location.
type StorageConfig struct {
	Dir string `toml:"dir"`
}

// SyncConfig tunes the connectivity probe and the replay behavior.
type SyncConfig struct {
	ProbeIntervalSeconds int `toml:"probe_interval_seconds"`
	MaxRetryAttempts     int `toml:"max_retry_attempts"`
	ReplaysPerMinute     int `toml:"replays_per_minute"`
}

const exampleConfig = `# Example watchpost-syncd configuration TOML file

[backend]
api_url = "https://api.watchpost.example.com"       # Watchpost API base URL
# refresh_url = ""                                  # Defaults to api_url + "/api/auth/refresh"
# health_url = ""                                   # Defaults to api_url + "/api/health"

[storage]
dir = "/var/lib/watchpost/syncd"                    # Durable state: session and retry queue

[sync]
probe_interval_seconds = 30                         # Connectivity probe period while online
max_retry_attempts = 3                              # Replay budget per queued request
# replays_per_minute = 60                           # Optional replay pacing after a reconnect

[log]
output = "stderr" # Logger output. Could be "stdout", "stderr" or "/var/log/watchpost-syncd.log"
severity = "INFO" # Logger severity. Could be "INFO", "ERROR", "DEBUG" or "WARN".
`

// LoadConfig reads the config file, initializes a new Config struct object, and returns it.
// Optionally returns an error if the file is not readable, or if file format is invalid.
func LoadConfig(filepath string) (*Config, error) {
	t, err := toml.LoadFile(filepath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conf := &Config{}
	if err := t.Unmarshal(conf); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return conf, nil
}

// CheckAndSetDefaults checks the config struct for any logical errors, and sets default values
// if some values are missing.
// If critical values are missing and we can't set defaults for them, this method returns an error.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend.APIURL == "" {
		return trace.BadParameter("missing required value backend.api_url")
	}
	if c.Backend.RefreshURL == "" {
		c.Backend.RefreshURL = c.Backend.APIURL + "/api/auth/refresh"
	}
	if c.Backend.HealthURL == "" {
		c.Backend.HealthURL = c.Backend.APIURL + "/api/health"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "/var/lib/watchpost/syncd"
	}
	if c.Sync.ProbeIntervalSeconds == 0 {
		c.Sync.ProbeIntervalSeconds = 30
	}
	if c.Sync.MaxRetryAttempts == 0 {
		c.Sync.MaxRetryAttempts = queue.DefaultMaxRetryAttempts
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	if c.Log.Severity == "" {
		c.Log.Severity = "info"
	}
	return nil
}

// ProbeInterval returns the probe period as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Sync.ProbeIntervalSeconds) * time.Second
}
