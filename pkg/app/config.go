// Copyright 2023 The acquirecloud Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app is the composition root for the coordination core: it
// constructs the KV failover façade, L1 cache decorator, lock manager,
// instance coordinator, media-group buffer and shutdown supervisor, and
// wires the collab interfaces in as constructor parameters. No component
// constructed here is a package-level singleton (spec §9).
package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/solarisdb/relaycoord/golibs/config"
	"github.com/solarisdb/relaycoord/golibs/ulidutils"
)

type (
	// KVProvider selects which backend(s) the transport uses.
	KVProvider string

	// PrimaryConfig carries the Cloudflare-Workers-KV-shaped credentials
	// spec §6 names for the primary provider.
	PrimaryConfig struct {
		AccountID   string
		NamespaceID string
		Token       string
	}

	// FallbackConfig carries the Upstash-REST-shaped credentials spec §6
	// names for the fallback provider.
	FallbackConfig struct {
		URL   string
		Token string
	}

	// Config is the coordination core's full environment-driven
	// configuration, every field either a named constructor parameter
	// consumer or a documented field here (spec §9: "enumerate duck-typed
	// options objects explicitly").
	Config struct {
		// InstanceID identifies this replica. Generated if empty.
		InstanceID string
		// Hostname is recorded in the instance record for operator visibility.
		Hostname string
		// OwnerID is loaded with the rest of the configuration; no component
		// reads it, and locks are acquired and released under InstanceID.
		OwnerID string

		// KVProvider forces "cloudflare" or "upstash" as the only backend,
		// with no failover to the other; empty means "use whichever of
		// Primary/Fallback is configured, preferring Primary". "buntdb" or
		// "inmem" bypass the network providers entirely for
		// single-replica/dev deployments.
		KVProvider KVProvider

		Primary  PrimaryConfig
		Fallback FallbackConfig

		// BuntDBFilePath, when KVProvider=="buntdb", is the embedded DB file
		// path; empty uses an in-memory BuntDB instance.
		BuntDBFilePath string

		L1CacheSize int
		L1CacheTTLSeconds int

		HeartbeatIntervalSeconds int
		InstanceTimeoutSeconds   int

		LockTTLSeconds int

		BufferTimeoutMillis    int
		MaxBatchSize           int
		StaleThresholdSeconds  int
		CleanupIntervalSeconds int

		DrainTimeoutSeconds int
	}
)

const (
	ProviderCloudflare KVProvider = "cloudflare"
	ProviderUpstash    KVProvider = "upstash"
	ProviderBuntDB     KVProvider = "buntdb"
	ProviderInMem      KVProvider = "inmem"
)

// DefaultConfig returns the spec §4.4/§4.2/§4.3/§4.5 numeric defaults.
func DefaultConfig() Config {
	return Config{
		L1CacheSize:              10000,
		L1CacheTTLSeconds:        10,
		HeartbeatIntervalSeconds: 300,
		InstanceTimeoutSeconds:   900,
		LockTTLSeconds:           30,
		BufferTimeoutMillis:      1000,
		MaxBatchSize:             10,
		StaleThresholdSeconds:    60,
		CleanupIntervalSeconds:   30,
		DrainTimeoutSeconds:      60,
	}
}

// BuildConfig loads Config from an optional file and then environment
// variables prefixed COORDINATOR_, following the teacher's
// pkg/server.BuildConfig shape (default -> file -> env, each layer
// overwriting the previous one's non-zero fields).
func BuildConfig(cfgFile string) (*Config, error) {
	e := config.NewEnricher(DefaultConfig())
	if cfgFile != "" {
		fe := config.NewEnricher(Config{})
		if err := fe.LoadFromFile(cfgFile); err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", cfgFile, err)
		}
		if err := e.ApplyOther(fe); err != nil {
			return nil, err
		}
	}
	if err := e.ApplyEnvVariables("COORDINATOR", "_"); err != nil {
		return nil, err
	}
	cfg := e.Value()
	if cfg.InstanceID == "" {
		cfg.InstanceID = ulidutils.NewID()
	}
	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}
	return &cfg, nil
}

// String renders cfg as indented JSON for startup logging, like the
// teacher's pkg/server.Config.String.
func (c *Config) String() string {
	b, _ := json.MarshalIndent(*c, "", "  ")
	return string(b)
}
