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
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/solarisdb/relaycoord/collab"
	"github.com/solarisdb/relaycoord/coordinator"
	"github.com/solarisdb/relaycoord/golibs/logging"
	"github.com/solarisdb/relaycoord/kvs"
	"github.com/solarisdb/relaycoord/kvs/buntdb"
	"github.com/solarisdb/relaycoord/kvs/distlock"
	"github.com/solarisdb/relaycoord/kvs/failover"
	"github.com/solarisdb/relaycoord/kvs/httpkv"
	"github.com/solarisdb/relaycoord/kvs/inmem"
	"github.com/solarisdb/relaycoord/kvs/l1cache"
	"github.com/solarisdb/relaycoord/mediabuffer"
	"github.com/solarisdb/relaycoord/shutdown"
)

type (
	// Collaborators bundles the external interfaces the core needs at
	// construction time. Engine is required; the rest may be nil when the
	// feature that would use them is unexercised by the embedding process
	// (e.g. an operational CLI command that never broadcasts events).
	Collaborators struct {
		Engine collab.TaskEngine
		Bus    collab.MessageBus
		Clock  collab.Clock
	}

	// App is the constructed coordination core for one process: every
	// component below is a plain value owned by this struct, not a
	// package-level singleton (spec §9).
	App struct {
		cfg    Config
		logger logging.Logger

		Storage     kvs.Storage
		Locks       *distlock.Manager
		Coordinator *coordinator.Coordinator
		Buffer      *mediabuffer.Buffer
		Shutdown    *shutdown.Supervisor
	}
)

// NewStorage builds the kvs.Storage the rest of the core runs on: the
// configured provider(s) behind kvs/failover when both are configured,
// wrapped in kvs/l1cache.
func NewStorage(cfg Config) (kvs.Storage, error) {
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	cached, err := l1cache.New(backend, cfg.L1CacheSize, time.Duration(cfg.L1CacheTTLSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("app.NewStorage(): %w", err)
	}
	return cached, nil
}

func newBackend(cfg Config) (kvs.Storage, error) {
	var primary, fallback kvs.Storage

	if cfg.Primary.AccountID != "" {
		primary = httpkv.NewCloudflare(httpkv.CloudflareConfig{
			AccountID: cfg.Primary.AccountID, NamespaceID: cfg.Primary.NamespaceID, Token: cfg.Primary.Token,
		})
	}
	if cfg.Fallback.URL != "" {
		fallback = httpkv.NewUpstash(httpkv.UpstashConfig{URL: cfg.Fallback.URL, Token: cfg.Fallback.Token})
	}

	switch cfg.KVProvider {
	case ProviderCloudflare:
		if primary == nil {
			return nil, fmt.Errorf("app.NewStorage(): KV_PROVIDER=cloudflare but no primary credentials configured")
		}
		return primary, nil
	case ProviderUpstash:
		if fallback == nil {
			return nil, fmt.Errorf("app.NewStorage(): KV_PROVIDER=upstash but no fallback credentials configured")
		}
		return fallback, nil
	case ProviderBuntDB:
		return buntdb.NewStorage(buntdb.Config{DBFilePath: cfg.BuntDBFilePath})
	case ProviderInMem:
		return inmem.New(), nil
	}

	switch {
	case primary != nil && fallback != nil:
		return failover.New(primary, fallback), nil
	case primary != nil:
		return primary, nil
	case fallback != nil:
		return fallback, nil
	default:
		return inmem.New(), nil
	}
}

// New wires every component of the coordination core together. It does not
// register this instance or start any background loop that touches the
// network beyond what the constructors themselves start (distlock's
// sweeper and mediabuffer's cleanup ticker, which run from construction
// on; the coordinator's heartbeat starts only when Run calls
// RegisterInstance).
func New(cfg Config, collaborators Collaborators) (*App, error) {
	storage, err := NewStorage(cfg)
	if err != nil {
		return nil, err
	}

	locks := distlock.NewManager(storage)

	clock := collaborators.Clock
	if clock == nil {
		clock = collab.SystemClock{}
	}

	coord := coordinator.New(storage, locks, collaborators.Bus, clock, cfg.InstanceID, cfg.Hostname, coordinator.Options{
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		InstanceTimeout:   time.Duration(cfg.InstanceTimeoutSeconds) * time.Second,
	})

	buf := mediabuffer.New(storage, locks, collaborators.Engine, clock, cfg.InstanceID, mediabuffer.Options{
		BufferTimeout:   time.Duration(cfg.BufferTimeoutMillis) * time.Millisecond,
		MaxBatchSize:    cfg.MaxBatchSize,
		StaleThreshold:  time.Duration(cfg.StaleThresholdSeconds) * time.Second,
		CleanupInterval: time.Duration(cfg.CleanupIntervalSeconds) * time.Second,
		LockTTL:         time.Duration(cfg.LockTTLSeconds) * time.Second,
	})

	sup := shutdown.NewSupervisor(shutdown.Options{
		DrainTimeout:       time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
		ReleaseLocks:       func() { locks.ReleaseAll(cfg.InstanceID) },
		UnregisterInstance: coord.UnregisterInstance,
	})
	if collaborators.Engine != nil {
		sup.RegisterTaskCounter(func() int { return collaborators.Engine.WaitingCount() + collaborators.Engine.ProcessingCount() })
	}
	sup.RegisterHook(func(ctx context.Context) error { return buf.Persist(ctx) }, shutdown.HookOptions{
		Name: "media-buffer-persist", Priority: 10, ResourceType: "coordination-state",
	})
	sup.RegisterHook(func(context.Context) error { buf.Shutdown(); return nil }, shutdown.HookOptions{
		Name: "media-buffer-shutdown", Priority: 20, Dependencies: []string{"media-buffer-persist"}, ResourceType: "coordination-state",
	})
	sup.RegisterHook(func(context.Context) error { coord.Shutdown(); return nil }, shutdown.HookOptions{
		Name: "coordinator-shutdown", Priority: 30, ResourceType: "coordination-state",
	})
	sup.RegisterHook(func(context.Context) error { locks.Shutdown(); return nil }, shutdown.HookOptions{
		Name: "distlock-shutdown", Priority: 40, Dependencies: []string{"coordinator-shutdown", "media-buffer-shutdown"}, ResourceType: "coordination-state",
	})

	return &App{
		cfg:         cfg,
		logger:      logging.NewLogger("app.App"),
		Storage:     storage,
		Locks:       locks,
		Coordinator: coord,
		Buffer:      buf,
		Shutdown:    sup,
	}, nil
}

// Run registers this instance, restores any media-group buffer snapshot
// from a previous run, and blocks until ctx is cancelled (by a termination
// signal or an unrecoverable error), at which point it runs the shutdown
// supervisor and returns its exit code.
func (a *App) Run(ctx context.Context) int {
	a.logger.Infof("starting coordination core: %s", a.cfg.String())

	if err := a.Coordinator.RegisterInstance(ctx); err != nil {
		a.logger.Errorf("could not register instance: %s", err)
		return 1
	}
	if err := a.Buffer.Restore(ctx); err != nil {
		a.logger.Warnf("could not restore media-group buffer snapshot: %s", err)
	}

	<-ctx.Done()

	source := "signal"
	var cause error
	if err := ctx.Err(); err != nil && err != context.Canceled {
		cause = err
		source = "error"
	}
	code := a.Shutdown.Shutdown(context.Background(), source, cause)
	a.logger.Infof("coordination core stopped, exit code %d", code)
	return code
}
