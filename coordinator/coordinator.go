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

// Package coordinator implements per-replica registration, heartbeats,
// active-instance discovery and a named-lock layer over distlock, built on
// top of a shared kvs.Storage. There is no package-level singleton here:
// the composition root constructs one Coordinator per process.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/solarisdb/relaycoord/collab"
	"github.com/solarisdb/relaycoord/golibs/cast"
	"github.com/solarisdb/relaycoord/golibs/chans"
	"github.com/solarisdb/relaycoord/golibs/errors"
	"github.com/solarisdb/relaycoord/golibs/logging"
	"github.com/solarisdb/relaycoord/golibs/timeout"
	"github.com/solarisdb/relaycoord/kvs"
	"github.com/solarisdb/relaycoord/kvs/distlock"
	"github.com/solarisdb/relaycoord/kvs/l1cache"
)

const (
	instanceKeyPrefix = "instance:"
	taskLockPrefix    = "task:"
	leaderLockName    = "coordinator-leader"

	// StatusActive is the status of a replica that is serving traffic.
	StatusActive = "active"
	// StatusDraining is the status of a replica that is shutting down.
	StatusDraining = "draining"

	taskLockTTL = 600 * time.Second
)

type (
	// InstanceInfo is the de-serialized view of an instance record.
	InstanceInfo struct {
		ID            string
		Hostname      string
		Status        string
		LastHeartbeat time.Time
		StartedAt     time.Time
	}

	instanceRecord struct {
		ID            string `json:"id"`
		Hostname      string `json:"hostname"`
		Status        string `json:"status"`
		LastHeartbeat int64  `json:"lastHeartbeat"`
		StartedAt     int64  `json:"startedAt"`
	}

	// Options tunes a Coordinator. Zero values fall back to spec §4.3
	// defaults: heartbeatInterval=5m, instanceTimeout=15m.
	Options struct {
		HeartbeatInterval time.Duration
		InstanceTimeout   time.Duration
	}

	// Coordinator owns one replica's registration, heartbeat and named-lock
	// lifecycle. It never imports a concrete chat-platform or queue client;
	// broadcast talks only to collab.MessageBus.
	Coordinator struct {
		storage kvs.Storage
		locks   *distlock.Manager
		bus     collab.MessageBus
		clock   collab.Clock
		logger  logging.Logger

		instanceID string
		hostname   string

		heartbeatInterval time.Duration
		instanceTimeout   time.Duration

		mu              sync.Mutex
		active          map[string]InstanceInfo
		registered      bool
		heartbeatFuture timeout.Future
		done            chan struct{}
	}
)

// New constructs a Coordinator for instanceID/hostname. bus may be nil, in
// which case Broadcast is a no-op (useful for tests that don't exercise it).
func New(storage kvs.Storage, locks *distlock.Manager, bus collab.MessageBus, clock collab.Clock, instanceID, hostname string, opts Options) *Coordinator {
	if clock == nil {
		clock = collab.SystemClock{}
	}
	hi := opts.HeartbeatInterval
	if hi <= 0 {
		hi = 5 * time.Minute
	}
	it := opts.InstanceTimeout
	if it <= 0 {
		it = 15 * time.Minute
	}
	return &Coordinator{
		storage:           storage,
		locks:             locks,
		bus:               bus,
		clock:             clock,
		logger:            logging.NewLogger("coordinator.Coordinator"),
		instanceID:        instanceID,
		hostname:          hostname,
		heartbeatInterval: hi,
		instanceTimeout:   it,
		active:            make(map[string]InstanceInfo),
		done:              make(chan struct{}),
	}
}

// GetInstanceID returns this replica's opaque identifier.
func (c *Coordinator) GetInstanceID() string {
	return c.instanceID
}

// RegisterInstance writes this replica's instance record and starts the
// periodic heartbeat that keeps it alive.
func (c *Coordinator) RegisterInstance(ctx context.Context) error {
	now := c.clock.Now()
	rec := instanceRecord{ID: c.instanceID, Hostname: c.hostname, Status: StatusActive, LastHeartbeat: now.UnixMilli(), StartedAt: now.UnixMilli()}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("coordinator.RegisterInstance(): %w", err)
	}
	expiresAt := now.Add(c.instanceTimeout)
	if _, err := c.storage.Put(ctx, kvs.Record{Key: instanceKeyPrefix + c.instanceID, Value: b, ExpiresAt: cast.Ptr(expiresAt)}); err != nil {
		return fmt.Errorf("coordinator.RegisterInstance(): %w", err)
	}

	c.mu.Lock()
	c.registered = true
	c.heartbeatFuture = timeout.Call(c.sendHeartbeat, c.heartbeatInterval)
	c.mu.Unlock()
	return nil
}

// UnregisterInstance deletes this replica's instance record. It is
// idempotent: deleting an already-absent record is not an error.
func (c *Coordinator) UnregisterInstance(ctx context.Context) error {
	c.mu.Lock()
	c.registered = false
	if c.heartbeatFuture != nil {
		c.heartbeatFuture.Cancel()
		c.heartbeatFuture = nil
	}
	c.mu.Unlock()

	if err := c.storage.Delete(ctx, instanceKeyPrefix+c.instanceID); err != nil && !errors.Is(err, errors.ErrNotExist) {
		return fmt.Errorf("coordinator.UnregisterInstance(): %w", err)
	}
	return nil
}

// sendHeartbeat rewrites this replica's instance record with a fresh
// lastHeartbeat. Losses are tolerated: the next tick recovers, per spec §4.3.
func (c *Coordinator) sendHeartbeat() {
	c.mu.Lock()
	if !chans.IsOpened(c.done) || !c.registered {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := c.clock.Now()
	startedAt := now.UnixMilli()
	if cur, gerr := c.storage.Get(l1cache.SkipCache(ctx), instanceKeyPrefix+c.instanceID); gerr == nil {
		var prev instanceRecord
		if json.Unmarshal(cur.Value, &prev) == nil && prev.StartedAt != 0 {
			startedAt = prev.StartedAt
		}
	}
	rec := instanceRecord{ID: c.instanceID, Hostname: c.hostname, Status: StatusActive, LastHeartbeat: now.UnixMilli(), StartedAt: startedAt}
	b, err := json.Marshal(rec)
	if err == nil {
		_, err = c.storage.Put(ctx, kvs.Record{Key: instanceKeyPrefix + c.instanceID, Value: b, ExpiresAt: cast.Ptr(now.Add(c.instanceTimeout))})
	}
	if err != nil {
		c.logger.Warnf("coordinator heartbeat: failed to refresh %s: %s", c.instanceID, err)
	}

	c.mu.Lock()
	if chans.IsOpened(c.done) && c.registered {
		c.heartbeatFuture = timeout.Call(c.sendHeartbeat, c.heartbeatInterval)
	}
	c.mu.Unlock()
}

// GetAllInstances lists every instance record, silently dropping entries
// whose read fails, and refreshes the locally-tracked active set. Each
// record is read with the L1 cache bypassed: liveness is never answered
// from a stale local read.
func (c *Coordinator) GetAllInstances(ctx context.Context) ([]InstanceInfo, error) {
	it, err := c.storage.ListKeys(ctx, instanceKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("coordinator.GetAllInstances(): %w", err)
	}
	defer it.Close()

	var all []InstanceInfo
	active := make(map[string]InstanceInfo)
	now := c.clock.Now()
	for it.HasNext() {
		key, ok := it.Next()
		if !ok {
			continue
		}
		rec, err := c.storage.Get(l1cache.SkipCache(ctx), key)
		if err != nil {
			c.logger.Debugf("coordinator.GetAllInstances(): dropping unreadable %s: %s", key, err)
			continue
		}
		var ir instanceRecord
		if json.Unmarshal(rec.Value, &ir) != nil {
			continue
		}
		info := InstanceInfo{ID: ir.ID, Hostname: ir.Hostname, Status: ir.Status,
			LastHeartbeat: time.UnixMilli(ir.LastHeartbeat), StartedAt: time.UnixMilli(ir.StartedAt)}
		all = append(all, info)
		if now.Sub(info.LastHeartbeat) <= c.instanceTimeout {
			active[info.ID] = info
		}
	}

	c.mu.Lock()
	c.active = active
	c.mu.Unlock()
	return all, nil
}

// GetActiveInstances returns GetAllInstances filtered to replicas whose
// lastHeartbeat is within instanceTimeout of now.
func (c *Coordinator) GetActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	all, err := c.GetAllInstances(ctx)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	res := make([]InstanceInfo, 0, len(all))
	for _, info := range all {
		if now.Sub(info.LastHeartbeat) <= c.instanceTimeout {
			res = append(res, info)
		}
	}
	return res, nil
}

// AcquireLock acquires a named lock through distlock, additionally applying
// the preemption and double-check rules from spec §4.3: a lock that is
// still fresh by TTL but whose holder's instance record is absent is stolen
// as if it had expired, and a successful write is re-confirmed by reading
// the lock's status back before being trusted.
func (c *Coordinator) AcquireLock(ctx context.Context, name string, opts distlock.AcquireOptions) (distlock.AcquireResult, error) {
	res, err := c.locks.Acquire(ctx, name, c.instanceID, opts)
	if err != nil {
		return res, err
	}

	if !res.OK && res.Reason == distlock.ReasonLockHeld && res.CurrentOwner != "" {
		_, ierr := c.storage.Get(l1cache.SkipCache(ctx), instanceKeyPrefix+res.CurrentOwner)
		if errors.Is(ierr, errors.ErrNotExist) {
			c.logger.Warnf("coordinator.AcquireLock(%s): holder %s has no live instance record, preempting", name, res.CurrentOwner)
			c.locks.ForceRelease(name)
			prevOwner := res.CurrentOwner
			res, err = c.locks.Acquire(ctx, name, c.instanceID, opts)
			if err != nil {
				return res, err
			}
			if res.OK {
				res.Stolen = true
				res.StolenFrom = prevOwner
			}
		}
	}

	if res.OK {
		st, serr := c.locks.GetStatus(ctx, name)
		if serr == nil && st.Owner != "" && st.Owner != c.instanceID {
			// a concurrent acquirer's write raced ours and won; leave the
			// remote record alone (it's now theirs) and let the next
			// heartbeat tick discover and forget our stale local bookkeeping.
			return distlock.AcquireResult{Reason: distlock.ReasonLockHeld, CurrentOwner: st.Owner}, nil
		}
	}

	return res, nil
}

// ReleaseLock releases a lock previously acquired by this instance.
func (c *Coordinator) ReleaseLock(name string) bool {
	return c.locks.Release(name, c.instanceID)
}

// HasLock reports whether this instance still locally believes it holds name.
func (c *Coordinator) HasLock(name string) bool {
	return c.locks.IsHeldBy(name, c.instanceID)
}

// AcquireTaskLock acquires the per-task lock "task:<taskID>" with the fixed
// 600s TTL spec §4.3 assigns to task locks.
func (c *Coordinator) AcquireTaskLock(ctx context.Context, taskID string) (distlock.AcquireResult, error) {
	return c.AcquireLock(ctx, taskLockPrefix+taskID, distlock.AcquireOptions{TTL: taskLockTTL})
}

// ReleaseTaskLock releases the per-task lock for taskID.
func (c *Coordinator) ReleaseTaskLock(taskID string) bool {
	return c.ReleaseLock(taskLockPrefix + taskID)
}

// IsLeader reports whether this instance currently holds the well-known
// coordination lock.
func (c *Coordinator) IsLeader() bool {
	return c.HasLock(leaderLockName)
}

// Broadcast publishes a system event to the message bus, annotating it with
// sourceInstance and timestamp. Failures are logged and swallowed, per spec
// §4.3's "failures are logged and swallowed".
func (c *Coordinator) Broadcast(ctx context.Context, event string, payload any) {
	if c.bus == nil {
		return
	}
	envelope := map[string]any{
		"sourceInstance": c.instanceID,
		"timestamp":      c.clock.Now(),
		"payload":        payload,
	}
	if err := c.bus.BroadcastSystemEvent(ctx, event, envelope); err != nil {
		c.logger.Warnf("coordinator.Broadcast(%s): %s", event, err)
	}
}

// Shutdown stops the heartbeat ticker. It does not unregister the instance
// or release locks; the shutdown supervisor sequences those explicitly.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if chans.IsOpened(c.done) {
		close(c.done)
	}
	if c.heartbeatFuture != nil {
		c.heartbeatFuture.Cancel()
		c.heartbeatFuture = nil
	}
	c.mu.Unlock()
}
