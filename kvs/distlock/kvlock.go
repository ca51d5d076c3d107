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

// Package distlock implements fenced mutual exclusion over a kvs.Storage:
// CAS-if-absent acquisition, heartbeat renewal, expired-lock stealing and
// an expired-lock sweeper.
package distlock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/solarisdb/relaycoord/golibs/cast"
	"github.com/solarisdb/relaycoord/golibs/chans"
	"github.com/solarisdb/relaycoord/golibs/errors"
	"github.com/solarisdb/relaycoord/golibs/logging"
	"github.com/solarisdb/relaycoord/golibs/strutil"
	"github.com/solarisdb/relaycoord/golibs/timeout"
	"github.com/solarisdb/relaycoord/kvs"
	"github.com/solarisdb/relaycoord/kvs/l1cache"
)

const keyPrefix = "lock:"

// Reason classifies why an Acquire call did not succeed.
type Reason string

const (
	ReasonLockHeld Reason = "lock_held"
	ReasonError    Reason = "error"
)

// Status is the point-in-time state of a named lock as seen by GetStatus.
type Status string

const (
	StatusHeld     Status = "held"
	StatusExpired  Status = "expired"
	StatusReleased Status = "released"
)

type record struct {
	InstanceID     string     `json:"instanceId"`
	AcquiredAt     time.Time  `json:"acquiredAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	Version        string     `json:"version"`
	HeartbeatCount int        `json:"heartbeatCount"`
	StolenFrom     string     `json:"stolenFrom,omitempty"`
	StolenAt       *time.Time `json:"stolenAt,omitempty"`
}

// AcquireOptions tunes a single Acquire call. Zero values fall back to the
// defaults from spec §4.2: ttl=30s, maxRetries=3, timeout=10s.
type AcquireOptions struct {
	TTL        time.Duration
	MaxRetries int
	Timeout    time.Duration
}

// AcquireResult is the outcome of an Acquire call.
type AcquireResult struct {
	OK           bool
	Version      string
	Stolen       bool
	StolenFrom   string
	Reason       Reason
	CurrentOwner string
	ExpiresAt    time.Time
}

// StatusResult is the outcome of a GetStatus call.
type StatusResult struct {
	Status         Status
	Owner          string
	Version        string
	RemainingMs    int64
	HeartbeatCount int
}

type heldLock struct {
	owner   string
	version string
	future  timeout.Future
}

// Manager is a fenced distributed lock manager built over a kvs.Storage.
// One Manager instance is shared by every named lock a replica acquires.
type Manager struct {
	storage kvs.Storage
	logger  logging.Logger

	heartbeatInterval time.Duration
	renewalThreshold  time.Duration
	sweepInterval     time.Duration

	mu   sync.Mutex
	held map[string]*heldLock

	done chan struct{}
}

// NewManager constructs a Manager and starts its expired-lock sweeper.
func NewManager(storage kvs.Storage) *Manager {
	m := &Manager{
		storage:           storage,
		logger:            logging.NewLogger("distlock.Manager"),
		heartbeatInterval: 10 * time.Second,
		renewalThreshold:  30 * time.Second,
		sweepInterval:     60 * time.Second,
		held:              make(map[string]*heldLock),
		done:              make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Acquire attempts to obtain the named lock for owner, following the
// CAS-if-absent / steal-if-expired algorithm from spec §4.2.
func (m *Manager) Acquire(ctx context.Context, name, owner string, opts AcquireOptions) (AcquireResult, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	to := opts.Timeout
	if to <= 0 {
		to = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	key := keyPrefix + name
	attempts := 0
	for {
		select {
		case <-m.done:
			return AcquireResult{}, fmt.Errorf("distlock.Acquire(): manager is shutdown: %w", errors.ErrClosed)
		case <-ctx.Done():
			return AcquireResult{}, ctx.Err()
		default:
		}

		version := strutil.RandomHash().String()
		now := time.Now()
		rec := record{InstanceID: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl), Version: version}
		b, err := json.Marshal(rec)
		if err != nil {
			return AcquireResult{Reason: ReasonError}, err
		}

		if _, err := m.storage.Create(l1cache.SkipCache(ctx), kvs.Record{Key: key, Value: b, ExpiresAt: cast.Ptr(rec.ExpiresAt)}); err == nil {
			m.startHeartbeat(name, key, owner, version, ttl)
			return AcquireResult{OK: true, Version: version}, nil
		} else if !errors.Is(err, errors.ErrExist) {
			return AcquireResult{Reason: ReasonError}, err
		}

		cur, err := m.storage.Get(l1cache.SkipCache(ctx), key)
		if errors.Is(err, errors.ErrNotExist) {
			// lost the race between the failed Create and this Get; retry from scratch
			continue
		}
		if err != nil {
			return AcquireResult{Reason: ReasonError}, err
		}

		var curRec record
		if err := json.Unmarshal(cur.Value, &curRec); err != nil {
			return AcquireResult{Reason: ReasonError}, fmt.Errorf("distlock.Acquire(): corrupt lock record %s: %w", key, err)
		}

		if curRec.ExpiresAt.After(now) {
			attempts++
			if attempts >= maxRetries {
				return AcquireResult{Reason: ReasonLockHeld, CurrentOwner: curRec.InstanceID, ExpiresAt: curRec.ExpiresAt}, nil
			}
			select {
			case <-ctx.Done():
				return AcquireResult{}, ctx.Err()
			case <-time.After(jitter()):
			}
			continue
		}

		// the record is expired: attempt to steal it
		stolenAt := now
		newRec := record{InstanceID: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl), Version: version,
			StolenFrom: curRec.InstanceID, StolenAt: &stolenAt}
		nb, err := json.Marshal(newRec)
		if err != nil {
			return AcquireResult{Reason: ReasonError}, err
		}

		if _, err := m.storage.CasByVersion(l1cache.SkipCache(ctx), kvs.Record{Key: key, Value: nb, Version: cur.Version, ExpiresAt: cast.Ptr(newRec.ExpiresAt)}); err == nil {
			m.startHeartbeat(name, key, owner, version, ttl)
			return AcquireResult{OK: true, Stolen: true, StolenFrom: curRec.InstanceID, Version: version}, nil
		} else if errors.Is(err, errors.ErrConflict) {
			continue
		} else {
			return AcquireResult{Reason: ReasonError}, err
		}
	}
}

// jitter returns a short randomized backoff in [50,150)ms, per spec §5 "retries
// use short randomized waits; no queue is maintained".
func jitter() time.Duration {
	return 50*time.Millisecond + time.Duration(rand.Intn(100))*time.Millisecond
}

// Release releases the lock if name's current record belongs to owner.
func (m *Manager) Release(name, owner string) bool {
	m.mu.Lock()
	hl, ok := m.held[name]
	if ok {
		if hl.owner != owner {
			ok = false
		} else {
			hl.future.Cancel()
			delete(m.held, name)
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	ctx := l1cache.SkipCache(context.Background())
	cur, err := m.storage.Get(ctx, keyPrefix+name)
	if err != nil && !errors.Is(err, errors.ErrNotExist) {
		m.logger.Warnf("distlock.Release(): could not read %s: %s", name, err)
		return false
	}
	if err == nil {
		var r record
		if json.Unmarshal(cur.Value, &r) != nil || r.InstanceID != owner {
			return false
		}
	}
	if err := m.storage.Delete(ctx, keyPrefix+name); err != nil && !errors.Is(err, errors.ErrNotExist) {
		m.logger.Warnf("distlock.Release(): could not delete %s: %s", name, err)
		return false
	}
	return true
}

// ForceRelease unconditionally deletes the lock record, for recovery paths only.
func (m *Manager) ForceRelease(name string) bool {
	ctx := l1cache.SkipCache(context.Background())
	cur, err := m.storage.Get(ctx, keyPrefix+name)
	prevOwner := "<unknown>"
	if err == nil {
		var r record
		if json.Unmarshal(cur.Value, &r) == nil {
			prevOwner = r.InstanceID
		}
	}

	m.mu.Lock()
	if hl, ok := m.held[name]; ok {
		hl.future.Cancel()
		delete(m.held, name)
	}
	m.mu.Unlock()

	if err := m.storage.Delete(ctx, keyPrefix+name); err != nil && !errors.Is(err, errors.ErrNotExist) {
		m.logger.Warnf("distlock.ForceRelease(): could not delete %s (previous owner %s): %s", name, prevOwner, err)
		return false
	}
	m.logger.Infof("distlock.ForceRelease(): %s force-released (previous owner %s)", name, prevOwner)
	return true
}

// ListNames lists every lock name currently present in the storage,
// regardless of expiry, for operator visibility (e.g. `coordinatord locks list`).
func (m *Manager) ListNames(ctx context.Context) ([]string, error) {
	it, err := m.storage.ListKeys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var names []string
	for it.HasNext() {
		if key, ok := it.Next(); ok {
			names = append(names, key[len(keyPrefix):])
		}
	}
	return names, nil
}

// GetStatus reads the current state of the named lock from the storage,
// always bypassing the L1 cache: a lock's status is never safe to answer
// from a stale local read (spec §3, §4.1).
func (m *Manager) GetStatus(ctx context.Context, name string) (StatusResult, error) {
	cur, err := m.storage.Get(l1cache.SkipCache(ctx), keyPrefix+name)
	if errors.Is(err, errors.ErrNotExist) {
		return StatusResult{Status: StatusReleased}, nil
	}
	if err != nil {
		return StatusResult{}, err
	}
	var r record
	if err := json.Unmarshal(cur.Value, &r); err != nil {
		return StatusResult{}, fmt.Errorf("distlock.GetStatus(): corrupt lock record %s: %w", name, err)
	}
	st := StatusHeld
	if !r.ExpiresAt.After(time.Now()) {
		st = StatusExpired
	}
	return StatusResult{
		Status:         st,
		Owner:          r.InstanceID,
		Version:        r.Version,
		RemainingMs:    time.Until(r.ExpiresAt).Milliseconds(),
		HeartbeatCount: r.HeartbeatCount,
	}, nil
}

// IsHeldBy reports whether this Manager still believes owner holds name
// locally; it does not consult the remote storage.
func (m *Manager) IsHeldBy(name, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	hl, ok := m.held[name]
	return ok && hl.owner == owner
}

// ReleaseAll releases every lock locally believed to be held by owner.
func (m *Manager) ReleaseAll(owner string) {
	m.mu.Lock()
	var names []string
	for name, hl := range m.held {
		if hl.owner == owner {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	for _, name := range names {
		m.Release(name, owner)
	}
}

// Shutdown stops the sweeper and every active heartbeat; it does not release
// locks (the coordinator does that explicitly via ReleaseAll beforehand).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if chans.IsOpened(m.done) {
		close(m.done)
	}
	for _, hl := range m.held {
		hl.future.Cancel()
	}
	m.held = make(map[string]*heldLock)
	m.mu.Unlock()
}

func (m *Manager) startHeartbeat(name, key, owner, version string, ttl time.Duration) {
	m.mu.Lock()
	hl := &heldLock{owner: owner, version: version}
	hl.future = timeout.Call(func() { m.heartbeatTick(name, key, owner, version, ttl) }, m.heartbeatInterval)
	m.held[name] = hl
	m.mu.Unlock()
}

// heartbeatTick implements the renewal algorithm from spec §4.2. Failures of
// any kind never surface to callers; they just stop the local ticker.
func (m *Manager) heartbeatTick(name, key, owner, version string, ttl time.Duration) {
	if !chans.IsOpened(m.done) {
		return
	}

	ctx, cancel := context.WithTimeout(l1cache.SkipCache(context.Background()), 10*time.Second)
	defer cancel()

	cur, err := m.storage.Get(ctx, key)
	if err != nil {
		m.logger.Debugf("distlock heartbeat(%s): lost the record: %s", name, err)
		m.forgetLocal(name, version)
		return
	}
	var r record
	if json.Unmarshal(cur.Value, &r) != nil || r.InstanceID != owner || r.Version != version {
		m.logger.Debugf("distlock heartbeat(%s): record no longer belongs to us", name)
		m.forgetLocal(name, version)
		return
	}

	now := time.Now()
	if r.ExpiresAt.Sub(now) > m.renewalThreshold {
		m.rescheduleHeartbeat(name, key, owner, version, ttl)
		return
	}

	newRec := r
	newRec.ExpiresAt = now.Add(ttl)
	newRec.HeartbeatCount++
	b, err := json.Marshal(newRec)
	if err != nil {
		m.forgetLocal(name, version)
		return
	}
	newVer, err := m.storage.CasByVersion(ctx, kvs.Record{Key: key, Value: b, Version: cur.Version, ExpiresAt: cast.Ptr(newRec.ExpiresAt)})
	if err != nil {
		m.logger.Debugf("distlock heartbeat(%s): renewal CAS lost the race: %s", name, err)
		m.forgetLocal(name, version)
		return
	}
	_ = newVer
	m.rescheduleHeartbeat(name, key, owner, version, ttl)
}

func (m *Manager) rescheduleHeartbeat(name, key, owner, version string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hl, ok := m.held[name]
	if !ok || hl.version != version {
		return
	}
	hl.future = timeout.Call(func() { m.heartbeatTick(name, key, owner, version, ttl) }, m.heartbeatInterval)
}

func (m *Manager) forgetLocal(name, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hl, ok := m.held[name]; ok && hl.version == version {
		delete(m.held, name)
	}
}

// sweepLoop periodically deletes remote lock records that are expired and
// have no matching local heartbeat, per spec §4.2's sweeper rule.
func (m *Manager) sweepLoop() {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	ctx, cancel := context.WithTimeout(l1cache.SkipCache(context.Background()), 15*time.Second)
	defer cancel()

	it, err := m.storage.ListKeys(ctx, keyPrefix+"*")
	if err != nil {
		m.logger.Warnf("distlock sweeper: ListKeys failed: %s", err)
		return
	}
	defer it.Close()

	now := time.Now()
	for it.HasNext() {
		key, ok := it.Next()
		if !ok {
			continue
		}
		name := key[len(keyPrefix):]
		m.mu.Lock()
		_, activelyHeld := m.held[name]
		m.mu.Unlock()
		if activelyHeld {
			continue
		}

		rec, err := m.storage.Get(ctx, key)
		if err != nil {
			continue
		}
		var r record
		if json.Unmarshal(rec.Value, &r) != nil {
			continue
		}
		if !r.ExpiresAt.After(now) {
			if err := m.storage.Delete(ctx, key); err != nil && !errors.Is(err, errors.ErrNotExist) {
				m.logger.Warnf("distlock sweeper: could not delete expired %s: %s", key, err)
			}
		}
	}
}
