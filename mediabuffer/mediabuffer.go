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

// Package mediabuffer implements the cross-instance media-group aggregator:
// messages belonging to the same chat-platform group are batched behind a
// per-group distlock.Manager lock and flushed to a collab.TaskEngine exactly
// once, regardless of how many replicas observe the group or how many retry
// attempts it takes to get there.
package mediabuffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
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
)

const (
	keyPrefix        = "media_group_buffer:"
	bufferPrefix     = keyPrefix + "buffer:"
	timerPrefix      = keyPrefix + "timer:"
	processedPrefix  = keyPrefix + "processed_messages:"
	snapshotSuffix   = ":media_group_buffer"
	lockNamePrefix   = "media_group_buffer:"
	snapshotTTL      = 60 * time.Second
	maxAbandonErrors = 3

	// ReasonDuplicate is returned by Add when the message was already seen.
	ReasonDuplicate = "duplicate"
	// ReasonFlushTriggered is returned by Add when this call's write pushed
	// the group to its size threshold and triggered a synchronous flush.
	ReasonFlushTriggered = "flush_triggered"
	// ReasonBuffered is returned by Add for a normal, non-flushing add.
	ReasonBuffered = "buffered"
)

type (
	groupMeta struct {
		Target     string `json:"target"`
		UserID     string `json:"userId"`
		CreatedAt  int64  `json:"createdAt"`
		UpdatedAt  int64  `json:"updatedAt"`
		ErrorCount int    `json:"errorCount"`
	}

	bufferedMsg struct {
		ID         string `json:"id"`
		Media      string `json:"media"`
		GroupedID  string `json:"groupedId"`
		Seq        int64  `json:"seq"`
		BufferedAt int64  `json:"bufferedAt"`
	}

	timerRecord struct {
		ExpiresAt  int64  `json:"expiresAt"`
		UpdatedAt  int64  `json:"updatedAt"`
		InstanceID string `json:"instanceId"`
	}

	snapshotGroup struct {
		GID       string `json:"gid"`
		CreatedAt int64  `json:"createdAt"`
	}

	snapshot struct {
		Groups []snapshotGroup `json:"groups"`
	}

	// AddResult is the outcome of Add.
	AddResult struct {
		Added  bool
		Reason string
	}

	// GroupSummary is one entry of GetStatus's locally-tracked group list.
	GroupSummary struct {
		GID       string
		CreatedAt time.Time
	}

	// Options tunes a Buffer. Zero values fall back to spec §4.4 defaults.
	Options struct {
		BufferTimeout   time.Duration
		MaxBatchSize    int
		StaleThreshold  time.Duration
		CleanupInterval time.Duration
		LockTTL         time.Duration
	}

	// Buffer is a cross-instance media-group aggregator backed by a shared
	// kvs.Storage and distlock.Manager.
	Buffer struct {
		storage    kvs.Storage
		locks      *distlock.Manager
		engine     collab.TaskEngine
		clock      collab.Clock
		logger     logging.Logger
		instanceID string

		bufferTimeout   time.Duration
		maxBatchSize    int
		staleThreshold  time.Duration
		cleanupInterval time.Duration
		lockTTL         time.Duration

		mu          sync.Mutex
		lastSeq     int64
		groups      map[string]time.Time
		localTimers map[string]timeout.Future
		done        chan struct{}
	}
)

// New constructs a Buffer and starts its cleanup sweeper.
func New(storage kvs.Storage, locks *distlock.Manager, engine collab.TaskEngine, clock collab.Clock, instanceID string, opts Options) *Buffer {
	if clock == nil {
		clock = collab.SystemClock{}
	}
	b := &Buffer{
		storage:         storage,
		locks:           locks,
		engine:          engine,
		clock:           clock,
		logger:          logging.NewLogger("mediabuffer.Buffer"),
		instanceID:      instanceID,
		bufferTimeout:   orDefault(opts.BufferTimeout, time.Second),
		maxBatchSize:    orDefaultInt(opts.MaxBatchSize, 10),
		staleThreshold:  orDefault(opts.StaleThreshold, 60*time.Second),
		cleanupInterval: orDefault(opts.CleanupInterval, 30*time.Second),
		lockTTL:         orDefault(opts.LockTTL, 30*time.Second),
		groups:          make(map[string]time.Time),
		localTimers:     make(map[string]timeout.Future),
		done:            make(chan struct{}),
	}
	go b.cleanupLoop()
	return b
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func lockName(gid string) string { return lockNamePrefix + gid }
func metaKey(gid string) string  { return bufferPrefix + gid + ":meta" }
func msgKey(gid, msgID string) string {
	return bufferPrefix + gid + ":msg:" + msgID
}
func msgPattern(gid string) string   { return bufferPrefix + gid + ":msg:*" }
func timerKey(gid string) string     { return timerPrefix + gid }
func processedKey(id string) string  { return processedPrefix + id }
func snapshotKey(instanceID string) string {
	return instanceID + snapshotSuffix
}

// nextSeq returns a process-wide monotonically increasing ordering key,
// falling back to a plain counter if clock.Now() is ever non-monotonic
// relative to the previous call.
func (b *Buffer) nextSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now().UnixNano()
	if now <= b.lastSeq {
		now = b.lastSeq + 1
	}
	b.lastSeq = now
	return now
}

// Add deduplicates msg, appends it to its group's buffer and either triggers
// a synchronous flush attempt (group reached maxBatchSize) or refreshes the
// group's local re-probe timer.
func (b *Buffer) Add(ctx context.Context, msg collab.Message, target, userID string) (AddResult, error) {
	if msg.GroupedID == "" {
		return AddResult{}, fmt.Errorf("mediabuffer.Add(): message %s has no groupedId: %w", msg.ID, errors.ErrInvalid)
	}

	dup, err := b.markProcessed(ctx, msg.ID)
	if err != nil {
		return AddResult{}, err
	}
	if dup {
		return AddResult{Added: false, Reason: ReasonDuplicate}, nil
	}

	gid := msg.GroupedID
	now := b.clock.Now()
	seq := b.nextSeq()

	createdAt, err := b.upsertMeta(ctx, gid, target, userID, now)
	if err != nil {
		return AddResult{}, err
	}
	b.mu.Lock()
	if _, tracked := b.groups[gid]; !tracked {
		b.groups[gid] = createdAt
	}
	b.mu.Unlock()

	rec := bufferedMsg{ID: msg.ID, Media: msg.Media, GroupedID: gid, Seq: seq, BufferedAt: now.UnixMilli()}
	rb, err := json.Marshal(rec)
	if err != nil {
		return AddResult{}, err
	}
	if _, err := b.storage.Put(ctx, kvs.Record{Key: msgKey(gid, msg.ID), Value: rb, ExpiresAt: cast.Ptr(now.Add(b.staleThreshold))}); err != nil {
		return AddResult{}, fmt.Errorf("mediabuffer.Add(): could not write message %s: %w", msg.ID, err)
	}

	count, err := b.countMessages(ctx, gid)
	if err != nil {
		return AddResult{}, err
	}

	if count >= b.maxBatchSize {
		b.cancelLocalTimer(gid)
		b.flushAttempt(ctx, gid)
		return AddResult{Added: true, Reason: ReasonFlushTriggered}, nil
	}

	if err := b.refreshTimer(ctx, gid, now); err != nil {
		return AddResult{}, err
	}
	b.scheduleLocalProbe(gid)
	return AddResult{Added: true, Reason: ReasonBuffered}, nil
}

// markProcessed writes the dedup marker for id, returning true if it was
// already present. The marker is stored and read as a JSON string ("1"),
// never mixed with JSON-object decoding (spec §9 open question).
func (b *Buffer) markProcessed(ctx context.Context, id string) (bool, error) {
	key := processedKey(id)
	if _, err := b.storage.Get(ctx, key); err == nil {
		return true, nil
	} else if !errors.Is(err, errors.ErrNotExist) {
		return false, fmt.Errorf("mediabuffer.markProcessed(%s): %w", id, err)
	}

	val, _ := json.Marshal("1")
	expires := b.clock.Now().Add(b.staleThreshold)
	if _, err := b.storage.Create(ctx, kvs.Record{Key: key, Value: val, ExpiresAt: cast.Ptr(expires)}); err != nil {
		if errors.Is(err, errors.ErrExist) {
			return true, nil
		}
		return false, fmt.Errorf("mediabuffer.markProcessed(%s): %w", id, err)
	}
	return false, nil
}

func (b *Buffer) upsertMeta(ctx context.Context, gid, target, userID string, now time.Time) (time.Time, error) {
	key := metaKey(gid)
	expires := cast.Ptr(now.Add(b.staleThreshold))
	for attempt := 0; attempt < 5; attempt++ {
		cur, err := b.storage.Get(ctx, key)
		if errors.Is(err, errors.ErrNotExist) {
			m := groupMeta{Target: target, UserID: userID, CreatedAt: now.UnixMilli(), UpdatedAt: now.UnixMilli()}
			mb, _ := json.Marshal(m)
			if _, cErr := b.storage.Create(ctx, kvs.Record{Key: key, Value: mb, ExpiresAt: expires}); cErr == nil {
				return now, nil
			} else if errors.Is(cErr, errors.ErrExist) {
				continue
			} else {
				return time.Time{}, fmt.Errorf("mediabuffer.upsertMeta(%s): %w", gid, cErr)
			}
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("mediabuffer.upsertMeta(%s): %w", gid, err)
		}
		var m groupMeta
		if json.Unmarshal(cur.Value, &m) != nil {
			return time.Time{}, fmt.Errorf("mediabuffer.upsertMeta(%s): corrupt meta record: %w", gid, errors.ErrDataLoss)
		}
		m.UpdatedAt = now.UnixMilli()
		mb, _ := json.Marshal(m)
		if _, cErr := b.storage.CasByVersion(ctx, kvs.Record{Key: key, Value: mb, Version: cur.Version, ExpiresAt: expires}); cErr == nil {
			return time.UnixMilli(m.CreatedAt), nil
		} else if errors.Is(cErr, errors.ErrConflict) {
			continue
		} else {
			return time.Time{}, fmt.Errorf("mediabuffer.upsertMeta(%s): %w", gid, cErr)
		}
	}
	return time.Time{}, fmt.Errorf("mediabuffer.upsertMeta(%s): too much contention: %w", gid, errors.ErrConflict)
}

func (b *Buffer) countMessages(ctx context.Context, gid string) (int, error) {
	it, err := b.storage.ListKeys(ctx, msgPattern(gid))
	if err != nil {
		return 0, fmt.Errorf("mediabuffer.countMessages(%s): %w", gid, err)
	}
	defer it.Close()
	n := 0
	for it.HasNext() {
		if _, ok := it.Next(); ok {
			n++
		}
	}
	return n, nil
}

func (b *Buffer) refreshTimer(ctx context.Context, gid string, now time.Time) error {
	rec := timerRecord{ExpiresAt: now.Add(b.bufferTimeout).UnixMilli(), UpdatedAt: now.UnixMilli(), InstanceID: b.instanceID}
	rb, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	expires := now.Add(b.bufferTimeout + 10*time.Second)
	if _, err := b.storage.Put(ctx, kvs.Record{Key: timerKey(gid), Value: rb, ExpiresAt: cast.Ptr(expires)}); err != nil {
		return fmt.Errorf("mediabuffer.refreshTimer(%s): %w", gid, err)
	}
	return nil
}

// scheduleLocalProbe arranges a single flush attempt shortly after this
// group's timer is due to expire, ensuring at most one outstanding local
// probe per group (spec §5 backpressure).
func (b *Buffer) scheduleLocalProbe(gid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.localTimers[gid]; ok {
		f.Cancel()
	}
	b.localTimers[gid] = timeout.Call(func() { b.probeAfterTimer(gid) }, b.bufferTimeout+50*time.Millisecond)
}

func (b *Buffer) cancelLocalTimer(gid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.localTimers[gid]; ok {
		f.Cancel()
		delete(b.localTimers, gid)
	}
}

func (b *Buffer) probeAfterTimer(gid string) {
	if !chans.IsOpened(b.done) {
		return
	}
	b.mu.Lock()
	delete(b.localTimers, gid)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	b.flushAttempt(ctx, gid)
}

// flushAttempt implements spec §4.4's flush-attempt state. Any failure to
// acquire or hold the per-group lock is not an error: it means another
// replica (or the cleanup sweeper) owns the flush instead.
func (b *Buffer) flushAttempt(ctx context.Context, gid string) {
	res, err := b.locks.Acquire(ctx, lockName(gid), b.instanceID, distlock.AcquireOptions{TTL: b.lockTTL})
	if err != nil {
		b.logger.Debugf("mediabuffer.flushAttempt(%s): acquire error, will retry on next tick: %s", gid, err)
		return
	}
	if !res.OK {
		b.logger.Debugf("mediabuffer.flushAttempt(%s): lock held elsewhere, backing off", gid)
		return
	}
	defer b.locks.Release(lockName(gid), b.instanceID)

	messages, err := b.listMessages(ctx, gid)
	if err != nil {
		b.logger.Warnf("mediabuffer.flushAttempt(%s): could not list messages: %s", gid, err)
		return
	}
	if len(messages) == 0 || !allHaveMedia(messages) {
		b.logger.Debugf("mediabuffer.flushAttempt(%s): invalid batch (empty or missing media), retrying later", gid)
		b.scheduleLocalProbe(gid)
		return
	}

	// GetStatus always bypasses the L1 cache internally, so this re-check
	// can never pass against a stale version after another replica steals
	// the lock out from under us.
	st, err := b.locks.GetStatus(ctx, lockName(gid))
	if err != nil || st.Status != distlock.StatusHeld || st.Owner != b.instanceID || st.Version != res.Version {
		b.logger.Debugf("mediabuffer.flushAttempt(%s): lost the lock before dispatch, aborting", gid)
		return
	}

	meta, err := b.readMeta(ctx, gid)
	if err != nil {
		b.logger.Warnf("mediabuffer.flushAttempt(%s): could not read meta: %s", gid, err)
		return
	}

	collabMsgs := make([]collab.Message, len(messages))
	for i, m := range messages {
		collabMsgs[i] = collab.Message{ID: m.ID, Media: m.Media, GroupedID: m.GroupedID, Seq: m.Seq, UserID: meta.UserID}
	}

	if _, dErr := b.engine.AddBatch(ctx, meta.Target, collabMsgs, meta.UserID); dErr != nil {
		b.onDispatchError(ctx, gid, meta, dErr)
		return
	}

	b.purgeGroup(ctx, gid)
}

func (b *Buffer) onDispatchError(ctx context.Context, gid string, meta groupMeta, dErr error) {
	meta.ErrorCount++
	mb, _ := json.Marshal(meta)
	expires := cast.Ptr(b.clock.Now().Add(b.staleThreshold))
	if _, err := b.storage.Put(ctx, kvs.Record{Key: metaKey(gid), Value: mb, ExpiresAt: expires}); err != nil {
		b.logger.Warnf("mediabuffer.onDispatchError(%s): could not persist errorCount: %s", gid, err)
	}

	if meta.ErrorCount >= maxAbandonErrors {
		b.logger.Errorf("mediabuffer.onDispatchError(%s): abandoning after %d dispatch errors, last: %s", gid, meta.ErrorCount, dErr)
		b.purgeGroup(ctx, gid)
		return
	}

	b.logger.Warnf("mediabuffer.onDispatchError(%s): dispatch failed (attempt %d): %s", gid, meta.ErrorCount, dErr)
	delay := b.bufferTimeout * time.Duration(meta.ErrorCount)
	b.mu.Lock()
	if f, ok := b.localTimers[gid]; ok {
		f.Cancel()
	}
	b.localTimers[gid] = timeout.Call(func() { b.probeAfterTimer(gid) }, delay)
	b.mu.Unlock()
}

func (b *Buffer) listMessages(ctx context.Context, gid string) ([]bufferedMsg, error) {
	it, err := b.storage.ListKeys(ctx, msgPattern(gid))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var keys []string
	for it.HasNext() {
		if k, ok := it.Next(); ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	recs, err := b.storage.GetMany(ctx, keys...)
	if err != nil {
		return nil, err
	}
	msgs := make([]bufferedMsg, 0, len(recs))
	for _, r := range recs {
		if r == nil {
			continue
		}
		var m bufferedMsg
		if json.Unmarshal(r.Value, &m) == nil {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Seq != msgs[j].Seq {
			return msgs[i].Seq < msgs[j].Seq
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

func allHaveMedia(msgs []bufferedMsg) bool {
	for _, m := range msgs {
		if m.Media == "" {
			return false
		}
	}
	return true
}

func (b *Buffer) readMeta(ctx context.Context, gid string) (groupMeta, error) {
	rec, err := b.storage.Get(ctx, metaKey(gid))
	if err != nil {
		return groupMeta{}, err
	}
	var m groupMeta
	if err := json.Unmarshal(rec.Value, &m); err != nil {
		return groupMeta{}, fmt.Errorf("mediabuffer.readMeta(%s): corrupt meta: %w", gid, errors.ErrDataLoss)
	}
	return m, nil
}

// purgeGroup removes every key family for gid (meta, messages, timer) and
// forgets its local bookkeeping. It does not release the lock: callers that
// hold it via flushAttempt's defer do that themselves.
func (b *Buffer) purgeGroup(ctx context.Context, gid string) {
	if err := b.storage.Delete(ctx, metaKey(gid)); err != nil && !errors.Is(err, errors.ErrNotExist) {
		b.logger.Warnf("mediabuffer.purgeGroup(%s): could not delete meta: %s", gid, err)
	}
	if err := b.storage.Delete(ctx, timerKey(gid)); err != nil && !errors.Is(err, errors.ErrNotExist) {
		b.logger.Warnf("mediabuffer.purgeGroup(%s): could not delete timer: %s", gid, err)
	}
	it, err := b.storage.ListKeys(ctx, msgPattern(gid))
	if err == nil {
		for it.HasNext() {
			if k, ok := it.Next(); ok {
				if dErr := b.storage.Delete(ctx, k); dErr != nil && !errors.Is(dErr, errors.ErrNotExist) {
					b.logger.Warnf("mediabuffer.purgeGroup(%s): could not delete %s: %s", gid, k, dErr)
				}
			}
		}
		it.Close()
	}

	b.cancelLocalTimer(gid)
	b.mu.Lock()
	delete(b.groups, gid)
	b.mu.Unlock()
}

// Persist writes a snapshot of this instance's locally-tracked groups so
// they can be restored and re-flushed after a restart.
func (b *Buffer) Persist(ctx context.Context) error {
	b.mu.Lock()
	groups := make([]snapshotGroup, 0, len(b.groups))
	for gid, createdAt := range b.groups {
		groups = append(groups, snapshotGroup{GID: gid, CreatedAt: createdAt.UnixMilli()})
	}
	b.mu.Unlock()

	snap := snapshot{Groups: groups}
	sb, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	expires := cast.Ptr(b.clock.Now().Add(snapshotTTL))
	if _, err := b.storage.Put(ctx, kvs.Record{Key: snapshotKey(b.instanceID), Value: sb, ExpiresAt: expires}); err != nil {
		return fmt.Errorf("mediabuffer.Persist(): %w", err)
	}
	return nil
}

// Restore reads this instance's last snapshot and triggers an immediate
// flush attempt for every group whose createdAt is still within
// staleThreshold, per spec §4.4's restart recovery path.
func (b *Buffer) Restore(ctx context.Context) error {
	rec, err := b.storage.Get(ctx, snapshotKey(b.instanceID))
	if errors.Is(err, errors.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mediabuffer.Restore(): %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(rec.Value, &snap); err != nil {
		return fmt.Errorf("mediabuffer.Restore(): corrupt snapshot: %w", errors.ErrDataLoss)
	}

	now := b.clock.Now()
	for _, g := range snap.Groups {
		createdAt := time.UnixMilli(g.CreatedAt)
		if now.Sub(createdAt) > b.staleThreshold {
			continue
		}
		b.mu.Lock()
		b.groups[g.GID] = createdAt
		b.mu.Unlock()
		b.flushAttempt(ctx, g.GID)
	}
	return nil
}

// GetStatus returns a snapshot of the groups this instance currently tracks
// locally.
func (b *Buffer) GetStatus() []GroupSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := make([]GroupSummary, 0, len(b.groups))
	for gid, createdAt := range b.groups {
		res = append(res, GroupSummary{GID: gid, CreatedAt: createdAt})
	}
	return res
}

// Cleanup runs one cleanup pass immediately, outside of the regular sweep
// interval; exposed for operational/manual triggering.
func (b *Buffer) Cleanup(ctx context.Context) {
	b.sweepOnce(ctx)
}

// cleanupLoop periodically flushes groups whose timer has expired and
// pauses for 5 minutes after a transport error, per spec §4.4.
func (b *Buffer) cleanupLoop() {
	t := time.NewTicker(b.cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			failed := b.sweepOnce(ctx)
			cancel()
			if failed {
				t.Reset(5 * time.Minute)
			} else {
				t.Reset(b.cleanupInterval)
			}
		}
	}
}

func (b *Buffer) sweepOnce(ctx context.Context) bool {
	it, err := b.storage.ListKeys(ctx, timerPrefix+"*")
	if err != nil {
		b.logger.Warnf("mediabuffer sweeper: ListKeys(timers) failed: %s", err)
		return true
	}
	var timerKeys []string
	for it.HasNext() {
		if k, ok := it.Next(); ok {
			timerKeys = append(timerKeys, k)
		}
	}
	it.Close()

	now := b.clock.Now()
	for _, key := range timerKeys {
		rec, err := b.storage.Get(ctx, key)
		if err != nil {
			continue
		}
		var tr timerRecord
		if json.Unmarshal(rec.Value, &tr) != nil {
			continue
		}
		if now.UnixMilli() >= tr.ExpiresAt {
			gid := strings.TrimPrefix(key, timerPrefix)
			b.flushAttempt(ctx, gid)
		}
	}

	b.pruneOrphanedProcessed(ctx)
	return false
}

// pruneOrphanedProcessed is a best-effort sweep over dedup markers; the KV
// backend already expires them via their own TTL, so this only logs
// anything that looks stuck (e.g. a marker surviving far past staleThreshold
// because a provider doesn't honor TTL precisely).
func (b *Buffer) pruneOrphanedProcessed(ctx context.Context) {
	it, err := b.storage.ListKeys(ctx, processedPrefix+"*")
	if err != nil {
		return
	}
	defer it.Close()
	n := 0
	for it.HasNext() {
		if _, ok := it.Next(); ok {
			n++
		}
	}
	if n > 0 {
		b.logger.Tracef("mediabuffer sweeper: %d processed-message markers outstanding", n)
	}
}

// Shutdown stops the cleanup sweeper and every pending local re-probe timer.
func (b *Buffer) Shutdown() {
	b.mu.Lock()
	if chans.IsOpened(b.done) {
		close(b.done)
	}
	for gid, f := range b.localTimers {
		f.Cancel()
		delete(b.localTimers, gid)
	}
	b.mu.Unlock()
}
