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
package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/solarisdb/relaycoord/kvs/inmem"
	"github.com/stretchr/testify/assert"
)

func newManager() *Manager {
	return NewManager(inmem.New())
}

func TestManager_AcquireRelease(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	res, err := m.Acquire(context.Background(), "test", "r1", AcquireOptions{})
	assert.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Stolen)
	assert.True(t, m.IsHeldBy("test", "r1"))

	assert.True(t, m.Release("test", "r1"))
	assert.False(t, m.IsHeldBy("test", "r1"))

	st, err := m.GetStatus(context.Background(), "test")
	assert.NoError(t, err)
	assert.Equal(t, StatusReleased, st.Status)
}

func TestManager_AcquireHeldByOther(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	res, err := m.Acquire(context.Background(), "test", "r1", AcquireOptions{})
	assert.NoError(t, err)
	assert.True(t, res.OK)

	res2, err := m.Acquire(context.Background(), "test", "r2", AcquireOptions{MaxRetries: 1, Timeout: time.Second})
	assert.NoError(t, err)
	assert.False(t, res2.OK)
	assert.Equal(t, ReasonLockHeld, res2.Reason)
	assert.Equal(t, "r1", res2.CurrentOwner)
}

func TestManager_StealExpired(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	res, err := m.Acquire(context.Background(), "test", "r1", AcquireOptions{TTL: time.Millisecond * 10})
	assert.NoError(t, err)
	assert.True(t, res.OK)

	time.Sleep(time.Millisecond * 30)

	res2, err := m.Acquire(context.Background(), "test", "r2", AcquireOptions{TTL: time.Second})
	assert.NoError(t, err)
	assert.True(t, res2.OK)
	assert.True(t, res2.Stolen)
	assert.Equal(t, "r1", res2.StolenFrom)
}

func TestManager_ReleaseWrongOwner(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	_, err := m.Acquire(context.Background(), "test", "r1", AcquireOptions{})
	assert.NoError(t, err)
	assert.False(t, m.Release("test", "r2"))
	assert.True(t, m.Release("test", "r1"))
}

func TestManager_ForceRelease(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	_, err := m.Acquire(context.Background(), "test", "r1", AcquireOptions{})
	assert.NoError(t, err)
	assert.True(t, m.ForceRelease("test"))
	assert.False(t, m.IsHeldBy("test", "r1"))

	st, err := m.GetStatus(context.Background(), "test")
	assert.NoError(t, err)
	assert.Equal(t, StatusReleased, st.Status)
}

func TestManager_ReleaseAll(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	_, err := m.Acquire(context.Background(), "a", "r1", AcquireOptions{})
	assert.NoError(t, err)
	_, err = m.Acquire(context.Background(), "b", "r1", AcquireOptions{})
	assert.NoError(t, err)

	m.ReleaseAll("r1")
	assert.False(t, m.IsHeldBy("a", "r1"))
	assert.False(t, m.IsHeldBy("b", "r1"))
}

func TestManager_AcquireAfterShutdown(t *testing.T) {
	m := newManager()
	m.Shutdown()

	_, err := m.Acquire(context.Background(), "test", "r1", AcquireOptions{})
	assert.Error(t, err)
}

func TestManager_AcquireCanceledCtx(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Acquire(ctx, "test", "r1", AcquireOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
