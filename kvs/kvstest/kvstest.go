// Package kvstest holds a kvs.Storage conformance suite shared by every
// provider package (inmem, buntdb, redis, httpkv) so they're all held to
// the same contract instead of each hand-rolling its own subset of cases.
package kvstest

import (
	"context"
	"testing"
	"time"

	"github.com/solarisdb/relaycoord/golibs/cast"
	"github.com/solarisdb/relaycoord/golibs/errors"
	"github.com/solarisdb/relaycoord/kvs"
	"github.com/stretchr/testify/assert"
)

// Run exercises the kvs.Storage contract against a fresh storage obtained
// from newStorage for each sub-test. newStorage must return an empty
// Storage every time it's called.
func Run(t *testing.T, newStorage func(t *testing.T) kvs.Storage) {
	t.Run("CreateThenGet", func(t *testing.T) { testCreateThenGet(t, newStorage(t)) })
	t.Run("CreateExisting", func(t *testing.T) { testCreateExisting(t, newStorage(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStorage(t)) })
	t.Run("Put", func(t *testing.T) { testPut(t, newStorage(t)) })
	t.Run("PutMany", func(t *testing.T) { testPutMany(t, newStorage(t)) })
	t.Run("GetMany", func(t *testing.T) { testGetMany(t, newStorage(t)) })
	t.Run("CasByVersion", func(t *testing.T) { testCasByVersion(t, newStorage(t)) })
	t.Run("CasByVersionConflict", func(t *testing.T) { testCasByVersionConflict(t, newStorage(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStorage(t)) })
	t.Run("ExpiresAt", func(t *testing.T) { testExpiresAt(t, newStorage(t)) })
	t.Run("ListKeys", func(t *testing.T) { testListKeys(t, newStorage(t)) })
}

func testCreateThenGet(t *testing.T, s kvs.Storage) {
	r := kvs.Record{Key: "a", Value: []byte("v")}
	v, err := s.Create(context.Background(), r)
	assert.Nil(t, err)
	assert.NotEmpty(t, v)

	r1, err := s.Get(context.Background(), "a")
	assert.Nil(t, err)
	assert.Equal(t, "a", r1.Key)
	assert.Equal(t, []byte("v"), r1.Value)
	assert.Equal(t, v, r1.Version)
}

func testCreateExisting(t *testing.T, s kvs.Storage) {
	r := kvs.Record{Key: "a", Value: []byte("v")}
	_, err := s.Create(context.Background(), r)
	assert.Nil(t, err)

	_, err = s.Create(context.Background(), r)
	assert.True(t, errors.Is(err, errors.ErrExist))
}

func testGetMissing(t *testing.T, s kvs.Storage) {
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, errors.ErrNotExist))
}

func testPut(t *testing.T, s kvs.Storage) {
	r := kvs.Record{Key: "a", Value: []byte("v1")}
	r1, err := s.Put(context.Background(), r)
	assert.Nil(t, err)
	assert.NotEmpty(t, r1.Version)

	r.Value = []byte("v2")
	r2, err := s.Put(context.Background(), r)
	assert.Nil(t, err)
	assert.NotEqual(t, r1.Version, r2.Version)

	r3, err := s.Get(context.Background(), "a")
	assert.Nil(t, err)
	assert.Equal(t, []byte("v2"), r3.Value)
}

func testPutMany(t *testing.T, s kvs.Storage) {
	recs := []kvs.Record{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	}
	assert.Nil(t, s.PutMany(context.Background(), recs))

	r, err := s.Get(context.Background(), "a")
	assert.Nil(t, err)
	assert.Equal(t, []byte("1"), r.Value)

	r, err = s.Get(context.Background(), "b")
	assert.Nil(t, err)
	assert.Equal(t, []byte("2"), r.Value)
}

func testGetMany(t *testing.T, s kvs.Storage) {
	recs := []kvs.Record{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	}
	assert.Nil(t, s.PutMany(context.Background(), recs))

	res, err := s.GetMany(context.Background(), "a", "missing", "b")
	assert.Nil(t, err)
	assert.Len(t, res, 3)
	assert.NotNil(t, res[0])
	assert.Nil(t, res[1])
	assert.NotNil(t, res[2])
}

func testCasByVersion(t *testing.T, s kvs.Storage) {
	r := kvs.Record{Key: "a", Value: []byte("v1")}
	v, err := s.Create(context.Background(), r)
	assert.Nil(t, err)
	r.Version = v

	r.Value = []byte("v2")
	r2, err := s.CasByVersion(context.Background(), r)
	assert.Nil(t, err)
	assert.NotEqual(t, v, r2.Version)

	r3, err := s.Get(context.Background(), "a")
	assert.Nil(t, err)
	assert.Equal(t, []byte("v2"), r3.Value)
}

func testCasByVersionConflict(t *testing.T, s kvs.Storage) {
	r := kvs.Record{Key: "a", Value: []byte("v1")}
	_, err := s.Create(context.Background(), r)
	assert.Nil(t, err)

	r.Version = "not-the-real-version"
	_, err = s.CasByVersion(context.Background(), r)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func testDelete(t *testing.T, s kvs.Storage) {
	r := kvs.Record{Key: "a", Value: []byte("v")}
	_, err := s.Create(context.Background(), r)
	assert.Nil(t, err)

	assert.Nil(t, s.Delete(context.Background(), "a"))
	_, err = s.Get(context.Background(), "a")
	assert.True(t, errors.Is(err, errors.ErrNotExist))

	assert.True(t, errors.Is(s.Delete(context.Background(), "a"), errors.ErrNotExist))
}

func testExpiresAt(t *testing.T, s kvs.Storage) {
	r := kvs.Record{Key: "a", Value: []byte("v"), ExpiresAt: cast.Ptr(time.Now().Add(30 * time.Millisecond))}
	_, err := s.Create(context.Background(), r)
	assert.Nil(t, err)

	time.Sleep(150 * time.Millisecond)

	_, err = s.Get(context.Background(), "a")
	assert.True(t, errors.Is(err, errors.ErrNotExist))
}

func testListKeys(t *testing.T, s kvs.Storage) {
	for _, k := range []string{"lock:a", "lock:b", "instance:c"} {
		_, err := s.Create(context.Background(), kvs.Record{Key: k, Value: []byte(k)})
		assert.Nil(t, err)
	}

	it, err := s.ListKeys(context.Background(), "lock:*")
	assert.Nil(t, err)

	var got []string
	for it.HasNext() {
		k, ok := it.Next()
		assert.True(t, ok)
		got = append(got, k)
	}
	assert.Len(t, got, 2)
}
