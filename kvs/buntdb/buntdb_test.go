package buntdb

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/solarisdb/relaycoord/golibs/cast"
	"github.com/solarisdb/relaycoord/golibs/errors"
	"github.com/solarisdb/relaycoord/kvs"
	"github.com/solarisdb/relaycoord/kvs/kvstest"
	"github.com/stretchr/testify/assert"
)

func TestBuntdb_Conformance(t *testing.T) {
	kvstest.Run(t, func(t *testing.T) kvs.Storage { return newStorage(t) })
}

func newStorage(t *testing.T) *Storage {
	s, err := NewStorage(Config{})
	assert.Nil(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorage_Create(t *testing.T) {
	s := newStorage(t)

	r := kvs.Record{Key: "aa", Value: []byte("bb")}
	v, err := s.Create(context.Background(), r)
	assert.Nil(t, err)
	assert.NotEmpty(t, v)

	_, err = s.Create(context.Background(), r)
	assert.Equal(t, errors.ErrExist, err)
}

func TestStorage_Get(t *testing.T) {
	s := newStorage(t)

	_, err := s.Get(context.Background(), "aaa")
	assert.Equal(t, errors.ErrNotExist, err)

	r := kvs.Record{Key: "aaa", Value: []byte("bbbb")}
	v, err := s.Create(context.Background(), r)
	assert.Nil(t, err)
	r.Version = v

	r1, err := s.Get(context.Background(), "aaa")
	assert.Nil(t, err)
	assert.Equal(t, r, r1)
}

func TestStorage_GetExpired(t *testing.T) {
	s := newStorage(t)
	r := kvs.Record{Key: "aaa", Value: []byte("bbbb"), ExpiresAt: cast.Ptr(time.Now().Add(20 * time.Millisecond))}
	_, err := s.Create(context.Background(), r)
	assert.Nil(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = s.Get(context.Background(), "aaa")
	assert.Equal(t, errors.ErrNotExist, err)
}

func TestStorage_Put(t *testing.T) {
	s := newStorage(t)
	r := kvs.Record{Key: "aaa", Value: []byte("bbbb")}
	r1, err := s.Put(context.Background(), r)
	assert.Nil(t, err)

	r2, err := s.Get(context.Background(), r.Key)
	assert.Nil(t, err)
	assert.Equal(t, r1, r2)

	r.Value = []byte("ddd")
	r1, err = s.Put(context.Background(), r)
	assert.Nil(t, err)
	assert.NotEqual(t, r1.Version, r2.Version)
}

func TestStorage_PutMany(t *testing.T) {
	s := newStorage(t)
	recs := []kvs.Record{
		{Key: "aaa", Value: []byte("bbbb")},
		{Key: "aaa1", Value: []byte("bbbb1")},
	}
	assert.Nil(t, s.PutMany(context.Background(), recs))

	r1, err := s.Get(context.Background(), "aaa")
	assert.Nil(t, err)
	assert.Equal(t, []byte("bbbb"), r1.Value)
}

func TestStorage_GetMany(t *testing.T) {
	s := newStorage(t)
	recs := []kvs.Record{
		{Key: "aaa", Value: []byte("bbbb")},
		{Key: "aaa1", Value: []byte("bbbb1")},
	}
	assert.Nil(t, s.PutMany(context.Background(), recs))

	res, err := s.GetMany(context.Background(), "aaa", "missing", "aaa1")
	assert.Nil(t, err)
	assert.Len(t, res, 3)
	assert.Equal(t, []byte("bbbb"), res[0].Value)
	assert.Nil(t, res[1])
	assert.Equal(t, []byte("bbbb1"), res[2].Value)
}

func TestStorage_CasByVersion(t *testing.T) {
	s := newStorage(t)
	r := kvs.Record{Key: "aaa", Value: []byte("bbbb")}
	v, err := s.Create(context.Background(), r)
	assert.Nil(t, err)

	r, err = s.Get(context.Background(), "aaa")
	assert.Nil(t, err)
	assert.Equal(t, v, r.Version)

	r.Value = []byte("ddd")
	r, err = s.CasByVersion(context.Background(), r)
	assert.Nil(t, err)

	r.Version = "bad"
	_, err = s.CasByVersion(context.Background(), r)
	assert.Equal(t, errors.ErrConflict, err)
}

func TestStorage_CasByVersionNotExist(t *testing.T) {
	s := newStorage(t)
	_, err := s.CasByVersion(context.Background(), kvs.Record{Key: "nope", Version: "x"})
	assert.Equal(t, errors.ErrNotExist, err)
}

func TestStorage_Delete(t *testing.T) {
	s := newStorage(t)
	r := kvs.Record{Key: "aaa", Value: []byte("bbbb")}
	_, err := s.Create(context.Background(), r)
	assert.Nil(t, err)

	assert.Nil(t, s.Delete(context.Background(), "aaa"))
	_, err = s.Get(context.Background(), "aaa")
	assert.Equal(t, errors.ErrNotExist, err)
	assert.Equal(t, errors.ErrNotExist, s.Delete(context.Background(), "aaa"))
}

func TestStorage_WaitForVersionChange(t *testing.T) {
	s := newStorage(t)

	ctx, cancel := context.WithCancel(context.Background())
	assert.Equal(t, errors.ErrNotExist, s.WaitForVersionChange(ctx, "a", "lala"))

	r := kvs.Record{Key: "a"}
	ver, err := s.Create(ctx, r)
	assert.Nil(t, err)

	cancel()
	assert.Equal(t, ctx.Err(), s.WaitForVersionChange(ctx, "a", ver))

	ctx = context.Background()
	assert.Nil(t, s.WaitForVersionChange(ctx, "a", ver+"dd"))

	start := time.Now()
	go func() {
		time.Sleep(time.Millisecond * 50)
		r.Value = []byte("dd")
		_, _ = s.Put(ctx, r)
	}()
	assert.Nil(t, s.WaitForVersionChange(ctx, "a", ver))
	assert.True(t, time.Now().After(start.Add(time.Millisecond*49)))
}

func TestStorage_ListKeys(t *testing.T) {
	keys := []string{"key1", "key2", "aaa", "ee", "ey"}
	sort.Strings(keys)
	s := newStorage(t)

	for _, k := range keys {
		_, err := s.Create(context.Background(), kvs.Record{Key: k, Value: []byte(k)})
		assert.Nil(t, err)
	}

	it, err := s.ListKeys(context.Background(), "*")
	assert.Nil(t, err)
	res := drain(it)
	sort.Strings(res)
	assert.Equal(t, keys, res)

	it, err = s.ListKeys(context.Background(), "k*")
	assert.Nil(t, err)
	res = drain(it)
	sort.Strings(res)
	assert.Equal(t, []string{"key1", "key2"}, res)

	it, err = s.ListKeys(context.Background(), "*ey*")
	assert.Nil(t, err)
	res = drain(it)
	sort.Strings(res)
	assert.Equal(t, []string{"ey", "key1", "key2"}, res)
}

func drain(it interface {
	HasNext() bool
	Next() (string, bool)
}) []string {
	var res []string
	for it.HasNext() {
		v, ok := it.Next()
		if !ok {
			break
		}
		res = append(res, v)
	}
	return res
}
