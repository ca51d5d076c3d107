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

// Package redis implements kvs.Storage over a Redis-compatible endpoint.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/solarisdb/relaycoord/golibs/cast"
	"github.com/solarisdb/relaycoord/golibs/container/iterable"
	"github.com/solarisdb/relaycoord/golibs/errors"
	"github.com/solarisdb/relaycoord/golibs/ulidutils"
	"github.com/solarisdb/relaycoord/kvs"
)

type (
	client struct {
		rdb *redis.Client
	}

	keysIterator struct {
		si  *redis.ScanIterator
		val *string
	}

	// dbRecord is the JSON wire shape stored for every key. The transport
	// never ships protobuf: both real-world providers behind this interface
	// (Upstash/Cloudflare-KV style REST services) only understand opaque
	// strings or JSON documents, so Redis is kept consistent with them.
	dbRecord struct {
		Key       string     `json:"key"`
		Value     []byte     `json:"value"`
		Version   string     `json:"version"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}
)

// New returns a kvs.Storage backed by a Redis-compatible client.
func New(opts *redis.Options) kvs.Storage {
	rdb := redis.NewClient(opts)
	return &client{rdb: rdb}
}

func (c *client) Create(ctx context.Context, record kvs.Record) (string, error) {
	record.Version = ulidutils.NewID()
	buf := rec2db(&record)
	ok, err := c.rdb.SetNX(ctx, rKey(record.Key), buf, expiration(record.ExpiresAt, time.Now())).Result()
	if err != nil {
		return "", checkErr(err)
	}
	if !ok {
		return "", errors.ErrExist
	}
	return record.Version, nil
}

func (c *client) Get(ctx context.Context, key string) (kvs.Record, error) {
	val, err := c.rdb.Get(ctx, rKey(key)).Result()
	if err != nil {
		return kvs.Record{}, checkErr(err)
	}

	r, err := db2rec(cast.StringToByteArray(val))
	if err != nil {
		return kvs.Record{}, err
	}
	r.Key = key
	return r, nil
}

func (c *client) GetMany(ctx context.Context, keys ...string) ([]*kvs.Record, error) {
	res, err := c.rdb.MGet(ctx, rKeys(keys)...).Result()
	if err != nil {
		return nil, checkErr(err)
	}
	result := make([]*kvs.Record, len(keys))
	for idx, val := range res {
		if val == nil {
			continue
		}
		r, err := db2rec(cast.StringToByteArray(val.(string)))
		if err != nil {
			continue
		}
		r.Key = keys[idx]
		result[idx] = &r
	}
	return result, nil
}

func (c *client) Put(ctx context.Context, record kvs.Record) (kvs.Record, error) {
	record.Version = ulidutils.NewID()
	buf := rec2db(&record)
	_, err := c.rdb.Set(ctx, rKey(record.Key), buf, expiration(record.ExpiresAt, time.Now())).Result()
	return record, checkErr(err)
}

func (c *client) PutMany(ctx context.Context, records []kvs.Record) error {
	mset := make([]string, 0, len(records)*2)
	for _, r := range records {
		if r.ExpiresAt != nil {
			mset = nil
			break
		}
		mset = append(mset, rKey(r.Key))
		mset = append(mset, cast.ByteArrayToString(rec2db(&r)))
	}
	if len(mset) > 0 {
		_, err := c.rdb.MSet(ctx, mset).Result()
		return checkErr(err)
	}
	for _, r := range records {
		_, err := c.Put(ctx, r)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *client) CasByVersion(ctx context.Context, record kvs.Record) (kvs.Record, error) {
	key := rKey(record.Key)
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err != nil {
			return checkErr(err)
		}
		r, err := db2rec(cast.StringToByteArray(val))
		if err != nil {
			return err
		}
		if r.Version != record.Version {
			return errors.ErrConflict
		}
		record.Version = ulidutils.NewID()
		buf := rec2db(&record)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			_, err2 := pipe.Set(ctx, key, buf, expiration(record.ExpiresAt, time.Now())).Result()
			return err2
		})
		return err
	}, key)
	return record, err
}

func (c *client) Delete(ctx context.Context, key string) error {
	cnt, err := c.rdb.Del(ctx, rKey(key)).Result()
	if err != nil {
		return checkErr(err)
	}
	if cnt == 0 {
		return errors.ErrNotExist
	}
	return nil
}

// WaitForVersionChange is a naive optimistic-spin implementation. If a
// better mechanism (key-space notifications) is ever needed, it replaces
// this; so far it is good enough for the coordination workloads this
// transport serves.
func (c *client) WaitForVersionChange(ctx context.Context, key, ver string) error {
	timeout := time.Millisecond * 2
	for {
		timeout *= 2
		if timeout > time.Millisecond*100 {
			timeout = time.Millisecond * 2
		}
		r, err := c.Get(ctx, key)
		if errors.Is(err, errors.ErrNotExist) {
			return err
		}
		if err != nil {
			return err
		}
		if r.Version != ver {
			return nil
		}
		tmr := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
}

// ListKeys allows to read the keys by the pattern provided.
func (c *client) ListKeys(ctx context.Context, pattern string) (iterable.Iterator[string], error) {
	si := c.rdb.Scan(ctx, 0, rKey(pattern), 1000).Iterator()
	return &keysIterator{si: si}, nil
}

func (c *client) Close() error {
	return c.rdb.Close()
}

func checkErr(err error) error {
	if err == nil {
		return nil
	}
	if err.Error() == "redis: nil" {
		return errors.ErrNotExist
	}
	return err
}

func expiration(eat *time.Time, curT time.Time) time.Duration {
	expiration := time.Duration(0)
	if eat != nil {
		expiration = (*eat).Sub(curT)
		if expiration < time.Millisecond {
			expiration = time.Millisecond
		}
	}
	return expiration
}

func rKeys(keys []string) []string {
	res := make([]string, len(keys))
	for idx, key := range keys {
		res[idx] = rKey(key)
	}
	return res
}

func rKey(key string) string {
	for len(key) > 0 && key[0] == '/' {
		key = key[1:]
	}
	return fmt.Sprintf("/kvs/%s", key)
}

func key(rKey string) string {
	if len(rKey) > 5 {
		return rKey[5:]
	}
	return ""
}

func rec2db(r *kvs.Record) []byte {
	if r == nil {
		panic("rec2db: record cannot be nil")
	}
	buf, err := json.Marshal(dbRecord{Key: r.Key, Value: r.Value, Version: r.Version, ExpiresAt: r.ExpiresAt})
	if err != nil {
		panic(fmt.Sprintf("could not marshal record r=%v: %s", r, err))
	}
	return buf
}

func db2rec(buf []byte) (kvs.Record, error) {
	var dr dbRecord
	if err := json.Unmarshal(buf, &dr); err != nil {
		return kvs.Record{}, fmt.Errorf("could not unmarshal record: %w", err)
	}
	return kvs.Record{Key: dr.Key, Value: dr.Value, Version: dr.Version, ExpiresAt: dr.ExpiresAt}, nil
}

var _ iterable.Iterator[string] = (*keysIterator)(nil)

func (k *keysIterator) HasNext() bool {
	if k.val == nil && k.si.Next(context.Background()) {
		k.val = cast.Ptr(key(k.si.Val()))
	}
	return k.val != nil
}

func (k *keysIterator) Next() (string, bool) {
	if k.HasNext() {
		res := *k.val
		k.val = nil
		return res, true
	}
	return "", false
}

func (k *keysIterator) Close() error {
	k.si = nil
	k.val = nil
	return nil
}
