// Package buntdb implements kvs.Storage over an embedded BuntDB
// (https://github.com/tidwall/buntdb) file or in-memory database. It is the
// storage provider for single-replica or development deployments that don't
// warrant a network-attached KV backend.
package buntdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solarisdb/relaycoord/golibs/cast"
	"github.com/solarisdb/relaycoord/golibs/container/iterable"
	"github.com/solarisdb/relaycoord/golibs/errors"
	"github.com/solarisdb/relaycoord/golibs/logging"
	"github.com/solarisdb/relaycoord/golibs/ulidutils"
	"github.com/solarisdb/relaycoord/kvs"
	"github.com/tidwall/buntdb"
)

type (
	// Config specifies configuration for the BuntDB-backed kvs.Storage.
	Config struct {
		// DBFilePath specifies the path to the DB file. If empty, the
		// in-memory version is used.
		DBFilePath string
	}

	// Storage is a kvs.Storage implementation backed by BuntDB.
	Storage struct {
		cfg    Config
		db     *buntdb.DB
		logger logging.Logger
	}

	dbRecord struct {
		Value     []byte     `json:"value"`
		Version   string     `json:"version"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}

	keysIterator struct {
		res []string
	}
)

// NewStorage opens (or creates) the BuntDB database described by cfg and
// returns a kvs.Storage backed by it.
func NewStorage(cfg Config) (*Storage, error) {
	path := cfg.DBFilePath
	if len(path) == 0 {
		path = ":memory:"
	}

	logger := logging.NewLogger("buntdb.Storage")
	logger.Infof("Initializing with dbFilePath=%s", path)

	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("buntdb.Open(%s) failed: %w", path, err)
	}
	return &Storage{cfg: cfg, db: db, logger: logger}, nil
}

// Close releases the underlying database file.
func (s *Storage) Close() error {
	s.logger.Infof("Shutting down...")
	return s.db.Close()
}

func (s *Storage) Create(ctx context.Context, record kvs.Record) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	record.Version = ulidutils.NewID()
	val := mustMarshal(dbRecord{Value: record.Value, Version: record.Version, ExpiresAt: record.ExpiresAt})

	tx := mustBeginTx(s.db, true)
	defer mustRollback(tx)

	if _, err := getValue(tx, record.Key); err == nil {
		return "", errors.ErrExist
	} else if !errors.Is(err, errors.ErrNotExist) {
		return "", err
	}

	if _, _, err := tx.Set(record.Key, val, setOptions(record.ExpiresAt)); err != nil {
		return "", fmt.Errorf("tx.Set(key=%s) failed: %w", record.Key, err)
	}

	mustCommit(tx)
	return record.Version, nil
}

func (s *Storage) Get(ctx context.Context, key string) (kvs.Record, error) {
	tx := mustBeginTx(s.db, false)
	defer mustRollback(tx)

	val, err := getValue(tx, key)
	if err != nil {
		return kvs.Record{}, err
	}
	dr := mustUnmarshal[dbRecord](val)
	return dr.toRecord(key), nil
}

func (s *Storage) GetMany(ctx context.Context, keys ...string) ([]*kvs.Record, error) {
	tx := mustBeginTx(s.db, false)
	defer mustRollback(tx)

	res := make([]*kvs.Record, len(keys))
	for idx, key := range keys {
		val, err := getValue(tx, key)
		if err != nil {
			continue
		}
		dr := mustUnmarshal[dbRecord](val)
		r := dr.toRecord(key)
		res[idx] = &r
	}
	return res, nil
}

func (s *Storage) Put(ctx context.Context, record kvs.Record) (kvs.Record, error) {
	if ctx.Err() != nil {
		return kvs.Record{}, ctx.Err()
	}
	record.Version = ulidutils.NewID()
	val := mustMarshal(dbRecord{Value: record.Value, Version: record.Version, ExpiresAt: record.ExpiresAt})

	tx := mustBeginTx(s.db, true)
	defer mustRollback(tx)

	if _, _, err := tx.Set(record.Key, val, setOptions(record.ExpiresAt)); err != nil {
		return kvs.Record{}, fmt.Errorf("tx.Set(key=%s) failed: %w", record.Key, err)
	}

	mustCommit(tx)
	return record, nil
}

func (s *Storage) PutMany(ctx context.Context, records []kvs.Record) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	tx := mustBeginTx(s.db, true)
	defer mustRollback(tx)

	for i := range records {
		records[i].Version = ulidutils.NewID()
		val := mustMarshal(dbRecord{Value: records[i].Value, Version: records[i].Version, ExpiresAt: records[i].ExpiresAt})
		if _, _, err := tx.Set(records[i].Key, val, setOptions(records[i].ExpiresAt)); err != nil {
			return fmt.Errorf("tx.Set(key=%s) failed: %w", records[i].Key, err)
		}
	}

	mustCommit(tx)
	return nil
}

func (s *Storage) CasByVersion(ctx context.Context, record kvs.Record) (kvs.Record, error) {
	if ctx.Err() != nil {
		return kvs.Record{}, ctx.Err()
	}
	tx := mustBeginTx(s.db, true)
	defer mustRollback(tx)

	val, err := getValue(tx, record.Key)
	if err != nil {
		return kvs.Record{}, err
	}
	dr := mustUnmarshal[dbRecord](val)
	if dr.Version != record.Version {
		return kvs.Record{}, errors.ErrConflict
	}

	record.Version = ulidutils.NewID()
	newVal := mustMarshal(dbRecord{Value: record.Value, Version: record.Version, ExpiresAt: record.ExpiresAt})
	if _, _, err = tx.Set(record.Key, newVal, setOptions(record.ExpiresAt)); err != nil {
		return kvs.Record{}, fmt.Errorf("tx.Set(key=%s) failed: %w", record.Key, err)
	}

	mustCommit(tx)
	return record, nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	tx := mustBeginTx(s.db, true)
	defer mustRollback(tx)

	if _, err := tx.Delete(key); err != nil {
		if errors.Is(err, buntdb.ErrNotFound) {
			return errors.ErrNotExist
		}
		return fmt.Errorf("tx.Delete(key=%s) failed: %w", key, err)
	}

	mustCommit(tx)
	return nil
}

// WaitForVersionChange is a naive optimistic-spin implementation, same idiom
// as the other kvs.Storage providers: BuntDB has no change-notification API.
func (s *Storage) WaitForVersionChange(ctx context.Context, key, ver string) error {
	timeout := time.Millisecond * 2
	for {
		timeout *= 2
		if timeout > time.Millisecond*100 {
			timeout = time.Millisecond * 2
		}
		r, err := s.Get(ctx, key)
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

// ListKeys allows to read the keys by the pattern provided, using BuntDB's
// own glob-alike key index (see tidwall/match).
func (s *Storage) ListKeys(ctx context.Context, pattern string) (iterable.Iterator[string], error) {
	tx := mustBeginTx(s.db, false)
	defer mustRollback(tx)

	var res []string
	iter := func(key, _ string) bool {
		res = append(res, key)
		return true
	}
	if err := tx.AscendKeys(pattern, iter); err != nil {
		return nil, fmt.Errorf("iteration failed: %w", err)
	}
	return &keysIterator{res: res}, nil
}

func setOptions(expiresAt *time.Time) *buntdb.SetOptions {
	if expiresAt == nil {
		return nil
	}
	ttl := time.Until(*expiresAt)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return &buntdb.SetOptions{Expires: true, TTL: ttl}
}

func (dr dbRecord) toRecord(key string) kvs.Record {
	return kvs.Record{Key: key, Value: dr.Value, Version: dr.Version, ExpiresAt: dr.ExpiresAt}
}

// ===================================== helpers =====================================

func mustBeginTx(db *buntdb.DB, writable bool) *buntdb.Tx {
	tx, err := db.Begin(writable)
	if err != nil {
		panic(fmt.Errorf("mustBeginTx(%t) failed: %v", writable, err))
	}
	return tx
}

func mustCommit(tx *buntdb.Tx) {
	if err := tx.Commit(); err != nil {
		panic(fmt.Errorf("mustCommit() failed: %v", err))
	}
}

func mustRollback(tx *buntdb.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, buntdb.ErrTxClosed) {
		panic(fmt.Errorf("mustRollback() failed: %v", err))
	}
}

func getValue(tx *buntdb.Tx, key string) (string, error) {
	val, err := tx.Get(key)
	if err != nil && errors.Is(err, buntdb.ErrNotFound) {
		return "", errors.ErrNotExist
	}
	if err != nil {
		return "", fmt.Errorf("getValue(key=%s) failed: %w", key, err)
	}
	return val, nil
}

func mustMarshal[T any](obj T) string {
	bytes, err := json.Marshal(obj)
	if err != nil {
		panic(fmt.Errorf("mustMarshal() failed: %v", err))
	}
	return cast.ByteArrayToString(bytes)
}

func mustUnmarshal[T any](val string) T {
	bytes := cast.StringToByteArray(val)
	e := new(T)
	if err := json.Unmarshal(bytes, e); err != nil {
		panic(fmt.Errorf("mustUnmarshal() failed: %v", err))
	}
	return *e
}

var _ iterable.Iterator[string] = (*keysIterator)(nil)

func (k *keysIterator) HasNext() bool {
	return len(k.res) > 0
}

func (k *keysIterator) Next() (string, bool) {
	if !k.HasNext() {
		return "", false
	}
	res := k.res[0]
	k.res = k.res[1:]
	return res, true
}

func (k *keysIterator) Close() error {
	k.res = nil
	return nil
}
