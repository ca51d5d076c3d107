// Package httpkv implements kvs.Storage over the REST APIs of managed
// key-value services (Cloudflare Workers KV and Upstash Redis REST), the
// two providers this module is deployed against in practice. Neither REST
// API exposes an atomic compare-and-swap primitive, so CasByVersion is
// implemented as a guarded read-then-write: the version check happens on
// the client side, which narrows but does not eliminate the race window
// a native CAS would close. That tradeoff is accepted because it's the
// only option a plain REST endpoint offers.
package httpkv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/solarisdb/relaycoord/golibs/container/iterable"
	"github.com/solarisdb/relaycoord/golibs/errors"
	"github.com/solarisdb/relaycoord/golibs/logging"
	"github.com/solarisdb/relaycoord/golibs/ulidutils"
	"github.com/solarisdb/relaycoord/kvs"
)

type (
	// CloudflareConfig carries the credentials for Cloudflare Workers KV.
	CloudflareConfig struct {
		AccountID   string
		NamespaceID string
		Token       string
		// BaseURL overrides the Cloudflare API origin; empty uses the
		// public API endpoint. Tests point this at a local fake server.
		BaseURL string
	}

	// UpstashConfig carries the credentials for an Upstash Redis REST
	// endpoint (also used for any Upstash-compatible Redis REST proxy).
	UpstashConfig struct {
		URL   string
		Token string
	}

	dbRecord struct {
		Value     []byte     `json:"value"`
		Version   string     `json:"version"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}

	// endpoints abstracts the wire shape differences between the two
	// REST providers; client holds the common CAS/versioning logic.
	endpoints interface {
		get(ctx context.Context, key string) ([]byte, error)
		put(ctx context.Context, key string, val []byte, expiresAt *time.Time) error
		del(ctx context.Context, key string) error
		listKeys(ctx context.Context, prefix string) ([]string, error)
	}

	client struct {
		ep     endpoints
		logger logging.Logger
	}

	keysIterator struct {
		res []string
	}
)

// NewCloudflare returns a kvs.Storage backed by Cloudflare Workers KV.
func NewCloudflare(cfg CloudflareConfig) kvs.Storage {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.cloudflare.com/client/v4"
	}
	return &client{
		ep: &cloudflareEndpoints{
			baseURL: fmt.Sprintf("%s/accounts/%s/storage/kv/namespaces/%s", base, cfg.AccountID, cfg.NamespaceID),
			token:   cfg.Token,
			hc:      &http.Client{Timeout: 10 * time.Second},
		},
		logger: logging.NewLogger("httpkv.cloudflare"),
	}
}

// NewUpstash returns a kvs.Storage backed by the Upstash Redis REST API.
func NewUpstash(cfg UpstashConfig) kvs.Storage {
	return &client{
		ep: &upstashEndpoints{
			baseURL: strings.TrimRight(cfg.URL, "/"),
			token:   cfg.Token,
			hc:      &http.Client{Timeout: 10 * time.Second},
		},
		logger: logging.NewLogger("httpkv.upstash"),
	}
}

func (c *client) Create(ctx context.Context, record kvs.Record) (string, error) {
	if _, err := c.ep.get(ctx, record.Key); err == nil {
		return "", errors.ErrExist
	} else if !errors.Is(err, errors.ErrNotExist) {
		return "", err
	}
	record.Version = ulidutils.NewID()
	if err := c.ep.put(ctx, record.Key, marshal(record), record.ExpiresAt); err != nil {
		return "", err
	}
	return record.Version, nil
}

func (c *client) Get(ctx context.Context, key string) (kvs.Record, error) {
	buf, err := c.ep.get(ctx, key)
	if err != nil {
		return kvs.Record{}, err
	}
	return unmarshal(key, buf)
}

func (c *client) GetMany(ctx context.Context, keys ...string) ([]*kvs.Record, error) {
	res := make([]*kvs.Record, len(keys))
	for idx, key := range keys {
		r, err := c.Get(ctx, key)
		if err != nil {
			continue
		}
		res[idx] = &r
	}
	return res, nil
}

func (c *client) Put(ctx context.Context, record kvs.Record) (kvs.Record, error) {
	record.Version = ulidutils.NewID()
	if err := c.ep.put(ctx, record.Key, marshal(record), record.ExpiresAt); err != nil {
		return kvs.Record{}, err
	}
	return record, nil
}

func (c *client) PutMany(ctx context.Context, records []kvs.Record) error {
	for i := range records {
		if _, err := c.Put(ctx, records[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) CasByVersion(ctx context.Context, record kvs.Record) (kvs.Record, error) {
	cur, err := c.Get(ctx, record.Key)
	if err != nil {
		return kvs.Record{}, err
	}
	if cur.Version != record.Version {
		return kvs.Record{}, errors.ErrConflict
	}
	return c.Put(ctx, record)
}

func (c *client) Delete(ctx context.Context, key string) error {
	return c.ep.del(ctx, key)
}

// WaitForVersionChange polls the endpoint; neither REST provider offers a
// push-based watch mechanism.
func (c *client) WaitForVersionChange(ctx context.Context, key, ver string) error {
	delay := 50 * time.Millisecond
	for {
		r, err := c.Get(ctx, key)
		if err != nil {
			return err
		}
		if r.Version != ver {
			return nil
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}

func (c *client) ListKeys(ctx context.Context, pattern string) (iterable.Iterator[string], error) {
	prefix, _, _ := strings.Cut(pattern, "*")
	keys, err := c.ep.listKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	res := keys[:0]
	for _, k := range keys {
		if globMatch(pattern, k) {
			res = append(res, k)
		}
	}
	return &keysIterator{res: res}, nil
}

// globMatch is a minimal '*'-only matcher sufficient for the prefix/suffix/
// contains patterns used by lock sweeping and instance discovery.
func globMatch(pattern, key string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	rest := key[len(parts[0]):]
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		idx := strings.Index(rest, p)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(p):]
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(key, last) {
		return false
	}
	return true
}

func marshal(r kvs.Record) []byte {
	buf, _ := json.Marshal(dbRecord{Value: r.Value, Version: r.Version, ExpiresAt: r.ExpiresAt})
	return buf
}

func unmarshal(key string, buf []byte) (kvs.Record, error) {
	var dr dbRecord
	if err := json.Unmarshal(buf, &dr); err != nil {
		return kvs.Record{}, fmt.Errorf("could not unmarshal record for key=%s: %w", key, err)
	}
	return kvs.Record{Key: key, Value: dr.Value, Version: dr.Version, ExpiresAt: dr.ExpiresAt}, nil
}

var _ iterable.Iterator[string] = (*keysIterator)(nil)

func (k *keysIterator) HasNext() bool { return len(k.res) > 0 }

func (k *keysIterator) Next() (string, bool) {
	if !k.HasNext() {
		return "", false
	}
	res := k.res[0]
	k.res = k.res[1:]
	return res, true
}

func (k *keysIterator) Close() error { k.res = nil; return nil }

// ===================================== cloudflare =====================================

type cloudflareEndpoints struct {
	baseURL string
	token   string
	hc      *http.Client
}

type cfListResult struct {
	Result []struct {
		Name string `json:"name"`
	} `json:"result"`
	ResultInfo struct {
		Cursor string `json:"cursor"`
	} `json:"result_info"`
	Success bool `json:"success"`
}

func (e *cloudflareEndpoints) get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/values/%s", e.baseURL, url.PathEscape(key)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := e.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudflare kv get request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.ErrNotExist
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cloudflare kv get(%s) status=%d body=%s", key, resp.StatusCode, body)
	}
	return body, nil
}

func (e *cloudflareEndpoints) put(ctx context.Context, key string, val []byte, expiresAt *time.Time) error {
	u := fmt.Sprintf("%s/values/%s", e.baseURL, url.PathEscape(key))
	if expiresAt != nil {
		u += fmt.Sprintf("?expiration=%d", expiresAt.Unix())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(val))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := e.hc.Do(req)
	if err != nil {
		return fmt.Errorf("cloudflare kv put request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cloudflare kv put(%s) status=%d body=%s", key, resp.StatusCode, body)
	}
	return nil
}

func (e *cloudflareEndpoints) del(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/values/%s", e.baseURL, url.PathEscape(key)), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := e.hc.Do(req)
	if err != nil {
		return fmt.Errorf("cloudflare kv delete request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errors.ErrNotExist
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cloudflare kv delete(%s) status=%d body=%s", key, resp.StatusCode, body)
	}
	return nil
}

func (e *cloudflareEndpoints) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var res []string
	cursor := ""
	for {
		u := fmt.Sprintf("%s/keys?prefix=%s", e.baseURL, url.QueryEscape(prefix))
		if cursor != "" {
			u += "&cursor=" + url.QueryEscape(cursor)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+e.token)
		resp, err := e.hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("cloudflare kv list request failed: %w", err)
		}
		var lr cfListResult
		err = json.NewDecoder(resp.Body).Decode(&lr)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("could not decode cloudflare kv list response: %w", err)
		}
		for _, k := range lr.Result {
			res = append(res, k.Name)
		}
		if lr.ResultInfo.Cursor == "" {
			break
		}
		cursor = lr.ResultInfo.Cursor
	}
	return res, nil
}

// ===================================== upstash =====================================

type upstashEndpoints struct {
	baseURL string
	token   string
	hc      *http.Client
}

type upstashResult struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (e *upstashEndpoints) do(ctx context.Context, path string) (upstashResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/"+path, nil)
	if err != nil {
		return upstashResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := e.hc.Do(req)
	if err != nil {
		return upstashResult{}, fmt.Errorf("upstash request failed: %w", err)
	}
	defer resp.Body.Close()
	var ur upstashResult
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return upstashResult{}, fmt.Errorf("could not decode upstash response: %w", err)
	}
	if ur.Error != "" {
		return upstashResult{}, fmt.Errorf("upstash error: %s", ur.Error)
	}
	return ur, nil
}

func (e *upstashEndpoints) get(ctx context.Context, key string) ([]byte, error) {
	ur, err := e.do(ctx, "get/"+url.PathEscape(key))
	if err != nil {
		return nil, err
	}
	var val *string
	if err := json.Unmarshal(ur.Result, &val); err != nil {
		return nil, fmt.Errorf("could not decode upstash get(%s) result: %w", key, err)
	}
	if val == nil {
		return nil, errors.ErrNotExist
	}
	return []byte(*val), nil
}

func (e *upstashEndpoints) put(ctx context.Context, key string, val []byte, expiresAt *time.Time) error {
	path := fmt.Sprintf("set/%s/%s", url.PathEscape(key), url.PathEscape(string(val)))
	if expiresAt != nil {
		ttl := int64(time.Until(*expiresAt).Seconds())
		if ttl < 1 {
			ttl = 1
		}
		path += fmt.Sprintf("?EX=%d", ttl)
	}
	_, err := e.do(ctx, path)
	return err
}

func (e *upstashEndpoints) del(ctx context.Context, key string) error {
	ur, err := e.do(ctx, "del/"+url.PathEscape(key))
	if err != nil {
		return err
	}
	var n int
	if err := json.Unmarshal(ur.Result, &n); err == nil && n == 0 {
		return errors.ErrNotExist
	}
	return nil
}

func (e *upstashEndpoints) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var res []string
	cursor := "0"
	for {
		ur, err := e.do(ctx, fmt.Sprintf("scan/%s?match=%s", cursor, url.QueryEscape(prefix+"*")))
		if err != nil {
			return nil, err
		}
		var pair [2]json.RawMessage
		if err := json.Unmarshal(ur.Result, &pair); err != nil {
			return nil, fmt.Errorf("could not decode upstash scan result: %w", err)
		}
		var nextCursor string
		var keys []string
		if err := json.Unmarshal(pair[0], &nextCursor); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(pair[1], &keys); err != nil {
			return nil, err
		}
		res = append(res, keys...)
		if nextCursor == "0" {
			break
		}
		cursor = nextCursor
	}
	return res, nil
}
