// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: March 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/core"
)

// Key layout:
//
//	fleetmon:telemetry:seq            INCR sequence for sample ids
//	fleetmon:telemetry:<device>       ZSET, score = timestamp unix-millis,
//	                                  member = JSON-encoded stored sample
//	fleetmon:alerts:seq               INCR sequence for alert ids
//	fleetmon:alert:<fingerprint>      JSON-encoded alert; SETNX enforces the
//	                                  unique fingerprint constraint
//	fleetmon:alerts:bytime            ZSET, score = createdAt unix-millis,
//	                                  member = fingerprint (listing + purge)
//
// Recency queries ("latest", "prior strictly before T") are reverse range
// queries over the per-device ZSET. Two samples sharing the same
// millisecond tie-break arbitrarily, which is acceptable at the supported
// reporting rates.

const (
	telemetrySeqKey = "fleetmon:telemetry:seq"
	alertSeqKey     = "fleetmon:alerts:seq"
	alertTimeKey    = "fleetmon:alerts:bytime"
)

func telemetryKey(deviceID string) string { return "fleetmon:telemetry:" + deviceID }
func alertKey(fingerprint string) string  { return "fleetmon:alert:" + fingerprint }

// RedisStore implements both store contracts over a single Redis client.
type RedisStore struct {
	c redis.Cmdable
}

// NewRedisStore wraps an existing client (or cluster client; anything
// satisfying Cmdable).
func NewRedisStore(c redis.Cmdable) *RedisStore { return &RedisStore{c: c} }

// NewRedisStoreAddr dials a single-node Redis at addr, e.g. "127.0.0.1:6379".
func NewRedisStoreAddr(addr string) *RedisStore {
	return &RedisStore{c: redis.NewClient(&redis.Options{Addr: addr})}
}

// wrapErr maps client failures onto the pipeline's sentinel taxonomy:
// anything that is not a definite miss is treated as transient.
func wrapErr(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", core.ErrUnavailable, op, err)
}

func (r *RedisStore) Save(ctx context.Context, s core.Sample) (int64, error) {
	id, err := r.c.Incr(ctx, telemetrySeqKey).Result()
	if err != nil {
		return 0, wrapErr("incr seq", err)
	}
	stored := core.StoredSample{ID: id, Sample: s, ReceivedAt: time.Now()}
	payload, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("marshal sample: %w", err)
	}
	z := redis.Z{Score: float64(s.Timestamp.UnixMilli()), Member: string(payload)}
	if err := r.c.ZAdd(ctx, telemetryKey(s.DeviceID), z).Err(); err != nil {
		return 0, wrapErr("zadd telemetry", err)
	}
	return id, nil
}

func (r *RedisStore) LatestForDevice(ctx context.Context, deviceID string) (core.StoredSample, error) {
	return r.revRangeOne(ctx, deviceID, "+inf")
}

func (r *RedisStore) PriorBefore(ctx context.Context, deviceID string, ts time.Time) (core.StoredSample, error) {
	// "(" makes the bound exclusive: strictly before ts.
	return r.revRangeOne(ctx, deviceID, "("+strconv.FormatInt(ts.UnixMilli(), 10))
}

func (r *RedisStore) revRangeOne(ctx context.Context, deviceID, max string) (core.StoredSample, error) {
	members, err := r.c.ZRevRangeByScore(ctx, telemetryKey(deviceID), &redis.ZRangeBy{
		Min: "-inf", Max: max, Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return core.StoredSample{}, wrapErr("zrevrangebyscore", err)
	}
	if len(members) == 0 {
		return core.StoredSample{}, core.ErrNotFound
	}
	var stored core.StoredSample
	if err := json.Unmarshal([]byte(members[0]), &stored); err != nil {
		return core.StoredSample{}, fmt.Errorf("decode stored sample: %w", err)
	}
	return stored, nil
}

func (r *RedisStore) ListForDevice(ctx context.Context, deviceID string, limit, offset int) ([]core.StoredSample, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	members, err := r.c.ZRevRange(ctx, telemetryKey(deviceID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, wrapErr("zrevrange", err)
	}
	out := make([]core.StoredSample, 0, len(members))
	for _, m := range members {
		var stored core.StoredSample
		if err := json.Unmarshal([]byte(m), &stored); err != nil {
			return nil, fmt.Errorf("decode stored sample: %w", err)
		}
		out = append(out, stored)
	}
	return out, nil
}

func (r *RedisStore) Insert(ctx context.Context, a alert.Alert) (alert.Alert, error) {
	id, err := r.c.Incr(ctx, alertSeqKey).Result()
	if err != nil {
		return alert.Alert{}, wrapErr("incr alert seq", err)
	}
	a.ID = id
	a.CreatedAt = time.Now()
	payload, err := json.Marshal(a)
	if err != nil {
		return alert.Alert{}, fmt.Errorf("marshal alert: %w", err)
	}
	// SETNX is the unique fingerprint constraint: the first writer wins and
	// every later insert observes the conflict.
	set, err := r.c.SetNX(ctx, alertKey(a.Fingerprint), string(payload), 0).Result()
	if err != nil {
		return alert.Alert{}, wrapErr("setnx alert", err)
	}
	if !set {
		return alert.Alert{}, alert.ErrDuplicateFingerprint
	}
	z := redis.Z{Score: float64(a.CreatedAt.UnixMilli()), Member: a.Fingerprint}
	if err := r.c.ZAdd(ctx, alertTimeKey, z).Err(); err != nil {
		return alert.Alert{}, wrapErr("zadd alert index", err)
	}
	return a, nil
}

func (r *RedisStore) FindByFingerprint(ctx context.Context, fingerprint string) (alert.Alert, error) {
	payload, err := r.c.Get(ctx, alertKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return alert.Alert{}, core.ErrNotFound
	}
	if err != nil {
		return alert.Alert{}, wrapErr("get alert", err)
	}
	var a alert.Alert
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return alert.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	return a, nil
}

func (r *RedisStore) List(ctx context.Context, q alert.Query) ([]alert.Alert, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	// Walk the time index newest-first and filter client-side. Filtered
	// listing is an operator query, not a hot path.
	fingerprints, err := r.c.ZRevRange(ctx, alertTimeKey, 0, -1).Result()
	if err != nil {
		return nil, wrapErr("zrevrange alert index", err)
	}
	matched := 0
	out := make([]alert.Alert, 0, limit)
	for _, fp := range fingerprints {
		if len(out) >= limit {
			break
		}
		a, err := r.FindByFingerprint(ctx, fp)
		if errors.Is(err, core.ErrNotFound) {
			continue // purged between index read and fetch
		}
		if err != nil {
			return nil, err
		}
		if !matchesQuery(a, q) {
			continue
		}
		if matched < offset {
			matched++
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *RedisStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	max := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	fingerprints, err := r.c.ZRangeByScore(ctx, alertTimeKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, wrapErr("zrangebyscore alert index", err)
	}
	var purged int64
	for _, fp := range fingerprints {
		if err := r.c.Del(ctx, alertKey(fp)).Err(); err != nil {
			return purged, wrapErr("del alert", err)
		}
		if err := r.c.ZRem(ctx, alertTimeKey, fp).Err(); err != nil {
			return purged, wrapErr("zrem alert index", err)
		}
		purged++
	}
	return purged, nil
}
