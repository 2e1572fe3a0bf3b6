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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/core"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestRedisStore_Telemetry(t *testing.T) {
	r := newRedisStore(t)
	ctx := context.Background()

	// Arrival order differs from timestamp order; recency queries go by
	// score (timestamp).
	id1, err := r.Save(ctx, sample("truck-1", 40.2, base.Add(2*time.Minute)))
	require.NoError(t, err)
	id2, err := r.Save(ctx, sample("truck-1", 40.0, base))
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	_, err = r.Save(ctx, sample("truck-1", 40.1, base.Add(time.Minute)))
	require.NoError(t, err)

	t.Run("LatestByTimestamp", func(t *testing.T) {
		latest, err := r.LatestForDevice(ctx, "truck-1")
		require.NoError(t, err)
		require.Equal(t, 40.2, latest.Latitude)
	})

	t.Run("PriorIsStrictlyBefore", func(t *testing.T) {
		prior, err := r.PriorBefore(ctx, "truck-1", base.Add(2*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 40.1, prior.Latitude)

		_, err = r.PriorBefore(ctx, "truck-1", base)
		require.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("UnknownDevice", func(t *testing.T) {
		_, err := r.LatestForDevice(ctx, "ghost")
		require.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		list, err := r.ListForDevice(ctx, "truck-1", 2, 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, 40.2, list[0].Latitude)
		require.Equal(t, 40.1, list[1].Latitude)
	})
}

func TestRedisStore_Alerts(t *testing.T) {
	r := newRedisStore(t)
	ctx := context.Background()

	first, err := r.Insert(ctx, alertFor("truck-1", alert.TypeSpeed, "fp-1"))
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	require.False(t, first.CreatedAt.IsZero())

	t.Run("DuplicateFingerprint", func(t *testing.T) {
		_, err := r.Insert(ctx, alertFor("truck-1", alert.TypeSpeed, "fp-1"))
		require.ErrorIs(t, err, alert.ErrDuplicateFingerprint)
	})

	t.Run("FindByFingerprint", func(t *testing.T) {
		found, err := r.FindByFingerprint(ctx, "fp-1")
		require.NoError(t, err)
		require.Equal(t, first.ID, found.ID)

		_, err = r.FindByFingerprint(ctx, "missing")
		require.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("ListWithFilters", func(t *testing.T) {
		_, err := r.Insert(ctx, alertFor("truck-2", alert.TypeGeofence, "fp-2"))
		require.NoError(t, err)

		all, err := r.List(ctx, alert.Query{})
		require.NoError(t, err)
		require.Len(t, all, 2)

		byType, err := r.List(ctx, alert.Query{Type: alert.TypeGeofence})
		require.NoError(t, err)
		require.Len(t, byType, 1)
		require.Equal(t, "fp-2", byType[0].Fingerprint)
	})

	t.Run("PurgeOlderThan", func(t *testing.T) {
		n, err := r.PurgeOlderThan(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = r.PurgeOlderThan(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		_, err = r.FindByFingerprint(ctx, "fp-1")
		require.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestRedisStore_UnavailableMapping(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedisStore(client)

	mr.Close() // sever the connection
	_, err := r.Save(context.Background(), sample("truck-1", 40.0, base))
	require.ErrorIs(t, err, core.ErrUnavailable, "transport failures must surface as the retryable sentinel")
}

func TestBuildFactory(t *testing.T) {
	t.Run("DefaultsToMemory", func(t *testing.T) {
		b, err := Build("", Options{})
		require.NoError(t, err)
		require.IsType(t, &MemoryTelemetry{}, b.Telemetry)
		require.IsType(t, &MemoryAlerts{}, b.Alerts)
	})

	t.Run("RedisNeedsAddr", func(t *testing.T) {
		_, err := Build("redis", Options{})
		require.Error(t, err)
	})

	t.Run("PostgresNeedsDB", func(t *testing.T) {
		_, err := Build("postgres", Options{})
		require.Error(t, err)
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		_, err := Build("cassandra", Options{})
		require.Error(t, err)
	})

	t.Run("RedisSharesOneStore", func(t *testing.T) {
		mr := miniredis.RunT(t)
		b, err := Build("redis", Options{RedisAddr: mr.Addr()})
		require.NoError(t, err)
		require.IsType(t, &RedisStore{}, b.Telemetry)
		require.IsType(t, &RedisStore{}, b.Alerts)
	})
}
