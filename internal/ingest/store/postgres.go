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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/core"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS telemetry (
//   id BIGSERIAL PRIMARY KEY,
//   device_id TEXT NOT NULL,
//   latitude DOUBLE PRECISION NOT NULL,
//   longitude DOUBLE PRECISION NOT NULL,
//   ts TIMESTAMPTZ NOT NULL,
//   received_at TIMESTAMPTZ NOT NULL DEFAULT now()
// );
// CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts ON telemetry(device_id, ts DESC);
//
// CREATE TABLE IF NOT EXISTS alerts (
//   id BIGSERIAL PRIMARY KEY,
//   device_id TEXT NOT NULL,
//   type TEXT NOT NULL,
//   severity TEXT NOT NULL,
//   message TEXT NOT NULL,
//   latitude DOUBLE PRECISION,
//   longitude DOUBLE PRECISION,
//   fingerprint TEXT NOT NULL UNIQUE,
//   processor TEXT NOT NULL,
//   metadata TEXT,
//   created_at TIMESTAMPTZ NOT NULL DEFAULT now()
// );
// CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
//
// The UNIQUE constraint on fingerprint is the dedup guarantee: concurrent
// inserts of the same fingerprint race at the database, one wins, the rest
// see the conflict. Insert maps that conflict to ErrDuplicateFingerprint.

// PostgresStore persists telemetry and alerts through a caller-supplied
// *sql.DB. Table creation is an operational concern; the adapter assumes the
// schema above exists.
type PostgresStore struct {
	db *sql.DB
	// Per-call timeout fallback when ctx carries no deadline.
	defaultTimeout time.Duration
}

// NewPostgresStore creates the adapter over an already-opened database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, defaultTimeout: 10 * time.Second}
}

func (p *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		return context.WithTimeout(ctx, p.defaultTimeout)
	}
	return ctx, func() {}
}

// pgErr wraps driver failures as transient unless the row simply wasn't there.
func pgErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	return fmt.Errorf("%w: postgres %s: %v", core.ErrUnavailable, op, err)
}

func (p *PostgresStore) Save(ctx context.Context, s core.Sample) (int64, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO telemetry(device_id, latitude, longitude, ts)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		s.DeviceID, s.Latitude, s.Longitude, s.Timestamp).Scan(&id)
	if err != nil {
		return 0, pgErr("insert telemetry", err)
	}
	return id, nil
}

func (p *PostgresStore) scanSample(row *sql.Row) (core.StoredSample, error) {
	var stored core.StoredSample
	err := row.Scan(&stored.ID, &stored.DeviceID, &stored.Latitude, &stored.Longitude,
		&stored.Timestamp, &stored.ReceivedAt)
	if err != nil {
		return core.StoredSample{}, pgErr("scan telemetry", err)
	}
	return stored, nil
}

func (p *PostgresStore) LatestForDevice(ctx context.Context, deviceID string) (core.StoredSample, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.scanSample(p.db.QueryRowContext(ctx,
		`SELECT id, device_id, latitude, longitude, ts, received_at
		 FROM telemetry WHERE device_id = $1
		 ORDER BY ts DESC LIMIT 1`, deviceID))
}

func (p *PostgresStore) PriorBefore(ctx context.Context, deviceID string, ts time.Time) (core.StoredSample, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.scanSample(p.db.QueryRowContext(ctx,
		`SELECT id, device_id, latitude, longitude, ts, received_at
		 FROM telemetry WHERE device_id = $1 AND ts < $2
		 ORDER BY ts DESC LIMIT 1`, deviceID, ts))
}

func (p *PostgresStore) ListForDevice(ctx context.Context, deviceID string, limit, offset int) ([]core.StoredSample, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, device_id, latitude, longitude, ts, received_at
		 FROM telemetry WHERE device_id = $1
		 ORDER BY ts DESC LIMIT $2 OFFSET $3`, deviceID, limit, offset)
	if err != nil {
		return nil, pgErr("list telemetry", err)
	}
	defer rows.Close()
	out := make([]core.StoredSample, 0, limit)
	for rows.Next() {
		var stored core.StoredSample
		if err := rows.Scan(&stored.ID, &stored.DeviceID, &stored.Latitude, &stored.Longitude,
			&stored.Timestamp, &stored.ReceivedAt); err != nil {
			return nil, pgErr("scan telemetry", err)
		}
		out = append(out, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("list telemetry", err)
	}
	return out, nil
}

func (p *PostgresStore) Insert(ctx context.Context, a alert.Alert) (alert.Alert, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var id int64
	var createdAt time.Time
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO alerts(device_id, type, severity, message, latitude, longitude, fingerprint, processor, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (fingerprint) DO NOTHING
		 RETURNING id, created_at`,
		a.DeviceID, string(a.Type), string(a.Severity), a.Message,
		a.Latitude, a.Longitude, a.Fingerprint, a.ProcessorName, a.Metadata).Scan(&id, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		// DO NOTHING swallowed the insert: the fingerprint already exists.
		return alert.Alert{}, alert.ErrDuplicateFingerprint
	}
	if err != nil {
		return alert.Alert{}, pgErr("insert alert", err)
	}
	a.ID = id
	a.CreatedAt = createdAt
	return a, nil
}

func (p *PostgresStore) FindByFingerprint(ctx context.Context, fingerprint string) (alert.Alert, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.scanAlert(p.db.QueryRowContext(ctx,
		`SELECT id, device_id, type, severity, message, latitude, longitude, fingerprint, processor, metadata, created_at
		 FROM alerts WHERE fingerprint = $1`, fingerprint))
}

func (p *PostgresStore) scanAlert(row *sql.Row) (alert.Alert, error) {
	var a alert.Alert
	var typ, sev string
	var metadata sql.NullString
	err := row.Scan(&a.ID, &a.DeviceID, &typ, &sev, &a.Message,
		&a.Latitude, &a.Longitude, &a.Fingerprint, &a.ProcessorName, &metadata, &a.CreatedAt)
	if err != nil {
		return alert.Alert{}, pgErr("scan alert", err)
	}
	a.Type = alert.Type(typ)
	a.Severity = alert.Severity(sev)
	a.Metadata = metadata.String
	return a, nil
}

func (p *PostgresStore) List(ctx context.Context, q alert.Query) ([]alert.Alert, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.DeviceID != "" {
		where = append(where, "device_id = "+arg(q.DeviceID))
	}
	if q.Type != "" {
		where = append(where, "type = "+arg(string(q.Type)))
	}
	if q.Severity != "" {
		where = append(where, "severity = "+arg(string(q.Severity)))
	}
	if !q.CreatedAfter.IsZero() {
		where = append(where, "created_at > "+arg(q.CreatedAfter))
	}
	if !q.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(q.CreatedBefore))
	}
	query := `SELECT id, device_id, type, severity, message, latitude, longitude, fingerprint, processor, metadata, created_at FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %s OFFSET %s", arg(limit), arg(offset))

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgErr("list alerts", err)
	}
	defer rows.Close()
	out := make([]alert.Alert, 0, limit)
	for rows.Next() {
		var a alert.Alert
		var typ, sev string
		var metadata sql.NullString
		if err := rows.Scan(&a.ID, &a.DeviceID, &typ, &sev, &a.Message,
			&a.Latitude, &a.Longitude, &a.Fingerprint, &a.ProcessorName, &metadata, &a.CreatedAt); err != nil {
			return nil, pgErr("scan alert", err)
		}
		a.Type = alert.Type(typ)
		a.Severity = alert.Severity(sev)
		a.Metadata = metadata.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("list alerts", err)
	}
	return out, nil
}

func (p *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `DELETE FROM alerts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, pgErr("purge alerts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, pgErr("purge alerts", err)
	}
	return n, nil
}
