// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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
	"net"
	"time"

	// Registered for its side effect of installing the "postgres" sql.DB
	// driver (the teacher's go.mod declares this dependency but never wires
	// a driver for it; SPEC_FULL §B closes that gap here).
	_ "github.com/lib/pq"

	"github.com/arlojensen/serval/pkg/serval"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS registrations (
//   service_id   TEXT NOT NULL,
//   prefix_bits  INT NOT NULL,
//   next_hop     TEXT NOT NULL,
//   if_index     INT NOT NULL,
//   priority     INT NOT NULL,
//   weight       INT NOT NULL,
//   registered_at TIMESTAMPTZ NOT NULL,
//   PRIMARY KEY (service_id, prefix_bits, next_hop, if_index)
// );
//
// CREATE TABLE IF NOT EXISTS applied_registrations (
//   commit_id TEXT PRIMARY KEY,
//   service_id TEXT NOT NULL,
//   ts TIMESTAMPTZ NOT NULL DEFAULT now()
// );

// PostgresRegistry is a Registry durably backed by Postgres via
// database/sql and github.com/lib/pq, adapted from the teacher's
// PostgresPersister idempotent-commit pattern (persistence/postgres.go):
// an applied_registrations marker row guards against double-applying a
// retried register/add_service message.
type PostgresRegistry struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// NewPostgresRegistry wraps an already-opened *sql.DB (dial with
// sql.Open("postgres", dsn)).
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, defaultTimeout: 10 * time.Second}
}

// Upsert installs reg idempotently: if commitID has already been applied,
// this is a no-op, the same guarantee the teacher's CommitBatch gives per
// commit entry.
func (p *PostgresRegistry) Upsert(ctx context.Context, reg Registration, commitID string) error {
	if commitID == "" {
		return errors.New("store: commitID must be set")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.defaultTimeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sid := reg.ServiceID.String()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO applied_registrations(commit_id, service_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		commitID, sid)
	if err != nil {
		return fmt.Errorf("store: insert applied_registrations(%s): %w", commitID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// commitID was already applied.
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO registrations(service_id, prefix_bits, next_hop, if_index, priority, weight, registered_at)
		   VALUES ($1,$2,$3,$4,$5,$6,$7)
		   ON CONFLICT (service_id, prefix_bits, next_hop, if_index)
		   DO UPDATE SET priority = $5, weight = $6, registered_at = $7
		   WHERE NOT EXISTS (SELECT 1 FROM applied_registrations WHERE commit_id = $8 AND service_id != $1)`,
		sid, reg.PrefixBits, reg.NextHop.String(), reg.IfIndex, reg.Priority, reg.Weight, reg.RegisteredAt, commitID,
	); err != nil {
		return fmt.Errorf("store: upsert registrations(%s): %w", sid, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// LoadAll returns every durably-registered entry, used to repopulate the
// in-memory service table after a resolver restart.
func (p *PostgresRegistry) LoadAll(ctx context.Context) ([]Registration, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT service_id, prefix_bits, next_hop, if_index, priority, weight, registered_at FROM registrations`)
	if err != nil {
		return nil, fmt.Errorf("store: query registrations: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var (
			sidStr  string
			nextHop string
			reg     Registration
		)
		if err := rows.Scan(&sidStr, &reg.PrefixBits, &nextHop, &reg.IfIndex, &reg.Priority, &reg.Weight, &reg.RegisteredAt); err != nil {
			return nil, fmt.Errorf("store: scan registration row: %w", err)
		}
		sid, err := serval.ParseServiceID(sidStr)
		if err != nil {
			return nil, fmt.Errorf("store: parse service id %q: %w", sidStr, err)
		}
		reg.ServiceID = sid
		reg.NextHop = net.ParseIP(nextHop)
		out = append(out, reg)
	}
	return out, rows.Err()
}
