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
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
)

// Minimal fake SQL driver exercising PostgresRegistry's transaction path,
// the same shape as the teacher's PostgresPersister driver fake.

type fakeDB struct {
	execs         []string
	failBegin     error
	failCommit    error
	failExecAt    map[int]error
	commitCount   int
	rollbackCount int
}

type fakeDriver struct{}
type fakeConn struct{ db *fakeDB }
type fakeTx struct {
	db     *fakeDB
	closed bool
}
type fakeResult int

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

func (fakeDriver) Open(name string) (driver.Conn, error) { return &fakeConn{db: testFakeDB}, nil }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("not supported")
}
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}
func (c *fakeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.db.failBegin != nil {
		return nil, c.db.failBegin
	}
	return &fakeTx{db: c.db}, nil
}
func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.execs = append(c.db.execs, query)
	idx := len(c.db.execs)
	if c.db.failExecAt != nil {
		if err, ok := c.db.failExecAt[idx]; ok {
			return nil, err
		}
	}
	return fakeResult(1), nil
}

func (t *fakeTx) Commit() error {
	if t.closed {
		return errors.New("already closed")
	}
	t.db.commitCount++
	t.closed = true
	return t.db.failCommit
}
func (t *fakeTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.db.rollbackCount++
	t.closed = true
	return nil
}

var testFakeDB *fakeDB

func init() {
	sql.Register("fakesql-store", fakeDriver{})
}

func newSQLDBWithFake(db *fakeDB) *sql.DB {
	testFakeDB = db
	d, _ := sql.Open("fakesql-store", "")
	return d
}

func Test_PostgresRegistry_RequiresCommitID(t *testing.T) {
	f := &fakeDB{}
	p := NewPostgresRegistry(newSQLDBWithFake(f))
	err := p.Upsert(context.Background(), testReg(), "")
	if err == nil || !strings.Contains(err.Error(), "commitID must be set") {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.commitCount != 0 {
		t.Fatalf("expected no commit attempt")
	}
}

func Test_PostgresRegistry_Upsert_AppliesBothInserts(t *testing.T) {
	f := &fakeDB{}
	p := NewPostgresRegistry(newSQLDBWithFake(f))
	if err := p.Upsert(context.Background(), testReg(), "commit-1"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if f.commitCount != 1 || f.rollbackCount != 0 {
		t.Fatalf("commit/rollback mismatch: %d/%d", f.commitCount, f.rollbackCount)
	}
	if len(f.execs) != 2 {
		t.Fatalf("expected 2 execs, got %d: %v", len(f.execs), f.execs)
	}
	if !strings.Contains(f.execs[0], "INSERT INTO applied_registrations") {
		t.Fatalf("expected applied_registrations insert first, got: %v", f.execs[0])
	}
	if !strings.Contains(f.execs[1], "INSERT INTO registrations") {
		t.Fatalf("expected registrations upsert second, got: %v", f.execs[1])
	}
}

func Test_PostgresRegistry_ExecError_RollsBack(t *testing.T) {
	f := &fakeDB{failExecAt: map[int]error{1: errors.New("boom")}}
	p := NewPostgresRegistry(newSQLDBWithFake(f))
	err := p.Upsert(context.Background(), testReg(), "commit-1")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.rollbackCount != 1 || f.commitCount != 0 {
		t.Fatalf("expected rollback only, got c=%d r=%d", f.commitCount, f.rollbackCount)
	}
}

func Test_PostgresRegistry_CommitError(t *testing.T) {
	f := &fakeDB{failCommit: errors.New("commit-fail")}
	p := NewPostgresRegistry(newSQLDBWithFake(f))
	err := p.Upsert(context.Background(), testReg(), "commit-1")
	if err == nil || !strings.Contains(err.Error(), "commit-fail") {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.commitCount != 1 {
		t.Fatalf("expected one commit attempt")
	}
}
