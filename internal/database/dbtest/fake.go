// Package dbtest provides in-memory stand-ins for database connections and
// transactions so the manager and repositories can be tested without PostgreSQL.
package dbtest

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stwalsh4118/atlas/listings/internal/database"
)

// Query records one statement sent through a fake.
type Query struct {
	SQL  string
	Args []any
}

// Row is a canned pgx.Row.
type Row struct {
	Values []any
	Err    error
}

// Scan copies Values into dest positionally.
func (r Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(dest) != len(r.Values) {
		return fmt.Errorf("dbtest: scan expects %d destinations, got %d", len(r.Values), len(dest))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d)
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("dbtest: destination %d is not a pointer", i)
		}
		if r.Values[i] == nil {
			target.Elem().Set(reflect.Zero(target.Elem().Type()))
			continue
		}
		v := reflect.ValueOf(r.Values[i])
		if !v.Type().AssignableTo(target.Elem().Type()) {
			return fmt.Errorf("dbtest: cannot assign %s to %s", v.Type(), target.Elem().Type())
		}
		target.Elem().Set(v)
	}
	return nil
}

// Tx is a fake pgx.Tx. Methods not overridden here panic through the nil
// embedded interface.
type Tx struct {
	pgx.Tx

	Row       pgx.Row
	ExecTag   pgconn.CommandTag
	ExecErr   error
	CommitErr error

	Queries    []Query
	Committed  bool
	RolledBack bool
}

func (t *Tx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.Queries = append(t.Queries, Query{SQL: sql, Args: args})
	return t.ExecTag, t.ExecErr
}

func (t *Tx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	t.Queries = append(t.Queries, Query{SQL: sql, Args: args})
	if t.Row == nil {
		return Row{Err: pgx.ErrNoRows}
	}
	return t.Row
}

func (t *Tx) Commit(context.Context) error {
	if t.CommitErr != nil {
		return t.CommitErr
	}
	t.Committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.Committed {
		return pgx.ErrTxClosed
	}
	t.RolledBack = true
	return nil
}

// Conn is a fake database.Conn.
type Conn struct {
	PingErr  error
	BeginErr error
	Tx       *Tx
	Row      pgx.Row
	Closed   bool

	PingCalls  int
	CloseCalls int
}

var _ database.Conn = (*Conn)(nil)

func (c *Conn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}

func (c *Conn) QueryRow(context.Context, string, ...any) pgx.Row {
	if c.Row == nil {
		return Row{Err: pgx.ErrNoRows}
	}
	return c.Row
}

func (c *Conn) Begin(context.Context) (pgx.Tx, error) {
	if c.BeginErr != nil {
		return nil, c.BeginErr
	}
	if c.Tx == nil {
		c.Tx = &Tx{}
	}
	return c.Tx, nil
}

func (c *Conn) Ping(context.Context) error {
	c.PingCalls++
	return c.PingErr
}

func (c *Conn) IsClosed() bool {
	return c.Closed
}

func (c *Conn) Close(context.Context) error {
	c.CloseCalls++
	c.Closed = true
	return nil
}

// DialResult is one scripted outcome of Dialer.Dial.
type DialResult struct {
	Conn *Conn
	Err  error
}

// Dialer hands out scripted results in order. Once the script is exhausted
// it keeps returning fresh healthy connections.
type Dialer struct {
	Script []DialResult
	Calls  int
	Params []map[string]string
}

// Dial satisfies database.Dialer.
func (d *Dialer) Dial(_ context.Context, params map[string]string) (database.Conn, error) {
	d.Calls++
	d.Params = append(d.Params, params)

	if len(d.Script) == 0 {
		return &Conn{}, nil
	}
	next := d.Script[0]
	d.Script = d.Script[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	if next.Conn == nil {
		return &Conn{}, nil
	}
	return next.Conn, nil
}

// Failing returns a script of n dial errors.
func Failing(n int, err error) []DialResult {
	out := make([]DialResult, n)
	for i := range out {
		out[i] = DialResult{Err: err}
	}
	return out
}
