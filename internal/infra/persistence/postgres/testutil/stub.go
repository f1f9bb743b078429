// Package testutil provides an in-memory database/sql driver that speaks the
// small SQL subset used by the postgres request store.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var driverSeq uint64

// StubConn records statements and keeps rows per table. Predicates support
// "col = $n" and "col IN ($n, ...)" joined by AND.
type StubConn struct {
	mu       sync.Mutex
	Execs    []string
	Tables   map[string][]map[string]any
	FailPing bool
	FailExec bool
}

// NewStubDB registers a uniquely named driver and opens a sql.DB on it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]any)}
	name := fmt.Sprintf("stubpg%d", atomic.AddUint64(&driverSeq, 1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct{ conn *StubConn }

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) { return stubTx{}, nil }

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// Rows returns a copy of the rows stored for table.
func (c *StubConn) Rows(table string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.Tables[table]...)
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	q := strings.TrimSpace(query)
	switch upper := strings.ToUpper(q); {
	case strings.HasPrefix(upper, "INSERT INTO"):
		return c.insert(q, args)
	case strings.HasPrefix(upper, "UPDATE"):
		return c.update(q, args)
	case strings.HasPrefix(upper, "DELETE FROM"):
		return c.delete(q, args)
	default:
		return driver.RowsAffected(0), nil
	}
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lower := strings.ToLower(strings.TrimSpace(query))
	fromIdx := strings.Index(lower, " from ")
	if !strings.HasPrefix(lower, "select ") || fromIdx == -1 {
		return nil, fmt.Errorf("cannot parse select: %s", query)
	}
	cols := splitList(query[len("select "):fromIdx])
	rest := strings.TrimSpace(query[fromIdx+len(" from "):])
	table, where := cutWhere(rest)
	preds, err := parsePredicates(where, args)
	if err != nil {
		return nil, err
	}
	out := &stubRows{cols: cols}
	for _, row := range c.Tables[table] {
		if !matches(row, preds) {
			continue
		}
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		out.rows = append(out.rows, vals)
	}
	return out, nil
}

func (c *StubConn) insert(query string, args []driver.NamedValue) (driver.Result, error) {
	rest := strings.TrimSpace(query[len("INSERT INTO"):])
	open, closeIdx := strings.Index(rest, "("), strings.Index(rest, ")")
	if open == -1 || closeIdx <= open {
		return nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	cols := splitList(rest[open+1 : closeIdx])
	if len(cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	for _, existing := range c.Tables[table] {
		if equal(existing[cols[0]], row[cols[0]]) {
			if strings.Contains(strings.ToUpper(query), "DO NOTHING") {
				return driver.RowsAffected(0), nil
			}
			return nil, fmt.Errorf("duplicate key in %s", table)
		}
	}
	c.Tables[table] = append(c.Tables[table], row)
	return driver.RowsAffected(1), nil
}

func (c *StubConn) update(query string, args []driver.NamedValue) (driver.Result, error) {
	rest := strings.TrimSpace(query[len("UPDATE"):])
	setIdx := strings.Index(strings.ToUpper(rest), " SET ")
	if setIdx == -1 {
		return nil, fmt.Errorf("cannot parse update: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:setIdx]))
	assignments, where := cutWhere(rest[setIdx+len(" SET "):])
	preds, err := parsePredicates(where, args)
	if err != nil {
		return nil, err
	}
	sets, err := parsePredicates(strings.ReplaceAll(assignments, ",", " AND "), args)
	if err != nil {
		return nil, err
	}
	var n int64
	for _, row := range c.Tables[table] {
		if !matches(row, preds) {
			continue
		}
		for _, s := range sets {
			row[s.col] = s.values[0]
		}
		n++
	}
	return driver.RowsAffected(n), nil
}

func (c *StubConn) delete(query string, args []driver.NamedValue) (driver.Result, error) {
	rest := strings.TrimSpace(query[len("DELETE FROM"):])
	table, where := cutWhere(rest)
	preds, err := parsePredicates(where, args)
	if err != nil {
		return nil, err
	}
	var kept []map[string]any
	var n int64
	for _, row := range c.Tables[table] {
		if matches(row, preds) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	c.Tables[table] = kept
	return driver.RowsAffected(n), nil
}

type predicate struct {
	col    string
	values []any
}

func cutWhere(s string) (head, where string) {
	idx := strings.Index(strings.ToUpper(s), " WHERE ")
	if idx == -1 {
		return strings.ToLower(strings.TrimSpace(s)), ""
	}
	return strings.ToLower(strings.TrimSpace(s[:idx])), strings.TrimSpace(s[idx+len(" WHERE "):])
}

func parsePredicates(where string, args []driver.NamedValue) ([]predicate, error) {
	if where == "" {
		return nil, nil
	}
	var preds []predicate
	for _, part := range strings.Split(where, " AND ") {
		part = strings.TrimSpace(part)
		if col, list, ok := strings.Cut(part, " IN "); ok {
			p := predicate{col: strings.ToLower(strings.TrimSpace(col))}
			for _, ph := range splitList(strings.Trim(strings.TrimSpace(list), "()")) {
				v, err := bind(ph, args)
				if err != nil {
					return nil, err
				}
				p.values = append(p.values, v)
			}
			preds = append(preds, p)
			continue
		}
		col, ph, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("cannot parse predicate %q", part)
		}
		v, err := bind(strings.TrimSpace(ph), args)
		if err != nil {
			return nil, err
		}
		preds = append(preds, predicate{col: strings.ToLower(strings.TrimSpace(col)), values: []any{v}})
	}
	return preds, nil
}

func bind(placeholder string, args []driver.NamedValue) (any, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(placeholder, "$"))
	if err != nil || n < 1 || n > len(args) {
		return nil, fmt.Errorf("bad placeholder %q", placeholder)
	}
	return args[n-1].Value, nil
}

func matches(row map[string]any, preds []predicate) bool {
	for _, p := range preds {
		found := false
		for _, v := range p.values {
			if equal(row[p.col], v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func equal(a, b any) bool { return fmt.Sprint(a) == fmt.Sprint(b) }

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
