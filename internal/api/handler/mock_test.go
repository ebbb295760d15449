package handler

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// scriptDB implements core.DB for handler tests. Responses are scripted by
// SQL substring: the first rule whose fragment appears in the statement
// wins. Unscripted QueryRow statements scan as no rows, unscripted Query
// statements yield an empty result set, and every Exec succeeds.
type scriptDB struct {
	mu       sync.Mutex
	rowRules []scriptRule
	execLog  []string
}

type scriptRule struct {
	fragment string
	values   []any
	err      error
	rows     [][]any
	isQuery  bool
}

// onQueryRow scripts the next QueryRow whose SQL contains fragment.
func (db *scriptDB) onQueryRow(fragment string, values ...any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rowRules = append(db.rowRules, scriptRule{fragment: fragment, values: values})
}

// onQueryRowErr makes QueryRow statements containing fragment fail on Scan.
func (db *scriptDB) onQueryRowErr(fragment string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rowRules = append(db.rowRules, scriptRule{fragment: fragment, err: err})
}

// onQuery scripts a multi-row result for Query statements containing
// fragment.
func (db *scriptDB) onQuery(fragment string, rows ...[]any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rowRules = append(db.rowRules, scriptRule{fragment: fragment, rows: rows, isQuery: true})
}

func (db *scriptDB) findRule(sql string, query bool) *scriptRule {
	for i := range db.rowRules {
		r := &db.rowRules[i]
		if r.isQuery == query && strings.Contains(sql, r.fragment) {
			return r
		}
	}
	return nil
}

func (db *scriptDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execLog = append(db.execLog, sql)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (db *scriptDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if r := db.findRule(sql, true); r != nil {
		return &scriptRows{rows: r.rows}, nil
	}
	return &scriptRows{}, nil
}

func (db *scriptDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	if r := db.findRule(sql, false); r != nil {
		if r.err != nil {
			return scriptRow{err: r.err}
		}
		return scriptRow{values: r.values}
	}
	return scriptRow{err: pgx.ErrNoRows}
}

// execContaining reports whether any executed statement contains fragment.
func (db *scriptDB) execContaining(fragment string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, sql := range db.execLog {
		if strings.Contains(sql, fragment) {
			return true
		}
	}
	return false
}

type scriptRow struct {
	values []any
	err    error
}

func (r scriptRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(dest, r.values)
}

type scriptRows struct {
	rows [][]any
	next int
}

func (r *scriptRows) Next() bool { return r.next < len(r.rows) }

func (r *scriptRows) Scan(dest ...any) error {
	values := r.rows[r.next]
	r.next++
	return scanInto(dest, values)
}

func (r *scriptRows) Err() error                                   { return nil }
func (r *scriptRows) Close()                                       {}
func (r *scriptRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *scriptRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *scriptRows) RawValues() [][]byte                          { return nil }
func (r *scriptRows) Values() ([]any, error)                       { return nil, nil }
func (r *scriptRows) Conn() *pgx.Conn                              { return nil }

// scanInto copies scripted values into scan destinations in order. A nil
// value leaves the destination at its zero value.
func scanInto(dest []any, values []any) error {
	for i, d := range dest {
		if i >= len(values) || values[i] == nil {
			continue
		}
		dv := reflect.ValueOf(d).Elem()
		dv.Set(reflect.ValueOf(values[i]).Convert(dv.Type()))
	}
	return nil
}
