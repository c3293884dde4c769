// Package pgxtest scripts the pgx calls a repository is expected to make.
// Each statement is matched in order against a Step; results are scanned
// into the caller's destinations by type.
package pgxtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Any matches every argument value.
var Any = anyArg{}

type anyArg struct{}

// Step is one expected statement.
type Step struct {
	SQL  *regexp.Regexp
	Args []any
	Rows [][]any
	Tag  string
	Err  error
}

// Exec expects a statement whose command tag is tag, e.g. "UPDATE 1".
func Exec(pattern, tag string, args ...any) Step {
	return Step{SQL: regexp.MustCompile(pattern), Args: args, Tag: tag}
}

// Query expects a statement returning rows. An empty rows slice makes
// QueryRow report pgx.ErrNoRows.
func Query(pattern string, rows [][]any, args ...any) Step {
	return Step{SQL: regexp.MustCompile(pattern), Args: args, Rows: rows}
}

// Fail expects a statement that returns err.
func Fail(pattern string, err error) Step {
	return Step{SQL: regexp.MustCompile(pattern), Err: err}
}

// Row builds one result row.
func Row(values ...any) []any { return values }

type script struct {
	t     testing.TB
	name  string
	mu    sync.Mutex
	steps []Step
}

func (s *script) next(sql string, args []any) (Step, error) {
	s.t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		s.t.Errorf("%s: unexpected statement: %s", s.name, sql)
		return Step{}, fmt.Errorf("unexpected statement")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if !step.SQL.MatchString(sql) {
		s.t.Errorf("%s: statement %q does not match %s", s.name, sql, step.SQL)
		return Step{}, fmt.Errorf("statement mismatch")
	}
	if err := matchArgs(step.Args, args); err != nil {
		s.t.Errorf("%s: %s: %v", s.name, step.SQL, err)
		return Step{}, err
	}
	return step, nil
}

func (s *script) exec(sql string, args []any) (pgconn.CommandTag, error) {
	step, err := s.next(sql, args)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	if step.Err != nil {
		return pgconn.CommandTag{}, step.Err
	}
	return pgconn.NewCommandTag(step.Tag), nil
}

func (s *script) query(sql string, args []any) (pgx.Rows, error) {
	step, err := s.next(sql, args)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &rows{data: step.Rows, pos: -1}, nil
}

func (s *script) queryRow(sql string, args []any) pgx.Row {
	step, err := s.next(sql, args)
	if err != nil {
		return errRow{err}
	}
	if step.Err != nil {
		return errRow{step.Err}
	}
	if len(step.Rows) == 0 {
		return errRow{pgx.ErrNoRows}
	}
	return valuesRow(step.Rows[0])
}

func (s *script) pending() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// DB stands in for a pgxpool.Pool.
type DB struct {
	script
	txMu sync.Mutex
	txs  []*Tx
}

func New(t testing.TB, steps ...Step) *DB {
	return &DB{script: script{t: t, name: "db", steps: steps}}
}

// Tx queues a transaction handed out by the next BeginTx.
func (d *DB) Tx(steps ...Step) *Tx {
	tx := &Tx{script: script{t: d.t, name: fmt.Sprintf("tx%d", len(d.txs)+1), steps: steps}}
	d.txMu.Lock()
	d.txs = append(d.txs, tx)
	d.txMu.Unlock()
	return tx
}

func (d *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return d.exec(sql, args)
}

func (d *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.query(sql, args)
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.queryRow(sql, args)
}

func (d *DB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	for _, tx := range d.txs {
		if !tx.started {
			tx.started = true
			return tx, nil
		}
	}
	d.t.Errorf("unexpected begin: no transaction queued")
	return nil, errors.New("no transaction queued")
}

func (d *DB) Ping(ctx context.Context) error { return nil }

// AssertDone fails the test when a scripted statement or transaction was
// not used, or a transaction was left open.
func (d *DB) AssertDone() {
	d.t.Helper()
	if p := d.pending(); len(p) != 0 {
		d.t.Errorf("db: %d statements not executed, next %s", len(p), p[0].SQL)
	}
	for _, tx := range d.txs {
		if !tx.started {
			d.t.Errorf("%s: never begun", tx.name)
			continue
		}
		if p := tx.pending(); len(p) != 0 {
			d.t.Errorf("%s: %d statements not executed, next %s", tx.name, len(p), p[0].SQL)
		}
		if !tx.Committed && !tx.RolledBack {
			d.t.Errorf("%s: neither committed nor rolled back", tx.name)
		}
	}
}

// Tx is a scripted pgx.Tx.
type Tx struct {
	script
	started    bool
	Committed  bool
	RolledBack bool
}

func (tx *Tx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested transactions are not scripted")
}

func (tx *Tx) Commit(ctx context.Context) error {
	tx.Committed = true
	return nil
}

func (tx *Tx) Rollback(ctx context.Context) error {
	if !tx.Committed {
		tx.RolledBack = true
	}
	return nil
}

func (tx *Tx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("CopyFrom is not scripted")
}

func (tx *Tx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return errBatch{}
}

func (tx *Tx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (tx *Tx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("Prepare is not scripted")
}

func (tx *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return tx.exec(sql, args)
}

func (tx *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return tx.query(sql, args)
}

func (tx *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return tx.queryRow(sql, args)
}

func (tx *Tx) Conn() *pgx.Conn { return nil }

type errBatch struct{}

func (errBatch) Exec() (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("batches are not scripted")
}
func (errBatch) Query() (pgx.Rows, error) { return nil, errors.New("batches are not scripted") }
func (errBatch) QueryRow() pgx.Row        { return errRow{errors.New("batches are not scripted")} }
func (errBatch) Close() error             { return nil }

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type valuesRow []any

func (r valuesRow) Scan(dest ...any) error { return scanInto(r, dest) }

type rows struct {
	data [][]any
	pos  int
	err  error
}

func (r *rows) Close()                                       {}
func (r *rows) Err() error                                   { return r.err }
func (r *rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rows) RawValues() [][]byte                          { return nil }
func (r *rows) Conn() *pgx.Conn                              { return nil }

func (r *rows) Next() bool {
	if r.err != nil || r.pos+1 >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *rows) Scan(dest ...any) error {
	if r.pos < 0 || r.pos >= len(r.data) {
		return errors.New("scan called without a current row")
	}
	if err := scanInto(r.data[r.pos], dest); err != nil {
		r.err = err
		return err
	}
	return nil
}

func (r *rows) Values() ([]any, error) {
	if r.pos < 0 || r.pos >= len(r.data) {
		return nil, errors.New("no current row")
	}
	return r.data[r.pos], nil
}

func scanInto(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("row has %d values, scan wants %d", len(values), len(dest))
	}
	for i := range dest {
		if err := assign(dest[i], values[i]); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

// assign stores value in the pointer dest, allocating for nullable
// destinations and converting between types of the same kind.
func assign(dest, value any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination %T is not a pointer", dest)
	}
	target := dv.Elem()
	if value == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	v := reflect.ValueOf(value)
	if target.Kind() == reflect.Pointer && v.Type() != target.Type() {
		elem := reflect.New(target.Type().Elem())
		if err := assign(elem.Interface(), value); err != nil {
			return err
		}
		target.Set(elem)
		return nil
	}
	switch {
	case v.Type().AssignableTo(target.Type()):
		target.Set(v)
	case v.Kind() == target.Kind() && v.Type().ConvertibleTo(target.Type()):
		target.Set(v.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot scan %T into %T", value, dest)
	}
	return nil
}

func matchArgs(want, got []any) error {
	if len(want) == 0 {
		return nil
	}
	if len(want) != len(got) {
		return fmt.Errorf("got %d arguments, want %d", len(got), len(want))
	}
	for i, w := range want {
		if _, ok := w.(anyArg); ok {
			continue
		}
		if !reflect.DeepEqual(w, got[i]) {
			return fmt.Errorf("argument $%d = %#v, want %#v", i+1, got[i], w)
		}
	}
	return nil
}
