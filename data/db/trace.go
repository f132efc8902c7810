package db

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"datamapper/logging"
)

// StatementCounter 按语句类型（SELECT/INSERT/UPDATE/DELETE/...）统计执行次数
type StatementCounter struct {
	mu     sync.Mutex
	counts map[string]int
	log    []string
}

func newStatementCounter() *StatementCounter {
	return &StatementCounter{counts: make(map[string]int)}
}

func (c *StatementCounter) record(query string) {
	verb := statementVerb(query)
	c.mu.Lock()
	c.counts[verb]++
	c.log = append(c.log, query)
	c.mu.Unlock()
}

// Count 返回某类语句的次数，verb 大小写不敏感
func (c *StatementCounter) Count(verb string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[strings.ToUpper(verb)]
}

// Total 返回全部语句次数
func (c *StatementCounter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

// Statements 返回已执行语句的副本
func (c *StatementCounter) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

// Reset 清空统计
func (c *StatementCounter) Reset() {
	c.mu.Lock()
	c.counts = make(map[string]int)
	c.log = nil
	c.mu.Unlock()
}

func statementVerb(query string) string {
	q := strings.TrimSpace(query)
	if i := strings.IndexAny(q, " \t\n"); i > 0 {
		q = q[:i]
	}
	return strings.ToUpper(q)
}

// TracedDatabase 记录并统计经过的每一条语句
type TracedDatabase struct {
	inner   IDatabase
	logger  logging.Logger
	counter *StatementCounter
}

// NewTracedDatabase 包装数据库；logger 为空时使用 db.trace 组件日志
func NewTracedDatabase(inner IDatabase, logger logging.Logger) *TracedDatabase {
	if logger == nil {
		logger = logging.Component("db.trace")
	}
	return &TracedDatabase{inner: inner, logger: logger, counter: newStatementCounter()}
}

// Counter 返回语句统计
func (t *TracedDatabase) Counter() *StatementCounter { return t.counter }

// Inner 返回被包装的数据库
func (t *TracedDatabase) Inner() IDatabase { return t.inner }

func (t *TracedDatabase) trace(ctx context.Context, query string, args []any, start time.Time, err error) {
	t.counter.record(query)
	fields := []logging.Field{
		logging.String("sql", query),
		logging.Int("args", len(args)),
		logging.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		t.logger.Warn(ctx, "statement failed", append(fields, logging.Error(err))...)
		return
	}
	t.logger.Debug(ctx, "statement", fields...)
}

func (t *TracedDatabase) Query(ctx context.Context, query string, args ...any) (IRows, error) {
	start := time.Now()
	rows, err := t.inner.Query(ctx, query, args...)
	t.trace(ctx, query, args, start, err)
	return rows, err
}

func (t *TracedDatabase) QueryRow(ctx context.Context, query string, args ...any) IRow {
	start := time.Now()
	row := t.inner.QueryRow(ctx, query, args...)
	t.trace(ctx, query, args, start, nil)
	return row
}

func (t *TracedDatabase) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := t.inner.Exec(ctx, query, args...)
	t.trace(ctx, query, args, start, err)
	return res, err
}

func (t *TracedDatabase) Begin(ctx context.Context) (ITransaction, error) {
	return t.BeginTx(ctx, nil)
}

func (t *TracedDatabase) BeginTx(ctx context.Context, opts *sql.TxOptions) (ITransaction, error) {
	tx, err := t.inner.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	t.logger.Debug(ctx, "transaction begin")
	return &tracedTx{TracedDatabase: &TracedDatabase{inner: tx, logger: t.logger, counter: t.counter}, tx: tx}, nil
}

func (t *TracedDatabase) Ping(ctx context.Context) error { return t.inner.Ping(ctx) }
func (t *TracedDatabase) Close() error                   { return t.inner.Close() }
func (t *TracedDatabase) Raw() any                       { return t.inner.Raw() }

// GetDialectName 透传底层方言名称
func (t *TracedDatabase) GetDialectName() string {
	if p, ok := t.inner.(IDialectNameProvider); ok {
		return p.GetDialectName()
	}
	return ""
}

type tracedTx struct {
	*TracedDatabase
	tx ITransaction
}

func (t *tracedTx) Commit() error {
	err := t.tx.Commit()
	t.logger.Debug(context.Background(), "transaction commit", logging.Bool("ok", err == nil))
	return err
}

func (t *tracedTx) Rollback() error {
	err := t.tx.Rollback()
	t.logger.Debug(context.Background(), "transaction rollback", logging.Bool("ok", err == nil))
	return err
}
