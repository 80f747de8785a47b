package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harun/toolbridge/internal/observability"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/rs/zerolog"
)

// DatabaseOptions configures the database sandbox.
type DatabaseOptions struct {
	DSN string
	// MaxConnections bounds concurrent statements.
	MaxConnections int
	// MaxQueueDepth bounds callers waiting for a connection. Beyond it,
	// calls fail fast with PoolExhausted instead of queueing unboundedly.
	MaxQueueDepth int
}

// Inline literals that make a statement non-parameterized: a quoted string
// anywhere, or a bare number fed to a comparison or VALUES list.
var (
	stringLiteralRe = regexp.MustCompile(`'[^']*'`)
	inlineNumericRe = regexp.MustCompile(`(?i)(=|<>|!=|<=?|>=?|\bLIKE\b|\bIN\s*\(|\bVALUES\s*\()\s*\d`)
)

// DatabaseExecutor runs database tools against a local SQLite database
// under a bounded connection pool with a bounded wait queue. Only
// parameterized statements are accepted; inline literals are rejected
// before touching the pool.
type DatabaseExecutor struct {
	db     *sql.DB
	opts   DatabaseOptions
	slots  chan struct{}
	queued atomic.Int32
	logger zerolog.Logger
}

// NewDatabaseExecutor opens the database and sizes the pool
func NewDatabaseExecutor(opts DatabaseOptions, logger zerolog.Logger) (*DatabaseExecutor, error) {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.MaxQueueDepth < 0 {
		opts.MaxQueueDepth = 0
	}

	db, err := sql.Open("sqlite3", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxConnections)
	db.SetMaxIdleConns(opts.MaxConnections)

	return &DatabaseExecutor{
		db:     db,
		opts:   opts,
		slots:  make(chan struct{}, opts.MaxConnections),
		logger: logger.With().Str("component", "database_executor").Logger(),
	}, nil
}

// Kind implements Executor
func (e *DatabaseExecutor) Kind() Kind {
	return KindDatabase
}

// Execute validates, acquires a pool slot and runs one statement. The slot
// is released whatever the outcome.
func (e *DatabaseExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	statement, _ := req.Arguments["statement"].(string)
	params := extractParams(req.Arguments["params"])

	if err := validateStatement(statement, params); err != nil {
		return nil, err
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if isQuery(statement) {
		return e.runQuery(ctx, statement, params)
	}
	return e.runExec(ctx, statement, params)
}

// acquire takes a pool slot, queueing up to MaxQueueDepth callers. The
// returned release function must be called exactly once.
func (e *DatabaseExecutor) acquire(ctx context.Context) (func(), error) {
	release := func() { <-e.slots }

	select {
	case e.slots <- struct{}{}:
		return release, nil
	default:
	}

	queued := e.queued.Add(1)
	if int(queued) > e.opts.MaxQueueDepth {
		e.queued.Add(-1)
		return nil, problem.Newf(problem.KindPoolExhausted,
			"all %d connections busy and %d callers already queued",
			e.opts.MaxConnections, e.opts.MaxQueueDepth)
	}
	observability.SetDBPoolWaiters(int(queued))
	defer func() {
		observability.SetDBPoolWaiters(int(e.queued.Add(-1)))
	}()

	select {
	case e.slots <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, problem.Wrap(problem.KindTimeout, "gave up waiting for a database connection", ctx.Err())
	}
}

func (e *DatabaseExecutor) runQuery(ctx context.Context, statement string, params []interface{}) (*Result, error) {
	rows, err := e.db.QueryContext(ctx, statement, params...)
	if err != nil {
		return nil, problem.Wrap(problem.KindInternal, "query failed", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, problem.Wrap(problem.KindInternal, "failed to read result columns", err)
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, problem.Wrap(problem.KindInternal, "failed to scan row", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, problem.Wrap(problem.KindInternal, "row iteration failed", err)
	}

	data, err := json.Marshal(map[string]interface{}{
		"rows":  results,
		"count": len(results),
	})
	if err != nil {
		return nil, problem.Wrap(problem.KindInternal, "failed to encode query result", err)
	}
	return &Result{Kind: KindDatabase, Data: data}, nil
}

func (e *DatabaseExecutor) runExec(ctx context.Context, statement string, params []interface{}) (*Result, error) {
	res, err := e.db.ExecContext(ctx, statement, params...)
	if err != nil {
		return nil, problem.Wrap(problem.KindInternal, "statement failed", err)
	}

	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	data, err := json.Marshal(map[string]interface{}{
		"rows_affected":  affected,
		"last_insert_id": lastID,
	})
	if err != nil {
		return nil, problem.Wrap(problem.KindInternal, "failed to encode exec result", err)
	}
	return &Result{Kind: KindDatabase, Data: data}, nil
}

// Close closes the underlying database.
func (e *DatabaseExecutor) Close() error {
	return e.db.Close()
}

// validateStatement enforces the parameterized-only rule. Placeholders
// must be bound, and with no parameters the statement must not smuggle
// values in as inline literals.
func validateStatement(statement string, params []interface{}) error {
	if strings.TrimSpace(statement) == "" {
		return problem.New(problem.KindUnparameterizedQuery, "statement argument is required")
	}

	placeholders := strings.Count(statement, "?")
	if placeholders != len(params) {
		return problem.Newf(problem.KindUnparameterizedQuery,
			"statement has %d placeholders but %d parameters were bound", placeholders, len(params))
	}

	if len(params) == 0 {
		if stringLiteralRe.MatchString(statement) || inlineNumericRe.MatchString(statement) {
			return problem.New(problem.KindUnparameterizedQuery,
				"statement embeds inline literals; bind them as parameters instead")
		}
	}
	return nil
}

func isQuery(statement string) bool {
	head := strings.ToUpper(strings.TrimSpace(statement))
	return strings.HasPrefix(head, "SELECT") ||
		strings.HasPrefix(head, "WITH") ||
		strings.HasPrefix(head, "PRAGMA") ||
		strings.HasPrefix(head, "EXPLAIN")
}

func extractParams(raw interface{}) []interface{} {
	params, _ := raw.([]interface{})
	return params
}
