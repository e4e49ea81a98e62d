package persistmsg

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// DefaultTableName is the name of the message record table unless WithTableName is used.
const DefaultTableName = "persist_message"

// Queryer executes statements. *sql.DB and *sql.Tx implement it.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer is a Queryer that can also return single rows.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a database transaction. *sql.Tx implements it.
type Tx interface {
	TxQueryer
	Commit() error
	Rollback() error
}

// DB is the database connection used by the SQL store.
// Use NewDBContext to wrap a *sql.DB, or implement DB to plug in another abstraction.
type DB interface {
	Queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
}

// DBContext binds a connection to the dialect and the name of the record table.
type DBContext struct {
	db        DB
	dialect   SQLDialect
	tableName string
}

// DBContextOption configures a DBContext.
type DBContextOption func(*DBContext)

// WithTableName overrides the record table name. The name must be a plain SQL identifier,
// a letter or underscore followed by letters, digits or underscores; anything else makes
// the DBContext constructors panic.
func WithTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.tableName = tableName
	}
}

// NewDBContext creates a DBContext on top of db.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	return NewDBContextWithDB(sqlDB{db}, dialect, opts...)
}

// NewDBContextWithDB creates a DBContext on top of a custom DB implementation.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	c := &DBContext{db: db, dialect: dialect, tableName: DefaultTableName}
	for _, opt := range opts {
		opt(c)
	}

	if err := validateTableName(c.tableName); err != nil {
		panic(err)
	}
	return c
}

func (c *DBContext) Dialect() SQLDialect { return c.dialect }

func (c *DBContext) TableName() string { return c.tableName }

// Placeholder returns the bind parameter of the dialect for the 1-based index,
// for business code sharing the connection.
func (c *DBContext) Placeholder(index int) string { return c.dialect.Placeholder(index) }

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateTableName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("table name cannot be empty")
	case !identifierPattern.MatchString(name):
		return fmt.Errorf("invalid table name %q: must match %s", name, identifierPattern)
	}
	return nil
}

// sqlDB adapts *sql.DB, whose BeginTx returns the concrete *sql.Tx, to DB.
type sqlDB struct {
	*sql.DB
}

func (db sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
