package persistmsg

import (
	"context"
	"fmt"
	"strings"
)

// MigrationChecker reports schema migrations that have not been applied yet.
type MigrationChecker interface {
	PendingMigrations(ctx context.Context) ([]string, error)
}

// MigrationCheckerFunc adapts a function to MigrationChecker.
type MigrationCheckerFunc func(ctx context.Context) ([]string, error)

func (f MigrationCheckerFunc) PendingMigrations(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// NoPendingMigrations is a MigrationChecker for deployments without a migration tool.
var NoPendingMigrations MigrationChecker = MigrationCheckerFunc(func(context.Context) ([]string, error) {
	return nil, nil
})

// MigrationTableChecker reads a migration state table with the columns version and dirty,
// as maintained by golang-migrate style tools. A dirty head version is reported as pending.
type MigrationTableChecker struct {
	DBContext *DBContext
	Table     string
}

func (c MigrationTableChecker) PendingMigrations(ctx context.Context) ([]string, error) {
	table := c.Table
	if table == "" {
		table = "schema_migrations"
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}

	// nolint:gosec
	rows, err := c.DBContext.db.QueryContext(ctx, fmt.Sprintf("SELECT version, dirty FROM %s", table))
	if err != nil {
		return nil, fmt.Errorf("reading migration state: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var pending []string
	for rows.Next() {
		var (
			version int64
			dirty   bool
		)
		if err := rows.Scan(&version, &dirty); err != nil {
			return nil, fmt.Errorf("scanning migration state: %w", err)
		}
		if dirty {
			pending = append(pending, fmt.Sprintf("%d", version))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migration state: %w", err)
	}
	return pending, nil
}

// CreateTable creates the message record table if it does not exist.
// It refuses to touch the schema while checker reports pending migrations.
func CreateTable(ctx context.Context, dbCtx *DBContext, checker MigrationChecker) error {
	if checker == nil {
		checker = NoPendingMigrations
	}

	pending, err := checker.PendingMigrations(ctx)
	if err != nil {
		return fmt.Errorf("checking pending migrations: %w", err)
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %s", ErrPendingMigrations, strings.Join(pending, ", "))
	}

	_, err = dbCtx.db.ExecContext(ctx, dbCtx.createTableStatement())
	if err != nil {
		return fmt.Errorf("creating table %s: %w", dbCtx.tableName, err)
	}
	return nil
}

func (c *DBContext) createTableStatement() string {
	t := c.tableName

	switch c.dialect {
	case SQLDialectPostgres:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID NOT NULL,
			data_type TEXT NOT NULL,
			data TEXT NOT NULL,
			created TIMESTAMPTZ NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			message_status TEXT NOT NULL DEFAULT 'InProgress',
			delivery_type TEXT NOT NULL DEFAULT 'Outbox',
			version BIGINT NOT NULL DEFAULT 0,
			CONSTRAINT pk_%s PRIMARY KEY (id, delivery_type)
		)`, t, t)

	case SQLDialectMySQL, SQLDialectMariaDB:
		idType := "BINARY(16)"
		if c.dialect == SQLDialectMariaDB {
			idType = "UUID"
		}
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s NOT NULL,
			data_type VARCHAR(512) NOT NULL,
			data LONGTEXT NOT NULL,
			created TIMESTAMP(6) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			message_status VARCHAR(32) NOT NULL DEFAULT 'InProgress',
			delivery_type VARCHAR(32) NOT NULL DEFAULT 'Outbox',
			version BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (id, delivery_type)
		)`, t, idType)

	case SQLDialectOracle:
		ddl := fmt.Sprintf(`CREATE TABLE %s (
			id RAW(16) NOT NULL,
			data_type VARCHAR2(512) NOT NULL,
			data CLOB NOT NULL,
			created TIMESTAMP WITH TIME ZONE NOT NULL,
			retry_count NUMBER(10) DEFAULT 0 NOT NULL,
			message_status VARCHAR2(32) DEFAULT 'InProgress' NOT NULL,
			delivery_type VARCHAR2(32) DEFAULT 'Outbox' NOT NULL,
			version NUMBER(19) DEFAULT 0 NOT NULL,
			CONSTRAINT pk_%s PRIMARY KEY (id, delivery_type)
		)`, t, t)
		// ORA-00955: name is already used by an existing object
		return fmt.Sprintf(`BEGIN
			EXECUTE IMMEDIATE '%s';
		EXCEPTION WHEN OTHERS THEN
			IF SQLCODE != -955 THEN RAISE; END IF;
		END;`, strings.ReplaceAll(ddl, "'", "''"))

	case SQLDialectSQLServer:
		return fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
		CREATE TABLE %s (
			id BINARY(16) NOT NULL,
			data_type NVARCHAR(512) NOT NULL,
			data NVARCHAR(MAX) NOT NULL,
			created DATETIMEOFFSET NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			message_status NVARCHAR(32) NOT NULL DEFAULT 'InProgress',
			delivery_type NVARCHAR(32) NOT NULL DEFAULT 'Outbox',
			version BIGINT NOT NULL DEFAULT 0,
			CONSTRAINT pk_%s PRIMARY KEY (id, delivery_type)
		)`, t, t, t)

	default:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			data_type TEXT NOT NULL,
			data TEXT NOT NULL,
			created TIMESTAMP NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			message_status TEXT NOT NULL DEFAULT 'InProgress',
			delivery_type TEXT NOT NULL DEFAULT 'Outbox',
			version INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (id, delivery_type)
		)`, t)
	}
}
