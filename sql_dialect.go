package persistmsg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SQLDialect identifies the SQL flavour spoken by the database holding the record table.
type SQLDialect string

const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// ParseSQLDialect validates a dialect name coming from configuration. Matching ignores case.
func ParseSQLDialect(s string) (SQLDialect, error) {
	d := SQLDialect(strings.ToLower(s))
	switch d {
	case SQLDialectPostgres, SQLDialectMySQL, SQLDialectMariaDB, SQLDialectSQLite, SQLDialectOracle, SQLDialectSQLServer:
		return d, nil
	}
	return "", fmt.Errorf("unsupported sql dialect %q", s)
}

// Placeholder returns the bind parameter for the 1-based argument index.
func (d SQLDialect) Placeholder(index int) string {
	n := strconv.Itoa(index)
	switch d {
	case SQLDialectPostgres:
		return "$" + n
	case SQLDialectOracle:
		return ":" + n
	case SQLDialectSQLServer:
		return "@p" + n
	}
	return "?"
}

// placeholderList returns count comma separated bind parameters starting at index first.
func (d SQLDialect) placeholderList(first, count int) string {
	var sb strings.Builder
	for i := range count {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.Placeholder(first + i))
	}
	return sb.String()
}

// encodeID converts a record id to the representation of the id column:
// 16 raw bytes where the column is binary, the UUID itself where the driver maps
// it natively, and its canonical text otherwise.
func (d SQLDialect) encodeID(id uuid.UUID) any {
	switch d {
	case SQLDialectPostgres, SQLDialectMariaDB:
		return id
	case SQLDialectMySQL, SQLDialectOracle, SQLDialectSQLServer:
		return id[:]
	}
	return id.String()
}

// withLimit restricts a "SELECT ..." statement to at most limit rows.
// A limit of zero or less leaves the statement untouched.
func (d SQLDialect) withLimit(query string, limit int) string {
	if limit <= 0 {
		return query
	}
	switch d {
	case SQLDialectSQLServer:
		return "SELECT TOP (" + strconv.Itoa(limit) + ") " + strings.TrimPrefix(query, "SELECT ")
	case SQLDialectOracle:
		return query + " FETCH FIRST " + strconv.Itoa(limit) + " ROWS ONLY"
	}
	return query + " LIMIT " + strconv.Itoa(limit)
}
