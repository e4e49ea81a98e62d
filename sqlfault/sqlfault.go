// Package sqlfault classifies errors returned by the supported SQL drivers.
//
// IsTransient plugs into persistmsg.WithTransientClassifier so that deadlocks,
// lock timeouts, serialization failures and dropped connections are retried.
package sqlfault

import (
	"errors"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/sijms/go-ora/v2/network"

	"github.com/oagudo/persistmsg"
)

// PostgreSQL SQLSTATE codes.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgConnectionException  = "08" // class
	pgOperatorIntervention = "57P0"
)

// MySQL and MariaDB error numbers.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlDuplicateEntry  = 1062
)

// SQL Server error numbers.
const (
	mssqlDeadlockVictim = 1205
	mssqlLockTimeout    = 1222
	mssqlUniqueIndex    = 2601
	mssqlUniqueKey      = 2627
	mssqlServiceBusy    = 40501
	mssqlUnavailableDB  = 40613
)

// Oracle error codes.
const (
	oraUniqueConstraint = 1
	oraResourceBusy     = 54
	oraDeadlock         = 60
	oraEndOfChannel     = 3113
	oraNotConnected     = 3114
	oraConnectTimeout   = 12170
)

// IsTransient reports whether err is a transient fault of one of the supported drivers,
// or one recognised by persistmsg.IsTransient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if persistmsg.IsTransient(err) {
		return true
	}

	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return transientSQLState(pgxErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientSQLState(string(pqErr.Code))
	}

	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlLockWaitTimeout || myErr.Number == mysqlDeadlock
	}

	if n, ok := mssqlNumber(err); ok {
		switch n {
		case mssqlDeadlockVictim, mssqlLockTimeout, mssqlServiceBusy, mssqlUnavailableDB:
			return true
		}
		return false
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	var oraErr *network.OracleError
	if errors.As(err, &oraErr) {
		switch oraErr.ErrCode {
		case oraResourceBusy, oraDeadlock, oraEndOfChannel, oraNotConnected, oraConnectTimeout:
			return true
		}
	}

	return false
}

// IsUniqueViolation reports whether err was caused by a duplicate primary or unique key.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code == pgUniqueViolation
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}

	if n, ok := mssqlNumber(err); ok {
		return n == mssqlUniqueIndex || n == mssqlUniqueKey
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	var oraErr *network.OracleError
	if errors.As(err, &oraErr) {
		return oraErr.ErrCode == oraUniqueConstraint
	}

	return false
}

func transientSQLState(code string) bool {
	switch code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return strings.HasPrefix(code, pgConnectionException) || strings.HasPrefix(code, pgOperatorIntervention)
}

func mssqlNumber(err error) (int32, bool) {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number, true
	}
	var msErrPtr *mssql.Error
	if errors.As(err, &msErrPtr) {
		return msErrPtr.Number, true
	}
	return 0, false
}
