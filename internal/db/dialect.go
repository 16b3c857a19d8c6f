package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Supported dialect names, as reported by the GORM dialector.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// IsSQLite reports whether the connection uses SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return conn != nil && conn.Dialector != nil && conn.Dialector.Name() == DialectSQLite
}

// ForUpdate row-locks the next query inside a transaction. SQLite serializes writers on its
// single connection, so the clause is only added for PostgreSQL.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if IsSQLite(tx) {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

// ContainsFilter builds a case-insensitive substring match on column for admin search boxes.
// LIKE wildcards in term are matched literally.
func ContainsFilter(conn *gorm.DB, column, term string) (string, string) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.TrimSpace(term))
	pattern := "%" + escaped + "%"
	if IsSQLite(conn) {
		return fmt.Sprintf("LOWER(%s) LIKE ? ESCAPE '\\'", column), strings.ToLower(pattern)
	}
	return fmt.Sprintf("%s ILIKE ? ESCAPE '\\'", column), pattern
}
