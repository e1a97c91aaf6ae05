package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lexlapax/engram/pkg/decay"
	"github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver that registers the decay functions
// on every new connection.
const DriverName = "sqlite3_engram"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: registerFunctions,
	})
	sqlx.BindDriver(DriverName, sqlx.QUESTION)
}

// registerFunctions exposes the decay curve to SQL so that the views and the
// store's queries score records with the same code as the Go projections.
//
//	mem_importance(base, lambda, importance_decay, created_us, at_us)
//	mem_decay_score(base, lambda, importance_decay, created_us, at_us)
func registerFunctions(conn *sqlite3.SQLiteConn) error {
	if err := conn.RegisterFunc("mem_importance", sqlImportance, true); err != nil {
		return fmt.Errorf("failed to register mem_importance: %w", err)
	}
	if err := conn.RegisterFunc("mem_decay_score", sqlDecayScore, true); err != nil {
		return fmt.Errorf("failed to register mem_decay_score: %w", err)
	}
	return nil
}

func sqlImportance(base, lambda, importanceDecay, createdAt, at interface{}) float64 {
	return decay.Importance(int(asInt64(base)), asFloat64(lambda), asFloat64(importanceDecay),
		decay.ElapsedDays(fromMicros(asInt64(createdAt)), fromMicros(asInt64(at))))
}

func sqlDecayScore(base, lambda, importanceDecay, createdAt, at interface{}) float64 {
	return decay.Score(int(asInt64(base)), asFloat64(lambda), asFloat64(importanceDecay),
		decay.ElapsedDays(fromMicros(asInt64(createdAt)), fromMicros(asInt64(at))))
}

// SQLite hands integral REAL values back as either type depending on storage.
func asFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// DSN builds the connection string for a database file. Writers take the
// lock at BEGIN and wait on a busy database instead of failing.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=1", path)
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
