package storage

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"

	"research-confluence/src/logger"
)

// -----------------------------------------------------------------------------
// PostgresLockTable
// -----------------------------------------------------------------------------
// Symbol locks backed by pg_try_advisory_lock so several worker processes
// sharing one database never refresh the same symbol concurrently. Advisory
// locks are session scoped, so each held lock pins a dedicated connection
// until it is released.

type PostgresLockTable struct {
	DB      *sql.DB
	Logger  *logger.Logger
	symbols map[string]struct{}

	mu   sync.Mutex
	held map[string]*sql.Conn
}

// -----------------------------------------------------------------------------

func NewPostgresLockTable(db *sql.DB, symbols []string, log *logger.Logger) *PostgresLockTable {
	known := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		known[s] = struct{}{}
	}
	return &PostgresLockTable{
		DB:      db,
		Logger:  log,
		symbols: known,
		held:    make(map[string]*sql.Conn),
	}
}

// -----------------------------------------------------------------------------

// lockKey maps a symbol to a stable 64-bit advisory lock key.
func lockKey(symbol string) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return int64(h.Sum64())
}

// -----------------------------------------------------------------------------

func (t *PostgresLockTable) Known(symbol string) bool {
	_, ok := t.symbols[symbol]
	return ok
}

// -----------------------------------------------------------------------------

func (t *PostgresLockTable) TryLock(symbol string) bool {
	if !t.Known(symbol) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.held[symbol]; busy {
		return false
	}

	conn, err := t.DB.Conn(context.Background())
	if err != nil {
		t.Logger.Error("PostgresLockTable: failed to open connection for %s: %v", symbol, err)
		return false
	}

	var acquired bool
	if err := conn.QueryRowContext(context.Background(), `SELECT pg_try_advisory_lock($1);`, lockKey(symbol)).Scan(&acquired); err != nil {
		t.Logger.Error("PostgresLockTable: advisory lock query failed for %s: %v", symbol, err)
		conn.Close()
		return false
	}
	if !acquired {
		conn.Close()
		return false
	}

	t.held[symbol] = conn
	return true
}

// -----------------------------------------------------------------------------

func (t *PostgresLockTable) Unlock(symbol string) {
	t.mu.Lock()
	conn, ok := t.held[symbol]
	delete(t.held, symbol)
	t.mu.Unlock()

	if !ok {
		panic("unlock of symbol not held: " + symbol)
	}

	var released bool
	if err := conn.QueryRowContext(context.Background(), `SELECT pg_advisory_unlock($1);`, lockKey(symbol)).Scan(&released); err != nil {
		t.Logger.Error("PostgresLockTable: advisory unlock failed for %s: %v", symbol, err)
	} else if !released {
		t.Logger.Warning("PostgresLockTable: advisory lock for %s was not held by this session", symbol)
	}
	conn.Close()
}
