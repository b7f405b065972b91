package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// instanceLockKey is the Postgres advisory lock key held by the service
// that owns a database. The pending registry and compute queue are in
// process memory, so a second service on the same database would dispatch
// against cooldowns it cannot see and receive callbacks it cannot match.
const instanceLockKey int64 = 0x63697068_73636f72 // "ciphscor"

// ErrInstanceLocked is returned when another service already owns the
// database.
var ErrInstanceLocked = errors.New("credit: another instance holds the database")

// InstanceLock is a session advisory lock held on a dedicated connection
// for the lifetime of the service.
type InstanceLock struct {
	conn *sql.Conn
}

// AcquireInstanceLock takes the service lock without waiting. It returns
// ErrInstanceLocked if another session holds it.
func AcquireInstanceLock(ctx context.Context, db *sql.DB) (*InstanceLock, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("instance lock: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, instanceLockKey).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("instance lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, ErrInstanceLocked
	}
	return &InstanceLock{conn: conn}, nil
}

// Check reports whether the session holding the lock is still alive. The
// lock is lost with its connection.
func (l *InstanceLock) Check(ctx context.Context) error {
	return l.conn.PingContext(ctx)
}

// Release unlocks and returns the connection to the pool.
func (l *InstanceLock) Release(ctx context.Context) error {
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, instanceLockKey)
	if cerr := l.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
