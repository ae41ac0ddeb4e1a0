package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/positivef/udo-coordination/internal/errors"
)

const (
	postgresStateTableName   = "coordination_state"
	postgresOperationTimeout = 5 * time.Second

	// Listener reconnect bounds for LISTEN/NOTIFY subscriptions.
	postgresListenerMinReconnect = 10 * time.Second
	postgresListenerMaxReconnect = time.Minute

	// pg_notify channel names must be valid identifiers; payloads carry the
	// logical channel so one NOTIFY channel serves all topics.
	postgresNotifyChannel = "coordination_events"
)

func init() {
	Register("postgres", NewPostgresStore)
	Register("postgresql", NewPostgresStore)
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore implements Store on a single Postgres table. Every
// primitive is one SQL statement whose predicate treats expired rows as
// absent, so the atomicity contract holds without explicit transactions.
// Pub/sub rides on LISTEN/NOTIFY.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore creates a Store backed by the Postgres at dsn. The
// connection is opened lazily on first use.
func NewPostgresStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresStateTableName,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresStore) ensureReady() error {
	if p == nil {
		return errors.ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				expires_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

// SetNX atomically sets key=value with ttl iff the key is absent or its
// previous value has expired. The upsert's conflict branch only fires when
// the existing row is expired, so a live holder always wins.
func (p *PostgresStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	if err := p.ensureReady(); err != nil {
		return false, "", p.unavailable(err)
	}
	ctx, cancel := p.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, value, expires_at, updated_at)
		VALUES ($1, $2, %s, NOW())
		ON CONFLICT (state_key) DO UPDATE
			SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
			WHERE %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= NOW()`,
		postgresQuoteIdentifier(p.tableName), expiresAtExpr(ttl))
	res, err := p.db.ExecContext(ctx, query, key, value)
	if err != nil {
		return false, "", p.unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, "", p.unavailable(err)
	}
	if affected > 0 {
		return true, "", nil
	}

	// Lost to a live holder; fetch it for diagnostics. The holder may have
	// vanished in between, which reads as an absent value.
	current, err := p.Get(ctx, key)
	if errors.Is(err, errors.ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return false, current, nil
}

// Get returns the live value for key.
func (p *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	if err := p.ensureReady(); err != nil {
		return "", p.unavailable(err)
	}
	ctx, cancel := p.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT value FROM %s
		WHERE state_key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		postgresQuoteIdentifier(p.tableName))
	var value string
	err := p.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.ErrNotFound
	}
	if err != nil {
		return "", p.unavailable(err)
	}
	return value, nil
}

// Put unconditionally sets key=value with ttl.
func (p *PostgresStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := p.ensureReady(); err != nil {
		return p.unavailable(err)
	}
	ctx, cancel := p.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, value, expires_at, updated_at)
		VALUES ($1, $2, %s, NOW())
		ON CONFLICT (state_key) DO UPDATE
			SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		postgresQuoteIdentifier(p.tableName), expiresAtExpr(ttl))
	if _, err := p.db.ExecContext(ctx, query, key, value); err != nil {
		return p.unavailable(err)
	}
	return nil
}

// CompareAndDelete deletes key iff its live value equals expect.
func (p *PostgresStore) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, p.unavailable(err)
	}
	ctx, cancel := p.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE state_key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > NOW())`,
		postgresQuoteIdentifier(p.tableName))
	res, err := p.db.ExecContext(ctx, query, key, expect)
	if err != nil {
		return false, p.unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, p.unavailable(err)
	}
	return affected > 0, nil
}

// CompareAndExpire refreshes the ttl of key iff its live value equals expect.
func (p *PostgresStore) CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, p.unavailable(err)
	}
	ctx, cancel := p.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET expires_at = %s, updated_at = NOW()
		WHERE state_key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > NOW())`,
		postgresQuoteIdentifier(p.tableName), expiresAtExpr(ttl))
	res, err := p.db.ExecContext(ctx, query, key, expect)
	if err != nil {
		return false, p.unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, p.unavailable(err)
	}
	return affected > 0, nil
}

// Delete removes key unconditionally.
func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if err := p.ensureReady(); err != nil {
		return p.unavailable(err)
	}
	ctx, cancel := p.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE state_key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		postgresQuoteIdentifier(p.tableName))
	res, err := p.db.ExecContext(ctx, query, key)
	if err != nil {
		return p.unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return p.unavailable(err)
	}
	if affected == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// List returns all live entries with the given key prefix. Expired rows
// are reaped opportunistically while we hold the connection.
func (p *PostgresStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, p.unavailable(err)
	}
	ctx, cancel := p.opContext(ctx)
	defer cancel()

	reap := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()`,
		postgresQuoteIdentifier(p.tableName))
	_, _ = p.db.ExecContext(ctx, reap)

	query := fmt.Sprintf(`
		SELECT state_key, value FROM %s
		WHERE state_key LIKE $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		postgresQuoteIdentifier(p.tableName))
	rows, err := p.db.QueryContext(ctx, query, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, p.unavailable(err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, p.unavailable(err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, p.unavailable(err)
	}
	return result, nil
}

// notifyEnvelope frames the logical channel inside the single NOTIFY
// channel. A tab separator keeps framing trivial; payloads are JSON and
// never contain raw tabs.
const notifySeparator = "\t"

// Publish sends payload to all subscribers of channel across every node
// connected to this database.
func (p *PostgresStore) Publish(ctx context.Context, channel, payload string) error {
	if err := p.ensureReady(); err != nil {
		return p.unavailable(err)
	}
	ctx, cancel := p.opContext(ctx)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)",
		postgresNotifyChannel, channel+notifySeparator+payload); err != nil {
		return p.unavailable(err)
	}
	return nil
}

// Subscribe listens for NOTIFY messages matching channel until ctx is
// canceled. Each subscription holds its own pq.Listener connection.
func (p *PostgresStore) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, p.unavailable(err)
	}

	listener := pq.NewListener(p.dsn, postgresListenerMinReconnect, postgresListenerMaxReconnect, nil)
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, p.unavailable(err)
	}

	out := make(chan string, memorySubscriberBuffer)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// Reconnect marker; missed notifications are not
					// replayed (subscribers resync via snapshot).
					continue
				}
				ch, payload, found := strings.Cut(n.Extra, notifySeparator)
				if !found || ch != channel {
					continue
				}
				select {
				case out <- payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the database connection.
func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

// unavailable wraps backend failures so callers can branch on
// errors.ErrStoreUnavailable without losing the driver error.
func (p *PostgresStore) unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrInvalidInput) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
}

// expiresAtExpr renders the expires_at SQL expression for a ttl. The
// interval is computed server-side so all deadlines share the database
// clock.
func expiresAtExpr(ttl time.Duration) string {
	if ttl <= 0 {
		return "NULL"
	}
	return fmt.Sprintf("NOW() + interval '%d milliseconds'", ttl.Milliseconds())
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func escapeLikePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix)
}
