package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/fraudguard/internal/metrics"
)

// ingestLockKey is the advisory lock serializing ingestion with eviction.
const ingestLockKey = 7_301_144

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db        *sql.DB
	capacity  int
	listeners []EvictionListener
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB, capacity int, listeners ...EvictionListener) *PostgresStore {
	return &PostgresStore{db: db, capacity: capacity, listeners: listeners}
}

const txColumns = `id, user_id, amount, merchant, merchant_category, ts, status,
		fraud_probability, ingested_at, decided_at`

func (p *PostgresStore) Ingest(ctx context.Context, t *Transaction) (string, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin ingest: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ingestLockKey); err != nil {
		return "", fmt.Errorf("acquire ingest lock: %w", err)
	}

	var existing string
	err = dbTx.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1`, t.ID).Scan(&existing)
	switch {
	case err == nil:
		if Status(existing).IsTerminal() {
			return "", ErrAlreadyDecided
		}
		return "", ErrDuplicate
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("check existing: %w", err)
	}

	var evicted []string
	if p.capacity > 0 {
		var n int
		if err := dbTx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
			return "", fmt.Errorf("count transactions: %w", err)
		}
		if n >= p.capacity {
			need := n - p.capacity + 1
			evicted, err = evictTx(ctx, dbTx, need)
			if err != nil {
				return "", err
			}
			if len(evicted) < need {
				return "", ErrCapacityExhausted
			}
		}
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, amount, merchant, merchant_category, ts, status, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)`,
		t.ID, t.UserID, t.Amount, t.Merchant, t.MerchantCategory, t.Timestamp, t.IngestedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert transaction: %w", err)
	}
	if err := dbTx.Commit(); err != nil {
		return "", fmt.Errorf("commit ingest: %w", err)
	}
	p.notify(evicted)
	return t.ID, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) History(ctx context.Context, userID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, probability *float64, at time.Time) (*Transaction, error) {
	if err := checkUpdate(status, probability); err != nil {
		return nil, err
	}

	var prob sql.NullFloat64
	if probability != nil {
		prob = sql.NullFloat64{Float64: *probability, Valid: true}
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = $2, fraud_probability = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+txColumns,
		id, string(status), prob, at.UTC(),
	)
	t, err := scanTransaction(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrAlreadyDecided
}

func (p *PostgresStore) MarkRecorded(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE transactions SET recorded = TRUE WHERE id = $1 AND status <> 'pending'`, id)
	if err != nil {
		return fmt.Errorf("mark recorded: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidStatus
}

func (p *PostgresStore) EvictOldest(ctx context.Context, n int) ([]string, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ingestLockKey); err != nil {
		return nil, err
	}
	ids, err := evictTx(ctx, dbTx, n)
	if err != nil {
		return nil, err
	}
	if err := dbTx.Commit(); err != nil {
		return nil, err
	}
	p.notify(ids)
	return ids, nil
}

// evictTx deletes up to n of the oldest recorded transactions and their
// decision records inside dbTx.
func evictTx(ctx context.Context, dbTx *sql.Tx, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := dbTx.QueryContext(ctx, `
		DELETE FROM transactions
		WHERE id IN (
			SELECT id FROM transactions WHERE recorded ORDER BY seq LIMIT $1
		)
		RETURNING id`, n)
	if err != nil {
		return nil, fmt.Errorf("evict transactions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := dbTx.ExecContext(ctx,
		`DELETE FROM decision_records WHERE transaction_id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("evict decision records: %w", err)
	}
	return ids, nil
}

func (p *PostgresStore) notify(ids []string) {
	if len(ids) == 0 {
		return
	}
	metrics.EvictionsTotal.Add(float64(len(ids)))
	for _, l := range p.listeners {
		l.Evicted(ids)
	}
}

// Len returns the stored count, or -1 if the database cannot be reached.
// Capacity returns the configured ceiling (0 = unbounded).
func (p *PostgresStore) Capacity() int { return p.capacity }

func (p *PostgresStore) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return -1
	}
	return n
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		t         Transaction
		status    string
		prob      sql.NullFloat64
		decidedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Merchant, &t.MerchantCategory,
		&t.Timestamp, &status, &prob, &t.IngestedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Timestamp = t.Timestamp.UTC()
	t.IngestedAt = t.IngestedAt.UTC()
	if prob.Valid {
		v := prob.Float64
		t.FraudProbability = &v
	}
	if decidedAt.Valid {
		d := decidedAt.Time.UTC()
		t.DecidedAt = &d
	}
	return &t, nil
}
