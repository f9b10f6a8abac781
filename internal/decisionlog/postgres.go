package decisionlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/fraudguard/internal/decision"
)

// PostgresLog persists decision records in PostgreSQL.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a PostgreSQL-backed decision log.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

const recordColumns = `id, transaction_id, user_id, decision, fraud_probability, confidence,
		reasoning, flags, manual_review, notified, decided_at, duration_us`

func (p *PostgresLog) Append(ctx context.Context, r *decision.Record) error {
	var prob sql.NullFloat64
	if r.FraudProbability != nil {
		prob = sql.NullFloat64{Float64: *r.FraudProbability, Valid: true}
	}
	flags := r.Flags
	if flags == nil {
		flags = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO decision_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.TransactionID, r.UserID, string(r.Decision), prob, r.Confidence,
		r.Reasoning, pq.Array(flags), r.ManualReview, r.Notified, r.Timestamp.UTC(), r.Duration.Microseconds(),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("append decision record: %w", err)
	}
	return nil
}

func (p *PostgresLog) Get(ctx context.Context, transactionID string) (*decision.Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM decision_records WHERE transaction_id = $1`, transactionID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresLog) Range(ctx context.Context, from, to time.Time, limit int) ([]*decision.Record, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM decision_records
		WHERE ($1::timestamptz IS NULL OR decided_at >= $1)
		  AND ($2::timestamptz IS NULL OR decided_at < $2)
		ORDER BY seq
		LIMIT $3`,
		nullTime(from), nullTime(to), lim,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*decision.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Len returns the record count, or -1 if the database cannot be reached.
func (p *PostgresLog) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_records`).Scan(&n); err != nil {
		return -1
	}
	return n
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*decision.Record, error) {
	var (
		r          decision.Record
		dec        string
		prob       sql.NullFloat64
		flags      pq.StringArray
		durationUS int64
	)
	err := row.Scan(&r.ID, &r.TransactionID, &r.UserID, &dec, &prob, &r.Confidence,
		&r.Reasoning, &flags, &r.ManualReview, &r.Notified, &r.Timestamp, &durationUS)
	if err != nil {
		return nil, err
	}
	r.Decision = decision.Decision(dec)
	if prob.Valid {
		v := prob.Float64
		r.FraudProbability = &v
	}
	r.Flags = []string(flags)
	r.Timestamp = r.Timestamp.UTC()
	r.Duration = time.Duration(durationUS) * time.Microsecond
	return &r, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
