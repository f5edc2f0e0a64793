package safegate

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry is one recorded gate call, kept for compliance and debugging.
type AuditEntry struct {
	ID            int64
	ImageName     string
	PreparedAt    time.Time
	PackagedAt    time.Time
	Classification string
	Decision      string
	RiskLevel     string
	Confidence    float64
	Reasoning     string
	Advisory      string
	Failed        bool
	CreatedAt     time.Time
}

// AuditLog records every gate outcome, admitted or not.
type AuditLog interface {
	Record(ctx context.Context, req Request, verdict Verdict, failed bool) error
}

// PGAuditLog persists gate outcomes to the gate_audit table.
type PGAuditLog struct {
	pool *pgxpool.Pool
}

func NewAuditLog(pool *pgxpool.Pool) *PGAuditLog {
	return &PGAuditLog{pool: pool}
}

func (l *PGAuditLog) Record(ctx context.Context, req Request, verdict Verdict, failed bool) error {
	const query = `
		INSERT INTO gate_audit (image_name, prepared_at, packaged_at, classification, decision, risk_level, confidence, reasoning, advisory, failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := l.pool.Exec(ctx, query,
		req.ImageName,
		req.PreparedAt,
		req.PackagedAt,
		verdict.Classification,
		verdict.Decision,
		string(verdict.RiskLevel),
		verdict.Confidence,
		verdict.Reasoning,
		verdict.Advisory,
		failed,
	)
	if err != nil {
		return fmt.Errorf("safegate: record audit: %w", err)
	}
	return nil
}

// Recent returns the latest audit entries, newest first.
func (l *PGAuditLog) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	const query = `
		SELECT id, image_name, prepared_at, packaged_at, classification, decision, risk_level, confidence, reasoning, advisory, failed, created_at
		FROM gate_audit
		ORDER BY id DESC
		LIMIT $1
	`
	rows, err := l.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("safegate: list audit: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0, limit)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ImageName, &e.PreparedAt, &e.PackagedAt, &e.Classification, &e.Decision, &e.RiskLevel, &e.Confidence, &e.Reasoning, &e.Advisory, &e.Failed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("safegate: scan audit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("safegate: iterate audit: %w", err)
	}
	return out, nil
}
