package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// transient reports whether the error is expected fallout from the chaos
// actor killing backends and should be retried rather than failing the run.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "57P01" { // admin_shutdown
		return true
	}
	return strings.Contains(err.Error(), "conn closed") ||
		strings.Contains(err.Error(), "unexpected EOF")
}

// Donor keeps posting fresh perishable listings with short safety windows so
// the sweeper and claimers always have contested rows to fight over.
func Donor(ctx context.Context, pool *pgxpool.Pool, ownerID string, created chan<- string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id := ulid.Make().String()
		window := time.Duration(500+rand.Intn(3000)) * time.Millisecond
		now := time.Now()
		_, err := pool.Exec(ctx, `
			INSERT INTO listings (id, kind, category, status, title, quantity, pickup_address,
			                      owner_id, prepared_at, packaged_at, risk_level, safe_until, classification, confidence)
			VALUES ($1, 'donation', 'edible', 'available', 'Stress meal', '1 box', '1 Test Lane',
			        $2, $3, $3, 'HIGH', $4, 'EDIBLE', 0.9)`,
			id, ownerID, now, now.Add(window))
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("donor insert: %w", err)
		}

		select {
		case created <- id:
		default:
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Claimer races the conditional claim write against its peers. Zero rows
// affected means another claimer won or the window closed; both are expected
// under contention.
func Claimer(ctx context.Context, pool *pgxpool.Pool, claimantID string, targets <-chan string, stop <-chan struct{}) error {
	for {
		var id string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case id = <-targets:
		}

		_, err := pool.Exec(ctx, `
			UPDATE listings
			SET status = 'claimed', claimant_id = $2, claimed_at = NOW()
			WHERE id = $1 AND status = 'available' AND (safe_until IS NULL OR safe_until > NOW())`,
			id, claimantID)
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("claimer update: %w", err)
		}
		time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
	}
}

// Sweeper flips listings past their safety window to expired, exactly as the
// background sweep does in production.
func Sweeper(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			UPDATE listings SET status = 'expired'
			WHERE status = 'available' AND safe_until IS NOT NULL AND safe_until <= NOW()`)
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("sweeper update: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Withdrawer retires random available listings on behalf of their owner.
func Withdrawer(ctx context.Context, pool *pgxpool.Pool, ownerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			UPDATE listings SET status = 'withdrawn'
			WHERE id IN (
				SELECT id FROM listings WHERE status = 'available' AND owner_id = $1
				ORDER BY random() LIMIT 1)
			AND status = 'available'`, ownerID)
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("withdrawer update: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// Reader walks current listings the way the list endpoint does, tolerating
// rows vanishing mid-iteration.
func Reader(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `
			SELECT id, status, claimant_id, safe_until FROM listings
			ORDER BY created_at DESC LIMIT 50`)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || transient(err) {
				continue
			}
			return fmt.Errorf("reader query: %w", err)
		}
		for rows.Next() {
		}
		rows.Close()
		time.Sleep(time.Duration(20+rand.Intn(50)) * time.Millisecond)
	}
}

// Auditor appends synthetic gate audit rows mimicking classifier calls.
func Auditor(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		failed := rand.Intn(10) == 0
		classification := "EDIBLE"
		if failed {
			classification = "NOT-EDIBLE"
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO gate_audit (image_name, prepared_at, packaged_at, classification, decision, risk_level, confidence, failed)
			VALUES ('stress.jpg', NOW(), NOW(), $1, 'SAFE_FOR_DONATION', 'LOW', 0.8, $2)`,
			classification, failed)
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("auditor insert: %w", err)
		}
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}
