package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"replateo/expiry"
)

var (
	// ErrNotFound signals an unknown listing id.
	ErrNotFound = errors.New("listing: not found")
	// ErrConflict signals the claim precondition no longer holds: the listing
	// is already claimed, expired, or withdrawn. Recoverable by re-fetching.
	ErrConflict = errors.New("listing: already claimed or no longer available")
)

// Repository is the durable listing store. TryClaim is the single atomic
// primitive resolving claim races; no application-level lock exists above it.
type Repository interface {
	Create(ctx context.Context, l Listing) (Listing, error)
	Get(ctx context.Context, id string) (Listing, error)
	List(ctx context.Context, filters Filters) ([]Listing, error)
	TryClaim(ctx context.Context, id, claimantID string, now time.Time) (Listing, error)
	Withdraw(ctx context.Context, id, ownerID string) (Listing, error)
	MarkExpired(ctx context.Context, now time.Time) ([]Listing, error)
}

const listingColumns = `id, kind, category, sub_category, status, title, quantity, notes, image_ref, pickup_address,
       owner_id, owner_name, owner_email, claimant_id, claimed_at,
       prepared_at, packaged_at, risk_level, safe_until, classification, confidence, reasoning, advisory, analyzed_at,
       created_at`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, l Listing) (Listing, error) {
	const query = `
		INSERT INTO listings (id, kind, category, sub_category, status, title, quantity, notes, image_ref, pickup_address,
		                      owner_id, owner_name, owner_email,
		                      prepared_at, packaged_at, risk_level, safe_until, classification, confidence, reasoning, advisory, analyzed_at)
		VALUES ($1, $2, $3, $4, 'available', $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING ` + listingColumns

	var (
		preparedAt, packagedAt, safeUntil, analyzedAt  *time.Time
		riskLevel, classification, reasoning, advisory *string
		confidence                                     *float64
	)
	if p := l.Perishable; p != nil {
		preparedAt = &p.PreparedAt
		packagedAt = &p.PackagedAt
		safeUntil = &p.SafeUntil
		analyzedAt = &p.AnalyzedAt
		risk := string(p.RiskLevel)
		riskLevel = &risk
		classification = &p.Classification
		confidence = &p.Confidence
		reasoning = &p.Reasoning
		advisory = &p.Advisory
	}

	row := r.pool.QueryRow(ctx, query,
		l.ID, l.Kind, l.Category, nullable(l.SubCategory), l.Title, l.Quantity, l.Notes, l.ImageRef, l.PickupAddress,
		l.OwnerID, l.OwnerName, l.OwnerEmail,
		preparedAt, packagedAt, riskLevel, safeUntil, classification, confidence, reasoning, advisory, analyzedAt,
	)
	created, err := scanListing(row)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`

	l, err := scanListing(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	return l, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Listing, error) {
	base := `SELECT ` + listingColumns + ` FROM listings`
	where := []string{}
	args := []any{}

	if filters.OwnerID != "" {
		where = append(where, fmt.Sprintf("owner_id=$%d", len(args)+1))
		args = append(args, filters.OwnerID)
	}
	if filters.ClaimantID != "" {
		where = append(where, fmt.Sprintf("claimant_id=$%d", len(args)+1))
		args = append(args, filters.ClaimantID)
	}
	if filters.Kind != "" {
		where = append(where, fmt.Sprintf("kind=$%d", len(args)+1))
		args = append(args, filters.Kind)
	}
	if filters.Category != "" {
		where = append(where, fmt.Sprintf("category=$%d", len(args)+1))
		args = append(args, filters.Category)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}

	query := base
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing: query list: %w", err)
	}
	defer rows.Close()

	list := []Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan list: %w", err)
		}
		list = append(list, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate list: %w", err)
	}
	return list, nil
}

// TryClaim transitions available -> claimed in a single conditional write.
// The safety window is part of the write condition, so a claim can never
// commit past safe_until no matter when the caller last read the row. If the
// row is no longer claimable it returns ErrConflict without touching the
// existing claimant; an unknown id returns ErrNotFound.
func (r *PGRepository) TryClaim(ctx context.Context, id, claimantID string, now time.Time) (Listing, error) {
	const query = `
		UPDATE listings
		SET status = 'claimed',
		    claimant_id = $2,
		    claimed_at = $3
		WHERE id = $1 AND status = 'available'
		  AND (safe_until IS NULL OR safe_until > $3)
		RETURNING ` + listingColumns

	l, err := scanListing(r.pool.QueryRow(ctx, query, id, claimantID, now))
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, fmt.Errorf("listing: try claim: %w", err)
	}

	// Lost the race or the id never existed; re-read to tell the two apart.
	if _, err := r.Get(ctx, id); err != nil {
		return Listing{}, err
	}
	return Listing{}, ErrConflict
}

// Withdraw transitions available -> withdrawn for the owner only.
func (r *PGRepository) Withdraw(ctx context.Context, id, ownerID string) (Listing, error) {
	const query = `
		UPDATE listings
		SET status = 'withdrawn'
		WHERE id = $1 AND owner_id = $2 AND status = 'available'
		RETURNING ` + listingColumns

	l, err := scanListing(r.pool.QueryRow(ctx, query, id, ownerID))
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, fmt.Errorf("listing: withdraw: %w", err)
	}
	if _, err := r.Get(ctx, id); err != nil {
		return Listing{}, err
	}
	return Listing{}, ErrConflict
}

// MarkExpired sweeps available perishable rows whose safety window has closed
// and returns the flipped rows for notification.
func (r *PGRepository) MarkExpired(ctx context.Context, now time.Time) ([]Listing, error) {
	const query = `
		UPDATE listings
		SET status = 'expired'
		WHERE status = 'available' AND safe_until IS NOT NULL AND safe_until <= $1
		RETURNING ` + listingColumns

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("listing: mark expired: %w", err)
	}
	defer rows.Close()

	expired := []Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan expired: %w", err)
		}
		expired = append(expired, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate expired: %w", err)
	}
	return expired, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var (
		l           Listing
		subCategory *string

		preparedAt, packagedAt, safeUntil, analyzedAt  *time.Time
		riskLevel, classification, reasoning, advisory *string
		confidence                                     *float64
	)
	err := row.Scan(
		&l.ID, &l.Kind, &l.Category, &subCategory, &l.Status, &l.Title, &l.Quantity, &l.Notes, &l.ImageRef, &l.PickupAddress,
		&l.OwnerID, &l.OwnerName, &l.OwnerEmail, &l.ClaimantID, &l.ClaimedAt,
		&preparedAt, &packagedAt, &riskLevel, &safeUntil, &classification, &confidence, &reasoning, &advisory, &analyzedAt,
		&l.CreatedAt,
	)
	if err != nil {
		return Listing{}, err
	}

	if subCategory != nil {
		l.SubCategory = *subCategory
	}
	if preparedAt != nil {
		p := &Perishability{
			PreparedAt: *preparedAt,
		}
		if packagedAt != nil {
			p.PackagedAt = *packagedAt
		}
		if riskLevel != nil {
			p.RiskLevel = expiry.RiskLevel(*riskLevel)
		}
		if safeUntil != nil {
			p.SafeUntil = *safeUntil
		}
		if classification != nil {
			p.Classification = *classification
		}
		if confidence != nil {
			p.Confidence = *confidence
		}
		if reasoning != nil {
			p.Reasoning = *reasoning
		}
		if advisory != nil {
			p.Advisory = *advisory
		}
		if analyzedAt != nil {
			p.AnalyzedAt = *analyzedAt
		}
		l.Perishable = p
	}
	return l, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
