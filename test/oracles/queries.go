package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run repeatedly while actors hammer the
// store. Each query selects violating rows; any result is a failure.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_claimant_iff_claimed",
			SQL: `SELECT id, status, claimant_id, claimed_at FROM listings
                  WHERE (status = 'claimed') <> (claimant_id IS NOT NULL)
                     OR (claimant_id IS NOT NULL) <> (claimed_at IS NOT NULL)`,
		},
		{
			Name: "O2_no_claim_past_window",
			SQL: `SELECT id, claimed_at, safe_until FROM listings
                  WHERE status = 'claimed' AND safe_until IS NOT NULL
                    AND claimed_at > safe_until`,
		},
		{
			Name: "O3_no_rejected_persisted",
			SQL: `SELECT id, classification FROM listings
                  WHERE classification IS NOT NULL AND classification <> 'EDIBLE'`,
		},
		{
			Name: "O4_expired_only_with_window",
			SQL: `SELECT id FROM listings
                  WHERE status = 'expired' AND safe_until IS NULL`,
		},
		{
			Name: "O5_expired_not_premature",
			SQL: `SELECT id, safe_until FROM listings
                  WHERE status = 'expired' AND safe_until > NOW()`,
		},
		{
			Name: "O6_window_consistent",
			SQL: `SELECT id FROM listings
                  WHERE safe_until IS NOT NULL AND prepared_at IS NOT NULL
                    AND safe_until <= prepared_at`,
		},
		{
			Name: "O7_audit_classification_sane",
			SQL: `SELECT id, classification FROM gate_audit
                  WHERE failed = FALSE
                    AND classification NOT IN ('EDIBLE', 'NOT-EDIBLE')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
