package listing

import (
	"context"
	"fmt"

	"replateo/auth"
)

// Claim reserves the listing for a collecting organization, exactly once.
// Exclusivity is guaranteed by the store's conditional write, not by any
// application-level lock: with N concurrent calls on the same available
// listing exactly one succeeds and the rest receive ErrConflict. A lost race
// is not retried here; the caller may re-fetch and decide.
func (s *Service) Claim(ctx context.Context, listingID string, actor auth.Actor) (Listing, error) {
	if actor.Role != auth.RoleCollectingOrg {
		return Listing{}, fmt.Errorf("%w: only collecting organizations may claim", ErrForbidden)
	}

	current, err := s.repo.Get(ctx, listingID)
	if err != nil {
		return Listing{}, err
	}

	// Fast refusal for a listing already past its window. The store's
	// conditional write re-checks the window atomically, so a window that
	// closes between this read and the update still cannot commit a claim.
	if status := current.EffectiveStatus(s.now()); status != StatusAvailable {
		return Listing{}, fmt.Errorf("%w: status %s", ErrConflict, status)
	}

	claimed, err := s.repo.TryClaim(ctx, listingID, actor.ID, s.now())
	if err != nil {
		return Listing{}, err
	}

	s.publish(Change{Type: ChangeClaimed, Listing: claimed})
	return claimed, nil
}

// Withdraw retires an available listing. Only its owner (or an admin) may do
// so; claimed, expired, and withdrawn listings are terminal.
func (s *Service) Withdraw(ctx context.Context, listingID string, actor auth.Actor) (Listing, error) {
	current, err := s.repo.Get(ctx, listingID)
	if err != nil {
		return Listing{}, err
	}
	if current.OwnerID != actor.ID && actor.Role != auth.RoleAdmin {
		return Listing{}, fmt.Errorf("%w: only the owner may withdraw", ErrForbidden)
	}

	withdrawn, err := s.repo.Withdraw(ctx, listingID, current.OwnerID)
	if err != nil {
		return Listing{}, err
	}

	s.publish(Change{Type: ChangeWithdrawn, Listing: withdrawn})
	return withdrawn, nil
}

// Sweep flips listings whose safety window has closed to expired and notifies
// viewers. Read paths do not depend on it; it exists so stored rows and live
// subscribers converge without anyone reading.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, err := s.repo.MarkExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, l := range expired {
		s.publish(Change{Type: ChangeExpired, Listing: l})
	}
	return len(expired), nil
}
