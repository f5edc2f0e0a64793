package listing

import (
	"time"

	"replateo/expiry"
)

type Kind string

const (
	KindDonation Kind = "donation"
	KindSale     Kind = "sale"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusClaimed   Status = "claimed"
	StatusExpired   Status = "expired"
	StatusWithdrawn Status = "withdrawn"
)

// Terminal reports whether no further transition out of the status exists.
func (s Status) Terminal() bool {
	return s == StatusClaimed || s == StatusExpired || s == StatusWithdrawn
}

// Perishability is present only on listings that passed the safety gate.
// Classification always equals the admitted verdict; the store never persists
// a rejected submission.
type Perishability struct {
	PreparedAt time.Time
	PackagedAt time.Time
	RiskLevel  expiry.RiskLevel
	SafeUntil  time.Time

	Classification string
	Confidence     float64
	Reasoning      string
	Advisory       string
	AnalyzedAt     time.Time
}

// Listing is a shareable record of a donated or sale good.
type Listing struct {
	ID          string
	Kind        Kind
	Category    string
	SubCategory string
	Status      Status

	Title         string
	Quantity      string
	Notes         string
	ImageRef      string
	PickupAddress string

	OwnerID    string
	OwnerName  string
	OwnerEmail string

	ClaimantID *string
	ClaimedAt  *time.Time

	Perishable *Perishability

	CreatedAt time.Time
}

// EffectiveStatus computes the status as of now: an available perishable
// listing whose safety window has closed reads as expired even before a sweep
// flips the stored row.
func (l Listing) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusAvailable && l.Perishable != nil && !l.Perishable.SafeUntil.After(now) {
		return StatusExpired
	}
	return l.Status
}

// Remaining reports the safety countdown for a perishable listing. The
// boolean is false for non-perishable listings or once the window has closed.
func (l Listing) Remaining(now time.Time) (expiry.Countdown, bool) {
	if l.Perishable == nil {
		return expiry.Countdown{}, false
	}
	return expiry.Remaining(l.Perishable.SafeUntil, now)
}

// Filters narrows List results. Zero-valued fields match everything.
type Filters struct {
	OwnerID    string
	ClaimantID string
	Kind       Kind
	Category   string
	Status     Status
}

type ChangeType string

const (
	ChangeCreated   ChangeType = "created"
	ChangeClaimed   ChangeType = "claimed"
	ChangeExpired   ChangeType = "expired"
	ChangeWithdrawn ChangeType = "withdrawn"
)

// Change is one committed state transition, handed to the notifier after the
// store write completes.
type Change struct {
	Type    ChangeType
	Listing Listing
}

// Notifier receives committed changes for fan-out to subscribed viewers.
// Implementations must not block the caller.
type Notifier interface {
	Publish(Change)
}
