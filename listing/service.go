package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"replateo/expiry"
	"replateo/safegate"
)

var (
	// ErrValidation signals a submission missing required fields. Surfaced
	// before any store mutation occurs.
	ErrValidation = errors.New("listing: invalid submission")
	// ErrForbidden signals an actor not permitted to perform the operation.
	ErrForbidden = errors.New("listing: forbidden")
)

// GateError wraps a safety-gate outcome that blocked creation. The verdict is
// kept so callers can show the submitter why the gate refused.
type GateError struct {
	Verdict safegate.Verdict
	err     error
}

func NewGateError(verdict safegate.Verdict, err error) *GateError {
	return &GateError{Verdict: verdict, err: err}
}

func (e *GateError) Error() string {
	return fmt.Sprintf("listing: safety gate refused submission: %v", e.err)
}

func (e *GateError) Unwrap() error { return e.err }

// Gate is the admission check consumed as a black box. Analyze returns a nil
// error only for an admitted verdict.
type Gate interface {
	Analyze(ctx context.Context, req safegate.Request) (safegate.Verdict, error)
}

// Service drives the listing lifecycle: gated creation, the claim protocol,
// withdrawal, and the expiry sweep.
type Service struct {
	repo     Repository
	gate     Gate
	audit    safegate.AuditLog
	notifier Notifier
	table    expiry.Table
	idGen    func() string
	now      func() time.Time
}

func NewService(repo Repository, gate Gate, notifier Notifier) *Service {
	return &Service{
		repo:     repo,
		gate:     gate,
		notifier: notifier,
		table:    expiry.DefaultTable,
		idGen:    func() string { return ulid.Make().String() },
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// WithExpiryTable overrides the risk-window mapping.
func (s *Service) WithExpiryTable(tbl expiry.Table) *Service {
	s.table = tbl
	return s
}

// WithGateAudit records every gate call outcome for the audit trail.
func (s *Service) WithGateAudit(audit safegate.AuditLog) *Service {
	s.audit = audit
	return s
}

// PerishableSubmission carries what the safety gate needs to admit food.
type PerishableSubmission struct {
	Image     []byte
	ImageName string
	MimeType  string

	PreparedAt time.Time
	PackagedAt time.Time
}

type CreateParams struct {
	Kind        Kind
	Category    string
	SubCategory string

	Title         string
	Quantity      string
	Notes         string
	ImageRef      string
	PickupAddress string

	OwnerID    string
	OwnerName  string
	OwnerEmail string

	Perishable *PerishableSubmission
}

// Create validates the submission, passes perishable goods through the safety
// gate, and persists an available listing. A gate rejection or failure leaves
// the store untouched and returns a *GateError with the verdict.
func (s *Service) Create(ctx context.Context, params CreateParams) (Listing, error) {
	if params.OwnerID == "" {
		return Listing{}, fmt.Errorf("%w: missing owner", ErrValidation)
	}
	if strings.TrimSpace(params.Title) == "" || strings.TrimSpace(params.Quantity) == "" || strings.TrimSpace(params.PickupAddress) == "" {
		return Listing{}, fmt.Errorf("%w: title, quantity and pickup address are required", ErrValidation)
	}
	if params.Kind != KindDonation && params.Kind != KindSale {
		return Listing{}, fmt.Errorf("%w: unknown kind %q", ErrValidation, params.Kind)
	}
	if params.Category == "" {
		return Listing{}, fmt.Errorf("%w: category is required", ErrValidation)
	}

	l := Listing{
		ID:            s.idGen(),
		Kind:          params.Kind,
		Category:      params.Category,
		SubCategory:   params.SubCategory,
		Title:         params.Title,
		Quantity:      params.Quantity,
		Notes:         params.Notes,
		ImageRef:      params.ImageRef,
		PickupAddress: params.PickupAddress,
		OwnerID:       params.OwnerID,
		OwnerName:     params.OwnerName,
		OwnerEmail:    params.OwnerEmail,
	}

	if sub := params.Perishable; sub != nil {
		if len(sub.Image) == 0 {
			return Listing{}, fmt.Errorf("%w: a food image is required for safety analysis", ErrValidation)
		}
		if sub.PreparedAt.IsZero() || sub.PackagedAt.IsZero() {
			return Listing{}, fmt.Errorf("%w: preparation and packaged times are required", ErrValidation)
		}

		gateReq := safegate.Request{
			Image:      sub.Image,
			ImageName:  sub.ImageName,
			MimeType:   sub.MimeType,
			PreparedAt: sub.PreparedAt,
			PackagedAt: sub.PackagedAt,
		}
		verdict, err := s.gate.Analyze(ctx, gateReq)
		if s.audit != nil {
			// The audit trail never blocks the submission path.
			_ = s.audit.Record(ctx, gateReq, verdict, err != nil)
		}
		if err != nil {
			return Listing{}, &GateError{Verdict: verdict, err: err}
		}

		l.Perishable = &Perishability{
			PreparedAt:     sub.PreparedAt,
			PackagedAt:     sub.PackagedAt,
			RiskLevel:      verdict.RiskLevel,
			SafeUntil:      expiry.Deadline(s.table, verdict.RiskLevel, sub.PreparedAt),
			Classification: verdict.Classification,
			Confidence:     verdict.Confidence,
			Reasoning:      verdict.Reasoning,
			Advisory:       verdict.Advisory,
			AnalyzedAt:     verdict.AnalyzedAt,
		}
	}

	created, err := s.repo.Create(ctx, l)
	if err != nil {
		return Listing{}, err
	}

	s.publish(Change{Type: ChangeCreated, Listing: created})
	return created, nil
}

// Get returns the listing with its status computed as of now.
func (s *Service) Get(ctx context.Context, id string) (Listing, error) {
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		return Listing{}, err
	}
	l.Status = l.EffectiveStatus(s.now())
	return l, nil
}

// List returns matching listings, newest first, with read-time expiry applied.
func (s *Service) List(ctx context.Context, filters Filters) ([]Listing, error) {
	items, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range items {
		items[i].Status = items[i].EffectiveStatus(now)
	}
	return items, nil
}

func (s *Service) publish(ch Change) {
	if s.notifier != nil {
		s.notifier.Publish(ch)
	}
}
