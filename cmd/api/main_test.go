package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"replateo/auth"
	"replateo/expiry"
	"replateo/listing"
	"replateo/safegate"
	"replateo/watch"
)

type stubAuthService struct {
	registerUser *auth.User
	registerErr  error
	loginResult  auth.LoginResult
	loginErr     error
	actor        auth.Actor
	verifyErr    error
	user         *auth.User
	userErr      error
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.registerUser, s.registerErr
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubAuthService) VerifyToken(_ string) (auth.Actor, error) {
	return s.actor, s.verifyErr
}

func (s *stubAuthService) GetUserByID(_ context.Context, _ string) (*auth.User, error) {
	if s.user == nil && s.userErr == nil {
		return nil, auth.ErrUserNotFound
	}
	return s.user, s.userErr
}

type stubListingService struct {
	created    listing.Listing
	createErr  error
	got        listing.Listing
	getErr     error
	items      []listing.Listing
	listErr    error
	claimed    listing.Listing
	claimErr   error
	withdrawn  listing.Listing
	wdErr      error
	lastParams listing.CreateParams
}

func (s *stubListingService) Create(_ context.Context, params listing.CreateParams) (listing.Listing, error) {
	s.lastParams = params
	return s.created, s.createErr
}

func (s *stubListingService) Get(_ context.Context, _ string) (listing.Listing, error) {
	return s.got, s.getErr
}

func (s *stubListingService) List(_ context.Context, _ listing.Filters) ([]listing.Listing, error) {
	return s.items, s.listErr
}

func (s *stubListingService) Claim(_ context.Context, _ string, _ auth.Actor) (listing.Listing, error) {
	return s.claimed, s.claimErr
}

func (s *stubListingService) Withdraw(_ context.Context, _ string, _ auth.Actor) (listing.Listing, error) {
	return s.withdrawn, s.wdErr
}

var testTime = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func sampleListing(id string) listing.Listing {
	return listing.Listing{
		ID:            id,
		Kind:          listing.KindDonation,
		Category:      "edible",
		Status:        listing.StatusAvailable,
		Title:         "Veg biryani",
		Quantity:      "5 boxes",
		PickupAddress: "12 Lake Road",
		OwnerID:       "user-1",
		OwnerName:     "Priya",
		CreatedAt:     testTime,
	}
}

func authedRequest(method, target string, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer token")
	return req
}

func TestHandleCreateListing_Success(t *testing.T) {
	listings := &stubListingService{created: sampleListing("L1")}
	server := NewServer(&stubAuthService{
		actor: auth.Actor{ID: "user-1", Role: auth.RoleDonor},
		user:  &auth.User{ID: "user-1", FullName: "Priya", Email: "priya@example.com"},
	}, listings, nil)

	body := `{"kind":"donation","category":"non-edible","title":"Blankets","quantity":"12","pickupAddress":"12 Lake Road"}`
	rec := httptest.NewRecorder()
	server.handleListings(rec, authedRequest(http.MethodPost, "/api/listings", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	var resp listingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "L1" || resp.Status != "available" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.CreatedAt != testTime.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", testTime.Format(time.RFC3339), resp.CreatedAt)
	}

	if listings.lastParams.OwnerID != "user-1" || listings.lastParams.OwnerName != "Priya" {
		t.Fatalf("owner not resolved from token: %+v", listings.lastParams)
	}
}

func TestHandleCreateListing_Unauthorized(t *testing.T) {
	server := NewServer(&stubAuthService{verifyErr: errors.New("bad token")}, &stubListingService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/listings", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	server.handleListings(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleCreateListing_GateRejection(t *testing.T) {
	verdict := safegate.Verdict{
		Classification: safegate.ClassificationNotEdible,
		Decision:       "DISCARD",
		Reasoning:      "Visible spoilage",
	}
	listings := &stubListingService{
		createErr: listing.NewGateError(verdict, safegate.ErrRejected),
	}
	server := NewServer(&stubAuthService{actor: auth.Actor{ID: "user-1", Role: auth.RoleDonor}}, listings, nil)

	body := `{"kind":"donation","category":"edible","title":"Rice","quantity":"2","pickupAddress":"addr"}`
	rec := httptest.NewRecorder()
	server.handleListings(rec, authedRequest(http.MethodPost, "/api/listings", body))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["reasoning"] != "Visible spoilage" {
		t.Fatalf("expected rejection reasoning in body, got %+v", payload)
	}
}

func TestHandleCreateListing_GateUnavailable(t *testing.T) {
	listings := &stubListingService{
		createErr: listing.NewGateError(safegate.Verdict{}, safegate.ErrUnavailable),
	}
	server := NewServer(&stubAuthService{actor: auth.Actor{ID: "user-1", Role: auth.RoleDonor}}, listings, nil)

	body := `{"kind":"donation","category":"edible","title":"Rice","quantity":"2","pickupAddress":"addr"}`
	rec := httptest.NewRecorder()
	server.handleListings(rec, authedRequest(http.MethodPost, "/api/listings", body))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleListListings_Success(t *testing.T) {
	server := NewServer(&stubAuthService{}, &stubListingService{
		items: []listing.Listing{sampleListing("L1"), sampleListing("L2")},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/listings?category=edible", nil)
	rec := httptest.NewRecorder()
	server.handleListings(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []listingResponse `json:"items"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Total != 2 || payload.Items[0].ID != "L1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleGetListing_RemainingCountdown(t *testing.T) {
	l := sampleListing("L1")
	l.Perishable = &listing.Perishability{
		PreparedAt:     testTime.Add(-30 * time.Minute),
		PackagedAt:     testTime.Add(-15 * time.Minute),
		RiskLevel:      expiry.RiskHigh,
		SafeUntil:      testTime.Add(30 * time.Minute),
		Classification: safegate.ClassificationEdible,
		Confidence:     0.9,
	}
	server := NewServer(&stubAuthService{}, &stubListingService{got: l}, nil)
	server.now = func() time.Time { return testTime }

	req := httptest.NewRequest(http.MethodGet, "/api/listings/L1", nil)
	rec := httptest.NewRecorder()
	server.handleListingDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp listingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Perishable == nil || resp.Perishable.RiskLevel != string(expiry.RiskHigh) {
		t.Fatalf("expected perishability in payload: %+v", resp)
	}
	if resp.Remaining != "30m" {
		t.Fatalf("expected remaining 30m, got %q", resp.Remaining)
	}
}

func TestHandleGetListing_NotFound(t *testing.T) {
	server := NewServer(&stubAuthService{}, &stubListingService{getErr: listing.ErrNotFound}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/listings/missing", nil)
	rec := httptest.NewRecorder()
	server.handleListingDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleListingDetail_InvalidPath(t *testing.T) {
	server := NewServer(&stubAuthService{}, &stubListingService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/listings/", nil)
	rec := httptest.NewRecorder()
	server.handleListingDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleClaim_Success(t *testing.T) {
	claimant := "org-1"
	claimed := sampleListing("L1")
	claimed.Status = listing.StatusClaimed
	claimed.ClaimantID = &claimant
	claimedAt := testTime
	claimed.ClaimedAt = &claimedAt

	server := NewServer(&stubAuthService{
		actor: auth.Actor{ID: claimant, Role: auth.RoleCollectingOrg},
	}, &stubListingService{claimed: claimed}, nil)

	rec := httptest.NewRecorder()
	server.handleListingDetail(rec, authedRequest(http.MethodPost, "/api/listings/L1/claim", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp listingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "claimed" || resp.ClaimantID == nil || *resp.ClaimantID != claimant {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleClaim_Forbidden(t *testing.T) {
	server := NewServer(&stubAuthService{
		actor: auth.Actor{ID: "user-1", Role: auth.RoleDonor},
	}, &stubListingService{claimErr: listing.ErrForbidden}, nil)

	rec := httptest.NewRecorder()
	server.handleListingDetail(rec, authedRequest(http.MethodPost, "/api/listings/L1/claim", ""))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleClaim_Conflict(t *testing.T) {
	server := NewServer(&stubAuthService{
		actor: auth.Actor{ID: "org-2", Role: auth.RoleCollectingOrg},
	}, &stubListingService{claimErr: fmt.Errorf("%w: status claimed", listing.ErrConflict)}, nil)

	rec := httptest.NewRecorder()
	server.handleListingDetail(rec, authedRequest(http.MethodPost, "/api/listings/L1/claim", ""))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleWithdraw_Success(t *testing.T) {
	withdrawn := sampleListing("L1")
	withdrawn.Status = listing.StatusWithdrawn

	server := NewServer(&stubAuthService{
		actor: auth.Actor{ID: "user-1", Role: auth.RoleDonor},
	}, &stubListingService{withdrawn: withdrawn}, nil)

	rec := httptest.NewRecorder()
	server.handleListingDetail(rec, authedRequest(http.MethodPost, "/api/listings/L1/withdraw", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleRegister_WeakPassword(t *testing.T) {
	server := NewServer(&stubAuthService{registerErr: auth.ErrWeakPassword}, &stubListingService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"a@b.c","password":"short"}`))
	rec := httptest.NewRecorder()
	server.handleRegister(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRegister_DuplicateEmail(t *testing.T) {
	server := NewServer(&stubAuthService{registerErr: auth.ErrDuplicateEmail}, &stubListingService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"a@b.c","password":"longenough"}`))
	rec := httptest.NewRecorder()
	server.handleRegister(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := NewServer(&stubAuthService{loginErr: auth.ErrInvalidCredentials}, &stubListingService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@b.c","password":"wrong"}`))
	rec := httptest.NewRecorder()
	server.handleLogin(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleStream_DeliversSnapshotAndDeltas(t *testing.T) {
	broker := watch.NewBroker()
	server := NewServer(&stubAuthService{}, &stubListingService{
		items: []listing.Listing{sampleListing("L1")},
	}, broker)

	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/listings/stream?category=edible")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, listingResponse) {
		t.Helper()
		var event string
		var payload listingResponse
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
					t.Fatalf("decode event payload: %v", err)
				}
				return event, payload
			}
		}
	}

	event, payload := readEvent()
	if event != "snapshot" || payload.ID != "L1" {
		t.Fatalf("expected snapshot of L1, got %s %+v", event, payload)
	}

	created := sampleListing("L2")
	broker.Publish(listing.Change{Type: listing.ChangeCreated, Listing: created})

	event, payload = readEvent()
	if event != string(listing.ChangeCreated) || payload.ID != "L2" {
		t.Fatalf("expected created delta for L2, got %s %+v", event, payload)
	}

	claimant := "org-1"
	claimed := created
	claimed.Status = listing.StatusClaimed
	claimed.ClaimantID = &claimant
	broker.Publish(listing.Change{Type: listing.ChangeClaimed, Listing: claimed})

	event, payload = readEvent()
	if event != string(listing.ChangeClaimed) || payload.Status != "claimed" {
		t.Fatalf("expected claimed delta, got %s %+v", event, payload)
	}
}

func TestHandleStream_FilterExcludesOtherOwners(t *testing.T) {
	broker := watch.NewBroker()
	server := NewServer(&stubAuthService{}, &stubListingService{}, broker)

	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/listings/stream?owner=user-1")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	// Wait for the subscription to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for broker.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	other := sampleListing("L9")
	other.OwnerID = "user-2"
	broker.Publish(listing.Change{Type: listing.ChangeCreated, Listing: other})

	mine := sampleListing("L10")
	broker.Publish(listing.Change{Type: listing.ChangeCreated, Listing: mine})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			var payload listingResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimRight(line, "\n"), "data: ")), &payload); err != nil {
				t.Fatalf("decode event payload: %v", err)
			}
			// The first delivered delta must already be the matching one.
			if payload.ID != "L10" {
				t.Fatalf("unfiltered delta leaked: %+v", payload)
			}
			return
		}
	}
}
