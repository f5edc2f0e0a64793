package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"replateo/auth"
	"replateo/listing"
	"replateo/safegate"
	"replateo/watch"
)

// maxImageBytes caps the food photo uploaded for safety analysis.
const maxImageBytes = 10 << 20

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Actor, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

type listingService interface {
	Create(ctx context.Context, params listing.CreateParams) (listing.Listing, error)
	Get(ctx context.Context, id string) (listing.Listing, error)
	List(ctx context.Context, filters listing.Filters) ([]listing.Listing, error)
	Claim(ctx context.Context, id string, actor auth.Actor) (listing.Listing, error)
	Withdraw(ctx context.Context, id string, actor auth.Actor) (listing.Listing, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService    authService
	listingService listingService
	broker         *watch.Broker
	now            func() time.Time
}

func NewServer(authSvc authService, listingSvc listingService, broker *watch.Broker) *Server {
	return &Server{
		authService:    authSvc,
		listingService: listingSvc,
		broker:         broker,
		now:            time.Now,
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/listings", s.handleListings)
	mux.HandleFunc("/api/listings/stream", s.handleStream)
	mux.HandleFunc("/api/listings/", s.handleListingDetail)
	return mux
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userResponse struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	FullName     string `json:"fullName"`
	Role         string `json:"role"`
	Organization string `json:"organization,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	resp := userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
	if u.Organization != nil {
		resp.Organization = *u.Organization
	}
	return resp
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

// authenticate resolves the bearer token to an actor. It does not write a
// response; callers decide whether anonymous access is acceptable.
func (s *Server) authenticate(r *http.Request) (auth.Actor, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return auth.Actor{}, fmt.Errorf("missing bearer token")
	}
	return s.authService.VerifyToken(token)
}

type perishableResponse struct {
	PreparedAt     string  `json:"preparedAt"`
	PackagedAt     string  `json:"packagedAt"`
	RiskLevel      string  `json:"riskLevel"`
	SafeUntil      string  `json:"safeUntil"`
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning,omitempty"`
	Advisory       string  `json:"advisory,omitempty"`
}

type listingResponse struct {
	ID            string              `json:"id"`
	Kind          string              `json:"kind"`
	Category      string              `json:"category"`
	SubCategory   string              `json:"subCategory,omitempty"`
	Status        string              `json:"status"`
	Title         string              `json:"title"`
	Quantity      string              `json:"quantity"`
	Notes         string              `json:"notes,omitempty"`
	ImageRef      string              `json:"imageRef,omitempty"`
	PickupAddress string              `json:"pickupAddress"`
	OwnerID       string              `json:"ownerId"`
	OwnerName     string              `json:"ownerName,omitempty"`
	ClaimantID    *string             `json:"claimantId,omitempty"`
	ClaimedAt     string              `json:"claimedAt,omitempty"`
	Perishable    *perishableResponse `json:"perishable,omitempty"`
	Remaining     string              `json:"remaining,omitempty"`
	CreatedAt     string              `json:"createdAt"`
}

func (s *Server) toListingResponse(l listing.Listing) listingResponse {
	resp := listingResponse{
		ID:            l.ID,
		Kind:          string(l.Kind),
		Category:      l.Category,
		SubCategory:   l.SubCategory,
		Status:        string(l.Status),
		Title:         l.Title,
		Quantity:      l.Quantity,
		Notes:         l.Notes,
		ImageRef:      l.ImageRef,
		PickupAddress: l.PickupAddress,
		OwnerID:       l.OwnerID,
		OwnerName:     l.OwnerName,
		ClaimantID:    l.ClaimantID,
		CreatedAt:     l.CreatedAt.Format(time.RFC3339),
	}
	if l.ClaimedAt != nil {
		resp.ClaimedAt = l.ClaimedAt.Format(time.RFC3339)
	}
	if p := l.Perishable; p != nil {
		resp.Perishable = &perishableResponse{
			PreparedAt:     p.PreparedAt.Format(time.RFC3339),
			PackagedAt:     p.PackagedAt.Format(time.RFC3339),
			RiskLevel:      string(p.RiskLevel),
			SafeUntil:      p.SafeUntil.Format(time.RFC3339),
			Classification: p.Classification,
			Confidence:     p.Confidence,
			Reasoning:      p.Reasoning,
			Advisory:       p.Advisory,
		}
		if countdown, ok := l.Remaining(s.clock()); ok && l.Status == listing.StatusAvailable {
			resp.Remaining = countdown.String()
		}
	}
	return resp
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListListings(w, r)
	case http.MethodPost:
		s.handleCreateListing(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := listing.Filters{
		OwnerID:    q.Get("owner"),
		ClaimantID: q.Get("claimant"),
		Kind:       listing.Kind(q.Get("kind")),
		Category:   q.Get("category"),
		Status:     listing.Status(q.Get("status")),
	}

	items, err := s.listingService.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]listingResponse, 0, len(items))
	for _, l := range items {
		out = append(out, s.toListingResponse(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	params, err := s.decodeCreateParams(r, actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.listingService.Create(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, s.toListingResponse(created))
}

// decodeCreateParams accepts multipart form data (required for perishable
// submissions, which carry a photo) or a plain JSON body for everything else.
func (s *Server) decodeCreateParams(r *http.Request, actor auth.Actor) (listing.CreateParams, error) {
	var params listing.CreateParams

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxImageBytes); err != nil {
			return params, fmt.Errorf("parse form: %v", err)
		}
		params = listing.CreateParams{
			Kind:          listing.Kind(r.FormValue("kind")),
			Category:      r.FormValue("category"),
			SubCategory:   r.FormValue("subCategory"),
			Title:         r.FormValue("title"),
			Quantity:      r.FormValue("quantity"),
			Notes:         r.FormValue("notes"),
			PickupAddress: r.FormValue("pickupAddress"),
		}

		file, header, err := r.FormFile("image")
		switch {
		case err == nil:
			defer file.Close()
			image, readErr := io.ReadAll(io.LimitReader(file, maxImageBytes))
			if readErr != nil {
				return params, fmt.Errorf("read image: %v", readErr)
			}
			preparedAt, perr := time.Parse(time.RFC3339, r.FormValue("preparationTime"))
			packagedAt, kerr := time.Parse(time.RFC3339, r.FormValue("packageTime"))
			if perr != nil || kerr != nil {
				return params, fmt.Errorf("preparationTime and packageTime must be RFC 3339 timestamps")
			}
			params.Perishable = &listing.PerishableSubmission{
				Image:      image,
				ImageName:  header.Filename,
				MimeType:   header.Header.Get("Content-Type"),
				PreparedAt: preparedAt,
				PackagedAt: packagedAt,
			}
		case errors.Is(err, http.ErrMissingFile):
			// Non-perishable goods need no photo.
		default:
			return params, fmt.Errorf("read image: %v", err)
		}
	} else {
		var body struct {
			Kind          string `json:"kind"`
			Category      string `json:"category"`
			SubCategory   string `json:"subCategory"`
			Title         string `json:"title"`
			Quantity      string `json:"quantity"`
			Notes         string `json:"notes"`
			PickupAddress string `json:"pickupAddress"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return params, fmt.Errorf("invalid request body")
		}
		params = listing.CreateParams{
			Kind:          listing.Kind(body.Kind),
			Category:      body.Category,
			SubCategory:   body.SubCategory,
			Title:         body.Title,
			Quantity:      body.Quantity,
			Notes:         body.Notes,
			PickupAddress: body.PickupAddress,
		}
	}

	params.OwnerID = actor.ID
	if user, err := s.authService.GetUserByID(r.Context(), actor.ID); err == nil {
		params.OwnerName = user.FullName
		params.OwnerEmail = user.Email
	}
	return params, nil
}

func (s *Server) handleListingDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/listings/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	id := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetListing(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch parts[1] {
	case "claim":
		s.handleClaim(w, r, id)
	case "withdraw":
		s.handleWithdraw(w, r, id)
	default:
		writeError(w, http.StatusBadRequest, "invalid path")
	}
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request, id string) {
	l, err := s.listingService.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toListingResponse(l))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, id string) {
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	claimed, err := s.listingService.Claim(r.Context(), id, actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toListingResponse(claimed))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, id string) {
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	withdrawn, err := s.listingService.Withdraw(r.Context(), id, actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toListingResponse(withdrawn))
}

// handleStream serves the live view over SSE: a snapshot of currently
// matching listings followed by ordered deltas. The subscription is
// registered before the snapshot read so no committed change between the two
// is lost; the client dedupes snapshot rows against early deltas by id.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	q := r.URL.Query()
	filter := watch.Filter{
		OwnerID:    q.Get("owner"),
		ClaimantID: q.Get("claimant"),
		Kind:       listing.Kind(q.Get("kind")),
		Category:   q.Get("category"),
	}

	sub := s.broker.Subscribe(filter)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot, err := s.listingService.List(r.Context(), listing.Filters{
		OwnerID:    filter.OwnerID,
		ClaimantID: filter.ClaimantID,
		Kind:       filter.Kind,
		Category:   filter.Category,
	})
	if err == nil {
		for _, l := range snapshot {
			s.writeSSE(w, "snapshot", 0, l)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			s.writeSSE(w, string(ev.Type), ev.Seq, ev.Listing)
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSE(w io.Writer, event string, seq uint64, l listing.Listing) {
	payload, err := json.Marshal(s.toListingResponse(l))
	if err != nil {
		return
	}
	if seq > 0 {
		fmt.Fprintf(w, "id: %d\n", seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// writeServiceError maps domain errors onto HTTP statuses. Gate refusals keep
// the verdict in the body so the submitter learns why the food was refused.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var gateErr *listing.GateError
	if errors.As(err, &gateErr) {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, safegate.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"error":          "submission refused by food safety analysis",
			"classification": gateErr.Verdict.Classification,
			"decision":       gateErr.Verdict.Decision,
			"reasoning":      gateErr.Verdict.Reasoning,
			"advisory":       gateErr.Verdict.Advisory,
		})
		return
	}

	switch {
	case errors.Is(err, listing.ErrValidation), errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidRegistration):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, listing.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, listing.ErrNotFound), errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, listing.ErrConflict), errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
