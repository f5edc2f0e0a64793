package safegate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"replateo/expiry"
)

const (
	ClassificationEdible    = "EDIBLE"
	ClassificationNotEdible = "NOT-EDIBLE"
)

var (
	// ErrRejected signals the classifier declined the submission. The verdict
	// returned alongside it carries the reasoning for display.
	ErrRejected = errors.New("safegate: submission rejected")
	// ErrUnavailable signals the classifier could not be reached or answered
	// unusably. The gate fails closed: callers must not create the listing.
	ErrUnavailable = errors.New("safegate: classifier unavailable")
)

// Verdict is the classifier's answer for a single submission.
type Verdict struct {
	Classification string            `json:"classification"`
	Decision       string            `json:"decision"`
	RiskLevel      expiry.RiskLevel  `json:"risk_level"`
	Confidence     float64           `json:"confidence"`
	Reasoning      string            `json:"-"`
	Advisory       string            `json:"advisory"`
	AnalyzedAt     time.Time         `json:"-"`
}

// Admitted reports whether the verdict allows the listing to be created.
func (v Verdict) Admitted() bool {
	return v.Classification == ClassificationEdible
}

// Request carries the image payload and timing metadata the classifier needs.
type Request struct {
	Image     []byte
	ImageName string
	MimeType  string

	PreparedAt time.Time
	PackagedAt time.Time
}

// Client calls the external food-safety analyzer over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
	timeout time.Duration
	now     func() time.Time
}

// NewClient builds a gate client. timeout bounds each Analyze call; zero means
// 30 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{},
		timeout: timeout,
		now:     time.Now,
	}
}

// WithHTTPClient overrides the underlying transport, mainly for tests.
func (c *Client) WithHTTPClient(httpc *http.Client) *Client {
	c.httpc = httpc
	return c
}

// WithClock overrides the clock used to stamp verdicts.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// Analyze submits the image for classification. Any transport failure,
// timeout, or undecodable answer yields a synthesized rejection verdict and
// ErrUnavailable; a decoded non-EDIBLE answer yields the real verdict and
// ErrRejected. There are no automatic retries: a resubmission is a new,
// independent attempt.
func (c *Client) Analyze(ctx context.Context, req Request) (Verdict, error) {
	if len(req.Image) == 0 {
		return c.rejection("image is required for safety analysis"), ErrUnavailable
	}
	if req.PreparedAt.IsZero() || req.PackagedAt.IsZero() {
		return c.rejection("preparation and packaged times are required"), ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := encodeForm(req)
	if err != nil {
		return c.rejection("could not encode submission"), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/analyze-food", body)
	if err != nil {
		return c.rejection("could not build request"), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return c.rejection("safety analysis service unreachable"), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return c.rejection("safety analysis response unreadable"), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.rejection("safety analysis service returned an error"), fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	verdict, err := decodeVerdict(raw, c.now())
	if err != nil {
		return c.rejection("safety analysis response malformed"), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if !verdict.Admitted() {
		return verdict, ErrRejected
	}
	return verdict, nil
}

// rejection synthesizes the fail-closed verdict surfaced to the submitter
// when no usable classification exists.
func (c *Client) rejection(reason string) Verdict {
	return Verdict{
		Classification: ClassificationNotEdible,
		Decision:       "DISCARD",
		RiskLevel:      expiry.RiskHigh,
		Confidence:     0,
		Reasoning:      reason,
		AnalyzedAt:     c.now(),
	}
}

func encodeForm(req Request) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	name := req.ImageName
	if name == "" {
		name = "upload.jpg"
	}
	part, err := w.CreateFormFile("image", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Image); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("preparationTime", req.PreparedAt.Format(time.RFC3339)); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("packageTime", req.PackagedAt.Format(time.RFC3339)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// decodeVerdict tolerates the analyzer's loose response shape: reasoning may
// be a plain string or a keyed breakdown whose final_assessment we keep.
func decodeVerdict(raw []byte, analyzedAt time.Time) (Verdict, error) {
	var wire struct {
		Classification string           `json:"classification"`
		Decision       string           `json:"decision"`
		RiskLevel      expiry.RiskLevel `json:"risk_level"`
		Confidence     float64          `json:"confidence"`
		Reasoning      json.RawMessage  `json:"reasoning"`
		Advisory       *string          `json:"advisory"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if wire.Classification != ClassificationEdible && wire.Classification != ClassificationNotEdible {
		return Verdict{}, fmt.Errorf("decode verdict: unknown classification %q", wire.Classification)
	}

	v := Verdict{
		Classification: wire.Classification,
		Decision:       wire.Decision,
		RiskLevel:      wire.RiskLevel,
		Confidence:     wire.Confidence,
		Reasoning:      flattenReasoning(wire.Reasoning),
		AnalyzedAt:     analyzedAt,
	}
	if wire.Advisory != nil {
		v.Advisory = *wire.Advisory
	}
	return v, nil
}

func flattenReasoning(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err == nil {
		if final, ok := m["final_assessment"]; ok {
			return final
		}
	}
	return string(raw)
}
