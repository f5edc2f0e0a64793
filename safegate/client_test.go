package safegate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testReq = Request{
	Image:      []byte("jpeg-bytes"),
	ImageName:  "dal.jpg",
	MimeType:   "image/jpeg",
	PreparedAt: time.Date(2025, 3, 14, 11, 0, 0, 0, time.UTC),
	PackagedAt: time.Date(2025, 3, 14, 11, 30, 0, 0, time.UTC),
}

func TestAnalyze_Admitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart form: %v", err)
		}
		if r.FormValue("preparationTime") == "" || r.FormValue("packageTime") == "" {
			t.Error("expected timing metadata in the form")
		}
		if _, _, err := r.FormFile("image"); err != nil {
			t.Errorf("expected image part: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"classification": "EDIBLE",
			"decision": "SAFE_WITH_ADVISORY",
			"risk_level": "LOW",
			"confidence": 0.91,
			"reasoning": {"final_assessment": "Freshly prepared, low spoilage risk"},
			"advisory": "Keep refrigerated"
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	verdict, err := client.Analyze(context.Background(), testReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.Admitted() {
		t.Fatalf("expected admitted verdict, got %+v", verdict)
	}
	if verdict.RiskLevel != "LOW" || verdict.Confidence != 0.91 {
		t.Fatalf("unexpected verdict fields: %+v", verdict)
	}
	if verdict.Reasoning != "Freshly prepared, low spoilage risk" {
		t.Fatalf("expected flattened reasoning, got %q", verdict.Reasoning)
	}
	if verdict.Advisory != "Keep refrigerated" {
		t.Fatalf("expected advisory, got %q", verdict.Advisory)
	}
}

func TestAnalyze_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"classification": "NOT-EDIBLE",
			"decision": "DISCARD",
			"risk_level": "VERY_HIGH",
			"confidence": 0.97,
			"reasoning": "Visible mold on surface"
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	verdict, err := client.Analyze(context.Background(), testReq)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if verdict.Admitted() {
		t.Fatal("rejected verdict must not admit")
	}
	// The caller displays the classifier's own reasoning.
	if verdict.Reasoning != "Visible mold on surface" {
		t.Fatalf("expected classifier reasoning, got %q", verdict.Reasoning)
	}
}

func TestAnalyze_ServerErrorFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	verdict, err := client.Analyze(context.Background(), testReq)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if verdict.Classification != ClassificationNotEdible || verdict.Confidence != 0 {
		t.Fatalf("expected synthesized rejection with zero confidence, got %+v", verdict)
	}
}

func TestAnalyze_TimeoutFailsClosed(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	client := NewClient(srv.URL, 50*time.Millisecond)
	start := time.Now()
	verdict, err := client.Analyze(context.Background(), testReq)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("call not bounded by timeout, took %v", elapsed)
	}
	if verdict.Admitted() {
		t.Fatal("timeout must fail closed")
	}
}

func TestAnalyze_MalformedResponseFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"classification": "MAYBE"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	verdict, err := client.Analyze(context.Background(), testReq)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if verdict.Admitted() {
		t.Fatal("malformed response must fail closed")
	}
}

func TestAnalyze_MissingInputs(t *testing.T) {
	client := NewClient("http://unused", time.Second)

	if _, err := client.Analyze(context.Background(), Request{PreparedAt: testReq.PreparedAt, PackagedAt: testReq.PackagedAt}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected rejection without image, got %v", err)
	}
	if _, err := client.Analyze(context.Background(), Request{Image: []byte("x")}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected rejection without timing metadata, got %v", err)
	}
}
