package classify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func classifierStub(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/classify" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestClassify_Success(t *testing.T) {
	srv := classifierStub(t, http.StatusOK, `{
		"domain": "obra",
		"category": "seguranca",
		"subcategory": "acidente",
		"confidence": 0.97,
		"urgency": "high",
		"summary": "Acidente reportado na obra 12",
		"entities": {"references": ["OBR-12"], "is_safety_incident": true},
		"suggested_actions": ["create_incident"],
		"target_agent": "safety"
	}`)
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	res, err := client.Classify(context.Background(), Request{Subject: "Acidente", Body: "..."})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Domain != DomainObra || res.Category != CategorySeguranca {
		t.Errorf("unexpected taxonomy: domain=%s category=%s", res.Domain, res.Category)
	}
	if res.Confidence != 0.97 {
		t.Errorf("expected confidence 0.97, got %v", res.Confidence)
	}
	if !res.Entities.IsSafetyIncident {
		t.Errorf("expected safety incident flag to survive decoding")
	}
}

func TestClassify_UnknownCategoryCoercesToOutro(t *testing.T) {
	srv := classifierStub(t, http.StatusOK, `{
		"domain": "administrativo",
		"category": "totally-made-up",
		"confidence": 0.5,
		"urgency": "low"
	}`)
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	res, err := client.Classify(context.Background(), Request{Subject: "?"})
	if err != nil {
		t.Fatalf("expected coercion, got error %v", err)
	}
	if res.Category != CategoryOutro {
		t.Errorf("expected category outro, got %q", res.Category)
	}
}

func TestClassify_UnknownDomainIsMalformed(t *testing.T) {
	srv := classifierStub(t, http.StatusOK, `{"domain": "nope", "category": "duvida", "confidence": 0.5}`)
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	if _, err := client.Classify(context.Background(), Request{}); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
}

func TestClassify_ConfidenceOutOfRange(t *testing.T) {
	srv := classifierStub(t, http.StatusOK, `{"domain": "obra", "category": "prazo", "confidence": 1.7}`)
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	if _, err := client.Classify(context.Background(), Request{}); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
}

func TestClassify_MissingConfidence(t *testing.T) {
	srv := classifierStub(t, http.StatusOK, `{"domain": "obra", "category": "prazo"}`)
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	if _, err := client.Classify(context.Background(), Request{}); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
}

func TestClassify_ServerError(t *testing.T) {
	srv := classifierStub(t, http.StatusBadGateway, `upstream down`)
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	if _, err := client.Classify(context.Background(), Request{}); !errors.Is(err, ErrClassifierUnavailable) {
		t.Fatalf("expected ErrClassifierUnavailable, got %v", err)
	}
}

func TestClassify_TransportError(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1")
	if _, err := client.Classify(context.Background(), Request{}); !errors.Is(err, ErrClassifierUnavailable) {
		t.Fatalf("expected ErrClassifierUnavailable, got %v", err)
	}
}
