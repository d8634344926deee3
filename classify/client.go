package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrClassifierUnavailable signals the classifier sidecar could not be reached
	// or answered with a non-200 status.
	ErrClassifierUnavailable = errors.New("classify: classifier unavailable")
	// ErrMalformedResult signals the classifier payload did not parse against the
	// expected schema.
	ErrMalformedResult = errors.New("classify: malformed classifier result")
)

// Request carries the message fields sent to the classifier.
type Request struct {
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	SenderAddress string `json:"sender_address"`
	SenderName    string `json:"sender_name"`
}

// wireResult mirrors the classifier response schema.
type wireResult struct {
	Domain           string   `json:"domain"`
	Category         string   `json:"category"`
	Subcategory      string   `json:"subcategory"`
	Confidence       *float64 `json:"confidence"`
	Urgency          string   `json:"urgency"`
	Summary          string   `json:"summary"`
	Entities         Entities `json:"entities"`
	SuggestedActions []string `json:"suggested_actions"`
	TargetAgent      string   `json:"target_agent"`
}

// HTTPClient calls an external natural-language classifier over HTTP.
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient creates a classifier client for the given endpoint.
func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Classify submits one message to the classifier and validates the structured
// result against the closed taxonomy. There is exactly one attempt per call;
// retries are an operational concern, not handled here.
func (c *HTTPClient) Classify(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("classify: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/classify", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("classify: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", ErrClassifierUnavailable, resp.StatusCode)
	}

	var wire wireResult
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Result{}, fmt.Errorf("%w: decode: %v", ErrMalformedResult, err)
	}

	return validateWire(wire)
}

// validateWire converts the raw classifier payload into a Result, enforcing
// the closed taxonomy. An unknown category is coerced to outro rather than
// propagated as free text; an unknown domain or an out-of-range confidence is
// a hard schema error.
func validateWire(wire wireResult) (Result, error) {
	if wire.Confidence == nil {
		return Result{}, fmt.Errorf("%w: missing confidence", ErrMalformedResult)
	}
	conf := *wire.Confidence
	if conf < 0 || conf > 1 {
		return Result{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedResult, conf)
	}

	domain := Domain(wire.Domain)
	if !isValidDomain(domain) {
		return Result{}, fmt.Errorf("%w: unknown domain %q", ErrMalformedResult, wire.Domain)
	}

	category := Category(wire.Category)
	if !isValidCategory(category) {
		category = CategoryOutro
	}

	urgency := Urgency(wire.Urgency)
	if !isValidUrgency(urgency) {
		urgency = UrgencyMedium
	}

	return Result{
		Domain:           domain,
		Category:         category,
		Subcategory:      wire.Subcategory,
		Confidence:       conf,
		Urgency:          urgency,
		Summary:          wire.Summary,
		Entities:         wire.Entities,
		SuggestedActions: wire.SuggestedActions,
		TargetAgent:      wire.TargetAgent,
	}, nil
}
