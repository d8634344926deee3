package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Content is the fetched body of one inbound message.
type Content struct {
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	SenderAddress string `json:"sender_address"`
	SenderName    string `json:"sender_name"`
}

// Fetcher loads message content from the mailbox provider by resource path.
type Fetcher interface {
	Fetch(ctx context.Context, resource string) (Content, error)
}

// ErrFetchFailed signals the mailbox API could not deliver the message body.
var ErrFetchFailed = errors.New("pipeline: fetch failed")

// HTTPFetcher reads message content over the mailbox HTTP API.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, resource string) (Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+resource, nil)
	if err != nil {
		return Content{}, fmt.Errorf("pipeline: build fetch request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Content{}, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	var content Content
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return Content{}, fmt.Errorf("%w: decode: %v", ErrFetchFailed, err)
	}
	return content, nil
}
