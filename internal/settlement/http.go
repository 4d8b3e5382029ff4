package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/playmatatu/referee/internal/models"
)

// HTTPLedger talks to the ledger node's JSON API.
type HTTPLedger struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPLedger(baseURL string) *HTTPLedger {
	return &HTTPLedger{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type publishResponse struct {
	TxHash string `json:"tx_hash"`
}

// Publish posts the claim. A 409 means the same payload is already on the
// ledger; its existing tx hash is returned.
func (l *HTTPLedger) Publish(ctx context.Context, req PublishRequest) (string, error) {
	var resp publishResponse
	status, err := postJSON(ctx, l.httpClient, l.baseURL+"/v1/contract/publish", req, &resp, http.StatusConflict)
	if err != nil {
		return "", err
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("%w: publish returned %d without tx_hash", ErrPermanent, status)
	}
	return resp.TxHash, nil
}

func (l *HTTPLedger) Broadcast(ctx context.Context, req BroadcastRequest) error {
	_, err := postJSON(ctx, l.httpClient, l.baseURL+"/v1/contract/broadcast", req, nil, http.StatusConflict)
	return err
}

// HTTPProver delegates proving to a remote proving service.
type HTTPProver struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPProver(baseURL string) *HTTPProver {
	return &HTTPProver{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Proving is slow; the pipeline's per-call context bounds it.
		httpClient: &http.Client{},
	}
}

func (p *HTTPProver) Prove(ctx context.Context, req ProveRequest) (*models.Receipt, error) {
	var receipt models.Receipt
	if _, err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/prove", req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// postJSON sends body and decodes a 2xx (or an explicitly accepted status)
// response into out. 4xx responses are permanent; 5xx and transport
// errors are left for the caller to retry.
func postJSON(ctx context.Context, client *http.Client, url string, body, out interface{}, accept ...int) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		err := fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return resp.StatusCode, fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		return resp.StatusCode, err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}
