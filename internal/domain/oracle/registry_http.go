package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPRegistry calls a JSON registry gateway at
// POST {base}/authorities/{code}/verify.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRegistry(baseURL string, client *http.Client) *HTTPRegistry {
	if client == nil {
		client = &http.Client{Timeout: MaxTimeout}
	}
	return &HTTPRegistry{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (r *HTTPRegistry) Lookup(ctx context.Context, a Authority, apiKey string, req LookupRequest) (*Registration, error) {
	if r.baseURL == "" {
		return nil, fmt.Errorf("registry base URL not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode lookup request: %w", err)
	}

	url := fmt.Sprintf("%s/authorities/%s/verify", r.baseURL, strings.ToLower(a.Code))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("registry %s returned status %d: %s", a.Code, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var reg Registration
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reg); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	if reg.LicenseNumber == "" {
		reg.LicenseNumber = req.LicenseNumber
	}
	return &reg, nil
}
