// Package reputation caches third-party reputation profiles keyed by
// lowercase-normalized address, batching and coalescing remote lookups.
package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Profile is a cached reputation score for an address.
type Profile struct {
	Address     string  `json:"address"`
	Score       float64 `json:"score"`
	Tier        string  `json:"tier"`
	DisplayName string  `json:"displayName"`
	AvatarURL   string  `json:"avatarUrl"`
	FetchedAt   time.Time
}

// BatchFetcher retrieves profiles for a set of addresses in one round trip.
// Addresses the remote service does not know are absent from the result.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, addresses []string) (map[string]*Profile, error)
}

// HTTPClient fetches profiles from the reputation service's bulk endpoint.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a fetcher against the given base URL. hc may be nil,
// in which case http.DefaultClient is used.
func NewHTTPClient(baseURL string, hc *http.Client, logger *zap.Logger) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{baseURL: baseURL, hc: hc, logger: logger}
}

type bulkRequest struct {
	Addresses []string `json:"addresses"`
}

type bulkResponse struct {
	Profiles map[string]*Profile `json:"profiles"`
}

// FetchBatch issues one POST for all addresses.
func (c *HTTPClient) FetchBatch(ctx context.Context, addresses []string) (map[string]*Profile, error) {
	body, err := json.Marshal(bulkRequest{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("encode bulk request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/score/bulk", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bulk fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bulk fetch: unexpected status %d", resp.StatusCode)
	}

	var decoded bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}

	now := time.Now()
	out := make(map[string]*Profile, len(decoded.Profiles))
	for addr, p := range decoded.Profiles {
		p.Address = normalize(addr)
		p.FetchedAt = now
		out[p.Address] = p
	}
	c.logger.Info("reputation batch fetched",
		zap.Int("requested", len(addresses)),
		zap.Int("resolved", len(out)))
	return out, nil
}
