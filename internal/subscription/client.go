// Package subscription checks domain ownership against the external
// subscription service. Vaultboxes reference owners in a separate user
// store; ownership is enforced through this capability check rather than a
// foreign key.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Verifier reports whether a domain is verified for a user.
type Verifier interface {
	VerifyDomain(ctx context.Context, userID, domain string) (bool, error)
}

// RateLimits are the submission limits granted to a legacy credential's
// plan. Vaultbox credentials use generous fixed defaults instead.
type RateLimits struct {
	MessagesPerHour int `json:"messages_per_hour"`
	MessagesPerDay  int `json:"messages_per_day"`
}

// Client talks to the subscription service over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client. token authenticates service-to-service calls.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type domainStatusResponse struct {
	Domain   string `json:"domain"`
	Verified bool   `json:"verified"`
}

// VerifyDomain asks whether domain is verified for userID. A 404 means the
// domain is unknown to the service and therefore not verified.
func (c *Client) VerifyDomain(ctx context.Context, userID, domain string) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/users/%s/domains/%s",
		c.baseURL, url.PathEscape(userID), url.PathEscape(strings.ToLower(domain)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("subscription: creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("subscription: sending request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("subscription: status %d: %s", resp.StatusCode, body)
	}

	var status domainStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("subscription: decoding response: %w", err)
	}
	return status.Verified, nil
}

type rateLimitsResponse struct {
	Limits RateLimits `json:"limits"`
}

// CredentialLimits fetches the plan rate limits for a legacy credential's
// owner. Failures fall back to conservative defaults at the caller.
func (c *Client) CredentialLimits(ctx context.Context, userID string) (*RateLimits, error) {
	endpoint := fmt.Sprintf("%s/api/users/%s/limits", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("subscription: creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscription: sending request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subscription: status %d", resp.StatusCode)
	}

	var out rateLimitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("subscription: decoding response: %w", err)
	}
	return &out.Limits, nil
}

// Static is a Verifier with a fixed verified set. Used in tests and in
// single-tenant deployments without a subscription service.
type Static struct {
	// Verified maps "user_id/domain" to verification status. An empty map
	// with AllowAll set approves everything.
	Verified map[string]bool
	AllowAll bool
}

// VerifyDomain implements Verifier.
func (s *Static) VerifyDomain(ctx context.Context, userID, domain string) (bool, error) {
	if s.AllowAll {
		return true, nil
	}
	return s.Verified[userID+"/"+strings.ToLower(domain)], nil
}

var _ Verifier = (*Client)(nil)
var _ Verifier = (*Static)(nil)
