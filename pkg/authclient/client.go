/**
 * @description
 * This file provides a client for the marketplace auth service. The billing engine only
 * needs one operation from it: promoting a subject to a new role after a paid plan is applied.
 */
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides methods to interact with the auth service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new auth service client authenticated with the shared internal key.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type promoteRoleRequest struct {
	Role string `json:"role"`
}

// PromoteRole asks the auth service to set the subject's role. The call is idempotent on the server.
func (c *Client) PromoteRole(ctx context.Context, subjectID, role string) error {
	body, err := json.Marshal(promoteRoleRequest{Role: role})
	if err != nil {
		return fmt.Errorf("failed to marshal role request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/internal/users/%s/role", c.baseURL, url.PathEscape(subjectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("auth service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}
