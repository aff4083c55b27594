// Package users is a thin client for the Users collaborator service. It
// is consulted only when registering a new external-processor customer.
package users

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Config holds Users collaborator configuration
type Config struct {
	BaseURL string        `envconfig:"USERS_BASE_URL" default:"http://localhost:8081"`
	Timeout time.Duration `envconfig:"USERS_TIMEOUT" default:"5s"`
}

// User is the profile subset this service needs
type User struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Client calls the Users collaborator
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a new Users client
func New(cfg Config) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// GetUser fetches a user's display name and email
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	endpoint := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building users request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling users service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("user %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("users service returned %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decoding users response: %w", err)
	}
	return &user, nil
}
