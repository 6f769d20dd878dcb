package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnauthenticated is returned when the access token is rejected and the
// refresh attempt fails. The caller should send the user back to login.
var ErrUnauthenticated = errors.New("unauthenticated")

// Client calls the gateway on behalf of a signed-in user. It attaches the
// current access token to every request and, on a single 401, refreshes the
// token pair once and retries the original request.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string

	// refreshMu serializes refresh attempts so concurrent 401s share a
	// single rotation; the credential mutex is never held across I/O.
	refreshMu sync.Mutex

	// OnUnauthenticated fires after credentials are cleared because a
	// refresh failed. Optional.
	OnUnauthenticated func()
}

// New constructs a gateway client. baseURL includes the API prefix, e.g.
// "http://localhost:3000/api/v1".
func New(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// SetCredentials stores the token pair, typically after login.
func (c *Client) SetCredentials(accessToken, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
	c.refreshToken = refreshToken
}

// Credentials returns the current token pair.
func (c *Client) Credentials() (accessToken, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, c.refreshToken
}

// Do performs an authenticated request against the gateway. The body, if
// any, is buffered so the request can be replayed after a token refresh.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	return c.do(ctx, method, path, body, false)
}

// do carries an explicit retried flag instead of marking the request
// itself; a request is resubmitted at most once no matter how many 401s
// come back.
func (c *Client) do(ctx context.Context, method, path string, body []byte, retried bool) (*http.Response, error) {
	access, _ := c.Credentials()

	req, err := c.newRequest(ctx, method, path, body, access)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || retried {
		return resp, nil
	}
	resp.Body.Close()

	if err := c.refresh(ctx, access); err != nil {
		c.clearCredentials()
		if c.OnUnauthenticated != nil {
			c.OnUnauthenticated()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	return c.do(ctx, method, path, body, true)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, access string) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}
	return req, nil
}

type refreshPayload struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResult struct {
	Success bool `json:"success"`
	Data    struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	} `json:"data"`
}

// refresh exchanges the stored refresh token for a new pair. staleAccess is
// the access token that was just rejected: if another goroutine already
// rotated the pair, the refresh is skipped and the retry proceeds with the
// newer token.
func (c *Client) refresh(ctx context.Context, staleAccess string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	access, refreshToken := c.Credentials()
	if access != staleAccess {
		return nil
	}
	if refreshToken == "" {
		return errors.New("no refresh token")
	}

	payload, err := json.Marshal(refreshPayload{RefreshToken: refreshToken})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}

	var result refreshResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if !result.Success || result.Data.AccessToken == "" || result.Data.RefreshToken == "" {
		return errors.New("refresh response missing tokens")
	}

	c.SetCredentials(result.Data.AccessToken, result.Data.RefreshToken)
	c.logger.Debug("token pair rotated")
	return nil
}

func (c *Client) clearCredentials() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
	c.refreshToken = ""
}
