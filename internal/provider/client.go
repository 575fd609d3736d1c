// Package provider is the HTTP client for the workspace provider's REST API.
//
// The broker only consumes this API: list the user's workspaces, fetch one
// with its tunnel connection details, and drive start/stop through the
// action URLs the provider hands back.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/termbridge/termbridge/internal/logutil"
)

const userAgent = "termbridge/1.0"

var (
	// ErrBadCredentials: the provider rejected the token (401).
	ErrBadCredentials = errors.New("provider: bad credentials")
	// ErrUnavailable: the provider timed out or answered 5xx.
	ErrUnavailable = errors.New("provider: unavailable")
	// ErrNotFound: no workspace matched the query.
	ErrNotFound = errors.New("provider: workspace not found")
)

// APIError is a non-401 4xx answer from the provider.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.Status, logutil.SanitizeForLog(e.Body))
}

// TunnelProperties are the opaque relay coordinates for one workspace.
type TunnelProperties struct {
	TunnelID               string `json:"tunnelId"`
	ClusterID              string `json:"clusterId"`
	ConnectAccessToken     string `json:"connectAccessToken"`
	ManagePortsAccessToken string `json:"managePortsAccessToken"`
	ServiceURI             string `json:"serviceUri"`
	Domain                 string `json:"domain"`
}

// TunnelPort is one entry of the tunnel's embedded port array.
type TunnelPort struct {
	PortNumber    int    `json:"portNumber"`
	ForwardingURI string `json:"portForwardingUri"`
	Protocol      string `json:"protocol"`
}

// Connection is present on a workspace record once the tunnel is live.
type Connection struct {
	TunnelProperties TunnelProperties `json:"tunnelProperties"`
	TunnelPorts      []TunnelPort     `json:"tunnelPorts"`
}

// Repository identifies the repo a workspace was created from.
type Repository struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
}

// Codespace is one workspace record as returned by the provider.
type Codespace struct {
	Name       string      `json:"name"`
	State      string      `json:"state"`
	Repository Repository  `json:"repository"`
	StartURL   string      `json:"start_url"`
	StopURL    string      `json:"stop_url"`
	WebURL     string      `json:"web_url"`
	LastUsedAt string      `json:"last_used_at"`
	Connection *Connection `json:"connection"`
}

type listResponse struct {
	Codespaces []Codespace `json:"codespaces"`
}

// Client talks to one provider with one user token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client for the given API base URL and user token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// List returns the user's workspaces.
func (c *Client) List(ctx context.Context) ([]Codespace, error) {
	body, err := c.do(ctx, http.MethodGet, c.baseURL+"/user/codespaces")
	if err != nil {
		return nil, err
	}
	var res listResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode codespaces list: %w", err)
	}
	return res.Codespaces, nil
}

// Get fetches one workspace with tunnel connection details. The internal and
// refresh flags make the provider mint fresh tunnel tokens.
func (c *Client) Get(ctx context.Context, name string) (*Codespace, error) {
	u := fmt.Sprintf("%s/user/codespaces/%s?internal=true&refresh=true", c.baseURL, url.PathEscape(name))
	body, err := c.do(ctx, http.MethodGet, u)
	if err != nil {
		return nil, err
	}
	var cs Codespace
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, fmt.Errorf("decode codespace %s: %w", logutil.SanitizeForLog(name), err)
	}
	return &cs, nil
}

// Start requests a workspace start through its action URL.
func (c *Client) Start(ctx context.Context, cs *Codespace) error {
	if cs.StartURL == "" {
		return fmt.Errorf("provider: codespace %s has no start_url", logutil.SanitizeForLog(cs.Name))
	}
	_, err := c.do(ctx, http.MethodPost, cs.StartURL)
	return err
}

// Stop requests a workspace stop through its action URL.
func (c *Client) Stop(ctx context.Context, cs *Codespace) error {
	if cs.StopURL == "" {
		return fmt.Errorf("provider: codespace %s has no stop_url", logutil.SanitizeForLog(cs.Name))
	}
	_, err := c.do(ctx, http.MethodPost, cs.StopURL)
	return err
}

// FindByRepo returns the workspace created from the given repository URL,
// preferring the most recently used when several match.
func (c *Client) FindByRepo(ctx context.Context, repoURL string) (*Codespace, error) {
	want := normalizeRepo(repoURL)
	if want == "" {
		return nil, fmt.Errorf("provider: unparseable repository url")
	}

	list, err := c.List(ctx)
	if err != nil {
		return nil, err
	}

	var best *Codespace
	for i := range list {
		cs := &list[i]
		if !strings.EqualFold(cs.Repository.FullName, want) && normalizeRepo(cs.Repository.HTMLURL) != want {
			continue
		}
		if best == nil || cs.LastUsedAt > best.LastUsedAt {
			best = cs
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: repository %s", ErrNotFound, logutil.SanitizeForLog(want))
	}
	return best, nil
}

// do runs one request and maps status codes onto the package errors.
func (c *Client) do(ctx context.Context, method, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrBadCredentials
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// normalizeRepo reduces a repository URL or name to "owner/name".
func normalizeRepo(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")
	for _, prefix := range []string{"https://", "http://", "git@"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.Replace(s, ":", "/", 1) // scp-style git@host:owner/name
	if idx := strings.IndexByte(s, '/'); idx > 0 && strings.ContainsAny(s[:idx], ".") {
		s = s[idx+1:] // drop the host
	}
	return s
}
