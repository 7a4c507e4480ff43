// Package directory talks to the relay's discovery registry over HTTP:
// username registration, search, and the pre-send registration check.
package directory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"agentmsg/identity"
)

const (
	// DefaultTimeout bounds every registry request.
	DefaultTimeout = 10 * time.Second

	defaultDescription = "Agent Messenger user"
	defaultPurpose     = "General communication"
)

var usernamePattern = regexp.MustCompile(`^@[A-Za-z0-9_]{2,19}$`)

var (
	// ErrInvalidUsername indicates a username that fails format validation.
	ErrInvalidUsername = errors.New("directory: invalid username: must start with @, 3-20 chars, alphanumeric and underscore only")
	// ErrUsernameTaken indicates a registration conflict.
	ErrUsernameTaken = errors.New("directory: username already taken")
	// ErrUnavailable indicates the registry could not be reached.
	ErrUnavailable = errors.New("directory: registry unreachable")
)

// GatePolicy decides how the pre-send registration check treats an
// unreachable registry.
type GatePolicy string

const (
	// GateLenient bypasses the check when the registry is unreachable and
	// lets the relay enforce registration.
	GateLenient GatePolicy = "lenient"
	// GateStrict rejects sends when the check cannot be completed.
	GateStrict GatePolicy = "strict"
)

// ParseGatePolicy validates a policy name from configuration.
func ParseGatePolicy(name string) (GatePolicy, error) {
	switch GatePolicy(name) {
	case GateLenient, GateStrict:
		return GatePolicy(name), nil
	default:
		return "", fmt.Errorf("directory: unknown gate policy %q", name)
	}
}

// Entry is one registry listing.
type Entry struct {
	Username    string   `json:"username"`
	DID         string   `json:"did"`
	PublicKey   string   `json:"public_key"`
	Description string   `json:"description"`
	Purpose     string   `json:"purpose"`
	Tags        []string `json:"tags"`
}

// Client is an HTTP client for the relay registry.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a registry client with the default request timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// BaseFromRelayURL derives the registry base URL from the relay stream URL
// by stripping the /ws path and mapping the scheme to HTTP.
func BaseFromRelayURL(relayURL string) string {
	base := strings.TrimRight(relayURL, "/")
	base = strings.TrimSuffix(base, "/ws")
	base = strings.Replace(base, "ws://", "http://", 1)
	base = strings.Replace(base, "wss://", "https://", 1)
	return base
}

// ValidateUsername checks the @name format without touching the network.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// Register claims a username for the identity. Empty description and
// purpose are replaced with fixed defaults; the registry rejects empty
// fields.
func (c *Client) Register(id *identity.Identity, username, description, purpose string, tags []string) error {
	username = strings.TrimSpace(username)
	if err := ValidateUsername(username); err != nil {
		return err
	}

	if strings.TrimSpace(description) == "" {
		description = defaultDescription
	}
	if strings.TrimSpace(purpose) == "" {
		purpose = defaultPurpose
	}
	if tags == nil {
		tags = []string{}
	}

	payload := map[string]any{
		"username":    username,
		"did":         id.DID,
		"public_key":  id.PublicKeyBase64(),
		"description": description,
		"purpose":     purpose,
		"tags":        tags,
	}

	status, body, err := c.postJSON("/directory/register", payload)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		if detail := errorDetail(body); detail != "" {
			return fmt.Errorf("%w: %s", ErrUsernameTaken, detail)
		}
		return ErrUsernameTaken
	default:
		return fmt.Errorf("directory: registration failed (status %d): %s", status, errorDetail(body))
	}
}

// Announce posts the legacy opt-in listing without a username claim.
func (c *Client) Announce(id *identity.Identity, name string) error {
	payload := map[string]any{
		"did":        id.DID,
		"name":       name,
		"public_key": id.PublicKeyBase64(),
	}

	status, body, err := c.postJSON("/directory", payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("directory: announce failed (status %d): %s", status, errorDetail(body))
	}
	return nil
}

// Search queries the registry. An empty query returns the full listing.
func (c *Client) Search(query string) ([]Entry, error) {
	endpoint := c.BaseURL + "/directory"
	if query != "" {
		endpoint += "?search=" + url.QueryEscape(query)
	}

	resp, err := c.HTTPClient.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("directory: read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: search failed (status %d): %s", resp.StatusCode, errorDetail(body))
	}

	var result struct {
		Agents []Entry `json:"agents"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("directory: parse search response: %w", err)
	}

	return result.Agents, nil
}

// IsRegistered reports whether a DID appears in the registry and under
// which username. An unreachable registry returns an error wrapping
// ErrUnavailable so callers can apply their gate policy.
func (c *Client) IsRegistered(did string) (bool, string, error) {
	entries, err := c.Search("")
	if err != nil {
		return false, "", err
	}

	for _, entry := range entries {
		if entry.DID == did {
			return true, entry.Username, nil
		}
	}
	return false, "", nil
}

// ResolveUsername returns the DID registered for an @username.
func (c *Client) ResolveUsername(username string) (string, error) {
	entries, err := c.Search("")
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		if entry.Username == username {
			return entry.DID, nil
		}
	}
	return "", fmt.Errorf("directory: username %q not found", username)
}

func (c *Client) postJSON(path string, payload any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("directory: marshal request: %w", err)
	}

	resp, err := c.HTTPClient.Post(c.BaseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("directory: read response: %w", err)
	}

	return resp.StatusCode, body, nil
}

// errorDetail extracts a human-readable error from a registry response
// body, which uses either a "detail" or an "error" field.
func errorDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return strings.TrimSpace(string(body))
	}
	if parsed.Detail != "" {
		return parsed.Detail
	}
	return parsed.Error
}
