package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/doppelhq/doppel/internal/log"
	"github.com/doppelhq/doppel/internal/models"
)

// Sentinel errors for the connection broker.
var (
	ErrUnknownTool        = errors.New("unknown tool")
	ErrConnectionNotFound = errors.New("connection not found")
)

// toolAuthConfigs maps tool names to the broker's auth-config identifiers.
// The reverse direction turns a generic connection record back into a
// human-readable tool name.
var toolAuthConfigs = map[string]string{
	"googlecalendar": "ac_googlecalendar",
	"slack":          "ac_slack",
	"linear":         "ac_linear",
}

const defaultHTTPTimeout = 15 * time.Second

// ComposioService is the HTTP client for the Composio-shaped connection
// broker: initiate, list, get and delete connections on behalf of users.
type ComposioService struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewComposioService creates a ComposioService for the given broker endpoint.
func NewComposioService(baseURL, apiKey string) *ComposioService {
	return &ComposioService{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// AuthConfigForTool returns the broker auth-config ID for a tool name.
func AuthConfigForTool(tool string) (string, bool) {
	id, ok := toolAuthConfigs[tool]
	return id, ok
}

// ToolForAuthConfig reverse-maps an auth-config ID to its tool name.
func ToolForAuthConfig(authConfigID string) (string, bool) {
	for tool, id := range toolAuthConfigs {
		if id == authConfigID {
			return tool, true
		}
	}
	return "", false
}

// KnownTools lists the tool names the broker table covers.
func KnownTools() []string {
	tools := make([]string, 0, len(toolAuthConfigs))
	for tool := range toolAuthConfigs {
		tools = append(tools, tool)
	}
	return tools
}

// InitiateResult is the outcome of a connection-initiate request.
type InitiateResult struct {
	RedirectURL      string `json:"redirectUrl,omitempty"`
	RequestID        string `json:"connectionRequestId,omitempty"`
	AlreadyConnected bool   `json:"alreadyConnected,omitempty"`
	ConnectionID     string `json:"connectionId,omitempty"`
}

// InitiateConnection starts an OAuth connection attempt for (user, tool).
// If the broker already holds an active connection for the pair, that
// connection is reused and reported instead of starting a second one.
func (s *ComposioService) InitiateConnection(ctx context.Context, userID, tool string) (*InitiateResult, error) {
	authConfigID, ok := AuthConfigForTool(tool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}

	// Reuse an existing active connection before initiating a new one; the
	// broker tolerates duplicates but the UI should not create them.
	existing, err := s.ListConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, conn := range existing {
		if conn.AuthConfigID == authConfigID && conn.Active() {
			return &InitiateResult{AlreadyConnected: true, ConnectionID: conn.ID}, nil
		}
	}

	reqBody, err := json.Marshal(map[string]string{
		"auth_config_id": authConfigID,
		"user_id":        userID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode initiate request: %w", err)
	}

	var resp struct {
		ID          string `json:"id"`
		RedirectURL string `json:"redirect_url"`
	}
	if err := s.do(ctx, http.MethodPost, "/connected_accounts", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to initiate connection for user %s tool %s: %w", userID, tool, err)
	}

	return &InitiateResult{RedirectURL: resp.RedirectURL, RequestID: resp.ID}, nil
}

// ListConnections returns all connection records the broker holds for a user.
func (s *ComposioService) ListConnections(ctx context.Context, userID string) ([]models.Connection, error) {
	var resp struct {
		Items []models.Connection `json:"items"`
	}
	path := "/connected_accounts?user_id=" + url.QueryEscape(userID)
	if err := s.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list connections for user %s: %w", userID, err)
	}
	return resp.Items, nil
}

// GetConnection fetches one connection record by ID.
func (s *ComposioService) GetConnection(ctx context.Context, connectionID string) (*models.Connection, error) {
	var conn models.Connection
	err := s.do(ctx, http.MethodGet, "/connected_accounts/"+url.PathEscape(connectionID), nil, &conn)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
		}
		return nil, fmt.Errorf("failed to get connection %s: %w", connectionID, err)
	}
	return &conn, nil
}

// DeleteConnection removes a connection record.
func (s *ComposioService) DeleteConnection(ctx context.Context, connectionID string) error {
	err := s.do(ctx, http.MethodDelete, "/connected_accounts/"+url.PathEscape(connectionID), nil, nil)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
		}
		return fmt.Errorf("failed to delete connection %s: %w", connectionID, err)
	}
	return nil
}

// ActiveConnections lists the tools a user has usable connections for, with
// their connection IDs. Only records whose status is exactly ACTIVE count;
// records for unknown auth configs are skipped.
func (s *ComposioService) ActiveConnections(ctx context.Context, userID string) ([]string, map[string]string, error) {
	connections, err := s.ListConnections(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	tools := []string{}
	ids := map[string]string{}
	for _, conn := range connections {
		if !conn.Active() {
			continue
		}
		tool, ok := ToolForAuthConfig(conn.AuthConfigID)
		if !ok {
			log.Warn(ctx, "Skipping connection with unknown auth config",
				"connection_id", conn.ID,
				"auth_config_id", conn.AuthConfigID,
			)
			continue
		}
		if _, seen := ids[tool]; seen {
			continue
		}
		tools = append(tools, tool)
		ids[tool] = conn.ID
	}

	return tools, ids, nil
}

var errNotFound = errors.New("broker returned 404")

// do runs one broker request and decodes the JSON response into out (when
// non-nil).
func (s *ComposioService) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build broker request: %w", err)
	}
	req.Header.Set("x-api-key", s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broker returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode broker response: %w", err)
	}
	return nil
}
