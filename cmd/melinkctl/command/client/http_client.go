package client

// http_client.go talks to the admin API of one engine.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"melink/internal/catalog"
	"melink/internal/mpio"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RouterStatus struct {
	Engine       mpio.EngineID `json:"engine"`
	Bus          string        `json:"bus"`
	Started      bool          `json:"started"`
	Connections  int           `json:"connections"`
	EventClients int           `json:"event_clients"`
}

type ConnectionInfo struct {
	Engine     mpio.EngineID        `json:"engine"`
	Version    mpio.ProtocolVersion `json:"version"`
	RemoteAddr string               `json:"remote_addr,omitempty"`
}

type DropSummary struct {
	Since   string                    `json:"since"`
	Reasons map[mpio.DropReason]int64 `json:"reasons"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status   int
	Message  string
	Internal bool
}

func (e *APIError) Error() string {
	if e.Internal {
		return fmt.Sprintf("engine internal error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

func NewHTTPClient(apiURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: apiURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// do sends body as JSON when non-nil and decodes a 2xx answer into out.
func (c *HTTPClient) do(method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(jsonData)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		var failure struct {
			Error    string `json:"error"`
			Internal bool   `json:"internal"`
		}
		_ = json.NewDecoder(response.Body).Decode(&failure)
		if failure.Error == "" {
			failure.Error = response.Status
		}
		return &APIError{Status: response.StatusCode, Message: failure.Error, Internal: failure.Internal}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func (c *HTTPClient) Login(request *LoginRequest) (*AuthResponse, error) {
	var result AuthResponse
	if err := c.do(http.MethodPost, "/api/v1/auth/login", nil, request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) Status() (*RouterStatus, error) {
	var result RouterStatus
	if err := c.do(http.MethodGet, "/api/v1/router", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) Start() error {
	return c.do(http.MethodPost, "/api/v1/router/start", nil, nil, nil)
}

func (c *HTTPClient) Stop() error {
	return c.do(http.MethodPost, "/api/v1/router/stop", nil, nil, nil)
}

func (c *HTTPClient) Connections() ([]ConnectionInfo, error) {
	var result struct {
		Connections []ConnectionInfo `json:"connections"`
	}
	if err := c.do(http.MethodGet, "/api/v1/connections", nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Connections, nil
}

func (c *HTTPClient) Reachable(engine string) (bool, error) {
	var result struct {
		Reachable bool `json:"reachable"`
	}
	if err := c.do(http.MethodGet, "/api/v1/engines/"+url.PathEscape(engine)+"/reachable", nil, nil, &result); err != nil {
		return false, err
	}
	return result.Reachable, nil
}

func (c *HTTPClient) Compatible(engine, version string) (bool, error) {
	var result struct {
		Compatible bool `json:"compatible"`
	}
	query := url.Values{"version": {version}}
	if err := c.do(http.MethodGet, "/api/v1/engines/"+url.PathEscape(engine)+"/compatible", query, nil, &result); err != nil {
		return false, err
	}
	return result.Compatible, nil
}

func (c *HTTPClient) Connect(engine string) (bool, error) {
	var result struct {
		Connected bool `json:"connected"`
	}
	if err := c.do(http.MethodPost, "/api/v1/engines/"+url.PathEscape(engine)+"/connect", nil, nil, &result); err != nil {
		return false, err
	}
	return result.Connected, nil
}

func (c *HTTPClient) Destinations() ([]catalog.Record, error) {
	var result struct {
		Destinations []catalog.Record `json:"destinations"`
	}
	if err := c.do(http.MethodGet, "/api/v1/destinations", nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Destinations, nil
}

// NewDestination is the body of a create request. An empty Bus means the
// engine's own bus.
type NewDestination struct {
	Name             string `json:"name"`
	Bus              string `json:"bus,omitempty"`
	Link             bool   `json:"link,omitempty"`
	ForeignBus       string `json:"foreign_bus,omitempty"`
	Invisible        bool   `json:"invisible,omitempty"`
	CreateInProgress bool   `json:"create_in_progress,omitempty"`
}

func (c *HTTPClient) CreateDestination(dest *NewDestination) (*catalog.Record, error) {
	var result struct {
		Destination catalog.Record `json:"destination"`
	}
	if err := c.do(http.MethodPost, "/api/v1/destinations", nil, dest, &result); err != nil {
		return nil, err
	}
	return &result.Destination, nil
}

func (c *HTTPClient) SetCreateInProgress(id string, inProgress bool) error {
	body := map[string]bool{"in_progress": inProgress}
	return c.do(http.MethodPost, "/api/v1/destinations/"+url.PathEscape(id)+"/create-in-progress", nil, body, nil)
}

func (c *HTTPClient) MarkToBeDeleted(id string) error {
	return c.do(http.MethodPost, "/api/v1/destinations/"+url.PathEscape(id)+"/to-be-deleted", nil, nil, nil)
}

func (c *HTTPClient) DeleteDestination(id string) error {
	return c.do(http.MethodDelete, "/api/v1/destinations/"+url.PathEscape(id), nil, nil, nil)
}

func (c *HTTPClient) Drops(limit int, reason string) ([]mpio.DropEvent, error) {
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if reason != "" {
		query.Set("reason", reason)
	}
	var result struct {
		Drops []mpio.DropEvent `json:"drops"`
	}
	if err := c.do(http.MethodGet, "/api/v1/drops", query, nil, &result); err != nil {
		return nil, err
	}
	return result.Drops, nil
}

func (c *HTTPClient) DropSummary(since time.Duration) (*DropSummary, error) {
	var result DropSummary
	query := url.Values{"since": {since.String()}}
	if err := c.do(http.MethodGet, "/api/v1/drops/summary", query, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
