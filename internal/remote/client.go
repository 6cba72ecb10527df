package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/driftnotes/drift/internal/note"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 15 * time.Second

var (
	errMissingBaseURL = errors.New("remote client: base url is required")
	errInvalidBaseURL = errors.New("remote client: invalid base url")
)

// ClientConfig configures the HTTP/websocket remote store client.
type ClientConfig struct {
	// BaseURL is the root of the remote tree, e.g. "https://sync.example.com".
	BaseURL string
	// Token is the bearer token presented on every request. May be empty for
	// anonymous servers.
	Token string
	// HTTPClient overrides the transport for point operations.
	HTTPClient *http.Client
	// Dialer overrides the websocket dialer for subscriptions.
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Client talks to a remote realtime note store over HTTP and websocket.
// Point operations live at {base}/{principal}/notes/{id}; the full subtree
// is read at {base}/{principal}/notes and watched at
// {base}/{principal}/notes/watch.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", errInvalidBaseURL, cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    parsed,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		dialer:     dialer,
		logger:     logger,
	}, nil
}

// Write upserts the record at {principal}/notes/{id}.
func (c *Client) Write(ctx context.Context, principal string, record note.WireNote) error {
	if strings.TrimSpace(principal) == "" {
		return ErrMissingPrincipal
	}
	if record.ID == "" {
		return fmt.Errorf("%w: empty id", note.ErrInvalidNoteID)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrRemoteUnavailable, err)
	}

	response, err := c.do(ctx, http.MethodPut, c.noteURL(principal, record.ID), payload)
	if err != nil {
		return err
	}
	defer drainAndClose(response)
	return classifyStatus(response.StatusCode)
}

// Remove deletes the record at {principal}/notes/{id}. Deleting an absent
// record succeeds.
func (c *Client) Remove(ctx context.Context, principal, id string) error {
	if strings.TrimSpace(principal) == "" {
		return ErrMissingPrincipal
	}
	if id == "" {
		return fmt.Errorf("%w: empty id", note.ErrInvalidNoteID)
	}

	response, err := c.do(ctx, http.MethodDelete, c.noteURL(principal, id), nil)
	if err != nil {
		return err
	}
	defer drainAndClose(response)
	return classifyStatus(response.StatusCode)
}

// ReadAll fetches the full {principal}/notes subtree in one shot.
func (c *Client) ReadAll(ctx context.Context, principal string) ([]note.WireNote, error) {
	if strings.TrimSpace(principal) == "" {
		return nil, ErrMissingPrincipal
	}

	response, err := c.do(ctx, http.MethodGet, c.treeURL(principal), nil)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(response)

	if err := classifyStatus(response.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrRemoteUnavailable, err)
	}
	return note.DecodeWireTree(body), nil
}

// Subscribe opens the websocket snapshot feed for the principal. The feed
// delivers the full subtree on every descendant change. The subscription is
// closed when ctx is cancelled or Close is called, releasing the underlying
// connection exactly once.
func (c *Client) Subscribe(ctx context.Context, principal string) (Subscription, error) {
	if strings.TrimSpace(principal) == "" {
		return nil, ErrMissingPrincipal
	}

	watchURL := *c.baseURL
	switch watchURL.Scheme {
	case "https":
		watchURL.Scheme = "wss"
	case "http":
		watchURL.Scheme = "ws"
	}
	watchURL.Path = watchURL.Path + "/" + url.PathEscape(principal) + "/notes/watch"

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, response, err := c.dialer.DialContext(ctx, watchURL.String(), header)
	if err != nil {
		if response != nil {
			defer drainAndClose(response)
			if statusErr := classifyStatus(response.StatusCode); statusErr != nil {
				return nil, statusErr
			}
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrRemoteUnavailable, err)
	}

	return newWebsocketSubscription(ctx, conn, c.logger), nil
}

func (c *Client) noteURL(principal, id string) string {
	return fmt.Sprintf("%s/%s/notes/%s", c.baseURL.String(), url.PathEscape(principal), url.PathEscape(id))
}

func (c *Client) treeURL(principal string) string {
	return fmt.Sprintf("%s/%s/notes", c.baseURL.String(), url.PathEscape(principal))
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRemoteUnavailable, err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return response, nil
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrPermissionDenied, status)
	default:
		return fmt.Errorf("%w: status %d", ErrRemoteUnavailable, status)
	}
}

func drainAndClose(response *http.Response) {
	_, _ = io.Copy(io.Discard, response.Body)
	_ = response.Body.Close()
}
