// Package daisys is a small client for the speech API: it authenticates,
// resolves the worker websocket URL and builds generation commands.
package daisys

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speechstream/internal/protocol"
)

const (
	DefaultAPIURL  = "https://api.daisys.ai"
	DefaultAuthURL = "https://api.daisys.ai"
	DefaultTimeout = 15 * time.Second

	pathLogin        = "/auth/login"
	pathWebsocketURL = "/v1/speak/websocket/url"
	pathVoices       = "/v1/speak/voices"
)

var (
	ErrNoCredentials = errors.New("no access token or login credentials configured")
	ErrNoVoices      = errors.New("no voices available")
)

// Error is a non-2xx response from the API.
type Error struct {
	HTTPStatus int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("daisys: http %d: %s", e.HTTPStatus, e.Body)
}

// Unauthorized reports whether the token was rejected.
func (e *Error) Unauthorized() bool {
	return e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden
}

// AsError extracts *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

type Client struct {
	apiURL   string
	authURL  string
	email    string
	password string
	http     *http.Client

	mu    sync.Mutex
	token string
}

type Option func(*Client)

func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = strings.TrimRight(url, "/") }
}

func WithAuthURL(url string) Option {
	return func(c *Client) { c.authURL = strings.TrimRight(url, "/") }
}

// WithToken sets a pre-issued access token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithCredentials enables login, and re-login when the token is rejected.
func WithCredentials(email, password string) Option {
	return func(c *Client) {
		c.email = email
		c.password = password
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.http = client }
}

func NewClient(opts ...Option) *Client {
	c := &Client{apiURL: DefaultAPIURL, authURL: DefaultAuthURL}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultTimeout}
	}
	return c
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

type websocketURLResponse struct {
	WorkerWebsocketURL string `json:"worker_websocket_url"`
}

// Voice is an entry of the voice catalogue.
type Voice struct {
	VoiceID     string `json:"voice_id"`
	Name        string `json:"name"`
	Gender      string `json:"gender,omitempty"`
	Model       string `json:"model,omitempty"`
	Description string `json:"description,omitempty"`
}

// Login exchanges the configured credentials for an access token.
func (c *Client) Login(ctx context.Context) (string, error) {
	if c.email == "" || c.password == "" {
		return "", ErrNoCredentials
	}
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, c.authURL+pathLogin, "", loginRequest{Email: c.email, Password: c.password}, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return "", errors.New("login: response carried no access_token")
	}
	c.mu.Lock()
	c.token = resp.AccessToken
	c.mu.Unlock()
	return resp.AccessToken, nil
}

// WebsocketURL asks the API for a worker URL. Worker URLs are short-lived,
// so callers resolve a fresh one for every connection attempt.
func (c *Client) WebsocketURL(ctx context.Context) (string, error) {
	var resp websocketURLResponse
	if err := c.authorized(ctx, http.MethodGet, c.apiURL+pathWebsocketURL, &resp); err != nil {
		return "", fmt.Errorf("resolve websocket url: %w", err)
	}
	if resp.WorkerWebsocketURL == "" {
		return "", errors.New("resolve websocket url: response carried no worker_websocket_url")
	}
	return resp.WorkerWebsocketURL, nil
}

// Voices lists the voices available to the account.
func (c *Client) Voices(ctx context.Context) ([]Voice, error) {
	var voices []Voice
	if err := c.authorized(ctx, http.MethodGet, c.apiURL+pathVoices, &voices); err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	return voices, nil
}

// DefaultVoice returns the most recently listed voice.
func (c *Client) DefaultVoice(ctx context.Context) (string, error) {
	voices, err := c.Voices(ctx)
	if err != nil {
		return "", err
	}
	if len(voices) == 0 {
		return "", ErrNoVoices
	}
	return voices[len(voices)-1].VoiceID, nil
}

// Resolver adapts WebsocketURL to the connection manager's resolver.
func (c *Client) Resolver() func(context.Context) (string, error) {
	return c.WebsocketURL
}

// authorized performs a bearer-authenticated request, logging in first when
// no token is held and once more if the token is rejected.
func (c *Client) authorized(ctx context.Context, method, url string, out any) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" {
		var err error
		if token, err = c.Login(ctx); err != nil {
			return err
		}
	}
	err := c.do(ctx, method, url, token, nil, out)
	if apiErr, ok := AsError(err); ok && apiErr.Unauthorized() && c.email != "" {
		if token, err = c.Login(ctx); err != nil {
			return err
		}
		err = c.do(ctx, method, url, token, nil, out)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, url, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{HTTPStatus: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DefaultProsody is the delivery used when a request does not set one.
func DefaultProsody() protocol.Prosody {
	return protocol.Prosody{Pace: 0, Pitch: 0, Expression: 5}
}

// GenerateCommand builds the streaming take generation command.
func GenerateCommand(requestID, text, voiceID string, prosody *protocol.Prosody) protocol.Command {
	p := DefaultProsody()
	if prosody != nil {
		p = *prosody
	}
	return protocol.Command{
		Command:   protocol.CommandGenerateTakes,
		RequestID: protocol.RequestID(requestID),
		Data: protocol.GenerateData{
			Text:          text,
			VoiceID:       voiceID,
			Prosody:       p,
			StreamOptions: protocol.StreamOptions{Mode: "chunks"},
		},
	}
}
