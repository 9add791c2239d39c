package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/shaunagostinho/gpsreporter/internal/logger"
)

// DefaultTimeout bounds each of connect, write and read.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// LoginRequest is the body of the login call. Field names are fixed by the
// collector.
type LoginRequest struct {
	Code     string `json:"Code"`
	Password string `json:"Password"`
}

// Validate checks that both credentials are present.
func (r LoginRequest) Validate() error {
	if strings.TrimSpace(r.Code) == "" || strings.TrimSpace(r.Password) == "" {
		return errors.New("username and password required")
	}
	return nil
}

// AuthData is the session returned by a successful login.
type AuthData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Name         string `json:"name"`
}

type loginResponse struct {
	Data AuthData `json:"data"`
}

// Client talks to the collector's structured API.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient creates a client for baseURL. A zero timeout uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if err := ValidateBaseURL(baseURL); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: NormalizeBaseURL(baseURL),
		http: &http.Client{
			Transport: newTransport(timeout),
			Timeout:   3 * timeout, // connect + write + read
		},
		log: logger.Named("api"),
	}, nil
}

// newTransport builds an HTTP/1.1 + HTTP/2 transport whose phases are each
// bounded by timeout.
func newTransport(timeout time.Duration) *http.Transport {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          4,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		logger.Named("api").Warn("http2 not enabled", zap.Error(err))
	}
	return tr
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// SendLocation posts one report to gps-embed/send. Any non-2xx status is a
// *StatusError.
func (c *Client) SendLocation(ctx context.Context, token string, body []byte, requestID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SendPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send location: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Login exchanges credentials for a session. Only AccessToken is used by the
// reporter.
func (c *Client) Login(ctx context.Context, in LoginRequest) (AuthData, error) {
	if err := in.Validate(); err != nil {
		return AuthData{}, err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return AuthData{}, fmt.Errorf("marshal login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+LoginPath, bytes.NewReader(body))
	if err != nil {
		return AuthData{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug("login", zap.String("url", c.baseURL+LoginPath), zap.String("code", in.Code))
	resp, err := c.http.Do(req)
	if err != nil {
		return AuthData{}, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return AuthData{}, statusError(resp)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AuthData{}, fmt.Errorf("decode login response: %w", err)
	}
	if out.Data.AccessToken == "" {
		return AuthData{}, errors.New("login response has no access token")
	}
	return out.Data, nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
