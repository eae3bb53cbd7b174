// Package bingx implements the venue boundary for BingX perpetual swaps:
// a signed REST client, the Gateway built on it and the websocket streams.
package bingx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/tradingbuddy/internal/crypto"
	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

const (
	// DefaultBaseURL is the production REST root.
	DefaultBaseURL = "https://open-api.bingx.com"

	apiKeyHeader = "X-BX-APIKEY"
)

// API error codes with a domain meaning.
const (
	codeInvalidSignature = 100001
	codeInvalidAPIKey    = 100413
	codeRateLimited      = 100410
	codeOrderNotExist    = 80018
	codeInsufficient     = 101204
	codeInvalidParam     = 109400
)

// APIError is a response whose code field is non-zero.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bingx: api error %d: %s", e.Code, e.Msg)
}

// Unwrap maps well-known codes onto domain sentinels.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case codeInvalidSignature, codeInvalidAPIKey:
		return domain.ErrUnauthorized
	case codeRateLimited:
		return domain.ErrRateLimited
	case codeOrderNotExist:
		return domain.ErrNotFound
	case codeInsufficient, codeInvalidParam:
		return domain.ErrInvalidOrder
	}
	return nil
}

// ClientOptions tunes a Client. Zero values select defaults.
type ClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	RecvWindow time.Duration
	// Limiter is shared by every client of one process; the venue limits
	// per IP.
	Limiter *rate.Limiter
}

// Client is the signed REST client for one API key.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
	limiter    *rate.Limiter
	recvWindow time.Duration
	now        func() time.Time
}

// NewClient creates a REST client for the given credentials.
func NewClient(apiKey, secretKey string, opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		auth:    &crypto.HMACAuth{Key: apiKey, Secret: secretKey},
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter:    opts.Limiter,
		recvWindow: opts.RecvWindow,
		now:        time.Now,
	}
}

// get, post, put and del issue signed requests and return the raw body of
// a successful response.
func (c *Client) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params)
}

func (c *Client) post(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, params)
}

func (c *Client) put(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodPut, path, params)
}

func (c *Client) del(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, params)
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	signed := make(map[string]string, len(params)+2)
	for k, v := range params {
		signed[k] = v
	}
	signed["timestamp"] = strconv.FormatInt(c.now().UnixMilli(), 10)
	if c.recvWindow > 0 {
		signed["recvWindow"] = strconv.FormatInt(c.recvWindow.Milliseconds(), 10)
	}
	signature := c.auth.Sign(crypto.CanonicalQuery(signed))

	reqURL := c.baseURL + path + "?" + encodeQuery(signed, signature)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.auth.Key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Code != 0 {
		return nil, &APIError{Code: env.Code, Msg: env.Msg}
	}
	return body, nil
}

// encodeQuery renders the signed parameters for the wire. Values are
// escaped here; the signature covers the unescaped canonical form, which is
// what the venue reconstructs after decoding.
func encodeQuery(params map[string]string, signature string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
		b.WriteByte('&')
	}
	b.WriteString("signature=")
	b.WriteString(signature)
	return b.String()
}

// decodeData unmarshals the data field of a response envelope into v.
func decodeData(body []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return errors.New("empty data")
	}
	return json.Unmarshal(env.Data, v)
}

// checkHTTPStatus returns an error for non-2xx HTTP status codes.
func checkHTTPStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, string(body))
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, string(body))
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, string(body))
	default:
		return fmt.Errorf("HTTP %d: %s", code, string(body))
	}
}
