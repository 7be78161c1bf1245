// ABOUTME: HTTP JSON client for the school content backend
// ABOUTME: Every failure surfaces as a NetworkError; retries belong to the caller
package remote

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

	"github.com/charmbracelet/log"
	"github.com/harperreed/schoolsync/logging"
	"golang.org/x/oauth2"
)

const maxBodyBytes = 8 << 20

// NetworkError is the only error Do returns. Status 0 means the request never
// produced an HTTP response.
type NetworkError struct {
	Method  string
	Path    string
	Status  int
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports a 401 or 403 from the backend.
func IsUnauthorized(err error) bool {
	var ne *NetworkError
	if !errors.As(err, &ne) {
		return false
	}
	return ne.Status == http.StatusUnauthorized || ne.Status == http.StatusForbidden
}

// IsRetryable reports transport failures, throttling, and server errors.
func IsRetryable(err error) bool {
	var ne *NetworkError
	if !errors.As(err, &ne) {
		return false
	}
	if errors.Is(ne.Err, context.Canceled) {
		return false
	}
	return ne.Status == 0 || ne.Status == http.StatusTooManyRequests || ne.Status >= 500
}

// IsMalformed reports a successful status whose body could not be used.
func IsMalformed(err error) bool {
	var ne *NetworkError
	if !errors.As(err, &ne) {
		return false
	}
	return ne.Status >= 200 && ne.Status < 300
}

// Request describes one backend call. Body is sent as JSON when non-nil.
type Request struct {
	Method string
	Path   string
	Body   any
	Token  *oauth2.Token
}

// Fetcher issues requests against one backend base URL.
type Fetcher struct {
	baseURL string
	client  *http.Client
	log     *log.Logger
}

// NewHTTPClient builds a client with bounded dial and handshake times.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

func New(baseURL string, client *http.Client, logger *log.Logger) *Fetcher {
	if client == nil {
		client = NewHTTPClient(15 * time.Second)
	}
	if logger == nil {
		logger = logging.For("remote")
	}
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     logger,
	}
}

// BaseURL returns the backend root.
func (f *Fetcher) BaseURL() string {
	return f.baseURL
}

// Get is shorthand for an unauthenticated GET.
func (f *Fetcher) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return f.Do(ctx, Request{Method: http.MethodGet, Path: path})
}

// Do performs the request and returns the raw JSON body. An empty 2xx body
// returns nil.
func (f *Fetcher) Do(ctx context.Context, r Request) (json.RawMessage, error) {
	fail := func(status int, msg string, err error) error {
		return &NetworkError{Method: r.Method, Path: r.Path, Status: status, Message: msg, Err: err}
	}

	var body io.Reader
	if r.Body != nil {
		var data []byte
		switch b := r.Body.(type) {
		case json.RawMessage:
			data = b
		case []byte:
			data = b
		default:
			var err error
			data, err = json.Marshal(b)
			if err != nil {
				return nil, fail(0, "failed to encode request body", err)
			}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, f.baseURL+r.Path, body)
	if err != nil {
		return nil, fail(0, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.Token != nil {
		r.Token.SetAuthHeader(req)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Debug("request failed", "method", r.Method, "path", r.Path, "err", err)
		return nil, fail(0, err.Error(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fail(resp.StatusCode, "failed to read response body", err)
	}
	f.log.Debug("request done", "method", r.Method, "path", r.Path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fail(resp.StatusCode, msg, nil)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fail(resp.StatusCode, "response is not JSON", nil)
	}
	return json.RawMessage(raw), nil
}
