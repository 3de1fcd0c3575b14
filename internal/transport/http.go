package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

// maxDetailBytes bounds an error message taken from a response body.
const maxDetailBytes = 200

// HTTPTransport talks to the remote authority over HTTP with a bearer
// token. It implements both Transport and SnapshotSource.
type HTTPTransport struct {
	baseURL   string
	client    *http.Client
	refresher TokenRefresher

	mu    sync.RWMutex
	token string
}

var (
	_ Transport      = (*HTTPTransport)(nil)
	_ SnapshotSource = (*HTTPTransport)(nil)
)

// NewHTTPTransport creates a transport for baseURL. refresher may be nil.
func NewHTTPTransport(baseURL, token string, timeout time.Duration, refresher TokenRefresher) *HTTPTransport {
	return &HTTPTransport{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		refresher: refresher,
		token:     token,
	}
}

// SetToken replaces the bearer token used for later requests.
func (t *HTTPTransport) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

func (t *HTTPTransport) currentToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// Execute sends req. On 401 it asks the refresher for a new token once and
// retries; a failed refresh surfaces as KindUnauthorized.
func (t *HTTPTransport) Execute(ctx context.Context, req Request) ([]byte, error) {
	body, err := t.do(ctx, req)
	if !IsKind(err, KindUnauthorized) || t.refresher == nil {
		return body, err
	}

	token, rerr := t.refresher.Refresh(ctx)
	if rerr != nil {
		slog.Warn("token refresh failed",
			"component", "transport",
			"error", rerr,
		)
		return nil, &Error{Kind: KindUnauthorized, Code: http.StatusUnauthorized, Err: fmt.Errorf("refresh token: %w", rerr)}
	}
	t.SetToken(token)
	return t.do(ctx, req)
}

func (t *HTTPTransport) do(ctx context.Context, req Request) ([]byte, error) {
	var reader io.Reader
	if len(req.Body) > 0 {
		reader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.baseURL+req.Endpoint, reader)
	if err != nil {
		return nil, &Error{Kind: KindClientError, Err: fmt.Errorf("build request: %w", err)}
	}
	if token := t.currentToken(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyNetError(err)
	}

	if resp.StatusCode >= 400 {
		return nil, FromStatus(resp.StatusCode, statusDetail(data))
	}
	return data, nil
}

// Fetch implements SnapshotSource.
func (t *HTTPTransport) Fetch(ctx context.Context, kind string) ([]types.Entity, error) {
	data, err := t.Execute(ctx, Request{Method: http.MethodGet, Endpoint: "/api/v1/entities/" + url.PathEscape(kind)})
	if err != nil {
		return nil, err
	}

	var snap tethersync.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &Error{Kind: KindServerError, Err: fmt.Errorf("decode snapshot: %w", err)}
	}
	for i := range snap.Entities {
		if snap.Entities[i].Kind == "" {
			snap.Entities[i].Kind = kind
		}
	}
	return snap.Entities, nil
}

// FetchEntity implements SnapshotSource.
func (t *HTTPTransport) FetchEntity(ctx context.Context, kind, id string) (*types.Entity, error) {
	endpoint := "/api/v1/entities/" + url.PathEscape(kind) + "/" + url.PathEscape(id)
	data, err := t.Execute(ctx, Request{Method: http.MethodGet, Endpoint: endpoint})
	if err != nil {
		return nil, err
	}

	var e types.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &Error{Kind: KindServerError, Err: fmt.Errorf("decode entity: %w", err)}
	}
	if e.Kind == "" {
		e.Kind = kind
	}
	return &e, nil
}

func classifyNetError(err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

// statusDetail extracts a short message from an error body, preferring an
// RFC 7807 detail field.
func statusDetail(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	msg := string(body)
	if json.Unmarshal(body, &problem) == nil && (problem.Detail != "" || problem.Title != "") {
		msg = problem.Detail
		if msg == "" {
			msg = problem.Title
		}
	}
	msg = strings.ToValidUTF8(strings.TrimSpace(msg), "\uFFFD")
	return errors.New(truncateRunes(msg, maxDetailBytes))
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
