// Package apiclient sends requests to the storefront API with the stored
// bearer token attached and recovers once from an expired access token.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Skotchmaster/storefront/pkg/credstore"
)

const (
	maxBodyBytes          = 10 << 20
	defaultRefreshTimeout = 15 * time.Second
)

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Public requests carry no bearer token and never trigger a refresh.
	Public bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

type Pipeline struct {
	baseURL    string
	httpClient *http.Client
	store      credstore.Store
	refresher  Refresher
	log        *slog.Logger
	shared     bool
	group      singleflight.Group

	// refreshTimeout bounds a refresh call, which runs detached from the
	// context of the request that triggered it.
	refreshTimeout time.Duration

	mu        sync.RWMutex
	onExpired []func(ctx context.Context)
}

type Option func(*Pipeline)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.httpClient = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithSharedRefresh controls whether concurrent 401s wait on one refresh call
// instead of each refreshing on their own. Enabled by default.
func WithSharedRefresh(enabled bool) Option {
	return func(p *Pipeline) { p.shared = enabled }
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.refreshTimeout = d
		}
	}
}

func New(baseURL string, store credstore.Store, refresher Refresher, opts ...Option) *Pipeline {
	p := &Pipeline{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		store:          store,
		refresher:      refresher,
		log:            slog.Default(),
		shared:         true,
		refreshTimeout: defaultRefreshTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OnSessionExpired registers fn to run after a failed refresh has cleared the store.
func (p *Pipeline) OnSessionExpired(fn func(ctx context.Context)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExpired = append(p.onExpired, fn)
}

// Send dispatches req. A 2xx response returns (resp, nil); any other status
// returns the response together with an *APIError. A 401 is retried at most
// once after a successful refresh; a failed refresh clears the store and
// returns ErrSessionExpired.
func (p *Pipeline) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}
	return p.send(ctx, req, body, "")
}

// send dispatches req. A non-empty access marks the retry: that token is
// attached as is and a second 401 is final.
func (p *Pipeline) send(ctx context.Context, req Request, body []byte, access string) (*Response, error) {
	retried := access != ""

	resp, err := p.dispatch(ctx, req, body, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	apiErr := newAPIError(resp.StatusCode, resp.Body)
	if resp.StatusCode != http.StatusUnauthorized || retried || req.Public {
		return resp, apiErr
	}

	refresh, ok := p.store.Refresh(ctx)
	if !ok {
		return resp, apiErr
	}

	newAccess, err := p.refreshAccess(ctx, refresh)
	if err != nil {
		p.log.Debug("request_not_retried", "method", req.Method, "path", req.Path, "error", err)
		return nil, err
	}
	return p.send(ctx, req, body, newAccess)
}

// refreshAccess waits for the refresh of refresh to finish or for ctx to end.
// Giving up early leaves the refresh running; its outcome still reaches the
// store and the other waiters.
func (p *Pipeline) refreshAccess(ctx context.Context, refresh string) (string, error) {
	var ch <-chan singleflight.Result
	if p.shared {
		ch = p.group.DoChan(refresh, func() (any, error) {
			return p.refreshOnce(ctx, refresh)
		})
	} else {
		own := make(chan singleflight.Result, 1)
		go func() {
			v, err := p.refreshOnce(ctx, refresh)
			own <- singleflight.Result{Val: v, Err: err}
		}()
		ch = own
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for token refresh: %w", ctx.Err())
	}
}

// refreshOnce exchanges refresh for a new access token and applies the result
// to the store: the new pair on success, a cleared store and expiry listeners
// on failure. It never observes the cancellation of ctx.
func (p *Pipeline) refreshOnce(ctx context.Context, refresh string) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.refreshTimeout)
	defer cancel()

	access, err := p.refresher.Refresh(ctx, refresh)
	if err == nil && access == "" {
		err = errors.New("refresh returned an empty access token")
	}
	if err != nil {
		p.store.Clear(ctx)
		p.log.Warn("session_expired", "reason", "refresh failed", "error", err)
		p.notifyExpired(ctx)
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	p.store.SetTokens(ctx, access, refresh)
	p.log.Debug("access_token_refreshed")
	return access, nil
}

// dispatch sends one HTTP request. Unless access is given, the bearer token is
// read from the store at this point.
func (p *Pipeline) dispatch(ctx context.Context, req Request, body []byte, access string) (*Response, error) {
	target, err := p.url(req)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if !req.Public {
		if access == "" {
			access, _ = p.store.Access(ctx)
		}
		if access != "" {
			httpReq.Header.Set("Authorization", "Bearer "+access)
		}
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func (p *Pipeline) url(req Request) (string, error) {
	raw := p.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	return u.String(), nil
}

func (p *Pipeline) notifyExpired(ctx context.Context) {
	p.mu.RLock()
	listeners := append([]func(context.Context){}, p.onExpired...)
	p.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx)
	}
}

func encodeBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return data, nil
}
