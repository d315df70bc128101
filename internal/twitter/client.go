package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"socialfeed/internal/metrics"
	"socialfeed/internal/store"
)

// SaveCredentials persists refreshed tokens back to the store.
type SaveCredentials func(ctx context.Context, creds store.BotAccountCredentials) error

// Client executes authenticated calls against the platform's endpoints while
// respecting each endpoint's quota, and transparently refreshes the OAuth2
// token. Every endpoint has a single-concurrency FIFO dispatch queue with a
// minimum spacing between requests.
type Client struct {
	baseURL    string
	tokenURL   string
	httpClient *http.Client
	log        zerolog.Logger

	maxAttempts int
	backoffSeed time.Duration
	dispatchGap time.Duration

	credsMu   sync.Mutex
	creds     store.BotAccountCredentials
	saveCreds SaveCredentials
	refreshMu sync.Mutex

	epMu      sync.Mutex
	endpoints map[Endpoint]*endpointState

	done      chan struct{}
	closeOnce sync.Once

	events chan ClientEvent
}

type endpointState struct {
	id      Endpoint
	spacing *rate.Limiter
	calls   chan *apiCall

	mu                 sync.Mutex
	rateLimitRemaining int
	rateLimitReset     time.Time
	backoff            time.Duration
	rateLimitedUntil   time.Time
}

type apiCall struct {
	ctx   context.Context
	build func(ctx context.Context) (*http.Request, error)
	done  chan apiResult
}

type apiResult struct {
	status int
	body   []byte
	err    error
}

// NewClient builds a platform client for one bot account's credentials.
// saveCreds, when non-nil, is invoked after every successful token refresh.
func NewClient(creds store.BotAccountCredentials, saveCreds SaveCredentials, log zerolog.Logger) *Client {
	return &Client{
		baseURL:     "https://api.twitter.com/2",
		tokenURL:    "https://api.twitter.com/2/oauth2/token",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log.With().Str("component", "twitter-client").Str("account", creds.Username).Logger(),
		maxAttempts: maxRequestAttempt,
		backoffSeed: initialBackoff,
		dispatchGap: minDispatchGap,
		creds:       creds,
		saveCreds:   saveCreds,
		endpoints:   make(map[Endpoint]*endpointState),
		done:        make(chan struct{}),
		events:      make(chan ClientEvent, 64),
	}
}

// Close stops the per-endpoint dispatch workers. Calls issued after Close
// fail with ErrClientClosed. Close is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Events exposes the client's diagnostic event stream. The channel is
// buffered; events are dropped rather than blocking request handling.
func (c *Client) Events() <-chan ClientEvent { return c.events }

// UpdateCredentials swaps in externally refreshed credentials, e.g. from a
// store live query over the account document.
func (c *Client) UpdateCredentials(creds store.BotAccountCredentials) {
	c.credsMu.Lock()
	c.creds = creds
	c.credsMu.Unlock()
}

// Credentials returns a copy of the current credentials.
func (c *Client) Credentials() store.BotAccountCredentials {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()
	return c.creds
}

// RateLimitedUntil reports when the endpoint's suppression expires; zero if
// the endpoint is not currently rate limited.
func (c *Client) RateLimitedUntil(id Endpoint) time.Time {
	ep := c.endpoint(id)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.rateLimitedUntil
}

// GetUsers resolves up to 100 usernames in one batched lookup. Per-username
// misses come back in the response's errors list, not as call failures.
func (c *Client) GetUsers(ctx context.Context, usernames []string) ([]User, []APIError, error) {
	body, err := c.do(ctx, EndpointBatchedGetUser, func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("%s/users/by?usernames=%s", c.baseURL, url.QueryEscape(strings.Join(usernames, ",")))
		return c.newRequest(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, nil, err
	}
	var parsed basicResponse[[]User]
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decode batched user lookup: %w", err)
	}
	return parsed.Data, parsed.Errors, nil
}

// CreateList creates a platform-side list owned by this account.
func (c *Client) CreateList(ctx context.Context, name string) (string, error) {
	payload := map[string]string{"name": name}
	body, err := c.do(ctx, EndpointCreateList, func(ctx context.Context) (*http.Request, error) {
		return c.newJSONRequest(ctx, http.MethodPost, c.baseURL+"/lists", payload)
	})
	if err != nil {
		return "", err
	}
	var parsed basicResponse[createListData]
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode create list: %w", err)
	}
	if parsed.Data.ID == "" {
		return "", fmt.Errorf("create list %q: empty id in response", name)
	}
	return parsed.Data.ID, nil
}

// AddListMember adds a user to a list, reporting whether the platform now
// considers the user a member.
func (c *Client) AddListMember(ctx context.Context, listID, userID string) (bool, error) {
	payload := map[string]string{"user_id": userID}
	body, err := c.do(ctx, EndpointAddListMember, func(ctx context.Context) (*http.Request, error) {
		return c.newJSONRequest(ctx, http.MethodPost, fmt.Sprintf("%s/lists/%s/members", c.baseURL, listID), payload)
	})
	if err != nil {
		return false, err
	}
	var parsed basicResponse[listMembershipData]
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, fmt.Errorf("decode add list member: %w", err)
	}
	return parsed.Data.IsMember, nil
}

// RemoveListMember removes a user from a list, reporting whether the user is
// still a member afterwards.
func (c *Client) RemoveListMember(ctx context.Context, listID, userID string) (bool, error) {
	body, err := c.do(ctx, EndpointRemoveListMember, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodDelete, fmt.Sprintf("%s/lists/%s/members/%s", c.baseURL, listID, userID), nil)
	})
	if err != nil {
		return false, err
	}
	var parsed basicResponse[listMembershipData]
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, fmt.Errorf("decode remove list member: %w", err)
	}
	return parsed.Data.IsMember, nil
}

// GetListTweets fetches one page of a list's timeline with author and media
// expansions. An empty cursor requests the first page.
func (c *Client) GetListTweets(ctx context.Context, listID, cursor string, limit int) (listTweetsResponse, error) {
	var parsed listTweetsResponse
	body, err := c.do(ctx, EndpointGetListTweets, func(ctx context.Context) (*http.Request, error) {
		u, err := url.Parse(fmt.Sprintf("%s/lists/%s/tweets", c.baseURL, listID))
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("expansions", "author_id,attachments.media_keys")
		q.Set("tweet.fields", "author_id,created_at,id,lang,possibly_sensitive,source,text")
		q.Set("user.fields", "location,name,profile_image_url,username,verified")
		q.Set("media.fields", "height,width,preview_image_url,type,url,alt_text")
		if cursor != "" {
			q.Set("pagination_token", cursor)
		}
		if limit > 0 {
			q.Set("max_results", strconv.Itoa(limit))
		}
		u.RawQuery = q.Encode()
		return c.newRequest(ctx, http.MethodGet, u.String(), nil)
	})
	if err != nil {
		return parsed, err
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return parsed, fmt.Errorf("decode list tweets: %w", err)
	}
	return parsed, nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Credentials().AccessToken)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, u string, payload any) (*http.Request, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, method, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do runs one endpoint call through the endpoint's dispatch queue:
// 200/201 succeed, 401 refreshes and retries, 429
// backs off and retries, 403 suppresses the endpoint for a day, anything
// else is diagnosed and not retried. Retries are capped; exceeding the cap
// is a terminal RequestFailedError.
func (c *Client) do(ctx context.Context, id Endpoint, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	ep := c.endpoint(id)
	attempts := 0
	authRetries := 0
	lastStatus := 0

	for attempts < c.maxAttempts {
		res := c.dispatch(ctx, ep, build)
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(res.err, ErrClientClosed) {
				return nil, res.err
			}
			attempts++
			lastStatus = 0
			continue
		}
		lastStatus = res.status

		switch res.status {
		case http.StatusOK, http.StatusCreated:
			return res.body, nil

		case http.StatusUnauthorized:
			// A successful refresh does not count toward terminal failure.
			if err := c.refreshToken(ctx, true); err != nil {
				attempts++
			} else if authRetries++; authRetries >= c.maxAttempts {
				attempts++
			}

		case http.StatusTooManyRequests:
			metrics.IncAPIRetry(string(id))
			attempts++

		case http.StatusForbidden:
			// The endpoint is already suppressed for 24h by the limiter
			// state; retrying now has no benefit.
			return nil, &RequestFailedError{Endpoint: id, StatusCode: res.status, Attempts: attempts + 1}

		default:
			c.emit(UnknownResponseEvent{Endpoint: id, StatusCode: res.status, Body: string(res.body)})
			c.log.Warn().Str("endpoint", string(id)).Int("status", res.status).Msg("unknown response status")
			return nil, &RequestFailedError{Endpoint: id, StatusCode: res.status, Attempts: attempts + 1}
		}
	}
	return nil, &RequestFailedError{Endpoint: id, StatusCode: lastStatus, Attempts: attempts}
}

// dispatch enqueues the call on the endpoint's FIFO queue and waits for its
// result.
func (c *Client) dispatch(ctx context.Context, ep *endpointState, build func(ctx context.Context) (*http.Request, error)) apiResult {
	select {
	case <-c.done:
		return apiResult{err: ErrClientClosed}
	default:
	}
	call := &apiCall{ctx: ctx, build: build, done: make(chan apiResult, 1)}
	select {
	case ep.calls <- call:
	case <-c.done:
		return apiResult{err: ErrClientClosed}
	case <-ctx.Done():
		return apiResult{err: ctx.Err()}
	}
	select {
	case res := <-call.done:
		return res
	case <-c.done:
		return apiResult{err: ErrClientClosed}
	case <-ctx.Done():
		return apiResult{err: ctx.Err()}
	}
}

func (c *Client) endpoint(id Endpoint) *endpointState {
	c.epMu.Lock()
	defer c.epMu.Unlock()
	ep, ok := c.endpoints[id]
	if !ok {
		ep = &endpointState{
			id:                 id,
			spacing:            rate.NewLimiter(rate.Every(c.dispatchGap), 1),
			calls:              make(chan *apiCall, 1024),
			rateLimitRemaining: 300,
		}
		c.endpoints[id] = ep
		go c.serveEndpoint(ep)
	}
	return ep
}

// serveEndpoint is the endpoint's single dispatch worker: FIFO order,
// minimum spacing between requests, and a wait while the endpoint is marked
// rate-limited-until a future time. The worker exits when the client is
// closed.
func (c *Client) serveEndpoint(ep *endpointState) {
	for {
		var call *apiCall
		select {
		case <-c.done:
			return
		case call = <-ep.calls:
		}
		if err := ep.spacing.Wait(call.ctx); err != nil {
			call.done <- apiResult{err: err}
			continue
		}

		ep.mu.Lock()
		wait := time.Until(ep.rateLimitedUntil)
		ep.mu.Unlock()
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-c.done:
				call.done <- apiResult{err: ErrClientClosed}
				return
			case <-call.ctx.Done():
				call.done <- apiResult{err: call.ctx.Err()}
				continue
			}
		}

		req, err := call.build(call.ctx)
		if err != nil {
			call.done <- apiResult{err: err}
			continue
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			call.done <- apiResult{err: err}
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			call.done <- apiResult{err: err}
			continue
		}
		c.updateRateLimit(ep, resp)
		call.done <- apiResult{status: resp.StatusCode, body: body}
	}
}

// updateRateLimit reads the platform's quota headers into the endpoint state
// and escalates the backoff on 429/403. Any other status clears the backoff.
func (c *Client) updateRateLimit(ep *endpointState, resp *http.Response) {
	remaining, remErr := strconv.Atoi(resp.Header.Get("x-rate-limit-remaining"))
	resetSec, resetErr := strconv.ParseInt(resp.Header.Get("x-rate-limit-reset"), 10, 64)

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if remErr == nil {
		ep.rateLimitRemaining = remaining
	}
	if resetErr == nil {
		ep.rateLimitReset = time.Unix(resetSec, 0)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		backoff := ep.backoff
		if backoff <= 0 {
			backoff = c.backoffSeed
		} else {
			backoff *= 2
		}
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		// Adding list members burns quota fastest; pin it to the ceiling.
		if ep.id == EndpointAddListMember {
			backoff = maxBackoff
		}
		ep.backoff = backoff

		delay := backoff
		if remErr == nil && ep.rateLimitRemaining == 0 && resetErr == nil {
			if until := time.Until(ep.rateLimitReset); until > 0 {
				delay = until
			}
		}
		ep.rateLimitedUntil = time.Now().Add(delay)
		metrics.RateLimited.WithLabelValues(string(ep.id)).Inc()
		c.emit(RateLimitExceededEvent{Endpoint: ep.id, RateLimitedUntil: ep.rateLimitedUntil})
		c.log.Warn().Str("endpoint", string(ep.id)).Time("until", ep.rateLimitedUntil).Msg("endpoint rate limited")

	case http.StatusForbidden:
		ep.backoff = suppression403
		ep.rateLimitedUntil = time.Now().Add(suppression403)
		metrics.RateLimited.WithLabelValues(string(ep.id)).Inc()
		c.emit(RateLimitExceededEvent{Endpoint: ep.id, RateLimitedUntil: ep.rateLimitedUntil})

	default:
		ep.backoff = 0
	}
}

func (c *Client) emit(ev ClientEvent) {
	select {
	case c.events <- ev:
	default:
	}
}

// tokenValid reports whether the refresh token still has more than five
// minutes of validity left.
func (c *Client) tokenValid() bool {
	creds := c.Credentials()
	if creds.RefreshTokenValidUntil.IsZero() {
		return false
	}
	return creds.RefreshTokenValidUntil.After(time.Now().Add(fiveMin))
}

// KeepTokenFresh refreshes immediately, then proactively every minute until
// ctx is cancelled. Refresh failures are reported as events, never raised
// into unrelated call sites.
func (c *Client) KeepTokenFresh(ctx context.Context) {
	refresh := func() {
		if err := c.refreshToken(ctx, false); err != nil {
			metrics.TokenRefreshErrors.Inc()
			c.emit(TokenRefreshErrorEvent{Err: err})
			c.log.Error().Err(err).Msg("token refresh failed")
		}
	}
	refresh()
	t := time.NewTicker(refreshCadence)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			refresh()
		}
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refreshToken exchanges the OAuth2 refresh token unless it is still valid
// (and force is false). New tokens are persisted via the save callback.
func (c *Client) refreshToken(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.tokenValid() && !force {
		return nil
	}

	creds := c.Credentials()
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)
	form.Set("client_id", creds.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(creds.ClientID, creds.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh: status %d", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decode token refresh: %w", err)
	}
	if tok.RefreshToken == "" {
		return fmt.Errorf("token refresh: no refresh token in response")
	}

	expiresIn := time.Duration(tok.ExpiresIn) * time.Second
	c.credsMu.Lock()
	c.creds.AccessToken = tok.AccessToken
	c.creds.RefreshToken = tok.RefreshToken
	c.creds.RefreshTokenValidUntil = time.Now().Add(expiresIn)
	updated := c.creds
	c.credsMu.Unlock()

	metrics.TokenRefreshes.Inc()
	c.emit(TokenRefreshedEvent{ExpiresIn: expiresIn})
	if c.saveCreds != nil {
		if err := c.saveCreds(ctx, updated); err != nil {
			c.log.Error().Err(err).Msg("failed to persist refreshed credentials")
		}
	}
	return nil
}
