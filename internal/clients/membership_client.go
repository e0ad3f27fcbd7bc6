// internal/clients/membership_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"memberportal/internal/membership"
)

const maxResponseBytes = 4 << 20

// APIError is an error answer from the membership service.
type APIError struct {
	Status  int
	Code    membership.Code
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("membership api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Options tunes a MembershipClient.
type Options struct {
	HTTPClient *http.Client
	// NearExpiry is how long before expiry a cached card is refreshed when
	// the card carries no refreshAt of its own.
	NearExpiry time.Duration
	Now        func() time.Time
}

// MembershipClient talks to the membership service and keeps the most recent
// membership card so it can still be presented while the service is unreachable.
type MembershipClient struct {
	baseURL    string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	nearExpiry time.Duration
	now        func() time.Time

	mu      sync.Mutex
	session string
	card    *membership.MembershipToken
}

func NewMembershipClient(baseURL string, opts Options) *MembershipClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.NearExpiry <= 0 {
		opts.NearExpiry = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MembershipClient{
		baseURL:    baseURL,
		http:       opts.HTTPClient,
		nearExpiry: opts.NearExpiry,
		now:        opts.Now,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "membership",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Verify asks the public gateway about a member number or token.
func (c *MembershipClient) Verify(ctx context.Context, in membership.VerifyInput) (*membership.VerifyResult, error) {
	q := url.Values{}
	if in.MemberNo != "" {
		q.Set("memberNo", in.MemberNo)
	}
	if in.Token != "" {
		q.Set("token", in.Token)
	}

	var res membership.VerifyResult
	if err := c.call(ctx, http.MethodGet, "/verify?"+q.Encode(), nil, false, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Login opens a session used by the authenticated calls.
func (c *MembershipClient) Login(ctx context.Context, email, password string) (*membership.Session, error) {
	body := map[string]string{"email": email, "password": password}
	var session membership.Session
	if err := c.call(ctx, http.MethodPost, "/login", body, false, &session); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.session = session.Token
	c.mu.Unlock()
	return &session, nil
}

func (c *MembershipClient) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	var member membership.Member
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/members/%s", id), nil, true, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// Card returns the member's offline card. A cached card that is not near
// expiry is returned without a round trip. When the service cannot be reached
// the cached card is returned for as long as it has not expired.
func (c *MembershipClient) Card(ctx context.Context, memberID uuid.UUID) (*membership.MembershipToken, error) {
	now := c.now()
	c.mu.Lock()
	cached := c.card
	c.mu.Unlock()
	if cached != nil && !cached.DueForRefresh(now, c.nearExpiry) {
		return cached, nil
	}

	var tok membership.MembershipToken
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/members/%s/card", memberID), nil, true, &tok)
	if err != nil {
		var apiErr *APIError
		offline := !errors.As(err, &apiErr) || apiErr.Status >= http.StatusInternalServerError
		if offline && cached != nil && cached.ExpiresAt.After(now) {
			return cached, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.card = &tok
	c.mu.Unlock()
	return &tok, nil
}

// CachedCard returns the last card fetched, if it has not expired.
func (c *MembershipClient) CachedCard() (*membership.MembershipToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.card == nil || !c.card.ExpiresAt.After(c.now()) {
		return nil, false
	}
	return c.card, true
}

// call performs one request through the circuit breaker. Only transport
// failures and 5xx answers count against the breaker.
func (c *MembershipClient) call(ctx context.Context, method, path string, body any, auth bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	type answer struct {
		status int
		data   []byte
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if auth && session != "" {
			req.Header.Set("Authorization", "Bearer "+session)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, decodeAPIError(resp.StatusCode, data)
		}
		return answer{status: resp.StatusCode, data: data}, nil
	})
	if err != nil {
		return err
	}

	a := result.(answer)
	if a.status >= http.StatusBadRequest {
		return decodeAPIError(a.status, a.data)
	}
	if err := json.Unmarshal(a.data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) *APIError {
	var body struct {
		Error struct {
			Code    membership.Code `json:"code"`
			Message string          `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
