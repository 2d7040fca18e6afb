// Package broker provides the Capital.com trading API client used to execute
// webhook-driven orders. It owns the broker session lifecycle (login, token
// refresh, account selection) and the order submission/confirmation flow.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Capital.com base endpoints by environment.
const (
	demoBaseURL = "https://demo-api-capital.backend-capital.com"
	liveBaseURL = "https://api-capital.backend-capital.com"
)

// Session token header names. Both are issued by the login call and required
// on every subsequent trading call.
const (
	headerCST           = "CST"
	headerSecurityToken = "X-SECURITY-TOKEN"
	headerAPIKey        = "X-CAP-API-KEY"
)

// sessionFreshness is how long a session is trusted without re-login.
// Capital.com expires idle sessions after 10 minutes; refreshing at 7 leaves
// margin for in-flight calls.
const sessionFreshness = 420 * time.Second

// defaultRequestRate caps outbound broker calls (Capital.com allows 10 req/s
// per session; stay under it).
const defaultRequestRate = 8

// APIError represents a broker error with upstream status code and response
// body. DealReference is set when an order was already submitted before the
// failing call, so the caller can reconcile the position manually.
type APIError struct {
	Status        int
	Body          string
	DealReference string
}

func (e *APIError) Error() string {
	if e.DealReference != "" {
		return fmt.Sprintf("API error %d (deal reference %s): %s", e.Status, e.DealReference, e.Body)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// CapitalAPI is a Capital.com REST client holding the process-wide session
// state. Construct once and share; all methods are safe for concurrent use.
type CapitalAPI struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	identifier string
	password   string
	accountID  string
	timeout    time.Duration
	limiter    *rate.Limiter

	mu            sync.Mutex
	cst           string
	securityToken string
	lastAuth      time.Time
	loginGroup    singleflight.Group
}

// NewCapitalAPI creates a Capital.com client against the demo or live
// environment. accountID is optional; when set, the session switches to that
// account right after login.
func NewCapitalAPI(apiKey, identifier, password, accountID string, demo bool) *CapitalAPI {
	return NewCapitalAPIWithBaseURL(apiKey, identifier, password, accountID, demo, "")
}

// NewCapitalAPIWithBaseURL creates a client with an explicit base URL,
// overriding the environment selection. Used by tests and self-hosted proxies.
func NewCapitalAPIWithBaseURL(apiKey, identifier, password, accountID string, demo bool, baseURL string) *CapitalAPI {
	if baseURL == "" {
		if demo {
			baseURL = demoBaseURL
		} else {
			baseURL = liveBaseURL
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	const defaultTimeout = 20 * time.Second
	return &CapitalAPI{
		client:     &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		identifier: identifier,
		password:   password,
		accountID:  accountID,
		timeout:    defaultTimeout,
		limiter:    rate.NewLimiter(rate.Limit(defaultRequestRate), defaultRequestRate),
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (c *CapitalAPI) WithHTTPClient(hc *http.Client) *CapitalAPI {
	if hc != nil {
		c.client = hc
	}
	return c
}

// WithTimeout sets the per-call HTTP timeout.
func (c *CapitalAPI) WithTimeout(timeout time.Duration) *CapitalAPI {
	if timeout > 0 {
		c.timeout = timeout
		c.client.Timeout = timeout
	}
	return c
}

// ============ API Response Structures ============

// AccountsResponse wraps the account listing payload.
type AccountsResponse struct {
	Accounts []Account `json:"accounts"`
}

// Account is a single trading account visible to the session.
type Account struct {
	AccountID   string         `json:"accountId"`
	AccountName string         `json:"accountName"`
	Currency    string         `json:"currency"`
	Preferred   bool           `json:"preferred"`
	Balance     AccountBalance `json:"balance"`
}

// AccountBalance carries the monetary state of an account. Available is the
// equity usable for new positions and drives cash-fraction sizing.
type AccountBalance struct {
	Balance    float64 `json:"balance"`
	Deposit    float64 `json:"deposit"`
	ProfitLoss float64 `json:"profitLoss"`
	Available  float64 `json:"available"`
}

// MarketDetailsResponse describes a tradable instrument. The dealing rules are
// exposed so callers can refine quantity rounding per instrument.
type MarketDetailsResponse struct {
	Instrument struct {
		Epic     string  `json:"epic"`
		Name     string  `json:"name"`
		Type     string  `json:"type"`
		LotSize  float64 `json:"lotSize"`
		Currency string  `json:"currency"`
	} `json:"instrument"`
	DealingRules struct {
		MinDealSize struct {
			Unit  string  `json:"unit"`
			Value float64 `json:"value"`
		} `json:"minDealSize"`
	} `json:"dealingRules"`
	Snapshot struct {
		MarketStatus string  `json:"marketStatus"`
		Bid          float64 `json:"bid"`
		Offer        float64 `json:"offer"`
	} `json:"snapshot"`
}

// Direction is the broker-side order direction.
type Direction string

// Order directions.
const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the flattening direction for a position opened this way.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderIntent is the fully-derived order handed to the execution engine.
// It exists only for the duration of one placement call.
type OrderIntent struct {
	Epic        string
	Direction   Direction
	Size        float64
	StopLevel   *float64
	ProfitLevel *float64
}

// ConfirmationStatus is the broker's verdict on a submitted order.
type ConfirmationStatus string

// Confirmation statuses. StatusUnknown covers the partial-success case where
// the order was accepted for processing but no confirmation is available yet.
const (
	StatusAccepted ConfirmationStatus = "accepted"
	StatusRejected ConfirmationStatus = "rejected"
	StatusUnknown  ConfirmationStatus = "unknown"
)

// Confirmation is the broker's authoritative record for a submitted order.
type Confirmation struct {
	DealReference string             `json:"deal_reference"`
	Status        ConfirmationStatus `json:"status"`
	RawDetail     json.RawMessage    `json:"raw_detail,omitempty"`
}

type dealReferenceResponse struct {
	DealReference string `json:"dealReference"`
}

type confirmsResponse struct {
	DealReference string `json:"dealReference"`
	DealStatus    string `json:"dealStatus"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
}

type positionRequest struct {
	Epic        string    `json:"epic"`
	Direction   Direction `json:"direction"`
	Size        float64   `json:"size"`
	OrderType   string    `json:"orderType"`
	StopLevel   *float64  `json:"stopLevel,omitempty"`
	ProfitLevel *float64  `json:"profitLevel,omitempty"`
}

type closeRequest struct {
	DealID    string    `json:"dealId"`
	Direction Direction `json:"direction"`
	Size      float64   `json:"size"`
}

// ============ API Methods ============

// Ping keeps the current session alive without trading side effects.
func (c *CapitalAPI) Ping(ctx context.Context) error {
	auth, err := c.AuthHeaders()
	if err != nil {
		return err
	}
	_, err = c.doJSON(ctx, http.MethodGet, "/api/v1/ping", auth, nil, nil)
	return err
}

// GetMarketDetails retrieves instrument details for an epic, including the
// dealing rules needed for lot-size aware quantity rounding.
func (c *CapitalAPI) GetMarketDetails(ctx context.Context, epic string) (*MarketDetailsResponse, error) {
	auth, err := c.AuthHeaders()
	if err != nil {
		return nil, err
	}
	var response MarketDetailsResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/v1/markets/"+epic, auth, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// ListAccounts fetches all accounts visible to the session.
func (c *CapitalAPI) ListAccounts(ctx context.Context) ([]Account, error) {
	auth, err := c.AuthHeaders()
	if err != nil {
		return nil, err
	}
	var response AccountsResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/v1/accounts", auth, nil, &response); err != nil {
		return nil, err
	}
	return response.Accounts, nil
}

// PickSizingAccount selects the account whose equity funds cash-fraction
// sizing: the one flagged preferred, else the first returned. ErrNoAccount
// when the listing is empty.
func (c *CapitalAPI) PickSizingAccount(ctx context.Context) (*Account, error) {
	accounts, err := c.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].Preferred {
			return &accounts[i], nil
		}
	}
	if len(accounts) > 0 {
		return &accounts[0], nil
	}
	return nil, ErrNoAccount
}

// OpenPosition submits a market order and retrieves its execution
// confirmation. Two sequential network effects are required for a definitive
// result; if the submission yields no deal reference the submission response
// itself is returned with StatusUnknown. A confirmation fetch failure after a
// successful submission surfaces as an *APIError carrying the deal reference.
// No retries are performed: the positions endpoint is not idempotent.
func (c *CapitalAPI) OpenPosition(ctx context.Context, intent OrderIntent) (*Confirmation, error) {
	auth, err := c.AuthHeaders()
	if err != nil {
		return nil, err
	}

	payload := positionRequest{
		Epic:        intent.Epic,
		Direction:   intent.Direction,
		Size:        intent.Size,
		OrderType:   "MARKET",
		StopLevel:   intent.StopLevel,
		ProfitLevel: intent.ProfitLevel,
	}

	raw := json.RawMessage{}
	if _, err := c.doJSON(ctx, http.MethodPost, "/api/v1/positions", auth, payload, &raw); err != nil {
		return nil, err
	}

	var submitted dealReferenceResponse
	if err := json.Unmarshal(raw, &submitted); err != nil {
		return nil, fmt.Errorf("decoding order submission response: %w", err)
	}
	if submitted.DealReference == "" {
		// Accepted for processing, confirmation not yet addressable.
		return &Confirmation{Status: StatusUnknown, RawDetail: raw}, nil
	}

	return c.confirm(ctx, submitted.DealReference)
}

// ClosePosition flattens an existing position by submitting an
// opposite-direction order against its deal id. Same response shape as open.
func (c *CapitalAPI) ClosePosition(ctx context.Context, dealID string, direction Direction, size float64) (*Confirmation, error) {
	auth, err := c.AuthHeaders()
	if err != nil {
		return nil, err
	}

	payload := closeRequest{DealID: dealID, Direction: direction, Size: size}

	raw := json.RawMessage{}
	if _, err := c.doJSON(ctx, http.MethodDelete, "/api/v1/positions", auth, payload, &raw); err != nil {
		return nil, err
	}

	var submitted dealReferenceResponse
	if err := json.Unmarshal(raw, &submitted); err != nil {
		return nil, fmt.Errorf("decoding close response: %w", err)
	}
	if submitted.DealReference == "" {
		return &Confirmation{Status: StatusUnknown, RawDetail: raw}, nil
	}

	return c.confirm(ctx, submitted.DealReference)
}

// confirm fetches the execution status for a just-submitted deal reference.
func (c *CapitalAPI) confirm(ctx context.Context, dealReference string) (*Confirmation, error) {
	auth, err := c.AuthHeaders()
	if err != nil {
		return nil, err
	}

	raw := json.RawMessage{}
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/v1/confirms/"+dealReference, auth, nil, &raw); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			apiErr.DealReference = dealReference
			return nil, apiErr
		}
		return nil, fmt.Errorf("order %s submitted but confirmation fetch failed: %w", dealReference, err)
	}

	var confirmed confirmsResponse
	if err := json.Unmarshal(raw, &confirmed); err != nil {
		return nil, fmt.Errorf("order %s submitted but confirmation undecodable: %w", dealReference, err)
	}

	status := StatusUnknown
	switch strings.ToUpper(confirmed.DealStatus) {
	case "ACCEPTED":
		status = StatusAccepted
	case "REJECTED":
		status = StatusRejected
	}

	ref := confirmed.DealReference
	if ref == "" {
		ref = dealReference
	}
	return &Confirmation{DealReference: ref, Status: status, RawDetail: raw}, nil
}

// doJSON performs one broker HTTP call: throttle, marshal, send, check status,
// decode. The response headers are returned because the login call reads its
// session tokens from them.
func (c *CapitalAPI) doJSON(ctx context.Context, method, path string, headers map[string]string, body, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return nil, &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, path)}
		}
		return nil, &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, path, string(data))}
	}

	if resp.StatusCode == http.StatusNoContent || out == nil {
		return resp.Header, nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return nil, err
	}
	return resp.Header, nil
}
