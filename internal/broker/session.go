package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotAuthenticated means a trading call was attempted before any login
// succeeded. Reaching it is an ordering defect: EnsureSession must run first.
var ErrNotAuthenticated = errors.New("not authenticated: no broker session established")

// ErrNoAccount means the broker returned an empty account list.
var ErrNoAccount = errors.New("no accounts returned by broker")

// AuthError indicates the broker rejected the credentials or the login
// response omitted one of the session tokens.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

type loginRequest struct {
	Identifier        string `json:"identifier"`
	Password          string `json:"password"`
	EncryptedPassword bool   `json:"encryptedPassword"`
}

type switchAccountRequest struct {
	AccountID string `json:"accountId"`
}

// EnsureSession guarantees a valid broker session before trading calls. When
// force is false and the last login is within the freshness window it returns
// without any network call. Concurrent callers that do need a login share a
// single in-flight one via singleflight; the post-dedup freshness re-check
// keeps the window authoritative for callers that queued behind it.
func (c *CapitalAPI) EnsureSession(ctx context.Context, force bool) error {
	if !force && c.sessionFresh() {
		return nil
	}
	_, err, _ := c.loginGroup.Do("login", func() (any, error) {
		if !force && c.sessionFresh() {
			return nil, nil
		}
		return nil, c.login(ctx)
	})
	return err
}

func (c *CapitalAPI) sessionFresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cst != "" && c.securityToken != "" && time.Since(c.lastAuth) < sessionFreshness
}

// login performs the session call and records both security tokens from the
// response headers. The login endpoint authenticates with the static API key;
// everything after it uses the tokens.
func (c *CapitalAPI) login(ctx context.Context) error {
	payload := loginRequest{
		Identifier:        c.identifier,
		Password:          c.password,
		EncryptedPassword: false,
	}
	headers := map[string]string{headerAPIKey: c.apiKey}

	respHeader, err := c.doJSON(ctx, http.MethodPost, "/api/v1/session", headers, payload, nil)
	if err != nil {
		return &AuthError{Reason: "session call failed", Err: err}
	}

	cst := respHeader.Get(headerCST)
	securityToken := respHeader.Get(headerSecurityToken)
	if cst == "" || securityToken == "" {
		return &AuthError{Reason: "login response missing security tokens"}
	}

	c.mu.Lock()
	c.cst = cst
	c.securityToken = securityToken
	c.lastAuth = time.Now()
	c.mu.Unlock()

	if c.accountID != "" {
		auth, err := c.AuthHeaders()
		if err != nil {
			return err
		}
		payload := switchAccountRequest{AccountID: c.accountID}
		if _, err := c.doJSON(ctx, http.MethodPut, "/api/v1/session", auth, payload, nil); err != nil {
			return &AuthError{Reason: "switching account " + c.accountID, Err: err}
		}
	}
	return nil
}

// AuthHeaders returns the two current session tokens for request-level
// credentials. ErrNotAuthenticated when no login has ever succeeded.
func (c *CapitalAPI) AuthHeaders() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cst == "" || c.securityToken == "" {
		return nil, ErrNotAuthenticated
	}
	return map[string]string{
		headerCST:           c.cst,
		headerSecurityToken: c.securityToken,
	}, nil
}
