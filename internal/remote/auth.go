package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/imamik/bmconductor/internal/node"
)

// PasswordAuthenticator exchanges a username and password for a token at
// an identity endpoint.
//
// The request body is
//
//	{"auth": {"tenantName": ..., "passwordCredentials": {"username": ..., "password": ...}}}
//
// and the response carries access.token.id and access.token.expires. When
// the endpoint omits expires, the exp claim of the token is used if the
// token is a JWT.
type PasswordAuthenticator struct {
	URL      string
	Username string
	Password string
	Tenant   string

	HTTPClient *http.Client
}

type authRequest struct {
	Auth struct {
		TenantName          string `json:"tenantName,omitempty"`
		PasswordCredentials struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"passwordCredentials"`
	} `json:"auth"`
}

type authResponse struct {
	Access struct {
		Token struct {
			ID      string `json:"id"`
			Expires string `json:"expires"`
		} `json:"token"`
	} `json:"access"`
}

// Authenticate performs the exchange.
func (a *PasswordAuthenticator) Authenticate(ctx context.Context) (Credential, error) {
	var body authRequest
	body.Auth.TenantName = a.Tenant
	body.Auth.PasswordCredentials.Username = a.Username
	body.Auth.PasswordCredentials.Password = a.Password

	payload, err := json.Marshal(body)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to encode credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, authError(node.KindFatal, "invalid identity endpoint", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, authError(node.KindFatal, "identity endpoint unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Credential{}, authError(node.KindAuthFailure,
			fmt.Sprintf("credentials rejected by identity endpoint (HTTP %d)", resp.StatusCode), nil)
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credential{}, authError(node.KindFatal,
			fmt.Sprintf("identity endpoint returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)), nil)
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credential{}, authError(node.KindFatal, "malformed identity response", err)
	}
	token := out.Access.Token.ID
	if token == "" {
		return Credential{}, authError(node.KindFatal, "identity response carries no token", nil)
	}

	expires, err := tokenExpiry(token, out.Access.Token.Expires)
	if err != nil {
		return Credential{}, authError(node.KindFatal, "cannot determine credential expiry", err)
	}
	return Credential{Token: token, ExpiresAt: expires.UTC()}, nil
}

// tokenExpiry prefers the explicit expires value and falls back to the exp
// claim of a JWT token. The token signature is not verified; the backend
// does that.
func tokenExpiry(token, expires string) (time.Time, error) {
	if expires != "" {
		t, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid expires %q: %w", expires, err)
		}
		return t, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("no expires given and token is not a JWT: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return exp.Time, nil
}

func authError(kind node.Kind, msg string, cause error) error {
	return &node.Error{Kind: kind, Method: "authenticate", Msg: msg, Err: cause}
}
