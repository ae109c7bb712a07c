package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("not authorized")

// Identity is what the auth service said about a connection. Anonymous
// identities are admitted with no claims.
type Identity struct {
	Anonymous bool
	Account   string
	Claims    map[string]any
}

type Authorizer interface {
	Authorize(r *http.Request) (Identity, error)
}

// AllowAnonymous admits every request with an anonymous identity.
type AllowAnonymous struct{}

func (AllowAnonymous) Authorize(*http.Request) (Identity, error) {
	return Identity{Anonymous: true}, nil
}

// TokenAuthorizer validates "Authorization: Bearer <token>" against
// POST <URL>/token.
type TokenAuthorizer struct {
	URL    string
	Client *http.Client
}

func NewTokenAuthorizer(url string) *TokenAuthorizer {
	return &TokenAuthorizer{
		URL:    strings.TrimRight(url, "/"),
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (a *TokenAuthorizer) Authorize(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || token == "" {
		return Identity{}, ErrUnauthorized
	}

	body, _ := json.Marshal(map[string]any{"token": token, "restricted": false})
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, a.URL+"/token", bytes.NewReader(body))
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := a.Client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 16*1024))
		return Identity{}, fmt.Errorf("%w: status=%d", ErrUnauthorized, resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	id := Identity{Claims: claims}
	id.Account, _ = claims["account"].(string)
	return id, nil
}
