// Package identity verifies the bearer tokens issued by the auth service and reads its
// player directory.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/zond/tilehub"

	goccy "github.com/goccy/go-json"
)

var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
)

type Verifier interface {
	// Verify returns the player id (the token subject) of a valid token.
	Verify(token string) (string, error)
}

// HS256Verifier checks HMAC-SHA256 signed tokens. The auth service issues tokens without
// expiry, so exp is honored when present but not required.
type HS256Verifier struct {
	secret []byte
}

func NewHS256Verifier(secret string) *HS256Verifier {
	return &HS256Verifier{secret: []byte(secret)}
}

func (v *HS256Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", tilehub.WithStack(ErrNoToken)
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", tilehub.WithStack(fmt.Errorf("%w: %v", ErrInvalidToken, err))
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", tilehub.WithStack(fmt.Errorf("%w: %v", ErrInvalidToken, err))
	}
	if sub == "" {
		return "", tilehub.WithStack(fmt.Errorf("%w: no subject", ErrInvalidToken))
	}
	return sub, nil
}

// Issue signs a token shaped like the auth service's, for tools and tests.
func (v *HS256Verifier) Issue(playerID, username string, now time.Time) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      playerID,
		"username": username,
		"iat":      now.Unix(),
	}).SignedString(v.secret)
	if err != nil {
		return "", tilehub.WithStack(err)
	}
	return signed, nil
}

// FromRequest extracts a token from the token query parameter, or else a bearer
// Authorization header.
func FromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return auth[7:]
	}
	return ""
}

type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Directory interface {
	Players(ctx context.Context) ([]Player, error)
}

// HTTPDirectory reads GET <BaseURL>/players.
type HTTPDirectory struct {
	BaseURL string
	Client  *http.Client
}

func (d *HTTPDirectory) Players(ctx context.Context) ([]Player, error) {
	u, err := url.JoinPath(d.BaseURL, "players")
	if err != nil {
		return nil, tilehub.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, tilehub.WithStack(err)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, tilehub.WithStack(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("GET %s: %s", u, resp.Status)
	}
	body := struct {
		Players []Player `json:"players"`
	}{}
	if err := goccy.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, tilehub.WithStack(err)
	}
	if body.Players == nil {
		body.Players = []Player{}
	}
	return body.Players, nil
}
