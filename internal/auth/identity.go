// Package auth derives participant identity from bearer tokens. Tokens are
// decoded, not verified: signature checks belong to the identity provider
// sitting in front of the relay.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
)

// DevUserID is the identity given to requests without any credential.
const DevUserID domain.UserID = "dev_user"

var ErrMalformedToken = errors.New("auth: malformed token")

type Claims struct {
	Sub       string `json:"sub"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	Email     string `json:"email"`
}

// Subject prefers sub over user_id.
func (c Claims) Subject() domain.UserID {
	if c.Sub != "" {
		return domain.UserID(c.Sub)
	}
	return domain.UserID(c.UserID)
}

// DisplayName picks the first non-empty naming claim.
func (c Claims) DisplayName() string {
	for _, s := range []string{c.Username, c.Name, c.FirstName, c.Email} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// DecodeClaims reads the payload segment of a JWT.
func DecodeClaims(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrMalformedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return Claims{}, errors.Join(ErrMalformedToken, err)
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, errors.Join(ErrMalformedToken, err)
	}
	return c, nil
}

// UserFromToken resolves the user a token speaks for. ok is false when the
// token carries no usable subject.
func UserFromToken(token string) (*domain.User, bool) {
	c, err := DecodeClaims(token)
	if err != nil || c.Subject() == "" {
		return nil, false
	}
	u, err := domain.NewUser(c.Subject(), c.DisplayName())
	if err != nil {
		// Oversized naming claims fall back to the bare id.
		u, err = domain.NewUser(c.Subject(), "")
		if err != nil {
			return nil, false
		}
	}
	return u, true
}

// StaticToken is a TokenProvider for a fixed credential.
func StaticToken(token string) core.TokenProvider {
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return token, nil
	}
}

// EncodeUnsigned builds an unsigned token for claims, for development clients.
func EncodeUnsigned(c Claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".", nil
}
