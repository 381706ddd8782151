// Package rest is a client for the CircleChat REST collaborator: profile
// lookups and message history.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/rs/zerolog/log"
)

const DefaultHistoryLimit = 50

// APIError is a non-2xx response; Detail carries the server's "detail" field.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Detail)
}

var ErrNoDisplayName = errors.New("api: profile has no display name")

type Profile struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName *string       `json:"display_name"`
}

type Client struct {
	base  string
	token core.TokenProvider
	http  *http.Client
}

var _ core.ProfileResolver = (*Client)(nil)

func New(baseURL string, token core.TokenProvider) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// DisplayName implements core.ProfileResolver.
func (c *Client) DisplayName(ctx context.Context, id domain.UserID) (string, error) {
	var out struct {
		DisplayName *string `json:"display_name"`
	}
	if err := c.get(ctx, "/users/profile/by-id/"+url.PathEscape(string(id)), &out); err != nil {
		return "", err
	}
	if out.DisplayName == nil || strings.TrimSpace(*out.DisplayName) == "" {
		return "", ErrNoDisplayName
	}
	return strings.TrimSpace(*out.DisplayName), nil
}

func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.get(ctx, "/users/me", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Messages returns a page of group history, oldest first.
func (c *Client) Messages(ctx context.Context, group domain.GroupID, limit, offset int) ([]wire.Chat, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out []wire.Chat
	if err := c.get(ctx, "/groups/"+url.PathEscape(string(group))+"/messages?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "rest").Msg("token unavailable, sending anonymous request")
		} else if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &e) != nil || e.Detail == "" {
			e.Detail = strings.TrimSpace(string(body))
		}
		return &APIError{Status: resp.StatusCode, Detail: e.Detail}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}
