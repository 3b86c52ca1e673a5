// Package twitter is a small client for the follower graph and profile endpoints.
package twitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/robalyx/followtrack/pkg/utils"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the API root.
	DefaultBaseURL = "https://api.twitter.com"
	// LookupBatchSize is the maximum number of ids per profile lookup.
	LookupBatchSize = 100

	idsPageSize = 5000
)

// api keeps numbers as json.Number so ids and counts survive re-encoding.
var api = sonic.Config{UseNumber: true}.Froze()

// TokenKind distinguishes application-only credentials from user credentials.
type TokenKind int

const (
	TokenKindApp TokenKind = iota
	TokenKindUser
)

func (k TokenKind) String() string {
	if k == TokenKindUser {
		return "user"
	}

	return "app"
}

// ParseTokenKind parses "app" or "user".
func ParseTokenKind(value string) (TokenKind, error) {
	switch strings.ToLower(value) {
	case "app":
		return TokenKindApp, nil
	case "user":
		return TokenKindUser, nil
	default:
		return 0, fmt.Errorf("unknown token kind %q", value)
	}
}

// Credential is a bearer token. UserID is the account behind a user token and
// is what tracked accounts can block.
type Credential struct {
	Kind   TokenKind
	Token  string
	UserID uint64
}

// User is the subset of a profile the tracker needs.
type User struct {
	ID             uint64
	ScreenName     string
	FollowersCount int
	FriendsCount   int
	Protected      bool
}

// UserStatus classifies a looked up account.
type UserStatus int

const (
	StatusActive UserStatus = iota
	StatusProtected
	StatusDeactivated
	StatusSuspended
)

func (s UserStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusProtected:
		return "protected"
	case StatusDeactivated:
		return "deactivated"
	case StatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Code returns the API error code recorded for gone accounts, or 0.
func (s UserStatus) Code() int {
	switch s {
	case StatusDeactivated:
		return CodeUserNotFound
	case StatusSuspended:
		return CodeUserSuspended
	case StatusActive, StatusProtected:
		return 0
	default:
		return 0
	}
}

// Profile is a raw profile object.
type Profile map[string]any

// ID parses the id_str field.
func (p Profile) ID() (uint64, error) {
	value, ok := p["id_str"].(string)
	if !ok {
		return 0, fmt.Errorf("%w: profile without id_str", ErrInvalidResponse)
	}

	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id_str %q", ErrInvalidResponse, value)
	}

	return id, nil
}

// ProfileResult is either a profile or the error code of an account that is gone.
type ProfileResult struct {
	ID         uint64
	Profile    Profile
	StatusCode int
}

// Client calls the API with one credential.
type Client struct {
	httpClient *http.Client
	baseURL    string
	credential Credential
	retry      utils.RetryOptions
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRetryOptions overrides the backoff used for transient failures.
func WithRetryOptions(opts utils.RetryOptions) Option {
	return func(c *Client) {
		c.retry = opts
	}
}

// NewClient creates a client for one credential.
func NewClient(credential Credential, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		credential: credential,
		retry:      utils.GetAPIRetryOptions(),
		logger:     logger.Named("twitter_" + credential.Kind.String()),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Credential returns the client's credential.
func (c *Client) Credential() Credential {
	return c.credential
}

// FollowerIDs returns every follower id of an account.
func (c *Client) FollowerIDs(ctx context.Context, userID uint64) ([]uint64, error) {
	return c.pagedIDs(ctx, "/1.1/followers/ids.json", userID)
}

// FollowedIDs returns every id an account follows.
func (c *Client) FollowedIDs(ctx context.Context, userID uint64) ([]uint64, error) {
	return c.pagedIDs(ctx, "/1.1/friends/ids.json", userID)
}

type idsPage struct {
	IDs        []string `json:"ids"`
	NextCursor string   `json:"next_cursor_str"`
}

func (c *Client) pagedIDs(ctx context.Context, endpoint string, userID uint64) ([]uint64, error) {
	var ids []uint64

	cursor := "-1"
	for cursor != "0" {
		query := url.Values{
			"user_id":       {strconv.FormatUint(userID, 10)},
			"cursor":        {cursor},
			"count":         {strconv.Itoa(idsPageSize)},
			"stringify_ids": {"true"},
		}

		var page idsPage
		if err := c.get(ctx, endpoint, query, &page); err != nil {
			return nil, err
		}

		for _, value := range page.IDs {
			id, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: id %q from %s", ErrInvalidResponse, value, endpoint)
			}

			ids = append(ids, id)
		}

		if page.NextCursor == "" {
			break
		}

		cursor = page.NextCursor
	}

	c.logger.Debug("Fetched ids",
		zap.String("endpoint", endpoint),
		zap.Uint64("userID", userID),
		zap.Int("count", len(ids)))

	return ids, nil
}

// LookupProfiles looks up profiles in batches. Ids missing from a lookup are
// resolved one by one so that every requested id gets either a profile or a
// status code. Ids whose status cannot be determined are left out.
func (c *Client) LookupProfiles(ctx context.Context, ids []uint64) ([]ProfileResult, error) {
	results := make([]ProfileResult, 0, len(ids))

	for chunk := range slices.Chunk(ids, LookupBatchSize) {
		profiles, err := c.lookup(ctx, chunk)
		if err != nil {
			return results, err
		}

		found := make(map[uint64]struct{}, len(profiles))
		for _, profile := range profiles {
			id, err := profile.ID()
			if err != nil {
				return results, err
			}

			found[id] = struct{}{}
			results = append(results, ProfileResult{ID: id, Profile: profile})
		}

		for _, id := range chunk {
			if _, ok := found[id]; ok {
				continue
			}

			profile, status, err := c.show(ctx, id)
			if err != nil {
				if _, ok := IsRateLimit(err); ok {
					return results, err
				}

				c.logger.Warn("Failed to resolve missing profile",
					zap.Uint64("userID", id),
					zap.Error(err))

				continue
			}

			if profile != nil {
				results = append(results, ProfileResult{ID: id, Profile: profile})
			} else {
				results = append(results, ProfileResult{ID: id, StatusCode: status.Code()})
			}
		}
	}

	return results, nil
}

func (c *Client) lookup(ctx context.Context, ids []uint64) ([]Profile, error) {
	values := make([]string, len(ids))
	for i, id := range ids {
		values[i] = strconv.FormatUint(id, 10)
	}

	query := url.Values{
		"user_id":          {strings.Join(values, ",")},
		"include_entities": {"true"},
	}

	var profiles []Profile
	if err := c.get(ctx, "/1.1/users/lookup.json", query, &profiles); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.HasCode(CodeNoUserMatches) {
			return nil, nil
		}

		return nil, err
	}

	return profiles, nil
}

// show returns the profile of an existing account, or the status of one that is gone.
func (c *Client) show(ctx context.Context, userID uint64) (Profile, UserStatus, error) {
	query := url.Values{"user_id": {strconv.FormatUint(userID, 10)}}

	var profile Profile
	if err := c.get(ctx, "/1.1/users/show.json", query, &profile); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.HasCode(CodeUserSuspended):
				return nil, StatusSuspended, nil
			case apiErr.HasCode(CodeUserNotFound), apiErr.HasCode(CodePageNotFound):
				return nil, StatusDeactivated, nil
			}
		}

		return nil, 0, err
	}

	if protected, _ := profile["protected"].(bool); protected {
		return profile, StatusProtected, nil
	}

	return profile, StatusActive, nil
}

// LookupUser returns the status of an account and its profile when it still exists.
func (c *Client) LookupUser(ctx context.Context, userID uint64) (*User, UserStatus, error) {
	profile, status, err := c.show(ctx, userID)
	if err != nil || profile == nil {
		return nil, status, err
	}

	user, err := profileUser(profile)
	if err != nil {
		return nil, status, err
	}

	return user, status, nil
}

func profileUser(profile Profile) (*User, error) {
	id, err := profile.ID()
	if err != nil {
		return nil, err
	}

	user := &User{ID: id}
	user.ScreenName, _ = profile["screen_name"].(string)
	user.Protected, _ = profile["protected"].(bool)
	user.FollowersCount = intField(profile, "followers_count")
	user.FriendsCount = intField(profile, "friends_count")

	return user, nil
}

func intField(profile Profile, name string) int {
	switch value := profile[name].(type) {
	case interface{ Int64() (int64, error) }:
		n, _ := value.Int64()
		return int(n)
	case float64:
		return int(value)
	default:
		return 0
	}
}

// get performs a GET request with retries for transient failures and decodes the body into out.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	body, err := utils.WithRetry(ctx, func() ([]byte, error) {
		return c.do(ctx, endpoint, query)
	}, c.retry)
	if err != nil {
		return err
	}

	if err := api.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidResponse, endpoint, err)
	}

	return nil
}

// do sends one request. Errors that retrying cannot fix are marked permanent.
func (c *Client) do(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req.Header.Set("Authorization", "Bearer "+c.credential.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, backoff.Permanent(&RateLimitError{
			Endpoint: endpoint,
			Reset:    parseReset(resp.Header.Get("x-rate-limit-reset")),
		})
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, newAPIError(endpoint, resp.StatusCode, body)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, backoff.Permanent(newAPIError(endpoint, resp.StatusCode, body))
	}

	return body, nil
}

// parseReset reads the epoch-second reset header, defaulting to a full window from now.
func parseReset(value string) time.Time {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Now().Add(15 * time.Minute)
	}

	return time.Unix(seconds, 0).UTC()
}
