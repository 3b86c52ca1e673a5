package twitter_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robalyx/followtrack/internal/twitter"
	"github.com/robalyx/followtrack/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *twitter.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return twitter.NewClient(
		twitter.Credential{Kind: twitter.TokenKindUser, Token: "secret", UserID: 99},
		zap.NewNop(),
		twitter.WithBaseURL(server.URL),
		twitter.WithRetryOptions(utils.RetryOptions{
			MaxElapsedTime:  time.Second,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxRetries:      2,
		}),
	)
}

func TestFollowerIDsPaging(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.1/followers/ids.json", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "7", r.URL.Query().Get("user_id"))

		switch r.URL.Query().Get("cursor") {
		case "-1":
			_, _ = w.Write([]byte(`{"ids":["1","2"],"next_cursor_str":"55"}`))
		case "55":
			_, _ = w.Write([]byte(`{"ids":["18446744073709551615"],"next_cursor_str":"0"}`))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})

	ids, err := client.FollowerIDs(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 18446744073709551615}, ids)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("x-rate-limit-reset", "1700000000")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.FollowedIDs(t.Context(), 7)

	rateLimitErr, ok := twitter.IsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), rateLimitErr.Reset)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorsAreRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte(`{"ids":["3"],"next_cursor_str":"0"}`))
	})

	ids, err := client.FollowedIDs(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, ids)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUnauthorized(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"request":"/1.1/followers/ids.json","error":"Not authorized."}`))
	})

	_, err := client.FollowerIDs(t.Context(), 7)
	require.Error(t, err)
	assert.True(t, twitter.IsUnavailable(err))

	_, ok := twitter.IsRateLimit(err)
	assert.False(t, ok)
}

func TestLookupProfiles(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1.1/users/lookup.json":
			assert.Equal(t, "1,2,3", r.URL.Query().Get("user_id"))
			_, _ = w.Write([]byte(`[{"id_str":"1","screen_name":"one","followers_count":12345678901234}]`))
		case "/1.1/users/show.json":
			w.WriteHeader(http.StatusForbidden)

			switch r.URL.Query().Get("user_id") {
			case "2":
				_, _ = w.Write([]byte(`{"errors":[{"code":50,"message":"User not found."}]}`))
			case "3":
				_, _ = w.Write([]byte(`{"errors":[{"code":63,"message":"User has been suspended."}]}`))
			}
		}
	})

	results, err := client.LookupProfiles(t.Context(), []uint64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, uint64(1), results[0].ID)
	assert.Equal(t, "one", results[0].Profile["screen_name"])
	assert.Equal(t, "12345678901234", results[0].Profile["followers_count"].(interface{ String() string }).String())

	assert.Equal(t, twitter.ProfileResult{ID: 2, StatusCode: twitter.CodeUserNotFound}, results[1])
	assert.Equal(t, twitter.ProfileResult{ID: 3, StatusCode: twitter.CodeUserSuspended}, results[2])
}

func TestLookupProfilesBatches(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		values := strings.Split(r.URL.Query().Get("user_id"), ",")
		assert.LessOrEqual(t, len(values), twitter.LookupBatchSize)

		profiles := make([]string, len(values))
		for i, value := range values {
			profiles[i] = `{"id_str":"` + value + `"}`
		}

		_, _ = w.Write([]byte("[" + strings.Join(profiles, ",") + "]"))
	})

	ids := make([]uint64, 250)
	for i := range ids {
		ids[i] = uint64(i + 1)
	}

	results, err := client.LookupProfiles(t.Context(), ids)
	require.NoError(t, err)
	assert.Len(t, results, 250)
	assert.Equal(t, int32(3), requests.Load())
}

func TestLookupUser(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.URL.Query().Get("user_id"))
		if id == 5 {
			_, _ = w.Write([]byte(`{"id_str":"5","screen_name":"five","followers_count":20,"friends_count":3,"protected":true}`))
			return
		}

		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[{"code":50,"message":"User not found."}]}`))
	})

	user, status, err := client.LookupUser(t.Context(), 5)
	require.NoError(t, err)
	assert.Equal(t, twitter.StatusProtected, status)
	assert.Equal(t, &twitter.User{ID: 5, ScreenName: "five", FollowersCount: 20, FriendsCount: 3, Protected: true}, user)

	user, status, err = client.LookupUser(t.Context(), 6)
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.Equal(t, twitter.StatusDeactivated, status)
}

func TestParseTokenKind(t *testing.T) {
	t.Parallel()

	kind, err := twitter.ParseTokenKind("USER")
	require.NoError(t, err)
	assert.Equal(t, twitter.TokenKindUser, kind)

	_, err = twitter.ParseTokenKind("bot")
	require.Error(t, err)
}
