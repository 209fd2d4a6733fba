package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/turnguard/internal/domain"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func testCredential() domain.Credential {
	return domain.Credential{Email: "alice@example.com", RefreshToken: "rt-alice"}
}

func TestRefreshExchangesRefreshToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-alice", r.Form.Get("refresh_token"))
		assert.Equal(t, "client-123", r.Form.Get("client_id"))
		assert.Equal(t, "shh", r.Form.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3599}`))
	}))
	t.Cleanup(server.Close)

	refresher := OAuthRefresher{
		Config:     OAuthConfig{ClientID: "client-123", ClientSecret: "shh", TokenURL: server.URL + "/token"},
		HTTPClient: server.Client(),
	}

	before := time.Now()
	token, err := refresher.Refresh(context.Background(), testCredential())
	require.NoError(t, err)
	assert.Equal(t, "at-1", token.Value)
	assert.WithinDuration(t, before.Add(3599*time.Second), token.ExpiresAt, 5*time.Second)
}

func TestRefreshDefaultsExpiryWhenOmitted(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer"}`))
	}))
	t.Cleanup(server.Close)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	refresher := OAuthRefresher{
		Config:     OAuthConfig{ClientID: "client-123", TokenURL: server.URL},
		HTTPClient: server.Client(),
		Clock:      fixedClock{now: now},
	}

	token, err := refresher.Refresh(context.Background(), testCredential())
	require.NoError(t, err)
	assert.Equal(t, now.Add(defaultTokenLifetime), token.ExpiresAt)
}

func TestRefreshMapsInvalidGrant(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	t.Cleanup(server.Close)

	refresher := OAuthRefresher{
		Config:     OAuthConfig{ClientID: "client-123", TokenURL: server.URL},
		HTTPClient: server.Client(),
	}

	_, err := refresher.Refresh(context.Background(), testCredential())
	require.ErrorIs(t, err, ErrInvalidGrant)
	assert.ErrorContains(t, err, "expired or revoked")
	assert.ErrorContains(t, err, "alice@example.com")
}

func TestRefreshSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	refresher := OAuthRefresher{
		Config:     OAuthConfig{ClientID: "client-123", TokenURL: server.URL},
		HTTPClient: server.Client(),
	}

	_, err := refresher.Refresh(context.Background(), testCredential())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidGrant)
}

func TestRefreshTimesOutWithoutCallerDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	refresher := OAuthRefresher{
		Config:         OAuthConfig{ClientID: "client-123", TokenURL: server.URL},
		HTTPClient:     server.Client(),
		RequestTimeout: 50 * time.Millisecond,
	}

	started := time.Now()
	_, err := refresher.Refresh(context.Background(), testCredential())
	require.Error(t, err)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestRefreshValidatesConfiguration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		config     OAuthConfig
		credential domain.Credential
		wantErr    string
	}{
		{name: "missing refresh token", config: OAuthConfig{ClientID: "c", TokenURL: "https://example.com/token"}, credential: domain.Credential{Email: "a@b"}, wantErr: "refresh token is required"},
		{name: "missing client id", config: OAuthConfig{TokenURL: "https://example.com/token"}, credential: testCredential(), wantErr: "client id is required"},
		{name: "missing token url", config: OAuthConfig{ClientID: "c"}, credential: testCredential(), wantErr: "token url is required"},
		{name: "bad scheme", config: OAuthConfig{ClientID: "c", TokenURL: "ftp://example.com/token"}, credential: testCredential(), wantErr: "http or https"},
		{name: "missing host", config: OAuthConfig{ClientID: "c", TokenURL: "https:///token"}, credential: testCredential(), wantErr: "host is required"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := OAuthRefresher{Config: tc.config}.Refresh(context.Background(), tc.credential)
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}
