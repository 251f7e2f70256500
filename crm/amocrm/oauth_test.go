package amocrm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmpulse/crm"
)

func TestAuthCodeURL(t *testing.T) {
	c := NewOAuthClient(OAuthConfig{ClientID: "cid", ClientSecret: "sec", RedirectURI: "https://app/cb"}, AccountURL("acme"), crm.HTTPOptions{})
	u, err := url.Parse(c.AuthCodeURL("state-123"))
	require.NoError(t, err)

	assert.Equal(t, "acme.amocrm.ru", u.Host)
	assert.Equal(t, "/oauth", u.Path)
	assert.Equal(t, "cid", u.Query().Get("client_id"))
	assert.Equal(t, "state-123", u.Query().Get("state"))
	assert.Equal(t, "post_message", u.Query().Get("mode"))
	assert.Equal(t, "https://app/cb", u.Query().Get("redirect_uri"))
}

func TestExchangeUsesServerTime(t *testing.T) {
	serverTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth2/access_token", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body tokenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "authorization_code", body.GrantType)
		assert.Equal(t, "the-code", body.Code)
		assert.Equal(t, "sec", body.ClientSecret)
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "a1",
			RefreshToken: "r1",
			ExpiresIn:    3600,
			ServerTime:   serverTime.Unix(),
		})
	}))
	defer srv.Close()

	c := NewOAuthClient(OAuthConfig{ClientID: "cid", ClientSecret: "sec", RedirectURI: "https://app/cb"}, srv.URL, crm.HTTPOptions{})
	tok, err := c.Exchange(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)
	assert.WithinDuration(t, serverTime.Add(time.Hour), tok.Expiry, 0)
}

func TestExchangeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"hint":"Authorization code has expired"}`))
	}))
	defer srv.Close()

	c := NewOAuthClient(OAuthConfig{ClientID: "cid", ClientSecret: "sec"}, srv.URL, crm.HTTPOptions{})
	_, err := c.Exchange(context.Background(), "stale")
	var apiErr *crm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	_, err = NewOAuthClient(OAuthConfig{}, srv.URL, crm.HTTPOptions{}).Refresh(context.Background(), "r1")
	assert.ErrorIs(t, err, crm.ErrMissingCredentials)
}

func TestGrantIsNeverRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"server error", http.StatusServiceUnavailable},
		{"throttled", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			// Retries asked for by the caller are ignored for grants.
			c := NewOAuthClient(OAuthConfig{ClientID: "cid", ClientSecret: "sec"}, srv.URL, crm.HTTPOptions{MaxRetries: 5, BaseDelay: time.Millisecond})
			_, err := c.Refresh(context.Background(), "r1")
			var apiErr *crm.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, 1, calls)
		})
	}
}
