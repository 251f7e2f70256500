package amocrm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"crmpulse/crm"
)

// recorder captures the order of API calls and token saves.
type recorder struct {
	mu     sync.Mutex
	events []string
	saved  []*oauth2.Token
	stored *oauth2.Token
	err    error
}

func (r *recorder) log(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) SaveTokens(_ context.Context, tok *oauth2.Token) error {
	r.log("save:" + tok.AccessToken)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, tok)
	r.stored = tok
	return nil
}

func (r *recorder) LoadTokens(context.Context) (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored, nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeAmo struct {
	t       *testing.T
	rec     *recorder
	valid   string
	refresh int
	// rejectAll makes every API call answer 401.
	rejectAll bool
	contacts  []map[string]any
}

func (f *fakeAmo) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/access_token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(f.t, "refresh_token", body["grant_type"])
		assert.Equal(f.t, "client-id", body["client_id"])
		assert.Equal(f.t, "https://app.example.com/callback", body["redirect_uri"])
		f.refresh++
		f.rec.log("refresh:" + body["refresh_token"])
		f.valid = "access-2"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token_type":    "Bearer",
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_in":    86400,
			"server_time":   time.Now().Unix(),
		})
	})
	api := func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		f.rec.log("api:" + r.URL.Path + ":" + token)
		if f.rejectAll || token != "Bearer "+f.valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/v4/account":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 1})
		case "/api/v4/contacts":
			if r.URL.Query().Get("limit") == "1" {
				_ = json.NewEncoder(w).Encode(map[string]any{"_page": map[string]any{"total": 42}})
				return
			}
			if r.URL.Query().Get("page") != "1" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"_embedded": map[string]any{"contacts": f.contacts}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
	mux.HandleFunc("/api/v4/", api)
	return mux
}

func newTestAdapter(t *testing.T, f *fakeAmo, creds crm.Credentials) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	a, err := New(creds, f.rec, Options{
		OAuth: OAuthConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURI:  "https://app.example.com/callback",
		},
		BaseURL:           srv.URL,
		RequestsPerSecond: 100,
		HTTP:              crm.HTTPOptions{BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestReactiveRefreshPersistsBeforeRetry(t *testing.T) {
	rec := &recorder{}
	f := &fakeAmo{t: t, rec: rec, valid: "access-2"}
	a := newTestAdapter(t, f, crm.Credentials{
		AccountID:    "acme",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	})

	require.True(t, a.TestConnection(context.Background()))

	assert.Equal(t, []string{
		"api:/api/v4/account:Bearer access-1",
		"refresh:refresh-1",
		"save:access-2",
		"api:/api/v4/account:Bearer access-2",
	}, rec.snapshot())
	require.Len(t, rec.saved, 1)
	assert.Equal(t, "refresh-2", rec.saved[0].RefreshToken)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), rec.saved[0].Expiry, time.Minute)

	// The next call goes straight out with the new token.
	require.True(t, a.TestConnection(context.Background()))
	assert.Equal(t, 1, f.refresh)
	assert.Equal(t, StateFresh, a.Tokens().State())
}

func TestSecondUnauthorizedIsFatal(t *testing.T) {
	rec := &recorder{}
	f := &fakeAmo{t: t, rec: rec, rejectAll: true}
	a := newTestAdapter(t, f, crm.Credentials{
		AccountID:    "acme",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	})

	_, err := a.FetchContacts(context.Background(), crm.FetchOptions{Limit: 100})
	require.ErrorIs(t, err, crm.ErrUnauthorized)
	assert.Equal(t, 1, f.refresh, "refresh is attempted exactly once per request")
}

func TestProactiveRefreshInsideLookahead(t *testing.T) {
	rec := &recorder{}
	f := &fakeAmo{t: t, rec: rec, valid: "access-2"}
	a := newTestAdapter(t, f, crm.Credentials{
		AccountID:    "acme",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(30 * time.Minute),
	})
	assert.Equal(t, StateNearExpiry, a.Tokens().State())

	require.True(t, a.TestConnection(context.Background()))
	assert.Equal(t, []string{
		"refresh:refresh-1",
		"save:access-2",
		"api:/api/v4/account:Bearer access-2",
	}, rec.snapshot())
}

func TestRefreshWithoutRefreshTokenFailsRun(t *testing.T) {
	rec := &recorder{}
	f := &fakeAmo{t: t, rec: rec, valid: "other"}
	a := newTestAdapter(t, f, crm.Credentials{AccountID: "acme", AccessToken: "access-1"})

	_, err := a.FetchContacts(context.Background(), crm.FetchOptions{})
	require.ErrorIs(t, err, crm.ErrRefreshFailed)
	assert.ErrorIs(t, err, crm.ErrMissingCredentials)
	assert.Equal(t, StateRefreshFailed, a.Tokens().State())
	assert.False(t, a.TestConnection(context.Background()))
}

func TestFetchContactsNormalisesAndPages(t *testing.T) {
	rec := &recorder{}
	f := &fakeAmo{t: t, rec: rec, valid: "access-1", contacts: []map[string]any{
		{
			"id":         101,
			"name":       "Ivan  Petrov Jr",
			"created_at": 1700000000,
			"custom_fields_values": []map[string]any{
				{"field_code": "PHONE", "field_type": "multitext", "values": []map[string]any{{"value": "+7 900 000"}}},
				{"field_code": "EMAIL", "field_type": "multitext", "values": []map[string]any{{"value": "ivan@example.ru"}}},
			},
			"_embedded": map[string]any{"companies": []map[string]any{{"id": 5, "name": "Romashka"}}},
		},
		{"id": 102, "name": "NoMail"},
	}}
	a := newTestAdapter(t, f, crm.Credentials{AccountID: "acme", AccessToken: "access-1"})

	page, err := a.FetchContacts(context.Background(), crm.FetchOptions{Limit: 1000})
	require.NoError(t, err)
	require.Len(t, page, 2)

	c := page[0]
	assert.Equal(t, "101", c.ExternalID)
	assert.Equal(t, "ivan@example.ru", c.Email)
	assert.Equal(t, "+7 900 000", c.Phone)
	assert.Equal(t, "Ivan", c.FirstName)
	assert.Equal(t, "Petrov Jr", c.LastName)
	assert.Equal(t, "Romashka", c.CompanyName)
	assert.Equal(t, crm.ProviderAmoCRM, c.Source)
	require.NotNil(t, c.CreatedAt)
	assert.Equal(t, int64(1700000000), c.CreatedAt.Unix())

	assert.Empty(t, page[1].Email)

	// The first page came back short, so the next offset is answered locally.
	next, err := a.FetchContacts(context.Background(), crm.FetchOptions{Limit: 1000, Offset: 250})
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Len(t, rec.snapshot(), 1)

	// A fresh adapter has no remembered end: offset 250 with a clamped limit
	// lands on page 2, which is empty (204).
	fresh := newTestAdapter(t, f, crm.Credentials{AccountID: "acme", AccessToken: "access-1"})
	next, err = fresh.FetchContacts(context.Background(), crm.FetchOptions{Limit: 1000, Offset: 250})
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, rec.snapshot(), 2)
	assert.Contains(t, rec.snapshot()[1], "/api/v4/contacts")

	total, err := a.TotalCount(context.Background(), crm.EntityContacts)
	require.NoError(t, err)
	assert.Equal(t, 42, total)
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		id          int64
		stage       string
		probability int
	}{
		{142, crm.StageQualified, 20},
		{143, crm.StagePresentation, 40},
		{144, crm.StageProposal, 60},
		{145, crm.StageNegotiation, 80},
		{146, crm.StageClosedWon, 100},
		{147, crm.StageClosedLost, 0},
		{999, "status-999", 50},
	}
	for _, tt := range tests {
		stage, probability := MapStatus(tt.id)
		assert.Equal(t, tt.stage, stage)
		assert.Equal(t, tt.probability, probability)
	}
}

func TestNormalizeDeal(t *testing.T) {
	var l lead
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": 7, "name": " Big deal ", "price": 150000, "status_id": 146, "pipeline_id": 3,
		"closed_at": 1700000000,
		"_embedded": {"contacts": [{"id": 101}], "companies": [{"id": 5}]}
	}`), &l))

	d := normalizeDeal(l)
	assert.Equal(t, "7", d.ExternalID)
	assert.Equal(t, "Big deal", d.Name)
	assert.Equal(t, 150000.0, d.Amount)
	assert.Equal(t, "RUB", d.Currency)
	assert.Equal(t, crm.StageClosedWon, d.Stage)
	assert.Equal(t, 100, d.Probability)
	assert.True(t, d.IsWon())
	require.NotNil(t, d.CloseDate)
	assert.EqualValues(t, 101, d.Metadata["contact_id"])
}

func TestPageQueryStopsAfterShortPage(t *testing.T) {
	tests := []struct {
		name     string
		pages    []int // sizes returned by earlier fetches, from offset 0
		offset   int
		limit    int
		wantOK   bool
		wantPage string
	}{
		{"first page", nil, 0, 100, true, "1"},
		{"full page keeps going", []int{100}, 100, 100, true, "2"},
		{"short page ends listing", []int{100, 50}, 150, 100, false, ""},
		{"offset zero restarts", []int{100, 50}, 0, 100, true, "1"},
		{"empty page ends listing", []int{100, 0}, 100, 100, false, ""},
		{"limit is clamped", nil, 500, 1000, true, "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Adapter{ends: map[crm.EntityType]int{}}
			offset := 0
			for _, n := range tt.pages {
				opts := crm.FetchOptions{Limit: tt.limit, Offset: offset}
				_, limit, ok := a.pageQuery(crm.EntityContacts, opts)
				require.True(t, ok)
				a.remember(crm.EntityContacts, opts, limit, n)
				offset += n
			}
			q, _, ok := a.pageQuery(crm.EntityContacts, crm.FetchOptions{Limit: tt.limit, Offset: tt.offset})
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantPage, q.Get("page"))
			}

			// Other entities are unaffected.
			_, _, ok = a.pageQuery(crm.EntityDeals, crm.FetchOptions{Limit: tt.limit, Offset: tt.offset})
			assert.True(t, ok)
		})
	}
}

func TestNewRequiresSubdomainAndToken(t *testing.T) {
	_, err := New(crm.Credentials{AccessToken: "x"}, nil, Options{})
	assert.ErrorIs(t, err, crm.ErrMissingCredentials)

	_, err = New(crm.Credentials{AccountID: "acme"}, nil, Options{})
	assert.ErrorIs(t, err, crm.ErrMissingCredentials)

	for _, sub := range []string{"attacker.example/x", "a.b", "evil.com", "acme?x=1", "ac me"} {
		_, err = New(crm.Credentials{AccountID: sub, AccessToken: "x"}, nil, Options{})
		assert.ErrorIs(t, err, ErrInvalidSubdomain, sub)
	}

	a, err := New(crm.Credentials{AccountID: " ACME ", AccessToken: "x"}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "https://acme.amocrm.ru", a.baseURL)
	_ = a.Close()
}

func TestAccountURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"acme", "https://acme.amocrm.ru"},
		{"My-Shop1", "https://my-shop1.amocrm.ru"},
		{"attacker.example/x", ""},
		{"a.b", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AccountURL(tt.in), tt.in)
	}
}
