// Package amocrm reads contacts, companies and leads from amoCRM's v4 API.
// Access is OAuth 2.0 with single-use refresh tokens.
package amocrm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crmpulse/crm"
	"crmpulse/locker"
)

const (
	// MaxPageSize is amoCRM's page ceiling.
	MaxPageSize = 250
	// DefaultRequestsPerSecond is amoCRM's documented per-integration quota.
	DefaultRequestsPerSecond = 7
)

// Options are the deployment-wide settings shared by every amoCRM adapter.
type Options struct {
	OAuth OAuthConfig
	// BaseURL overrides https://{subdomain}.amocrm.ru.
	BaseURL           string
	RequestsPerSecond int
	QueueDepth        int
	HTTP              crm.HTTPOptions
	Lookahead         time.Duration
	Locker            locker.Locker
	Logger            *logrus.Entry
}

// Adapter implements crm.Adapter for one amoCRM account.
type Adapter struct {
	subdomain string
	baseURL   string
	http      *crm.HTTPClient
	limiter   *crm.RateLimiter
	tokens    *TokenManager
	log       *logrus.Entry

	// ends remembers, per entity, the offset just past a short page. amoCRM
	// pages by number, so an offset inside the last page would fetch it again.
	mu   sync.Mutex
	ends map[crm.EntityType]int
}

var _ crm.Adapter = (*Adapter)(nil)

// Factory adapts New to the provider registry.
func Factory(opts Options) crm.Factory {
	return func(creds crm.Credentials, store crm.CredentialStore) (crm.Adapter, error) {
		return New(creds, store, opts)
	}
}

// New builds an adapter. creds.AccountID is the account subdomain.
func New(creds crm.Credentials, store crm.CredentialStore, opts Options) (*Adapter, error) {
	subdomain := strings.TrimSpace(creds.AccountID)
	if subdomain == "" {
		if s, ok := creds.Settings["subdomain"].(string); ok {
			subdomain = strings.TrimSpace(s)
		}
	}
	if subdomain != "" {
		s, ok := NormalizeSubdomain(subdomain)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSubdomain, subdomain)
		}
		subdomain = s
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		if subdomain == "" {
			return nil, fmt.Errorf("amocrm: %w: subdomain", crm.ErrMissingCredentials)
		}
		baseURL = AccountURL(subdomain)
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("amocrm: %w: access token", crm.ErrMissingCredentials)
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"provider": crm.ProviderAmoCRM, "account": subdomain})

	tokens := NewTokenManager(creds.Token(), NewOAuthClient(opts.OAuth, baseURL, opts.HTTP), TokenManagerOptions{
		Lookahead: opts.Lookahead,
		Store:     store,
		Locker:    opts.Locker,
		LockKey:   "oauth-refresh:amocrm:" + subdomain,
		Logger:    log,
	})
	return &Adapter{
		subdomain: subdomain,
		baseURL:   baseURL,
		http:      crm.NewHTTPClient(opts.HTTP),
		limiter:   crm.NewRateLimiter(rps, opts.QueueDepth),
		tokens:    tokens,
		log:       log,
		ends:      map[crm.EntityType]int{},
	}, nil
}

func (a *Adapter) Provider() crm.Provider { return crm.ProviderAmoCRM }

// Tokens exposes the lifecycle manager, mostly for status reporting.
func (a *Adapter) Tokens() *TokenManager { return a.tokens }

func (a *Adapter) Close() error {
	a.limiter.Close()
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	var account struct {
		ID int64 `json:"id"`
	}
	if err := a.get(ctx, "/api/v4/account", nil, &account); err != nil {
		a.log.WithError(err).Warn("amocrm connection test failed")
		return false
	}
	return true
}

// pageQuery maps an offset onto amoCRM's page numbers. ok is false when a
// short page already ended the listing at or before opts.Offset. Offset 0
// always fetches, so every run starts over.
func (a *Adapter) pageQuery(entity crm.EntityType, opts crm.FetchOptions) (q url.Values, limit int, ok bool) {
	limit = crm.ClampLimit(opts.Limit, MaxPageSize)
	if opts.Offset > 0 {
		a.mu.Lock()
		end, known := a.ends[entity]
		a.mu.Unlock()
		if known && opts.Offset >= end {
			return nil, limit, false
		}
	}
	q = url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(opts.Offset/limit+1))
	return q, limit, true
}

// remember records the end of the listing once a page comes back short.
func (a *Adapter) remember(entity crm.EntityType, opts crm.FetchOptions, limit, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < limit {
		a.ends[entity] = opts.Offset + n
		return
	}
	delete(a.ends, entity)
}

func (a *Adapter) FetchContacts(ctx context.Context, opts crm.FetchOptions) ([]crm.Contact, error) {
	q, limit, ok := a.pageQuery(crm.EntityContacts, opts)
	if !ok {
		return nil, nil
	}
	q.Set("with", "companies")
	if opts.ModifiedSince != nil {
		q.Set("filter[updated_at][from]", strconv.FormatInt(opts.ModifiedSince.Unix(), 10))
	}
	var page struct {
		Embedded struct {
			Contacts []contact `json:"contacts"`
		} `json:"_embedded"`
	}
	if err := a.get(ctx, "/api/v4/contacts", q, &page); err != nil {
		return nil, err
	}
	a.remember(crm.EntityContacts, opts, limit, len(page.Embedded.Contacts))
	out := make([]crm.Contact, 0, len(page.Embedded.Contacts))
	for _, c := range page.Embedded.Contacts {
		out = append(out, normalizeContact(c))
	}
	return out, nil
}

func (a *Adapter) FetchCompanies(ctx context.Context, opts crm.FetchOptions) ([]crm.Company, error) {
	q, limit, ok := a.pageQuery(crm.EntityCompanies, opts)
	if !ok {
		return nil, nil
	}
	if opts.ModifiedSince != nil {
		q.Set("filter[updated_at][from]", strconv.FormatInt(opts.ModifiedSince.Unix(), 10))
	}
	var page struct {
		Embedded struct {
			Companies []company `json:"companies"`
		} `json:"_embedded"`
	}
	if err := a.get(ctx, "/api/v4/companies", q, &page); err != nil {
		return nil, err
	}
	a.remember(crm.EntityCompanies, opts, limit, len(page.Embedded.Companies))
	out := make([]crm.Company, 0, len(page.Embedded.Companies))
	for _, c := range page.Embedded.Companies {
		out = append(out, normalizeCompany(c))
	}
	return out, nil
}

func (a *Adapter) FetchDeals(ctx context.Context, opts crm.FetchOptions) ([]crm.Deal, error) {
	q, limit, ok := a.pageQuery(crm.EntityDeals, opts)
	if !ok {
		return nil, nil
	}
	q.Set("with", "contacts,companies")
	if opts.ModifiedSince != nil {
		q.Set("filter[updated_at][from]", strconv.FormatInt(opts.ModifiedSince.Unix(), 10))
	}
	var page struct {
		Embedded struct {
			Leads []lead `json:"leads"`
		} `json:"_embedded"`
	}
	if err := a.get(ctx, "/api/v4/leads", q, &page); err != nil {
		return nil, err
	}
	a.remember(crm.EntityDeals, opts, limit, len(page.Embedded.Leads))
	out := make([]crm.Deal, 0, len(page.Embedded.Leads))
	for _, l := range page.Embedded.Leads {
		out = append(out, normalizeDeal(l))
	}
	return out, nil
}

func (a *Adapter) TotalCount(ctx context.Context, entity crm.EntityType) (int, error) {
	path, err := entityPath(entity)
	if err != nil {
		return 0, err
	}
	q := url.Values{}
	q.Set("limit", "1")
	var page struct {
		Page struct {
			Total int `json:"total"`
		} `json:"_page"`
	}
	if err := a.get(ctx, path, q, &page); err != nil {
		return 0, err
	}
	return page.Page.Total, nil
}

// Pipelines returns the raw lead pipelines, used to build a status map for
// accounts with custom stages.
func (a *Adapter) Pipelines(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	err := a.get(ctx, "/api/v4/leads/pipelines", nil, &out)
	return out, err
}

// CustomFields returns the raw custom field definitions of an entity.
func (a *Adapter) CustomFields(ctx context.Context, entity crm.EntityType) (map[string]any, error) {
	path, err := entityPath(entity)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	err = a.get(ctx, path+"/custom_fields", nil, &out)
	return out, err
}

func entityPath(entity crm.EntityType) (string, error) {
	switch entity {
	case crm.EntityContacts:
		return "/api/v4/contacts", nil
	case crm.EntityCompanies:
		return "/api/v4/companies", nil
	case crm.EntityDeals:
		return "/api/v4/leads", nil
	}
	return "", fmt.Errorf("%w: %s", crm.ErrUnsupported, entity)
}

// get runs one API call inside the rate limiter. A 401 triggers exactly one
// refresh and retry within the same limiter slot; a second 401 is fatal.
func (a *Adapter) get(ctx context.Context, path string, q url.Values, out any) error {
	target := a.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return a.limiter.Do(ctx, func(ctx context.Context) error {
		token, err := a.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}
		resp, err := a.call(ctx, target, token)
		if err != nil {
			return err
		}
		if resp.Status == http.StatusUnauthorized {
			token, err = a.tokens.ForceRefresh(ctx, token)
			if err != nil {
				return err
			}
			if resp, err = a.call(ctx, target, token); err != nil {
				return err
			}
			if resp.Status == http.StatusUnauthorized {
				return fmt.Errorf("amocrm %s: %w", path, crm.ErrUnauthorized)
			}
		}
		// amoCRM answers an empty page with 204 and no body.
		if resp.Status == http.StatusNoContent {
			return nil
		}
		if !resp.OK() {
			return &crm.APIError{Provider: crm.ProviderAmoCRM, Status: resp.Status, Body: string(resp.Body)}
		}
		if out == nil {
			return nil
		}
		return resp.DecodeJSON(out)
	})
}

func (a *Adapter) call(ctx context.Context, target, token string) (*crm.Response, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	resp, err := a.http.Do(ctx, http.MethodGet, target, header, nil)
	if err != nil {
		return nil, fmt.Errorf("amocrm request: %w", err)
	}
	return resp, nil
}
