// Package hubspot reads CRM objects from the HubSpot v3 API using a private
// app or OAuth access token.
package hubspot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"crmpulse/crm"
)

const (
	DefaultBaseURL           = "https://api.hubapi.com"
	MaxPageSize              = 100
	DefaultRequestsPerSecond = 10
	Currency                 = "USD"
)

var (
	contactProperties = []string{"email", "firstname", "lastname", "phone", "company", "lifecyclestage", "createdate", "lastmodifieddate"}
	companyProperties = []string{"name", "domain", "industry", "numberofemployees", "createdate"}
	dealProperties    = []string{"dealname", "amount", "dealstage", "closedate", "pipeline", "hs_deal_stage_probability", "deal_currency_code"}
)

type Options struct {
	BaseURL           string
	RequestsPerSecond int
	QueueDepth        int
	HTTP              crm.HTTPOptions
	Logger            *logrus.Entry
}

// Adapter implements crm.Adapter over HubSpot's cursor pagination. Cursors
// returned by HubSpot are remembered per offset so callers can keep paging
// with plain offsets.
type Adapter struct {
	baseURL string
	http    *crm.HTTPClient
	limiter *crm.RateLimiter
	log     *logrus.Entry

	mu      sync.Mutex
	cursors map[crm.EntityType]map[int]string
	ends    map[crm.EntityType]int
}

var _ crm.Adapter = (*Adapter)(nil)

func Factory(opts Options) crm.Factory {
	return func(creds crm.Credentials, _ crm.CredentialStore) (crm.Adapter, error) {
		return New(creds, opts)
	}
}

func New(creds crm.Credentials, opts Options) (*Adapter, error) {
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("hubspot: %w: access token", crm.ErrMissingCredentials)
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	httpOpts := opts.HTTP
	base := httpOpts.HTTPClient
	ctx := context.Background()
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	httpOpts.HTTPClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(creds.Token()))

	return &Adapter{
		baseURL: baseURL,
		http:    crm.NewHTTPClient(httpOpts),
		limiter: crm.NewRateLimiter(rps, opts.QueueDepth),
		log:     log.WithField("provider", crm.ProviderHubSpot),
		cursors: map[crm.EntityType]map[int]string{},
		ends:    map[crm.EntityType]int{},
	}, nil
}

func (a *Adapter) Provider() crm.Provider { return crm.ProviderHubSpot }

func (a *Adapter) Close() error {
	a.limiter.Close()
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	q := url.Values{}
	q.Set("limit", "1")
	if _, err := a.do(ctx, http.MethodGet, "/crm/v3/objects/contacts?"+q.Encode(), nil); err != nil {
		a.log.WithError(err).Warn("hubspot connection test failed")
		return false
	}
	return true
}

type object struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type listResponse struct {
	Total   int      `json:"total"`
	Results []object `json:"results"`
	Paging  struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

func (a *Adapter) FetchContacts(ctx context.Context, opts crm.FetchOptions) ([]crm.Contact, error) {
	objs, err := a.list(ctx, crm.EntityContacts, opts, contactProperties)
	if err != nil {
		return nil, err
	}
	out := make([]crm.Contact, 0, len(objs))
	for _, o := range objs {
		out = append(out, normalizeContact(o))
	}
	return out, nil
}

func (a *Adapter) FetchCompanies(ctx context.Context, opts crm.FetchOptions) ([]crm.Company, error) {
	objs, err := a.list(ctx, crm.EntityCompanies, opts, companyProperties)
	if err != nil {
		return nil, err
	}
	out := make([]crm.Company, 0, len(objs))
	for _, o := range objs {
		out = append(out, normalizeCompany(o))
	}
	return out, nil
}

func (a *Adapter) FetchDeals(ctx context.Context, opts crm.FetchOptions) ([]crm.Deal, error) {
	objs, err := a.list(ctx, crm.EntityDeals, opts, dealProperties)
	if err != nil {
		return nil, err
	}
	out := make([]crm.Deal, 0, len(objs))
	for _, o := range objs {
		out = append(out, normalizeDeal(o))
	}
	return out, nil
}

// TotalCount uses the search endpoint, the only one that reports a total.
func (a *Adapter) TotalCount(ctx context.Context, entity crm.EntityType) (int, error) {
	if err := checkEntity(entity); err != nil {
		return 0, err
	}
	body, _ := json.Marshal(map[string]any{"limit": 1})
	resp, err := a.do(ctx, http.MethodPost, "/crm/v3/objects/"+string(entity)+"/search", body)
	if err != nil {
		return 0, err
	}
	var page listResponse
	if err := resp.DecodeJSON(&page); err != nil {
		return 0, err
	}
	return page.Total, nil
}

func checkEntity(entity crm.EntityType) error {
	switch entity {
	case crm.EntityContacts, crm.EntityCompanies, crm.EntityDeals:
		return nil
	}
	return fmt.Errorf("%w: %s", crm.ErrUnsupported, entity)
}

// cursor resolves the HubSpot "after" value for an offset. ok is false when
// the offset lies past the last page already seen.
func (a *Adapter) cursor(entity crm.EntityType, offset int) (after string, ok bool) {
	if offset == 0 {
		return "", true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if end, seen := a.ends[entity]; seen && offset >= end {
		return "", false
	}
	if c, seen := a.cursors[entity][offset]; seen {
		return c, true
	}
	return strconv.Itoa(offset), true
}

func (a *Adapter) remember(entity crm.EntityType, offset int, page listResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := offset + len(page.Results)
	if page.Paging.Next.After == "" {
		a.ends[entity] = next
		return
	}
	delete(a.ends, entity)
	if a.cursors[entity] == nil {
		a.cursors[entity] = map[int]string{}
	}
	a.cursors[entity][next] = page.Paging.Next.After
}

func (a *Adapter) list(ctx context.Context, entity crm.EntityType, opts crm.FetchOptions, props []string) ([]object, error) {
	after, ok := a.cursor(entity, opts.Offset)
	if !ok {
		return nil, nil
	}
	limit := crm.ClampLimit(opts.Limit, MaxPageSize)

	var (
		resp *crm.Response
		err  error
	)
	if opts.ModifiedSince != nil {
		search := map[string]any{
			"limit":      limit,
			"properties": props,
			"sorts":      []map[string]string{{"propertyName": "hs_object_id", "direction": "ASCENDING"}},
			"filterGroups": []map[string]any{{
				"filters": []map[string]string{{
					"propertyName": modifiedProperty(entity),
					"operator":     "GTE",
					"value":        strconv.FormatInt(opts.ModifiedSince.UnixMilli(), 10),
				}},
			}},
		}
		if after != "" {
			search["after"] = after
		}
		body, _ := json.Marshal(search)
		resp, err = a.do(ctx, http.MethodPost, "/crm/v3/objects/"+string(entity)+"/search", body)
	} else {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("properties", strings.Join(props, ","))
		if after != "" {
			q.Set("after", after)
		}
		resp, err = a.do(ctx, http.MethodGet, "/crm/v3/objects/"+string(entity)+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, err
	}
	var page listResponse
	if err := resp.DecodeJSON(&page); err != nil {
		return nil, err
	}
	a.remember(entity, opts.Offset, page)
	return page.Results, nil
}

func modifiedProperty(entity crm.EntityType) string {
	if entity == crm.EntityContacts {
		return "lastmodifieddate"
	}
	return "hs_lastmodifieddate"
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte) (*crm.Response, error) {
	return crm.Schedule(ctx, a.limiter, func(ctx context.Context) (*crm.Response, error) {
		resp, err := a.http.Do(ctx, method, a.baseURL+path, nil, body)
		if err != nil {
			return nil, fmt.Errorf("hubspot request: %w", err)
		}
		if resp.Status == http.StatusUnauthorized {
			return nil, fmt.Errorf("hubspot: %w", crm.ErrUnauthorized)
		}
		if !resp.OK() {
			return nil, &crm.APIError{Provider: crm.ProviderHubSpot, Status: resp.Status, Body: string(resp.Body)}
		}
		return resp, nil
	})
}
