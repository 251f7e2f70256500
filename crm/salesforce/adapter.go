// Package salesforce reads Contacts, Accounts and Opportunities through the
// SOQL query endpoint.
package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"crmpulse/crm"
)

const (
	APIVersion               = "v59.0"
	MaxPageSize              = 200
	DefaultRequestsPerSecond = 5
	Currency                 = "USD"
)

type Options struct {
	RequestsPerSecond int
	QueueDepth        int
	HTTP              crm.HTTPOptions
	Logger            *logrus.Entry
}

// Adapter implements crm.Adapter for one Salesforce org. Pages are fetched by
// keyset on Id, remembering the last Id seen per offset, so paging is not
// bound by SOQL's OFFSET ceiling of 2000 rows.
type Adapter struct {
	instanceURL string
	http        *crm.HTTPClient
	limiter     *crm.RateLimiter
	log         *logrus.Entry

	mu     sync.Mutex
	lastID map[crm.EntityType]map[int]string
}

var _ crm.Adapter = (*Adapter)(nil)

func Factory(opts Options) crm.Factory {
	return func(creds crm.Credentials, _ crm.CredentialStore) (crm.Adapter, error) {
		return New(creds, opts)
	}
}

func New(creds crm.Credentials, opts Options) (*Adapter, error) {
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("salesforce: %w: access token", crm.ErrMissingCredentials)
	}
	instanceURL := strings.TrimRight(strings.TrimSpace(creds.InstanceURL), "/")
	if instanceURL == "" {
		if s, ok := creds.Settings["instance_url"].(string); ok {
			instanceURL = strings.TrimRight(strings.TrimSpace(s), "/")
		}
	}
	if instanceURL == "" {
		return nil, fmt.Errorf("salesforce: %w: instance url", crm.ErrMissingCredentials)
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
	ctx := context.Background()
	if httpOpts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpOpts.HTTPClient)
	}
	httpOpts.HTTPClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(creds.Token()))

	return &Adapter{
		instanceURL: instanceURL,
		http:        crm.NewHTTPClient(httpOpts),
		limiter:     crm.NewRateLimiter(rps, opts.QueueDepth),
		log:         log.WithFields(logrus.Fields{"provider": crm.ProviderSalesforce, "instance": instanceURL}),
		lastID:      map[crm.EntityType]map[int]string{},
	}, nil
}

func (a *Adapter) Provider() crm.Provider { return crm.ProviderSalesforce }

func (a *Adapter) Close() error {
	a.limiter.Close()
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	if _, err := a.query(ctx, "SELECT Id FROM Contact LIMIT 1"); err != nil {
		a.log.WithError(err).Warn("salesforce connection test failed")
		return false
	}
	return true
}

type queryResponse struct {
	TotalSize int               `json:"totalSize"`
	Done      bool              `json:"done"`
	Records   []json.RawMessage `json:"records"`
}

func (a *Adapter) FetchContacts(ctx context.Context, opts crm.FetchOptions) ([]crm.Contact, error) {
	where := []string{"Email != null"}
	if opts.ModifiedSince != nil {
		where = append(where, "LastModifiedDate >= "+soqlTime(*opts.ModifiedSince))
	}
	var out []crm.Contact
	err := a.page(ctx, crm.EntityContacts, opts,
		"SELECT Id, Email, FirstName, LastName, Phone, Account.Name, LeadSource, CreatedDate FROM Contact",
		where, func(raw json.RawMessage) (string, error) {
			var r contactRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				return "", err
			}
			out = append(out, normalizeContact(r, raw))
			return r.ID, nil
		})
	return out, err
}

func (a *Adapter) FetchCompanies(ctx context.Context, opts crm.FetchOptions) ([]crm.Company, error) {
	var where []string
	if opts.ModifiedSince != nil {
		where = append(where, "LastModifiedDate >= "+soqlTime(*opts.ModifiedSince))
	}
	var out []crm.Company
	err := a.page(ctx, crm.EntityCompanies, opts,
		"SELECT Id, Name, Website, Industry, NumberOfEmployees FROM Account",
		where, func(raw json.RawMessage) (string, error) {
			var r accountRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				return "", err
			}
			out = append(out, normalizeCompany(r, raw))
			return r.ID, nil
		})
	return out, err
}

func (a *Adapter) FetchDeals(ctx context.Context, opts crm.FetchOptions) ([]crm.Deal, error) {
	var where []string
	if opts.ModifiedSince != nil {
		where = append(where, "LastModifiedDate >= "+soqlTime(*opts.ModifiedSince))
	}
	var out []crm.Deal
	err := a.page(ctx, crm.EntityDeals, opts,
		"SELECT Id, Name, Amount, StageName, Probability, CloseDate, Account.Name, Contact.Email FROM Opportunity",
		where, func(raw json.RawMessage) (string, error) {
			var r opportunityRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				return "", err
			}
			out = append(out, normalizeDeal(r, raw))
			return r.ID, nil
		})
	return out, err
}

func (a *Adapter) TotalCount(ctx context.Context, entity crm.EntityType) (int, error) {
	object, err := sobject(entity)
	if err != nil {
		return 0, err
	}
	resp, err := a.query(ctx, "SELECT COUNT() FROM "+object)
	if err != nil {
		return 0, err
	}
	return resp.TotalSize, nil
}

func sobject(entity crm.EntityType) (string, error) {
	switch entity {
	case crm.EntityContacts:
		return "Contact", nil
	case crm.EntityCompanies:
		return "Account", nil
	case crm.EntityDeals:
		return "Opportunity", nil
	}
	return "", fmt.Errorf("%w: %s", crm.ErrUnsupported, entity)
}

// page runs one keyset page. Offsets never seen before fall back to OFFSET.
func (a *Adapter) page(ctx context.Context, entity crm.EntityType, opts crm.FetchOptions, selectFrom string, where []string, each func(json.RawMessage) (string, error)) error {
	limit := crm.ClampLimit(opts.Limit, MaxPageSize)
	offsetClause := ""
	if opts.Offset > 0 {
		if id, ok := a.cursor(entity, opts.Offset); ok {
			where = append(where, "Id > "+quote(id))
		} else {
			offsetClause = fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	}
	soql := selectFrom
	if len(where) > 0 {
		soql += " WHERE " + strings.Join(where, " AND ")
	}
	soql += fmt.Sprintf(" ORDER BY Id LIMIT %d", limit) + offsetClause

	resp, err := a.query(ctx, soql)
	if err != nil {
		return err
	}
	var last string
	for _, raw := range resp.Records {
		id, err := each(raw)
		if err != nil {
			return fmt.Errorf("salesforce decode %s: %w", entity, err)
		}
		last = id
	}
	if last != "" {
		a.remember(entity, opts.Offset+len(resp.Records), last)
	}
	return nil
}

func (a *Adapter) cursor(entity crm.EntityType, offset int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.lastID[entity][offset]
	return id, ok
}

func (a *Adapter) remember(entity crm.EntityType, offset int, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastID[entity] == nil {
		a.lastID[entity] = map[int]string{}
	}
	a.lastID[entity][offset] = id
}

func (a *Adapter) query(ctx context.Context, soql string) (*queryResponse, error) {
	target := a.instanceURL + "/services/data/" + APIVersion + "/query?q=" + url.QueryEscape(soql)
	return crm.Schedule(ctx, a.limiter, func(ctx context.Context) (*queryResponse, error) {
		resp, err := a.http.Do(ctx, http.MethodGet, target, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("salesforce request: %w", err)
		}
		if resp.Status == http.StatusUnauthorized {
			return nil, fmt.Errorf("salesforce: %w", crm.ErrUnauthorized)
		}
		if !resp.OK() {
			return nil, &crm.APIError{Provider: crm.ProviderSalesforce, Status: resp.Status, Body: string(resp.Body)}
		}
		var out queryResponse
		if err := resp.DecodeJSON(&out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

func soqlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func quote(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}
