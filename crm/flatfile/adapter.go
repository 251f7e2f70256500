// Package flatfile adapts uploaded CSV rows to the crm.Adapter contract.
package flatfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"crmpulse/crm"
)

// Currency is assumed for deal amounts when the file has no currency column.
const Currency = "USD"

// Adapter serves pages over in-memory rows. It needs no network, so it has no
// rate limiter. Records are normalised once, in New; later changes to the
// rows are not seen.
type Adapter struct {
	rows    []Row
	mapping Mapping

	contacts  []crm.Contact
	companies []crm.Company
	deals     []crm.Deal
}

var _ crm.Adapter = (*Adapter)(nil)

func New(rows []Row, mapping Mapping) *Adapter {
	a := &Adapter{rows: rows, mapping: mapping}
	a.contacts = a.buildContacts()
	a.companies = a.buildCompanies()
	a.deals = a.buildDeals()
	return a
}

func (a *Adapter) Provider() crm.Provider { return crm.ProviderCSV }

func (a *Adapter) Close() error { return nil }

func (a *Adapter) TestConnection(context.Context) bool { return len(a.rows) > 0 }

func (a *Adapter) value(row Row, column string) string {
	if column == "" {
		return ""
	}
	return strings.TrimSpace(row[column])
}

func window[T any](all []T, opts crm.FetchOptions) []T {
	if opts.Offset >= len(all) || opts.Offset < 0 {
		return nil
	}
	end := len(all)
	if opts.Limit > 0 && opts.Offset+opts.Limit < end {
		end = opts.Offset + opts.Limit
	}
	return all[opts.Offset:end:end]
}

// FetchContacts skips rows without a value in the mapped email column.
func (a *Adapter) FetchContacts(_ context.Context, opts crm.FetchOptions) ([]crm.Contact, error) {
	return window(a.contacts, opts), nil
}

// FetchCompanies yields one company per distinct name value, compared
// exactly: "Acme" and "ACME " are two companies.
func (a *Adapter) FetchCompanies(_ context.Context, opts crm.FetchOptions) ([]crm.Company, error) {
	return window(a.companies, opts), nil
}

func (a *Adapter) FetchDeals(_ context.Context, opts crm.FetchOptions) ([]crm.Deal, error) {
	return window(a.deals, opts), nil
}

func (a *Adapter) buildContacts() []crm.Contact {
	var all []crm.Contact
	for _, row := range a.rows {
		if a.value(row, a.mapping.Email) == "" {
			continue
		}
		all = append(all, a.normalizeContact(row))
	}
	return all
}

func (a *Adapter) buildCompanies() []crm.Company {
	seen := map[string]bool{}
	var all []crm.Company
	for _, row := range a.rows {
		name := row[a.mapping.CompanyName]
		if a.mapping.CompanyName == "" || strings.TrimSpace(name) == "" || seen[name] {
			continue
		}
		seen[name] = true
		all = append(all, a.normalizeCompany(row, name))
	}
	return all
}

func (a *Adapter) buildDeals() []crm.Deal {
	var all []crm.Deal
	for _, row := range a.rows {
		if a.value(row, a.mapping.DealName) == "" {
			continue
		}
		all = append(all, a.normalizeDeal(row))
	}
	return all
}

// TotalCount reports every data row for contacts, including rows that
// FetchContacts drops for lacking an email.
func (a *Adapter) TotalCount(_ context.Context, entity crm.EntityType) (int, error) {
	switch entity {
	case crm.EntityContacts:
		return len(a.rows), nil
	case crm.EntityCompanies:
		return len(a.companies), nil
	case crm.EntityDeals:
		return len(a.deals), nil
	}
	return 0, fmt.Errorf("%w: %s", crm.ErrUnsupported, entity)
}

func rowMetadata(row Row) crm.Metadata {
	meta := make(crm.Metadata, len(row))
	for k, v := range row {
		meta[k] = v
	}
	return meta
}

func (a *Adapter) normalizeContact(row Row) crm.Contact {
	email := a.value(row, a.mapping.Email)
	externalID := a.value(row, a.mapping.ExternalID)
	if externalID == "" {
		externalID = "csv-" + email
	}
	first, last := a.value(row, a.mapping.FirstName), a.value(row, a.mapping.LastName)
	if first == "" && last == "" {
		first, last = crm.SplitName(a.value(row, a.mapping.FullName))
	}
	return crm.Contact{
		ExternalID:     externalID,
		Email:          email,
		FirstName:      first,
		LastName:       last,
		Phone:          a.value(row, a.mapping.Phone),
		CompanyName:    a.value(row, a.mapping.CompanyName),
		LifecycleStage: a.value(row, a.mapping.LifecycleStage),
		Source:         crm.ProviderCSV,
		Metadata:       rowMetadata(row),
	}
}

func (a *Adapter) normalizeCompany(row Row, name string) crm.Company {
	return crm.Company{
		ExternalID: "csv-company-" + name,
		Name:       strings.TrimSpace(name),
		Domain:     a.value(row, a.mapping.CompanyDomain),
		Industry:   a.value(row, a.mapping.CompanyIndustry),
		Size:       a.value(row, a.mapping.CompanySize),
		Source:     crm.ProviderCSV,
		Metadata:   rowMetadata(row),
	}
}

func (a *Adapter) normalizeDeal(row Row) crm.Deal {
	name := a.value(row, a.mapping.DealName)
	amountRaw := a.value(row, a.mapping.DealAmount)
	stage := a.value(row, a.mapping.DealStage)
	if stage == "" {
		stage = "unknown"
	}
	probability := crm.DefaultProbability
	if p, err := strconv.Atoi(strings.TrimSuffix(a.value(row, a.mapping.DealProbability), "%")); err == nil {
		probability = p
	}
	currency := strings.ToUpper(a.value(row, a.mapping.DealCurrency))
	if currency == "" {
		currency = Currency
	}
	contactEmail := a.value(row, a.mapping.Email)
	closeRaw := a.value(row, a.mapping.DealCloseDate)
	return crm.Deal{
		ExternalID:   dealID(name, amountRaw, contactEmail, stage, closeRaw),
		Name:         name,
		Amount:       crm.ParseAmount(amountRaw),
		Currency:     currency,
		Stage:        stage,
		Probability:  probability,
		CloseDate:    crm.ParseTime(closeRaw),
		ContactEmail: contactEmail,
		CompanyName:  a.value(row, a.mapping.CompanyName),
		Source:       crm.ProviderCSV,
		Metadata:     rowMetadata(row),
	}
}

// dealID derives a stable id from the row content so re-importing the same
// file matches the deals created the first time.
func dealID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "csv-deal-" + hex.EncodeToString(sum[:8])
}
