package flatfile

import "strings"

// Mapping names the CSV column holding each normalised field. Empty means
// the field is not present in the file.
type Mapping struct {
	ExternalID     string `json:"externalId,omitempty"`
	Email          string `json:"email" validate:"required"`
	FirstName      string `json:"firstName,omitempty"`
	LastName       string `json:"lastName,omitempty"`
	FullName       string `json:"fullName,omitempty"`
	Phone          string `json:"phone,omitempty"`
	CompanyName    string `json:"companyName,omitempty"`
	LifecycleStage string `json:"lifecycleStage,omitempty"`

	CompanyDomain   string `json:"companyDomain,omitempty"`
	CompanyIndustry string `json:"companyIndustry,omitempty"`
	CompanySize     string `json:"companySize,omitempty"`

	DealName        string `json:"dealName,omitempty"`
	DealAmount      string `json:"dealAmount,omitempty"`
	DealCurrency    string `json:"dealCurrency,omitempty"`
	DealStage       string `json:"dealStage,omitempty"`
	DealProbability string `json:"dealProbability,omitempty"`
	DealCloseDate   string `json:"dealCloseDate,omitempty"`
}

type rule struct {
	target *string
	match  func(h string) bool
}

func containsAny(subs ...string) func(string) bool {
	return func(h string) bool {
		for _, s := range subs {
			if strings.Contains(h, s) {
				return true
			}
		}
		return false
	}
}

func containsAll(subs ...string) func(string) bool {
	return func(h string) bool {
		for _, s := range subs {
			if !strings.Contains(h, s) {
				return false
			}
		}
		return true
	}
}

// AutoDetect guesses a mapping from header names. The first matching header
// wins for each field; a header is never assigned to two fields.
func AutoDetect(headers []string) Mapping {
	var m Mapping
	rules := []rule{
		{&m.Email, containsAny("email", "e-mail")},
		{&m.FirstName, containsAll("first", "name")},
		{&m.LastName, containsAll("last", "name")},
		{&m.Phone, containsAny("phone", "mobile", "tel")},
		{&m.DealName, func(h string) bool {
			return strings.Contains(h, "deal") && (strings.Contains(h, "name") || strings.Contains(h, "title") || h == "deal")
		}},
		{&m.DealAmount, containsAny("amount", "value", "price", "revenue")},
		{&m.DealStage, containsAny("stage", "status")},
		{&m.DealCloseDate, containsAll("close")},
		{&m.CompanyDomain, containsAny("domain", "website")},
		{&m.CompanyIndustry, containsAny("industry")},
		{&m.CompanyName, containsAny("company", "organization", "organisation", "account")},
		{&m.FullName, func(h string) bool { return h == "name" || h == "full name" || h == "contact name" }},
	}
	used := make([]bool, len(headers))
	for _, r := range rules {
		for i, h := range headers {
			if used[i] {
				continue
			}
			if r.match(strings.ToLower(strings.TrimSpace(h))) {
				*r.target = h
				used[i] = true
				break
			}
		}
	}
	return m
}
