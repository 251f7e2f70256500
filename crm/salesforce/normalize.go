package salesforce

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"crmpulse/crm"
)

type relatedName struct {
	Name string `json:"Name"`
}

type contactRecord struct {
	ID          string       `json:"Id"`
	Email       string       `json:"Email"`
	FirstName   string       `json:"FirstName"`
	LastName    string       `json:"LastName"`
	Phone       string       `json:"Phone"`
	LeadSource  string       `json:"LeadSource"`
	CreatedDate string       `json:"CreatedDate"`
	Account     *relatedName `json:"Account"`
}

type accountRecord struct {
	ID                string   `json:"Id"`
	Name              string   `json:"Name"`
	Website           string   `json:"Website"`
	Industry          string   `json:"Industry"`
	NumberOfEmployees *float64 `json:"NumberOfEmployees"`
}

type opportunityRecord struct {
	ID          string       `json:"Id"`
	Name        string       `json:"Name"`
	Amount      *float64     `json:"Amount"`
	StageName   string       `json:"StageName"`
	Probability *float64     `json:"Probability"`
	CloseDate   string       `json:"CloseDate"`
	Account     *relatedName `json:"Account"`
	Contact     *struct {
		Email string `json:"Email"`
	} `json:"Contact"`
}

// Standard Opportunity stages. Orgs with custom stages keep the raw
// StageName, and Probability comes from the record itself when present.
var stageNames = map[string]string{
	"prospecting":          crm.StageQualified,
	"qualification":        crm.StageQualified,
	"needs analysis":       crm.StageQualified,
	"value proposition":    crm.StagePresentation,
	"id. decision makers":  crm.StagePresentation,
	"perception analysis":  crm.StagePresentation,
	"proposal/price quote": crm.StageProposal,
	"negotiation/review":   crm.StageNegotiation,
	"closed won":           crm.StageClosedWon,
	"closed lost":          crm.StageClosedLost,
}

func mapStage(raw string) string {
	if s, ok := stageNames[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	if raw == "" {
		return "unknown"
	}
	return raw
}

func rawMetadata(raw json.RawMessage) crm.Metadata {
	meta := crm.Metadata{}
	_ = json.Unmarshal(raw, &meta)
	delete(meta, "attributes")
	return meta
}

func normalizeContact(r contactRecord, raw json.RawMessage) crm.Contact {
	c := crm.Contact{
		ExternalID: r.ID,
		Email:      strings.TrimSpace(r.Email),
		FirstName:  r.FirstName,
		LastName:   r.LastName,
		Phone:      r.Phone,
		Source:     crm.ProviderSalesforce,
		CreatedAt:  crm.ParseTime(r.CreatedDate),
		Metadata:   rawMetadata(raw),
	}
	if r.Account != nil {
		c.CompanyName = strings.TrimSpace(r.Account.Name)
	}
	if r.LeadSource != "" {
		c.Metadata["lead_source"] = r.LeadSource
	}
	return c
}

func normalizeCompany(r accountRecord, raw json.RawMessage) crm.Company {
	c := crm.Company{
		ExternalID: r.ID,
		Name:       strings.TrimSpace(r.Name),
		Domain:     r.Website,
		Industry:   r.Industry,
		Source:     crm.ProviderSalesforce,
		Metadata:   rawMetadata(raw),
	}
	if r.NumberOfEmployees != nil {
		c.Size = strconv.FormatFloat(*r.NumberOfEmployees, 'f', -1, 64)
	}
	return c
}

func normalizeDeal(r opportunityRecord, raw json.RawMessage) crm.Deal {
	d := crm.Deal{
		ExternalID:  r.ID,
		Name:        strings.TrimSpace(r.Name),
		Currency:    Currency,
		Stage:       mapStage(r.StageName),
		Probability: crm.DefaultProbability,
		CloseDate:   crm.ParseTime(r.CloseDate),
		Source:      crm.ProviderSalesforce,
		Metadata:    rawMetadata(raw),
	}
	if r.Amount != nil {
		d.Amount = *r.Amount
	}
	if r.Probability != nil {
		d.Probability = int(math.Round(*r.Probability))
	}
	if r.Account != nil {
		d.CompanyName = strings.TrimSpace(r.Account.Name)
	}
	if r.Contact != nil {
		d.ContactEmail = strings.TrimSpace(r.Contact.Email)
	}
	return d
}
