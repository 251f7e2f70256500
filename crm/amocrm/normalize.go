package amocrm

import (
	"fmt"
	"strconv"
	"strings"

	"crmpulse/crm"
)

// Currency is the currency amoCRM accounts are assumed to bill in.
const Currency = "RUB"

type customField struct {
	FieldID   int64  `json:"field_id"`
	FieldName string `json:"field_name"`
	FieldCode string `json:"field_code"`
	FieldType string `json:"field_type"`
	Values    []struct {
		Value any    `json:"value"`
		Enum  string `json:"enum_code,omitempty"`
	} `json:"values"`
}

type embeddedRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

type contact struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	FirstName         string        `json:"first_name"`
	LastName          string        `json:"last_name"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at"`
	ResponsibleUserID int64         `json:"responsible_user_id"`
	CustomFields      []customField `json:"custom_fields_values"`
	Embedded          struct {
		Companies []embeddedRef `json:"companies"`
	} `json:"_embedded"`
}

type company struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at"`
	ResponsibleUserID int64         `json:"responsible_user_id"`
	CustomFields      []customField `json:"custom_fields_values"`
}

type lead struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	Price             float64       `json:"price"`
	StatusID          int64         `json:"status_id"`
	PipelineID        int64         `json:"pipeline_id"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at"`
	ClosedAt          int64         `json:"closed_at"`
	ResponsibleUserID int64         `json:"responsible_user_id"`
	CustomFields      []customField `json:"custom_fields_values"`
	Embedded          struct {
		Contacts  []embeddedRef `json:"contacts"`
		Companies []embeddedRef `json:"companies"`
	} `json:"_embedded"`
}

type stage struct {
	name        string
	probability int
}

var statusStages = map[int64]stage{
	142: {crm.StageQualified, 20},
	143: {crm.StagePresentation, 40},
	144: {crm.StageProposal, 60},
	145: {crm.StageNegotiation, 80},
	146: {crm.StageClosedWon, 100},
	147: {crm.StageClosedLost, 0},
}

// MapStatus resolves a lead status id. Unknown ids map to "status-{id}" with
// the default probability.
func MapStatus(statusID int64) (name string, probability int) {
	if s, ok := statusStages[statusID]; ok {
		return s.name, s.probability
	}
	return fmt.Sprintf("status-%d", statusID), crm.DefaultProbability
}

// fieldValue returns the first value of the first field matching one of the
// codes, or of the given type when no code matches.
func fieldValue(fields []customField, fallbackType string, codes ...string) string {
	for _, code := range codes {
		for _, f := range fields {
			if strings.EqualFold(f.FieldCode, code) && len(f.Values) > 0 {
				return stringify(f.Values[0].Value)
			}
		}
	}
	if fallbackType != "" {
		for _, f := range fields {
			if f.FieldType == fallbackType && len(f.Values) > 0 {
				return stringify(f.Values[0].Value)
			}
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

// An amoCRM contact without an EMAIL field normalises to an empty email; the
// importer rejects it at validation.
func normalizeContact(c contact) crm.Contact {
	first, last := c.FirstName, c.LastName
	if first == "" && last == "" {
		first, last = crm.SplitName(c.Name)
	}
	var companyName string
	if len(c.Embedded.Companies) > 0 {
		companyName = c.Embedded.Companies[0].Name
	}
	return crm.Contact{
		ExternalID:  strconv.FormatInt(c.ID, 10),
		Email:       fieldValue(c.CustomFields, "multitext", "EMAIL"),
		FirstName:   first,
		LastName:    last,
		Phone:       fieldValue(c.CustomFields, "", "PHONE"),
		CompanyName: companyName,
		Source:      crm.ProviderAmoCRM,
		CreatedAt:   crm.UnixTime(c.CreatedAt),
		Metadata: crm.Metadata{
			"amo_id":              c.ID,
			"responsible_user_id": c.ResponsibleUserID,
			"updated_at":          c.UpdatedAt,
			"custom_fields":       c.CustomFields,
		},
	}
}

func normalizeCompany(c company) crm.Company {
	return crm.Company{
		ExternalID: strconv.FormatInt(c.ID, 10),
		Name:       strings.TrimSpace(c.Name),
		Domain:     fieldValue(c.CustomFields, "", "WEB"),
		Source:     crm.ProviderAmoCRM,
		Metadata: crm.Metadata{
			"amo_id":              c.ID,
			"responsible_user_id": c.ResponsibleUserID,
			"custom_fields":       c.CustomFields,
		},
	}
}

func normalizeDeal(l lead) crm.Deal {
	stageName, probability := MapStatus(l.StatusID)
	meta := crm.Metadata{
		"amo_id":              l.ID,
		"pipeline_id":         l.PipelineID,
		"status_id":           l.StatusID,
		"responsible_user_id": l.ResponsibleUserID,
	}
	if len(l.Embedded.Contacts) > 0 {
		meta["contact_id"] = l.Embedded.Contacts[0].ID
	}
	if len(l.Embedded.Companies) > 0 {
		meta["company_id"] = l.Embedded.Companies[0].ID
	}
	var companyName string
	if len(l.Embedded.Companies) > 0 {
		companyName = l.Embedded.Companies[0].Name
	}
	return crm.Deal{
		ExternalID:  strconv.FormatInt(l.ID, 10),
		Name:        strings.TrimSpace(l.Name),
		Amount:      l.Price,
		Currency:    Currency,
		Stage:       stageName,
		Probability: probability,
		CloseDate:   crm.UnixTime(l.ClosedAt),
		CompanyName: companyName,
		Source:      crm.ProviderAmoCRM,
		Metadata:    meta,
	}
}
