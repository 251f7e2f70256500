package hubspot

import (
	"math"
	"strconv"
	"strings"

	"crmpulse/crm"
)

type stage struct {
	name        string
	probability int
}

// Stages of HubSpot's default sales pipeline.
var dealStages = map[string]stage{
	"appointmentscheduled":  {crm.StageQualified, 20},
	"qualifiedtobuy":        {crm.StageQualified, 40},
	"presentationscheduled": {crm.StagePresentation, 60},
	"decisionmakerboughtin": {crm.StageProposal, 80},
	"contractsent":          {crm.StageNegotiation, 90},
	"closedwon":             {crm.StageClosedWon, 100},
	"closedlost":            {crm.StageClosedLost, 0},
}

// MapStage resolves a dealstage id. Custom pipeline stages keep their raw id,
// an absent stage becomes "unknown".
func MapStage(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "unknown", crm.DefaultProbability
	}
	if s, ok := dealStages[strings.ToLower(raw)]; ok {
		return s.name, s.probability
	}
	return raw, crm.DefaultProbability
}

func metadata(o object) crm.Metadata {
	meta := crm.Metadata{"hubspot_id": o.ID}
	for k, v := range o.Properties {
		meta[k] = v
	}
	return meta
}

func normalizeContact(o object) crm.Contact {
	p := o.Properties
	return crm.Contact{
		ExternalID:     o.ID,
		Email:          strings.TrimSpace(p["email"]),
		FirstName:      p["firstname"],
		LastName:       p["lastname"],
		Phone:          p["phone"],
		CompanyName:    strings.TrimSpace(p["company"]),
		LifecycleStage: p["lifecyclestage"],
		CreatedAt:      crm.ParseTime(p["createdate"]),
		Source:         crm.ProviderHubSpot,
		Metadata:       metadata(o),
	}
}

func normalizeCompany(o object) crm.Company {
	p := o.Properties
	return crm.Company{
		ExternalID: o.ID,
		Name:       strings.TrimSpace(p["name"]),
		Domain:     p["domain"],
		Industry:   p["industry"],
		Size:       p["numberofemployees"],
		Source:     crm.ProviderHubSpot,
		Metadata:   metadata(o),
	}
}

func normalizeDeal(o object) crm.Deal {
	p := o.Properties
	stageName, probability := MapStage(p["dealstage"])
	if raw := p["hs_deal_stage_probability"]; raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0 && f <= 1 {
			probability = int(math.Round(f * 100))
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(p["deal_currency_code"]))
	if currency == "" {
		currency = Currency
	}
	return crm.Deal{
		ExternalID:  o.ID,
		Name:        strings.TrimSpace(p["dealname"]),
		Amount:      crm.ParseAmount(p["amount"]),
		Currency:    currency,
		Stage:       stageName,
		Probability: probability,
		CloseDate:   crm.ParseTime(p["closedate"]),
		Source:      crm.ProviderHubSpot,
		Metadata:    metadata(o),
	}
}
