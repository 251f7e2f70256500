// Package pixel forwards won deals and manually reported lead events to the
// ad network's conversions API as events carrying hashed contact data.
package pixel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"crmpulse/crm"
	"crmpulse/utils"
)

const (
	DefaultGraphURL = "https://graph.facebook.com"
	DefaultVersion  = "v18.0"
)

type Config struct {
	GraphURL    string
	Version     string
	PixelID     string
	AccessToken string
	// TestEventCode routes events to the test console when set.
	TestEventCode string
}

// Conversion is one closed deal or lead update in plain text. Client hashes
// PII before it leaves the process.
type Conversion struct {
	EventName       string
	EventTime       time.Time
	Email           string
	Phone           string
	FirstName       string
	LastName        string
	Value           float64
	Currency        string
	LeadID          string
	ContentName     string
	ContentCategory string
	LeadStatus      string
}

// Manual event types accepted by ForEventType.
const (
	EventTypeLead     = "lead"
	EventTypePurchase = "purchase"
)

// ForEventType shapes a manually reported lead event. "lead" is a new lead,
// "purchase" a lead turned customer. Any other value is taken as the lead's
// new status and sent as a status update.
func ForEventType(eventType string, conv Conversion) Conversion {
	switch eventType {
	case EventTypeLead:
		conv.EventName = "Lead"
		conv.ContentName = "New Lead"
		conv.ContentCategory = "Lead Generation"
		conv.LeadStatus = "new"
	case EventTypePurchase:
		conv.EventName = "Purchase"
		conv.ContentName = "Lead Converted to Customer"
		conv.ContentCategory = "Conversion"
		conv.LeadStatus = "converted"
	default:
		return StatusUpdate(eventType, conv)
	}
	if conv.Currency == "" {
		conv.Currency = "USD"
	}
	return conv
}

// StatusUpdate reports a lead moving to status.
func StatusUpdate(status string, conv Conversion) Conversion {
	conv.EventName = "Lead"
	conv.ContentName = "CRM Lead Update"
	conv.ContentCategory = "Lead Management"
	conv.LeadStatus = status
	if conv.Currency == "" {
		conv.Currency = "USD"
	}
	return conv
}

type userData struct {
	Em []string `json:"em,omitempty"`
	Ph []string `json:"ph,omitempty"`
	Fn []string `json:"fn,omitempty"`
	Ln []string `json:"ln,omitempty"`
}

type customData struct {
	Value           float64 `json:"value"`
	Currency        string  `json:"currency,omitempty"`
	LeadID          string  `json:"lead_id,omitempty"`
	ContentName     string  `json:"content_name,omitempty"`
	ContentCategory string  `json:"content_category,omitempty"`
	LeadStatus      string  `json:"lead_status,omitempty"`
}

type event struct {
	EventName    string     `json:"event_name"`
	EventTime    int64      `json:"event_time"`
	ActionSource string     `json:"action_source"`
	UserData     userData   `json:"user_data"`
	CustomData   customData `json:"custom_data"`
}

type payload struct {
	Data          []event `json:"data"`
	TestEventCode string  `json:"test_event_code,omitempty"`
}

type Client struct {
	cfg  Config
	http *crm.HTTPClient
	log  *logrus.Entry
}

func New(cfg Config, httpClient *http.Client, log *logrus.Entry) *Client {
	if cfg.GraphURL == "" {
		cfg.GraphURL = DefaultGraphURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		cfg: cfg,
		// The sink makes no retry promise, so neither do we.
		http: crm.NewHTTPClient(crm.HTTPOptions{HTTPClient: httpClient, MaxRetries: -1}),
		log:  log.WithField("component", "pixel"),
	}
}

// Enabled reports whether a pixel id and token are configured.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.PixelID != "" && c.cfg.AccessToken != ""
}

// SendConversion posts one event. Failures are logged and reported as false.
func (c *Client) SendConversion(ctx context.Context, conv Conversion) bool {
	if !c.Enabled() {
		return false
	}
	body, err := json.Marshal(payload{Data: []event{buildEvent(conv)}, TestEventCode: c.cfg.TestEventCode})
	if err != nil {
		c.log.WithError(err).Error("encode conversion event")
		return false
	}
	target := strings.TrimRight(c.cfg.GraphURL, "/") + "/" + c.cfg.Version + "/" +
		url.PathEscape(c.cfg.PixelID) + "/events?access_token=" + url.QueryEscape(c.cfg.AccessToken)
	header := http.Header{"Content-Type": []string{"application/json"}}

	resp, err := c.http.Do(ctx, http.MethodPost, target, header, body)
	if err != nil {
		c.log.WithError(err).WithField("lead_id", conv.LeadID).Warn("conversion request failed")
		return false
	}
	if !resp.OK() {
		c.log.WithFields(logrus.Fields{"lead_id": conv.LeadID, "status": resp.Status}).Warn("conversion rejected")
		return false
	}
	return true
}

// TestConnection reads the token's own profile, which any valid token may do.
func (c *Client) TestConnection(ctx context.Context) bool {
	if !c.Enabled() {
		return false
	}
	target := strings.TrimRight(c.cfg.GraphURL, "/") + "/" + c.cfg.Version +
		"/me?fields=id,name&access_token=" + url.QueryEscape(c.cfg.AccessToken)
	resp, err := c.http.Do(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		c.log.WithError(err).Warn("pixel connection test failed")
		return false
	}
	if !resp.OK() {
		c.log.WithField("status", resp.Status).Warn("pixel connection test rejected")
		return false
	}
	return true
}

var nonDigits = regexp.MustCompile(`\D`)

// HashValue normalises then hashes one PII value. Empty input stays empty.
func HashValue(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	return utils.SHA256Hex([]byte(v))
}

// HashPhone keeps digits only before hashing.
func HashPhone(v string) string {
	digits := nonDigits.ReplaceAllString(v, "")
	if digits == "" {
		return ""
	}
	return utils.SHA256Hex([]byte(digits))
}

func one(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

func buildEvent(conv Conversion) event {
	name := conv.EventName
	if name == "" {
		name = "Purchase"
	}
	at := conv.EventTime
	if at.IsZero() {
		at = time.Now()
	}
	return event{
		EventName:    name,
		EventTime:    at.Unix(),
		ActionSource: "system_generated",
		UserData: userData{
			Em: one(HashValue(conv.Email)),
			Ph: one(HashPhone(conv.Phone)),
			Fn: one(HashValue(conv.FirstName)),
			Ln: one(HashValue(conv.LastName)),
		},
		CustomData: customData{
			Value:           conv.Value,
			Currency:        conv.Currency,
			LeadID:          conv.LeadID,
			ContentName:     conv.ContentName,
			ContentCategory: conv.ContentCategory,
			LeadStatus:      conv.LeadStatus,
		},
	}
}
