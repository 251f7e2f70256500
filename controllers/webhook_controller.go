package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"crmpulse/crm"
	"crmpulse/models"
	"crmpulse/store"
	"crmpulse/utils"
)

const eventSchemaURL = "https://crmpulse.local/schemas/crm-event.json"

// eventSchema is the contract for inbound CRM events.
const eventSchema = `{
  "type": "object",
  "required": ["eventName", "eventType", "source"],
  "properties": {
    "eventName":      {"type": "string", "minLength": 1},
    "eventType":      {"type": "string", "minLength": 1},
    "source":         {"type": "string", "minLength": 1},
    "contactId":      {"type": "string", "format": "uuid"},
    "sessionId":      {"type": "string"},
    "properties":     {"type": "object"},
    "idempotencyKey": {"type": "string", "minLength": 1}
  }
}`

type crmEvent struct {
	EventName      string         `json:"eventName"`
	EventType      string         `json:"eventType"`
	Source         string         `json:"source"`
	ContactID      string         `json:"contactId"`
	SessionID      string         `json:"sessionId"`
	Properties     map[string]any `json:"properties"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

type WebhookController struct {
	Store              *store.Store
	AmoCRMClientID     string
	AmoCRMClientSecret string
	// Secret signs the generic CRM events webhook.
	Secret string
	Logger *logrus.Entry

	schema *jsonschema.Schema
	now    func() time.Time
}

func NewWebhookController(st *store.Store, amoClientID, amoClientSecret, secret string, logger *logrus.Entry) (*WebhookController, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("event schema: %w", err)
	}
	schema, err := compiler.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("event schema: %w", err)
	}
	return &WebhookController{
		Store:              st,
		AmoCRMClientID:     amoClientID,
		AmoCRMClientSecret: amoClientSecret,
		Secret:             secret,
		Logger:             logger.WithField("controller", "webhooks"),
		schema:             schema,
		now:                time.Now,
	}, nil
}

// AmoCRMDisconnect handles amoCRM's disconnect hook. The signature is the
// hex HMAC-SHA256 of "client_id|account_id" keyed by the client secret.
func (wc *WebhookController) AmoCRMDisconnect(c *fiber.Ctx) error {
	accountID := c.Query("account_id")
	clientUUID := c.Query("client_uuid")
	signature := c.Query("signature")
	if accountID == "" || clientUUID == "" || signature == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Missing required parameters", nil)
	}
	if wc.AmoCRMClientID == "" || wc.AmoCRMClientSecret == "" {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Webhook not configured", nil)
	}
	if clientUUID != wc.AmoCRMClientID {
		wc.Logger.WithField("account_id", accountID).Warn("disconnect hook with foreign client_uuid")
		return utils.ErrorResponse(c, fiber.StatusForbidden, "Invalid client_uuid", nil)
	}
	message := []byte(wc.AmoCRMClientID + "|" + accountID)
	if !utils.VerifyHMAC(wc.AmoCRMClientSecret, message, signature) {
		wc.Logger.WithField("account_id", accountID).Warn("disconnect hook with invalid signature")
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid signature", nil)
	}

	n, err := wc.Store.Disconnect(c.UserContext(), string(crm.ProviderAmoCRM), accountID, wc.now().UTC())
	if err != nil {
		utils.LogError("amocrm_disconnect", err, map[string]interface{}{"account_id": accountID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update integration", err)
	}
	utils.LogEvent("integration_disconnected", map[string]interface{}{
		"provider":   crm.ProviderAmoCRM,
		"account_id": accountID,
		"affected":   n,
	})
	return c.JSON(utils.SuccessResponse(fiber.Map{"disconnected": n}))
}

// CRMEvent stores a signed inbound event once per idempotency key. A
// replayed key answers 200 with the original id and writes nothing.
func (wc *WebhookController) CRMEvent(c *fiber.Ctx) error {
	if wc.Secret == "" {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Webhook not configured", nil)
	}
	body := c.Body()
	signature := c.Get("X-Webhook-Signature")
	if signature == "" || !utils.VerifyHMAC(wc.Secret, body, signature) {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid signature", nil)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid payload", err)
	}
	if err := wc.schema.Validate(inst); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid payload", err)
	}
	var in crmEvent
	if err := json.Unmarshal(body, &in); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid payload", err)
	}

	key := in.IdempotencyKey
	if key == "" {
		key = c.Get("Idempotency-Key")
	}
	if key == "" {
		stamp := strconv.FormatInt(wc.now().UnixNano(), 10)
		key = utils.SHA256Hex(append(append([]byte{}, body...), stamp...))
	}

	ev := &models.Event{
		EventName:      in.EventName,
		EventType:      in.EventType,
		Source:         in.Source,
		ContactRef:     in.ContactID,
		SessionID:      in.SessionID,
		UserAgent:      c.Get(fiber.HeaderUserAgent),
		IPAddress:      c.IP(),
		Properties:     in.Properties,
		IdempotencyKey: key,
	}
	if ev.Properties == nil {
		ev.Properties = map[string]any{}
	}
	stored, created, err := wc.Store.InsertEvent(c.UserContext(), ev)
	if err != nil {
		utils.LogError("crm_event_store", err, map[string]interface{}{"event_type": in.EventType, "source": in.Source})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", nil)
	}
	if !created {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Event already processed", "id": stored.ID})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": "Event processed", "id": stored.ID})
}
