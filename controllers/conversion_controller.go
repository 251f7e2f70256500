package controller

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"crmpulse/middleware"
	"crmpulse/models"
	"crmpulse/pixel"
	"crmpulse/store"
	"crmpulse/utils"
)

// ConversionController lets a client report lead events by hand, outside
// of the won-deal forwarding done after each sync.
type ConversionController struct {
	Pixel  *pixel.Client
	Store  *store.Store
	Logger *logrus.Entry
}

func NewConversionController(px *pixel.Client, st *store.Store, logger *logrus.Entry) *ConversionController {
	return &ConversionController{
		Pixel:  px,
		Store:  st,
		Logger: logger.WithField("controller", "conversions"),
	}
}

type leadInput struct {
	LeadID     string         `json:"leadId" validate:"required,max=255"`
	Email      string         `json:"email" validate:"omitempty,email"`
	Phone      string         `json:"phone" validate:"max=64"`
	FirstName  string         `json:"firstName" validate:"max=255"`
	LastName   string         `json:"lastName" validate:"max=255"`
	Value      float64        `json:"value" validate:"gte=0"`
	Currency   string         `json:"currency" validate:"omitempty,len=3"`
	CustomData map[string]any `json:"customData"`
}

func (in leadInput) conversion() pixel.Conversion {
	return pixel.Conversion{
		EventTime: time.Now(),
		Email:     in.Email,
		Phone:     in.Phone,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Value:     in.Value,
		Currency:  strings.ToUpper(in.Currency),
		LeadID:    in.LeadID,
	}
}

// parseLead reads and validates the body. The pixel must be configured
// before anything is sent or stored. When ok is false the error response has
// already been written.
func (cc *ConversionController) parseLead(c *fiber.Ctx, out any, trim func()) (bool, error) {
	if err := c.BodyParser(out); err != nil {
		return false, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	trim()
	if err := utils.ValidateStruct(out); err != nil {
		return false, utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if !cc.Pixel.Enabled() {
		return false, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Conversion pixel is not configured", nil)
	}
	return true, nil
}

// save upserts the lead and logs the event. Only the upsert can fail the
// request.
func (cc *ConversionController) save(c *fiber.Ctx, in leadInput, status, eventName string, sent bool, props datatypes.JSONMap) error {
	userID := middleware.UserID(c)
	lead := &models.Lead{
		OwnerID:    userID,
		LeadRef:    in.LeadID,
		Status:     status,
		Email:      in.Email,
		Phone:      in.Phone,
		FirstName:  in.FirstName,
		LastName:   in.LastName,
		Value:      in.Value,
		PixelSent:  sent,
		CustomData: datatypes.JSONMap(in.CustomData),
	}
	if err := cc.Store.UpsertLead(c.UserContext(), lead); err != nil {
		return err
	}

	props["pixel_sent"] = sent
	props["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	ev := &models.Event{
		EventName:      eventName,
		EventType:      status,
		Source:         "manual",
		ContactRef:     in.LeadID,
		UserAgent:      c.Get(fiber.HeaderUserAgent),
		IPAddress:      c.IP(),
		Properties:     props,
		IdempotencyKey: uuid.NewString(),
	}
	if _, _, err := cc.Store.InsertEvent(c.UserContext(), ev); err != nil {
		cc.Logger.WithError(err).WithFields(logrus.Fields{"user_id": userID, "lead_id": in.LeadID}).Warn("failed to log lead event")
	}
	return nil
}

// SendConversion reports a lead event. eventType "lead" and "purchase" send
// the matching pixel events; any other value is treated as a status update.
func (cc *ConversionController) SendConversion(c *fiber.Ctx) error {
	var input struct {
		leadInput
		EventType string `json:"eventType" validate:"required,max=64"`
	}
	trim := func() {
		input.LeadID = strings.TrimSpace(input.LeadID)
		input.EventType = strings.ToLower(strings.TrimSpace(input.EventType))
	}
	if ok, err := cc.parseLead(c, &input, trim); !ok {
		return err
	}

	sent := cc.Pixel.SendConversion(c.UserContext(), pixel.ForEventType(input.EventType, input.conversion()))
	props := datatypes.JSONMap{"event_type": input.EventType, "value": input.Value}
	if err := cc.save(c, input.leadInput, input.EventType, "conversion", sent, props); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save lead", err)
	}

	utils.LogEvent("lead_conversion", map[string]interface{}{
		"user_id":    middleware.UserID(c),
		"lead_id":    input.LeadID,
		"event_type": input.EventType,
		"pixel_sent": sent,
	})
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"leadId":        input.LeadID,
		"eventType":     input.EventType,
		"pixelSent":     sent,
		"databaseSaved": true,
		"timestamp":     time.Now().UTC(),
	}))
}

// UpdateLeadStatus stores the lead's new status and reports it to the pixel.
func (cc *ConversionController) UpdateLeadStatus(c *fiber.Ctx) error {
	var input struct {
		leadInput
		Status string `json:"status" validate:"required,max=64"`
	}
	trim := func() {
		input.LeadID = strings.TrimSpace(input.LeadID)
		input.Status = strings.TrimSpace(input.Status)
	}
	if ok, err := cc.parseLead(c, &input, trim); !ok {
		return err
	}

	sent := cc.Pixel.SendConversion(c.UserContext(), pixel.StatusUpdate(input.Status, input.conversion()))
	if err := cc.save(c, input.leadInput, input.Status, "status_update", sent, datatypes.JSONMap{"status": input.Status}); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save lead", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"leadId":        input.LeadID,
		"status":        input.Status,
		"pixelSent":     sent,
		"databaseSaved": true,
		"timestamp":     time.Now().UTC(),
	}))
}

// TestPixel checks the configured access token against the graph API.
func (cc *ConversionController) TestPixel(c *fiber.Ctx) error {
	if !cc.Pixel.Enabled() {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Conversion pixel is not configured", nil)
	}
	if !cc.Pixel.TestConnection(c.UserContext()) {
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Conversion pixel rejected the access token", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"connected": true, "timestamp": time.Now().UTC()}))
}
