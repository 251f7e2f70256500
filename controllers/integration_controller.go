package controller

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"crmpulse/crm"
	"crmpulse/middleware"
	"crmpulse/models"
	"crmpulse/services"
	"crmpulse/store"
	"crmpulse/utils"
)

type IntegrationController struct {
	Store    *store.Store
	Registry *crm.Registry
	Cipher   *utils.TokenCipher
	Sync     *services.SyncService
	Logger   *logrus.Entry
}

func NewIntegrationController(st *store.Store, registry *crm.Registry, cipher *utils.TokenCipher, sync *services.SyncService, logger *logrus.Entry) *IntegrationController {
	return &IntegrationController{
		Store:    st,
		Registry: registry,
		Cipher:   cipher,
		Sync:     sync,
		Logger:   logger.WithField("controller", "integrations"),
	}
}

// ListIntegrations returns the caller's integrations. Tokens never leave
// the server.
func (ic *IntegrationController) ListIntegrations(c *fiber.Ctx) error {
	integrations, err := ic.Store.ListIntegrations(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch integrations", err)
	}
	return c.JSON(utils.SuccessResponse(integrations))
}

// CreateIntegration stores a token-based integration (HubSpot private app
// token, Salesforce session) after a successful connection test. amoCRM
// connects through OAuth instead.
func (ic *IntegrationController) CreateIntegration(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var input struct {
		Provider     string `json:"provider" validate:"required,oneof=hubspot salesforce"`
		AccessToken  string `json:"access_token" validate:"required"`
		RefreshToken string `json:"refresh_token"`
		InstanceURL  string `json:"instance_url" validate:"omitempty,url"`
		AccountID    string `json:"account_id" validate:"omitempty,max=255"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	input.Provider = strings.ToLower(strings.TrimSpace(input.Provider))
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if input.Provider == string(crm.ProviderSalesforce) && input.InstanceURL == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "instance_url is required for Salesforce", nil)
	}

	creds := crm.Credentials{
		Provider:     crm.Provider(input.Provider),
		AccessToken:  input.AccessToken,
		RefreshToken: input.RefreshToken,
		AccountID:    input.AccountID,
		InstanceURL:  strings.TrimRight(input.InstanceURL, "/"),
	}
	adapter, err := ic.Registry.New(creds, nil)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unsupported provider configuration", err)
	}
	ok := adapter.TestConnection(c.UserContext())
	adapter.Close()
	if !ok {
		ic.Logger.WithFields(logrus.Fields{"user_id": userID, "provider": input.Provider}).Warn("connection test failed")
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Connection test failed", nil)
	}

	access, err := ic.Cipher.Encrypt(creds.AccessToken)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to secure credentials", err)
	}
	refresh, err := ic.Cipher.Encrypt(creds.RefreshToken)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to secure credentials", err)
	}

	accountID := creds.AccountID
	if accountID == "" {
		accountID = creds.InstanceURL
	}
	if accountID == "" {
		accountID = "default"
	}
	in := &models.Integration{
		UserID:       userID,
		Provider:     input.Provider,
		AccountID:    accountID,
		AccessToken:  access,
		RefreshToken: refresh,
		InstanceURL:  creds.InstanceURL,
		Status:       models.IntegrationActive,
	}
	if err := ic.Store.SaveIntegration(c.UserContext(), in); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save integration", err)
	}

	utils.LogEvent("integration_connected", map[string]interface{}{
		"user_id":  userID,
		"provider": in.Provider,
	})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(in))
}

func (ic *IntegrationController) DeleteIntegration(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid integration ID", nil)
	}
	if err := ic.Store.DeleteIntegration(c.UserContext(), middleware.UserID(c), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Integration not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete integration", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": id}))
}

func (ic *IntegrationController) TestIntegration(c *fiber.Ctx) error {
	in, err := ic.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	ok, err := ic.Sync.TestIntegration(c.UserContext(), in)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Integration cannot be used", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"connected": ok}))
}

// SyncIntegration runs one full sync of the integration inside the request.
func (ic *IntegrationController) SyncIntegration(c *fiber.Ctx) error {
	in, err := ic.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	run, err := ic.Sync.SyncIntegration(c.UserContext(), in, services.TriggerManual, false)
	switch {
	case errors.Is(err, services.ErrIntegrationInactive):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Integration is not active", err)
	case err != nil && run == nil:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start sync", err)
	case err != nil:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"error":   "Sync failed",
			"details": err.Error(),
			"data":    run,
		})
	}
	return c.JSON(utils.SuccessResponse(run))
}

// lookup loads the caller's integration named by :id.
func (ic *IntegrationController) lookup(c *fiber.Ctx) (*models.Integration, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid integration ID")
	}
	in, err := ic.Store.GetUserIntegration(c.UserContext(), middleware.UserID(c), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fiber.NewError(fiber.StatusNotFound, "Integration not found")
	}
	if err != nil {
		return nil, fmt.Errorf("fetch integration: %w", err)
	}
	return in, nil
}
