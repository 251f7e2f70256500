package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"crmpulse/crm"
	"crmpulse/crm/flatfile"
	"crmpulse/middleware"
	"crmpulse/services"
	"crmpulse/utils"
)

const sampleRows = 5

type ImportController struct {
	Importer *services.ImportService
	Progress *services.ProgressHub
	// MaxUploadSize caps the CSV size in bytes.
	MaxUploadSize int64
	Logger        *logrus.Entry
}

func NewImportController(importer *services.ImportService, hub *services.ProgressHub, maxUpload int64, logger *logrus.Entry) *ImportController {
	if maxUpload <= 0 {
		maxUpload = 20 << 20
	}
	return &ImportController{
		Importer:      importer,
		Progress:      hub,
		MaxUploadSize: maxUpload,
		Logger:        logger.WithField("controller", "import"),
	}
}

// readTable parses the multipart "file" field.
func (ic *ImportController) readTable(c *fiber.Ctx) (*flatfile.Table, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "File upload error")
	}
	if file.Size > ic.MaxUploadSize {
		return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge, fmt.Sprintf("File too large (max %d MB)", ic.MaxUploadSize>>20))
	}
	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	table, err := flatfile.Parse(src)
	if errors.Is(err, flatfile.ErrEmptyFile) {
		return nil, fiber.NewError(fiber.StatusBadRequest, "CSV file is empty")
	}
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Failed to parse CSV file")
	}
	return table, nil
}

// AnalyzeCSV reports what an upload contains and how its columns would be
// mapped, without importing anything.
func (ic *ImportController) AnalyzeCSV(c *fiber.Ctx) error {
	table, err := ic.readTable(c)
	if err != nil {
		return respondError(c, err)
	}

	mapping := flatfile.AutoDetect(table.Headers)
	validEmails := 0
	if mapping.Email != "" {
		for _, row := range table.Rows {
			if email := row[mapping.Email]; email != "" && checkmail.ValidateFormat(email) == nil {
				validEmails++
			}
		}
	}
	samples := table.Rows
	if len(samples) > sampleRows {
		samples = samples[:sampleRows]
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"headers":          table.Headers,
		"suggestedMapping": mapping,
		"totalRows":        len(table.Rows),
		"validEmails":      validEmails,
		"hasEmail":         mapping.Email != "",
		"hasPhone":         mapping.Phone != "",
		"hasCompany":       mapping.CompanyName != "",
		"hasDeals":         mapping.DealName != "",
		"sampleData":       samples,
	}))
}

// ImportCSV imports one entity family from an uploaded CSV. Form fields:
// file, mapping (JSON, auto-detected when absent), entity, skipDuplicates,
// updateExisting, dryRun, batchSize.
func (ic *ImportController) ImportCSV(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	table, err := ic.readTable(c)
	if err != nil {
		return respondError(c, err)
	}

	mapping := flatfile.AutoDetect(table.Headers)
	if raw := c.FormValue("mapping"); raw != "" {
		mapping = flatfile.Mapping{}
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid mapping", err)
		}
	}

	entity := crm.EntityType(c.FormValue("entity", string(crm.EntityContacts)))
	var run func(context.Context, crm.Adapter, services.ImportOptions) crm.ImportResult
	switch entity {
	case crm.EntityContacts:
		if err := utils.ValidateStruct(mapping); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Mapping must name the email column", err)
		}
		run = ic.Importer.ImportContacts
	case crm.EntityCompanies:
		if mapping.CompanyName == "" {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Mapping must name the company column", nil)
		}
		run = ic.Importer.ImportCompanies
	case crm.EntityDeals:
		if mapping.DealName == "" {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Mapping must name the deal column", nil)
		}
		run = ic.Importer.ImportDeals
	default:
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "entity must be contacts, companies or deals", nil)
	}

	opts := services.DefaultImportOptions(userID)
	opts.SkipDuplicates = formBool(c, "skipDuplicates", true)
	opts.UpdateExisting = formBool(c, "updateExisting", false)
	opts.DryRun = formBool(c, "dryRun", false)
	if n, err := strconv.Atoi(c.FormValue("batchSize")); err == nil && n > 0 {
		opts.BatchSize = n
	}
	opts.Progress = ic.Progress.Reporter(userID, 0, crm.ProviderCSV)

	result := run(c.UserContext(), flatfile.New(table.Rows, mapping), opts)
	ic.Logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"entity":   entity,
		"dry_run":  opts.DryRun,
		"imported": result.Imported,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
	}).Info("csv import finished")

	return c.JSON(utils.SuccessResponse(result))
}

func formBool(c *fiber.Ctx, key string, fallback bool) bool {
	v, err := strconv.ParseBool(c.FormValue(key))
	if err != nil {
		return fallback
	}
	return v
}
