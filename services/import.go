package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"crmpulse/crm"
	"crmpulse/models"
	"crmpulse/store"
	"crmpulse/utils"
)

const DefaultBatchSize = 100

// ImportOptions controls one import run.
type ImportOptions struct {
	OwnerID        uint
	BatchSize      int
	SkipDuplicates bool
	UpdateExisting bool
	DryRun         bool
	ModifiedSince  *time.Time
	// Progress is called after every page, from the importing goroutine.
	Progress func(ProgressEvent)
}

// DefaultImportOptions skips duplicates without updating them.
func DefaultImportOptions(ownerID uint) ImportOptions {
	return ImportOptions{OwnerID: ownerID, BatchSize: DefaultBatchSize, SkipDuplicates: true}
}

// ImportStore is the slice of the repository the importer writes through.
type ImportStore interface {
	FindContactByEmail(ctx context.Context, ownerID uint, email string) (*models.Contact, error)
	UpsertContact(ctx context.Context, c *models.Contact) error
	UpdateContact(ctx context.Context, id uint, u store.ContactUpdate) error
	FindCompanyByExternalID(ctx context.Context, ownerID uint, externalID string) (*models.Company, error)
	FindCompanyByName(ctx context.Context, ownerID uint, name string) (*models.Company, error)
	UpsertCompany(ctx context.Context, c *models.Company) error
	FindDealByExternalID(ctx context.Context, ownerID uint, externalID string) (*models.Deal, error)
	UpsertDeal(ctx context.Context, d *models.Deal) error
}

// ImportService pages through an adapter and writes each record. Records
// are handled one at a time so failures are attributed to a single row.
type ImportService struct {
	store ImportStore
	log   *logrus.Entry
}

func NewImportService(s ImportStore, log *logrus.Entry) *ImportService {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ImportService{store: s, log: log.WithField("component", "import")}
}

type outcome int

const (
	outcomeImported outcome = iota
	outcomeSkipped
)

// runImport is the shared page loop. A fetch error ends the run with one
// summary error; a record error is recorded and the loop moves on.
func runImport[T any](
	ctx context.Context,
	s *ImportService,
	entity crm.EntityType,
	opts ImportOptions,
	fetch func(context.Context, crm.FetchOptions) ([]T, error),
	handle func(context.Context, T) (outcome, error),
) crm.ImportResult {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	log := s.log.WithFields(logrus.Fields{"entity": entity, "owner_id": opts.OwnerID, "dry_run": opts.DryRun})
	result := crm.ImportResult{Success: true, Errors: []crm.ImportError{}}
	row := 0
	offset := 0

	abort := func(err error) {
		result.Success = false
		result.Errors = append(result.Errors, crm.ImportError{Message: err.Error()})
		log.WithError(err).WithField("offset", offset).Warn("import aborted")
	}

	for {
		if err := ctx.Err(); err != nil {
			abort(fmt.Errorf("import %s cancelled: %w", entity, err))
			break
		}
		page, err := fetch(ctx, crm.FetchOptions{Limit: batch, Offset: offset, ModifiedSince: opts.ModifiedSince})
		if err != nil {
			abort(fmt.Errorf("fetch %s at offset %d: %w", entity, offset, err))
			break
		}
		if len(page) == 0 {
			break
		}

		cancelled := false
		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				abort(fmt.Errorf("import %s cancelled: %w", entity, err))
				cancelled = true
				break
			}
			row++
			out, err := handle(ctx, rec)
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, crm.ImportError{
					Row:     row,
					Field:   utils.FirstInvalidField(err),
					Message: err.Error(),
					Data:    rec,
				})
				continue
			}
			if out == outcomeSkipped {
				result.Skipped++
			} else {
				result.Imported++
			}
		}
		if cancelled {
			break
		}

		// Adapters may clamp the page below the batch size, so advance by
		// what actually came back.
		offset += len(page)
		if opts.Progress != nil {
			opts.Progress(ProgressEvent{
				Entity:   entity,
				Offset:   offset,
				Imported: result.Imported,
				Skipped:  result.Skipped,
				Failed:   result.Failed,
			})
		}
	}

	if opts.Progress != nil {
		opts.Progress(ProgressEvent{
			Entity:   entity,
			Offset:   offset,
			Imported: result.Imported,
			Skipped:  result.Skipped,
			Failed:   result.Failed,
			Done:     true,
			Success:  result.Success,
		})
	}
	log.WithFields(logrus.Fields{
		"imported": result.Imported,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"success":  result.Success,
	}).Info("import finished")
	return result
}

func found(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *ImportService) ImportContacts(ctx context.Context, adapter crm.Adapter, opts ImportOptions) crm.ImportResult {
	return runImport(ctx, s, crm.EntityContacts, opts, adapter.FetchContacts, func(ctx context.Context, c crm.Contact) (outcome, error) {
		c.Email = crm.NormalizeEmail(c.Email)
		if err := utils.ValidateStruct(c); err != nil {
			return 0, err
		}
		if opts.DryRun {
			return outcomeImported, nil
		}

		if opts.SkipDuplicates {
			existing, err := s.store.FindContactByEmail(ctx, opts.OwnerID, c.Email)
			ok, err := found(err)
			if err != nil {
				return 0, fmt.Errorf("lookup contact: %w", err)
			}
			if ok {
				if !opts.UpdateExisting {
					return outcomeSkipped, nil
				}
				err := s.store.UpdateContact(ctx, existing.ID, store.ContactUpdate{
					FirstName:      c.FirstName,
					LastName:       c.LastName,
					Phone:          c.Phone,
					LifecycleStage: c.LifecycleStage,
					Metadata:       c.Metadata,
				})
				if err != nil {
					return 0, err
				}
				return outcomeImported, nil
			}
		}

		var companyID *uint
		if c.CompanyName != "" {
			id, err := s.findOrCreateCompany(ctx, opts.OwnerID, c.Source, c.CompanyName)
			if err != nil {
				return 0, err
			}
			companyID = &id
		}

		row := &models.Contact{
			OwnerID:         opts.OwnerID,
			ExternalID:      c.ExternalID,
			Email:           c.Email,
			FirstName:       c.FirstName,
			LastName:        c.LastName,
			Phone:           c.Phone,
			Source:          string(c.Source),
			LifecycleStage:  c.LifecycleStage,
			CompanyID:       companyID,
			SourceCreatedAt: c.CreatedAt,
			Metadata:        datatypes.JSONMap(c.Metadata),
		}
		if err := s.store.UpsertContact(ctx, row); err != nil {
			return 0, fmt.Errorf("save contact: %w", err)
		}
		return outcomeImported, nil
	})
}

// findOrCreateCompany links a contact to a company by derived external id,
// then by name, creating a bare company when neither matches.
func (s *ImportService) findOrCreateCompany(ctx context.Context, ownerID uint, source crm.Provider, name string) (uint, error) {
	externalID := fmt.Sprintf("%s-company-%s", source, name)
	existing, err := s.store.FindCompanyByExternalID(ctx, ownerID, externalID)
	if ok, err := found(err); err != nil {
		return 0, fmt.Errorf("lookup company: %w", err)
	} else if ok {
		return existing.ID, nil
	}
	existing, err = s.store.FindCompanyByName(ctx, ownerID, name)
	if ok, err := found(err); err != nil {
		return 0, fmt.Errorf("lookup company: %w", err)
	} else if ok {
		return existing.ID, nil
	}
	company := &models.Company{OwnerID: ownerID, ExternalID: externalID, Name: name, Source: string(source)}
	if err := s.store.UpsertCompany(ctx, company); err != nil {
		return 0, fmt.Errorf("create company: %w", err)
	}
	return company.ID, nil
}

func (s *ImportService) ImportCompanies(ctx context.Context, adapter crm.Adapter, opts ImportOptions) crm.ImportResult {
	return runImport(ctx, s, crm.EntityCompanies, opts, adapter.FetchCompanies, func(ctx context.Context, c crm.Company) (outcome, error) {
		if err := utils.ValidateStruct(c); err != nil {
			return 0, err
		}
		if opts.DryRun {
			return outcomeImported, nil
		}
		if opts.SkipDuplicates && !opts.UpdateExisting {
			_, err := s.store.FindCompanyByExternalID(ctx, opts.OwnerID, c.ExternalID)
			ok, err := found(err)
			if err != nil {
				return 0, fmt.Errorf("lookup company: %w", err)
			}
			if ok {
				return outcomeSkipped, nil
			}
		}
		row := &models.Company{
			OwnerID:    opts.OwnerID,
			ExternalID: c.ExternalID,
			Name:       c.Name,
			Domain:     c.Domain,
			Industry:   c.Industry,
			Size:       c.Size,
			Source:     string(c.Source),
			Metadata:   datatypes.JSONMap(c.Metadata),
		}
		if err := s.store.UpsertCompany(ctx, row); err != nil {
			return 0, fmt.Errorf("save company: %w", err)
		}
		return outcomeImported, nil
	})
}

func (s *ImportService) ImportDeals(ctx context.Context, adapter crm.Adapter, opts ImportOptions) crm.ImportResult {
	return runImport(ctx, s, crm.EntityDeals, opts, adapter.FetchDeals, func(ctx context.Context, d crm.Deal) (outcome, error) {
		if err := utils.ValidateStruct(d); err != nil {
			return 0, err
		}
		if opts.DryRun {
			return outcomeImported, nil
		}
		if opts.SkipDuplicates && !opts.UpdateExisting {
			_, err := s.store.FindDealByExternalID(ctx, opts.OwnerID, d.ExternalID)
			ok, err := found(err)
			if err != nil {
				return 0, fmt.Errorf("lookup deal: %w", err)
			}
			if ok {
				return outcomeSkipped, nil
			}
		}

		row := &models.Deal{
			OwnerID:     opts.OwnerID,
			ExternalID:  d.ExternalID,
			Name:        d.Name,
			Amount:      d.Amount,
			Currency:    d.Currency,
			Stage:       d.Stage,
			Probability: d.Probability,
			CloseDate:   d.CloseDate,
			Source:      string(d.Source),
			Metadata:    datatypes.JSONMap(d.Metadata),
		}
		if row.Currency == "" {
			row.Currency = "USD"
		}
		// Links are best effort: an unresolved contact or company leaves the
		// deal unattached.
		if d.ContactEmail != "" {
			if c, err := s.store.FindContactByEmail(ctx, opts.OwnerID, crm.NormalizeEmail(d.ContactEmail)); err == nil {
				row.ContactID = &c.ID
			}
		}
		if d.CompanyName != "" {
			if c, err := s.store.FindCompanyByName(ctx, opts.OwnerID, d.CompanyName); err == nil {
				row.CompanyID = &c.ID
			}
		}
		if err := s.store.UpsertDeal(ctx, row); err != nil {
			return 0, fmt.Errorf("save deal: %w", err)
		}
		return outcomeImported, nil
	})
}
