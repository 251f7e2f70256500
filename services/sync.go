package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"crmpulse/crm"
	"crmpulse/models"
	"crmpulse/pixel"
	"crmpulse/utils"
)

var ErrIntegrationInactive = errors.New("integration is not active")

const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// SyncStore is the repository surface a sync run touches.
type SyncStore interface {
	ImportStore
	TokenStore
	ActiveIntegrations(ctx context.Context, userID uint) ([]models.Integration, error)
	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	FinishSyncRun(ctx context.Context, run *models.SyncRun) error
	MarkSynced(ctx context.Context, id uint, at time.Time) error
	MarkSyncError(ctx context.Context, id uint, msg string) error
	WonDealsPendingConversion(ctx context.Context, ownerID uint, stages []string) ([]models.Deal, error)
	RecordConversion(ctx context.Context, ev *models.ConversionEvent) (bool, error)
	MarkConversionSent(ctx context.Context, dealID uint, at time.Time) error
	ReleaseConversion(ctx context.Context, dealID uint) error
}

// ConversionSink receives won deals. *pixel.Client implements it.
type ConversionSink interface {
	Enabled() bool
	SendConversion(ctx context.Context, conv pixel.Conversion) bool
}

type SyncConfig struct {
	Store    SyncStore
	Registry *crm.Registry
	Cipher   *utils.TokenCipher
	Importer *ImportService
	Sink     ConversionSink
	Progress *ProgressHub
	Logger   *logrus.Entry
	// Concurrency bounds how many integrations sync at once.
	Concurrency int
	BatchSize   int
	Now         func() time.Time
}

// SyncService runs the companies, contacts and deals pipeline for stored
// integrations. Each integration gets its own adapter, so its own rate
// limiter and token cell.
type SyncService struct {
	cfg SyncConfig
	log *logrus.Entry
}

func NewSyncService(cfg SyncConfig) *SyncService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SyncService{cfg: cfg, log: log.WithField("component", "sync")}
}

// SyncOutcome summarises one integration of a multi-integration sync.
type SyncOutcome struct {
	IntegrationID uint            `json:"integration_id"`
	Provider      string          `json:"provider"`
	Run           *models.SyncRun `json:"run,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// SyncIntegration runs one full pass. With incremental set and a previous
// successful sync, only records modified since then are fetched.
func (s *SyncService) SyncIntegration(ctx context.Context, in *models.Integration, trigger string, incremental bool) (*models.SyncRun, error) {
	if in.Status != models.IntegrationActive {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationInactive, in.Status)
	}
	log := s.log.WithFields(logrus.Fields{"integration_id": in.ID, "provider": in.Provider, "trigger": trigger})

	run := &models.SyncRun{
		IntegrationID: in.ID,
		UserID:        in.UserID,
		Provider:      in.Provider,
		Trigger:       trigger,
		Status:        models.SyncRunning,
		StartedAt:     s.cfg.Now().UTC(),
	}
	if err := s.cfg.Store.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}

	results := map[crm.EntityType]crm.ImportResult{}
	runErr := s.runPipeline(ctx, in, run, results, incremental)
	if runErr == nil {
		if n, err := s.ForwardConversions(ctx, in.UserID); err != nil {
			log.WithError(err).Warn("conversion forwarding failed")
		} else if n > 0 {
			log.WithField("conversions", n).Info("conversions forwarded")
		}
	}
	s.finish(ctx, in, run, results, runErr)
	return run, runErr
}

func (s *SyncService) runPipeline(ctx context.Context, in *models.Integration, run *models.SyncRun, results map[crm.EntityType]crm.ImportResult, incremental bool) error {
	creds, err := credentialsFor(in, s.cfg.Cipher)
	if err != nil {
		return err
	}
	sink := &integrationSink{store: s.cfg.Store, cipher: s.cfg.Cipher, integrationID: in.ID}
	adapter, err := s.cfg.Registry.New(creds, sink)
	if err != nil {
		return err
	}
	defer adapter.Close()

	opts := ImportOptions{
		OwnerID:        in.UserID,
		BatchSize:      s.cfg.BatchSize,
		SkipDuplicates: true,
		UpdateExisting: true,
		Progress:       s.cfg.Progress.Reporter(in.UserID, in.ID, crm.Provider(in.Provider)),
	}
	if incremental && in.LastSyncAt != nil {
		since := *in.LastSyncAt
		opts.ModifiedSince = &since
	}

	// Companies first so contacts and deals can link to them.
	steps := []struct {
		entity crm.EntityType
		run    func(context.Context, crm.Adapter, ImportOptions) crm.ImportResult
	}{
		{crm.EntityCompanies, s.cfg.Importer.ImportCompanies},
		{crm.EntityContacts, s.cfg.Importer.ImportContacts},
		{crm.EntityDeals, s.cfg.Importer.ImportDeals},
	}
	for _, step := range steps {
		res := step.run(ctx, adapter, opts)
		results[step.entity] = res
		run.Imported += res.Imported
		run.Skipped += res.Skipped
		run.Failed += res.Failed
		if !res.Success {
			msg := "import failed"
			if n := len(res.Errors); n > 0 {
				msg = res.Errors[n-1].Message
			}
			return fmt.Errorf("%s: %s", step.entity, msg)
		}
	}
	return nil
}

func (s *SyncService) finish(ctx context.Context, in *models.Integration, run *models.SyncRun, results map[crm.EntityType]crm.ImportResult, runErr error) {
	// The run may have been cancelled; bookkeeping still has to land.
	ctx = context.WithoutCancel(ctx)
	now := s.cfg.Now().UTC()
	run.FinishedAt = &now
	run.Status = models.SyncCompleted
	if raw, err := json.Marshal(results); err == nil {
		run.Results = datatypes.JSON(raw)
	}
	if runErr != nil {
		run.Status = models.SyncFailed
		run.Error = runErr.Error()
		utils.LogError("sync_failed", runErr, map[string]interface{}{
			"integration_id": in.ID,
			"provider":       in.Provider,
			"sync_run_id":    run.ID,
		})
		if err := s.cfg.Store.MarkSyncError(ctx, in.ID, runErr.Error()); err != nil {
			s.log.WithError(err).Error("record sync error")
		}
	} else {
		if err := s.cfg.Store.MarkSynced(ctx, in.ID, run.StartedAt); err != nil {
			s.log.WithError(err).Error("record sync time")
		}
		in.LastSyncAt = &run.StartedAt
	}
	if err := s.cfg.Store.FinishSyncRun(ctx, run); err != nil {
		s.log.WithError(err).Error("finish sync run")
	}
}

// SyncUser syncs every active integration of one user concurrently.
func (s *SyncService) SyncUser(ctx context.Context, userID uint, trigger string) ([]SyncOutcome, error) {
	integrations, err := s.cfg.Store.ActiveIntegrations(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.syncMany(ctx, integrations, trigger, false), nil
}

// SyncAll syncs every active integration in the system incrementally.
func (s *SyncService) SyncAll(ctx context.Context, trigger string) ([]SyncOutcome, error) {
	integrations, err := s.cfg.Store.ActiveIntegrations(ctx, 0)
	if err != nil {
		return nil, err
	}
	return s.syncMany(ctx, integrations, trigger, true), nil
}

// syncMany never lets one integration's failure cancel the others.
func (s *SyncService) syncMany(ctx context.Context, integrations []models.Integration, trigger string, incremental bool) []SyncOutcome {
	outcomes := make([]SyncOutcome, len(integrations))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range integrations {
		in := &integrations[i]
		outcomes[i] = SyncOutcome{IntegrationID: in.ID, Provider: in.Provider}
		g.Go(func() error {
			run, err := s.SyncIntegration(ctx, in, trigger, incremental)
			outcomes[i].Run = run
			if err != nil {
				outcomes[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// ForwardConversions sends every won deal of the owner that has not been
// forwarded yet. A deal is claimed before sending and released on failure,
// so each deal reaches the sink at most once per successful delivery.
func (s *SyncService) ForwardConversions(ctx context.Context, ownerID uint) (int, error) {
	if s.cfg.Sink == nil || !s.cfg.Sink.Enabled() {
		return 0, nil
	}
	deals, err := s.cfg.Store.WonDealsPendingConversion(ctx, ownerID, crm.WonStages)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, d := range deals {
		claimed, err := s.cfg.Store.RecordConversion(ctx, &models.ConversionEvent{DealID: d.ID, OwnerID: ownerID, Value: d.Amount})
		if err != nil {
			return sent, err
		}
		if !claimed {
			continue
		}
		conv := pixel.Conversion{
			EventName:   "Purchase",
			Value:       d.Amount,
			Currency:    d.Currency,
			LeadID:      d.ExternalID,
			ContentName: d.Name,
		}
		if d.Contact != nil {
			conv.Email = d.Contact.Email
			conv.Phone = d.Contact.Phone
			conv.FirstName = d.Contact.FirstName
			conv.LastName = d.Contact.LastName
		}
		if !s.cfg.Sink.SendConversion(ctx, conv) {
			if err := s.cfg.Store.ReleaseConversion(ctx, d.ID); err != nil {
				s.log.WithError(err).WithField("deal_id", d.ID).Error("release conversion claim")
			}
			continue
		}
		if err := s.cfg.Store.MarkConversionSent(ctx, d.ID, s.cfg.Now().UTC()); err != nil {
			s.log.WithError(err).WithField("deal_id", d.ID).Error("mark conversion sent")
		}
		sent++
	}
	return sent, nil
}

// TestIntegration builds the stored integration's adapter and checks the
// provider. A refresh triggered by the check is persisted like in a sync.
func (s *SyncService) TestIntegration(ctx context.Context, in *models.Integration) (bool, error) {
	creds, err := credentialsFor(in, s.cfg.Cipher)
	if err != nil {
		return false, err
	}
	adapter, err := s.cfg.Registry.New(creds, &integrationSink{store: s.cfg.Store, cipher: s.cfg.Cipher, integrationID: in.ID})
	if err != nil {
		return false, err
	}
	defer adapter.Close()
	return adapter.TestConnection(ctx), nil
}
