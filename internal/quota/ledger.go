// Package quota enforces per-device daily generation limits and per-draft
// refinement limits. Counters live in the database so limits survive restarts
// and hold across concurrent requests.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/domasles/echotuner/internal/config"
	"github.com/domasles/echotuner/internal/db/models"
)

var (
	// ErrRateLimitExceeded means the device has no generations left today.
	ErrRateLimitExceeded = errors.New("daily generation limit exceeded")

	// ErrRefinementLimitExceeded means the draft has no refinements left.
	ErrRefinementLimitExceeded = errors.New("draft refinement limit exceeded")
)

// Status is a read-only snapshot of a device's daily generation quota.
type Status struct {
	Enabled  bool      `json:"enabled"`
	Used     int       `json:"used"`
	Max      int       `json:"max"`
	ResetsAt time.Time `json:"resets_at"`
}

// Ledger owns all quota counters. All mutations are single conditional
// statements checked via RowsAffected, so a burst of concurrent requests can
// never push a counter past its ceiling.
type Ledger struct {
	db  *gorm.DB
	cfg config.QuotaConfig
	now func() time.Time
}

func NewLedger(db *gorm.DB, cfg config.QuotaConfig) *Ledger {
	return &Ledger{db: db, cfg: cfg, now: time.Now}
}

// WithTx returns a copy of the ledger bound to the given transaction, so
// callers can create a draft and its quota row atomically.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	bound := *l
	bound.db = tx
	return &bound
}

// today returns the current UTC day key. Rollover is lazy: a new day simply
// means a new row on first use, and yesterday's row stops matching.
func (l *Ledger) today() string {
	return l.now().UTC().Format(models.QuotaDateFormat)
}

// TryConsumeGeneration atomically takes one generation slot for the device's
// current UTC day. When limits are disabled it is a no-op and records nothing.
func (l *Ledger) TryConsumeGeneration(ctx context.Context, deviceID string) error {
	if !l.cfg.Generations.Enabled {
		return nil
	}
	if l.cfg.Generations.Max <= 0 {
		return ErrRateLimitExceeded
	}

	day := l.today()
	// Two attempts cover the first-use-of-day race: if our Create loses to a
	// concurrent one, the retry lands on the winner's row.
	for attempt := 0; attempt < 2; attempt++ {
		res := l.db.WithContext(ctx).Model(&models.QuotaRecord{}).
			Where("device_id = ? AND date = ? AND generations_used < max_generations", deviceID, day).
			UpdateColumn("generations_used", gorm.Expr("generations_used + 1"))
		if res.Error != nil {
			return fmt.Errorf("consume generation: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}

		var count int64
		if err := l.db.WithContext(ctx).Model(&models.QuotaRecord{}).
			Where("device_id = ? AND date = ?", deviceID, day).
			Count(&count).Error; err != nil {
			return fmt.Errorf("consume generation: %w", err)
		}
		if count > 0 {
			// Row exists and the conditional update refused it: exhausted.
			return ErrRateLimitExceeded
		}

		record := models.QuotaRecord{
			DeviceID:        deviceID,
			Date:            day,
			GenerationsUsed: 1,
			MaxGenerations:  l.cfg.Generations.Max,
		}
		res = l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return fmt.Errorf("consume generation: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
		// Unique collision: someone else created the row; retry the update.
	}
	return ErrRateLimitExceeded
}

// GetStatus reports the device's quota without consuming anything.
func (l *Ledger) GetStatus(ctx context.Context, deviceID string) (Status, error) {
	status := Status{
		Enabled:  l.cfg.Generations.Enabled,
		Max:      l.cfg.Generations.Max,
		ResetsAt: l.nextReset(),
	}
	if !status.Enabled {
		return status, nil
	}

	var record models.QuotaRecord
	err := l.db.WithContext(ctx).
		Where("device_id = ? AND date = ?", deviceID, l.today()).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return status, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("quota status: %w", err)
	}

	status.Used = record.GenerationsUsed
	status.Max = record.MaxGenerations
	return status, nil
}

func (l *Ledger) nextReset() time.Time {
	now := l.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// EnsureDraftQuota creates the refinement counter for a new draft. Idempotent.
func (l *Ledger) EnsureDraftQuota(ctx context.Context, draftID string) error {
	quota := models.DraftQuota{
		DraftID:        draftID,
		MaxRefinements: l.cfg.Refinements.Max,
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&quota).Error
	if err != nil {
		return fmt.Errorf("ensure draft quota: %w", err)
	}
	return nil
}

// TryConsumeRefinement atomically takes one refinement slot for the draft.
func (l *Ledger) TryConsumeRefinement(ctx context.Context, draftID string) error {
	if !l.cfg.Refinements.Enabled {
		return nil
	}
	if l.cfg.Refinements.Max <= 0 {
		return ErrRefinementLimitExceeded
	}

	res := l.db.WithContext(ctx).Model(&models.DraftQuota{}).
		Where("draft_id = ? AND refinements_used < max_refinements", draftID).
		UpdateColumn("refinements_used", gorm.Expr("refinements_used + 1"))
	if res.Error != nil {
		return fmt.Errorf("consume refinement: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// A draft created while refinement limiting was off may lack its row.
	var count int64
	if err := l.db.WithContext(ctx).Model(&models.DraftQuota{}).
		Where("draft_id = ?", draftID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("consume refinement: %w", err)
	}
	if count > 0 {
		return ErrRefinementLimitExceeded
	}
	if err := l.EnsureDraftQuota(ctx, draftID); err != nil {
		return err
	}

	res = l.db.WithContext(ctx).Model(&models.DraftQuota{}).
		Where("draft_id = ? AND refinements_used < max_refinements", draftID).
		UpdateColumn("refinements_used", gorm.Expr("refinements_used + 1"))
	if res.Error != nil {
		return fmt.Errorf("consume refinement: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return ErrRefinementLimitExceeded
	}
	return nil
}

// ReleaseDraft removes the refinement counter of a deleted draft. Idempotent.
func (l *Ledger) ReleaseDraft(ctx context.Context, draftID string) error {
	err := l.db.WithContext(ctx).Where("draft_id = ?", draftID).Delete(&models.DraftQuota{}).Error
	if err != nil {
		return fmt.Errorf("release draft quota: %w", err)
	}
	return nil
}

// PruneBefore deletes daily quota rows older than the given UTC day key.
// Called by the retention sweep with today minus KeepDays.
func (l *Ledger) PruneBefore(ctx context.Context, day string) (int64, error) {
	res := l.db.WithContext(ctx).Where("date < ?", day).Delete(&models.QuotaRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune quota records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RetentionCutoff returns the day key PruneBefore should use, per config.
func (l *Ledger) RetentionCutoff() string {
	return l.now().UTC().AddDate(0, 0, -l.cfg.KeepDays).Format(models.QuotaDateFormat)
}
