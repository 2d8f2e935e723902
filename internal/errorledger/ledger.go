// Package errorledger records step failures for operators and tracks their resolution.
package errorledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/logger"
	"github.com/example/ticketpilot/backend/internal/metrics"
	"github.com/example/ticketpilot/backend/internal/models"
)

// Ledger is the only write path for failure records.
type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, log: logger.L(), now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a Ledger bound to tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	cp := *l
	cp.db = tx
	return &cp
}

// Entry describes a failure to record.
type Entry struct {
	TenantID   string
	Severity   models.Severity
	Source     string
	Err        error
	EntityType string
	EntityID   string
	TicketID   uuid.UUID
	Context    map[string]any
}

// LogError stores a ledger entry. Retryability is taken from the error.
func (l *Ledger) LogError(ctx context.Context, e Entry) (*models.ErrorLog, error) {
	if e.TenantID == "" {
		return nil, apperr.Validation("error log entry requires a tenant")
	}
	if e.Err == nil {
		return nil, apperr.Validation("error log entry requires an error")
	}
	if e.Severity == "" {
		e.Severity = models.SeverityError
	}
	row := &models.ErrorLog{
		TenantID:   e.TenantID,
		Severity:   e.Severity,
		Source:     e.Source,
		Message:    e.Err.Error(),
		Details:    string(apperr.KindOf(e.Err)),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Context:    datatypes.JSONMap(e.Context),
		Retryable:  apperr.IsRetryable(e.Err),
	}
	if e.TicketID != uuid.Nil {
		id := e.TicketID
		row.TicketID = &id
	}
	if err := l.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, errors.WithStack(err)
	}
	metrics.ErrorsLogged.WithLabelValues(string(row.Severity), row.Source).Inc()
	l.log.Warn("error logged",
		zap.String("error_id", row.ID.String()),
		zap.String("severity", string(row.Severity)),
		zap.String("source", row.Source),
		zap.String("entity_type", row.EntityType),
		zap.String("entity_id", row.EntityID),
		zap.Error(e.Err),
	)
	return row, nil
}

// Get returns a ledger entry by id.
func (l *Ledger) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.ErrorLog, error) {
	var row models.ErrorLog
	if err := l.db.WithContext(ctx).First(&row, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		return nil, apperr.FromDB(err, "error log", id)
	}
	return &row, nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	TicketID   uuid.UUID
	Severity   models.Severity
	EntityType string
	Resolved   *bool
	Limit      int
}

// List returns matching entries, newest first.
func (l *Ledger) List(ctx context.Context, tenantID string, f Filter) ([]models.ErrorLog, error) {
	q := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if f.TicketID != uuid.Nil {
		q = q.Where("ticket_id = ?", f.TicketID)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.EntityType != "" {
		q = q.Where("entity_type = ?", f.EntityType)
	}
	if f.Resolved != nil {
		q = q.Where("is_resolved = ?", *f.Resolved)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.ErrorLog
	err := q.Order("created_at desc").Limit(limit).Find(&rows).Error
	return rows, errors.WithStack(err)
}

// Resolve marks an entry resolved. Resolving twice is a validation error.
func (l *Ledger) Resolve(ctx context.Context, tenantID string, id uuid.UUID, resolvedBy, note string) (*models.ErrorLog, error) {
	row, err := l.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if row.IsResolved {
		return nil, apperr.Validation("error %s is already resolved", id)
	}
	n, err := l.resolve(ctx, tenantID, []uuid.UUID{id}, resolvedBy, note)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.Conflict("error %s was resolved concurrently", id)
	}
	return l.Get(ctx, tenantID, id)
}

// BulkResolve resolves every listed entry that is still open and returns how many changed.
func (l *Ledger) BulkResolve(ctx context.Context, tenantID string, ids []uuid.UUID, resolvedBy, note string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return l.resolve(ctx, tenantID, ids, resolvedBy, note)
}

func (l *Ledger) resolve(ctx context.Context, tenantID string, ids []uuid.UUID, resolvedBy, note string) (int64, error) {
	now := l.now()
	res := l.db.WithContext(ctx).Model(&models.ErrorLog{}).
		Where("tenant_id = ? AND id IN ? AND is_resolved = ?", tenantID, ids, false).
		Updates(map[string]any{
			"is_resolved":     true,
			"resolved_by":     resolvedBy,
			"resolved_at":     now,
			"resolution_note": note,
			"updated_at":      now,
		})
	return res.RowsAffected, errors.WithStack(res.Error)
}

// MarkRetried bumps the retry counter of an entry.
func (l *Ledger) MarkRetried(ctx context.Context, tenantID string, id uuid.UUID) error {
	res := l.db.WithContext(ctx).Model(&models.ErrorLog{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(map[string]any{"retry_count": gorm.Expr("retry_count + 1"), "updated_at": l.now()})
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("error log %s not found", id)
	}
	return nil
}
