package audit

import (
	"context"
	"time"

	"github.com/medichain/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository is the durable EventStore. Rows are insert-only; there is no
// update or delete path by construction.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type EventModel struct {
	ID        string `gorm:"primaryKey"`
	Seq       uint64 `gorm:"index:idx_audit_patient_seq,unique,priority:2"`
	PatientID string `gorm:"index:idx_audit_patient_seq,unique,priority:1;index"`
	Kind      string `gorm:"index"`
	ActorID   string `gorm:"index"`
	ActorRole string
	Timestamp time.Time
	Location  string
	Emergency bool
	Granted   bool
	Details   datatypes.JSONMap `gorm:"type:jsonb"`
}

func (EventModel) TableName() string {
	return "audit_events"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&EventModel{})
}

func (r *Repository) Append(ctx context.Context, event models.AuditEvent) (models.AuditEvent, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last uint64
		row := tx.Model(&EventModel{}).
			Where("patient_id = ?", event.PatientID).
			Select("COALESCE(MAX(seq), 0)").
			Row()
		if err := row.Scan(&last); err != nil {
			return err
		}
		event.Seq = last + 1

		return tx.Create(&EventModel{
			ID:        event.ID,
			Seq:       event.Seq,
			PatientID: event.PatientID,
			Kind:      event.Kind,
			ActorID:   event.ActorID,
			ActorRole: string(event.ActorRole),
			Timestamp: event.Timestamp,
			Location:  event.Location,
			Emergency: event.Emergency,
			Granted:   event.Granted,
			Details:   datatypes.JSONMap(event.Details),
		}).Error
	})
	if err != nil {
		return models.AuditEvent{}, err
	}
	return event, nil
}

func (r *Repository) ListByPatient(ctx context.Context, patientID string, f Filter) ([]models.AuditEvent, error) {
	query := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("seq asc")

	if f.Kind != "" {
		query = query.Where("kind = ?", f.Kind)
	}
	if !f.Since.IsZero() {
		query = query.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		query = query.Where("timestamp <= ?", f.Until)
	}
	if f.EmergencyOnly {
		query = query.Where("emergency = ?", true)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	var rows []EventModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]models.AuditEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.AuditEvent{
			ID:        row.ID,
			Seq:       row.Seq,
			Kind:      row.Kind,
			PatientID: row.PatientID,
			ActorID:   row.ActorID,
			ActorRole: models.Role(row.ActorRole),
			Timestamp: row.Timestamp,
			Location:  row.Location,
			Emergency: row.Emergency,
			Granted:   row.Granted,
			Details:   map[string]interface{}(row.Details),
		})
	}
	return out, nil
}
