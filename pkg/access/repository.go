package access

import (
	"context"
	"errors"
	"time"

	"github.com/medichain/platform/pkg/common/models"
	"gorm.io/gorm"
)

// Repository is the durable GrantStore over postgres.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type ConsentGrantModel struct {
	ID        string `gorm:"primaryKey"`
	PatientID string `gorm:"index:idx_consent_pair"`
	GranteeID string `gorm:"index:idx_consent_pair"`
	Scope     string
	GrantedAt time.Time
	ExpiresAt *time.Time
	Status    string `gorm:"index"`
}

func (ConsentGrantModel) TableName() string {
	return "consent_grants"
}

type EmergencyGrantModel struct {
	ID        string `gorm:"primaryKey"`
	PatientID string `gorm:"index:idx_emergency_pair"`
	GranteeID string `gorm:"index:idx_emergency_pair"`
	Reason    string
	GrantedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
	Revoked   bool
}

func (EmergencyGrantModel) TableName() string {
	return "emergency_grants"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&ConsentGrantModel{}, &EmergencyGrantModel{})
}

func (r *Repository) ActiveConsent(ctx context.Context, patientID, granteeID string, now time.Time) (*models.ConsentGrant, error) {
	var row ConsentGrantModel
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND grantee_id = ? AND status = ?", patientID, granteeID, string(models.GrantActive)).
		Where("expires_at IS NULL OR expires_at > ?", now).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	grant := consentFromModel(row)
	return &grant, nil
}

func (r *Repository) ActiveEmergency(ctx context.Context, patientID, granteeID string, now time.Time) (*models.EmergencyGrant, error) {
	var row EmergencyGrantModel
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND grantee_id = ? AND revoked = ? AND expires_at >= ?", patientID, granteeID, false, now).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	grant := emergencyFromModel(row)
	return &grant, nil
}

func (r *Repository) GetEmergency(ctx context.Context, grantID string) (*models.EmergencyGrant, error) {
	var row EmergencyGrantModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", grantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	grant := emergencyFromModel(row)
	return &grant, nil
}

func (r *Repository) CreateConsent(ctx context.Context, grant models.ConsentGrant) error {
	return r.db.WithContext(ctx).Create(&ConsentGrantModel{
		ID:        grant.ID,
		PatientID: grant.PatientID,
		GranteeID: grant.GranteeID,
		Scope:     string(grant.Scope),
		GrantedAt: grant.GrantedAt,
		ExpiresAt: grant.ExpiresAt,
		Status:    string(grant.Status),
	}).Error
}

func (r *Repository) UpdateConsentStatus(ctx context.Context, grantID string, status models.GrantStatus) error {
	result := r.db.WithContext(ctx).Model(&ConsentGrantModel{}).
		Where("id = ?", grantID).
		Update("status", string(status))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func (r *Repository) CreateEmergency(ctx context.Context, grant models.EmergencyGrant) error {
	return r.db.WithContext(ctx).Create(&EmergencyGrantModel{
		ID:        grant.ID,
		PatientID: grant.PatientID,
		GranteeID: grant.GranteeID,
		Reason:    grant.Reason,
		GrantedAt: grant.GrantedAt,
		ExpiresAt: grant.ExpiresAt,
		Revoked:   grant.Revoked,
	}).Error
}

func (r *Repository) RevokeEmergency(ctx context.Context, grantID string) error {
	result := r.db.WithContext(ctx).Model(&EmergencyGrantModel{}).
		Where("id = ?", grantID).
		Update("revoked", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func (r *Repository) DeleteEmergency(ctx context.Context, grantID string) error {
	return r.db.WithContext(ctx).Delete(&EmergencyGrantModel{}, "id = ?", grantID).Error
}

func (r *Repository) CountActiveEmergency(ctx context.Context, patientID string, now time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&EmergencyGrantModel{}).
		Where("patient_id = ? AND revoked = ? AND expires_at >= ?", patientID, false, now).
		Count(&count).Error
	return int(count), err
}

func consentFromModel(row ConsentGrantModel) models.ConsentGrant {
	return models.ConsentGrant{
		ID:        row.ID,
		PatientID: row.PatientID,
		GranteeID: row.GranteeID,
		Scope:     models.ConsentScope(row.Scope),
		GrantedAt: row.GrantedAt,
		ExpiresAt: row.ExpiresAt,
		Status:    models.GrantStatus(row.Status),
	}
}

func emergencyFromModel(row EmergencyGrantModel) models.EmergencyGrant {
	return models.EmergencyGrant{
		ID:        row.ID,
		PatientID: row.PatientID,
		GranteeID: row.GranteeID,
		Reason:    row.Reason,
		GrantedAt: row.GrantedAt,
		ExpiresAt: row.ExpiresAt,
		Revoked:   row.Revoked,
	}
}
