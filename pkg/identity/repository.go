package identity

import (
	"context"
	"errors"
	"time"

	"github.com/medichain/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository is the durable UserRegistry + PatientStore over postgres.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type UserModel struct {
	ID        string `gorm:"primaryKey"`
	FullName  string
	Role      string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserModel) TableName() string {
	return "users"
}

type PatientModel struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"uniqueIndex"`
	HealthID       string `gorm:"uniqueIndex"`
	FullName       string
	DateOfBirth    string
	NationalIDType string
	NationalIDHash string            `gorm:"uniqueIndex"`
	EmergencyInfo  datatypes.JSONMap `gorm:"type:jsonb"`
	LastModifiedBy string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (PatientModel) TableName() string {
	return "patients"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&UserModel{}, &PatientModel{})
}

func (r *Repository) GetUser(ctx context.Context, id string) (models.User, error) {
	var row UserModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, err
	}
	return models.User{ID: row.ID, FullName: row.FullName, Role: models.Role(row.Role), CreatedAt: row.CreatedAt}, nil
}

func (r *Repository) CreateUser(ctx context.Context, user models.User) error {
	var existing int64
	if err := r.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", user.ID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return ErrUserExists
	}
	return r.db.WithContext(ctx).Create(&UserModel{
		ID:        user.ID,
		FullName:  user.FullName,
		Role:      string(user.Role),
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.CreatedAt,
	}).Error
}

func (r *Repository) UpdateUserRole(ctx context.Context, id string, role models.Role) error {
	result := r.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).Updates(map[string]interface{}{
		"role":       string(role),
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&UserModel{}, "id = ?", id).Error
}

func (r *Repository) CreatePatient(ctx context.Context, patient models.Patient) error {
	var clash int64
	if err := r.db.WithContext(ctx).Model(&PatientModel{}).
		Where("national_id_hash = ?", patient.NationalIDHash).
		Count(&clash).Error; err != nil {
		return err
	}
	if clash > 0 {
		return ErrDuplicateIdentity
	}

	if err := r.db.WithContext(ctx).Model(&PatientModel{}).
		Where("health_id = ?", patient.HealthID).
		Count(&clash).Error; err != nil {
		return err
	}
	if clash > 0 {
		return ErrHealthIDTaken
	}

	return r.db.WithContext(ctx).Create(patientToModel(patient)).Error
}

func (r *Repository) UpdatePatient(ctx context.Context, patient models.Patient) error {
	result := r.db.WithContext(ctx).Model(&PatientModel{}).
		Where("id = ?", patient.ID).
		Updates(patientToModel(patient))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (r *Repository) DeletePatient(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&PatientModel{}, "id = ?", id).Error
}

func (r *Repository) GetPatient(ctx context.Context, id string) (models.Patient, error) {
	return r.firstPatient(ctx, "id = ?", id)
}

func (r *Repository) GetByNationalHash(ctx context.Context, hash string) (models.Patient, error) {
	return r.firstPatient(ctx, "national_id_hash = ?", hash)
}

func (r *Repository) GetByUserID(ctx context.Context, userID string) (models.Patient, error) {
	return r.firstPatient(ctx, "user_id = ?", userID)
}

func (r *Repository) HealthIDExists(ctx context.Context, healthID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&PatientModel{}).Where("health_id = ?", healthID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *Repository) firstPatient(ctx context.Context, query string, arg interface{}) (models.Patient, error) {
	var row PatientModel
	if err := r.db.WithContext(ctx).First(&row, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Patient{}, ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	return patientFromModel(row), nil
}

func patientToModel(p models.Patient) *PatientModel {
	return &PatientModel{
		ID:             p.ID,
		UserID:         p.UserID,
		HealthID:       p.HealthID,
		FullName:       p.FullName,
		DateOfBirth:    p.DateOfBirth,
		NationalIDType: string(p.NationalIDType),
		NationalIDHash: p.NationalIDHash,
		EmergencyInfo:  emergencyInfoToJSON(p.EmergencyInfo),
		LastModifiedBy: p.LastModifiedBy,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func patientFromModel(row PatientModel) models.Patient {
	return models.Patient{
		ID:             row.ID,
		UserID:         row.UserID,
		HealthID:       row.HealthID,
		FullName:       row.FullName,
		DateOfBirth:    row.DateOfBirth,
		NationalIDType: models.NationalIDType(row.NationalIDType),
		NationalIDHash: row.NationalIDHash,
		EmergencyInfo:  emergencyInfoFromJSON(row.EmergencyInfo),
		LastModifiedBy: row.LastModifiedBy,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func emergencyInfoToJSON(info models.EmergencyInfo) datatypes.JSONMap {
	contacts := make([]interface{}, 0, len(info.EmergencyContacts))
	for _, c := range info.EmergencyContacts {
		contacts = append(contacts, map[string]interface{}{
			"name":         c.Name,
			"phone":        c.Phone,
			"relationship": c.Relationship,
		})
	}
	return datatypes.JSONMap{
		"blood_type":          info.BloodType,
		"allergies":           toInterfaceSlice(info.Allergies),
		"current_medications": toInterfaceSlice(info.CurrentMedications),
		"chronic_conditions":  toInterfaceSlice(info.ChronicConditions),
		"emergency_contacts":  contacts,
		"organ_donor":         info.OrganDonor,
		"dnr_status":          info.DNRStatus,
		"last_updated":        info.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
}

func emergencyInfoFromJSON(m datatypes.JSONMap) models.EmergencyInfo {
	info := models.EmergencyInfo{}
	if m == nil {
		return info
	}
	info.BloodType, _ = m["blood_type"].(string)
	info.Allergies = toStringSlice(m["allergies"])
	info.CurrentMedications = toStringSlice(m["current_medications"])
	info.ChronicConditions = toStringSlice(m["chronic_conditions"])
	info.OrganDonor, _ = m["organ_donor"].(bool)
	info.DNRStatus, _ = m["dnr_status"].(bool)
	if raw, ok := m["last_updated"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			info.LastUpdated = ts
		}
	}
	if rawContacts, ok := m["emergency_contacts"].([]interface{}); ok {
		for _, rc := range rawContacts {
			if cm, ok := rc.(map[string]interface{}); ok {
				contact := models.EmergencyContact{}
				contact.Name, _ = cm["name"].(string)
				contact.Phone, _ = cm["phone"].(string)
				contact.Relationship, _ = cm["relationship"].(string)
				info.EmergencyContacts = append(info.EmergencyContacts, contact)
			}
		}
	}
	return info
}

func toInterfaceSlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func toStringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
