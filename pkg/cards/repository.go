package cards

import (
	"context"
	"errors"
	"time"

	"github.com/medichain/platform/pkg/common/models"
	"gorm.io/gorm"
)

// Repository is the durable CardStore.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type CardModel struct {
	ID             string `gorm:"primaryKey"`
	PatientID      string `gorm:"index"`
	CardHash       string `gorm:"uniqueIndex"`
	NationalIDType string
	Status         string `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

func (CardModel) TableName() string {
	return "cards"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&CardModel{})
}

func (r *Repository) CreateCard(ctx context.Context, card models.Card) error {
	return r.db.WithContext(ctx).Create(&CardModel{
		ID:             card.ID,
		PatientID:      card.PatientID,
		CardHash:       card.CardHash,
		NationalIDType: string(card.NationalIDType),
		Status:         string(card.Status),
		CreatedAt:      card.CreatedAt,
		UpdatedAt:      card.UpdatedAt,
		LastUsedAt:     card.LastUsedAt,
	}).Error
}

func (r *Repository) DeleteCard(ctx context.Context, cardID string) error {
	return r.db.WithContext(ctx).Delete(&CardModel{}, "id = ?", cardID).Error
}

func (r *Repository) GetByHash(ctx context.Context, cardHash string) (models.Card, error) {
	return r.firstCard(ctx, "card_hash = ?", cardHash)
}

func (r *Repository) GetByID(ctx context.Context, cardID string) (models.Card, error) {
	return r.firstCard(ctx, "id = ?", cardID)
}

func (r *Repository) UpdateStatus(ctx context.Context, cardID string, status models.CardStatus, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&CardModel{}).Where("id = ?", cardID).Updates(map[string]interface{}{
		"status":     string(status),
		"updated_at": at,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCardNotFound
	}
	return nil
}

func (r *Repository) TouchLastUsed(ctx context.Context, cardID string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&CardModel{}).Where("id = ?", cardID).Update("last_used_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCardNotFound
	}
	return nil
}

func (r *Repository) ActiveCardForPatient(ctx context.Context, patientID string) (models.Card, error) {
	return r.firstCard(ctx, "patient_id = ? AND status = ?", patientID, string(models.CardActive))
}

func (r *Repository) firstCard(ctx context.Context, query string, args ...interface{}) (models.Card, error) {
	var row CardModel
	if err := r.db.WithContext(ctx).First(&row, append([]interface{}{query}, args...)...).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Card{}, ErrCardNotFound
		}
		return models.Card{}, err
	}
	return models.Card{
		ID:             row.ID,
		PatientID:      row.PatientID,
		CardHash:       row.CardHash,
		NationalIDType: models.NationalIDType(row.NationalIDType),
		Status:         models.CardStatus(row.Status),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		LastUsedAt:     row.LastUsedAt,
	}, nil
}
