package labs

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/medichain/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MemoryStore is the in-process SubmissionStore.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]models.LabSubmission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]models.LabSubmission)}
}

func (m *MemoryStore) CreateSubmission(ctx context.Context, sub models.LabSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) UpdateSubmission(ctx context.Context, sub models.LabSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubmissionNotFound
	}
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) DeleteSubmission(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) GetSubmission(ctx context.Context, id string) (models.LabSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return models.LabSubmission{}, ErrSubmissionNotFound
	}
	return sub, nil
}

func (m *MemoryStore) ListByPatient(ctx context.Context, patientID string) ([]models.LabSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LabSubmission
	for _, sub := range m.subs {
		if sub.PatientID == patientID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status models.LabStatus) ([]models.LabSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LabSubmission
	for _, sub := range m.subs {
		if sub.Status == status {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

// Repository is the durable SubmissionStore.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type SubmissionModel struct {
	ID              string `gorm:"primaryKey"`
	PatientID       string `gorm:"index"`
	SubmitterID     string
	TestName        string
	TestCategory    string
	Results         datatypes.JSON `gorm:"type:jsonb"`
	Notes           string
	Status          string `gorm:"index"`
	SubmittedAt     time.Time
	ReviewerID      string
	ReviewedAt      *time.Time
	RejectionReason string
	ContentCID      string
	MetadataCID     string
}

func (SubmissionModel) TableName() string {
	return "lab_submissions"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&SubmissionModel{})
}

func (r *Repository) CreateSubmission(ctx context.Context, sub models.LabSubmission) error {
	row, err := submissionToModel(sub)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *Repository) UpdateSubmission(ctx context.Context, sub models.LabSubmission) error {
	row, err := submissionToModel(sub)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&SubmissionModel{}).Where("id = ?", sub.ID).Updates(row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

func (r *Repository) DeleteSubmission(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&SubmissionModel{}, "id = ?", id).Error
}

func (r *Repository) GetSubmission(ctx context.Context, id string) (models.LabSubmission, error) {
	var row SubmissionModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.LabSubmission{}, ErrSubmissionNotFound
		}
		return models.LabSubmission{}, err
	}
	return submissionFromModel(row)
}

func (r *Repository) ListByPatient(ctx context.Context, patientID string) ([]models.LabSubmission, error) {
	return r.list(ctx, "patient_id = ?", patientID)
}

func (r *Repository) ListByStatus(ctx context.Context, status models.LabStatus) ([]models.LabSubmission, error) {
	return r.list(ctx, "status = ?", string(status))
}

func (r *Repository) list(ctx context.Context, query string, arg interface{}) ([]models.LabSubmission, error) {
	var rows []SubmissionModel
	if err := r.db.WithContext(ctx).
		Where(query, arg).
		Order("submitted_at asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.LabSubmission, 0, len(rows))
	for _, row := range rows {
		sub, err := submissionFromModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func submissionToModel(sub models.LabSubmission) (*SubmissionModel, error) {
	results, err := json.Marshal(sub.Results)
	if err != nil {
		return nil, err
	}
	return &SubmissionModel{
		ID:              sub.ID,
		PatientID:       sub.PatientID,
		SubmitterID:     sub.SubmitterID,
		TestName:        sub.TestName,
		TestCategory:    sub.TestCategory,
		Results:         datatypes.JSON(results),
		Notes:           sub.Notes,
		Status:          string(sub.Status),
		SubmittedAt:     sub.SubmittedAt,
		ReviewerID:      sub.ReviewerID,
		ReviewedAt:      sub.ReviewedAt,
		RejectionReason: sub.RejectionReason,
		ContentCID:      sub.ContentCID,
		MetadataCID:     sub.MetadataCID,
	}, nil
}

func submissionFromModel(row SubmissionModel) (models.LabSubmission, error) {
	var results []models.LabTestResult
	if len(row.Results) > 0 {
		if err := json.Unmarshal(row.Results, &results); err != nil {
			return models.LabSubmission{}, err
		}
	}
	return models.LabSubmission{
		ID:              row.ID,
		PatientID:       row.PatientID,
		SubmitterID:     row.SubmitterID,
		TestName:        row.TestName,
		TestCategory:    row.TestCategory,
		Results:         results,
		Notes:           row.Notes,
		Status:          models.LabStatus(row.Status),
		SubmittedAt:     row.SubmittedAt,
		ReviewerID:      row.ReviewerID,
		ReviewedAt:      row.ReviewedAt,
		RejectionReason: row.RejectionReason,
		ContentCID:      row.ContentCID,
		MetadataCID:     row.MetadataCID,
	}, nil
}
