package records

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/medichain/platform/pkg/common/models"
	"gorm.io/gorm"
)

// MemoryIndex is the in-process RecordIndex.
type MemoryIndex struct {
	mu   sync.RWMutex
	refs map[string]models.MedicalRecordReference
	// byPatient preserves append order per patient.
	byPatient map[string][]string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		refs:      make(map[string]models.MedicalRecordReference),
		byPatient: make(map[string][]string),
	}
}

func (m *MemoryIndex) AppendRef(ctx context.Context, ref models.MedicalRecordReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[ref.ID] = ref
	m.byPatient[ref.PatientID] = append(m.byPatient[ref.PatientID], ref.ID)
	return nil
}

func (m *MemoryIndex) RemoveRef(ctx context.Context, refID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[refID]
	if !ok {
		return nil
	}
	delete(m.refs, refID)
	ids := m.byPatient[ref.PatientID]
	for i, id := range ids {
		if id == refID {
			m.byPatient[ref.PatientID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryIndex) ListByPatient(ctx context.Context, patientID string) ([]models.MedicalRecordReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byPatient[patientID]
	out := make([]models.MedicalRecordReference, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.refs[id])
	}
	return out, nil
}

func (m *MemoryIndex) FindByContentCID(ctx context.Context, contentCID string) (models.MedicalRecordReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ref := range m.refs {
		if ref.ContentCID == contentCID {
			return ref, nil
		}
	}
	return models.MedicalRecordReference{}, ErrRecordNotFound
}

// Repository is the durable RecordIndex.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type ReferenceModel struct {
	ID              string `gorm:"primaryKey"`
	PatientID       string `gorm:"index"`
	ContentCID      string `gorm:"uniqueIndex"`
	MetadataCID     string
	RecordType      string
	ContentChecksum string
	UploadedBy      string
	UploadedAt      time.Time
}

func (ReferenceModel) TableName() string {
	return "medical_record_refs"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&ReferenceModel{})
}

func (r *Repository) AppendRef(ctx context.Context, ref models.MedicalRecordReference) error {
	return r.db.WithContext(ctx).Create(&ReferenceModel{
		ID:              ref.ID,
		PatientID:       ref.PatientID,
		ContentCID:      ref.ContentCID,
		MetadataCID:     ref.MetadataCID,
		RecordType:      string(ref.RecordType),
		ContentChecksum: ref.ContentChecksum,
		UploadedBy:      ref.UploadedBy,
		UploadedAt:      ref.UploadedAt,
	}).Error
}

func (r *Repository) RemoveRef(ctx context.Context, refID string) error {
	return r.db.WithContext(ctx).Delete(&ReferenceModel{}, "id = ?", refID).Error
}

func (r *Repository) ListByPatient(ctx context.Context, patientID string) ([]models.MedicalRecordReference, error) {
	var rows []ReferenceModel
	if err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("uploaded_at asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.MedicalRecordReference, 0, len(rows))
	for _, row := range rows {
		out = append(out, refFromModel(row))
	}
	return out, nil
}

func (r *Repository) FindByContentCID(ctx context.Context, contentCID string) (models.MedicalRecordReference, error) {
	var row ReferenceModel
	if err := r.db.WithContext(ctx).First(&row, "content_cid = ?", contentCID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.MedicalRecordReference{}, ErrRecordNotFound
		}
		return models.MedicalRecordReference{}, err
	}
	return refFromModel(row), nil
}

func refFromModel(row ReferenceModel) models.MedicalRecordReference {
	return models.MedicalRecordReference{
		ID:              row.ID,
		PatientID:       row.PatientID,
		ContentCID:      row.ContentCID,
		MetadataCID:     row.MetadataCID,
		RecordType:      models.RecordType(row.RecordType),
		ContentChecksum: row.ContentChecksum,
		UploadedBy:      row.UploadedBy,
		UploadedAt:      row.UploadedAt,
	}
}
