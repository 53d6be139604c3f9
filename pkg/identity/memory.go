package identity

import (
	"context"
	"sync"

	"github.com/medichain/platform/pkg/common/models"
)

// MemoryRegistry is the in-process UserRegistry + PatientStore. One
// read-write lock guards every map: lookups, including the hash indexes,
// share the read lock, and any write locks the whole registry. Locking is
// not per entry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	users    map[string]models.User
	patients map[string]models.Patient
	byHash   map[string]string // national_id_hash -> patient_id
	byHealth map[string]string // health_id -> patient_id
	byUser   map[string]string // user_id -> patient_id
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		users:    make(map[string]models.User),
		patients: make(map[string]models.Patient),
		byHash:   make(map[string]string),
		byHealth: make(map[string]string),
		byUser:   make(map[string]string),
	}
}

func (m *MemoryRegistry) GetUser(ctx context.Context, id string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *MemoryRegistry) CreateUser(ctx context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.ID]; exists {
		return ErrUserExists
	}
	m.users[user.ID] = user
	return nil
}

func (m *MemoryRegistry) UpdateUserRole(ctx context.Context, id string, role models.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	user.Role = role
	m.users[id] = user
	return nil
}

func (m *MemoryRegistry) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *MemoryRegistry) CreatePatient(ctx context.Context, patient models.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byHash[patient.NationalIDHash]; exists {
		return ErrDuplicateIdentity
	}
	if _, exists := m.byHealth[patient.HealthID]; exists {
		return ErrHealthIDTaken
	}
	m.patients[patient.ID] = patient
	m.byHash[patient.NationalIDHash] = patient.ID
	m.byHealth[patient.HealthID] = patient.ID
	if patient.UserID != "" {
		m.byUser[patient.UserID] = patient.ID
	}
	return nil
}

func (m *MemoryRegistry) UpdatePatient(ctx context.Context, patient models.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[patient.ID]; !ok {
		return ErrPatientNotFound
	}
	m.patients[patient.ID] = patient
	return nil
}

func (m *MemoryRegistry) DeletePatient(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	patient, ok := m.patients[id]
	if !ok {
		return nil
	}
	delete(m.patients, id)
	delete(m.byHash, patient.NationalIDHash)
	delete(m.byHealth, patient.HealthID)
	delete(m.byUser, patient.UserID)
	return nil
}

func (m *MemoryRegistry) GetPatient(ctx context.Context, id string) (models.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	patient, ok := m.patients[id]
	if !ok {
		return models.Patient{}, ErrPatientNotFound
	}
	return patient, nil
}

func (m *MemoryRegistry) GetByNationalHash(ctx context.Context, hash string) (models.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hash]
	if !ok {
		return models.Patient{}, ErrPatientNotFound
	}
	return m.patients[id], nil
}

func (m *MemoryRegistry) GetByUserID(ctx context.Context, userID string) (models.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUser[userID]
	if !ok {
		return models.Patient{}, ErrPatientNotFound
	}
	return m.patients[id], nil
}

func (m *MemoryRegistry) HealthIDExists(ctx context.Context, healthID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byHealth[healthID]
	return ok, nil
}
