package access

import (
	"context"
	"sync"
	"time"

	"github.com/medichain/platform/pkg/common/models"
)

// MemoryGrantStore is the in-process GrantStore.
type MemoryGrantStore struct {
	mu         sync.RWMutex
	consents   map[string]models.ConsentGrant
	emergency  map[string]models.EmergencyGrant
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{
		consents:  make(map[string]models.ConsentGrant),
		emergency: make(map[string]models.EmergencyGrant),
	}
}

func (m *MemoryGrantStore) ActiveConsent(ctx context.Context, patientID, granteeID string, now time.Time) (*models.ConsentGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.consents {
		if g.PatientID == patientID && g.GranteeID == granteeID && g.ActiveAt(now) {
			grant := g
			return &grant, nil
		}
	}
	return nil, nil
}

func (m *MemoryGrantStore) ActiveEmergency(ctx context.Context, patientID, granteeID string, now time.Time) (*models.EmergencyGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.emergency {
		if g.PatientID == patientID && g.GranteeID == granteeID && g.ActiveAt(now) {
			grant := g
			return &grant, nil
		}
	}
	return nil, nil
}

func (m *MemoryGrantStore) GetEmergency(ctx context.Context, grantID string) (*models.EmergencyGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.emergency[grantID]
	if !ok {
		return nil, ErrGrantNotFound
	}
	grant := g
	return &grant, nil
}

func (m *MemoryGrantStore) CreateConsent(ctx context.Context, grant models.ConsentGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consents[grant.ID] = grant
	return nil
}

func (m *MemoryGrantStore) UpdateConsentStatus(ctx context.Context, grantID string, status models.GrantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.consents[grantID]
	if !ok {
		return ErrGrantNotFound
	}
	g.Status = status
	m.consents[grantID] = g
	return nil
}

func (m *MemoryGrantStore) CreateEmergency(ctx context.Context, grant models.EmergencyGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergency[grant.ID] = grant
	return nil
}

func (m *MemoryGrantStore) RevokeEmergency(ctx context.Context, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.emergency[grantID]
	if !ok {
		return ErrGrantNotFound
	}
	g.Revoked = true
	m.emergency[grantID] = g
	return nil
}

func (m *MemoryGrantStore) DeleteEmergency(ctx context.Context, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.emergency, grantID)
	return nil
}

func (m *MemoryGrantStore) CountActiveEmergency(ctx context.Context, patientID string, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, g := range m.emergency {
		if g.PatientID == patientID && g.ActiveAt(now) {
			count++
		}
	}
	return count, nil
}
