package cards

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/medichain/platform/pkg/common/models"
)

// MemoryCardStore is the in-process card table. The hash index is keyed by a
// digest of the card hash so lookups cannot leak match length via string
// comparison.
type MemoryCardStore struct {
	mu     sync.RWMutex
	cards  map[string]models.Card
	byHash map[[32]byte]string
}

func NewMemoryCardStore() *MemoryCardStore {
	return &MemoryCardStore{
		cards:  make(map[string]models.Card),
		byHash: make(map[[32]byte]string),
	}
}

func hashKey(cardHash string) [32]byte {
	return sha256.Sum256([]byte(cardHash))
}

func (m *MemoryCardStore) CreateCard(ctx context.Context, card models.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[card.ID] = card
	m.byHash[hashKey(card.CardHash)] = card.ID
	return nil
}

func (m *MemoryCardStore) DeleteCard(ctx context.Context, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[cardID]
	if !ok {
		return nil
	}
	delete(m.cards, cardID)
	delete(m.byHash, hashKey(card.CardHash))
	return nil
}

func (m *MemoryCardStore) GetByHash(ctx context.Context, cardHash string) (models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hashKey(cardHash)]
	if !ok {
		return models.Card{}, ErrCardNotFound
	}
	return m.cards[id], nil
}

func (m *MemoryCardStore) GetByID(ctx context.Context, cardID string) (models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	card, ok := m.cards[cardID]
	if !ok {
		return models.Card{}, ErrCardNotFound
	}
	return card, nil
}

func (m *MemoryCardStore) UpdateStatus(ctx context.Context, cardID string, status models.CardStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[cardID]
	if !ok {
		return ErrCardNotFound
	}
	card.Status = status
	card.UpdatedAt = at
	m.cards[cardID] = card
	return nil
}

func (m *MemoryCardStore) TouchLastUsed(ctx context.Context, cardID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[cardID]
	if !ok {
		return ErrCardNotFound
	}
	card.LastUsedAt = &at
	m.cards[cardID] = card
	return nil
}

func (m *MemoryCardStore) ActiveCardForPatient(ctx context.Context, patientID string) (models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, card := range m.cards {
		if card.PatientID == patientID && card.Status == models.CardActive {
			return card, nil
		}
	}
	return models.Card{}, ErrCardNotFound
}
