package audit

import (
	"context"
	"sync"

	"github.com/medichain/platform/pkg/common/models"
)

// MemoryStore is the in-process authoritative log. Appends are serialised per
// patient; sequence numbers correspond to commit order.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]models.AuditEvent
	seq    map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]models.AuditEvent),
		seq:    make(map[string]uint64),
	}
}

func (s *MemoryStore) Append(ctx context.Context, event models.AuditEvent) (models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[event.PatientID]++
	event.Seq = s.seq[event.PatientID]
	s.events[event.PatientID] = append(s.events[event.PatientID], event)
	return event, nil
}

func (s *MemoryStore) ListByPatient(ctx context.Context, patientID string, f Filter) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditEvent
	for _, e := range s.events[patientID] {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
