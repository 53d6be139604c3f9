package cards

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/common/models"
)

type fakeDirectory struct {
	patients map[string]models.Patient
}

func (f fakeDirectory) GetPatient(ctx context.Context, id string) (models.Patient, error) {
	p, ok := f.patients[id]
	if !ok {
		return models.Patient{}, errors.New("patient not found")
	}
	return p, nil
}

var clock = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newCardService() (*Service, *MemoryCardStore, *audit.MemoryStore) {
	store := NewMemoryCardStore()
	events := audit.NewMemoryStore()
	dir := fakeDirectory{patients: map[string]models.Patient{
		"P7": {ID: "P7", HealthID: "MCHI-2026-AB12-CD34"},
	}}
	svc := NewService(store, dir, audit.New(events)).WithClock(func() time.Time { return clock })
	return svc, store, events
}

func doctor() models.User {
	return models.User{ID: "DOC-1", Role: models.RoleDoctor}
}

func TestIssueCreatesActiveCardWithQR(t *testing.T) {
	svc, _, events := newCardService()
	ctx := context.Background()

	result, err := svc.Issue(ctx, doctor(), "P7", models.IDTypeGhana)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if result.Card.Status != models.CardActive {
		t.Fatalf("status %q", result.Card.Status)
	}
	if len(result.Card.CardHash) != 64 {
		t.Fatalf("card hash length %d, want 64 hex chars", len(result.Card.CardHash))
	}

	payload, err := DecodeQRPayload(result.QRPayload)
	if err != nil {
		t.Fatalf("decode qr: %v", err)
	}
	if payload.HealthID != "MCHI-2026-AB12-CD34" || payload.CardHash != result.Card.CardHash {
		t.Fatalf("payload %+v", payload)
	}
	if payload.Version != 1 {
		t.Fatalf("payload version %d", payload.Version)
	}
	if payload.ExpiredAt(clock.Add(23 * time.Hour)) {
		t.Fatal("payload expired too early")
	}
	if !payload.ExpiredAt(clock.Add(25 * time.Hour)) {
		t.Fatal("payload should expire after 24h")
	}

	logged, _ := events.ListByPatient(ctx, "P7", audit.Filter{Kind: models.AuditCardIssued})
	if len(logged) != 1 {
		t.Fatalf("expected issue audit event, got %d", len(logged))
	}
}

func TestIssueRevokesPriorActiveCard(t *testing.T) {
	svc, store, _ := newCardService()
	ctx := context.Background()

	first, err := svc.Issue(ctx, doctor(), "P7", models.IDTypeGhana)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	second, err := svc.Issue(ctx, doctor(), "P7", models.IDTypeGhana)
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}

	old, _ := store.GetByID(ctx, first.Card.ID)
	if old.Status != models.CardRevoked {
		t.Fatalf("first card status %q, want revoked", old.Status)
	}

	// Single-active-card invariant.
	active, err := store.ActiveCardForPatient(ctx, "P7")
	if err != nil {
		t.Fatalf("active lookup: %v", err)
	}
	if active.ID != second.Card.ID {
		t.Fatalf("active card %q, want %q", active.ID, second.Card.ID)
	}
}

func TestTapResolvesPatientOnly(t *testing.T) {
	svc, store, events := newCardService()
	ctx := context.Background()

	result, err := svc.Issue(ctx, doctor(), "P7", models.IDTypeGhana)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	patientID, err := svc.Tap(ctx, result.Card.CardHash)
	if err != nil {
		t.Fatalf("tap: %v", err)
	}
	if patientID != "P7" {
		t.Fatalf("resolved %q", patientID)
	}

	card, _ := store.GetByID(ctx, result.Card.ID)
	if card.LastUsedAt == nil {
		t.Fatal("tap must touch last_used_at")
	}

	logged, _ := events.ListByPatient(ctx, "P7", audit.Filter{Kind: models.AuditCardTapped})
	if len(logged) != 1 {
		t.Fatalf("expected tap audit event, got %d", len(logged))
	}

	if _, err := svc.Tap(ctx, "deadbeef"); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("unknown hash: got %v", err)
	}
}

func TestTapRejectsInactiveCard(t *testing.T) {
	svc, _, _ := newCardService()
	ctx := context.Background()

	result, err := svc.Issue(ctx, doctor(), "P7", models.IDTypeGhana)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.Suspend(ctx, doctor(), result.Card.CardHash); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	if _, err := svc.Tap(ctx, result.Card.CardHash); !errors.Is(err, ErrCardInactive) {
		t.Fatalf("got %v, want ErrCardInactive", err)
	}
}

func TestReactivateRules(t *testing.T) {
	svc, _, _ := newCardService()
	ctx := context.Background()

	result, err := svc.Issue(ctx, doctor(), "P7", models.IDTypeGhana)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	hash := result.Card.CardHash

	if err := svc.Reactivate(ctx, doctor(), hash); !errors.Is(err, ErrCardActive) {
		t.Fatalf("reactivate active: got %v", err)
	}

	if err := svc.Suspend(ctx, doctor(), hash); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := svc.Reactivate(ctx, doctor(), hash); err != nil {
		t.Fatalf("reactivate suspended: %v", err)
	}

	if err := svc.Revoke(ctx, doctor(), hash); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := svc.Reactivate(ctx, doctor(), hash); !errors.Is(err, ErrCardRevoked) {
		t.Fatalf("reactivate revoked: got %v", err)
	}
}

func TestQRImageRenders(t *testing.T) {
	png, err := QRImage("MCHI-2026-AB12-CD34")
	if err != nil {
		t.Fatalf("qr image: %v", err)
	}
	if len(png) == 0 {
		t.Fatal("empty png")
	}
}
