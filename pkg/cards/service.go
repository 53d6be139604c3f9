package cards

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/medichain/platform/pkg/crypto"
	qrcode "github.com/skip2/go-qrcode"
)

var (
	ErrCardNotFound = errors.New("card not found")
	ErrCardInactive = errors.New("card is not active")
	ErrCardRevoked  = errors.New("revoked cards cannot be reactivated")
	ErrCardActive   = errors.New("card is already active")
)

// qrValidity bounds how long a printed QR fallback stays usable.
const qrValidity = 24 * time.Hour

// QRPayload is the base64-packed JSON carried by the card's QR code.
type QRPayload struct {
	HealthID  string `json:"health_id"`
	CardHash  string `json:"card_hash"`
	ExpiresAt int64  `json:"expires_at"`
	Version   uint8  `json:"version"`
}

func (p QRPayload) Encode() string {
	raw, _ := json.Marshal(p)
	return base64.StdEncoding.EncodeToString(raw)
}

func DecodeQRPayload(s string) (QRPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return QRPayload{}, err
	}
	var p QRPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return QRPayload{}, err
	}
	return p, nil
}

// ExpiredAt reports whether the payload is past its validity window.
func (p QRPayload) ExpiredAt(now time.Time) bool {
	return now.Unix() > p.ExpiresAt
}

// CardStore is the card table plus the hash index every tap hits.
type CardStore interface {
	CreateCard(ctx context.Context, card models.Card) error
	DeleteCard(ctx context.Context, cardID string) error
	GetByHash(ctx context.Context, cardHash string) (models.Card, error)
	GetByID(ctx context.Context, cardID string) (models.Card, error)
	UpdateStatus(ctx context.Context, cardID string, status models.CardStatus, at time.Time) error
	TouchLastUsed(ctx context.Context, cardID string, at time.Time) error
	ActiveCardForPatient(ctx context.Context, patientID string) (models.Card, error)
}

// PatientDirectory is the read-side patient lookup the card service needs.
type PatientDirectory interface {
	GetPatient(ctx context.Context, id string) (models.Patient, error)
}

type Service struct {
	cards    CardStore
	patients PatientDirectory
	auditLog *audit.Log
	nowFunc  func() time.Time
}

func NewService(cards CardStore, patients PatientDirectory, auditLog *audit.Log) *Service {
	return &Service{cards: cards, patients: patients, auditLog: auditLog, nowFunc: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFunc = now
	return s
}

type IssueResult struct {
	Card      models.Card
	QRPayload string
}

// Issue creates a fresh card for the patient. Any previously Active card is
// revoked first, keeping the one-active-card invariant.
func (s *Service) Issue(ctx context.Context, caller models.User, patientID string, idType models.NationalIDType) (IssueResult, error) {
	patient, err := s.patients.GetPatient(ctx, patientID)
	if err != nil {
		return IssueResult{}, err
	}

	now := s.nowFunc().UTC()

	replaced := ""
	if existing, err := s.cards.ActiveCardForPatient(ctx, patientID); err == nil {
		if err := s.cards.UpdateStatus(ctx, existing.ID, models.CardRevoked, now); err != nil {
			return IssueResult{}, err
		}
		replaced = existing.ID
	} else if !errors.Is(err, ErrCardNotFound) {
		return IssueResult{}, err
	}

	hashBytes, err := crypto.RandomBytes(32)
	if err != nil {
		return IssueResult{}, err
	}

	card := models.Card{
		ID:             "MC-" + uuid.New().String(),
		PatientID:      patientID,
		CardHash:       hex.EncodeToString(hashBytes),
		NationalIDType: idType,
		Status:         models.CardActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.cards.CreateCard(ctx, card); err != nil {
		return IssueResult{}, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditCardIssued,
		PatientID: patientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details:   map[string]interface{}{"card_id": card.ID, "replaced_card_id": replaced},
	}); err != nil {
		s.cards.DeleteCard(ctx, card.ID)
		if replaced != "" {
			s.cards.UpdateStatus(ctx, replaced, models.CardActive, now)
		}
		return IssueResult{}, err
	}

	payload := QRPayload{
		HealthID:  patient.HealthID,
		CardHash:  card.CardHash,
		ExpiresAt: now.Add(qrValidity).Unix(),
		Version:   1,
	}
	return IssueResult{Card: card, QRPayload: payload.Encode()}, nil
}

// QRImage renders a payload as a PNG for printing on the physical card.
func QRImage(payload string) ([]byte, error) {
	return qrcode.Encode(payload, qrcode.Medium, 256)
}

// Tap is the public emergency entry point. It resolves an Active card hash
// to a patient ID and nothing else; no patient data is released and the
// subsequent grant request must be authenticated.
func (s *Service) Tap(ctx context.Context, cardHash string) (string, error) {
	card, err := s.cards.GetByHash(ctx, cardHash)
	if err != nil {
		return "", err
	}
	if card.Status != models.CardActive {
		return "", ErrCardInactive
	}

	now := s.nowFunc().UTC()
	if err := s.cards.TouchLastUsed(ctx, card.ID, now); err != nil {
		return "", err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditCardTapped,
		PatientID: card.PatientID,
		ActorID:   "card:" + card.ID,
		Granted:   true,
	}); err != nil {
		return "", err
	}
	return card.PatientID, nil
}

// ResolveByHash looks a card up without touching it; the dispatcher uses it
// to find the owning patient before taking the patient write lock.
func (s *Service) ResolveByHash(ctx context.Context, cardHash string) (models.Card, error) {
	return s.cards.GetByHash(ctx, cardHash)
}

func (s *Service) Suspend(ctx context.Context, caller models.User, cardHash string) error {
	return s.transition(ctx, caller, cardHash, models.CardSuspended, models.AuditCardSuspended)
}

func (s *Service) Revoke(ctx context.Context, caller models.User, cardHash string) error {
	return s.transition(ctx, caller, cardHash, models.CardRevoked, models.AuditCardRevoked)
}

// Reactivate restores a Suspended card. Revoked cards stay revoked.
func (s *Service) Reactivate(ctx context.Context, caller models.User, cardHash string) error {
	card, err := s.cards.GetByHash(ctx, cardHash)
	if err != nil {
		return err
	}
	switch card.Status {
	case models.CardRevoked:
		return ErrCardRevoked
	case models.CardActive:
		return ErrCardActive
	}

	now := s.nowFunc().UTC()
	if err := s.cards.UpdateStatus(ctx, card.ID, models.CardActive, now); err != nil {
		return err
	}
	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditCardReactivated,
		PatientID: card.PatientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details:   map[string]interface{}{"card_id": card.ID},
	}); err != nil {
		s.cards.UpdateStatus(ctx, card.ID, models.CardSuspended, now)
		return err
	}
	return nil
}

func (s *Service) transition(ctx context.Context, caller models.User, cardHash string, to models.CardStatus, kind string) error {
	card, err := s.cards.GetByHash(ctx, cardHash)
	if err != nil {
		return err
	}
	if card.Status != models.CardActive && to == models.CardSuspended {
		return ErrCardInactive
	}
	previous := card.Status

	now := s.nowFunc().UTC()
	if err := s.cards.UpdateStatus(ctx, card.ID, to, now); err != nil {
		return err
	}
	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      kind,
		PatientID: card.PatientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details:   map[string]interface{}{"card_id": card.ID},
	}); err != nil {
		s.cards.UpdateStatus(ctx, card.ID, previous, now)
		return err
	}
	return nil
}
