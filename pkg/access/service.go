package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/common/models"
)

// EmergencyAccessDuration is fixed policy: every emergency grant lives for
// exactly fifteen minutes. It is intentionally not configurable per call.
const EmergencyAccessDuration = 15 * time.Minute

// MaxActiveEmergencyGrants bounds concurrent emergency accessors per patient.
const MaxActiveEmergencyGrants = 10

var (
	ErrMissingReason        = errors.New("emergency access requires a documented reason")
	ErrAccessAlreadyGranted = errors.New("accessor already holds an active grant")
	ErrTooManyGrants        = errors.New("patient has too many active grants")
	ErrGrantNotFound        = errors.New("grant not found")
	ErrNotGrantParty        = errors.New("only the patient or the accessor may revoke")
)

// GrantStore owns consent and emergency grant persistence.
type GrantStore interface {
	GrantReader
	CreateConsent(ctx context.Context, grant models.ConsentGrant) error
	UpdateConsentStatus(ctx context.Context, grantID string, status models.GrantStatus) error
	CreateEmergency(ctx context.Context, grant models.EmergencyGrant) error
	RevokeEmergency(ctx context.Context, grantID string) error
	DeleteEmergency(ctx context.Context, grantID string) error
	CountActiveEmergency(ctx context.Context, patientID string, now time.Time) (int, error)
}

// Service drives grant lifecycles and their audit trail. Authorisation of
// the *callers* of these operations happens in the dispatcher.
type Service struct {
	grants   GrantStore
	auditLog *audit.Log
	nowFunc  func() time.Time
}

func NewService(grants GrantStore, auditLog *audit.Log) *Service {
	return &Service{grants: grants, auditLog: auditLog, nowFunc: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFunc = now
	return s
}

// GrantEmergency creates the fixed-lifetime emergency grant. The caller has
// already been authorised as a provider; creation refuses duplicates and
// enforces the per-patient cap.
func (s *Service) GrantEmergency(ctx context.Context, caller models.User, patientID, reason string, now time.Time) (models.EmergencyGrant, error) {
	if strings.TrimSpace(reason) == "" {
		return models.EmergencyGrant{}, ErrMissingReason
	}

	if existing, err := s.grants.ActiveEmergency(ctx, patientID, caller.ID, now); err == nil && existing != nil && existing.ActiveAt(now) {
		return models.EmergencyGrant{}, ErrAccessAlreadyGranted
	}

	active, err := s.grants.CountActiveEmergency(ctx, patientID, now)
	if err != nil {
		return models.EmergencyGrant{}, err
	}
	if active >= MaxActiveEmergencyGrants {
		return models.EmergencyGrant{}, ErrTooManyGrants
	}

	grant := models.EmergencyGrant{
		ID:        "EMG-" + uuid.New().String(),
		PatientID: patientID,
		GranteeID: caller.ID,
		Reason:    reason,
		GrantedAt: now,
		ExpiresAt: now.Add(EmergencyAccessDuration),
	}
	if err := s.grants.CreateEmergency(ctx, grant); err != nil {
		return models.EmergencyGrant{}, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditEmergencyGranted,
		PatientID: patientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Emergency: true,
		Granted:   true,
		Details: map[string]interface{}{
			"grant_id":   grant.ID,
			"reason":     reason,
			"expires_at": grant.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}); err != nil {
		s.grants.DeleteEmergency(ctx, grant.ID)
		return models.EmergencyGrant{}, err
	}

	return grant, nil
}

// RevokeEmergency ends a grant early. Only the patient themselves or the
// accessor who holds the grant may revoke it.
func (s *Service) RevokeEmergency(ctx context.Context, caller models.User, callerPatientID, grantID string) error {
	grant, err := s.grants.GetEmergency(ctx, grantID)
	if err != nil || grant == nil {
		return ErrGrantNotFound
	}
	if caller.ID != grant.GranteeID && callerPatientID != grant.PatientID {
		return ErrNotGrantParty
	}
	if err := s.grants.RevokeEmergency(ctx, grantID); err != nil {
		return err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditEmergencyRevoked,
		PatientID: grant.PatientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details:   map[string]interface{}{"grant_id": grantID},
	}); err != nil {
		// Restore the grant as it was before the revocation.
		s.grants.DeleteEmergency(ctx, grantID)
		s.grants.CreateEmergency(ctx, *grant)
		return err
	}
	return nil
}

// GrantConsent records a named user's scoped access to a patient's records.
func (s *Service) GrantConsent(ctx context.Context, caller models.User, patientID, granteeID string, scope models.ConsentScope, expiresAt *time.Time, now time.Time) (models.ConsentGrant, error) {
	switch scope {
	case models.ScopeFull, models.ScopeLimited, models.ScopeEmergency:
	default:
		return models.ConsentGrant{}, fmt.Errorf("unknown consent scope %q", scope)
	}

	grant := models.ConsentGrant{
		ID:        "CON-" + uuid.New().String(),
		PatientID: patientID,
		GranteeID: granteeID,
		Scope:     scope,
		GrantedAt: now,
		ExpiresAt: expiresAt,
		Status:    models.GrantActive,
	}
	if err := s.grants.CreateConsent(ctx, grant); err != nil {
		return models.ConsentGrant{}, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditConsentGranted,
		PatientID: patientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details:   map[string]interface{}{"grant_id": grant.ID, "grantee": granteeID, "scope": string(scope)},
	}); err != nil {
		s.grants.UpdateConsentStatus(ctx, grant.ID, models.GrantRevoked)
		return models.ConsentGrant{}, err
	}
	return grant, nil
}

func (s *Service) RevokeConsent(ctx context.Context, caller models.User, grantID, patientID string) error {
	if err := s.grants.UpdateConsentStatus(ctx, grantID, models.GrantRevoked); err != nil {
		return err
	}
	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditConsentRevoked,
		PatientID: patientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details:   map[string]interface{}{"grant_id": grantID},
	}); err != nil {
		return err
	}
	return nil
}
