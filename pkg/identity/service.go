package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/medichain/platform/pkg/crypto"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDuplicateIdentity   = errors.New("national identity already registered")
	ErrHealthIDTaken       = errors.New("health id already in use")
	ErrIDExhaustion        = errors.New("health id space exhausted")
	ErrUserNotFound        = errors.New("user not found")
	ErrUserExists          = errors.New("user already exists")
	ErrRoleAlreadyAssigned = errors.New("user already has a role")
	ErrNoRoleToRevoke      = errors.New("user has no role to revoke")
	ErrInvalidPayload      = errors.New("invalid payload")
)

// healthIDAttempts bounds minting retries before declaring exhaustion.
const healthIDAttempts = 8

// UserRegistry is the authoritative user table.
type UserRegistry interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	CreateUser(ctx context.Context, user models.User) error
	UpdateUserRole(ctx context.Context, id string, role models.Role) error
	DeleteUser(ctx context.Context, id string) error
}

// PatientStore is the authoritative patient table plus the national-hash
// uniqueness index. CreatePatient must fail ErrDuplicateIdentity when the
// national hash is already bound and ErrHealthIDTaken on a health-ID clash.
type PatientStore interface {
	CreatePatient(ctx context.Context, patient models.Patient) error
	UpdatePatient(ctx context.Context, patient models.Patient) error
	DeletePatient(ctx context.Context, id string) error
	GetPatient(ctx context.Context, id string) (models.Patient, error)
	GetByNationalHash(ctx context.Context, hash string) (models.Patient, error)
	GetByUserID(ctx context.Context, userID string) (models.Patient, error)
	HealthIDExists(ctx context.Context, healthID string) (bool, error)
}

type Service struct {
	users    UserRegistry
	patients PatientStore
	auditLog *audit.Log
	nowFunc  func() time.Time
	randHex  func(n int) (string, error)
}

func NewService(users UserRegistry, patients PatientStore, auditLog *audit.Log) *Service {
	return &Service{
		users:    users,
		patients: patients,
		auditLog: auditLog,
		nowFunc:  time.Now,
		randHex:  randomHex,
	}
}

// WithClock overrides the wall clock, for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFunc = now
	return s
}

// WithRandHex overrides the health-ID random source.
func (s *Service) WithRandHex(fn func(n int) (string, error)) *Service {
	s.randHex = fn
	return s
}

func randomHex(n int) (string, error) {
	b, err := crypto.RandomBytes((n + 1) / 2)
	if err != nil {
		return "", err
	}
	const digits = "0123456789ABCDEF"
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = digits[b[i/2]>>(uint(1-i%2)*4)&0x0f]
	}
	return string(out), nil
}

type RegisterPatientInput struct {
	FullName      string
	DateOfBirth   string
	IDType        models.NationalIDType
	RawNationalID string
	UserID        string
	EmergencyInfo models.EmergencyInfo
}

type RegisterPatientResult struct {
	Patient  models.Patient
	HealthID string
}

// RegisterPatient mints a national health ID, binds the national-ID hash and
// writes the patient. The raw identifier is hashed and zeroised immediately;
// it is never stored. Authorisation is the dispatcher's job.
func (s *Service) RegisterPatient(ctx context.Context, caller models.User, input RegisterPatientInput) (RegisterPatientResult, error) {
	if strings.TrimSpace(input.FullName) == "" || strings.TrimSpace(input.RawNationalID) == "" {
		return RegisterPatientResult{}, fmt.Errorf("%w: name and national id required", ErrInvalidPayload)
	}
	if !input.IDType.Valid() {
		return RegisterPatientResult{}, fmt.Errorf("%w: unknown national id type %q", ErrInvalidPayload, input.IDType)
	}

	raw := []byte(input.RawNationalID)
	digest := crypto.HashNationalID(raw, string(input.IDType))
	idHash := fmt.Sprintf("%x", digest)

	if _, err := s.patients.GetByNationalHash(ctx, idHash); err == nil {
		return RegisterPatientResult{}, ErrDuplicateIdentity
	} else if !errors.Is(err, ErrPatientNotFound) {
		return RegisterPatientResult{}, err
	}

	now := s.nowFunc().UTC()

	healthID, err := s.mintHealthID(ctx, now)
	if err != nil {
		return RegisterPatientResult{}, err
	}

	userID := input.UserID
	createdUser := false
	if userID == "" {
		userID = "USR-" + uuid.New().String()
		if err := s.users.CreateUser(ctx, models.User{
			ID:        userID,
			FullName:  input.FullName,
			Role:      models.RolePatient,
			CreatedAt: now,
		}); err != nil {
			return RegisterPatientResult{}, err
		}
		createdUser = true
	} else if _, err := s.users.GetUser(ctx, userID); err != nil {
		return RegisterPatientResult{}, err
	}

	info := input.EmergencyInfo
	info.LastUpdated = now

	patient := models.Patient{
		ID:             "PAT-" + uuid.New().String(),
		UserID:         userID,
		HealthID:       healthID,
		FullName:       input.FullName,
		DateOfBirth:    input.DateOfBirth,
		NationalIDType: input.IDType,
		NationalIDHash: idHash,
		EmergencyInfo:  info,
		LastModifiedBy: caller.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.patients.CreatePatient(ctx, patient); err != nil {
		if createdUser {
			s.users.DeleteUser(ctx, userID)
		}
		return RegisterPatientResult{}, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditPatientRegistered,
		PatientID: patient.ID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details: map[string]interface{}{
			"health_id":        healthID,
			"national_id_type": string(input.IDType),
		},
	}); err != nil {
		// A state write with no audit trail must not survive.
		s.patients.DeletePatient(ctx, patient.ID)
		if createdUser {
			s.users.DeleteUser(ctx, userID)
		}
		return RegisterPatientResult{}, err
	}

	return RegisterPatientResult{Patient: patient, HealthID: healthID}, nil
}

func (s *Service) mintHealthID(ctx context.Context, now time.Time) (string, error) {
	for attempt := 0; attempt < healthIDAttempts; attempt++ {
		a, err := s.randHex(4)
		if err != nil {
			return "", err
		}
		b, err := s.randHex(4)
		if err != nil {
			return "", err
		}
		candidate := fmt.Sprintf("MCHI-%04d-%s-%s", now.Year(), a, b)

		taken, err := s.patients.HealthIDExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", ErrIDExhaustion
}

// PatientPatch whitelists the fields a record editor may change. Nil fields
// are left untouched.
type PatientPatch struct {
	BloodType          *string
	Allergies          *[]string
	CurrentMedications *[]string
	ChronicConditions  *[]string
	OrganDonor         *bool
	DNRStatus          *bool
	EmergencyContacts  *[]models.EmergencyContact
}

func (s *Service) UpdatePatient(ctx context.Context, caller models.User, patientID string, patch PatientPatch) (models.Patient, error) {
	patient, err := s.patients.GetPatient(ctx, patientID)
	if err != nil {
		return models.Patient{}, err
	}
	previous := patient

	now := s.nowFunc().UTC()
	changed := make([]string, 0, 7)

	if patch.BloodType != nil {
		patient.EmergencyInfo.BloodType = *patch.BloodType
		changed = append(changed, "blood_type")
	}
	if patch.Allergies != nil {
		patient.EmergencyInfo.Allergies = *patch.Allergies
		changed = append(changed, "allergies")
	}
	if patch.CurrentMedications != nil {
		patient.EmergencyInfo.CurrentMedications = *patch.CurrentMedications
		changed = append(changed, "current_medications")
	}
	if patch.ChronicConditions != nil {
		patient.EmergencyInfo.ChronicConditions = *patch.ChronicConditions
		changed = append(changed, "chronic_conditions")
	}
	if patch.OrganDonor != nil {
		patient.EmergencyInfo.OrganDonor = *patch.OrganDonor
		changed = append(changed, "organ_donor")
	}
	if patch.DNRStatus != nil {
		patient.EmergencyInfo.DNRStatus = *patch.DNRStatus
		changed = append(changed, "dnr_status")
	}
	if patch.EmergencyContacts != nil {
		patient.EmergencyInfo.EmergencyContacts = *patch.EmergencyContacts
		changed = append(changed, "emergency_contacts")
	}

	if len(changed) == 0 {
		return models.Patient{}, fmt.Errorf("%w: empty patch", ErrInvalidPayload)
	}

	patient.EmergencyInfo.LastUpdated = now
	patient.LastModifiedBy = caller.ID
	patient.UpdatedAt = now

	if err := s.patients.UpdatePatient(ctx, patient); err != nil {
		return models.Patient{}, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditPatientUpdated,
		PatientID: patient.ID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details:   map[string]interface{}{"fields": strings.Join(changed, ",")},
	}); err != nil {
		s.patients.UpdatePatient(ctx, previous)
		return models.Patient{}, err
	}

	return patient, nil
}

// GetPatient returns the record and logs the read. Authorisation is decided
// before this is reached.
func (s *Service) GetPatient(ctx context.Context, caller models.User, patientID string, emergency bool) (models.Patient, error) {
	patient, err := s.patients.GetPatient(ctx, patientID)
	if err != nil {
		return models.Patient{}, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditPatientRead,
		PatientID: patient.ID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Emergency: emergency,
		Granted:   true,
	}); err != nil {
		return models.Patient{}, err
	}
	return patient, nil
}

// PatientExists checks existence without leaving a read audit entry; used
// before writes whose own audit event covers the command.
func (s *Service) PatientExists(ctx context.Context, id string) error {
	_, err := s.patients.GetPatient(ctx, id)
	return err
}

func (s *Service) GetByNationalHash(ctx context.Context, hash string) (models.Patient, error) {
	return s.patients.GetByNationalHash(ctx, hash)
}

// PatientIDForUser resolves the patient record bound to a user account, used
// by the permission engine for own-record checks.
func (s *Service) PatientIDForUser(ctx context.Context, userID string) (string, error) {
	patient, err := s.patients.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	return patient.ID, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (models.User, error) {
	return s.users.GetUser(ctx, id)
}

// AssignRole creates or re-roles a user account. Admin assignment is rejected
// by the permission engine before this point; reaching the registry with it
// is a bug.
func (s *Service) AssignRole(ctx context.Context, caller models.User, userID, fullName string, role models.Role) (models.User, error) {
	if role.IsAdmin() {
		panic("identity: admin role must be rejected before the registry")
	}

	now := s.nowFunc().UTC()
	user, err := s.users.GetUser(ctx, userID)
	created := false
	switch {
	case err == nil:
		if user.Role != "" {
			return models.User{}, ErrRoleAlreadyAssigned
		}
		if err := s.users.UpdateUserRole(ctx, userID, role); err != nil {
			return models.User{}, err
		}
		user.Role = role
	case errors.Is(err, ErrUserNotFound):
		user = models.User{ID: userID, FullName: fullName, Role: role, CreatedAt: now}
		if err := s.users.CreateUser(ctx, user); err != nil {
			return models.User{}, err
		}
		created = true
	default:
		return models.User{}, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditRoleAssigned,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details:   map[string]interface{}{"user_id": userID, "role": string(role)},
	}); err != nil {
		if created {
			s.users.DeleteUser(ctx, userID)
		} else {
			s.users.UpdateUserRole(ctx, userID, "")
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *Service) RevokeRole(ctx context.Context, caller models.User, userID string) error {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.Role == "" {
		return ErrNoRoleToRevoke
	}
	previous := user.Role

	if err := s.users.UpdateUserRole(ctx, userID, ""); err != nil {
		return err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditRoleRevoked,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details:   map[string]interface{}{"user_id": userID, "role": string(previous)},
	}); err != nil {
		s.users.UpdateUserRole(ctx, userID, previous)
		return err
	}
	return nil
}
