package access

import (
	"context"
	"errors"
	"time"

	"github.com/medichain/platform/pkg/common/models"
)

var (
	ErrInsufficientRole    = errors.New("role lacks required capability")
	ErrAccessDenied        = errors.New("access denied")
	ErrCannotAssignAdmin   = errors.New("admin role cannot be assigned")
	ErrCannotRevokeOwnRole = errors.New("cannot revoke own role")
	ErrUserNotFound        = errors.New("caller has no user record")
)

// Capabilities gate every command in the system. The engine is the only
// authoriser; call sites never test roles directly.
type Capability string

const (
	CapAssignRole        Capability = "assign_role"
	CapRevokeRole        Capability = "revoke_role"
	CapRegisterPatient   Capability = "register_patient"
	CapUpdatePatient     Capability = "update_patient"
	CapReadPatient       Capability = "read_patient"
	CapReadEmergencyInfo Capability = "read_emergency_info"
	CapUploadRecord      Capability = "upload_record"
	CapDownloadRecord    Capability = "download_record"
	CapListRecords       Capability = "list_records"
	CapSubmitLabResult   Capability = "submit_lab_result"
	CapReviewLabResult   Capability = "review_lab_result"
	CapGrantEmergency    Capability = "grant_emergency_access"
	CapReadAuditLog      Capability = "read_audit_log"
	CapManageCards       Capability = "manage_cards"
)

// roleTable encodes the capability matrix. A true entry means the role holds
// the capability outright; ownOnly marks capabilities a Patient caller holds
// only against their own record.
var roleTable = map[Capability]map[models.Role]bool{
	CapAssignRole:      {models.RoleAdmin: true},
	CapRevokeRole:      {models.RoleAdmin: true},
	CapRegisterPatient: providerRow(),
	CapUpdatePatient:   editorRow(),
	CapReadPatient:     providerRow(),
	CapUploadRecord:    editorRow(),
	CapDownloadRecord:  providerRow(),
	CapListRecords:     providerRow(),
	CapSubmitLabResult: {
		models.RoleAdmin:         true,
		models.RoleDoctor:        true,
		models.RoleNurse:         true,
		models.RoleLabTechnician: true,
	},
	CapReviewLabResult:   editorRow(),
	CapGrantEmergency:    providerRow(),
	CapReadAuditLog:      providerRow(),
	CapReadEmergencyInfo: providerRow(),
	CapManageCards:       providerRow(),
}

var ownOnly = map[Capability]bool{
	CapReadPatient:       true,
	CapDownloadRecord:    true,
	CapListRecords:       true,
	CapReadAuditLog:      true,
	CapReadEmergencyInfo: true,
}

func providerRow() map[models.Role]bool {
	return map[models.Role]bool{
		models.RoleAdmin:         true,
		models.RoleDoctor:        true,
		models.RoleNurse:         true,
		models.RoleLabTechnician: true,
		models.RolePharmacist:    true,
	}
}

func editorRow() map[models.Role]bool {
	return map[models.Role]bool{
		models.RoleAdmin:  true,
		models.RoleDoctor: true,
		models.RoleNurse:  true,
	}
}

// consentScopeCaps maps each consent scope to the read capabilities it opens.
var consentScopeCaps = map[models.ConsentScope]map[Capability]bool{
	models.ScopeFull: {
		CapReadPatient:       true,
		CapReadEmergencyInfo: true,
		CapDownloadRecord:    true,
		CapListRecords:       true,
		CapReadAuditLog:      true,
	},
	models.ScopeLimited: {
		CapReadPatient: true,
		CapListRecords: true,
	},
	models.ScopeEmergency: {
		CapReadEmergencyInfo: true,
	},
}

// emergencyCaps are what an active emergency grant opens for a provider.
var emergencyCaps = map[Capability]bool{
	CapReadPatient:       true,
	CapReadEmergencyInfo: true,
	CapDownloadRecord:    true,
	CapListRecords:       true,
}

type Basis string

const (
	BasisRole      Basis = "role"
	BasisOwner     Basis = "owner"
	BasisConsent   Basis = "consent"
	BasisEmergency Basis = "emergency"
)

// Decision reports why a command was allowed. Emergency is true whenever an
// active emergency window exists for (patient, caller) at decision time, so
// the audit trail can flag every event inside the window.
type Decision struct {
	Basis     Basis
	Emergency bool
	GrantID   string
}

// GrantReader is the engine's read-side view of consent and emergency
// grants. Implementations must apply expiry themselves or return grants for
// the engine to filter with ActiveAt.
type GrantReader interface {
	ActiveConsent(ctx context.Context, patientID, granteeID string, now time.Time) (*models.ConsentGrant, error)
	ActiveEmergency(ctx context.Context, patientID, granteeID string, now time.Time) (*models.EmergencyGrant, error)
	GetEmergency(ctx context.Context, grantID string) (*models.EmergencyGrant, error)
}

// PatientResolver binds a caller's user account to their own patient record.
type PatientResolver interface {
	PatientIDForUser(ctx context.Context, userID string) (string, error)
}

type Engine struct {
	grants   GrantReader
	patients PatientResolver
}

func NewEngine(grants GrantReader, patients PatientResolver) *Engine {
	return &Engine{grants: grants, patients: patients}
}

// Authorize decides one command. The wall clock is read once by the caller
// and passed in; a grant expiring mid-command stays valid for that command.
func (e *Engine) Authorize(ctx context.Context, caller models.User, cap Capability, patientID string, now time.Time) (Decision, error) {
	if caller.ID == "" {
		return Decision{}, ErrUserNotFound
	}

	row, known := roleTable[cap]
	if !known {
		panic("access: unknown capability " + string(cap))
	}

	decision := Decision{}
	if patientID != "" {
		if grant, err := e.grants.ActiveEmergency(ctx, patientID, caller.ID, now); err == nil && grant != nil && grant.ActiveAt(now) {
			decision.Emergency = true
			decision.GrantID = grant.ID
		}
	}

	if row[caller.Role] {
		decision.Basis = BasisRole
		return decision, nil
	}

	// Patient callers hold own-only capabilities against their own record.
	if caller.Role == models.RolePatient && ownOnly[cap] && patientID != "" {
		own, err := e.patients.PatientIDForUser(ctx, caller.ID)
		if err == nil && own == patientID {
			decision.Basis = BasisOwner
			return decision, nil
		}
	}

	// An explicit consent grant overrides the own-record restriction.
	if patientID != "" {
		grant, err := e.grants.ActiveConsent(ctx, patientID, caller.ID, now)
		if err != nil {
			return Decision{}, err
		}
		if grant != nil && grant.ActiveAt(now) && consentScopeCaps[grant.Scope][cap] {
			decision.Basis = BasisConsent
			return decision, nil
		}
	}

	// Emergency grants elevate providers inside the window; they compose
	// additively with consent.
	if decision.Emergency && caller.Role.IsProvider() && emergencyCaps[cap] {
		decision.Basis = BasisEmergency
		return decision, nil
	}

	if _, eligible := row[caller.Role]; !eligible && !ownOnly[cap] {
		return Decision{}, ErrInsufficientRole
	}
	if caller.Role == models.RolePatient && ownOnly[cap] {
		return Decision{}, ErrAccessDenied
	}
	return Decision{}, ErrInsufficientRole
}

// AuthorizeViaGrant authorises a read attributed to a specific emergency
// grant. Unlike Authorize, the grant itself is the sole basis: once expired
// or revoked the command is denied even for callers whose role would pass.
func (e *Engine) AuthorizeViaGrant(ctx context.Context, caller models.User, cap Capability, patientID, grantID string, now time.Time) (Decision, error) {
	if caller.ID == "" {
		return Decision{}, ErrUserNotFound
	}
	grant, err := e.grants.GetEmergency(ctx, grantID)
	if err != nil || grant == nil {
		return Decision{}, ErrAccessDenied
	}
	if grant.GranteeID != caller.ID || (patientID != "" && grant.PatientID != patientID) {
		return Decision{}, ErrAccessDenied
	}
	if !grant.ActiveAt(now) {
		return Decision{}, ErrAccessDenied
	}
	if !caller.Role.IsProvider() || !emergencyCaps[cap] {
		return Decision{}, ErrInsufficientRole
	}
	return Decision{Basis: BasisEmergency, Emergency: true, GrantID: grant.ID}, nil
}

// AuthorizeAssignRole applies the role-management gates: Admin only, and the
// Admin role itself is never assignable.
func (e *Engine) AuthorizeAssignRole(caller models.User, requested models.Role) error {
	if caller.ID == "" {
		return ErrUserNotFound
	}
	if !caller.Role.IsAdmin() {
		return ErrInsufficientRole
	}
	if requested.IsAdmin() {
		return ErrCannotAssignAdmin
	}
	return nil
}

func (e *Engine) AuthorizeRevokeRole(caller models.User, targetUserID string) error {
	if caller.ID == "" {
		return ErrUserNotFound
	}
	if !caller.Role.IsAdmin() {
		return ErrInsufficientRole
	}
	if caller.ID == targetUserID {
		return ErrCannotRevokeOwnRole
	}
	return nil
}
