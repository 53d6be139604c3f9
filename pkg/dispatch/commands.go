package dispatch

import (
	"time"

	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/medichain/platform/pkg/identity"
	"github.com/medichain/platform/pkg/labs"
)

// Command is the closed set of operations the core accepts. The transport
// layer binds requests onto these; nothing else reaches the services.
type Command interface {
	commandName() string
}

type RegisterPatient struct {
	FullName      string
	DateOfBirth   string
	IDType        models.NationalIDType
	RawNationalID string
	UserID        string
	EmergencyInfo models.EmergencyInfo
}

type UpdatePatient struct {
	PatientID string
	Patch     identity.PatientPatch
}

type GetPatient struct {
	PatientID string
	// GrantID attributes the read to an emergency grant; when set the grant
	// is the sole authorisation basis.
	GrantID string
}

type AssignRole struct {
	UserID   string
	FullName string
	Role     models.Role
}

type RevokeRole struct {
	UserID string
}

type IssueCard struct {
	PatientID string
	IDType    models.NationalIDType
}

type TapCard struct {
	CardHash string
}

type SuspendCard struct {
	CardHash string
}

type RevokeCard struct {
	CardHash string
}

type ReactivateCard struct {
	CardHash string
}

type GrantEmergencyAccess struct {
	PatientID string
	Reason    string
}

type RevokeEmergencyAccess struct {
	GrantID string
}

type GrantConsent struct {
	PatientID string
	GranteeID string
	Scope     models.ConsentScope
	ExpiresAt *time.Time
}

type RevokeConsent struct {
	GrantID   string
	PatientID string
}

type UploadRecord struct {
	PatientID   string
	RecordType  models.RecordType
	Plaintext   []byte
	Filename    string
	ContentType string
}

type DownloadRecord struct {
	ContentCID  string
	MetadataCID string
	GrantID     string
}

type ListRecords struct {
	PatientID string
	GrantID   string
}

type SubmitLabResult struct {
	PatientID string
	Payload   labs.SubmitInput
}

type ReviewLabResult struct {
	SubmissionID string
	Action       labs.ReviewAction
	Reason       string
}

type ListPatientLabs struct {
	PatientID string
}

type ListPendingLabs struct{}

type ReadAuditLog struct {
	PatientID string
	Filter    audit.Filter
}

type ExportAuditLog struct {
	PatientID string
}

func (RegisterPatient) commandName() string        { return "register_patient" }
func (UpdatePatient) commandName() string          { return "update_patient" }
func (GetPatient) commandName() string             { return "get_patient" }
func (AssignRole) commandName() string             { return "assign_role" }
func (RevokeRole) commandName() string             { return "revoke_role" }
func (IssueCard) commandName() string              { return "issue_card" }
func (TapCard) commandName() string                { return "tap_card" }
func (SuspendCard) commandName() string            { return "suspend_card" }
func (RevokeCard) commandName() string             { return "revoke_card" }
func (ReactivateCard) commandName() string         { return "reactivate_card" }
func (GrantEmergencyAccess) commandName() string   { return "grant_emergency_access" }
func (RevokeEmergencyAccess) commandName() string  { return "revoke_emergency_access" }
func (GrantConsent) commandName() string           { return "grant_consent" }
func (RevokeConsent) commandName() string          { return "revoke_consent" }
func (UploadRecord) commandName() string           { return "upload_record" }
func (DownloadRecord) commandName() string         { return "download_record" }
func (ListRecords) commandName() string            { return "list_records" }
func (SubmitLabResult) commandName() string        { return "submit_lab_result" }
func (ReviewLabResult) commandName() string        { return "review_lab_result" }
func (ListPatientLabs) commandName() string        { return "list_patient_labs" }
func (ListPendingLabs) commandName() string        { return "list_pending_labs" }
func (ReadAuditLog) commandName() string           { return "read_audit_log" }
func (ExportAuditLog) commandName() string         { return "export_audit_log" }
