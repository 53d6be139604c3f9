package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/medichain/platform/pkg/access"
	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/cards"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/medichain/platform/pkg/identity"
	"github.com/medichain/platform/pkg/labs"
	"github.com/medichain/platform/pkg/observability/metrics"
	"github.com/medichain/platform/pkg/records"
)

// patientLocks serialises writes per patient. Reads run in parallel. A write
// on a named or card-resolved patient takes that patient's lock once the
// permission decision has been made and holds it until the command returns,
// past the state write and its audit append. Registration, role changes and
// emergency-grant revocation take no patient lock.
type patientLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPatientLocks() *patientLocks {
	return &patientLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *patientLocks) lock(patientID string) func() {
	if patientID == "" {
		return func() {}
	}
	p.mu.Lock()
	l, ok := p.locks[patientID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[patientID] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Dispatcher resolves the caller, asks the permission engine, routes to the
// owning service and maps errors onto the stable code taxonomy. Every
// dispatched command ends in exactly one of: result, typed error, or a panic
// reserved for invariant violations.
type Dispatcher struct {
	identity *identity.Service
	grants   *access.Service
	engine   *access.Engine
	cards    *cards.Service
	records  *records.Service
	labs     *labs.Service
	auditLog *audit.Log
	locks    *patientLocks
	nowFunc  func() time.Time
}

func New(identitySvc *identity.Service, grants *access.Service, engine *access.Engine, cardSvc *cards.Service, recordSvc *records.Service, labSvc *labs.Service, auditLog *audit.Log) *Dispatcher {
	return &Dispatcher{
		identity: identitySvc,
		grants:   grants,
		engine:   engine,
		cards:    cardSvc,
		records:  recordSvc,
		labs:     labSvc,
		auditLog: auditLog,
		locks:    newPatientLocks(),
		nowFunc:  time.Now,
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.nowFunc = now
	return d
}

// Result payloads for the command surface.
type RegisterPatientResult struct {
	PatientID        string `json:"patient_id"`
	NationalHealthID string `json:"national_health_id"`
}

type PatientView struct {
	Patient       *models.Patient       `json:"patient,omitempty"`
	EmergencyInfo *models.EmergencyInfo `json:"emergency_info,omitempty"`
}

type RoleResult struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role,omitempty"`
}

type IssueCardResult struct {
	CardID    string `json:"card_id"`
	CardHash  string `json:"card_hash"`
	QRPayload string `json:"qr_payload"`
}

type TapCardResult struct {
	PatientID string `json:"patient_id"`
}

type EmergencyGrantResult struct {
	GrantID   string    `json:"grant_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type UploadRecordResult struct {
	ContentCID  string                        `json:"content_cid"`
	MetadataCID string                        `json:"metadata_cid"`
	Reference   models.MedicalRecordReference `json:"reference"`
}

type DownloadRecordResult struct {
	Plaintext []byte            `json:"plaintext"`
	Meta      models.RecordMeta `json:"meta"`
}

type SubmitLabResultOutcome struct {
	SubmissionID string `json:"submission_id"`
}

type ReviewLabResultOutcome struct {
	SubmissionID string           `json:"submission_id"`
	Status       models.LabStatus `json:"status"`
}

type ExportAuditResult struct {
	Filename string `json:"filename"`
	Workbook []byte `json:"workbook"`
}

// Dispatch executes one authenticated command. Cancellation is honoured only
// before the permission decision; after Allow the command runs to completion
// or fails atomically.
func (d *Dispatcher) Dispatch(ctx context.Context, callerID string, cmd Command) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.CommandDispatched(cmd.commandName())

	// The card tap is the one public entry point: it authenticates nothing
	// and resolves a card hash to a patient ID only.
	if tap, ok := cmd.(TapCard); ok {
		patientID, err := d.cards.Tap(ctx, tap.CardHash)
		if err != nil {
			metrics.CommandFailed(cmd.commandName())
			return nil, err
		}
		return TapCardResult{PatientID: patientID}, nil
	}

	caller, err := d.identity.GetUser(ctx, callerID)
	if err != nil {
		metrics.CommandDenied(cmd.commandName())
		return nil, access.ErrUserNotFound
	}

	now := d.nowFunc().UTC()

	result, err := d.route(ctx, caller, cmd, now)
	if err != nil {
		metrics.CommandFailed(cmd.commandName())
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) route(ctx context.Context, caller models.User, cmd Command, now time.Time) (interface{}, error) {
	switch c := cmd.(type) {
	case RegisterPatient:
		if _, err := d.authorize(ctx, caller, access.CapRegisterPatient, "", cmd, now); err != nil {
			return nil, err
		}
		res, err := d.identity.RegisterPatient(ctx, caller, identity.RegisterPatientInput{
			FullName:      c.FullName,
			DateOfBirth:   c.DateOfBirth,
			IDType:        c.IDType,
			RawNationalID: c.RawNationalID,
			UserID:        c.UserID,
			EmergencyInfo: c.EmergencyInfo,
		})
		if err != nil {
			return nil, err
		}
		return RegisterPatientResult{PatientID: res.Patient.ID, NationalHealthID: res.HealthID}, nil

	case UpdatePatient:
		if _, err := d.authorize(ctx, caller, access.CapUpdatePatient, c.PatientID, cmd, now); err != nil {
			return nil, err
		}
		unlock := d.locks.lock(c.PatientID)
		defer unlock()
		patient, err := d.identity.UpdatePatient(ctx, caller, c.PatientID, c.Patch)
		if err != nil {
			return nil, err
		}
		return PatientView{Patient: &patient}, nil

	case GetPatient:
		return d.getPatient(ctx, caller, c, now)

	case AssignRole:
		if err := d.engine.AuthorizeAssignRole(caller, c.Role); err != nil {
			return nil, d.denied(ctx, caller, "", cmd, err)
		}
		user, err := d.identity.AssignRole(ctx, caller, c.UserID, c.FullName, c.Role)
		if err != nil {
			return nil, err
		}
		return RoleResult{UserID: user.ID, Role: user.Role}, nil

	case RevokeRole:
		if err := d.engine.AuthorizeRevokeRole(caller, c.UserID); err != nil {
			return nil, d.denied(ctx, caller, "", cmd, err)
		}
		if err := d.identity.RevokeRole(ctx, caller, c.UserID); err != nil {
			return nil, err
		}
		return RoleResult{UserID: c.UserID}, nil

	case IssueCard:
		if _, err := d.authorize(ctx, caller, access.CapManageCards, c.PatientID, cmd, now); err != nil {
			return nil, err
		}
		unlock := d.locks.lock(c.PatientID)
		defer unlock()
		res, err := d.cards.Issue(ctx, caller, c.PatientID, c.IDType)
		if err != nil {
			return nil, err
		}
		return IssueCardResult{CardID: res.Card.ID, CardHash: res.Card.CardHash, QRPayload: res.QRPayload}, nil

	case SuspendCard, RevokeCard, ReactivateCard:
		return d.cardTransition(ctx, caller, cmd, now)

	case GrantEmergencyAccess:
		if _, err := d.authorize(ctx, caller, access.CapGrantEmergency, c.PatientID, cmd, now); err != nil {
			return nil, err
		}
		if err := d.identity.PatientExists(ctx, c.PatientID); err != nil {
			return nil, err
		}
		unlock := d.locks.lock(c.PatientID)
		defer unlock()
		grant, err := d.grants.GrantEmergency(ctx, caller, c.PatientID, c.Reason, now)
		if err != nil {
			return nil, err
		}
		return EmergencyGrantResult{GrantID: grant.ID, ExpiresAt: grant.ExpiresAt}, nil

	case RevokeEmergencyAccess:
		callerPatientID, _ := d.identity.PatientIDForUser(ctx, caller.ID)
		if err := d.grants.RevokeEmergency(ctx, caller, callerPatientID, c.GrantID); err != nil {
			return nil, err
		}
		return RoleResult{UserID: caller.ID}, nil

	case GrantConsent:
		if err := d.authorizeConsentChange(ctx, caller, c.PatientID, cmd); err != nil {
			return nil, err
		}
		unlock := d.locks.lock(c.PatientID)
		defer unlock()
		grant, err := d.grants.GrantConsent(ctx, caller, c.PatientID, c.GranteeID, c.Scope, c.ExpiresAt, now)
		if err != nil {
			return nil, err
		}
		return grant, nil

	case RevokeConsent:
		if err := d.authorizeConsentChange(ctx, caller, c.PatientID, cmd); err != nil {
			return nil, err
		}
		unlock := d.locks.lock(c.PatientID)
		defer unlock()
		if err := d.grants.RevokeConsent(ctx, caller, c.GrantID, c.PatientID); err != nil {
			return nil, err
		}
		return RoleResult{UserID: caller.ID}, nil

	case UploadRecord:
		decision, err := d.authorize(ctx, caller, access.CapUploadRecord, c.PatientID, cmd, now)
		if err != nil {
			return nil, err
		}
		unlock := d.locks.lock(c.PatientID)
		defer unlock()
		res, err := d.records.Upload(ctx, caller, c.PatientID, c.RecordType, c.Plaintext, records.UploadMeta{
			Filename:    c.Filename,
			ContentType: c.ContentType,
		}, decision.Emergency)
		if err != nil {
			return nil, err
		}
		return UploadRecordResult{ContentCID: res.ContentCID, MetadataCID: res.MetadataCID, Reference: res.Reference}, nil

	case DownloadRecord:
		ref, err := d.records.ResolvePatient(ctx, c.ContentCID)
		if err != nil {
			return nil, err
		}
		decision, err := d.authorizeRead(ctx, caller, access.CapDownloadRecord, ref.PatientID, c.GrantID, cmd, now)
		if err != nil {
			return nil, err
		}
		res, err := d.records.Download(ctx, caller, ref.PatientID, c.ContentCID, c.MetadataCID, decision.Emergency)
		if err != nil {
			return nil, err
		}
		return DownloadRecordResult{Plaintext: res.Plaintext, Meta: res.Meta}, nil

	case ListRecords:
		decision, err := d.authorizeRead(ctx, caller, access.CapListRecords, c.PatientID, c.GrantID, cmd, now)
		if err != nil {
			return nil, err
		}
		return d.records.List(ctx, caller, c.PatientID, decision.Emergency)

	case SubmitLabResult:
		if _, err := d.authorize(ctx, caller, access.CapSubmitLabResult, c.PatientID, cmd, now); err != nil {
			return nil, err
		}
		unlock := d.locks.lock(c.PatientID)
		defer unlock()
		sub, err := d.labs.Submit(ctx, caller, c.PatientID, c.Payload)
		if err != nil {
			return nil, err
		}
		return SubmitLabResultOutcome{SubmissionID: sub.ID}, nil

	case ReviewLabResult:
		sub, err := d.labs.Get(ctx, c.SubmissionID)
		if err != nil {
			return nil, err
		}
		if _, err := d.authorize(ctx, caller, access.CapReviewLabResult, sub.PatientID, cmd, now); err != nil {
			return nil, err
		}
		unlock := d.locks.lock(sub.PatientID)
		defer unlock()
		reviewed, err := d.labs.Review(ctx, caller, c.SubmissionID, c.Action, c.Reason)
		if err != nil {
			return nil, err
		}
		return ReviewLabResultOutcome{SubmissionID: reviewed.ID, Status: reviewed.Status}, nil

	case ListPatientLabs:
		if _, err := d.authorize(ctx, caller, access.CapListRecords, c.PatientID, cmd, now); err != nil {
			return nil, err
		}
		return d.labs.ListForPatient(ctx, c.PatientID, caller.Role == models.RolePatient)

	case ListPendingLabs:
		if _, err := d.authorize(ctx, caller, access.CapReviewLabResult, "", cmd, now); err != nil {
			return nil, err
		}
		return d.labs.Pending(ctx)

	case ReadAuditLog:
		return d.readAudit(ctx, caller, c, now)

	case ExportAuditLog:
		if _, err := d.authorize(ctx, caller, access.CapReadAuditLog, c.PatientID, cmd, now); err != nil {
			return nil, err
		}
		events, err := d.auditLog.Read(ctx, c.PatientID, audit.Filter{})
		if err != nil {
			return nil, err
		}
		workbook, err := audit.ExportXLSX(c.PatientID, events)
		if err != nil {
			return nil, err
		}
		return ExportAuditResult{Filename: c.PatientID + "-audit.xlsx", Workbook: workbook}, nil
	}

	panic("dispatch: unhandled command " + cmd.commandName())
}

func (d *Dispatcher) getPatient(ctx context.Context, caller models.User, c GetPatient, now time.Time) (interface{}, error) {
	if c.GrantID != "" {
		decision, err := d.engine.AuthorizeViaGrant(ctx, caller, access.CapReadEmergencyInfo, c.PatientID, c.GrantID, now)
		if err != nil {
			return nil, d.denied(ctx, caller, c.PatientID, c, err)
		}
		patient, err := d.identity.GetPatient(ctx, caller, c.PatientID, decision.Emergency)
		if err != nil {
			return nil, err
		}
		info := patient.EmergencyInfo
		return PatientView{EmergencyInfo: &info}, nil
	}

	decision, err := d.engine.Authorize(ctx, caller, access.CapReadPatient, c.PatientID, now)
	if err == nil {
		patient, getErr := d.identity.GetPatient(ctx, caller, c.PatientID, decision.Emergency)
		if getErr != nil {
			return nil, getErr
		}
		return PatientView{Patient: &patient}, nil
	}

	// A caller without full read may still hold emergency-info access via an
	// emergency-scoped consent or an active emergency grant.
	infoDecision, infoErr := d.engine.Authorize(ctx, caller, access.CapReadEmergencyInfo, c.PatientID, now)
	if infoErr != nil {
		return nil, d.denied(ctx, caller, c.PatientID, c, err)
	}
	patient, getErr := d.identity.GetPatient(ctx, caller, c.PatientID, infoDecision.Emergency)
	if getErr != nil {
		return nil, getErr
	}
	info := patient.EmergencyInfo
	return PatientView{EmergencyInfo: &info}, nil
}

func (d *Dispatcher) cardTransition(ctx context.Context, caller models.User, cmd Command, now time.Time) (interface{}, error) {
	var hash string
	switch c := cmd.(type) {
	case SuspendCard:
		hash = c.CardHash
	case RevokeCard:
		hash = c.CardHash
	case ReactivateCard:
		hash = c.CardHash
	}

	card, err := d.cards.ResolveByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if _, err := d.authorize(ctx, caller, access.CapManageCards, card.PatientID, cmd, now); err != nil {
		return nil, err
	}

	unlock := d.locks.lock(card.PatientID)
	defer unlock()

	switch cmd.(type) {
	case SuspendCard:
		err = d.cards.Suspend(ctx, caller, hash)
	case RevokeCard:
		err = d.cards.Revoke(ctx, caller, hash)
	case ReactivateCard:
		err = d.cards.Reactivate(ctx, caller, hash)
	}
	if err != nil {
		return nil, err
	}
	return TapCardResult{PatientID: card.PatientID}, nil
}

func (d *Dispatcher) readAudit(ctx context.Context, caller models.User, c ReadAuditLog, now time.Time) (interface{}, error) {
	if _, err := d.authorize(ctx, caller, access.CapReadAuditLog, c.PatientID, c, now); err != nil {
		return nil, err
	}
	events, err := d.auditLog.Read(ctx, c.PatientID, c.Filter)
	if err != nil {
		return nil, err
	}

	if _, err := d.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditLogRead,
		PatientID: c.PatientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
	}); err != nil {
		return nil, err
	}
	return events, nil
}

func (d *Dispatcher) authorize(ctx context.Context, caller models.User, cap access.Capability, patientID string, cmd Command, now time.Time) (access.Decision, error) {
	decision, err := d.engine.Authorize(ctx, caller, cap, patientID, now)
	if err != nil {
		return access.Decision{}, d.denied(ctx, caller, patientID, cmd, err)
	}
	return decision, nil
}

// authorizeRead handles reads that may be attributed to an emergency grant:
// with a grant ID the grant is the sole basis and its window is strict.
func (d *Dispatcher) authorizeRead(ctx context.Context, caller models.User, cap access.Capability, patientID, grantID string, cmd Command, now time.Time) (access.Decision, error) {
	if grantID != "" {
		decision, err := d.engine.AuthorizeViaGrant(ctx, caller, cap, patientID, grantID, now)
		if err != nil {
			return access.Decision{}, d.denied(ctx, caller, patientID, cmd, err)
		}
		return decision, nil
	}
	return d.authorize(ctx, caller, cap, patientID, cmd, now)
}

func (d *Dispatcher) authorizeConsentChange(ctx context.Context, caller models.User, patientID string, cmd Command) error {
	if caller.Role.IsProvider() {
		return nil
	}
	if caller.Role == models.RolePatient {
		own, err := d.identity.PatientIDForUser(ctx, caller.ID)
		if err == nil && own == patientID {
			return nil
		}
	}
	return d.denied(ctx, caller, patientID, cmd, access.ErrAccessDenied)
}

// denied records the refused attempt before returning the denial. The write
// bypasses all permission checks: a caller who cannot read the audit log can
// still not suppress their own denial.
func (d *Dispatcher) denied(ctx context.Context, caller models.User, patientID string, cmd Command, cause error) error {
	metrics.CommandDenied(cmd.commandName())
	d.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditAccessAttempt,
		PatientID: patientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   false,
		Details: map[string]interface{}{
			"command": cmd.commandName(),
			"reason":  string(CodeOf(cause)),
		},
	})
	return cause
}
