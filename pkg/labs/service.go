package labs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/medichain/platform/pkg/records"
)

var (
	ErrSubmissionNotFound = errors.New("lab submission not found")
	ErrAlreadyReviewed    = errors.New("submission already reviewed")
	ErrMissingReason      = errors.New("rejection requires a reason")
	ErrInvalidAction      = errors.New("review action must be approve or reject")
	ErrInvalidPayload     = errors.New("invalid lab payload")
)

// SubmissionStore owns lab submission persistence.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, sub models.LabSubmission) error
	UpdateSubmission(ctx context.Context, sub models.LabSubmission) error
	DeleteSubmission(ctx context.Context, id string) error
	GetSubmission(ctx context.Context, id string) (models.LabSubmission, error)
	ListByPatient(ctx context.Context, patientID string) ([]models.LabSubmission, error)
	ListByStatus(ctx context.Context, status models.LabStatus) ([]models.LabSubmission, error)
}

// PatientDirectory verifies the target patient exists.
type PatientDirectory interface {
	GetPatient(ctx context.Context, id string) (models.Patient, error)
}

// Uploader is the slice of the record service approval needs.
type Uploader interface {
	Upload(ctx context.Context, caller models.User, patientID string, recordType models.RecordType, plaintext []byte, meta records.UploadMeta, emergency bool) (records.UploadResult, error)
}

type Service struct {
	subs      SubmissionStore
	patients  PatientDirectory
	uploader  Uploader
	auditLog  *audit.Log
	validator *Validator
	catalog   Catalog
	nowFunc   func() time.Time
}

func NewService(subs SubmissionStore, patients PatientDirectory, uploader Uploader, auditLog *audit.Log, validator *Validator, catalog Catalog) *Service {
	return &Service{
		subs:      subs,
		patients:  patients,
		uploader:  uploader,
		auditLog:  auditLog,
		validator: validator,
		catalog:   catalog,
		nowFunc:   time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFunc = now
	return s
}

type SubmitInput struct {
	TestName     string                 `json:"test_name"`
	TestCategory string                 `json:"test_category"`
	Results      []models.LabTestResult `json:"results"`
	Notes        string                 `json:"notes,omitempty"`
}

// Submit creates a Pending submission. Pending submissions are invisible to
// the patient until reviewed.
func (s *Service) Submit(ctx context.Context, caller models.User, patientID string, input SubmitInput) (models.LabSubmission, error) {
	if s.validator != nil {
		if err := s.validator.ValidateSubmit(input); err != nil {
			return models.LabSubmission{}, err
		}
	}
	if _, err := s.patients.GetPatient(ctx, patientID); err != nil {
		return models.LabSubmission{}, err
	}

	category := input.TestCategory
	if normalized, ok := s.catalog.Normalize(category); ok {
		category = normalized
	}

	now := s.nowFunc().UTC()
	sub := models.LabSubmission{
		ID:           "LAB-" + uuid.New().String(),
		PatientID:    patientID,
		SubmitterID:  caller.ID,
		TestName:     input.TestName,
		TestCategory: category,
		Results:      input.Results,
		Notes:        input.Notes,
		Status:       models.LabPending,
		SubmittedAt:  now,
	}
	if err := s.subs.CreateSubmission(ctx, sub); err != nil {
		return models.LabSubmission{}, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditLabSubmitted,
		PatientID: patientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details:   map[string]interface{}{"submission_id": sub.ID, "test_name": sub.TestName},
	}); err != nil {
		s.subs.DeleteSubmission(ctx, sub.ID)
		return models.LabSubmission{}, err
	}

	return sub, nil
}

type ReviewAction string

const (
	ActionApprove ReviewAction = "approve"
	ActionReject  ReviewAction = "reject"
)

// canonicalResults is the serialisation uploaded on approval. Field order is
// fixed by the struct definitions, giving a stable byte stream for the
// content checksum.
type canonicalResults struct {
	SubmissionID string                 `json:"submission_id"`
	PatientID    string                 `json:"patient_id"`
	TestName     string                 `json:"test_name"`
	TestCategory string                 `json:"test_category"`
	Results      []models.LabTestResult `json:"results"`
	Notes        string                 `json:"notes,omitempty"`
	SubmittedBy  string                 `json:"submitted_by"`
	SubmittedAt  time.Time              `json:"submitted_at"`
	ReviewedBy   string                 `json:"reviewed_by"`
	ReviewedAt   time.Time              `json:"reviewed_at"`
}

// Review moves a Pending submission to Approved or Rejected; both are
// terminal. Approval uploads the canonical results through the envelope
// service and registers the reference on the patient's record index. A
// reviewer may review their own submission: clinics where the ordering
// physician validates their own lab work rely on the audit trail, which
// keeps distinct submit and review events.
func (s *Service) Review(ctx context.Context, caller models.User, submissionID string, action ReviewAction, reason string) (models.LabSubmission, error) {
	sub, err := s.subs.GetSubmission(ctx, submissionID)
	if err != nil {
		return models.LabSubmission{}, err
	}
	if sub.Status != models.LabPending {
		return models.LabSubmission{}, ErrAlreadyReviewed
	}

	now := s.nowFunc().UTC()
	previous := sub

	switch action {
	case ActionApprove:
		sub.Status = models.LabApproved
		sub.ReviewerID = caller.ID
		sub.ReviewedAt = &now

		payload, err := json.Marshal(canonicalResults{
			SubmissionID: sub.ID,
			PatientID:    sub.PatientID,
			TestName:     sub.TestName,
			TestCategory: sub.TestCategory,
			Results:      sub.Results,
			Notes:        sub.Notes,
			SubmittedBy:  sub.SubmitterID,
			SubmittedAt:  sub.SubmittedAt,
			ReviewedBy:   caller.ID,
			ReviewedAt:   now,
		})
		if err != nil {
			return models.LabSubmission{}, err
		}

		uploaded, err := s.uploader.Upload(ctx, caller, sub.PatientID, models.RecordLabResult, payload, records.UploadMeta{
			Filename:    fmt.Sprintf("%s.json", sub.ID),
			ContentType: "application/json",
		}, false)
		if err != nil {
			return models.LabSubmission{}, err
		}
		sub.ContentCID = uploaded.ContentCID
		sub.MetadataCID = uploaded.MetadataCID

	case ActionReject:
		if strings.TrimSpace(reason) == "" {
			return models.LabSubmission{}, ErrMissingReason
		}
		sub.Status = models.LabRejected
		sub.ReviewerID = caller.ID
		sub.ReviewedAt = &now
		sub.RejectionReason = reason

	default:
		return models.LabSubmission{}, ErrInvalidAction
	}

	if err := s.subs.UpdateSubmission(ctx, sub); err != nil {
		return models.LabSubmission{}, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditLabReviewed,
		PatientID: sub.PatientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   true,
		Details: map[string]interface{}{
			"submission_id": sub.ID,
			"status":        string(sub.Status),
		},
	}); err != nil {
		s.subs.UpdateSubmission(ctx, previous)
		return models.LabSubmission{}, err
	}

	return sub, nil
}

// Get returns one submission; the dispatcher uses it to resolve the target
// patient before authorising a review.
func (s *Service) Get(ctx context.Context, id string) (models.LabSubmission, error) {
	return s.subs.GetSubmission(ctx, id)
}

// ListForPatient returns a patient's submissions. When patientView is set,
// only Approved results are returned: a Pending submission must never be
// visible to the patient it concerns.
func (s *Service) ListForPatient(ctx context.Context, patientID string, patientView bool) ([]models.LabSubmission, error) {
	subs, err := s.subs.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if !patientView {
		return subs, nil
	}
	filtered := make([]models.LabSubmission, 0, len(subs))
	for _, sub := range subs {
		if sub.Status == models.LabApproved {
			filtered = append(filtered, sub)
		}
	}
	return filtered, nil
}

// Pending lists submissions awaiting review.
func (s *Service) Pending(ctx context.Context) ([]models.LabSubmission, error) {
	return s.subs.ListByStatus(ctx, models.LabPending)
}
