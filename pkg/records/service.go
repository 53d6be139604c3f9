package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/medichain/platform/pkg/crypto"
	"github.com/medichain/platform/pkg/records/keys"
	"github.com/medichain/platform/pkg/records/objectstore"
)

var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrIntegrityFailure = errors.New("record integrity check failed")
	ErrInvalidPayload   = errors.New("invalid record payload")
)

// keyInfo is the derivation label binding derived keys to this envelope
// generation.
const keyInfo = "record-v1"

// RecordIndex is the per-patient reference index. Ciphertext in the object
// store is inert without an index entry and its metadata envelope.
type RecordIndex interface {
	AppendRef(ctx context.Context, ref models.MedicalRecordReference) error
	RemoveRef(ctx context.Context, refID string) error
	ListByPatient(ctx context.Context, patientID string) ([]models.MedicalRecordReference, error)
	FindByContentCID(ctx context.Context, contentCID string) (models.MedicalRecordReference, error)
}

// PatientDirectory verifies the target patient exists before an upload.
type PatientDirectory interface {
	GetPatient(ctx context.Context, id string) (models.Patient, error)
}

type Service struct {
	store    objectstore.Store
	keys     keys.Provider
	index    RecordIndex
	patients PatientDirectory
	auditLog *audit.Log
	sealer   *crypto.Sealer
	nowFunc  func() time.Time
}

func NewService(store objectstore.Store, provider keys.Provider, index RecordIndex, patients PatientDirectory, auditLog *audit.Log) *Service {
	return &Service{
		store:    store,
		keys:     provider,
		index:    index,
		patients: patients,
		auditLog: auditLog,
		sealer:   crypto.NewSealer(),
		nowFunc:  time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFunc = now
	return s
}

type UploadMeta struct {
	Filename    string
	ContentType string
}

type UploadResult struct {
	ContentCID  string
	MetadataCID string
	Reference   models.MedicalRecordReference
}

// Upload seals the plaintext and its metadata into two envelopes, persists
// both and registers the reference. The metadata envelope is bound to the
// content CID as AAD, so neither envelope is useful alone.
func (s *Service) Upload(ctx context.Context, caller models.User, patientID string, recordType models.RecordType, plaintext []byte, meta UploadMeta, emergency bool) (UploadResult, error) {
	if !recordType.Valid() {
		return UploadResult{}, fmt.Errorf("%w: unknown record type %q", ErrInvalidPayload, recordType)
	}
	if len(plaintext) == 0 {
		return UploadResult{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if len(plaintext) > crypto.MaxPlaintextSize {
		return UploadResult{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidPayload, crypto.MaxPlaintextSize)
	}

	if _, err := s.patients.GetPatient(ctx, patientID); err != nil {
		return UploadResult{}, err
	}

	now := s.nowFunc().UTC()
	checksum := crypto.HashContent(plaintext)
	checksumHex := fmt.Sprintf("%x", checksum)

	salt, err := crypto.NewSalt()
	if err != nil {
		return UploadResult{}, err
	}
	secret, err := s.keys.MasterSecret(patientID)
	if err != nil {
		return UploadResult{}, err
	}
	key := crypto.DeriveKey(secret, salt[:], keyInfo)
	defer key.Zero()
	crypto.Zeroise(secret)

	contentEnv, err := crypto.SealEnvelope(s.sealer, key, salt, crypto.RecordAAD(patientID, string(recordType)), plaintext)
	if err != nil {
		return UploadResult{}, err
	}
	contentCID, err := s.store.Put(ctx, contentEnv.Encode())
	if err != nil {
		return UploadResult{}, err
	}

	recordMeta := models.RecordMeta{
		PatientID:       patientID,
		Filename:        meta.Filename,
		ContentType:     meta.ContentType,
		RecordType:      recordType,
		UploadedBy:      caller.ID,
		UploadedAt:      now,
		ContentChecksum: checksumHex,
	}
	metaJSON, err := json.Marshal(recordMeta)
	if err != nil {
		return UploadResult{}, err
	}

	metaEnv, err := crypto.SealEnvelope(s.sealer, key, salt, []byte(contentCID), metaJSON)
	if err != nil {
		return UploadResult{}, err
	}
	metadataCID, err := s.store.Put(ctx, metaEnv.Encode())
	if err != nil {
		return UploadResult{}, err
	}

	ref := models.MedicalRecordReference{
		ID:              "REC-" + uuid.New().String(),
		PatientID:       patientID,
		ContentCID:      contentCID,
		MetadataCID:     metadataCID,
		RecordType:      recordType,
		ContentChecksum: checksumHex,
		UploadedBy:      caller.ID,
		UploadedAt:      now,
	}
	if err := s.index.AppendRef(ctx, ref); err != nil {
		return UploadResult{}, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditRecordUploaded,
		PatientID: patientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Emergency: emergency,
		Granted:   true,
		Details: map[string]interface{}{
			"content_cid":  contentCID,
			"metadata_cid": metadataCID,
			"record_type":  string(recordType),
		},
	}); err != nil {
		s.index.RemoveRef(ctx, ref.ID)
		return UploadResult{}, err
	}

	return UploadResult{ContentCID: contentCID, MetadataCID: metadataCID, Reference: ref}, nil
}

type DownloadResult struct {
	Plaintext []byte
	Meta      models.RecordMeta
}

// Download fetches both envelopes, re-derives the record key from the
// envelope salt and opens metadata then content. A checksum mismatch on
// recovered plaintext is a fatal integrity failure; both failure modes leave
// an integrity event in the patient's audit log and emit no plaintext.
func (s *Service) Download(ctx context.Context, caller models.User, patientID, contentCID, metadataCID string, emergency bool) (DownloadResult, error) {
	contentBytes, err := s.store.Get(ctx, contentCID)
	if err != nil {
		return DownloadResult{}, mapStoreErr(err)
	}
	metaBytes, err := s.store.Get(ctx, metadataCID)
	if err != nil {
		return DownloadResult{}, mapStoreErr(err)
	}

	contentEnv, err := crypto.DecodeEnvelope(contentBytes)
	if err != nil {
		return DownloadResult{}, s.integrityFailure(ctx, caller, patientID, contentCID, "malformed content envelope")
	}
	metaEnv, err := crypto.DecodeEnvelope(metaBytes)
	if err != nil {
		return DownloadResult{}, s.integrityFailure(ctx, caller, patientID, metadataCID, "malformed metadata envelope")
	}

	secret, err := s.keys.MasterSecret(patientID)
	if err != nil {
		return DownloadResult{}, err
	}
	key := crypto.DeriveKey(secret, metaEnv.Salt[:], keyInfo)
	defer key.Zero()
	crypto.Zeroise(secret)

	metaJSON, err := crypto.OpenEnvelope(key, metaEnv, []byte(contentCID))
	if err != nil {
		return DownloadResult{}, s.integrityFailure(ctx, caller, patientID, metadataCID, "metadata authentication failed")
	}
	var meta models.RecordMeta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return DownloadResult{}, s.integrityFailure(ctx, caller, patientID, metadataCID, "metadata unreadable")
	}

	plaintext, err := crypto.OpenEnvelope(key, contentEnv, crypto.RecordAAD(meta.PatientID, string(meta.RecordType)))
	if err != nil {
		return DownloadResult{}, s.integrityFailure(ctx, caller, patientID, contentCID, "content authentication failed")
	}

	checksum := fmt.Sprintf("%x", crypto.HashContent(plaintext))
	if checksum != meta.ContentChecksum {
		return DownloadResult{}, s.integrityFailure(ctx, caller, patientID, contentCID, "checksum mismatch")
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditRecordDownloaded,
		PatientID: meta.PatientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Emergency: emergency,
		Granted:   true,
		Details:   map[string]interface{}{"content_cid": contentCID},
	}); err != nil {
		return DownloadResult{}, err
	}

	return DownloadResult{Plaintext: plaintext, Meta: meta}, nil
}

// integrityFailure records the event before propagating; an unauditable
// integrity violation would be invisible tampering.
func (s *Service) integrityFailure(ctx context.Context, caller models.User, patientID, cid, detail string) error {
	s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditIntegrityEvent,
		PatientID: patientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Granted:   false,
		Details:   map[string]interface{}{"cid": cid, "detail": detail},
	})
	return ErrIntegrityFailure
}

// List returns references only; plaintext stays in the store.
func (s *Service) List(ctx context.Context, caller models.User, patientID string, emergency bool) ([]models.MedicalRecordReference, error) {
	refs, err := s.index.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	if _, err := s.auditLog.Append(ctx, models.AuditEvent{
		Kind:      models.AuditRecordListed,
		PatientID: patientID,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Emergency: emergency,
		Granted:   true,
	}); err != nil {
		return nil, err
	}
	return refs, nil
}

// ResolvePatient maps a content CID back to its owning patient so the
// dispatcher can authorise a download before any decryption work.
func (s *Service) ResolvePatient(ctx context.Context, contentCID string) (models.MedicalRecordReference, error) {
	return s.index.FindByContentCID(ctx, contentCID)
}

func mapStoreErr(err error) error {
	if errors.Is(err, objectstore.ErrNotFound) {
		return ErrRecordNotFound
	}
	return err
}
