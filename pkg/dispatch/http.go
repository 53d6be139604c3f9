package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/common/logger"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/medichain/platform/pkg/gateway/middleware"
	"github.com/medichain/platform/pkg/identity"
	"github.com/medichain/platform/pkg/labs"
)

// HTTPHandler is the framed delivery layer: it binds JSON requests onto
// typed commands and hands them, with the authenticated caller, to the
// dispatcher. No authorisation happens here.
type HTTPHandler struct {
	dispatcher *Dispatcher
	maxBody    int64
}

func NewHTTPHandler(dispatcher *Dispatcher, maxBody int64) *HTTPHandler {
	return &HTTPHandler{dispatcher: dispatcher, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/patients", h.handleRegisterPatient).Methods(http.MethodPost)
	router.HandleFunc("/patients/{id}", h.handleGetPatient).Methods(http.MethodGet)
	router.HandleFunc("/patients/{id}", h.handleUpdatePatient).Methods(http.MethodPatch)
	router.HandleFunc("/patients/{id}/records", h.handleListRecords).Methods(http.MethodGet)
	router.HandleFunc("/patients/{id}/labs", h.handleListPatientLabs).Methods(http.MethodGet)
	router.HandleFunc("/patients/{id}/audit", h.handleReadAudit).Methods(http.MethodGet)
	router.HandleFunc("/patients/{id}/audit/export", h.handleExportAudit).Methods(http.MethodGet)

	router.HandleFunc("/roles/assign", h.handleAssignRole).Methods(http.MethodPost)
	router.HandleFunc("/roles/revoke", h.handleRevokeRole).Methods(http.MethodPost)

	router.HandleFunc("/cards", h.handleIssueCard).Methods(http.MethodPost)
	router.HandleFunc("/cards/tap", h.handleTapCard).Methods(http.MethodPost)
	router.HandleFunc("/cards/suspend", h.handleCardAction(func(hash string) Command { return SuspendCard{CardHash: hash} })).Methods(http.MethodPost)
	router.HandleFunc("/cards/revoke", h.handleCardAction(func(hash string) Command { return RevokeCard{CardHash: hash} })).Methods(http.MethodPost)
	router.HandleFunc("/cards/reactivate", h.handleCardAction(func(hash string) Command { return ReactivateCard{CardHash: hash} })).Methods(http.MethodPost)

	router.HandleFunc("/emergency-access", h.handleGrantEmergency).Methods(http.MethodPost)
	router.HandleFunc("/emergency-access/revoke", h.handleRevokeEmergency).Methods(http.MethodPost)
	router.HandleFunc("/consents", h.handleGrantConsent).Methods(http.MethodPost)
	router.HandleFunc("/consents/revoke", h.handleRevokeConsent).Methods(http.MethodPost)

	router.HandleFunc("/records", h.handleUploadRecord).Methods(http.MethodPost)
	router.HandleFunc("/records/download", h.handleDownloadRecord).Methods(http.MethodPost)

	router.HandleFunc("/labs/submit", h.handleSubmitLab).Methods(http.MethodPost)
	router.HandleFunc("/labs/review", h.handleReviewLab).Methods(http.MethodPost)
	router.HandleFunc("/labs/pending", h.handlePendingLabs).Methods(http.MethodGet)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  Code   `json:"code"`
}

func (h *HTTPHandler) dispatch(w http.ResponseWriter, r *http.Request, cmd Command) {
	callerID := middleware.CallerID(r.Context())

	result, err := h.dispatcher.Dispatch(r.Context(), callerID, cmd)
	if err != nil {
		code := CodeOf(err)
		status := HTTPStatus(code)
		if status >= http.StatusInternalServerError {
			logger.Component("http").WithError(err).WithField("command", cmd.commandName()).Error("command failed")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Code: code})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

type registerPatientRequest struct {
	FullName                string   `json:"full_name"`
	DateOfBirth             string   `json:"date_of_birth"`
	IDType                  string   `json:"national_id_type"`
	RawNationalID           string   `json:"national_id"`
	UserID                  string   `json:"user_id,omitempty"`
	BloodType               string   `json:"blood_type,omitempty"`
	Allergies               []string `json:"allergies,omitempty"`
	CurrentMedications      []string `json:"current_medications,omitempty"`
	ChronicConditions       []string `json:"chronic_conditions,omitempty"`
	EmergencyContactName    string   `json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone   string   `json:"emergency_contact_phone,omitempty"`
	EmergencyContactRel     string   `json:"emergency_contact_relationship,omitempty"`
	OrganDonor              bool     `json:"organ_donor,omitempty"`
	DNRStatus               bool     `json:"dnr_status,omitempty"`
}

func (h *HTTPHandler) handleRegisterPatient(w http.ResponseWriter, r *http.Request) {
	var req registerPatientRequest
	if !h.decode(w, r, &req) {
		return
	}

	info := models.EmergencyInfo{
		BloodType:          req.BloodType,
		Allergies:          req.Allergies,
		CurrentMedications: req.CurrentMedications,
		ChronicConditions:  req.ChronicConditions,
		OrganDonor:         req.OrganDonor,
		DNRStatus:          req.DNRStatus,
	}
	if req.EmergencyContactName != "" {
		info.EmergencyContacts = []models.EmergencyContact{{
			Name:         req.EmergencyContactName,
			Phone:        req.EmergencyContactPhone,
			Relationship: req.EmergencyContactRel,
		}}
	}

	h.dispatch(w, r, RegisterPatient{
		FullName:      req.FullName,
		DateOfBirth:   req.DateOfBirth,
		IDType:        models.NationalIDType(req.IDType),
		RawNationalID: req.RawNationalID,
		UserID:        req.UserID,
		EmergencyInfo: info,
	})
}

func (h *HTTPHandler) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, GetPatient{
		PatientID: mux.Vars(r)["id"],
		GrantID:   r.URL.Query().Get("grant_id"),
	})
}

type updatePatientRequest struct {
	BloodType          *string                   `json:"blood_type,omitempty"`
	Allergies          *[]string                 `json:"allergies,omitempty"`
	CurrentMedications *[]string                 `json:"current_medications,omitempty"`
	ChronicConditions  *[]string                 `json:"chronic_conditions,omitempty"`
	OrganDonor         *bool                     `json:"organ_donor,omitempty"`
	DNRStatus          *bool                     `json:"dnr_status,omitempty"`
	EmergencyContacts  *[]models.EmergencyContact `json:"emergency_contacts,omitempty"`
}

func (h *HTTPHandler) handleUpdatePatient(w http.ResponseWriter, r *http.Request) {
	var req updatePatientRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, UpdatePatient{
		PatientID: mux.Vars(r)["id"],
		Patch: identity.PatientPatch{
			BloodType:          req.BloodType,
			Allergies:          req.Allergies,
			CurrentMedications: req.CurrentMedications,
			ChronicConditions:  req.ChronicConditions,
			OrganDonor:         req.OrganDonor,
			DNRStatus:          req.DNRStatus,
			EmergencyContacts:  req.EmergencyContacts,
		},
	})
}

func (h *HTTPHandler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		FullName string `json:"full_name,omitempty"`
		Role     string `json:"role"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	role, ok := models.ParseRole(req.Role)
	if !ok {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	h.dispatch(w, r, AssignRole{UserID: req.UserID, FullName: req.FullName, Role: role})
}

func (h *HTTPHandler) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, RevokeRole{UserID: req.UserID})
}

func (h *HTTPHandler) handleIssueCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID string `json:"patient_id"`
		IDType    string `json:"national_id_type"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, IssueCard{PatientID: req.PatientID, IDType: models.NationalIDType(req.IDType)})
}

func (h *HTTPHandler) handleTapCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CardHash string `json:"card_hash"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, TapCard{CardHash: req.CardHash})
}

func (h *HTTPHandler) handleCardAction(build func(hash string) Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CardHash string `json:"card_hash"`
		}
		if !h.decode(w, r, &req) {
			return
		}
		h.dispatch(w, r, build(req.CardHash))
	}
}

func (h *HTTPHandler) handleGrantEmergency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID string `json:"patient_id"`
		Reason    string `json:"reason"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, GrantEmergencyAccess{PatientID: req.PatientID, Reason: req.Reason})
}

func (h *HTTPHandler) handleRevokeEmergency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GrantID string `json:"grant_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, RevokeEmergencyAccess{GrantID: req.GrantID})
}

func (h *HTTPHandler) handleGrantConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID string     `json:"patient_id"`
		GranteeID string     `json:"grantee_id"`
		Scope     string     `json:"scope"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, GrantConsent{
		PatientID: req.PatientID,
		GranteeID: req.GranteeID,
		Scope:     models.ConsentScope(req.Scope),
		ExpiresAt: req.ExpiresAt,
	})
}

func (h *HTTPHandler) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GrantID   string `json:"grant_id"`
		PatientID string `json:"patient_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, RevokeConsent{GrantID: req.GrantID, PatientID: req.PatientID})
}

func (h *HTTPHandler) handleUploadRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID     string `json:"patient_id"`
		RecordType    string `json:"record_type"`
		ContentBase64 string `json:"content_base64"`
		Filename      string `json:"filename"`
		ContentType   string `json:"content_type"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		http.Error(w, "content_base64 is not valid base64", http.StatusBadRequest)
		return
	}
	h.dispatch(w, r, UploadRecord{
		PatientID:   req.PatientID,
		RecordType:  models.RecordType(req.RecordType),
		Plaintext:   plaintext,
		Filename:    req.Filename,
		ContentType: req.ContentType,
	})
}

func (h *HTTPHandler) handleDownloadRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentCID  string `json:"content_cid"`
		MetadataCID string `json:"metadata_cid"`
		GrantID     string `json:"grant_id,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, DownloadRecord{ContentCID: req.ContentCID, MetadataCID: req.MetadataCID, GrantID: req.GrantID})
}

func (h *HTTPHandler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, ListRecords{
		PatientID: mux.Vars(r)["id"],
		GrantID:   r.URL.Query().Get("grant_id"),
	})
}

func (h *HTTPHandler) handleSubmitLab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID string          `json:"patient_id"`
		Payload   labs.SubmitInput `json:"payload"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, SubmitLabResult{PatientID: req.PatientID, Payload: req.Payload})
}

func (h *HTTPHandler) handleReviewLab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmissionID string `json:"submission_id"`
		Action       string `json:"action"`
		Reason       string `json:"reason,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, ReviewLabResult{
		SubmissionID: req.SubmissionID,
		Action:       labs.ReviewAction(req.Action),
		Reason:       req.Reason,
	})
}

func (h *HTTPHandler) handlePendingLabs(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, ListPendingLabs{})
}

func (h *HTTPHandler) handleListPatientLabs(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, ListPatientLabs{PatientID: mux.Vars(r)["id"]})
}

func (h *HTTPHandler) handleReadAudit(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filter.Kind = kind
	}
	if r.URL.Query().Get("emergency") == "true" {
		filter.EmergencyOnly = true
	}
	h.dispatch(w, r, ReadAuditLog{PatientID: mux.Vars(r)["id"], Filter: filter})
}

func (h *HTTPHandler) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.CallerID(r.Context())
	result, err := h.dispatcher.Dispatch(r.Context(), callerID, ExportAuditLog{PatientID: mux.Vars(r)["id"]})
	if err != nil {
		code := CodeOf(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(HTTPStatus(code))
		json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Code: code})
		return
	}
	export := result.(ExportAuditResult)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+export.Filename)
	w.Write(export.Workbook)
}
