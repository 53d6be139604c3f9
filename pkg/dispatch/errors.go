package dispatch

import (
	"errors"
	"net/http"

	"github.com/medichain/platform/pkg/access"
	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/cards"
	"github.com/medichain/platform/pkg/crypto"
	"github.com/medichain/platform/pkg/identity"
	"github.com/medichain/platform/pkg/labs"
	"github.com/medichain/platform/pkg/records"
	"github.com/medichain/platform/pkg/records/objectstore"
)

// Code is the stable error code handed to the transport. The taxonomy is
// fixed; services never invent codes of their own.
type Code string

const (
	CodeInsufficientRole    Code = "INSUFFICIENT_ROLE"
	CodeAccessDenied        Code = "ACCESS_DENIED"
	CodeCannotAssignAdmin   Code = "CANNOT_ASSIGN_ADMIN"
	CodeCannotRevokeOwnRole Code = "CANNOT_REVOKE_OWN_ROLE"
	CodeUserNotFound        Code = "USER_NOT_FOUND"

	CodePatientNotFound    Code = "PATIENT_NOT_FOUND"
	CodeSubmissionNotFound Code = "SUBMISSION_NOT_FOUND"
	CodeCardNotFound       Code = "CARD_NOT_FOUND"
	CodeRecordNotFound     Code = "RECORD_NOT_FOUND"
	CodeGrantNotFound      Code = "GRANT_NOT_FOUND"

	CodeDuplicateIdentity Code = "DUPLICATE_IDENTITY"
	CodeAlreadyReviewed   Code = "ALREADY_REVIEWED"
	CodeCardInactive      Code = "CARD_INACTIVE"
	CodeAlreadyGranted    Code = "ACCESS_ALREADY_GRANTED"
	CodeNoRoleToRevoke    Code = "NO_ROLE_TO_REVOKE"
	CodeRoleAssigned      Code = "ROLE_ALREADY_ASSIGNED"

	CodeInvalidPayload         Code = "INVALID_PAYLOAD"
	CodeMissingReason          Code = "MISSING_REASON"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"

	CodeIntegrityFailure Code = "INTEGRITY_FAILURE"
	CodeAuthFail         Code = "AUTH_FAIL"

	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeAuditUnavailable Code = "AUDIT_UNAVAILABLE"
	CodeIDExhaustion     Code = "ID_EXHAUSTION"

	CodeInternal Code = "INTERNAL"
)

// CodeOf maps a service error onto its stable code.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, access.ErrInsufficientRole):
		return CodeInsufficientRole
	case errors.Is(err, access.ErrAccessDenied), errors.Is(err, access.ErrNotGrantParty):
		return CodeAccessDenied
	case errors.Is(err, access.ErrCannotAssignAdmin):
		return CodeCannotAssignAdmin
	case errors.Is(err, access.ErrCannotRevokeOwnRole):
		return CodeCannotRevokeOwnRole
	case errors.Is(err, access.ErrUserNotFound), errors.Is(err, identity.ErrUserNotFound):
		return CodeUserNotFound

	case errors.Is(err, identity.ErrPatientNotFound):
		return CodePatientNotFound
	case errors.Is(err, labs.ErrSubmissionNotFound):
		return CodeSubmissionNotFound
	case errors.Is(err, cards.ErrCardNotFound):
		return CodeCardNotFound
	case errors.Is(err, records.ErrRecordNotFound):
		return CodeRecordNotFound
	case errors.Is(err, access.ErrGrantNotFound):
		return CodeGrantNotFound

	case errors.Is(err, identity.ErrDuplicateIdentity):
		return CodeDuplicateIdentity
	case errors.Is(err, labs.ErrAlreadyReviewed):
		return CodeAlreadyReviewed
	case errors.Is(err, cards.ErrCardInactive):
		return CodeCardInactive
	case errors.Is(err, cards.ErrCardRevoked), errors.Is(err, cards.ErrCardActive):
		return CodeInvalidStateTransition
	case errors.Is(err, access.ErrAccessAlreadyGranted), errors.Is(err, access.ErrTooManyGrants):
		return CodeAlreadyGranted
	case errors.Is(err, identity.ErrNoRoleToRevoke):
		return CodeNoRoleToRevoke
	case errors.Is(err, identity.ErrRoleAlreadyAssigned):
		return CodeRoleAssigned

	case errors.Is(err, access.ErrMissingReason), errors.Is(err, labs.ErrMissingReason):
		return CodeMissingReason
	case errors.Is(err, labs.ErrInvalidAction):
		return CodeInvalidPayload
	case errors.Is(err, identity.ErrInvalidPayload), errors.Is(err, labs.ErrInvalidPayload),
		errors.Is(err, records.ErrInvalidPayload), errors.Is(err, crypto.ErrPlaintextTooLarge):
		return CodeInvalidPayload

	case errors.Is(err, records.ErrIntegrityFailure):
		return CodeIntegrityFailure
	case errors.Is(err, crypto.ErrAuthFail):
		return CodeAuthFail

	case errors.Is(err, objectstore.ErrUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, audit.ErrUnavailable):
		return CodeAuditUnavailable
	case errors.Is(err, identity.ErrIDExhaustion):
		return CodeIDExhaustion
	}
	return CodeInternal
}

// HTTPStatus maps a code onto the transport status line.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInsufficientRole, CodeAccessDenied, CodeCannotAssignAdmin, CodeCannotRevokeOwnRole:
		return http.StatusForbidden
	case CodeUserNotFound:
		return http.StatusUnauthorized
	case CodePatientNotFound, CodeSubmissionNotFound, CodeCardNotFound, CodeRecordNotFound, CodeGrantNotFound:
		return http.StatusNotFound
	case CodeDuplicateIdentity, CodeAlreadyReviewed, CodeCardInactive, CodeAlreadyGranted,
		CodeNoRoleToRevoke, CodeRoleAssigned, CodeInvalidStateTransition:
		return http.StatusConflict
	case CodeInvalidPayload, CodeMissingReason:
		return http.StatusBadRequest
	case CodeIntegrityFailure, CodeAuthFail:
		return http.StatusUnprocessableEntity
	case CodeStoreUnavailable, CodeAuditUnavailable:
		return http.StatusServiceUnavailable
	case CodeIDExhaustion:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}
