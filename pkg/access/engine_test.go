package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medichain/platform/pkg/common/models"
)

type stubResolver struct {
	byUser map[string]string
}

func (s stubResolver) PatientIDForUser(ctx context.Context, userID string) (string, error) {
	if id, ok := s.byUser[userID]; ok {
		return id, nil
	}
	return "", errors.New("not a patient")
}

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(store GrantStore, owns map[string]string) *Engine {
	if owns == nil {
		owns = map[string]string{}
	}
	return NewEngine(store, stubResolver{byUser: owns})
}

func user(id string, role models.Role) models.User {
	return models.User{ID: id, Role: role}
}

func TestRoleTableGrid(t *testing.T) {
	engine := newTestEngine(NewMemoryGrantStore(), nil)
	ctx := context.Background()

	cases := []struct {
		role models.Role
		cap  Capability
		ok   bool
	}{
		{models.RoleAdmin, CapAssignRole, true},
		{models.RoleDoctor, CapAssignRole, false},
		{models.RolePharmacist, CapRegisterPatient, true},
		{models.RolePatient, CapRegisterPatient, false},
		{models.RoleLabTechnician, CapUpdatePatient, false},
		{models.RoleNurse, CapUpdatePatient, true},
		{models.RolePharmacist, CapUploadRecord, false},
		{models.RoleDoctor, CapUploadRecord, true},
		{models.RoleLabTechnician, CapSubmitLabResult, true},
		{models.RolePharmacist, CapSubmitLabResult, false},
		{models.RolePharmacist, CapReviewLabResult, false},
		{models.RoleNurse, CapReviewLabResult, true},
		{models.RolePharmacist, CapGrantEmergency, true},
		{models.RoleLabTechnician, CapDownloadRecord, true},
		{models.RolePharmacist, CapReadAuditLog, true},
	}

	for _, tc := range cases {
		_, err := engine.Authorize(ctx, user("U", tc.role), tc.cap, "PAT-1", now)
		if tc.ok && err != nil {
			t.Errorf("%s/%s: unexpected deny %v", tc.role, tc.cap, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s/%s: unexpected allow", tc.role, tc.cap)
		}
	}
}

func TestMissingCallerDenied(t *testing.T) {
	engine := newTestEngine(NewMemoryGrantStore(), nil)
	_, err := engine.Authorize(context.Background(), models.User{}, CapListRecords, "PAT-1", now)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("got %v, want ErrUserNotFound", err)
	}
}

func TestPatientOwnRecordOnly(t *testing.T) {
	engine := newTestEngine(NewMemoryGrantStore(), map[string]string{"U-pat": "PAT-1"})
	ctx := context.Background()
	patient := user("U-pat", models.RolePatient)

	decision, err := engine.Authorize(ctx, patient, CapListRecords, "PAT-1", now)
	if err != nil {
		t.Fatalf("own record: %v", err)
	}
	if decision.Basis != BasisOwner {
		t.Fatalf("basis %q", decision.Basis)
	}

	if _, err := engine.Authorize(ctx, patient, CapListRecords, "PAT-2", now); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("other record: got %v, want ErrAccessDenied", err)
	}
}

func TestConsentOverridesOwnRestriction(t *testing.T) {
	store := NewMemoryGrantStore()
	engine := newTestEngine(store, map[string]string{"U-pat": "PAT-1"})
	ctx := context.Background()
	patient := user("U-pat", models.RolePatient)

	store.CreateConsent(ctx, models.ConsentGrant{
		ID: "CON-1", PatientID: "PAT-2", GranteeID: "U-pat",
		Scope: models.ScopeFull, GrantedAt: now, Status: models.GrantActive,
	})

	decision, err := engine.Authorize(ctx, patient, CapDownloadRecord, "PAT-2", now)
	if err != nil {
		t.Fatalf("consented download: %v", err)
	}
	if decision.Basis != BasisConsent {
		t.Fatalf("basis %q", decision.Basis)
	}

	// Limited scope does not open downloads.
	store.UpdateConsentStatus(ctx, "CON-1", models.GrantRevoked)
	store.CreateConsent(ctx, models.ConsentGrant{
		ID: "CON-2", PatientID: "PAT-2", GranteeID: "U-pat",
		Scope: models.ScopeLimited, GrantedAt: now, Status: models.GrantActive,
	})
	if _, err := engine.Authorize(ctx, patient, CapDownloadRecord, "PAT-2", now); err == nil {
		t.Fatal("limited scope must not allow download")
	}
	if _, err := engine.Authorize(ctx, patient, CapListRecords, "PAT-2", now); err != nil {
		t.Fatalf("limited scope list: %v", err)
	}
}

func TestConsentExpiryIsHard(t *testing.T) {
	store := NewMemoryGrantStore()
	engine := newTestEngine(store, nil)
	ctx := context.Background()

	expired := now.Add(-time.Minute)
	store.CreateConsent(ctx, models.ConsentGrant{
		ID: "CON-1", PatientID: "PAT-2", GranteeID: "U-x",
		Scope: models.ScopeFull, GrantedAt: now.Add(-time.Hour),
		ExpiresAt: &expired, Status: models.GrantActive,
	})

	// Stored status says Active, but the expiry clause wins.
	if _, err := engine.Authorize(ctx, user("U-x", models.RolePatient), CapDownloadRecord, "PAT-2", now); err == nil {
		t.Fatal("expired consent must not authorise")
	}
}

func TestEmergencyGrantWindow(t *testing.T) {
	store := NewMemoryGrantStore()
	engine := newTestEngine(store, nil)
	ctx := context.Background()
	doctor := user("DOC-2", models.RoleDoctor)

	store.CreateEmergency(ctx, models.EmergencyGrant{
		ID: "EMG-1", PatientID: "P7", GranteeID: "DOC-2",
		GrantedAt: now, ExpiresAt: now.Add(EmergencyAccessDuration),
	})

	// Inside the window the decision carries the emergency flag even when
	// the role alone would have allowed the read.
	decision, err := engine.Authorize(ctx, doctor, CapDownloadRecord, "P7", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("download in window: %v", err)
	}
	if !decision.Emergency {
		t.Fatal("decision must be flagged emergency inside the window")
	}

	// Attributed to the grant, a request one second past expiry is denied.
	after := now.Add(EmergencyAccessDuration + time.Second)
	if _, err := engine.AuthorizeViaGrant(ctx, doctor, CapDownloadRecord, "P7", "EMG-1", after); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expired grant: got %v, want ErrAccessDenied", err)
	}

	// At exactly expires_at the grant is still valid.
	boundary := now.Add(EmergencyAccessDuration)
	if _, err := engine.AuthorizeViaGrant(ctx, doctor, CapDownloadRecord, "P7", "EMG-1", boundary); err != nil {
		t.Fatalf("boundary: %v", err)
	}
}

func TestEmergencyElevatesNonEditorProvider(t *testing.T) {
	store := NewMemoryGrantStore()
	engine := newTestEngine(store, nil)
	ctx := context.Background()
	pharmacist := user("PHA-1", models.RolePharmacist)

	store.CreateEmergency(ctx, models.EmergencyGrant{
		ID: "EMG-2", PatientID: "P9", GranteeID: "PHA-1",
		GrantedAt: now, ExpiresAt: now.Add(EmergencyAccessDuration),
	})

	decision, err := engine.Authorize(ctx, pharmacist, CapReadEmergencyInfo, "P9", now)
	if err != nil {
		t.Fatalf("emergency info read: %v", err)
	}
	if !decision.Emergency {
		t.Fatal("expected emergency-flagged decision")
	}
}

func TestAuthorizeViaGrantChecksParties(t *testing.T) {
	store := NewMemoryGrantStore()
	engine := newTestEngine(store, nil)
	ctx := context.Background()

	store.CreateEmergency(ctx, models.EmergencyGrant{
		ID: "EMG-3", PatientID: "P1", GranteeID: "DOC-1",
		GrantedAt: now, ExpiresAt: now.Add(EmergencyAccessDuration),
	})

	if _, err := engine.AuthorizeViaGrant(ctx, user("DOC-9", models.RoleDoctor), CapDownloadRecord, "P1", "EMG-3", now); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("wrong grantee: got %v", err)
	}
	if _, err := engine.AuthorizeViaGrant(ctx, user("DOC-1", models.RoleDoctor), CapDownloadRecord, "P2", "EMG-3", now); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("wrong patient: got %v", err)
	}
	if _, err := engine.AuthorizeViaGrant(ctx, user("DOC-1", models.RoleDoctor), CapDownloadRecord, "P1", "EMG-missing", now); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("missing grant: got %v", err)
	}

	store.RevokeEmergency(ctx, "EMG-3")
	if _, err := engine.AuthorizeViaGrant(ctx, user("DOC-1", models.RoleDoctor), CapDownloadRecord, "P1", "EMG-3", now); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("revoked grant: got %v", err)
	}
}

func TestRoleManagementGates(t *testing.T) {
	engine := newTestEngine(NewMemoryGrantStore(), nil)
	admin := user("ADM-1", models.RoleAdmin)

	if err := engine.AuthorizeAssignRole(admin, models.RoleDoctor); err != nil {
		t.Fatalf("assign doctor: %v", err)
	}
	if err := engine.AuthorizeAssignRole(admin, models.RoleAdmin); !errors.Is(err, ErrCannotAssignAdmin) {
		t.Fatalf("assign admin: got %v", err)
	}
	if err := engine.AuthorizeAssignRole(user("DOC-1", models.RoleDoctor), models.RoleNurse); !errors.Is(err, ErrInsufficientRole) {
		t.Fatalf("non-admin assign: got %v", err)
	}

	if err := engine.AuthorizeRevokeRole(admin, "U1"); err != nil {
		t.Fatalf("revoke other: %v", err)
	}
	if err := engine.AuthorizeRevokeRole(admin, "ADM-1"); !errors.Is(err, ErrCannotRevokeOwnRole) {
		t.Fatalf("revoke self: got %v", err)
	}
}

func TestAdminUnreachableViaAssign(t *testing.T) {
	// Property I8: no role value accepted by the gate is Admin.
	engine := newTestEngine(NewMemoryGrantStore(), nil)
	admin := user("ADM-1", models.RoleAdmin)

	roles := []models.Role{
		models.RoleDoctor, models.RoleNurse, models.RoleLabTechnician,
		models.RolePharmacist, models.RolePatient, models.RoleAdmin,
	}
	for _, r := range roles {
		err := engine.AuthorizeAssignRole(admin, r)
		if r.IsAdmin() && !errors.Is(err, ErrCannotAssignAdmin) {
			t.Fatalf("admin assignable: %v", err)
		}
		if !r.IsAdmin() && err != nil {
			t.Fatalf("%s not assignable: %v", r, err)
		}
	}
}
