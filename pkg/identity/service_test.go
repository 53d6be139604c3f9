package identity

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/common/models"
)

var healthIDPattern = regexp.MustCompile(`^MCHI-\d{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

func newTestService(t *testing.T) (*Service, *MemoryRegistry, *audit.MemoryStore) {
	t.Helper()
	registry := NewMemoryRegistry()
	store := audit.NewMemoryStore()
	svc := NewService(registry, registry, audit.New(store)).
		WithClock(func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) })
	return svc, registry, store
}

func provider(id string, role models.Role) models.User {
	return models.User{ID: id, FullName: "Test Provider", Role: role}
}

func TestRegisterPatient(t *testing.T) {
	svc, registry, store := newTestService(t)
	ctx := context.Background()
	doctor := provider("DOC-1", models.RoleDoctor)

	result, err := svc.RegisterPatient(ctx, doctor, RegisterPatientInput{
		FullName:      "Ada Mensah",
		DateOfBirth:   "1990-01-01",
		IDType:        models.IDTypeNIN,
		RawNationalID: "12345678901",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if !healthIDPattern.MatchString(result.HealthID) {
		t.Fatalf("health id %q does not match format", result.HealthID)
	}

	patient, err := registry.GetPatient(ctx, result.Patient.ID)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if patient.LastModifiedBy != "DOC-1" {
		t.Fatalf("last_modified_by = %q", patient.LastModifiedBy)
	}
	if patient.NationalIDHash == "" {
		t.Fatal("national id hash not set")
	}

	// A patient-role user account is provisioned automatically.
	user, err := registry.GetUser(ctx, patient.UserID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Role != models.RolePatient {
		t.Fatalf("auto-provisioned role %q", user.Role)
	}

	events, _ := store.ListByPatient(ctx, patient.ID, audit.Filter{})
	if len(events) != 1 || events[0].Kind != models.AuditPatientRegistered {
		t.Fatalf("expected one registration audit event, got %+v", events)
	}
	if events[0].ActorID != "DOC-1" {
		t.Fatalf("audit actor %q", events[0].ActorID)
	}
}

func TestRegisterPatientDuplicateIdentity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	doctor := provider("DOC-1", models.RoleDoctor)

	input := RegisterPatientInput{
		FullName:      "Ada Mensah",
		DateOfBirth:   "1990-01-01",
		IDType:        models.IDTypeNIN,
		RawNationalID: "123",
	}
	if _, err := svc.RegisterPatient(ctx, doctor, input); err != nil {
		t.Fatalf("first register: %v", err)
	}

	// Same raw id and type must be rejected. The service hashes and zeroises
	// its own copy of the raw id, so the input string is unchanged.
	input.RawNationalID = "123"
	if _, err := svc.RegisterPatient(ctx, doctor, input); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("got %v, want ErrDuplicateIdentity", err)
	}

	// Same raw id under a different type tag is a distinct identity.
	input.RawNationalID = "123"
	input.IDType = models.IDTypeGhana
	if _, err := svc.RegisterPatient(ctx, doctor, input); err != nil {
		t.Fatalf("different id type: %v", err)
	}
}

func TestRegisterPatientIDExhaustion(t *testing.T) {
	svc, registry, _ := newTestService(t)
	ctx := context.Background()
	doctor := provider("DOC-1", models.RoleDoctor)

	// Pin the random source so every mint collides with the first patient.
	svc.WithRandHex(func(n int) (string, error) { return "AAAA", nil })

	if _, err := svc.RegisterPatient(ctx, doctor, RegisterPatientInput{
		FullName: "First", IDType: models.IDTypeNIN, RawNationalID: "1",
	}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if exists, _ := registry.HealthIDExists(ctx, "MCHI-2026-AAAA-AAAA"); !exists {
		t.Fatal("expected pinned health id")
	}

	_, err := svc.RegisterPatient(ctx, doctor, RegisterPatientInput{
		FullName: "Second", IDType: models.IDTypeNIN, RawNationalID: "2",
	})
	if !errors.Is(err, ErrIDExhaustion) {
		t.Fatalf("got %v, want ErrIDExhaustion", err)
	}
}

func TestUpdatePatientWhitelistedPatch(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	doctor := provider("DOC-1", models.RoleDoctor)

	result, err := svc.RegisterPatient(ctx, doctor, RegisterPatientInput{
		FullName: "Ada", IDType: models.IDTypeNIN, RawNationalID: "77",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	allergies := []string{"penicillin"}
	donor := true
	updated, err := svc.UpdatePatient(ctx, doctor, result.Patient.ID, PatientPatch{
		Allergies:  &allergies,
		OrganDonor: &donor,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.EmergencyInfo.Allergies) != 1 || !updated.EmergencyInfo.OrganDonor {
		t.Fatalf("patch not applied: %+v", updated.EmergencyInfo)
	}

	if _, err := svc.UpdatePatient(ctx, doctor, result.Patient.ID, PatientPatch{}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("empty patch: got %v", err)
	}

	events, _ := store.ListByPatient(ctx, result.Patient.ID, audit.Filter{Kind: models.AuditPatientUpdated})
	if len(events) != 1 {
		t.Fatalf("expected one update audit event, got %d", len(events))
	}
}

func TestUpdatePatientNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	doctor := provider("DOC-1", models.RoleDoctor)
	if _, err := svc.UpdatePatient(context.Background(), doctor, "PAT-missing", PatientPatch{}); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("got %v, want ErrPatientNotFound", err)
	}
}

func TestAssignRoleLifecycle(t *testing.T) {
	svc, registry, _ := newTestService(t)
	ctx := context.Background()
	admin := provider("ADM-1", models.RoleAdmin)

	user, err := svc.AssignRole(ctx, admin, "U1", "New Doctor", models.RoleDoctor)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if user.Role != models.RoleDoctor {
		t.Fatalf("role %q", user.Role)
	}

	if _, err := svc.AssignRole(ctx, admin, "U1", "", models.RoleNurse); !errors.Is(err, ErrRoleAlreadyAssigned) {
		t.Fatalf("got %v, want ErrRoleAlreadyAssigned", err)
	}

	if err := svc.RevokeRole(ctx, admin, "U1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, _ := registry.GetUser(ctx, "U1")
	if revoked.Role != "" {
		t.Fatalf("role after revoke %q", revoked.Role)
	}

	if err := svc.RevokeRole(ctx, admin, "U1"); !errors.Is(err, ErrNoRoleToRevoke) {
		t.Fatalf("got %v, want ErrNoRoleToRevoke", err)
	}
}

func TestAssignAdminPanics(t *testing.T) {
	svc, _, _ := newTestService(t)
	admin := provider("ADM-1", models.RoleAdmin)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on admin assignment reaching the registry")
		}
	}()
	svc.AssignRole(context.Background(), admin, "U2", "", models.RoleAdmin)
}

func TestPatientIDForUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	doctor := provider("DOC-1", models.RoleDoctor)

	result, err := svc.RegisterPatient(ctx, doctor, RegisterPatientInput{
		FullName: "Ada", IDType: models.IDTypeNIN, RawNationalID: "55",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := svc.PatientIDForUser(ctx, result.Patient.UserID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != result.Patient.ID {
		t.Fatalf("resolved %q, want %q", id, result.Patient.ID)
	}

	if _, err := svc.PatientIDForUser(ctx, "nobody"); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("got %v, want ErrPatientNotFound", err)
	}
}
