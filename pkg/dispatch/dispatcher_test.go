package dispatch

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/medichain/platform/pkg/access"
	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/cards"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/medichain/platform/pkg/identity"
	"github.com/medichain/platform/pkg/labs"
	"github.com/medichain/platform/pkg/records"
	"github.com/medichain/platform/pkg/records/keys"
	"github.com/medichain/platform/pkg/records/objectstore"
)

// failingStore wraps the audit memory store to inject append failures.
type failingStore struct {
	*audit.MemoryStore
	fail bool
}

func (f *failingStore) Append(ctx context.Context, event models.AuditEvent) (models.AuditEvent, error) {
	if f.fail {
		return models.AuditEvent{}, errors.New("sink down")
	}
	return f.MemoryStore.Append(ctx, event)
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *identity.MemoryRegistry
	grants     *access.MemoryGrantStore
	events     *failingStore
	objects    *objectstore.MemoryStore
	now        time.Time
	clock      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	clock := start
	nowFunc := func() time.Time { return clock }

	events := &failingStore{MemoryStore: audit.NewMemoryStore()}
	log := audit.New(events, audit.WithClock(nowFunc))

	registry := identity.NewMemoryRegistry()
	identitySvc := identity.NewService(registry, registry, log).WithClock(nowFunc)

	grantStore := access.NewMemoryGrantStore()
	grantSvc := access.NewService(grantStore, log).WithClock(nowFunc)
	engine := access.NewEngine(grantStore, identitySvc)

	cardStore := cards.NewMemoryCardStore()
	cardSvc := cards.NewService(cardStore, registry, log).WithClock(nowFunc)

	objects := objectstore.NewMemoryStore()
	provider, err := keys.NewStaticProvider(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("key provider: %v", err)
	}
	recordSvc := records.NewService(objects, provider, records.NewMemoryIndex(), registry, log).WithClock(nowFunc)

	validator, err := labs.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	labSvc := labs.NewService(labs.NewMemoryStore(), registry, recordSvc, log, validator, labs.DefaultCatalog()).WithClock(nowFunc)

	dispatcher := New(identitySvc, grantSvc, engine, cardSvc, recordSvc, labSvc, log).WithClock(nowFunc)

	f := &fixture{
		dispatcher: dispatcher,
		registry:   registry,
		grants:     grantStore,
		events:     events,
		objects:    objects,
		now:        start,
		clock:      &clock,
	}

	// Seed staff accounts.
	for _, u := range []models.User{
		{ID: "ADM-1", FullName: "Root Admin", Role: models.RoleAdmin},
		{ID: "DOC-1", FullName: "Dr. Mensah", Role: models.RoleDoctor},
		{ID: "DOC-2", FullName: "Dr. Okafor", Role: models.RoleDoctor},
		{ID: "DOC-3", FullName: "Dr. Abebe", Role: models.RoleDoctor},
		{ID: "LAB-1", FullName: "Lab Tech", Role: models.RoleLabTechnician},
		{ID: "PHA-1", FullName: "Pharmacist", Role: models.RolePharmacist},
	} {
		if err := registry.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) registerPatient(t *testing.T, rawID string) RegisterPatientResult {
	t.Helper()
	res, err := f.dispatcher.Dispatch(context.Background(), "DOC-1", RegisterPatient{
		FullName:      "Ada Mensah",
		DateOfBirth:   "1990-01-01",
		IDType:        models.IDTypeNIN,
		RawNationalID: rawID,
	})
	if err != nil {
		t.Fatalf("register patient: %v", err)
	}
	return res.(RegisterPatientResult)
}

func TestScenarioRegisterAndDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.registerPatient(t, "123")
	pattern := regexp.MustCompile(`^MCHI-\d{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)
	if !pattern.MatchString(res.NationalHealthID) {
		t.Fatalf("health id %q", res.NationalHealthID)
	}

	_, err := f.dispatcher.Dispatch(ctx, "DOC-1", RegisterPatient{
		FullName:      "Ada Again",
		IDType:        models.IDTypeNIN,
		RawNationalID: "123",
	})
	if CodeOf(err) != CodeDuplicateIdentity {
		t.Fatalf("duplicate: got %v (%s)", err, CodeOf(err))
	}
}

func TestScenarioDenyLeavesAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// PAT-1's user may not read P2.
	p1 := f.registerPatient(t, "111")
	p2 := f.registerPatient(t, "222")

	p1Patient, err := f.registry.GetPatient(ctx, p1.PatientID)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}

	_, err = f.dispatcher.Dispatch(ctx, p1Patient.UserID, GetPatient{PatientID: p2.PatientID})
	if CodeOf(err) != CodeAccessDenied {
		t.Fatalf("got %v (%s), want ACCESS_DENIED", err, CodeOf(err))
	}

	attempts, _ := f.events.ListByPatient(ctx, p2.PatientID, audit.Filter{Kind: models.AuditAccessAttempt})
	if len(attempts) != 1 {
		t.Fatalf("expected one access attempt event, got %d", len(attempts))
	}
	if attempts[0].Granted {
		t.Fatal("attempt must record granted=false")
	}
	if attempts[0].ActorID != p1Patient.UserID {
		t.Fatalf("attempt actor %q", attempts[0].ActorID)
	}
}

func TestScenarioLabVisibilityGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pat := f.registerPatient(t, "909")
	patient, _ := f.registry.GetPatient(ctx, pat.PatientID)

	subRes, err := f.dispatcher.Dispatch(ctx, "LAB-1", SubmitLabResult{
		PatientID: pat.PatientID,
		Payload: labs.SubmitInput{
			TestName:     "CBC",
			TestCategory: "hematology",
			Results:      []models.LabTestResult{{Parameter: "WBC", Value: "5.0"}},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	submissionID := subRes.(SubmitLabResultOutcome).SubmissionID

	// The patient sees nothing while the submission is pending.
	own, err := f.dispatcher.Dispatch(ctx, patient.UserID, ListPatientLabs{PatientID: pat.PatientID})
	if err != nil {
		t.Fatalf("patient list: %v", err)
	}
	if got := own.([]models.LabSubmission); len(got) != 0 {
		t.Fatalf("patient sees %d pending labs", len(got))
	}

	if _, err := f.dispatcher.Dispatch(ctx, "DOC-3", ReviewLabResult{
		SubmissionID: submissionID,
		Action:       labs.ActionApprove,
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	own, _ = f.dispatcher.Dispatch(ctx, patient.UserID, ListPatientLabs{PatientID: pat.PatientID})
	approved := own.([]models.LabSubmission)
	if len(approved) != 1 || approved[0].Status != models.LabApproved {
		t.Fatalf("patient view after approval: %+v", approved)
	}

	// The record index gained the uploaded reference.
	refs, err := f.dispatcher.Dispatch(ctx, patient.UserID, ListRecords{PatientID: pat.PatientID})
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if got := refs.([]models.MedicalRecordReference); len(got) != 1 || got[0].RecordType != models.RecordLabResult {
		t.Fatalf("record refs: %+v", got)
	}
}

func TestScenarioEmergencyWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pat := f.registerPatient(t, "707")

	// Upload something to download later.
	upRes, err := f.dispatcher.Dispatch(ctx, "DOC-1", UploadRecord{
		PatientID:  pat.PatientID,
		RecordType: models.RecordDischargeSummary,
		Plaintext:  []byte("discharged in stable condition"),
		Filename:   "discharge.txt",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	up := upRes.(UploadRecordResult)

	// DOC-2 taps the patient's card.
	cardRes, err := f.dispatcher.Dispatch(ctx, "DOC-1", IssueCard{PatientID: pat.PatientID, IDType: models.IDTypeNIN})
	if err != nil {
		t.Fatalf("issue card: %v", err)
	}
	tapRes, err := f.dispatcher.Dispatch(ctx, "", TapCard{CardHash: cardRes.(IssueCardResult).CardHash})
	if err != nil {
		t.Fatalf("tap: %v", err)
	}
	if tapRes.(TapCardResult).PatientID != pat.PatientID {
		t.Fatal("tap resolved wrong patient")
	}

	grantRes, err := f.dispatcher.Dispatch(ctx, "DOC-2", GrantEmergencyAccess{
		PatientID: pat.PatientID,
		Reason:    "unconscious",
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	grant := grantRes.(EmergencyGrantResult)
	if got := grant.ExpiresAt.Sub(f.now); got != access.EmergencyAccessDuration {
		t.Fatalf("grant lifetime %v", got)
	}

	// Download within the window, attributed to the grant.
	f.advance(5 * time.Minute)
	if _, err := f.dispatcher.Dispatch(ctx, "DOC-2", DownloadRecord{
		ContentCID:  up.ContentCID,
		MetadataCID: up.MetadataCID,
		GrantID:     grant.GrantID,
	}); err != nil {
		t.Fatalf("download in window: %v", err)
	}

	// Fifteen minutes plus one second after the grant: denied.
	f.advance(10*time.Minute + time.Second)
	_, err = f.dispatcher.Dispatch(ctx, "DOC-2", DownloadRecord{
		ContentCID:  up.ContentCID,
		MetadataCID: up.MetadataCID,
		GrantID:     grant.GrantID,
	})
	if CodeOf(err) != CodeAccessDenied {
		t.Fatalf("expired grant: got %v (%s)", err, CodeOf(err))
	}

	// Grant and in-window download are flagged emergency in the audit log.
	flagged, _ := f.events.ListByPatient(ctx, pat.PatientID, audit.Filter{EmergencyOnly: true})
	if len(flagged) < 2 {
		t.Fatalf("expected emergency-flagged events, got %d", len(flagged))
	}
}

func TestScenarioEnvelopeIntegrity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pat := f.registerPatient(t, "606")

	plaintext := bytes.Repeat([]byte{0xAB}, 1024*1024)
	upRes, err := f.dispatcher.Dispatch(ctx, "DOC-1", UploadRecord{
		PatientID:  pat.PatientID,
		RecordType: models.RecordImaging,
		Plaintext:  plaintext,
		Filename:   "scan.bin",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	up := upRes.(UploadRecordResult)

	stored, _ := f.objects.Get(ctx, up.ContentCID)
	stored[len(stored)/3] ^= 0x01
	f.objects.Overwrite(up.ContentCID, stored)

	_, err = f.dispatcher.Dispatch(ctx, "DOC-1", DownloadRecord{
		ContentCID:  up.ContentCID,
		MetadataCID: up.MetadataCID,
	})
	if CodeOf(err) != CodeIntegrityFailure {
		t.Fatalf("got %v (%s), want INTEGRITY_FAILURE", err, CodeOf(err))
	}

	integrity, _ := f.events.ListByPatient(ctx, pat.PatientID, audit.Filter{Kind: models.AuditIntegrityEvent})
	if len(integrity) != 1 {
		t.Fatalf("expected integrity event, got %d", len(integrity))
	}
}

func TestScenarioRoleRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.dispatcher.Dispatch(ctx, "ADM-1", AssignRole{UserID: "U1", FullName: "New Doc", Role: models.RoleDoctor})
	if err != nil {
		t.Fatalf("assign doctor: %v", err)
	}
	if res.(RoleResult).Role != models.RoleDoctor {
		t.Fatalf("assigned role %q", res.(RoleResult).Role)
	}

	_, err = f.dispatcher.Dispatch(ctx, "ADM-1", AssignRole{UserID: "U2", Role: models.RoleAdmin})
	if CodeOf(err) != CodeCannotAssignAdmin {
		t.Fatalf("assign admin: got %s", CodeOf(err))
	}

	_, err = f.dispatcher.Dispatch(ctx, "ADM-1", RevokeRole{UserID: "ADM-1"})
	if CodeOf(err) != CodeCannotRevokeOwnRole {
		t.Fatalf("revoke self: got %s", CodeOf(err))
	}

	_, err = f.dispatcher.Dispatch(ctx, "DOC-1", AssignRole{UserID: "U3", Role: models.RoleNurse})
	if CodeOf(err) != CodeInsufficientRole {
		t.Fatalf("non-admin assign: got %s", CodeOf(err))
	}
}

func TestUnknownCallerIsUserNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Dispatch(context.Background(), "GHOST-1", ListPendingLabs{})
	if CodeOf(err) != CodeUserNotFound {
		t.Fatalf("got %s", CodeOf(err))
	}
}

func TestAuditFailureRollsBackRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.events.fail = true
	_, err := f.dispatcher.Dispatch(ctx, "DOC-1", RegisterPatient{
		FullName:      "Rollback Case",
		IDType:        models.IDTypeNIN,
		RawNationalID: "404",
	})
	if CodeOf(err) != CodeAuditUnavailable {
		t.Fatalf("got %v (%s), want AUDIT_UNAVAILABLE", err, CodeOf(err))
	}

	// The write was rolled back: the same identity registers cleanly once
	// the audit sink recovers.
	f.events.fail = false
	if _, err := f.dispatcher.Dispatch(ctx, "DOC-1", RegisterPatient{
		FullName:      "Rollback Case",
		IDType:        models.IDTypeNIN,
		RawNationalID: "404",
	}); err != nil {
		t.Fatalf("re-register after recovery: %v", err)
	}
}

func TestEverydayCommandsLeaveActorAudit(t *testing.T) {
	// Property I4: successful commands leave at least one audit event whose
	// actor is the caller.
	f := newFixture(t)
	ctx := context.Background()

	pat := f.registerPatient(t, "303")
	events, _ := f.events.ListByPatient(ctx, pat.PatientID, audit.Filter{})
	if len(events) == 0 || events[0].ActorID != "DOC-1" {
		t.Fatalf("register audit: %+v", events)
	}

	donor := true
	if _, err := f.dispatcher.Dispatch(ctx, "DOC-1", UpdatePatient{
		PatientID: pat.PatientID,
		Patch:     identity.PatientPatch{OrganDonor: &donor},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	events, _ = f.events.ListByPatient(ctx, pat.PatientID, audit.Filter{})
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			t.Fatalf("audit seq not monotonic: %d then %d", events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestReadAuditLogAuthorisation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p1 := f.registerPatient(t, "801")
	p2 := f.registerPatient(t, "802")
	p1User, _ := f.registry.GetPatient(ctx, p1.PatientID)

	// A patient reads their own log.
	res, err := f.dispatcher.Dispatch(ctx, p1User.UserID, ReadAuditLog{PatientID: p1.PatientID})
	if err != nil {
		t.Fatalf("own audit read: %v", err)
	}
	if got := res.([]models.AuditEvent); len(got) == 0 {
		t.Fatal("empty own audit log")
	}

	// But not another patient's.
	if _, err := f.dispatcher.Dispatch(ctx, p1User.UserID, ReadAuditLog{PatientID: p2.PatientID}); CodeOf(err) != CodeAccessDenied {
		t.Fatalf("foreign audit read: got %s", CodeOf(err))
	}

	// Providers read any log.
	if _, err := f.dispatcher.Dispatch(ctx, "PHA-1", ReadAuditLog{PatientID: p2.PatientID}); err != nil {
		t.Fatalf("provider audit read: %v", err)
	}
}

func TestCancellationBeforeDecision(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.dispatcher.Dispatch(ctx, "DOC-1", ListPendingLabs{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestExportAuditWorkbook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pat := f.registerPatient(t, "505")
	res, err := f.dispatcher.Dispatch(ctx, "DOC-1", ExportAuditLog{PatientID: pat.PatientID})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	export := res.(ExportAuditResult)
	if len(export.Workbook) == 0 {
		t.Fatal("empty workbook")
	}
	// XLSX files are zip archives.
	if !bytes.HasPrefix(export.Workbook, []byte("PK")) {
		t.Fatal("workbook is not a zip container")
	}
}
