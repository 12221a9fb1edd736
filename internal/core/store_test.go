package core_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"estatecrm/internal/core"
	localmem "estatecrm/internal/infra/persistence/memory"
	remotemem "estatecrm/internal/infra/remote/memory"
	"estatecrm/internal/localstate"
	"estatecrm/pkg/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMetrics struct {
	mu            sync.Mutex
	remoteOK      int
	remoteFailed  int
	persistErrs   []error
	notifications map[string]int
}

func (m *recordingMetrics) RemoteWrite(_ string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.remoteFailed++
		return
	}
	m.remoteOK++
}

func (m *recordingMetrics) LocalPersist(_ localstate.Usage, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.persistErrs = append(m.persistErrs, err)
	}
}

func (m *recordingMetrics) NotificationSent(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifications == nil {
		m.notifications = make(map[string]int)
	}
	m.notifications[kind]++
}

type harness struct {
	store   *core.Store
	remote  *remotemem.Store
	local   *localmem.Store
	clock   *testClock
	metrics *recordingMetrics
}

func newHarness(t *testing.T, opts ...core.Option) *harness {
	t.Helper()
	h := &harness{
		remote:  remotemem.New(),
		local:   localmem.NewStore(localstate.DefaultCapacity),
		clock:   &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		metrics: &recordingMetrics{},
	}
	base := []core.Option{
		core.WithRemote(h.remote),
		core.WithPersistence(h.local),
		core.WithClock(h.clock),
		core.WithMetrics(h.metrics),
	}
	h.store = core.NewStore(append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.store.Close(ctx)
	})
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.Flush(ctx); err != nil {
		t.Fatalf("flush outbox: %v", err)
	}
}

func (h *harness) remoteWrites(collection domain.EntityType) []remotemem.Write {
	var out []remotemem.Write
	for _, w := range h.remote.Writes() {
		if w.Collection == string(collection) {
			out = append(out, w)
		}
	}
	return out
}

func (h *harness) seedTeam(t *testing.T, members ...domain.TeamMember) {
	t.Helper()
	if err := h.store.ReplaceTeam(context.Background(), members); err != nil {
		t.Fatalf("seed team: %v", err)
	}
}

func auditActions(entries []domain.AuditLogEntry, action string) []domain.AuditLogEntry {
	var out []domain.AuditLogEntry
	for _, e := range entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }

var (
	ceo   = domain.TeamMember{ID: "ceo-1", Name: "Layla", Email: "layla@example.com", Role: domain.RoleCEO, Status: domain.MemberActive}
	agent = domain.TeamMember{ID: "agent-7", Name: "Sara", Email: "sara@example.com", Role: domain.RoleAgent, Status: domain.MemberActive}
	other = domain.TeamMember{ID: "agent-3", Name: "Omar", Email: "omar@example.com", Role: domain.RoleAgent, Status: domain.MemberActive}
)

func TestAddLeadDuplicateIDIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Original", Budget: 100})
	if err != nil {
		t.Fatalf("add lead: %v", err)
	}
	h.clock.Advance(time.Minute)
	got, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Overwrite", Budget: 999})
	if err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	if !reflect.DeepEqual(got, first) {
		t.Fatalf("duplicate add returned %+v, want stored %+v", got, first)
	}
	leads := h.store.Leads()
	if len(leads) != 1 || leads[0].Name != "Original" || leads[0].Budget != 100 {
		t.Fatalf("collection changed by duplicate create: %+v", leads)
	}
	h.flush(t)
	if n := len(h.remoteWrites(domain.EntityLead)); n != 1 {
		t.Fatalf("expected 1 remote lead write, got %d", n)
	}
}

func TestLeadCommissionCreditedOncePerEdge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, agent)
	if _, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Noor", Budget: 3_000_000, AssignedTo: agent.ID}); err != nil {
		t.Fatalf("add lead: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.store.UpdateLead(ctx, "L1", core.LeadPatch{Status: ptr(domain.LeadClosed)}); err != nil {
			t.Fatalf("close lead (write %d): %v", i, err)
		}
	}
	member, _ := h.store.TeamMember(agent.ID)
	if member.CommissionEarned != 60000 || member.TotalSales != 3_000_000 {
		t.Fatalf("repeated Closed writes credited more than once: %+v", member)
	}

	if _, err := h.store.UpdateLead(ctx, "L1", core.LeadPatch{Status: ptr(domain.LeadNegotiation)}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := h.store.UpdateLead(ctx, "L1", core.LeadPatch{Status: ptr(domain.LeadClosed)}); err != nil {
		t.Fatalf("close again: %v", err)
	}
	member, _ = h.store.TeamMember(agent.ID)
	if member.CommissionEarned != 120000 {
		t.Fatalf("second Closed edge should credit again, got %v", member.CommissionEarned)
	}
	if rev := h.store.Revenue(); rev.ClosedDeals != 2 || rev.TotalCommission != 120000 {
		t.Fatalf("unexpected revenue counters: %+v", rev)
	}
}

func TestLeavingClosedZeroesCommissionWithoutClawback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, ceo, agent)
	h.store.SetSession(ceo)
	if _, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Noor", Budget: 1_000_000, AssignedTo: agent.ID, Status: domain.LeadNegotiation}); err != nil {
		t.Fatalf("add lead: %v", err)
	}
	if _, err := h.store.UpdateLead(ctx, "L1", core.LeadPatch{Status: ptr(domain.LeadClosed)}); err != nil {
		t.Fatalf("close: %v", err)
	}
	paid, err := h.store.MarkCommissionPaid(ctx, "L1")
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if !paid.CommissionPaid || paid.Commission != 20000 {
		t.Fatalf("unexpected paid lead: %+v", paid)
	}
	reopened, err := h.store.UpdateLead(ctx, "L1", core.LeadPatch{Status: ptr(domain.LeadViewing)})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Commission != 0 || reopened.CommissionPaid {
		t.Fatalf("leaving Closed must zero commission fields: %+v", reopened)
	}
	member, _ := h.store.TeamMember(agent.ID)
	if member.CommissionEarned != 20000 || member.TotalSales != 1_000_000 {
		t.Fatalf("member totals must not be clawed back: %+v", member)
	}
}

func TestTrashingClosedLeadZeroesCommission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, ceo, agent)
	h.store.SetSession(ceo)
	if _, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Noor", Budget: 1_000_000, AssignedTo: agent.ID}); err != nil {
		t.Fatalf("add lead: %v", err)
	}
	if _, err := h.store.UpdateLead(ctx, "L1", core.LeadPatch{Status: ptr(domain.LeadClosed)}); err != nil {
		t.Fatalf("close: %v", err)
	}
	closed, err := h.store.MarkCommissionPaid(ctx, "L1")
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	h.clock.Advance(time.Hour)
	trashed, err := h.store.DeleteLead(ctx, "L1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if trashed.Status != domain.LeadTrash || trashed.DeletedAt == nil || !trashed.DeletedAt.Equal(h.clock.Now()) {
		t.Fatalf("lead not trashed: %+v", trashed)
	}
	if trashed.Commission != 0 || trashed.CommissionPaid {
		t.Fatalf("trashing a Closed lead must zero commission fields: %+v", trashed)
	}
	check := trashed
	check.Status, check.DeletedAt = closed.Status, nil
	check.Commission, check.CommissionPaid = closed.Commission, closed.CommissionPaid
	if !reflect.DeepEqual(check, closed) {
		t.Fatalf("trash touched other fields:\n got %+v\nwant %+v", check, closed)
	}
	member, _ := h.store.TeamMember(agent.ID)
	if member.CommissionEarned != 20000 {
		t.Fatalf("member credit clawed back: %+v", member)
	}
}

func TestClosingLeadScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, agent)
	h.store.SetSession(agent)
	if _, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Khalid Rahman", Budget: 3_000_000, Status: domain.LeadNew, AssignedTo: agent.ID}); err != nil {
		t.Fatalf("add lead: %v", err)
	}
	before, _ := h.store.TeamMember(agent.ID)

	lead, err := h.store.UpdateLead(ctx, "L1", core.LeadPatch{Status: ptr(domain.LeadClosed)})
	if err != nil {
		t.Fatalf("update lead: %v", err)
	}
	if lead.Commission != 60000 || lead.CommissionPaid {
		t.Fatalf("unexpected commission fields: commission=%v paid=%v", lead.Commission, lead.CommissionPaid)
	}
	after, _ := h.store.TeamMember(agent.ID)
	if delta := after.CommissionEarned - before.CommissionEarned; delta != 60000 {
		t.Fatalf("commissionEarned delta = %v, want 60000", delta)
	}
	notes := h.store.Notifications()
	if len(notes) != 1 {
		t.Fatalf("expected one notification, got %d: %+v", len(notes), notes)
	}
	if !strings.Contains(notes[0].Text, "Khalid Rahman") || !strings.Contains(notes[0].Text, "60,000") {
		t.Fatalf("notification text %q lacks lead name or formatted amount", notes[0].Text)
	}
	if notes[0].RefCollection != domain.EntityLead || notes[0].RefID != "L1" {
		t.Fatalf("notification ref = %s/%s", notes[0].RefCollection, notes[0].RefID)
	}
	updates := auditActions(h.store.AuditLog(), domain.AuditLeadUpdated)
	if len(updates) != 1 || updates[0].TargetID != "L1" || updates[0].PerformedBy != agent.ID {
		t.Fatalf("expected one lead.updated audit for L1, got %+v", updates)
	}

	h.flush(t)
	var credited bool
	for _, w := range h.remoteWrites(domain.EntityTeamMember) {
		if w.ID == agent.ID && w.Merge && w.Fields["commissionEarned"] == float64(60000) {
			credited = true
		}
	}
	if !credited {
		t.Fatalf("expected merge write crediting %s, got %+v", agent.ID, h.remoteWrites(domain.EntityTeamMember))
	}
}

func TestSmartMatchScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, ceo, other)
	h.store.SetSession(ceo)
	l2 := domain.Lead{
		ID: "L2", Name: "Hana Ali", Email: "hana@example.com", Phone: "+971500000000",
		Budget: 3_000_000, MaxBudget: 6_000_000, TargetLocation: "Dubai Marina",
		Status: domain.LeadQualified, AssignedTo: other.ID,
	}
	if _, err := h.store.AddLead(ctx, l2); err != nil {
		t.Fatalf("add L2: %v", err)
	}
	if got := core.ClassifyLead(l2); got != core.GradeA {
		t.Fatalf("L2 should be A-grade, got %s", got)
	}
	// B-grade: budget too small.
	if _, err := h.store.AddLead(ctx, domain.Lead{ID: "L3", Name: "Low Budget", Budget: 500_000, MaxBudget: 6_000_000, TargetLocation: "Dubai Marina", AssignedTo: other.ID}); err != nil {
		t.Fatalf("add L3: %v", err)
	}

	if _, err := h.store.AddProperty(ctx, domain.Property{ID: "P1", Name: "Marina Heights 2304", Location: "Dubai Marina", Price: 5_000_000, CommissionRate: 2}); err != nil {
		t.Fatalf("add property: %v", err)
	}
	h.flush(t)

	notes := h.remoteWrites(domain.EntityNotification)
	if len(notes) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notes))
	}
	text := notes[0].Fields.String("text")
	if notes[0].Fields.String("userId") != other.ID || !strings.Contains(text, "Marina Heights 2304") || !strings.Contains(text, "Hana Ali") {
		t.Fatalf("unexpected match notification: %+v", notes[0].Fields)
	}
	if len(h.store.Notifications()) != 0 {
		t.Fatalf("notification for another user must not land in the local feed")
	}
	matches := auditActions(h.store.AuditLog(), domain.AuditInventoryMatch)
	if len(matches) != 1 || matches[0].TargetID != "L2" {
		t.Fatalf("expected one inventory.match audit for L2, got %+v", matches)
	}
}

func TestSmartMatchUnassignedLeadNotifiesElevatedMembers(t *testing.T) {
	admin := domain.TeamMember{ID: "admin-1", Name: "Zed", Email: "zed@example.com", Role: domain.RoleAdmin}
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, ceo, admin, agent)
	h.store.SetSession(agent)
	if _, err := h.store.AddLead(ctx, domain.Lead{ID: "L9", Name: "Unassigned", Budget: 2_500_000, MaxBudget: 4_000_000, TargetLocation: "palm jumeirah"}); err != nil {
		t.Fatalf("add lead: %v", err)
	}
	if _, err := h.store.AddProperty(ctx, domain.Property{ID: "P9", Name: "Frond Villa", Location: "Palm Jumeirah, Frond K", Price: 3_900_000}); err != nil {
		t.Fatalf("add property: %v", err)
	}
	h.flush(t)
	recipients := map[string]bool{}
	for _, w := range h.remoteWrites(domain.EntityNotification) {
		recipients[w.Fields.String("userId")] = true
	}
	if len(recipients) != 2 || !recipients[ceo.ID] || !recipients[admin.ID] {
		t.Fatalf("expected ceo and admin recipients, got %v", recipients)
	}
}

func TestSoftDeleteRestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Round Trip", Email: "rt@example.com", Budget: 750_000, Source: "Website", Notes: "keep me"})
	if err != nil {
		t.Fatalf("add lead: %v", err)
	}
	h.clock.Advance(time.Hour)
	trashed, err := h.store.DeleteLead(ctx, "L1")
	if err != nil {
		t.Fatalf("delete lead: %v", err)
	}
	if trashed.Status != domain.LeadTrash || trashed.DeletedAt == nil || !trashed.DeletedAt.Equal(h.clock.Now()) {
		t.Fatalf("soft delete did not trash and stamp: %+v", trashed)
	}
	check := trashed
	check.Status = original.Status
	check.DeletedAt = nil
	if !reflect.DeepEqual(check, original) {
		t.Fatalf("soft delete touched other fields:\n got %+v\nwant %+v", check, original)
	}
	restored, err := h.store.RestoreLead(ctx, "L1")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !reflect.DeepEqual(restored, original) {
		t.Fatalf("restore did not round-trip:\n got %+v\nwant %+v", restored, original)
	}
	audit := h.store.AuditLog()
	if len(auditActions(audit, domain.AuditLeadDeleted)) != 1 || len(auditActions(audit, domain.AuditLeadRestored)) != 1 {
		t.Fatalf("expected delete and restore audits, got %+v", audit)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, ceo, agent)
	h.store.SetSession(ceo)
	if _, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Alpha", Budget: 900_000}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.AddProperty(ctx, domain.Property{ID: "P1", Name: "Loft", Location: "Business Bay", Price: 1_200_000}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.AddTask(ctx, domain.Task{ID: "T1", Title: "Call Alpha", AssignedTo: agent.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.AddActivity(ctx, domain.Activity{ID: "A1", Type: "call", LeadID: "L1"}); err != nil {
		t.Fatal(err)
	}
	exported := h.store.ExportSnapshot()

	target := newHarness(t)
	if err := target.store.ImportSnapshot(ctx, exported); err != nil {
		t.Fatalf("import: %v", err)
	}
	got := target.store.ExportSnapshot()
	if !reflect.DeepEqual(got.Leads, exported.Leads) ||
		!reflect.DeepEqual(got.Properties, exported.Properties) ||
		!reflect.DeepEqual(got.Tasks, exported.Tasks) ||
		!reflect.DeepEqual(got.Activities, exported.Activities) {
		t.Fatalf("import did not reproduce exported collections")
	}
	if len(auditActions(target.store.AuditLog(), domain.AuditSnapshotImported)) != 1 {
		t.Fatalf("expected a snapshot import audit entry")
	}
	if err := h.store.ImportSnapshot(ctx, exported); err != nil {
		t.Fatalf("self import: %v", err)
	}
	if !reflect.DeepEqual(h.store.ExportSnapshot().Leads, exported.Leads) {
		t.Fatalf("self import changed leads")
	}
}

func TestValidationRejectsBeforeMutation(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.AddLead(context.Background(), domain.Lead{Email: "not-an-email", Budget: -1})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	fields := map[string]bool{}
	for _, p := range verr.Problems {
		fields[p.Field] = true
	}
	for _, f := range []string{"name", "email", "budget"} {
		if !fields[f] {
			t.Fatalf("missing problem for %s in %+v", f, verr.Problems)
		}
	}
	if len(h.store.Leads()) != 0 {
		t.Fatalf("invalid lead was applied")
	}
	h.flush(t)
	if len(h.remote.Writes()) != 0 {
		t.Fatalf("invalid lead reached the remote")
	}
	if _, err := h.store.AddProperty(context.Background(), domain.Property{Name: "Zero", Price: 0}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("zero price should fail validation, got %v", err)
	}
}

func TestAuthorizationErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, ceo, agent)
	h.store.SetSession(agent)
	if _, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Active"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.AddProperty(ctx, domain.Property{ID: "P1", Name: "Unit", Price: 10}); err != nil {
		t.Fatal(err)
	}

	checks := map[string]error{
		"add member":    func() error { _, err := h.store.AddTeamMember(ctx, other); return err }(),
		"suspend":       func() error { _, err := h.store.SuspendMember(ctx, ceo.ID); return err }(),
		"reset":         h.store.ResetMemberPassword(ctx, ceo.ID),
		"delete prop":   h.store.DeleteProperty(ctx, "P1"),
		"purge active":  h.store.PermanentlyDeleteLead(ctx, "L1"),
		"mark paid":     func() error { _, err := h.store.MarkCommissionPaid(ctx, "L1"); return err }(),
		"remove member": h.store.RemoveTeamMember(ctx, ceo.ID),
	}
	for name, err := range checks {
		var aerr *domain.AuthorizationError
		if !errors.Is(err, domain.ErrForbidden) || !errors.As(err, &aerr) || aerr.Role != domain.RoleAgent {
			t.Fatalf("%s: expected authorization error for agent, got %v", name, err)
		}
		if errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: authorization error must be distinct from validation", name)
		}
	}

	if _, err := h.store.DeleteLead(ctx, "L1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := h.store.PermanentlyDeleteLead(ctx, "L1"); err != nil {
		t.Fatalf("agent may purge a trashed lead: %v", err)
	}
	if _, ok := h.store.Lead("L1"); ok {
		t.Fatalf("lead still present after purge")
	}
	if len(auditActions(h.store.AuditLog(), domain.AuditLeadPurged)) != 1 {
		t.Fatalf("expected lead.purged audit")
	}
	h.flush(t)
	var deleted bool
	for _, w := range h.remoteWrites(domain.EntityLead) {
		deleted = deleted || (w.ID == "L1" && w.Delete)
	}
	if !deleted {
		t.Fatalf("expected remote hard delete of L1")
	}
}

func TestTargetedOperationsReportNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetSession(ceo)
	_, err := h.store.UpdateLead(ctx, "missing", core.LeadPatch{Name: ptr("x")})
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "missing" || nf.Entity != domain.EntityLead {
		t.Fatalf("expected NotFoundError for lead, got %v", err)
	}
	for name, err := range map[string]error{
		"delete lead":   func() error { _, err := h.store.DeleteLead(ctx, "nope"); return err }(),
		"restore lead":  func() error { _, err := h.store.RestoreLead(ctx, "nope"); return err }(),
		"update prop":   func() error { _, err := h.store.UpdateProperty(ctx, "nope", core.PropertyPatch{}); return err }(),
		"task status":   func() error { _, err := h.store.UpdateTaskStatus(ctx, "nope", domain.TaskCompleted, ""); return err }(),
		"member":        func() error { _, err := h.store.UpdateTeamMember(ctx, "nope", core.MemberPatch{}); return err }(),
		"notification":  h.store.MarkNotificationRead(ctx, "nope"),
		"template":      h.store.DeleteTemplate(ctx, "nope"),
		"lead score":    func() error { _, err := h.store.LeadScore("nope"); return err }(),
		"purge missing": h.store.PermanentlyDeleteLead(ctx, "nope"),
	} {
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestRemoteFailureNeverReachesCaller(t *testing.T) {
	h := newHarness(t)
	h.remote.FailWrites(errors.New("network unreachable"))
	lead, err := h.store.AddLead(context.Background(), domain.Lead{Name: "Offline"})
	if err != nil {
		t.Fatalf("mutation must succeed locally: %v", err)
	}
	if _, ok := h.store.Lead(lead.ID); !ok {
		t.Fatalf("optimistic lead missing")
	}
	h.flush(t)
	h.metrics.mu.Lock()
	failed := h.metrics.remoteFailed
	h.metrics.mu.Unlock()
	if failed != 1 {
		t.Fatalf("expected one failed remote write counted, got %d", failed)
	}
}

func TestQuotaExceededIsTolerated(t *testing.T) {
	h := newHarness(t)
	tiny := localmem.NewStore(64)
	store := core.NewStore(core.WithPersistence(tiny), core.WithMetrics(h.metrics))
	if _, err := store.AddLead(context.Background(), domain.Lead{Name: "Does not fit in sixty four bytes", Notes: strings.Repeat("x", 128)}); err != nil {
		t.Fatalf("quota must not fail the mutation: %v", err)
	}
	if len(store.Leads()) != 1 {
		t.Fatalf("lead missing from memory after quota failure")
	}
	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	if len(h.metrics.persistErrs) == 0 || !errors.Is(h.metrics.persistErrs[0], localstate.ErrQuotaExceeded) {
		t.Fatalf("expected quota error to be recorded, got %v", h.metrics.persistErrs)
	}
}

func TestRestoreLoadsPersistedSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Persisted", Budget: 42}); err != nil {
		t.Fatal(err)
	}
	if h.local.Saves() == 0 {
		t.Fatalf("mutation did not persist")
	}
	fresh := core.NewStore(core.WithPersistence(h.local))
	ok, err := fresh.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	got, found := fresh.Lead("L1")
	if !found || got.Name != "Persisted" || got.Budget != 42 {
		t.Fatalf("restored lead = %+v (found=%v)", got, found)
	}
	empty := core.NewStore(core.WithPersistence(localmem.NewStore(0)))
	if ok, err := empty.Restore(ctx); ok || err != nil {
		t.Fatalf("empty restore: ok=%v err=%v", ok, err)
	}
}

func TestReplaceLeadsIsWholesale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, agent)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.store.AddLead(ctx, domain.Lead{ID: id, Name: id}); err != nil {
			t.Fatal(err)
		}
	}
	closed := domain.Lead{ID: "x", Name: "X", Status: domain.LeadClosed, Budget: 1_000_000, AssignedTo: agent.ID}
	if err := h.store.ReplaceLeads(ctx, []domain.Lead{closed, {ID: "y", Name: "Y"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	leads := h.store.Leads()
	ids := map[string]bool{}
	for _, l := range leads {
		ids[l.ID] = true
	}
	if len(leads) != 2 || !ids["x"] || !ids["y"] {
		t.Fatalf("expected exactly x and y after replace, got %v", ids)
	}
	if m, _ := h.store.TeamMember(agent.ID); m.CommissionEarned != 0 {
		t.Fatalf("replace must not run commission effects")
	}
}

func TestNotifyRoutesBySessionUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetSession(agent)
	if err := h.store.Notify(ctx, agent.ID, "for me", core.Ref{}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Notify(ctx, other.ID, "for someone else", core.Ref{Collection: domain.EntityLead, ID: "L1"}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Notify(ctx, "", "nobody", core.Ref{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty recipient should be rejected, got %v", err)
	}
	local := h.store.Notifications()
	if len(local) != 1 || local[0].Text != "for me" {
		t.Fatalf("local feed = %+v", local)
	}
	h.flush(t)
	if n := len(h.remoteWrites(domain.EntityNotification)); n != 2 {
		t.Fatalf("expected both notifications remotely, got %d", n)
	}
	if n, err := h.store.MarkAllNotificationsRead(ctx); err != nil || n != 1 || h.store.UnreadCount() != 0 {
		t.Fatalf("mark all read: n=%d err=%v unread=%d", n, err, h.store.UnreadCount())
	}
	if n, err := h.store.ClearNotifications(ctx); err != nil || n != 1 || len(h.store.Notifications()) != 0 {
		t.Fatalf("clear: n=%d err=%v", n, err)
	}
}

func TestWatchersSeeTouchedCollections(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	seen := map[domain.EntityType]int{}
	cancel := h.store.Watch(func(e domain.EntityType) {
		mu.Lock()
		seen[e]++
		mu.Unlock()
	})
	if _, err := h.store.AddTask(context.Background(), domain.Task{Title: "Watch me"}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := h.store.AddLead(context.Background(), domain.Lead{Name: "Unwatched"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[domain.EntityTask] != 1 || seen[domain.EntityAuditLog] != 1 || seen[domain.EntityLead] != 0 {
		t.Fatalf("unexpected watcher calls: %v", seen)
	}
}

func TestPurgeExpiredTrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"old", "fresh"} {
		if _, err := h.store.AddLead(ctx, domain.Lead{ID: id, Name: id}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.store.DeleteLead(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(31 * 24 * time.Hour)
	if _, err := h.store.DeleteLead(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}
	retention := 30 * 24 * time.Hour
	if expired := h.store.ExpiredTrash(h.clock.Now(), retention); len(expired) != 1 || expired[0].ID != "old" {
		t.Fatalf("expired trash = %+v", expired)
	}
	n, err := h.store.PurgeExpiredTrash(ctx, h.clock.Now(), retention)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if _, ok := h.store.Lead("fresh"); !ok {
		t.Fatalf("fresh trash purged too early")
	}
}

func TestActivityStampsLastContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.AddLead(ctx, domain.Lead{ID: "L1", Name: "Contacted"}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * time.Hour)
	if _, err := h.store.AddActivity(ctx, domain.Activity{Type: "whatsapp", LeadID: "L1", Description: "sent brochure"}); err != nil {
		t.Fatal(err)
	}
	lead, _ := h.store.Lead("L1")
	if lead.LastContact == nil || !lead.LastContact.Equal(h.clock.Now()) {
		t.Fatalf("lastContact not stamped: %+v", lead.LastContact)
	}
	if got := len(h.store.ActivitiesForLead("L1")); got != 1 {
		t.Fatalf("expected one activity for L1, got %d", got)
	}
	score, err := h.store.LeadScore("L1")
	if err != nil || score != core.ScoreLead(lead, 1) {
		t.Fatalf("lead score = %d err=%v", score, err)
	}
}

func TestPropertySaleCreditsAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, agent)
	h.store.SetSession(agent)
	if _, err := h.store.AddProperty(ctx, domain.Property{ID: "P1", Name: "Tower 9", Price: 2_000_000, CommissionRate: 2.5, AgentID: agent.ID}); err != nil {
		t.Fatal(err)
	}
	sold, err := h.store.UpdateProperty(ctx, "P1", core.PropertyPatch{Status: ptr(domain.PropertySold)})
	if err != nil {
		t.Fatal(err)
	}
	if sold.Commission != 50000 || sold.SoldAt == nil {
		t.Fatalf("unexpected sold property: %+v", sold)
	}
	for i := 0; i < 2; i++ {
		again, err := h.store.UpdateProperty(ctx, "P1", core.PropertyPatch{Status: ptr(domain.PropertySold)})
		if err != nil {
			t.Fatalf("redundant sold write %d: %v", i, err)
		}
		if again.Commission != 50000 || again.SoldAt == nil || !again.SoldAt.Equal(*sold.SoldAt) {
			t.Fatalf("redundant sold write %d changed sale: %+v", i, again)
		}
	}
	if rev := h.store.Revenue(); rev.PropertiesSold != 1 {
		t.Fatalf("redundant sold writes counted twice: %+v", rev)
	}
	if _, err := h.store.UpdateProperty(ctx, "P1", core.PropertyPatch{Name: ptr("Tower 9A")}); err != nil {
		t.Fatal(err)
	}
	m, _ := h.store.TeamMember(agent.ID)
	if m.CommissionEarned != 50000 || m.TotalSales != 2_000_000 {
		t.Fatalf("agent credit = %+v", m)
	}
	if len(auditActions(h.store.AuditLog(), domain.AuditPropertySold)) != 1 {
		t.Fatalf("expected one property.sold audit")
	}
	back, err := h.store.UpdateProperty(ctx, "P1", core.PropertyPatch{Status: ptr(domain.PropertyAvailable)})
	if err != nil || back.Commission != 0 || back.SoldAt != nil {
		t.Fatalf("leaving Sold should zero commission: %+v err=%v", back, err)
	}
	if rev := h.store.Revenue(); rev.PropertiesSold != 1 || rev.TotalCommission != 50000 {
		t.Fatalf("revenue = %+v", rev)
	}
}

func TestTeamAdministration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTeam(t, ceo)
	h.store.SetSession(ceo)
	added, err := h.store.AddTeamMember(ctx, domain.TeamMember{Name: "New Hire", Email: "hire@example.com", Role: domain.RoleAgent, TotalSales: 999})
	if err != nil {
		t.Fatal(err)
	}
	if added.TotalSales != 0 || added.Status != domain.MemberActive {
		t.Fatalf("new member totals must start at zero: %+v", added)
	}
	if _, err := h.store.SuspendMember(ctx, added.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.SuspendMember(ctx, ceo.ID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("self suspension should be rejected, got %v", err)
	}
	if _, err := h.store.ActivateMember(ctx, added.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.store.ResetMemberPassword(ctx, added.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.store.RemoveTeamMember(ctx, added.ID); err != nil {
		t.Fatal(err)
	}
	audit := h.store.AuditLog()
	for _, action := range []string{domain.AuditMemberAdded, domain.AuditMemberSuspended, domain.AuditMemberActivated, domain.AuditPasswordReset, domain.AuditMemberRemoved} {
		if len(auditActions(audit, action)) != 1 {
			t.Fatalf("expected one %s audit entry", action)
		}
	}
	for i := 1; i < len(audit); i++ {
		if audit[i-1].ID >= audit[i].ID {
			t.Fatalf("audit IDs not increasing: %s then %s", audit[i-1].ID, audit[i].ID)
		}
	}
	h.flush(t)
	resets := h.remoteWrites(domain.EntityPasswordReset)
	if len(resets) != 1 || resets[0].Fields.String("email") != "hire@example.com" {
		t.Fatalf("expected one password reset request, got %+v", resets)
	}
}

func TestRefreshTeamAndAuditFetchUseRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetSession(ceo)
	if err := h.store.Notify(ctx, ceo.ID, "hello", core.Ref{}); err != nil {
		t.Fatal(err)
	}
	// the session role authorizes even though the ceo is not on the local roster
	if _, err := h.store.AddTeamMember(ctx, other); err != nil {
		t.Fatalf("add member: %v", err)
	}
	h.flush(t)
	if err := h.store.ReplaceTeam(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.store.RefreshTeam(ctx); err != nil {
		t.Fatalf("refresh team: %v", err)
	}
	if _, ok := h.store.TeamMember(other.ID); !ok {
		t.Fatalf("refresh did not load %s from remote", other.ID)
	}
	entries, err := h.store.FetchAuditLog(ctx, h.clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("fetch audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != domain.AuditMemberAdded {
		t.Fatalf("fetched audit = %+v", entries)
	}
	if later, err := h.store.FetchAuditLog(ctx, h.clock.Now().Add(time.Minute)); err != nil || len(later) != 0 {
		t.Fatalf("time window filter ignored: %d entries, err=%v", len(later), err)
	}

	offline := core.NewStore()
	if err := offline.RefreshTeam(ctx); !errors.Is(err, core.ErrNoRemote) {
		t.Fatalf("expected ErrNoRemote, got %v", err)
	}
}

func TestConcurrentCommitsReachRemoteInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.AddTask(ctx, domain.Task{ID: "T1", Title: "start"}); err != nil {
		t.Fatalf("add task: %v", err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				if _, err := h.store.UpdateTask(ctx, "T1", core.TaskPatch{Title: ptr(fmt.Sprintf("g%d-%d", g, n))}); err != nil {
					t.Errorf("update task: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	h.flush(t)
	local, ok := h.store.Task("T1")
	if !ok {
		t.Fatalf("task missing locally")
	}
	doc, ok, err := h.remote.Get(ctx, string(domain.EntityTask), "T1")
	if err != nil || !ok {
		t.Fatalf("remote task missing: ok=%v err=%v", ok, err)
	}
	if got := doc.Fields.String("title"); got != local.Title {
		t.Fatalf("remote title %q diverged from local %q", got, local.Title)
	}
}
