package casestore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nsljw/Judge-final/internal/casefile"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "cases.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewCaseNumberFormat(t *testing.T) {
	n := NewCaseNumber()
	if !strings.HasPrefix(n, "CASE-") {
		t.Fatalf("case number %q missing prefix", n)
	}
	if len(n) != len("CASE-")+10 {
		t.Fatalf("case number %q has wrong length", n)
	}
	if n == NewCaseNumber() {
		t.Fatal("case numbers should not repeat")
	}
}

func TestCreateAndLookupCase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if c.Stage != casefile.StageIntakeTopic || c.Status != casefile.StatusActive {
		t.Fatalf("unexpected initial state: %s/%s", c.Stage, c.Status)
	}

	got, err := store.CaseByNumber(ctx, c.CaseNumber)
	if err != nil {
		t.Fatalf("lookup by number: %v", err)
	}
	if got.ID != c.ID || got.PlaintiffID != 100 {
		t.Fatalf("lookup mismatch: %+v", got)
	}

	open, err := store.OpenCaseForUser(ctx, 100)
	if err != nil {
		t.Fatalf("open case for user: %v", err)
	}
	if open.ID != c.ID {
		t.Fatalf("expected case %d, got %d", c.ID, open.ID)
	}

	participants, err := store.ListParticipants(ctx, c.ID)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 1 || participants[0].Role != casefile.RolePlaintiff {
		t.Fatalf("expected plaintiff participant, got %+v", participants)
	}

	if _, err := store.CaseByNumber(ctx, "CASE-MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceStageCAS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	to := Transition{Stage: casefile.StageIntakeCategory, Status: casefile.StatusActive}
	if err := store.AdvanceStage(ctx, c.CaseNumber, casefile.StageIntakeTopic, to); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	// Second transition from the same prior stage must lose the race.
	err = store.AdvanceStage(ctx, c.CaseNumber, casefile.StageIntakeTopic, to)
	if !errors.Is(err, ErrStageConflict) {
		t.Fatalf("expected ErrStageConflict, got %v", err)
	}

	got, _ := store.CaseByNumber(ctx, c.CaseNumber)
	if got.Stage != casefile.StageIntakeCategory {
		t.Fatalf("stage = %s, want intake_category", got.Stage)
	}
}

func TestAdvanceStagePersistsLoopCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, _ := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	to := Transition{
		Stage: casefile.StageQuestionsPlaintiff, Status: casefile.StatusActive,
		Round: 2, QuestionIndex: 1, SkipCount: 1,
	}
	if err := store.AdvanceStage(ctx, c.CaseNumber, casefile.StageIntakeTopic, to); err != nil {
		t.Fatalf("transition: %v", err)
	}
	got, _ := store.CaseByNumber(ctx, c.CaseNumber)
	if got.Round != 2 || got.QuestionIndex != 1 || got.SkipCount != 1 {
		t.Fatalf("counters not persisted: %+v", got)
	}
}

func TestSetStatusGuard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, _ := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	if err := store.SetStatus(ctx, c.CaseNumber, casefile.StatusActive, casefile.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := store.SetStatus(ctx, c.CaseNumber, casefile.StatusActive, casefile.StatusPaused); !errors.Is(err, ErrStageConflict) {
		t.Fatalf("expected ErrStageConflict on double pause, got %v", err)
	}
	if err := store.SetStatus(ctx, c.CaseNumber, casefile.StatusPaused, casefile.StatusActive); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestSetDefendantOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, _ := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	if err := store.SetDefendant(ctx, c.CaseNumber, 200, "bob"); err != nil {
		t.Fatalf("set defendant: %v", err)
	}
	if err := store.SetDefendant(ctx, c.CaseNumber, 300, "carol"); !errors.Is(err, ErrStageConflict) {
		t.Fatalf("expected ErrStageConflict on second defendant, got %v", err)
	}

	got, _ := store.CaseByNumber(ctx, c.CaseNumber)
	if got.DefendantID == nil || *got.DefendantID != 200 {
		t.Fatalf("defendant = %v, want 200", got.DefendantID)
	}

	if err := store.ClearDefendant(ctx, c.CaseNumber); err != nil {
		t.Fatalf("clear defendant: %v", err)
	}
	if err := store.SetDefendant(ctx, c.CaseNumber, 300, "carol"); err != nil {
		t.Fatalf("set defendant after clear: %v", err)
	}
}

func TestDuplicateParticipant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, _ := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	err := store.AddParticipant(ctx, c.ID, 100, "alice", casefile.RolePlaintiff)
	if !errors.Is(err, ErrDuplicateParticipant) {
		t.Fatalf("expected ErrDuplicateParticipant, got %v", err)
	}
	// Same user in a different role is allowed.
	if err := store.AddParticipant(ctx, c.ID, 100, "alice", casefile.RoleWitness); err != nil {
		t.Fatalf("witness role: %v", err)
	}
}

func TestEvidenceOrderAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, _ := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	for i, item := range []casefile.EvidenceItem{
		{CaseID: c.ID, UserID: 100, Role: casefile.RolePlaintiff, Type: casefile.EvidenceText, Content: "first"},
		{CaseID: c.ID, UserID: 200, Role: casefile.RoleDefendant, Type: casefile.EvidenceText, Content: "second"},
		{CaseID: c.ID, UserID: 100, Role: casefile.RolePlaintiff, Type: casefile.EvidenceImage, Content: "third", AttachmentRef: "a.png"},
	} {
		if _, err := store.AppendEvidence(ctx, item); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := store.ListEvidence(ctx, c.ID, EvidenceFilter{})
	if err != nil {
		t.Fatalf("list evidence: %v", err)
	}
	if len(all) != 3 || all[0].Content != "first" || all[2].Content != "third" {
		t.Fatalf("evidence out of order: %+v", all)
	}

	plaintiffOnly, _ := store.ListEvidence(ctx, c.ID, EvidenceFilter{Role: casefile.RolePlaintiff})
	if len(plaintiffOnly) != 2 {
		t.Fatalf("role filter returned %d items", len(plaintiffOnly))
	}
	images, _ := store.ListEvidence(ctx, c.ID, EvidenceFilter{Type: casefile.EvidenceImage})
	if len(images) != 1 || images[0].AttachmentRef != "a.png" {
		t.Fatalf("type filter returned %+v", images)
	}
}

func TestCountEvidenceByRoleRoundAndType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, _ := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	for i, item := range []casefile.EvidenceItem{
		{CaseID: c.ID, UserID: 100, Role: casefile.RolePlaintiff, Type: casefile.EvidenceAIAnswer, Content: "a1", Round: 1},
		{CaseID: c.ID, UserID: 100, Role: casefile.RolePlaintiff, Type: casefile.EvidenceAIAnswer, Content: "a2", Round: 1},
		{CaseID: c.ID, UserID: 100, Role: casefile.RolePlaintiff, Type: casefile.EvidenceAIAnswer, Content: "a3", Round: 2},
		{CaseID: c.ID, UserID: 200, Role: casefile.RoleDefendant, Type: casefile.EvidenceAIAnswer, Content: "a4", Round: 1},
		{CaseID: c.ID, UserID: 100, Role: casefile.RolePlaintiff, Type: casefile.EvidenceText, Content: "argument"},
	} {
		if _, err := store.AppendEvidence(ctx, item); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	n, err := store.CountEvidence(ctx, c.ID, casefile.RolePlaintiff, 1, casefile.EvidenceAIAnswer)
	if err != nil {
		t.Fatalf("count evidence: %v", err)
	}
	if n != 2 {
		t.Fatalf("plaintiff round 1 answers = %d, want 2", n)
	}
	if n, _ := store.CountEvidence(ctx, c.ID, casefile.RoleDefendant, 1, casefile.EvidenceAIAnswer); n != 1 {
		t.Fatalf("defendant round 1 answers = %d, want 1", n)
	}
	if n, _ := store.CountEvidence(ctx, c.ID, casefile.RolePlaintiff, 3, casefile.EvidenceAIAnswer); n != 0 {
		t.Fatalf("empty slot = %d, want 0", n)
	}
}

func TestQuestionsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, _ := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	added, err := store.AddQuestions(ctx, c.ID, casefile.RolePlaintiff, 1, []string{"when", "where", "how much"})
	if err != nil {
		t.Fatalf("add questions: %v", err)
	}
	if len(added) != 3 || added[1].Position != 1 {
		t.Fatalf("unexpected added questions: %+v", added)
	}

	got, err := store.ListQuestions(ctx, c.ID, casefile.RolePlaintiff, 1)
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	if len(got) != 3 || got[0].Text != "when" || got[2].Text != "how much" {
		t.Fatalf("questions out of order: %+v", got)
	}

	other, _ := store.ListQuestions(ctx, c.ID, casefile.RoleDefendant, 1)
	if len(other) != 0 {
		t.Fatalf("expected no defendant questions, got %d", len(other))
	}
}

func TestUpsertVerdictIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, _ := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	if err := store.UpsertVerdict(ctx, c.ID, `{"winner":"plaintiff"}`, []byte("doc1")); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertVerdict(ctx, c.ID, `{"winner":"defendant"}`, []byte("doc2")); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	v, err := store.VerdictByCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("verdict by case: %v", err)
	}
	if v.DecisionJSON != `{"winner":"defendant"}` || string(v.Document) != "doc2" {
		t.Fatalf("verdict not replaced: %+v", v)
	}
}

func TestPurgeCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, _ := store.CreateCase(ctx, 100, "alice", casefile.ModePrivate)
	store.AppendEvidence(ctx, casefile.EvidenceItem{CaseID: c.ID, UserID: 100, Role: casefile.RolePlaintiff, Type: casefile.EvidenceText, Content: "x"})
	store.AddQuestions(ctx, c.ID, casefile.RolePlaintiff, 1, []string{"q"})
	store.UpsertVerdict(ctx, c.ID, `{}`, nil)

	n, err := store.PurgeCasesOlderThan(ctx, 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d cases, want 1", n)
	}
	if _, err := store.CaseByNumber(ctx, c.CaseNumber); !errors.Is(err, ErrNotFound) {
		t.Fatalf("case survived purge: %v", err)
	}
	if ev, _ := store.ListEvidence(ctx, c.ID, EvidenceFilter{}); len(ev) != 0 {
		t.Fatalf("evidence survived purge: %+v", ev)
	}
	if qs, _ := store.ListQuestions(ctx, c.ID, casefile.RolePlaintiff, 1); len(qs) != 0 {
		t.Fatalf("questions survived purge: %+v", qs)
	}
	if _, err := store.VerdictByCase(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("verdict survived purge: %v", err)
	}
}
