package arbiter

import (
	"context"
	"errors"
	"testing"

	"github.com/nsljw/Judge-final/internal/casefile"
	"github.com/nsljw/Judge-final/internal/casestore"
	"github.com/nsljw/Judge-final/internal/reasoning"
)

// closeArguments drives a joined case through both argument turns, which
// enters the question phase.
func (f *fixture) closeArguments(t *testing.T, c casefile.Case) casefile.Case {
	t.Helper()
	f.handle(t, Action{Kind: ActionSubmitText, CaseNumber: c.CaseNumber, Actor: Actor{ID: plaintiffID}, Text: "I paid, nothing arrived"})
	f.handle(t, Action{Kind: ActionFinishStage, CaseNumber: c.CaseNumber, Actor: Actor{ID: plaintiffID}})
	f.handle(t, Action{Kind: ActionSubmitText, CaseNumber: c.CaseNumber, Actor: Actor{ID: defendantID}, Text: "shipment was delayed, not lost"})
	f.handle(t, Action{Kind: ActionFinishStage, CaseNumber: c.CaseNumber, Actor: Actor{ID: defendantID}})
	return f.mustCase(t, c.CaseNumber)
}

func (f *fixture) answerAll(t *testing.T, c casefile.Case, actor Actor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.handle(t, Action{Kind: ActionAnswerQuestion, CaseNumber: c.CaseNumber, Actor: actor, Text: "answer"})
	}
}

func TestQuestionRoundsRunPerRoleThenAdjudicate(t *testing.T) {
	gw := &fakeGateway{
		questionBatches: [][]string{
			{"p1-q1", "p1-q2", "p1-q3"}, // plaintiff round 1
			{"p2-q1", "p2-q2", "p2-q3"}, // plaintiff round 2
			{"d1-q1", "d1-q2", "d1-q3"}, // defendant round 1
			{"d2-q1", "d2-q2", "d2-q3"}, // defendant round 2
		},
		decision: casefile.Decision{DecisionText: "granted", Award: casefile.Award{Granted: true, Amount: 1500.50}, Winner: casefile.RolePlaintiff},
	}
	f := newFixture(t, gw, Config{MaxRounds: 2})
	c := f.closeArguments(t, f.joinDefendant(t, f.startCase(t)))

	if c.Stage != casefile.StageQuestionsPlaintiff || c.Round != 1 {
		t.Fatalf("expected plaintiff questions round 1, got %s round %d", c.Stage, c.Round)
	}

	f.answerAll(t, c, Actor{ID: plaintiffID}, 6)
	got := f.mustCase(t, c.CaseNumber)
	if got.Stage != casefile.StageQuestionsDefendant || got.Round != 1 {
		t.Fatalf("expected defendant questions round 1, got %s round %d", got.Stage, got.Round)
	}

	f.answerAll(t, got, Actor{ID: defendantID}, 6)
	got = f.mustCase(t, c.CaseNumber)
	if got.Stage != casefile.StageFinished || got.Status != casefile.StatusFinished {
		t.Fatalf("expected finished case, got %s/%s", got.Stage, got.Status)
	}
	if gw.questionCalls != 4 {
		t.Fatalf("question generation calls = %d, want one per role per round", gw.questionCalls)
	}

	answers, _ := f.store.ListEvidence(context.Background(), c.ID, casestore.EvidenceFilter{Type: casefile.EvidenceAIAnswer})
	if len(answers) != 12 {
		t.Fatalf("recorded %d answers, want 12", len(answers))
	}
	for _, a := range answers {
		if a.QuestionID == nil || a.Round == 0 {
			t.Fatalf("answer missing question linkage: %+v", a)
		}
	}
}

func TestConsecutiveSkipsCompleteRoundOnly(t *testing.T) {
	gw := &fakeGateway{
		questionBatches: [][]string{
			{"r1-q1", "r1-q2", "r1-q3"},
			{"r2-q1", "r2-q2", "r2-q3"},
		},
		decision: casefile.Decision{DecisionText: "denied", Winner: casefile.RoleDefendant},
	}
	f := newFixture(t, gw, Config{})
	c := f.closeArguments(t, f.joinDefendant(t, f.startCase(t)))

	for i := 0; i < 3; i++ {
		f.handle(t, Action{Kind: ActionSkipQuestion, CaseNumber: c.CaseNumber, Actor: Actor{ID: plaintiffID}})
	}
	// Three consecutive skips close the round the same way answering every
	// question would: the plaintiff still faces the next round.
	got := f.mustCase(t, c.CaseNumber)
	if got.Stage != casefile.StageQuestionsPlaintiff || got.Round != 2 {
		t.Fatalf("expected plaintiff questions round 2, got %s round %d", got.Stage, got.Round)
	}
	if got.QuestionIndex != 0 || got.SkipCount != 0 {
		t.Fatalf("round counters not reset: index %d, skips %d", got.QuestionIndex, got.SkipCount)
	}

	// Skipping out of round 2 moves to round 3, which yields no questions, so
	// the remaining phases drain and the case closes.
	for i := 0; i < 3; i++ {
		f.handle(t, Action{Kind: ActionSkipQuestion, CaseNumber: c.CaseNumber, Actor: Actor{ID: plaintiffID}})
	}
	got = f.mustCase(t, c.CaseNumber)
	if got.Stage != casefile.StageFinished {
		t.Fatalf("expected finished case, got %s round %d", got.Stage, got.Round)
	}
}

func TestAnswerResetsSkipStreak(t *testing.T) {
	gw := &fakeGateway{
		questionBatches: [][]string{
			{"r1-q1", "r1-q2", "r1-q3"},
			{"r2-q1", "r2-q2", "r2-q3"},
		},
		decision: casefile.Decision{DecisionText: "x", Winner: casefile.RoleDefendant},
	}
	f := newFixture(t, gw, Config{})
	c := f.closeArguments(t, f.joinDefendant(t, f.startCase(t)))
	plaintiff := Actor{ID: plaintiffID}

	f.handle(t, Action{Kind: ActionSkipQuestion, CaseNumber: c.CaseNumber, Actor: plaintiff})
	f.handle(t, Action{Kind: ActionSkipQuestion, CaseNumber: c.CaseNumber, Actor: plaintiff})
	f.handle(t, Action{Kind: ActionAnswerQuestion, CaseNumber: c.CaseNumber, Actor: plaintiff, Text: "the last one answered"})

	got := f.mustCase(t, c.CaseNumber)
	if got.Stage != casefile.StageQuestionsPlaintiff || got.Round != 2 {
		t.Fatalf("expected plaintiff round 2, got %s round %d", got.Stage, got.Round)
	}
	if got.SkipCount != 0 {
		t.Fatalf("skip streak not reset: %d", got.SkipCount)
	}
}

func TestAnswerReconcilesInterruptedCursor(t *testing.T) {
	gw := &fakeGateway{
		questionBatches: [][]string{{"q1", "q2", "q3"}},
		decision:        casefile.Decision{DecisionText: "x", Winner: casefile.RoleDefendant},
	}
	f := newFixture(t, gw, Config{})
	c := f.closeArguments(t, f.joinDefendant(t, f.startCase(t)))
	ctx := context.Background()

	questions, err := f.store.ListQuestions(ctx, c.ID, casefile.RolePlaintiff, 1)
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	// An answer already on record while the cursor still points at its
	// question, as left behind by a crash between the two writes.
	if _, err := f.store.AppendEvidence(ctx, casefile.EvidenceItem{
		CaseID: c.ID, UserID: plaintiffID, Role: casefile.RolePlaintiff,
		Type: casefile.EvidenceAIAnswer, Content: "already answered",
		Round: 1, QuestionID: &questions[0].ID,
	}); err != nil {
		t.Fatalf("append evidence: %v", err)
	}

	f.handle(t, Action{Kind: ActionAnswerQuestion, CaseNumber: c.CaseNumber, Actor: Actor{ID: plaintiffID}, Text: "second answer"})

	got := f.mustCase(t, c.CaseNumber)
	if got.QuestionIndex != 2 {
		t.Fatalf("cursor = %d, want 2", got.QuestionIndex)
	}
	answers, _ := f.store.ListEvidence(ctx, c.ID, casestore.EvidenceFilter{Type: casefile.EvidenceAIAnswer})
	if len(answers) != 2 {
		t.Fatalf("recorded %d answers, want 2", len(answers))
	}
	if last := answers[len(answers)-1]; last.QuestionID == nil || *last.QuestionID != questions[1].ID {
		t.Fatalf("answer not matched to the second question: %+v", last)
	}
}

func TestQuestionGenerationFailsOpen(t *testing.T) {
	gw := &fakeGateway{
		qErr:     &reasoning.UnavailableError{Op: "clarifying_questions", Err: errors.New("api down")},
		decision: casefile.Decision{DecisionText: "ruled on the record", Winner: casefile.RoleDefendant},
	}
	f := newFixture(t, gw, Config{})
	c := f.closeArguments(t, f.joinDefendant(t, f.startCase(t)))

	got := f.mustCase(t, c.CaseNumber)
	if got.Stage != casefile.StageFinished {
		t.Fatalf("expected case to close despite generation failure, got %s", got.Stage)
	}
	if gw.questionCalls != 2 {
		t.Fatalf("question calls = %d, want one attempt per role", gw.questionCalls)
	}
	if gw.verdictCalls != 1 {
		t.Fatalf("verdict calls = %d, want 1", gw.verdictCalls)
	}
}

func TestEmptyQuestionBatchSkipsToNextPhase(t *testing.T) {
	gw := &fakeGateway{
		questionBatches: [][]string{{"one question"}, {}},
		decision:        casefile.Decision{DecisionText: "x", Winner: casefile.RoleDefendant},
	}
	f := newFixture(t, gw, Config{})
	c := f.closeArguments(t, f.joinDefendant(t, f.startCase(t)))

	if c.Stage != casefile.StageQuestionsPlaintiff {
		t.Fatalf("expected plaintiff questions, got %s", c.Stage)
	}
	f.handle(t, Action{Kind: ActionAnswerQuestion, CaseNumber: c.CaseNumber, Actor: Actor{ID: plaintiffID}, Text: "answered"})

	// Round 2 returns no questions, the defendant batch is exhausted, so the
	// case closes.
	got := f.mustCase(t, c.CaseNumber)
	if got.Stage != casefile.StageFinished {
		t.Fatalf("expected finished case, got %s round %d", got.Stage, got.Round)
	}
}

func TestQuestionStageRejectsOtherRole(t *testing.T) {
	gw := &fakeGateway{questionBatches: [][]string{{"q1", "q2", "q3"}}}
	f := newFixture(t, gw, Config{})
	c := f.closeArguments(t, f.joinDefendant(t, f.startCase(t)))

	err := f.machine.Handle(context.Background(), Action{
		Kind: ActionAnswerQuestion, CaseNumber: c.CaseNumber, Actor: Actor{ID: defendantID}, Text: "not my turn",
	})
	var stale *StaleStageError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleStageError, got %v", err)
	}
	got := f.mustCase(t, c.CaseNumber)
	if got.QuestionIndex != 0 {
		t.Fatalf("question cursor moved for wrong role: %d", got.QuestionIndex)
	}
}
