package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nsljw/Judge-final/internal/casefile"
	"github.com/nsljw/Judge-final/internal/casestore"
	"github.com/nsljw/Judge-final/internal/reasoning"
)

// finishedCase drives a case all the way to adjudication with no questions.
func (f *fixture) finishedCase(t *testing.T) casefile.Case {
	t.Helper()
	return f.closeArguments(t, f.joinDefendant(t, f.startCase(t)))
}

func TestAdjudicationPersistsVerdictAndClosesCase(t *testing.T) {
	gw := &fakeGateway{
		decision: casefile.Decision{
			EstablishedFacts: []string{"payment was made", "goods never shipped"},
			Violations:       []string{"breach of sale contract"},
			DecisionText:     "The claim is granted.",
			Award:            casefile.Award{Granted: true, Amount: 1500.50},
			Winner:           casefile.RolePlaintiff,
			Reasoning:        "delivery obligation unmet",
		},
	}
	f := newFixture(t, gw, Config{})
	c := f.finishedCase(t)

	if c.Stage != casefile.StageFinished || c.Status != casefile.StatusFinished {
		t.Fatalf("case not closed: %s/%s", c.Stage, c.Status)
	}

	v, err := f.store.VerdictByCase(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("verdict by case: %v", err)
	}
	if string(v.Document) != "pdf" {
		t.Fatalf("document = %q, want rendered bytes", v.Document)
	}
	var decision casefile.Decision
	if err := json.Unmarshal([]byte(v.DecisionJSON), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Winner != casefile.RolePlaintiff || decision.Award.Amount != 1500.50 {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	// Both parties are told the outcome.
	var plaintiffTold, defendantTold bool
	for _, p := range f.notifier.prompts {
		if !strings.Contains(p.message, "Ruling issued") {
			continue
		}
		if p.userID == plaintiffID {
			plaintiffTold = true
		}
		if p.userID == defendantID {
			defendantTold = true
		}
	}
	if !plaintiffTold || !defendantTold {
		t.Fatalf("ruling not announced to both parties (plaintiff=%v defendant=%v)", plaintiffTold, defendantTold)
	}
}

func TestVerdictFailureIssuesFallbackRuling(t *testing.T) {
	gw := &fakeGateway{
		vErr: &reasoning.UnavailableError{Op: "verdict", Err: errors.New("api down")},
	}
	f := newFixture(t, gw, Config{})
	c := f.finishedCase(t)

	if c.Stage != casefile.StageFinished {
		t.Fatalf("case must close on fallback, got %s", c.Stage)
	}

	v, err := f.store.VerdictByCase(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("verdict by case: %v", err)
	}
	var decision casefile.Decision
	if err := json.Unmarshal([]byte(v.DecisionJSON), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if !decision.Fallback || decision.Winner != casefile.RoleDefendant || decision.Award.Granted {
		t.Fatalf("unexpected fallback decision: %+v", decision)
	}
}

func TestRenderFailureStillClosesCase(t *testing.T) {
	gw := &fakeGateway{decision: casefile.Decision{DecisionText: "x", Winner: casefile.RoleDefendant}}
	f := newFixture(t, gw, Config{})
	f.machine.renderer = &fakeRenderer{err: errors.New("chromium missing")}
	c := f.finishedCase(t)

	if c.Stage != casefile.StageFinished {
		t.Fatalf("case must close without a document, got %s", c.Stage)
	}
	v, err := f.store.VerdictByCase(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("verdict by case: %v", err)
	}
	if len(v.Document) != 0 {
		t.Fatalf("expected empty document, got %d bytes", len(v.Document))
	}
}

func TestRecoverFinalizesInterruptedCases(t *testing.T) {
	gw := &fakeGateway{decision: casefile.Decision{DecisionText: "recovered ruling", Winner: casefile.RolePlaintiff, Award: casefile.Award{Granted: true}}}
	f := newFixture(t, gw, Config{})
	ctx := context.Background()

	// Simulate a crash after entering final_decision but before the verdict
	// was stored.
	c, err := f.store.CreateCase(ctx, plaintiffID, "alice", casefile.ModePrivate)
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if err := f.store.SetDefendant(ctx, c.CaseNumber, defendantID, "bob"); err != nil {
		t.Fatalf("set defendant: %v", err)
	}
	if err := f.store.AdvanceStage(ctx, c.CaseNumber, casefile.StageIntakeTopic,
		casestore.Transition{Stage: casefile.StageFinalDecision, Status: casefile.StatusActive}); err != nil {
		t.Fatalf("force final_decision: %v", err)
	}

	if err := f.machine.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got := f.mustCase(t, c.CaseNumber)
	if got.Stage != casefile.StageFinished || got.Status != casefile.StatusFinished {
		t.Fatalf("interrupted case not finalized: %s/%s", got.Stage, got.Status)
	}
	if _, err := f.store.VerdictByCase(ctx, c.ID); err != nil {
		t.Fatalf("verdict missing after recovery: %v", err)
	}
	if gw.verdictCalls != 1 {
		t.Fatalf("verdict calls = %d, want 1", gw.verdictCalls)
	}
}

func TestFinishedCaseRejectsFurtherActions(t *testing.T) {
	gw := &fakeGateway{decision: casefile.Decision{DecisionText: "x", Winner: casefile.RoleDefendant}}
	f := newFixture(t, gw, Config{})
	c := f.finishedCase(t)

	err := f.machine.Handle(context.Background(), Action{
		Kind: ActionSubmitText, CaseNumber: c.CaseNumber, Actor: Actor{ID: plaintiffID}, Text: "one more thing",
	})
	var stale *StaleStageError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleStageError, got %v", err)
	}
}
