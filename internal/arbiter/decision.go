package arbiter

import (
	"context"
	"encoding/json"

	"github.com/nsljw/Judge-final/internal/casefile"
	"github.com/nsljw/Judge-final/internal/casestore"
)

// enterFinalDecision persists the stage first so a crash mid-adjudication
// leaves the case in final_decision, where Recover re-enters it.
func (m *Machine) enterFinalDecision(ctx context.Context, c casefile.Case) error {
	c, err := m.advance(ctx, c, casestore.Transition{Stage: casefile.StageFinalDecision, Status: casefile.StatusActive})
	if err != nil {
		return err
	}
	msg, _ := stagePrompt(c)
	m.prompt(ctx, c.PlaintiffID, msg, nil)
	if c.DefendantID != nil {
		m.prompt(ctx, *c.DefendantID, msg, nil)
	}
	return m.finalize(ctx, c)
}

// finalize generates the ruling, renders the document, persists the verdict,
// and closes the case. Verdict generation failure substitutes the fallback
// decision so the case still closes; rendering failure is non-fatal and leaves
// the document empty. Only persistence failures abort, keeping the case in
// final_decision for a later retry.
func (m *Machine) finalize(ctx context.Context, c casefile.Case) error {
	bundle, err := m.loadBundle(ctx, c, "")
	if err != nil {
		return err
	}

	decision, err := m.gateway.Verdict(ctx, bundle)
	if err != nil {
		m.log.Errorw("verdict generation failed, issuing fallback ruling", "case", c.CaseNumber, "error", err)
		decision = casefile.FallbackDecision()
	}

	document, err := m.renderer.Render(ctx, c, decision, bundle.Participants, bundle.Evidence)
	if err != nil {
		m.log.Warnw("ruling document rendering failed", "case", c.CaseNumber, "error", err)
		document = nil
	}

	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return persistErr("encode decision", err)
	}
	if err := m.store.UpsertVerdict(ctx, c.ID, string(decisionJSON), document); err != nil {
		return persistErr("store verdict", err)
	}

	c, err = m.advance(ctx, c, casestore.Transition{Stage: casefile.StageFinished, Status: casefile.StatusFinished})
	if err != nil {
		return err
	}
	m.log.Infow("case closed", "case", c.CaseNumber, "winner", decision.Winner, "fallback", decision.Fallback)

	summary := verdictSummary(c, decision)
	m.prompt(ctx, c.PlaintiffID, summary, nil)
	if c.DefendantID != nil {
		m.prompt(ctx, *c.DefendantID, summary, nil)
	}
	m.broadcast(ctx, c, summary)
	return nil
}

// Recover re-enters adjudication for cases interrupted mid-decision, typically
// after a process restart. Errors are logged per case so one stuck case does
// not block the rest.
func (m *Machine) Recover(ctx context.Context) error {
	cases, err := m.store.CasesInStage(ctx, casefile.StageFinalDecision)
	if err != nil {
		return persistErr("list interrupted cases", err)
	}
	for _, c := range cases {
		m.log.Infow("resuming interrupted adjudication", "case", c.CaseNumber)
		if err := m.finalize(ctx, c); err != nil {
			m.log.Errorw("interrupted adjudication failed again", "case", c.CaseNumber, "error", err)
		}
	}
	return nil
}
