package arbiter

import (
	"context"
	"errors"
	"strings"

	"github.com/nsljw/Judge-final/internal/casefile"
	"github.com/nsljw/Judge-final/internal/casestore"
	"github.com/nsljw/Judge-final/internal/reasoning"
)

// enterQuestionRound loads or generates the current round's questions for the
// stage's target role and asks the first pending one. Question generation
// fails open: an unavailable gateway skips questioning instead of stalling
// the case.
func (m *Machine) enterQuestionRound(ctx context.Context, c casefile.Case) error {
	role, ok := casefile.QuestionRole(c.Stage)
	if !ok {
		return staleErr(c, "not a question stage")
	}

	questions, err := m.store.ListQuestions(ctx, c.ID, role, c.Round)
	if err != nil {
		return persistErr("list questions", err)
	}
	if len(questions) == 0 {
		texts, err := m.generateQuestions(ctx, c, role)
		switch {
		case unavailable(err):
			m.log.Warnw("question generation unavailable, skipping round",
				"case", c.CaseNumber, "role", role, "round", c.Round, "error", err)
			return m.advancePastQuestions(ctx, c)
		case err != nil:
			return err
		}
		if len(texts) == 0 {
			m.log.Infow("no clarifying questions needed", "case", c.CaseNumber, "role", role, "round", c.Round)
			return m.advancePastQuestions(ctx, c)
		}
		questions, err = m.store.AddQuestions(ctx, c.ID, role, c.Round, texts)
		if err != nil {
			return persistErr("store questions", err)
		}
	}

	c, err = m.reconcileCursor(ctx, c, role)
	if err != nil {
		return err
	}
	if c.QuestionIndex >= len(questions) {
		return m.completeRound(ctx, c)
	}
	m.promptQuestion(ctx, c, questions[c.QuestionIndex])
	return nil
}

// reconcileCursor fast-forwards the question cursor to the answers already on
// record for this round. A crash between the answer write and the cursor
// advance would otherwise re-ask an answered question.
func (m *Machine) reconcileCursor(ctx context.Context, c casefile.Case, role casefile.Role) (casefile.Case, error) {
	answered, err := m.store.CountEvidence(ctx, c.ID, role, c.Round, casefile.EvidenceAIAnswer)
	if err != nil {
		return c, persistErr("count answers", err)
	}
	if answered <= c.QuestionIndex {
		return c, nil
	}
	return m.advance(ctx, c, casestore.Transition{
		Stage: c.Stage, Status: casefile.StatusActive,
		Round: c.Round, QuestionIndex: answered, SkipCount: c.SkipCount,
	})
}

func (m *Machine) generateQuestions(ctx context.Context, c casefile.Case, role casefile.Role) ([]string, error) {
	bundle, err := m.loadBundle(ctx, c, role)
	if err != nil {
		return nil, err
	}
	return m.gateway.ClarifyingQuestions(ctx, bundle)
}

func (m *Machine) loadBundle(ctx context.Context, c casefile.Case, role casefile.Role) (casefile.Bundle, error) {
	participants, err := m.store.ListParticipants(ctx, c.ID)
	if err != nil {
		return casefile.Bundle{}, persistErr("list participants", err)
	}
	evidence, err := m.store.ListEvidence(ctx, c.ID, casestore.EvidenceFilter{})
	if err != nil {
		return casefile.Bundle{}, persistErr("list evidence", err)
	}
	bundle := casefile.BuildBundle(ctx, c, participants, evidence, m.fetcher)
	bundle.TargetRole = role
	bundle.Round = c.Round
	return bundle, nil
}

func (m *Machine) handleQuestionStage(ctx context.Context, c casefile.Case, act Action) error {
	role, _ := casefile.QuestionRole(c.Stage)
	actorRole, known := m.actorRole(c, act.Actor)
	if !known || actorRole != role {
		return m.reject(ctx, c, act, "it is the "+string(role)+"'s turn to answer")
	}

	switch act.Kind {
	case ActionAnswerQuestion, ActionSubmitText:
		return m.answerQuestion(ctx, c, act, role)
	case ActionSkipQuestion:
		return m.skipQuestion(ctx, c, role)
	default:
		return m.reject(ctx, c, act, "answer the pending question or skip it")
	}
}

func (m *Machine) answerQuestion(ctx context.Context, c casefile.Case, act Action, role casefile.Role) error {
	text := strings.TrimSpace(act.Text)
	if text == "" {
		m.prompt(ctx, act.Actor.ID, "Send a non-empty answer, or skip the question.", []string{"answer", "skip"})
		return nil
	}
	questions, err := m.store.ListQuestions(ctx, c.ID, role, c.Round)
	if err != nil {
		return persistErr("list questions", err)
	}
	if len(questions) == 0 {
		// Questions were never persisted for this round (interrupted entry);
		// regenerate and re-ask before accepting answers.
		if err := m.enterQuestionRound(ctx, c); err != nil {
			return err
		}
		return staleErr(c, "no pending question yet")
	}
	c, err = m.reconcileCursor(ctx, c, role)
	if err != nil {
		return err
	}
	if c.QuestionIndex >= len(questions) {
		return m.completeRound(ctx, c)
	}

	q := questions[c.QuestionIndex]
	if _, err := m.store.AppendEvidence(ctx, casefile.EvidenceItem{
		CaseID: c.ID, UserID: act.Actor.ID, Role: role,
		Type: casefile.EvidenceAIAnswer, Content: text,
		Round: c.Round, QuestionID: &q.ID,
	}); err != nil {
		return persistErr("record answer", err)
	}
	// An answer resets the consecutive-skip streak.
	return m.stepQuestion(ctx, c, questions, c.QuestionIndex+1, 0)
}

func (m *Machine) skipQuestion(ctx context.Context, c casefile.Case, role casefile.Role) error {
	questions, err := m.store.ListQuestions(ctx, c.ID, role, c.Round)
	if err != nil {
		return persistErr("list questions", err)
	}
	if len(questions) == 0 || c.QuestionIndex >= len(questions) {
		return m.completeRound(ctx, c)
	}

	skips := c.SkipCount + 1
	if skips >= m.cfg.MaxConsecutiveSkips {
		// Exhausting the skip allowance closes the round as if every remaining
		// question had been answered; the next round still runs.
		m.log.Infow("consecutive skip limit reached, closing round early",
			"case", c.CaseNumber, "role", role, "round", c.Round)
		return m.completeRound(ctx, c)
	}
	return m.stepQuestion(ctx, c, questions, c.QuestionIndex+1, skips)
}

// stepQuestion persists the advanced question cursor and either asks the next
// question or closes the round.
func (m *Machine) stepQuestion(ctx context.Context, c casefile.Case, questions []casefile.Question, nextIndex, skips int) error {
	if nextIndex >= len(questions) {
		return m.completeRound(ctx, c)
	}
	c, err := m.advance(ctx, c, casestore.Transition{
		Stage: c.Stage, Status: casefile.StatusActive,
		Round: c.Round, QuestionIndex: nextIndex, SkipCount: skips,
	})
	if err != nil {
		return err
	}
	m.promptQuestion(ctx, c, questions[nextIndex])
	return nil
}

// completeRound starts the next round for the same role, or hands over to the
// next phase once the round cap is reached.
func (m *Machine) completeRound(ctx context.Context, c casefile.Case) error {
	next := c.Round + 1
	if next > m.cfg.MaxRounds {
		return m.advancePastQuestions(ctx, c)
	}
	c, err := m.advance(ctx, c, casestore.Transition{
		Stage: c.Stage, Status: casefile.StatusActive, Round: next,
	})
	if err != nil {
		return err
	}
	return m.enterQuestionRound(ctx, c)
}

// advancePastQuestions leaves the current question stage entirely: the
// plaintiff stage hands over to the defendant's questioning, the defendant
// stage moves to final decision.
func (m *Machine) advancePastQuestions(ctx context.Context, c casefile.Case) error {
	if c.Stage == casefile.StageQuestionsPlaintiff {
		c, err := m.advance(ctx, c, casestore.Transition{
			Stage: casefile.StageQuestionsDefendant, Status: casefile.StatusActive, Round: 1,
		})
		if err != nil {
			return err
		}
		if c.DefendantID != nil {
			m.prompt(ctx, *c.DefendantID, "The judge now has questions for you.", nil)
		}
		return m.enterQuestionRound(ctx, c)
	}
	return m.enterFinalDecision(ctx, c)
}

// unavailable reports whether the error is a gateway availability failure as
// opposed to a persistence one.
func unavailable(err error) bool {
	var ue *reasoning.UnavailableError
	return errors.As(err, &ue)
}
