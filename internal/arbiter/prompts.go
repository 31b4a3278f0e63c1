package arbiter

import (
	"context"
	"fmt"
	"strings"

	"github.com/nsljw/Judge-final/internal/casefile"
)

// stagePrompt returns the instruction message and quick actions appropriate to
// the case's current stage. Sent on entry to a stage and re-sent whenever an
// out-of-turn action is rejected or the case resumes.
func stagePrompt(c casefile.Case) (string, []string) {
	switch c.Stage {
	case casefile.StageIntakeTopic:
		return fmt.Sprintf("Case %s opened. Enter the dispute topic:", c.CaseNumber), nil
	case casefile.StageIntakeCategory:
		return "Pick the dispute category:", casefile.Categories
	case casefile.StageIntakeClaimReason:
		return "Describe the reason for your claim:", nil
	case casefile.StageIntakeClaimAmount:
		return "Enter the claim amount (0 for a non-monetary dispute):", nil
	case casefile.StageAwaitingDefendant:
		return fmt.Sprintf("Case %s is registered. Share the case number with the defendant; the hearing starts once they accept.", c.CaseNumber),
			[]string{"pause"}
	case casefile.StagePlaintiffArguments:
		return "Present your arguments. Send text or attach evidence (images, documents, chat transcripts), then finish your turn.",
			[]string{"finish", "pause"}
	case casefile.StageDefendantArguments:
		return "The plaintiff's arguments are closed. Present yours: send text or attach evidence, then finish your turn.",
			[]string{"finish"}
	case casefile.StageQuestionsPlaintiff, casefile.StageQuestionsDefendant:
		return "The judge is asking clarifying questions. Answer the pending question or skip it.",
			[]string{"answer", "skip"}
	case casefile.StageFinalDecision:
		return "All submissions are in. The judge is deliberating; the ruling will be delivered shortly.", nil
	case casefile.StageFinished:
		return fmt.Sprintf("Case %s is closed. The ruling document is available for download.", c.CaseNumber), nil
	default:
		return "Awaiting the next step.", nil
	}
}

func (m *Machine) promptQuestion(ctx context.Context, c casefile.Case, q casefile.Question) {
	target, ok := m.turnParticipant(c)
	if !ok {
		return
	}
	msg := fmt.Sprintf("Round %d, question %d: %s", q.Round, q.Position+1, q.Text)
	m.prompt(ctx, target, msg, []string{"answer", "skip"})
}

func verdictSummary(c casefile.Case, d casefile.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ruling issued for case %s.\n", c.CaseNumber)
	if d.Fallback {
		b.WriteString("The judge could not complete full analysis; a fallback ruling closed the case.\n")
	}
	fmt.Fprintf(&b, "Prevailing party: %s.\n", d.Winner)
	if d.Award.Granted && d.Award.Amount > 0 {
		fmt.Fprintf(&b, "Awarded: %.2f (costs: %.2f).\n", d.Award.Amount, d.Award.Costs)
	}
	if d.DecisionText != "" {
		b.WriteString(d.DecisionText)
	}
	return strings.TrimRight(b.String(), "\n")
}
