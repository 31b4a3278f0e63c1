// Package reasoning adapts the external LLM into the two operations the
// state machine needs: clarifying-question generation and verdict generation.
// Inputs are fully self-contained case bundles; there is no back-channel state.
package reasoning

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nsljw/Judge-final/internal/casefile"
)

// MaxQuestionsPerRound bounds one generation batch. Tunable, not architectural.
const MaxQuestionsPerRound = 3

// UnavailableError marks a gateway call that failed in transport or returned
// unusable output. Callers fail open (questions) or substitute the fallback
// verdict (decisions); the error never propagates to a participant.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("reasoning unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

type Gateway interface {
	ClarifyingQuestions(ctx context.Context, bundle casefile.Bundle) ([]string, error)
	Verdict(ctx context.Context, bundle casefile.Bundle) (casefile.Decision, error)
}

type AnthropicGateway struct {
	exec   *Executor
	tracer trace.Tracer
}

func NewAnthropicGateway(exec *Executor) *AnthropicGateway {
	return &AnthropicGateway{exec: exec, tracer: otel.Tracer("reasoning")}
}

type questionsResponse struct {
	Questions []string `json:"questions"`
}

type verdictResponse struct {
	EstablishedFacts []string `json:"established_facts"`
	Violations       []string `json:"violations"`
	Decision         string   `json:"decision"`
	Award            struct {
		Granted bool    `json:"granted"`
		Amount  float64 `json:"amount"`
		Costs   float64 `json:"costs"`
	} `json:"award"`
	Winner    string `json:"winner"`
	Reasoning string `json:"reasoning"`
}

func (g *AnthropicGateway) ClarifyingQuestions(ctx context.Context, bundle casefile.Bundle) ([]string, error) {
	ctx, span := g.tracer.Start(ctx, "reasoning.clarifying_questions", trace.WithAttributes(
		attribute.String("case.number", bundle.Case.CaseNumber),
		attribute.String("case.target_role", string(bundle.TargetRole)),
		attribute.Int("case.round", bundle.Round),
	))
	defer span.End()

	prompt := questionsPrompt(bundle)
	var resp questionsResponse
	err := g.exec.Run(ctx, "clarifying_questions", prompt, bundleImages(bundle), &resp, func() error {
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, &UnavailableError{Op: "clarifying_questions", Err: err}
	}
	questions := make([]string, 0, MaxQuestionsPerRound)
	for _, q := range resp.Questions {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		questions = append(questions, q)
		if len(questions) == MaxQuestionsPerRound {
			break
		}
	}
	span.SetAttributes(attribute.Int("reasoning.question_count", len(questions)))
	return questions, nil
}

func (g *AnthropicGateway) Verdict(ctx context.Context, bundle casefile.Bundle) (casefile.Decision, error) {
	ctx, span := g.tracer.Start(ctx, "reasoning.verdict", trace.WithAttributes(
		attribute.String("case.number", bundle.Case.CaseNumber),
	))
	defer span.End()

	prompt := verdictPrompt(bundle)
	var resp verdictResponse
	err := g.exec.Run(ctx, "verdict", prompt, bundleImages(bundle), &resp, func() error {
		if strings.TrimSpace(resp.Decision) == "" {
			return fmt.Errorf("decision text is empty")
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return casefile.Decision{}, &UnavailableError{Op: "verdict", Err: err}
	}

	decision := casefile.Decision{
		EstablishedFacts: resp.EstablishedFacts,
		Violations:       resp.Violations,
		DecisionText:     resp.Decision,
		Award: casefile.Award{
			Granted: resp.Award.Granted,
			Amount:  resp.Award.Amount,
			Costs:   resp.Award.Costs,
		},
		Winner:    casefile.Role(strings.ToLower(strings.TrimSpace(resp.Winner))),
		Reasoning: resp.Reasoning,
	}
	decision.DeriveWinner()
	span.SetAttributes(attribute.String("reasoning.winner", string(decision.Winner)))
	return decision, nil
}

func questionsPrompt(bundle casefile.Bundle) string {
	role := roleNoun(bundle.TargetRole)
	var sb strings.Builder
	fmt.Fprintf(&sb, `Analyze the %s's arguments and evidence and decide whether clarifying
questions are needed to fully understand their position.

Rules:
- This is round %d of at most 3.
- Ask at most %d questions.
- If the existing record is sufficient to rule, return an empty array.
- Prefer concrete, falsifiable questions: exact dates, amounts, places,
  counterparties, supporting documents, witnesses.
- Probe weak points and contradictions in the %s's position.
- Avoid open-ended or philosophical questions.

`, role, bundle.Round, MaxQuestionsPerRound, role)
	writeCaseHeader(&sb, bundle)
	sb.WriteString("\nEvidence and arguments:\n")
	sb.WriteString(bundle.Text())
	sb.WriteString(`Return JSON: {"questions": ["...", "..."]} or {"questions": []}.`)
	return sb.String()
}

func verdictPrompt(bundle casefile.Bundle) string {
	var sb strings.Builder
	sb.WriteString(`Review the case and issue a complete ruling.

Rules:
- Weigh all submitted evidence, including images and document contents.
- Answers to judge questions (round > 0) carry particular weight.
- Chat transcripts are evidence: weigh message context and chronology.
`)
	if len(bundle.Sections) == 0 {
		sb.WriteString("- No evidence was submitted; rule on the parties' stated positions alone.\n")
	}
	sb.WriteString("\n")
	writeCaseHeader(&sb, bundle)
	sb.WriteString("\nEvidence and arguments:\n")
	sb.WriteString(bundle.Text())
	sb.WriteString(`Return JSON strictly in this shape:
{
  "established_facts": ["..."],
  "violations": ["..."],
  "decision": "final ruling text",
  "award": {"granted": true, "amount": 0, "costs": 0},
  "winner": "plaintiff" | "defendant" | "draw",
  "reasoning": "detailed justification"
}`)
	return sb.String()
}

func writeCaseHeader(sb *strings.Builder, bundle casefile.Bundle) {
	c := bundle.Case
	fmt.Fprintf(sb, "Case number: %s\n", c.CaseNumber)
	fmt.Fprintf(sb, "Dispute subject: %s\n", c.Topic)
	fmt.Fprintf(sb, "Category: %s\n", c.Category)
	if c.ClaimAmount != nil {
		fmt.Fprintf(sb, "Claim amount: %.2f\n", *c.ClaimAmount)
	} else {
		fmt.Fprintf(sb, "Claim amount: not specified\n")
	}
	if strings.TrimSpace(c.ClaimReason) != "" {
		fmt.Fprintf(sb, "Claim reason: %s\n", c.ClaimReason)
	}
	sb.WriteString("Participants: ")
	parts := make([]string, 0, len(bundle.Participants))
	for _, p := range bundle.Participants {
		parts = append(parts, fmt.Sprintf("%s @%s", roleNoun(p.Role), p.Handle))
	}
	sb.WriteString(strings.Join(parts, ", "))
	sb.WriteString("\n")
}

func bundleImages(bundle casefile.Bundle) []ImagePart {
	var images []ImagePart
	for _, sec := range bundle.Sections {
		if len(sec.ImageBytes) == 0 {
			continue
		}
		images = append(images, ImagePart{MediaType: sec.MediaType, Data: sec.ImageBytes})
	}
	return images
}

func roleNoun(r casefile.Role) string {
	switch r {
	case casefile.RolePlaintiff:
		return "plaintiff"
	case casefile.RoleDefendant:
		return "defendant"
	case casefile.RoleWitness:
		return "witness"
	default:
		return string(r)
	}
}
