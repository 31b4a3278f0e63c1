// Package verdictpdf turns a structured decision into the downloadable ruling
// document: deterministic markdown assembly first, then headless-Chromium PDF
// rendering. The markdown layer never calls the model; two renders of the same
// decision produce the same text.
package verdictpdf

import (
	"fmt"
	"strings"
	"time"

	"github.com/nsljw/Judge-final/internal/casefile"
)

// BuildMarkdown assembles the ruling text from persisted fields only.
func BuildMarkdown(c casefile.Case, d casefile.Decision, participants []casefile.Participant, evidence []casefile.EvidenceItem, issued time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Ruling in case %s\n\n", c.CaseNumber)
	fmt.Fprintf(&b, "Issued: %s\n\n", issued.UTC().Format("January 2, 2006"))
	if d.Fallback {
		b.WriteString("> Automated analysis could not be completed for this case; this ruling was issued under the fallback procedure.\n\n")
	}

	b.WriteString("## Case\n\n")
	fmt.Fprintf(&b, "- Subject: %s\n", orNotSpecified(c.Topic))
	fmt.Fprintf(&b, "- Category: %s\n", orNotSpecified(c.Category))
	fmt.Fprintf(&b, "- Claim reason: %s\n", orNotSpecified(c.ClaimReason))
	fmt.Fprintf(&b, "- Claim amount: %s\n\n", claimAmountText(c.ClaimAmount))

	b.WriteString("## Parties\n\n")
	b.WriteString("| Role | Participant |\n|---|---|\n")
	for _, p := range participants {
		handle := p.Handle
		if handle == "" {
			handle = fmt.Sprintf("user %d", p.UserID)
		}
		fmt.Fprintf(&b, "| %s | @%s |\n", titleRole(p.Role), handle)
	}
	b.WriteString("\n")

	b.WriteString("## Established facts\n\n")
	writeNumbered(&b, d.EstablishedFacts, "none established")

	b.WriteString("## Violations found\n\n")
	writeNumbered(&b, d.Violations, "none found")

	b.WriteString("## Decision\n\n")
	b.WriteString(orNotSpecified(d.DecisionText))
	b.WriteString("\n\n")

	b.WriteString("## Award\n\n")
	b.WriteString(awardText(c.ClaimAmount, d.Award))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "**Prevailing party: %s.**\n\n", titleRole(d.Winner))

	if strings.TrimSpace(d.Reasoning) != "" {
		b.WriteString("## Reasoning\n\n")
		b.WriteString(d.Reasoning)
		b.WriteString("\n\n")
	}

	b.WriteString("## Record\n\n")
	fmt.Fprintf(&b, "%s\n\n", recordSummary(evidence))

	b.WriteString("---\n\n")
	b.WriteString("*Issued automatically by the arbitration service. This ruling is advisory and carries no legal force.*\n")
	return b.String()
}

func writeNumbered(b *strings.Builder, items []string, empty string) {
	wrote := false
	n := 0
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		n++
		fmt.Fprintf(b, "%d. %s\n", n, item)
		wrote = true
	}
	if !wrote {
		fmt.Fprintf(b, "_%s_\n", empty)
	}
	b.WriteString("\n")
}

// awardText spells out full versus partial satisfaction relative to the
// original claim.
func awardText(claim *float64, a casefile.Award) string {
	if !a.Granted {
		return "The claim is denied. No monetary award is granted."
	}
	var b strings.Builder
	switch {
	case a.Amount <= 0:
		b.WriteString("The claim is granted without a monetary award.")
	case claim != nil && *claim > 0 && a.Amount >= *claim:
		fmt.Fprintf(&b, "The claim is granted in full: %.2f awarded to the plaintiff.", a.Amount)
	case claim != nil && *claim > 0:
		fmt.Fprintf(&b, "The claim is granted in part: %.2f of the %.2f claimed is awarded to the plaintiff.", a.Amount, *claim)
	default:
		fmt.Fprintf(&b, "The claim is granted: %.2f awarded to the plaintiff.", a.Amount)
	}
	if a.Costs > 0 {
		fmt.Fprintf(&b, " Costs of %.2f are assigned to the losing party.", a.Costs)
	}
	return b.String()
}

func recordSummary(evidence []casefile.EvidenceItem) string {
	if len(evidence) == 0 {
		return "No evidence was submitted."
	}
	counts := map[casefile.EvidenceType]int{}
	answers := 0
	for _, ev := range evidence {
		if ev.Type == casefile.EvidenceAIAnswer {
			answers++
			continue
		}
		counts[ev.Type]++
	}
	var parts []string
	for _, t := range []casefile.EvidenceType{
		casefile.EvidenceText, casefile.EvidenceImage, casefile.EvidenceDocument,
		casefile.EvidenceChatTranscript, casefile.EvidenceAudio, casefile.EvidenceVideo,
	} {
		if n := counts[t]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, evidenceNoun(t, n)))
		}
	}
	if answers > 0 {
		parts = append(parts, fmt.Sprintf("%d %s to judge questions", answers, plural(answers, "answer", "answers")))
	}
	return "The record comprises " + strings.Join(parts, ", ") + "."
}

func evidenceNoun(t casefile.EvidenceType, n int) string {
	switch t {
	case casefile.EvidenceText:
		return plural(n, "written argument", "written arguments")
	case casefile.EvidenceImage:
		return plural(n, "image", "images")
	case casefile.EvidenceDocument:
		return plural(n, "document", "documents")
	case casefile.EvidenceChatTranscript:
		return plural(n, "chat transcript", "chat transcripts")
	case casefile.EvidenceAudio:
		return plural(n, "audio recording", "audio recordings")
	case casefile.EvidenceVideo:
		return plural(n, "video recording", "video recordings")
	default:
		return string(t)
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func claimAmountText(amount *float64) string {
	if amount == nil || *amount <= 0 {
		return "not specified"
	}
	return fmt.Sprintf("%.2f", *amount)
}

func orNotSpecified(s string) string {
	if strings.TrimSpace(s) == "" {
		return "not specified"
	}
	return s
}

func titleRole(r casefile.Role) string {
	switch r {
	case casefile.RolePlaintiff:
		return "Plaintiff"
	case casefile.RoleDefendant:
		return "Defendant"
	case casefile.RoleWitness:
		return "Witness"
	case "draw":
		return "Draw"
	default:
		return string(r)
	}
}
