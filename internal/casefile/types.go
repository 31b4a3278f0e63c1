package casefile

import "time"

// Stage is the current step in a case's fixed lifecycle sequence.
// Transitions are owned exclusively by the arbiter state machine.
type Stage string

const (
	StageIntakeTopic        Stage = "intake_topic"
	StageIntakeCategory     Stage = "intake_category"
	StageIntakeClaimReason  Stage = "intake_claim_reason"
	StageIntakeClaimAmount  Stage = "intake_claim_amount"
	StageAwaitingDefendant  Stage = "awaiting_defendant"
	StagePlaintiffArguments Stage = "plaintiff_arguments"
	StageDefendantArguments Stage = "defendant_arguments"
	StageQuestionsPlaintiff Stage = "ai_questions_plaintiff"
	StageQuestionsDefendant Stage = "ai_questions_defendant"
	StageFinalDecision      Stage = "final_decision"
	StageFinished           Stage = "finished"
)

// Status is the orthogonal lifecycle flag layered on top of Stage. A paused
// case keeps its stage untouched so resume restores it verbatim.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
)

type Role string

const (
	RolePlaintiff Role = "plaintiff"
	RoleDefendant Role = "defendant"
	RoleWitness   Role = "witness"
)

type EvidenceType string

const (
	EvidenceText           EvidenceType = "text"
	EvidenceImage          EvidenceType = "image"
	EvidenceDocument       EvidenceType = "document"
	EvidenceAudio          EvidenceType = "audio"
	EvidenceVideo          EvidenceType = "video"
	EvidenceChatTranscript EvidenceType = "chat_transcript"
	EvidenceAIAnswer       EvidenceType = "ai_answer"
)

// Mode distinguishes a case conducted over private conversations only from
// one linked to a provisioned shared channel.
type Mode string

const (
	ModePrivate Mode = "private"
	ModeChannel Mode = "channel"
)

// Categories is the dispute category menu offered during intake.
var Categories = []string{
	"Contract breach",
	"Plagiarism / intellectual property",
	"Debt/Loan",
	"Services and work quality",
	"Property division",
	"Purchase and sale",
	"Other dispute",
}

type Case struct {
	ID            int64     `db:"id" json:"id"`
	CaseNumber    string    `db:"case_number" json:"case_number"`
	Topic         string    `db:"topic" json:"topic"`
	Category      string    `db:"category" json:"category"`
	ClaimReason   string    `db:"claim_reason" json:"claim_reason"`
	ClaimAmount   *float64  `db:"claim_amount" json:"claim_amount,omitempty"`
	Mode          Mode      `db:"mode" json:"mode"`
	ChannelID     int64     `db:"channel_id" json:"channel_id,omitempty"`
	ChannelInvite string    `db:"channel_invite" json:"channel_invite,omitempty"`
	PlaintiffID   int64     `db:"plaintiff_id" json:"plaintiff_id"`
	DefendantID   *int64    `db:"defendant_id" json:"defendant_id,omitempty"`
	Status        Status    `db:"status" json:"status"`
	Stage         Stage     `db:"stage" json:"stage"`
	Round         int       `db:"round" json:"round"`
	QuestionIndex int       `db:"question_index" json:"question_index"`
	SkipCount     int       `db:"skip_count" json:"skip_count"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

type Participant struct {
	ID       int64     `db:"id" json:"id"`
	CaseID   int64     `db:"case_id" json:"case_id"`
	UserID   int64     `db:"user_id" json:"user_id"`
	Handle   string    `db:"handle" json:"handle"`
	Role     Role      `db:"role" json:"role"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}

// EvidenceItem is one atomic submission. Round 0 marks pre-question argument
// submissions; rounds 1..N carry answers to generated questions.
type EvidenceItem struct {
	ID            int64        `db:"id" json:"id"`
	CaseID        int64        `db:"case_id" json:"case_id"`
	UserID        int64        `db:"user_id" json:"user_id"`
	Role          Role         `db:"role" json:"role"`
	Type          EvidenceType `db:"type" json:"type"`
	Content       string       `db:"content" json:"content"`
	AttachmentRef string       `db:"attachment_ref" json:"attachment_ref,omitempty"`
	Round         int          `db:"round" json:"round"`
	QuestionID    *int64       `db:"question_id" json:"question_id,omitempty"`
	SubmittedAt   time.Time    `db:"submitted_at" json:"submitted_at"`
}

type Question struct {
	ID         int64     `db:"id" json:"id"`
	CaseID     int64     `db:"case_id" json:"case_id"`
	TargetRole Role      `db:"target_role" json:"target_role"`
	Round      int       `db:"round" json:"round"`
	Position   int       `db:"position" json:"position"`
	Text       string    `db:"text" json:"text"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

type Award struct {
	Granted bool    `json:"granted"`
	Amount  float64 `json:"amount"`
	Costs   float64 `json:"costs"`
}

// Decision is the structured ruling produced by the reasoning gateway.
type Decision struct {
	EstablishedFacts []string `json:"established_facts"`
	Violations       []string `json:"violations"`
	DecisionText     string   `json:"decision_text"`
	Award            Award    `json:"award"`
	Winner           Role     `json:"winner"`
	Reasoning        string   `json:"reasoning"`
	Fallback         bool     `json:"fallback,omitempty"`
}

// DeriveWinner fills Winner from the award when the gateway omitted it.
func (d *Decision) DeriveWinner() {
	if d.Winner == RolePlaintiff || d.Winner == RoleDefendant || d.Winner == "draw" {
		return
	}
	if d.Award.Granted {
		d.Winner = RolePlaintiff
		return
	}
	d.Winner = RoleDefendant
}

// FallbackDecision is substituted when verdict generation fails so a case can
// still close instead of sticking in final_decision.
func FallbackDecision() Decision {
	return Decision{
		EstablishedFacts: []string{},
		Violations:       []string{},
		DecisionText:     "The judge could not complete analysis; a fallback ruling was issued.",
		Award:            Award{Granted: false},
		Winner:           RoleDefendant,
		Reasoning:        "",
		Fallback:         true,
	}
}

// Verdict is the persisted one-to-one ruling record for a case.
type Verdict struct {
	ID           int64     `db:"id" json:"id"`
	CaseID       int64     `db:"case_id" json:"case_id"`
	DecisionJSON string    `db:"decision_json" json:"-"`
	Document     []byte    `db:"document" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// QuestionRole maps a question stage to the role whose answers it solicits.
func QuestionRole(stage Stage) (Role, bool) {
	switch stage {
	case StageQuestionsPlaintiff:
		return RolePlaintiff, true
	case StageQuestionsDefendant:
		return RoleDefendant, true
	default:
		return "", false
	}
}

// TurnRole reports which role's input the given stage accepts.
func TurnRole(stage Stage) (Role, bool) {
	switch stage {
	case StageIntakeTopic, StageIntakeCategory, StageIntakeClaimReason,
		StageIntakeClaimAmount, StageAwaitingDefendant, StagePlaintiffArguments,
		StageQuestionsPlaintiff:
		return RolePlaintiff, true
	case StageDefendantArguments, StageQuestionsDefendant:
		return RoleDefendant, true
	default:
		return "", false
	}
}
