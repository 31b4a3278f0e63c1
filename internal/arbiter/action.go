package arbiter

import "github.com/nsljw/Judge-final/internal/casefile"

// ActionKind enumerates every inbound participant action the transport can
// deliver. Anything else is a transport concern and never reaches the machine.
type ActionKind string

const (
	ActionStartCase        ActionKind = "start_case"
	ActionSubmitText       ActionKind = "submit_text"
	ActionSubmitAttachment ActionKind = "submit_attachment"
	ActionFinishStage      ActionKind = "finish_stage"
	ActionAnswerQuestion   ActionKind = "answer_question"
	ActionSkipQuestion     ActionKind = "skip_question"
	ActionAcceptDefendant  ActionKind = "accept_defendant"
	ActionRejectDefendant  ActionKind = "reject_defendant"
	ActionJoinedChannel    ActionKind = "joined_channel"
	ActionPause            ActionKind = "pause"
	ActionResume           ActionKind = "resume"
)

// Actor identifies the participant behind an action.
type Actor struct {
	ID     int64
	Handle string
}

// Attachment references transport-held evidence content.
type Attachment struct {
	Type    casefile.EvidenceType
	Ref     string
	Caption string
}

// Action is one inbound participant action, already stripped of transport
// details. CaseNumber or ChannelID routes it; when both are empty the actor's
// newest open case is used.
type Action struct {
	Kind       ActionKind
	CaseNumber string
	ChannelID  int64
	Actor      Actor
	Text       string
	Attachment *Attachment
	Mode       casefile.Mode
}
