// Package arbiter implements the case state machine: stage transitions, turn
// enforcement, the round-limited question loop, pause/resume, and the
// final-decision orchestration. It is the sole writer of a case's stage and
// status.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nsljw/Judge-final/internal/casefile"
	"github.com/nsljw/Judge-final/internal/casestore"
	"github.com/nsljw/Judge-final/internal/notify"
	"github.com/nsljw/Judge-final/internal/reasoning"
)

// Config carries the tunable loop bounds. Zero values take the defaults.
type Config struct {
	MaxRounds           int
	MaxConsecutiveSkips int
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 3
	}
	if c.MaxConsecutiveSkips <= 0 {
		c.MaxConsecutiveSkips = 3
	}
	return c
}

// Renderer turns a structured decision into the downloadable ruling document.
type Renderer interface {
	Render(ctx context.Context, c casefile.Case, decision casefile.Decision,
		participants []casefile.Participant, evidence []casefile.EvidenceItem) ([]byte, error)
}

// StartLimiter bounds how many cases one user may open per day. Errors are
// treated as allowance (fail open): a broken limiter must not stop intake.
type StartLimiter interface {
	Allow(ctx context.Context, userID int64) (bool, error)
}

type Deps struct {
	Store    *casestore.Store
	Gateway  reasoning.Gateway
	Renderer Renderer
	Notifier notify.Notifier
	Fetcher  casefile.AttachmentFetcher
	Channels notify.ChannelProvisioner
	Limiter  StartLimiter
	Log      *zap.SugaredLogger
}

type Machine struct {
	store    *casestore.Store
	gateway  reasoning.Gateway
	renderer Renderer
	notifier notify.Notifier
	fetcher  casefile.AttachmentFetcher
	channels notify.ChannelProvisioner
	limiter  StartLimiter
	log      *zap.SugaredLogger
	cfg      Config
}

func New(deps Deps, cfg Config) *Machine {
	if deps.Channels == nil {
		deps.Channels = notify.NoChannel{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	return &Machine{
		store:    deps.Store,
		gateway:  deps.Gateway,
		renderer: deps.Renderer,
		notifier: deps.Notifier,
		fetcher:  deps.Fetcher,
		channels: deps.Channels,
		limiter:  deps.Limiter,
		log:      deps.Log,
		cfg:      cfg.withDefaults(),
	}
}

// Handle resolves one inbound action against the persisted stage, validates
// the acting participant's role, applies it, and drives the next transition.
func (m *Machine) Handle(ctx context.Context, act Action) error {
	if act.Kind == ActionStartCase {
		return m.startCase(ctx, act)
	}

	c, err := m.resolveCase(ctx, act)
	if err != nil {
		return err
	}

	// Pause/resume sit outside the stage dispatch: pause is the plaintiff's
	// privilege regardless of whose turn it is.
	switch act.Kind {
	case ActionPause:
		return m.pause(ctx, c, act)
	case ActionResume:
		return m.resume(ctx, c, act)
	}

	if c.Status == casefile.StatusPaused {
		return m.reject(ctx, c, act, "case is paused; only resume is accepted")
	}
	if c.Status == casefile.StatusFinished || c.Stage == casefile.StageFinished {
		return m.reject(ctx, c, act, "case is finished")
	}

	switch c.Stage {
	case casefile.StageIntakeTopic, casefile.StageIntakeCategory,
		casefile.StageIntakeClaimReason, casefile.StageIntakeClaimAmount:
		return m.handleIntake(ctx, c, act)
	case casefile.StageAwaitingDefendant:
		return m.handleAwaitingDefendant(ctx, c, act)
	case casefile.StagePlaintiffArguments:
		return m.handleArguments(ctx, c, act, casefile.RolePlaintiff)
	case casefile.StageDefendantArguments:
		return m.handleArguments(ctx, c, act, casefile.RoleDefendant)
	case casefile.StageQuestionsPlaintiff, casefile.StageQuestionsDefendant:
		return m.handleQuestionStage(ctx, c, act)
	case casefile.StageFinalDecision:
		return m.reject(ctx, c, act, "the ruling is being prepared")
	default:
		return m.reject(ctx, c, act, "unknown stage")
	}
}

func (m *Machine) startCase(ctx context.Context, act Action) error {
	if m.limiter != nil {
		allowed, err := m.limiter.Allow(ctx, act.Actor.ID)
		if err != nil {
			m.log.Warnw("start limiter unavailable, allowing", "user_id", act.Actor.ID, "error", err)
			allowed = true
		}
		if !allowed {
			m.prompt(ctx, act.Actor.ID, "You have reached the daily limit for opening new cases. Try again tomorrow.", nil)
			return &RateLimitedError{UserID: act.Actor.ID}
		}
	}
	mode := act.Mode
	if mode == "" {
		mode = casefile.ModePrivate
	}
	c, err := m.store.CreateCase(ctx, act.Actor.ID, act.Actor.Handle, mode)
	if err != nil {
		return persistErr("create case", err)
	}
	m.log.Infow("case opened", "case", c.CaseNumber, "plaintiff", act.Actor.ID, "mode", mode)
	msg, actions := stagePrompt(c)
	m.prompt(ctx, act.Actor.ID, msg, actions)
	return nil
}

func (m *Machine) resolveCase(ctx context.Context, act Action) (casefile.Case, error) {
	var (
		c   casefile.Case
		err error
	)
	switch {
	case act.CaseNumber != "":
		c, err = m.store.CaseByNumber(ctx, act.CaseNumber)
	case act.ChannelID != 0:
		c, err = m.store.CaseByChannel(ctx, act.ChannelID)
	default:
		c, err = m.store.OpenCaseForUser(ctx, act.Actor.ID)
	}
	if errors.Is(err, casestore.ErrNotFound) {
		return casefile.Case{}, fmt.Errorf("no case matches this action: %w", casestore.ErrNotFound)
	}
	if err != nil {
		return casefile.Case{}, persistErr("case lookup", err)
	}
	return c, nil
}

func (m *Machine) pause(ctx context.Context, c casefile.Case, act Action) error {
	if act.Actor.ID != c.PlaintiffID {
		return m.reject(ctx, c, act, "only the plaintiff may pause the case")
	}
	if c.Status != casefile.StatusActive {
		return m.reject(ctx, c, act, "case is not active")
	}
	if err := m.store.SetStatus(ctx, c.CaseNumber, casefile.StatusActive, casefile.StatusPaused); err != nil {
		if errors.Is(err, casestore.ErrStageConflict) {
			return staleErr(c, "case status changed concurrently")
		}
		return persistErr("pause", err)
	}
	m.log.Infow("case paused", "case", c.CaseNumber, "stage", c.Stage)
	m.prompt(ctx, c.PlaintiffID, "The hearing is paused. Resume it at any time.", []string{"resume"})
	if c.DefendantID != nil {
		m.prompt(ctx, *c.DefendantID, "The plaintiff paused the hearing. It will continue once resumed.", nil)
	}
	return nil
}

// resume restores the exact stage the case paused from. The actor must pass
// the same role guard that governs the restored stage; when the stage has no
// live turn the plaintiff may resume.
func (m *Machine) resume(ctx context.Context, c casefile.Case, act Action) error {
	if c.Status != casefile.StatusPaused {
		return m.reject(ctx, c, act, "case is not paused")
	}
	role, hasTurn := casefile.TurnRole(c.Stage)
	actorRole, known := m.actorRole(c, act.Actor)
	switch {
	case !known:
		return m.reject(ctx, c, act, "not a party to this case")
	case hasTurn && actorRole != role:
		return m.reject(ctx, c, act, "it is not your turn to resume")
	case !hasTurn && actorRole != casefile.RolePlaintiff:
		return m.reject(ctx, c, act, "only the plaintiff may resume at this stage")
	}
	if err := m.store.SetStatus(ctx, c.CaseNumber, casefile.StatusPaused, casefile.StatusActive); err != nil {
		if errors.Is(err, casestore.ErrStageConflict) {
			return staleErr(c, "case status changed concurrently")
		}
		return persistErr("resume", err)
	}
	c.Status = casefile.StatusActive
	m.log.Infow("case resumed", "case", c.CaseNumber, "stage", c.Stage)
	return m.redisplayStage(ctx, c)
}

// redisplayStage re-sends the prompt appropriate to the current stage after a
// resume or a restart.
func (m *Machine) redisplayStage(ctx context.Context, c casefile.Case) error {
	if role, ok := casefile.QuestionRole(c.Stage); ok {
		questions, err := m.store.ListQuestions(ctx, c.ID, role, c.Round)
		if err != nil {
			return persistErr("list questions", err)
		}
		if c.QuestionIndex < len(questions) {
			m.promptQuestion(ctx, c, questions[c.QuestionIndex])
			return nil
		}
	}
	msg, actions := stagePrompt(c)
	if target, ok := m.turnParticipant(c); ok {
		m.prompt(ctx, target, msg, actions)
	} else {
		m.prompt(ctx, c.PlaintiffID, msg, actions)
	}
	return nil
}

func (m *Machine) handleIntake(ctx context.Context, c casefile.Case, act Action) error {
	if act.Actor.ID != c.PlaintiffID {
		return m.reject(ctx, c, act, "intake is completed by the plaintiff only")
	}
	if act.Kind != ActionSubmitText {
		return m.reject(ctx, c, act, "intake expects a text reply")
	}
	text := strings.TrimSpace(act.Text)

	switch c.Stage {
	case casefile.StageIntakeTopic:
		if text == "" {
			m.prompt(ctx, c.PlaintiffID, "Enter the dispute topic:", nil)
			return nil
		}
		return m.applyIntakeStep(ctx, c, "topic", text, casefile.StageIntakeCategory)

	case casefile.StageIntakeCategory:
		if !validCategory(text) {
			m.prompt(ctx, c.PlaintiffID, "Pick one of the listed categories:", casefile.Categories)
			return nil
		}
		return m.applyIntakeStep(ctx, c, "category", text, casefile.StageIntakeClaimReason)

	case casefile.StageIntakeClaimReason:
		if text == "" {
			m.prompt(ctx, c.PlaintiffID, "Describe the reason for your claim:", nil)
			return nil
		}
		return m.applyIntakeStep(ctx, c, "claim_reason", text, casefile.StageIntakeClaimAmount)

	default: // StageIntakeClaimAmount
		amount, ok := parseClaimAmount(text)
		if !ok {
			m.prompt(ctx, c.PlaintiffID, "Enter a valid number for the claim amount (or 0 for a non-monetary dispute):", nil)
			return nil
		}
		if err := m.store.UpdateIntake(ctx, c.CaseNumber, "claim_amount", amount); err != nil {
			return persistErr("intake claim_amount", err)
		}
		c, err := m.advance(ctx, c, casestore.Transition{Stage: casefile.StageAwaitingDefendant, Status: casefile.StatusActive})
		if err != nil {
			return err
		}
		msg, actions := stagePrompt(c)
		m.prompt(ctx, c.PlaintiffID, msg, actions)
		return nil
	}
}

func (m *Machine) applyIntakeStep(ctx context.Context, c casefile.Case, column, value string, next casefile.Stage) error {
	if err := m.store.UpdateIntake(ctx, c.CaseNumber, column, value); err != nil {
		return persistErr("intake "+column, err)
	}
	c, err := m.advance(ctx, c, casestore.Transition{Stage: next, Status: casefile.StatusActive})
	if err != nil {
		return err
	}
	msg, actions := stagePrompt(c)
	m.prompt(ctx, c.PlaintiffID, msg, actions)
	return nil
}

func (m *Machine) handleAwaitingDefendant(ctx context.Context, c casefile.Case, act Action) error {
	switch act.Kind {
	case ActionAcceptDefendant, ActionJoinedChannel:
		if act.Actor.ID == c.PlaintiffID {
			return m.reject(ctx, c, act, "the plaintiff cannot act as defendant")
		}
		if c.DefendantID != nil && *c.DefendantID != act.Actor.ID {
			return m.reject(ctx, c, act, "another defendant already joined this case")
		}
		if c.DefendantID == nil {
			if err := m.store.SetDefendant(ctx, c.CaseNumber, act.Actor.ID, act.Actor.Handle); err != nil {
				if errors.Is(err, casestore.ErrStageConflict) || errors.Is(err, casestore.ErrDuplicateParticipant) {
					return staleErr(c, "defendant already assigned")
				}
				return persistErr("assign defendant", err)
			}
			id := act.Actor.ID
			c.DefendantID = &id
		}
		m.provisionChannel(ctx, &c)
		c, err := m.advance(ctx, c, casestore.Transition{Stage: casefile.StagePlaintiffArguments, Status: casefile.StatusActive})
		if err != nil {
			return err
		}
		m.log.Infow("defendant joined", "case", c.CaseNumber, "defendant", act.Actor.ID)
		msg, actions := stagePrompt(c)
		m.prompt(ctx, c.PlaintiffID, msg, actions)
		m.prompt(ctx, act.Actor.ID, "You joined case "+c.CaseNumber+" as defendant. The plaintiff presents arguments first.", nil)
		m.broadcast(ctx, c, "Hearing opened for case "+c.CaseNumber+": "+c.Topic)
		return nil

	case ActionRejectDefendant:
		if act.Actor.ID == c.PlaintiffID {
			return m.reject(ctx, c, act, "the plaintiff cannot reject their own case")
		}
		if err := m.store.ClearDefendant(ctx, c.CaseNumber); err != nil {
			return persistErr("clear defendant", err)
		}
		m.log.Infow("defendant declined", "case", c.CaseNumber, "user", act.Actor.ID)
		m.prompt(ctx, c.PlaintiffID, "The invited defendant declined. Invite a different defendant to case "+c.CaseNumber+".", nil)
		return nil

	default:
		return m.reject(ctx, c, act, "waiting for the defendant to accept or decline")
	}
}

func (m *Machine) handleArguments(ctx context.Context, c casefile.Case, act Action, turn casefile.Role) error {
	role, known := m.actorRole(c, act.Actor)
	if !known || role != turn {
		return m.reject(ctx, c, act, "it is the "+string(turn)+"'s turn")
	}

	switch act.Kind {
	case ActionSubmitText:
		text := strings.TrimSpace(act.Text)
		if text == "" {
			m.prompt(ctx, act.Actor.ID, "Send a non-empty argument, attach evidence, or finish your turn.", []string{"finish"})
			return nil
		}
		return m.appendEvidence(ctx, c, act, casefile.EvidenceItem{
			CaseID: c.ID, UserID: act.Actor.ID, Role: role,
			Type: casefile.EvidenceText, Content: text,
		}, "Argument recorded.")

	case ActionSubmitAttachment:
		if act.Attachment == nil || !attachableType(act.Attachment.Type) {
			return m.reject(ctx, c, act, "unsupported attachment type")
		}
		return m.appendEvidence(ctx, c, act, casefile.EvidenceItem{
			CaseID: c.ID, UserID: act.Actor.ID, Role: role,
			Type: act.Attachment.Type, Content: act.Attachment.Caption, AttachmentRef: act.Attachment.Ref,
		}, "Evidence attached.")

	case ActionFinishStage:
		if turn == casefile.RolePlaintiff {
			c, err := m.advance(ctx, c, casestore.Transition{Stage: casefile.StageDefendantArguments, Status: casefile.StatusActive})
			if err != nil {
				return err
			}
			m.prompt(ctx, c.PlaintiffID, "Your arguments are closed. The defendant now presents theirs.", nil)
			if c.DefendantID != nil {
				msg, actions := stagePrompt(c)
				m.prompt(ctx, *c.DefendantID, msg, actions)
			}
			return nil
		}
		c, err := m.advance(ctx, c, casestore.Transition{
			Stage: casefile.StageQuestionsPlaintiff, Status: casefile.StatusActive, Round: 1,
		})
		if err != nil {
			return err
		}
		m.prompt(ctx, act.Actor.ID, "Arguments are closed. The judge reviews the record and may ask clarifying questions.", nil)
		return m.enterQuestionRound(ctx, c)

	default:
		return m.reject(ctx, c, act, "submit arguments, attach evidence, or finish your turn")
	}
}

func (m *Machine) appendEvidence(ctx context.Context, c casefile.Case, act Action, ev casefile.EvidenceItem, ack string) error {
	if _, err := m.store.AppendEvidence(ctx, ev); err != nil {
		return persistErr("append evidence", err)
	}
	m.prompt(ctx, act.Actor.ID, ack, []string{"finish"})
	return nil
}

// advance applies the atomic stage transition; a CAS conflict means another
// action won the race and the caller's view is stale.
func (m *Machine) advance(ctx context.Context, c casefile.Case, to casestore.Transition) (casefile.Case, error) {
	if to.Status == "" {
		to.Status = casefile.StatusActive
	}
	if err := m.store.AdvanceStage(ctx, c.CaseNumber, c.Stage, to); err != nil {
		if errors.Is(err, casestore.ErrStageConflict) {
			return c, staleErr(c, "stage changed concurrently")
		}
		return c, persistErr("stage transition", err)
	}
	c.Stage = to.Stage
	c.Status = to.Status
	c.Round = to.Round
	c.QuestionIndex = to.QuestionIndex
	c.SkipCount = to.SkipCount
	return c, nil
}

func (m *Machine) provisionChannel(ctx context.Context, c *casefile.Case) {
	if c.Mode != casefile.ModeChannel || c.ChannelID != 0 {
		return
	}
	info, err := m.channels.Provision(ctx, c.CaseNumber, c.Topic)
	if err != nil {
		if !errors.Is(err, notify.ErrProvisioningDisabled) {
			m.log.Warnw("channel provisioning failed, continuing privately", "case", c.CaseNumber, "error", err)
		}
		return
	}
	if err := m.store.SetChannel(ctx, c.CaseNumber, info.ID, info.InviteLink); err != nil {
		m.log.Warnw("persisting channel failed", "case", c.CaseNumber, "error", err)
		return
	}
	c.ChannelID = info.ID
	c.ChannelInvite = info.InviteLink
	m.prompt(ctx, c.PlaintiffID, "A shared hearing channel is ready: "+info.InviteLink, nil)
}

func (m *Machine) actorRole(c casefile.Case, actor Actor) (casefile.Role, bool) {
	if actor.ID == c.PlaintiffID {
		return casefile.RolePlaintiff, true
	}
	if c.DefendantID != nil && actor.ID == *c.DefendantID {
		return casefile.RoleDefendant, true
	}
	return "", false
}

func (m *Machine) turnParticipant(c casefile.Case) (int64, bool) {
	role, ok := casefile.TurnRole(c.Stage)
	if !ok {
		return 0, false
	}
	if role == casefile.RolePlaintiff {
		return c.PlaintiffID, true
	}
	if c.DefendantID != nil {
		return *c.DefendantID, true
	}
	return 0, false
}

// reject notifies the actor with the current stage's instructions and returns
// the typed stale-stage error; state never moves.
func (m *Machine) reject(ctx context.Context, c casefile.Case, act Action, reason string) error {
	msg, actions := stagePrompt(c)
	m.prompt(ctx, act.Actor.ID, "That is not possible right now: "+reason+". "+msg, actions)
	return staleErr(c, reason)
}

// prompt delivers best-effort; delivery failure is logged and never blocks.
func (m *Machine) prompt(ctx context.Context, userID int64, message string, actions []string) {
	if err := m.notifier.Prompt(ctx, userID, message, actions); err != nil {
		m.log.Warnw("prompt delivery failed", "user_id", userID, "error", err)
	}
}

func (m *Machine) broadcast(ctx context.Context, c casefile.Case, summary string) {
	if c.Mode != casefile.ModeChannel || c.ChannelID == 0 {
		return
	}
	if err := m.notifier.Channel(ctx, c.ChannelID, summary); err != nil {
		m.log.Warnw("channel broadcast failed", "case", c.CaseNumber, "error", err)
	}
}

func validCategory(text string) bool {
	for _, cat := range casefile.Categories {
		if strings.EqualFold(cat, text) {
			return true
		}
	}
	return false
}

func parseClaimAmount(text string) (float64, bool) {
	text = strings.ReplaceAll(strings.TrimSpace(text), ",", ".")
	amount, err := strconv.ParseFloat(text, 64)
	if err != nil || amount < 0 {
		return 0, false
	}
	return amount, true
}

func attachableType(t casefile.EvidenceType) bool {
	switch t {
	case casefile.EvidenceImage, casefile.EvidenceDocument, casefile.EvidenceAudio,
		casefile.EvidenceVideo, casefile.EvidenceChatTranscript:
		return true
	default:
		return false
	}
}
