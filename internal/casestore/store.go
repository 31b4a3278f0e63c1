// Package casestore persists cases, participants, evidence, generated
// questions, and verdicts in SQLite. Evidence and questions are append-only;
// stage transitions are compare-and-swap updates so the persisted stage is
// always the single source of truth.
package casestore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nsljw/Judge-final/internal/casefile"
)

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	case_number    TEXT NOT NULL UNIQUE,
	topic          TEXT NOT NULL DEFAULT '',
	category       TEXT NOT NULL DEFAULT '',
	claim_reason   TEXT NOT NULL DEFAULT '',
	claim_amount   REAL,
	mode           TEXT NOT NULL DEFAULT 'private',
	channel_id     INTEGER NOT NULL DEFAULT 0,
	channel_invite TEXT NOT NULL DEFAULT '',
	plaintiff_id   INTEGER NOT NULL,
	defendant_id   INTEGER,
	status         TEXT NOT NULL DEFAULT 'active',
	stage          TEXT NOT NULL,
	round          INTEGER NOT NULL DEFAULT 0,
	question_index INTEGER NOT NULL DEFAULT 0,
	skip_count     INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id   INTEGER NOT NULL REFERENCES cases(id),
	user_id   INTEGER NOT NULL,
	handle    TEXT NOT NULL DEFAULT '',
	role      TEXT NOT NULL,
	joined_at TEXT NOT NULL,
	UNIQUE (case_id, user_id, role)
);

CREATE TABLE IF NOT EXISTS evidence (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id        INTEGER NOT NULL REFERENCES cases(id),
	user_id        INTEGER NOT NULL,
	role           TEXT NOT NULL,
	type           TEXT NOT NULL,
	content        TEXT NOT NULL DEFAULT '',
	attachment_ref TEXT NOT NULL DEFAULT '',
	round          INTEGER NOT NULL DEFAULT 0,
	question_id    INTEGER,
	submitted_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id     INTEGER NOT NULL REFERENCES cases(id),
	target_role TEXT NOT NULL,
	round       INTEGER NOT NULL,
	position    INTEGER NOT NULL,
	text        TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS verdicts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id       INTEGER NOT NULL UNIQUE REFERENCES cases(id),
	decision_json TEXT NOT NULL DEFAULT '{}',
	document      BLOB,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_channel ON cases(channel_id);
CREATE INDEX IF NOT EXISTS idx_evidence_case ON evidence(case_id);
CREATE INDEX IF NOT EXISTS idx_questions_case ON questions(case_id, target_role, round);
`

type Store struct {
	db *sqlx.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// NewCaseNumber mirrors the public case reference format.
func NewCaseNumber() string {
	u := uuid.New()
	return "CASE-" + strings.ToUpper(hex.EncodeToString(u[:])[:10])
}

func (s *Store) CreateCase(ctx context.Context, plaintiffID int64, handle string, mode casefile.Mode) (casefile.Case, error) {
	now := time.Now().UTC()
	c := casefile.Case{
		CaseNumber:  NewCaseNumber(),
		Mode:        mode,
		PlaintiffID: plaintiffID,
		Status:      casefile.StatusActive,
		Stage:       casefile.StageIntakeTopic,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO cases
		(case_number, mode, plaintiff_id, status, stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.CaseNumber, c.Mode, c.PlaintiffID, c.Status, c.Stage, fmtTime(now), fmtTime(now))
	if err != nil {
		return casefile.Case{}, fmt.Errorf("create case: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	if err := s.AddParticipant(ctx, c.ID, plaintiffID, handle, casefile.RolePlaintiff); err != nil {
		return casefile.Case{}, err
	}
	return c, nil
}

const caseColumns = `id, case_number, topic, category, claim_reason, claim_amount, mode,
	channel_id, channel_invite, plaintiff_id, defendant_id, status, stage,
	round, question_index, skip_count, created_at, updated_at`

func (s *Store) CaseByNumber(ctx context.Context, number string) (casefile.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_number = ?`, number)
	return scanCase(row)
}

func (s *Store) CaseByChannel(ctx context.Context, channelID int64) (casefile.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE channel_id = ?`, channelID)
	return scanCase(row)
}

// OpenCaseForUser returns the newest unfinished case where the user holds any
// role, used to route actions that arrive without explicit case context.
func (s *Store) OpenCaseForUser(ctx context.Context, userID int64) (casefile.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE status != 'finished' AND (plaintiff_id = ? OR defendant_id = ?)
		ORDER BY id DESC LIMIT 1`, userID, userID)
	return scanCase(row)
}

// CasesInStage lists active cases sitting in the given stage, oldest first.
// Used at startup to re-enter interrupted final-decision orchestration.
func (s *Store) CasesInStage(ctx context.Context, stage casefile.Stage) ([]casefile.Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE stage = ? AND status = 'active' ORDER BY id`, stage)
	if err != nil {
		return nil, fmt.Errorf("cases in stage: %w", err)
	}
	defer rows.Close()
	var out []casefile.Case
	for rows.Next() {
		c, err := scanCaseRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateIntake writes one intake form field without advancing the stage.
func (s *Store) UpdateIntake(ctx context.Context, caseNumber, column string, value any) error {
	switch column {
	case "topic", "category", "claim_reason", "claim_amount":
	default:
		return fmt.Errorf("not an intake column: %s", column)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE cases SET `+column+` = ?, updated_at = ? WHERE case_number = ?`,
		value, fmtTime(time.Now().UTC()), caseNumber)
	if err != nil {
		return fmt.Errorf("update intake %s: %w", column, err)
	}
	return nil
}

// Transition is the atomic stage/status/loop-counter update applied by the
// state machine. The compare-and-swap on the prior stage guarantees two racing
// transitions cannot both win.
type Transition struct {
	Stage         casefile.Stage
	Status        casefile.Status
	Round         int
	QuestionIndex int
	SkipCount     int
}

func (s *Store) AdvanceStage(ctx context.Context, caseNumber string, from casefile.Stage, to Transition) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cases
		SET stage = ?, status = ?, round = ?, question_index = ?, skip_count = ?, updated_at = ?
		WHERE case_number = ? AND stage = ?`,
		to.Stage, to.Status, to.Round, to.QuestionIndex, to.SkipCount,
		fmtTime(time.Now().UTC()), caseNumber, from)
	if err != nil {
		return fmt.Errorf("advance stage: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStageConflict
	}
	return nil
}

// SetStatus flips the orthogonal status flag, guarded on the current value.
func (s *Store) SetStatus(ctx context.Context, caseNumber string, from, to casefile.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET status = ?, updated_at = ? WHERE case_number = ? AND status = ?`,
		to, fmtTime(time.Now().UTC()), caseNumber, from)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStageConflict
	}
	return nil
}

// SetDefendant assigns the defendant exactly once.
func (s *Store) SetDefendant(ctx context.Context, caseNumber string, defendantID int64, handle string) error {
	c, err := s.CaseByNumber(ctx, caseNumber)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET defendant_id = ?, updated_at = ? WHERE case_number = ? AND defendant_id IS NULL`,
		defendantID, fmtTime(time.Now().UTC()), caseNumber)
	if err != nil {
		return fmt.Errorf("set defendant: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStageConflict
	}
	return s.AddParticipant(ctx, c.ID, defendantID, handle, casefile.RoleDefendant)
}

// ClearDefendant lets the plaintiff re-target after a rejection.
func (s *Store) ClearDefendant(ctx context.Context, caseNumber string) error {
	c, err := s.CaseByNumber(ctx, caseNumber)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM participants WHERE case_id = ? AND role = ?`, c.ID, casefile.RoleDefendant); err != nil {
		return fmt.Errorf("clear defendant participant: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE cases SET defendant_id = NULL, updated_at = ? WHERE case_number = ?`,
		fmtTime(time.Now().UTC()), caseNumber); err != nil {
		return fmt.Errorf("clear defendant: %w", err)
	}
	return nil
}

func (s *Store) SetChannel(ctx context.Context, caseNumber string, channelID int64, invite string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cases SET channel_id = ?, channel_invite = ?, updated_at = ? WHERE case_number = ?`,
		channelID, invite, fmtTime(time.Now().UTC()), caseNumber)
	if err != nil {
		return fmt.Errorf("set channel: %w", err)
	}
	return nil
}

func (s *Store) AddParticipant(ctx context.Context, caseID, userID int64, handle string, role casefile.Role) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (case_id, user_id, handle, role, joined_at) VALUES (?, ?, ?, ?, ?)`,
		caseID, userID, handle, role, fmtTime(time.Now().UTC()))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateParticipant
		}
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, caseID int64) ([]casefile.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, user_id, handle, role, joined_at FROM participants WHERE case_id = ? ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	var out []casefile.Participant
	for rows.Next() {
		var p casefile.Participant
		var joined string
		if err := rows.Scan(&p.ID, &p.CaseID, &p.UserID, &p.Handle, &p.Role, &joined); err != nil {
			return nil, err
		}
		p.JoinedAt = parseTime(joined)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvidence(ctx context.Context, ev casefile.EvidenceItem) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO evidence
		(case_id, user_id, role, type, content, attachment_ref, round, question_id, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.CaseID, ev.UserID, ev.Role, ev.Type, ev.Content, ev.AttachmentRef, ev.Round, ev.QuestionID, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("append evidence: %w", err)
	}
	return res.LastInsertId()
}

// EvidenceFilter narrows ListEvidence; zero values mean no filtering.
type EvidenceFilter struct {
	Role casefile.Role
	Type casefile.EvidenceType
}

// ListEvidence returns evidence in stable submission (insertion) order.
func (s *Store) ListEvidence(ctx context.Context, caseID int64, filter EvidenceFilter) ([]casefile.EvidenceItem, error) {
	query := `SELECT id, case_id, user_id, role, type, content, attachment_ref, round, question_id, submitted_at
		FROM evidence WHERE case_id = ?`
	args := []any{caseID}
	if filter.Role != "" {
		query += ` AND role = ?`
		args = append(args, filter.Role)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()
	var out []casefile.EvidenceItem
	for rows.Next() {
		var ev casefile.EvidenceItem
		var submitted string
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.UserID, &ev.Role, &ev.Type, &ev.Content,
			&ev.AttachmentRef, &ev.Round, &ev.QuestionID, &submitted); err != nil {
			return nil, err
		}
		ev.SubmittedAt = parseTime(submitted)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvidence reports how many items match a (role, round, type) slot. Used
// to reconcile a question round after a restart.
func (s *Store) CountEvidence(ctx context.Context, caseID int64, role casefile.Role, round int, typ casefile.EvidenceType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evidence WHERE case_id = ? AND role = ? AND round = ? AND type = ?`,
		caseID, role, round, typ).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count evidence: %w", err)
	}
	return n, nil
}

func (s *Store) AddQuestions(ctx context.Context, caseID int64, role casefile.Role, round int, texts []string) ([]casefile.Question, error) {
	now := time.Now().UTC()
	out := make([]casefile.Question, 0, len(texts))
	for i, text := range texts {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO questions (case_id, target_role, round, position, text, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			caseID, role, round, i, text, fmtTime(now))
		if err != nil {
			return nil, fmt.Errorf("add question: %w", err)
		}
		id, _ := res.LastInsertId()
		out = append(out, casefile.Question{
			ID: id, CaseID: caseID, TargetRole: role, Round: round, Position: i, Text: text, CreatedAt: now,
		})
	}
	return out, nil
}

func (s *Store) ListQuestions(ctx context.Context, caseID int64, role casefile.Role, round int) ([]casefile.Question, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, case_id, target_role, round, position, text, created_at
		FROM questions WHERE case_id = ? AND target_role = ? AND round = ? ORDER BY position`,
		caseID, role, round)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()
	var out []casefile.Question
	for rows.Next() {
		var q casefile.Question
		var created string
		if err := rows.Scan(&q.ID, &q.CaseID, &q.TargetRole, &q.Round, &q.Position, &q.Text, &created); err != nil {
			return nil, err
		}
		q.CreatedAt = parseTime(created)
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpsertVerdict is idempotent by case: re-adjudication replaces the record.
func (s *Store) UpsertVerdict(ctx context.Context, caseID int64, decisionJSON string, document []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO verdicts (case_id, decision_json, document, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET decision_json = excluded.decision_json, document = excluded.document`,
		caseID, decisionJSON, document, fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("upsert verdict: %w", err)
	}
	return nil
}

func (s *Store) VerdictByCase(ctx context.Context, caseID int64) (casefile.Verdict, error) {
	var v casefile.Verdict
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, decision_json, document, created_at FROM verdicts WHERE case_id = ?`,
		caseID).Scan(&v.ID, &v.CaseID, &v.DecisionJSON, &v.Document, &created)
	if err == sql.ErrNoRows {
		return casefile.Verdict{}, ErrNotFound
	}
	if err != nil {
		return casefile.Verdict{}, fmt.Errorf("verdict by case: %w", err)
	}
	v.CreatedAt = parseTime(created)
	return v, nil
}

// PurgeCasesOlderThan deletes cases created before the horizon along with all
// dependent rows. Dependents go first so a partial sweep never orphans them.
func (s *Store) PurgeCasesOlderThan(ctx context.Context, age time.Duration) (int, error) {
	horizon := fmtTime(time.Now().UTC().Add(-age))
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"evidence", "questions", "verdicts", "participants"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE case_id IN (SELECT id FROM cases WHERE created_at < ?)`, horizon); err != nil {
			return 0, fmt.Errorf("purge %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cases WHERE created_at < ?`, horizon)
	if err != nil {
		return 0, fmt.Errorf("purge cases: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge commit: %w", err)
	}
	return int(n), nil
}

func scanCase(row *sql.Row) (casefile.Case, error) {
	return scanCaseFrom(row.Scan)
}

func scanCaseRows(rows *sql.Rows) (casefile.Case, error) {
	return scanCaseFrom(rows.Scan)
}

func scanCaseFrom(scan func(dest ...any) error) (casefile.Case, error) {
	var c casefile.Case
	var claimAmount sql.NullFloat64
	var defendantID sql.NullInt64
	var created, updated string
	err := scan(&c.ID, &c.CaseNumber, &c.Topic, &c.Category, &c.ClaimReason, &claimAmount,
		&c.Mode, &c.ChannelID, &c.ChannelInvite, &c.PlaintiffID, &defendantID,
		&c.Status, &c.Stage, &c.Round, &c.QuestionIndex, &c.SkipCount, &created, &updated)
	if err == sql.ErrNoRows {
		return casefile.Case{}, ErrNotFound
	}
	if err != nil {
		return casefile.Case{}, fmt.Errorf("scan case: %w", err)
	}
	if claimAmount.Valid {
		c.ClaimAmount = &claimAmount.Float64
	}
	if defendantID.Valid {
		c.DefendantID = &defendantID.Int64
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

func fmtTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
