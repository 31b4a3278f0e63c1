// Package httpapi exposes the arbitration service over HTTP: case intake,
// action submission, case inspection, and ruling download. Mutating actions
// are queued through the dispatcher so handling stays serialized per case.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nsljw/Judge-final/internal/arbiter"
	"github.com/nsljw/Judge-final/internal/casefile"
	"github.com/nsljw/Judge-final/internal/casestore"
	"github.com/nsljw/Judge-final/internal/dispatch"
)

type Server struct {
	store      *casestore.Store
	machine    *arbiter.Machine
	dispatcher *dispatch.Dispatcher
	log        *zap.SugaredLogger
}

func NewServer(store *casestore.Store, machine *arbiter.Machine, dispatcher *dispatch.Dispatcher, log *zap.SugaredLogger) http.Handler {
	s := &Server{store: store, machine: machine, dispatcher: dispatcher, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cases", s.handleCases)
	mux.HandleFunc("/v1/cases/", s.handleCase)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": map[string]any{"code": code, "message": message},
	})
}

func (s *Server) writeHandleError(w http.ResponseWriter, err error) {
	var stale *arbiter.StaleStageError
	var limited *arbiter.RateLimitedError
	switch {
	case errors.As(err, &stale):
		writeJSON(w, http.StatusConflict, map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":    "stale_stage",
				"message": stale.Reason,
				"stage":   stale.Stage,
				"status":  stale.Status,
			},
		})
	case errors.As(err, &limited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, casestore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "case not found")
	default:
		s.log.Errorw("request handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

type actorRequest struct {
	ActorID int64  `json:"actor_id"`
	Handle  string `json:"handle"`
}

// handleCases opens a case synchronously so the caller gets its number back.
func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	var req struct {
		actorRequest
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if req.ActorID == 0 {
		writeError(w, http.StatusBadRequest, "validation", "actor_id is required")
		return
	}

	act := arbiter.Action{
		Kind:  arbiter.ActionStartCase,
		Actor: arbiter.Actor{ID: req.ActorID, Handle: req.Handle},
		Mode:  casefile.Mode(req.Mode),
	}
	if err := s.machine.Handle(r.Context(), act); err != nil {
		s.writeHandleError(w, err)
		return
	}
	c, err := s.store.OpenCaseForUser(r.Context(), req.ActorID)
	if err != nil {
		s.writeHandleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "case": c})
}

// handleCase routes /v1/cases/{number}[/actions|/verdict|/verdict.pdf].
func (s *Server) handleCase(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/cases/")
	number, rest, _ := strings.Cut(path, "/")
	if number == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch rest {
	case "":
		s.handleCaseGet(w, r, number)
	case "actions":
		s.handleCaseActions(w, r, number)
	case "verdict":
		s.handleVerdict(w, r, number, false)
	case "verdict.pdf":
		s.handleVerdict(w, r, number, true)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleCaseGet(w http.ResponseWriter, r *http.Request, number string) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	c, err := s.store.CaseByNumber(r.Context(), number)
	if err != nil {
		s.writeHandleError(w, err)
		return
	}
	participants, err := s.store.ListParticipants(r.Context(), c.ID)
	if err != nil {
		s.writeHandleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case":         c,
		"participants": participants,
	})
}

// handleCaseActions accepts an action for asynchronous, per-case-serialized
// processing. Stage validation happens in the worker, so acceptance here only
// means the action is queued.
func (s *Server) handleCaseActions(w http.ResponseWriter, r *http.Request, number string) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	var req struct {
		actorRequest
		Kind       string `json:"kind"`
		Text       string `json:"text"`
		Attachment *struct {
			Type    string `json:"type"`
			Ref     string `json:"ref"`
			Caption string `json:"caption"`
		} `json:"attachment"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if req.Kind == "" || req.ActorID == 0 {
		writeError(w, http.StatusBadRequest, "validation", "kind and actor_id are required")
		return
	}
	if _, err := s.store.CaseByNumber(r.Context(), number); err != nil {
		s.writeHandleError(w, err)
		return
	}

	act := arbiter.Action{
		Kind:       arbiter.ActionKind(req.Kind),
		CaseNumber: number,
		Actor:      arbiter.Actor{ID: req.ActorID, Handle: req.Handle},
		Text:       req.Text,
	}
	if req.Attachment != nil {
		act.Attachment = &arbiter.Attachment{
			Type:    casefile.EvidenceType(req.Attachment.Type),
			Ref:     req.Attachment.Ref,
			Caption: req.Attachment.Caption,
		}
	}
	if err := s.dispatcher.Submit(act); err != nil {
		writeError(w, http.StatusServiceUnavailable, "overloaded", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "queued": true})
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request, number string, pdf bool) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	c, err := s.store.CaseByNumber(r.Context(), number)
	if err != nil {
		s.writeHandleError(w, err)
		return
	}
	v, err := s.store.VerdictByCase(r.Context(), c.ID)
	if errors.Is(err, casestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no ruling issued for this case yet")
		return
	}
	if err != nil {
		s.writeHandleError(w, err)
		return
	}

	if pdf {
		if len(v.Document) == 0 {
			writeError(w, http.StatusNotFound, "not_found", "ruling document was not rendered")
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="ruling-`+c.CaseNumber+`.pdf"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(v.Document)
		return
	}

	var decision casefile.Decision
	if err := json.Unmarshal([]byte(v.DecisionJSON), &decision); err != nil {
		s.writeHandleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_number": c.CaseNumber,
		"decision":    decision,
		"issued_at":   v.CreatedAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
