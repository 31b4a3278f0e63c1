package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nsljw/Judge-final/internal/arbiter"
	"github.com/nsljw/Judge-final/internal/casestore"
)

type recordingHandler struct {
	mu      sync.Mutex
	byKey   map[string][]string
	inKey   map[string]bool
	overlap bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{byKey: map[string][]string{}, inKey: map[string]bool{}}
}

func (h *recordingHandler) Handle(_ context.Context, act arbiter.Action) error {
	key := act.CaseNumber

	h.mu.Lock()
	if h.inKey[key] {
		h.overlap = true
	}
	h.inKey[key] = true
	h.mu.Unlock()

	time.Sleep(time.Millisecond)

	h.mu.Lock()
	h.inKey[key] = false
	h.byKey[key] = append(h.byKey[key], act.Text)
	h.mu.Unlock()
	return nil
}

func TestActionsSerializedPerCase(t *testing.T) {
	h := newRecordingHandler()
	d := New(h, zap.NewNop().Sugar())

	for _, text := range []string{"a", "b", "c", "d", "e"} {
		if err := d.Submit(arbiter.Action{Kind: arbiter.ActionSubmitText, CaseNumber: "CASE-1", Text: text}); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if err := d.Submit(arbiter.Action{Kind: arbiter.ActionSubmitText, CaseNumber: "CASE-2", Text: text}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	d.Close()

	if h.overlap {
		t.Fatal("actions for one case handled concurrently")
	}
	for _, key := range []string{"CASE-1", "CASE-2"} {
		got := h.byKey[key]
		if len(got) != 5 {
			t.Fatalf("%s handled %d actions, want 5", key, len(got))
		}
		for i, want := range []string{"a", "b", "c", "d", "e"} {
			if got[i] != want {
				t.Fatalf("%s out of order: %v", key, got)
			}
		}
	}
}

func TestCloseDrainsQueues(t *testing.T) {
	h := newRecordingHandler()
	d := New(h, zap.NewNop().Sugar())

	for i := 0; i < 10; i++ {
		if err := d.Submit(arbiter.Action{Kind: arbiter.ActionSubmitText, CaseNumber: "CASE-1", Text: "x"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	d.Close()

	if n := len(h.byKey["CASE-1"]); n != 10 {
		t.Fatalf("drained %d actions, want 10", n)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	d := New(newRecordingHandler(), zap.NewNop().Sugar())
	d.Close()
	if err := d.Submit(arbiter.Action{Kind: arbiter.ActionSubmitText, CaseNumber: "CASE-1"}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestExpectedRejections(t *testing.T) {
	expected := []error{
		&arbiter.StaleStageError{Reason: "wrong turn"},
		&arbiter.RateLimitedError{UserID: 7},
		fmt.Errorf("no case matches this action: %w", casestore.ErrNotFound),
	}
	for _, err := range expected {
		if !isExpectedRejection(err) {
			t.Fatalf("%v should be an expected rejection", err)
		}
	}
	if isExpectedRejection(errors.New("disk full")) {
		t.Fatal("arbitrary errors must not pass as expected rejections")
	}
}

func TestRouteKeyFallbacks(t *testing.T) {
	if k := routeKey(arbiter.Action{CaseNumber: "CASE-9"}); k != "case:CASE-9" {
		t.Fatalf("case key = %q", k)
	}
	if k := routeKey(arbiter.Action{ChannelID: 42}); k != "channel:42" {
		t.Fatalf("channel key = %q", k)
	}
	if k := routeKey(arbiter.Action{Actor: arbiter.Actor{ID: 7}}); k != "user:7" {
		t.Fatalf("user key = %q", k)
	}
}
